// Package nodedb is the static directory of provisioned mobile nodes and
// mobility anchors. It is loaded once at startup from a flat configuration
// file and kept current by watching that file with fsnotify, the same
// debounce-then-reparse-then-atomic-swap shape ipref-gw's dns.go uses for
// /etc/hosts: a file event restarts a short timer, and only when the timer
// actually fires does the file get re-read, so a burst of writes from an
// editor collapses into one reload.
package nodedb

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/opmip/pmipgw/internal/clog"
)

// debounce mirrors dns.go's DEBOUNCE: long enough that an editor's
// write-then-rename produces one reload, not two.
const debounce = 300 * time.Millisecond

// LLAddr is a 48-bit link-layer (MAC) address.
type LLAddr [6]byte

func (a LLAddr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
}

func ParseLLAddr(s string) (LLAddr, error) {
	var a LLAddr
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return a, fmt.Errorf("nodedb: malformed link-layer address %q", s)
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return a, fmt.Errorf("nodedb: malformed link-layer address %q: %w", s, err)
		}
		a[i] = byte(v)
	}
	return a, nil
}

// NAI is a mobile node's Network Access Identifier.
type NAI string

func ParseNAI(s string) (NAI, error) {
	if len(s) == 0 || len(s) > 255 {
		return "", fmt.Errorf("nodedb: NAI length %d out of bounds", len(s))
	}
	if !utf8.ValidString(s) {
		return "", fmt.Errorf("nodedb: NAI is not valid UTF-8")
	}
	return NAI(s), nil
}

// MobileNodePolicy is a NodeDB entry for one provisioned mobile node.
type MobileNodePolicy struct {
	ID          NAI
	LLAddr      LLAddr
	Prefixes    []netip.Prefix
	AnchorID    string
	MaxLifetime time.Duration
}

// AnchorEntry is a NodeDB entry for one mobility anchor (LMA).
type AnchorEntry struct {
	ID   string
	Addr netip.Addr
}

// snapshot is one immutable generation of the directory content. Readers
// always hold a *snapshot obtained via the atomic pointer in DB, so a
// reload never exposes a half-built map.
type snapshot struct {
	byNAI   map[NAI]*MobileNodePolicy
	byLL    map[LLAddr]*MobileNodePolicy
	anchors map[string]*AnchorEntry
}

// DB is the loaded, live-reloaded directory.
type DB struct {
	log  *clog.Logger
	path string
	cur  atomic.Pointer[snapshot]
	// cache fronts the LLAddr lookup path (the MAG's attach hot path)
	// with the most recently seen handsets; wiped wholesale on reload
	// since a stale hit after a policy change is worse than a miss.
	cache *lru.Cache[LLAddr, *MobileNodePolicy]
}

// cacheSize bounds the LLAddr lookup cache. A few thousand recently-seen
// handsets comfortably covers one access gateway's working set without
// growing unbounded against a directory with tens of thousands of entries.
const cacheSize = 4096

// Load parses path once and returns a directory that is not yet watching
// for changes; call Watch to start hot-reload.
func Load(log *clog.Logger, path string) (*DB, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("nodedb: cannot open %v: %w", path, err)
	}
	defer f.Close()

	snap, err := parse(log, filepath.Base(path), f)
	if err != nil {
		return nil, err
	}

	cache, err := lru.New[LLAddr, *MobileNodePolicy](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("nodedb: cannot create lookup cache: %w", err)
	}

	db := &DB{log: log, path: path, cache: cache}
	db.cur.Store(snap)
	return db, nil
}

// Watch starts an fsnotify watcher on the backing file and reloads on
// every debounced change until done is closed. Modeled on dns.go's
// dns_watcher: one watcher goroutine, one debounce timer per watched
// path, reset rather than fired-and-forgotten on every event.
func (db *DB) Watch(done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("nodedb: cannot create file watcher: %w", err)
	}
	if err := watcher.Add(db.path); err != nil {
		watcher.Close()
		return fmt.Errorf("nodedb: cannot watch %v: %w", db.path, err)
	}

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				db.log.Debug("nodedb: file event: %v %v", filepath.Base(event.Name), event.Op)
				timer.Reset(debounce)
				if event.Op&fsnotify.Remove != 0 {
					if err := watcher.Add(db.path); err != nil {
						db.log.Err("nodedb: cannot re-watch %v: %v", db.path, err)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				db.log.Err("nodedb: file watch error: %v", err)
			case <-timer.C:
				db.reload()
			}
		}
	}()

	return nil
}

func (db *DB) reload() {
	f, err := os.Open(db.path)
	if err != nil {
		db.log.Err("nodedb: reload: cannot open %v: %v", db.path, err)
		return
	}
	defer f.Close()

	snap, err := parse(db.log, filepath.Base(db.path), f)
	if err != nil {
		db.log.Err("nodedb: reload: %v, keeping previous generation", err)
		return
	}

	db.cur.Store(snap)
	db.cache.Purge()
	db.log.Info("nodedb: reloaded %v: %v nodes, %v anchors",
		db.path, len(snap.byNAI), len(snap.anchors))
}

// LookupNAI returns the policy for id, or (nil, false) if unprovisioned.
func (db *DB) LookupNAI(id NAI) (*MobileNodePolicy, bool) {
	snap := db.cur.Load()
	p, ok := snap.byNAI[id]
	return p, ok
}

// LookupLLAddr returns the policy for a link-layer address, consulting the
// front cache before the directory's native map.
func (db *DB) LookupLLAddr(addr LLAddr) (*MobileNodePolicy, bool) {
	if p, ok := db.cache.Get(addr); ok {
		return p, true
	}
	snap := db.cur.Load()
	p, ok := snap.byLL[addr]
	if ok {
		db.cache.Add(addr, p)
	}
	return p, ok
}

// AllPolicies returns every provisioned mobile node policy in the
// current generation, for callers (the test AccessDriver's client list)
// that need to enumerate the directory rather than look up one entry.
func (db *DB) AllPolicies() []*MobileNodePolicy {
	snap := db.cur.Load()
	policies := make([]*MobileNodePolicy, 0, len(snap.byNAI))
	for _, p := range snap.byNAI {
		policies = append(policies, p)
	}
	return policies
}

// LookupAnchor returns the anchor entry for id, or (nil, false) if unknown.
func (db *DB) LookupAnchor(id string) (*AnchorEntry, bool) {
	snap := db.cur.Load()
	a, ok := snap.anchors[id]
	return a, ok
}

// parse reads the directory file format:
//
//	node <nai> <ll-addr> <anchor-id> <max-lifetime> <prefix>[,<prefix>...]
//	anchor <anchor-id> <address>
//
// Blank lines and lines starting with "#" are ignored. Malformed lines are
// logged and skipped rather than aborting the whole load, matching
// parse_hosts_file's per-line error tolerance.
func parse(log *clog.Logger, fname string, r io.Reader) (*snapshot, error) {
	snap := &snapshot{
		byNAI:   make(map[NAI]*MobileNodePolicy),
		byLL:    make(map[LLAddr]*MobileNodePolicy),
		anchors: make(map[string]*AnchorEntry),
	}

	scanner := bufio.NewScanner(r)
	lno := 0
	for scanner.Scan() {
		lno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		toks := strings.Fields(line)
		switch toks[0] {
		case "node":
			if len(toks) != 6 {
				log.Err("nodedb: %v(%v): expected 6 fields for node record, got %v", fname, lno, len(toks))
				continue
			}
			id, err := ParseNAI(toks[1])
			if err != nil {
				log.Err("nodedb: %v(%v): %v", fname, lno, err)
				continue
			}
			ll, err := ParseLLAddr(toks[2])
			if err != nil {
				log.Err("nodedb: %v(%v): %v", fname, lno, err)
				continue
			}
			anchorID := toks[3]
			lifetime, err := time.ParseDuration(toks[4])
			if err != nil {
				log.Err("nodedb: %v(%v): invalid max lifetime %q: %v", fname, lno, toks[4], err)
				continue
			}
			var prefixes []netip.Prefix
			ok := true
			for _, ptok := range strings.Split(toks[5], ",") {
				p, err := netip.ParsePrefix(ptok)
				if err != nil {
					log.Err("nodedb: %v(%v): invalid prefix %q: %v", fname, lno, ptok, err)
					ok = false
					break
				}
				prefixes = append(prefixes, p)
			}
			if !ok || len(prefixes) == 0 {
				continue
			}
			if _, dup := snap.byNAI[id]; dup {
				log.Err("nodedb: %v(%v): duplicate node identifier %v, ignoring", fname, lno, id)
				continue
			}
			policy := &MobileNodePolicy{
				ID:          id,
				LLAddr:      ll,
				Prefixes:    prefixes,
				AnchorID:    anchorID,
				MaxLifetime: lifetime,
			}
			snap.byNAI[id] = policy
			snap.byLL[ll] = policy

		case "anchor":
			if len(toks) != 3 {
				log.Err("nodedb: %v(%v): expected 3 fields for anchor record, got %v", fname, lno, len(toks))
				continue
			}
			addr, err := netip.ParseAddr(toks[2])
			if err != nil {
				log.Err("nodedb: %v(%v): invalid anchor address %q: %v", fname, lno, toks[2], err)
				continue
			}
			snap.anchors[toks[1]] = &AnchorEntry{ID: toks[1], Addr: addr}

		default:
			log.Err("nodedb: %v(%v): unrecognized record type %q", fname, lno, toks[0])
		}
	}

	return snap, scanner.Err()
}
