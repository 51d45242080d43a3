// Package lma implements the LMA-side BindingCache: the authoritative
// map of active mobility sessions (spec §4.3), driving the tunnel and
// route lifecycle as PBUs arrive and binding lifetimes expire.
//
// Every mutation runs on one goroutine draining one command channel,
// ipref-gw's mapper.go "single map, single owning goroutine" shape
// generalized from a forwarder-owned map to a map fed from two sources
// (the MobilityAgent's receive loop and expiry timers) that must never
// interleave, which is exactly what spec §5's "strand" requires and Go
// gives for free from a single consumer goroutine.
package lma

import (
	"net/netip"
	"time"

	"github.com/opmip/pmipgw/internal/clog"
	"github.com/opmip/pmipgw/internal/nodedb"
	"github.com/opmip/pmipgw/internal/timers"
	"github.com/opmip/pmipgw/internal/tunnel"
	"github.com/opmip/pmipgw/internal/wire"
)

// State is a BindingCacheEntry's lifecycle state (spec §3).
type State int

const (
	Idle State = iota
	Registered
	Deregistering
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Registered:
		return "REGISTERED"
	case Deregistering:
		return "DEREGISTERING"
	default:
		return "UNKNOWN"
	}
}

// TunnelRouter is the subset of *tunnel.Router the cache needs, narrowed
// to keep unit tests free of a real netlink handle.
type TunnelRouter interface {
	AcquireTunnel(local, remote netip.Addr) (tunnel.TunnelHandle, error)
	ReleaseTunnel(h tunnel.TunnelHandle) error
	AddRoute(prefix netip.Prefix, h tunnel.TunnelHandle) error
	RemoveRoute(prefix netip.Prefix, h tunnel.TunnelHandle) error
}

// Sender is the subset of *agent.Agent the cache needs to emit PBAs.
type Sender interface {
	Send(dst netip.Addr, mhType byte, info wire.ProxyBindingInfo) error
}

// Entry is a BindingCacheEntry (spec §3).
type Entry struct {
	ID       nodedb.NAI
	State    State
	MAG      netip.Addr
	Prefixes []netip.Prefix
	Lifetime time.Duration
	LastSeq  wire.Seq
	Tunnel   tunnel.TunnelHandle

	expiry timers.Timer
}

// Cache is the LMA's BindingCache.
type Cache struct {
	log    *clog.Logger
	db     *nodedb.DB
	tr     TunnelRouter
	sender Sender
	local  netip.Addr // this LMA's own tunnel-source address

	events  chan func()
	entries map[nodedb.NAI]*Entry
}

// New constructs a Cache and starts its strand goroutine. local is the
// address this LMA uses as the tunnel endpoint local address.
func New(log *clog.Logger, db *nodedb.DB, tr TunnelRouter, sender Sender, local netip.Addr) *Cache {
	c := &Cache{
		log:     log,
		db:      db,
		tr:      tr,
		sender:  sender,
		local:   local,
		events:  make(chan func(), 64),
		entries: make(map[nodedb.NAI]*Entry),
	}
	go c.run()
	return c
}

func (c *Cache) run() {
	for fn := range c.events {
		fn()
	}
}

// Close stops the strand goroutine. Any already-queued events run first.
func (c *Cache) Close() { close(c.events) }

// OnPBU implements agent.PBUHandler; it hands the PBU to the strand and
// returns immediately, matching the spec's requirement that the receive
// path never blocks dispatch on binding-state work.
func (c *Cache) OnPBU(src netip.Addr, info wire.ProxyBindingInfo) {
	c.events <- func() { c.handlePBU(src, info) }
}

// Lookup returns a snapshot copy of the current entry for id, for
// diagnostics/tests. The read runs on the strand, so it sees every event
// queued before it; the copy may be stale by the time the caller uses it.
func (c *Cache) Lookup(id nodedb.NAI) (Entry, bool) {
	result := make(chan Entry, 1)
	found := make(chan bool, 1)
	c.events <- func() {
		e, ok := c.entries[id]
		found <- ok
		if ok {
			result <- *e
		} else {
			result <- Entry{}
		}
	}
	ok := <-found
	return <-result, ok
}

func (c *Cache) handlePBU(src netip.Addr, info wire.ProxyBindingInfo) {
	id, err := nodedb.ParseNAI(info.ID)
	if err != nil {
		c.log.Err("lma: malformed NAI in PBU from %v: %v", src, err)
		return
	}

	policy, ok := c.db.LookupNAI(id)
	if !ok {
		c.log.Info("lma: PBU for unknown mobile node %v from %v, rejecting", id, src)
		c.reply(src, info, wire.StatusNotAuthorizedForProxyReg, 0)
		return
	}

	if info.Lifetime == 0 {
		c.handleDeregister(src, id, info)
		return
	}

	entry, exists := c.entries[id]
	if exists {
		if !wire.Seq(info.Sequence).NewerOrEqual(entry.LastSeq) {
			c.log.Info("lma: stale PBU seq=%v (have %v) for %v, rejecting", info.Sequence, entry.LastSeq, id)
			c.reply(src, info, wire.StatusSequenceOutOfWindow, 0)
			return
		}
	}

	granted := info.Lifetime
	if policy.MaxLifetime > 0 && granted > policy.MaxLifetime {
		granted = policy.MaxLifetime
	}

	if !exists {
		h, err := c.tr.AcquireTunnel(c.local, src)
		if err != nil {
			c.log.Err("lma: cannot acquire tunnel to %v for %v: %v", src, id, err)
			return
		}
		for _, p := range policy.Prefixes {
			if err := c.tr.AddRoute(p, h); err != nil {
				c.log.Err("lma: cannot add route %v via %v for %v: %v", p, h.Name(), id, err)
				c.rollbackRoutes(policy.Prefixes, h, p)
				c.tr.ReleaseTunnel(h)
				return
			}
		}
		entry = &Entry{
			ID:       id,
			State:    Registered,
			MAG:      src,
			Prefixes: policy.Prefixes,
			Tunnel:   h,
		}
		c.entries[id] = entry
	} else if entry.MAG == src {
		// same MAG re-registering: nothing to reconfigure.
	} else {
		// handoff to a different MAG: install the new path before
		// removing the old one, so forwarding is never routeless
		// (spec §4.3 step 5, §9 "install-before-remove").
		newH, err := c.tr.AcquireTunnel(c.local, src)
		if err != nil {
			c.log.Err("lma: cannot acquire tunnel to %v for handoff of %v: %v", src, id, err)
			return
		}
		for _, p := range entry.Prefixes {
			if err := c.tr.AddRoute(p, newH); err != nil {
				c.log.Err("lma: cannot add route %v via %v during handoff of %v: %v", p, newH.Name(), id, err)
				c.rollbackRoutes(entry.Prefixes, newH, p)
				c.tr.ReleaseTunnel(newH)
				return
			}
		}
		oldH := entry.Tunnel
		for _, p := range entry.Prefixes {
			c.tr.RemoveRoute(p, oldH)
		}
		c.tr.ReleaseTunnel(oldH)
		entry.MAG = src
		entry.Tunnel = newH
	}

	entry.Lifetime = granted
	entry.LastSeq = wire.Seq(info.Sequence)
	entry.State = Registered

	entry.expiry.Arm(granted, func() { c.events <- func() { c.handleExpiry(id) } })

	c.reply(src, info, wire.StatusOK, granted)
}

// rollbackRoutes removes routes added for prefixes before failedAt (the
// prefix that failed), undoing a partial AddRoute sweep (spec §7 item 4).
func (c *Cache) rollbackRoutes(prefixes []netip.Prefix, h tunnel.TunnelHandle, failedAt netip.Prefix) {
	for _, p := range prefixes {
		if p == failedAt {
			break
		}
		c.tr.RemoveRoute(p, h)
	}
}

func (c *Cache) handleDeregister(src netip.Addr, id nodedb.NAI, info wire.ProxyBindingInfo) {
	entry, exists := c.entries[id]
	if !exists {
		// idempotent: a deregistration for an unknown binding still
		// succeeds, matching spec §4.3 step 2.
		c.reply(src, info, wire.StatusOK, 0)
		return
	}
	entry.State = Deregistering
	entry.expiry.Cancel()
	c.releaseEntry(entry)
	delete(c.entries, id)
	c.reply(src, info, wire.StatusOK, 0)
}

func (c *Cache) handleExpiry(id nodedb.NAI) {
	entry, exists := c.entries[id]
	if !exists {
		return
	}
	entry.State = Deregistering
	c.releaseEntry(entry)
	delete(c.entries, id)
	c.log.Debug("lma: binding for %v expired", id)
	// no protocol message on expiry (spec §4.3 "Expiry").
}

func (c *Cache) releaseEntry(entry *Entry) {
	for _, p := range entry.Prefixes {
		if err := c.tr.RemoveRoute(p, entry.Tunnel); err != nil {
			c.log.Err("lma: cannot remove route %v: %v", p, err)
		}
	}
	if err := c.tr.ReleaseTunnel(entry.Tunnel); err != nil {
		c.log.Err("lma: cannot release tunnel %v: %v", entry.Tunnel.Name(), err)
	}
}

func (c *Cache) reply(dst netip.Addr, req wire.ProxyBindingInfo, status byte, granted time.Duration) {
	resp := wire.ProxyBindingInfo{
		Peer:     dst,
		ID:       req.ID,
		Sequence: req.Sequence,
		Lifetime: granted,
		Handoff:  req.Handoff,
		LinkType: req.LinkType,
		Status:   status,
	}
	if err := c.sender.Send(dst, wire.MHTypePBA, resp); err != nil {
		c.log.Err("lma: cannot send PBA to %v: %v", dst, err)
	}
}
