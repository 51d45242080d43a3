// Package mag implements the MAG-side BindingUpdateList: the per-mobile-
// node registration state machine at the access edge (spec §4.4), driven
// by AccessDriver attach/detach events and PBA arrivals, and the
// RouterAdvertiser that announces delegated prefixes once a registration
// completes (spec §4.5).
//
// Like internal/lma, every mutation runs on one goroutine draining one
// event channel — driver events, PBA arrivals, and timer firings all
// funnel through List.events, the same strand shape ipref-gw's
// mbroker.go uses for its single mb.recv channel.
package mag

import (
	"net/netip"
	"time"

	"github.com/opmip/pmipgw/internal/clog"
	"github.com/opmip/pmipgw/internal/nodedb"
	"github.com/opmip/pmipgw/internal/timers"
	"github.com/opmip/pmipgw/internal/tunnel"
	"github.com/opmip/pmipgw/internal/wire"
)

// Retransmission defaults, spec §4.4/§8.
const (
	InitialBindAckTimeout = time.Second
	MaxBindAckTimeout     = 32 * time.Second
	MaxBindAckRetries     = 3
)

// State is a BindingUpdateListEntry's lifecycle state (spec §3).
type State int

const (
	Idle State = iota
	Registering
	Registered
	Deregistering
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Registering:
		return "REGISTERING"
	case Registered:
		return "REGISTERED"
	case Deregistering:
		return "DEREGISTERING"
	default:
		return "UNKNOWN"
	}
}

// TunnelRouter is the subset of *tunnel.Router the binding list needs.
type TunnelRouter interface {
	AcquireTunnel(local, remote netip.Addr) (tunnel.TunnelHandle, error)
	ReleaseTunnel(h tunnel.TunnelHandle) error
	AddRoute(prefix netip.Prefix, h tunnel.TunnelHandle) error
	RemoveRoute(prefix netip.Prefix, h tunnel.TunnelHandle) error
}

// Sender is the subset of *agent.Agent the binding list needs to emit
// PBUs.
type Sender interface {
	Send(dst netip.Addr, mhType byte, info wire.ProxyBindingInfo) error
}

// RouterAdvertiser is the subset of *Advertiser (radv.go) the
// binding list drives on registration/deregistration.
type RouterAdvertiser interface {
	Start(linkID int, mn nodedb.NAI, dst netip.Addr, prefixes []netip.Prefix)
	Stop(linkID int, mn nodedb.NAI)
}

// Entry is a BindingUpdateListEntry (spec §3).
type Entry struct {
	ID       nodedb.NAI
	State    State
	LinkID   int
	LLAddr   nodedb.LLAddr
	LMA      netip.Addr
	Seq      wire.Seq
	Retries  int
	Backoff  time.Duration
	Handoff  byte
	LinkType byte
	Tunnel   tunnel.TunnelHandle

	retransmit timers.Timer
	refresh    timers.Timer
}

// List is the MAG's BindingUpdateList.
type List struct {
	log    *clog.Logger
	db     *nodedb.DB
	tr     TunnelRouter
	sender Sender
	radv   RouterAdvertiser
	local  netip.Addr // this MAG's own tunnel-source address

	events  chan func()
	entries map[nodedb.NAI]*Entry
}

// New constructs a List and starts its strand goroutine.
func New(log *clog.Logger, db *nodedb.DB, tr TunnelRouter, sender Sender, radv RouterAdvertiser, local netip.Addr) *List {
	l := &List{
		log:     log,
		db:      db,
		tr:      tr,
		sender:  sender,
		radv:    radv,
		local:   local,
		events:  make(chan func(), 64),
		entries: make(map[nodedb.NAI]*Entry),
	}
	go l.run()
	return l
}

func (l *List) run() {
	for fn := range l.events {
		fn()
	}
}

// Close cancels every entry's retransmission and refresh timers on the
// strand, so none of them fires into a closed event channel, then stops
// the strand goroutine.
func (l *List) Close() {
	cancelled := make(chan struct{})
	l.events <- func() {
		for _, e := range l.entries {
			e.retransmit.Cancel()
			e.refresh.Cancel()
		}
		close(cancelled)
	}
	<-cancelled
	close(l.events)
}

// Attach implements the AccessDriver-facing half of spec §4.4's
// attach(mn_id, link, ll_addr) event.
func (l *List) Attach(ev AttachEvent) {
	l.events <- func() { l.handleAttach(ev) }
}

// Detach implements spec §4.4's detach(mn_id) event.
func (l *List) Detach(ev DetachEvent) {
	l.events <- func() { l.handleDetach(ev) }
}

// OnPBA implements agent.PBAHandler.
func (l *List) OnPBA(_ netip.Addr, info wire.ProxyBindingInfo) {
	l.events <- func() { l.handlePBA(info) }
}

// Lookup returns a snapshot copy of id's entry, for diagnostics/tests.
func (l *List) Lookup(id nodedb.NAI) (Entry, bool) {
	result := make(chan Entry, 1)
	found := make(chan bool, 1)
	l.events <- func() {
		e, ok := l.entries[id]
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

func (l *List) handleAttach(ev AttachEvent) {
	policy, ok := l.db.LookupLLAddr(ev.LLAddr)
	if !ok {
		l.log.Info("mag: attach from unprovisioned link-layer address %v, ignoring", ev.LLAddr)
		return
	}

	entry, exists := l.entries[policy.ID]
	if exists && entry.State == Registered && entry.LinkID == ev.LinkID {
		return // spurious re-attach on the same link (spec §4.4)
	}

	anchor, ok := l.db.LookupAnchor(policy.AnchorID)
	if !ok {
		l.log.Err("mag: attach: unknown anchor %v for %v", policy.AnchorID, policy.ID)
		return
	}

	handoff := wire.HandoffFirstAttach
	if exists {
		handoff = wire.HandoffBetweenMAGs // re-attach on a different link: handoff
	} else {
		entry = &Entry{ID: policy.ID}
		l.entries[policy.ID] = entry
	}

	entry.State = Registering
	entry.LinkID = ev.LinkID
	entry.LLAddr = ev.LLAddr
	entry.LMA = anchor.Addr
	entry.Seq++
	entry.Retries = 0
	entry.Backoff = InitialBindAckTimeout
	entry.Handoff = handoff
	entry.LinkType = ev.LinkType

	l.sendPBU(entry, policy.MaxLifetime)
	l.armRetransmit(entry)
}

func (l *List) handleDetach(ev DetachEvent) {
	policy, ok := l.db.LookupLLAddr(ev.LLAddr)
	if !ok {
		return
	}
	entry, exists := l.entries[policy.ID]
	if !exists {
		return
	}
	entry.State = Deregistering
	entry.Seq++
	entry.Retries = 0
	entry.Backoff = InitialBindAckTimeout
	entry.refresh.Cancel()

	l.sendPBU(entry, 0)
	l.armRetransmit(entry)
}

func (l *List) handlePBA(info wire.ProxyBindingInfo) {
	id, err := nodedb.ParseNAI(info.ID)
	if err != nil {
		l.log.Err("mag: malformed NAI in PBA: %v", err)
		return
	}
	entry, exists := l.entries[id]
	if !exists || wire.Seq(info.Sequence) != entry.Seq {
		l.log.Debug("mag: PBA for %v seq=%v does not match outstanding registration, dropping", id, info.Sequence)
		return
	}
	entry.retransmit.Cancel()

	switch entry.State {
	case Registering:
		if info.Status != wire.StatusOK {
			l.log.Info("mag: registration for %v rejected, status=%v", id, info.Status)
			l.teardown(entry)
			entry.State = Idle
			return
		}
		oldTunnel := entry.Tunnel
		hadOldTunnel := oldTunnel != (tunnel.TunnelHandle{})
		newH, err := l.tr.AcquireTunnel(l.local, entry.LMA)
		if err != nil {
			l.log.Err("mag: cannot acquire tunnel to %v for %v: %v", entry.LMA, id, err)
			entry.State = Idle
			return
		}
		policy, _ := l.db.LookupNAI(id)
		for _, p := range policy.Prefixes {
			if err := l.tr.AddRoute(p, newH); err != nil {
				l.log.Err("mag: cannot add route %v via %v for %v: %v", p, newH.Name(), id, err)
				l.tr.ReleaseTunnel(newH)
				entry.State = Idle
				return
			}
		}
		if hadOldTunnel {
			// handoff: install-before-remove, mirroring the LMA side.
			for _, p := range policy.Prefixes {
				l.tr.RemoveRoute(p, oldTunnel)
			}
			l.tr.ReleaseTunnel(oldTunnel)
		}
		entry.Tunnel = newH
		entry.State = Registered
		l.radv.Start(entry.LinkID, id, entry.LLAddrAsDest(), policy.Prefixes)
		entry.refresh.Arm(info.Lifetime*7/8, func() {
			l.events <- func() { l.handleRefresh(id) }
		})

	case Deregistering:
		l.teardown(entry)
		delete(l.entries, id)
	}
}

func (l *List) handleRefresh(id nodedb.NAI) {
	entry, exists := l.entries[id]
	if !exists || entry.State != Registered {
		return
	}
	policy, ok := l.db.LookupNAI(id)
	if !ok {
		return
	}
	entry.State = Registering
	entry.Seq++
	entry.Retries = 0
	entry.Backoff = InitialBindAckTimeout
	entry.Handoff = wire.HandoffReattachSameMAG
	l.sendPBU(entry, policy.MaxLifetime)
	l.armRetransmit(entry)
}

func (l *List) handleRetransmitTimeout(id nodedb.NAI) {
	entry, exists := l.entries[id]
	if !exists {
		return
	}
	entry.Retries++
	if entry.Retries > MaxBindAckRetries {
		l.log.Info("mag: registration for %v exhausted retransmissions, giving up", id)
		l.teardown(entry)
		entry.State = Idle
		delete(l.entries, id)
		return
	}
	entry.Backoff *= 2
	if entry.Backoff > MaxBindAckTimeout {
		entry.Backoff = MaxBindAckTimeout
	}
	lifetime := time.Duration(0)
	if entry.State == Registering {
		if policy, ok := l.db.LookupNAI(id); ok {
			lifetime = policy.MaxLifetime
		}
	}
	l.sendPBU(entry, lifetime)
	l.armRetransmit(entry)
}

func (l *List) sendPBU(entry *Entry, lifetime time.Duration) {
	info := wire.ProxyBindingInfo{
		Peer:       entry.LMA,
		ID:         string(entry.ID),
		Sequence:   uint16(entry.Seq),
		Lifetime:   lifetime,
		Handoff:    entry.Handoff,
		LinkType:   entry.LinkType,
		AckRequest: true,
	}
	if err := l.sender.Send(entry.LMA, wire.MHTypePBU, info); err != nil {
		l.log.Err("mag: cannot send PBU for %v: %v", entry.ID, err)
	}
}

func (l *List) armRetransmit(entry *Entry) {
	id := entry.ID
	entry.retransmit.Arm(entry.Backoff, func() {
		l.events <- func() { l.handleRetransmitTimeout(id) }
	})
}

func (l *List) teardown(entry *Entry) {
	entry.retransmit.Cancel()
	entry.refresh.Cancel()
	if entry.Tunnel != (tunnel.TunnelHandle{}) {
		if policy, ok := l.db.LookupNAI(entry.ID); ok {
			for _, p := range policy.Prefixes {
				l.tr.RemoveRoute(p, entry.Tunnel)
			}
		}
		l.tr.ReleaseTunnel(entry.Tunnel)
	}
	l.radv.Stop(entry.LinkID, entry.ID)
}

// LLAddrAsDest derives the mobile node's link-local destination for RA
// emission. Absent a real neighbor-discovery cache, this core derives a
// deterministic EUI-64 link-local address from the provisioned MAC,
// which is how a MAG with no prior NDP exchange still has somewhere to
// send an unsolicited RA.
func (e *Entry) LLAddrAsDest() netip.Addr {
	var b [16]byte
	b[0] = 0xfe
	b[1] = 0x80
	b[8] = e.LLAddr[0] ^ 0x02
	b[9] = e.LLAddr[1]
	b[10] = e.LLAddr[2]
	b[11] = 0xff
	b[12] = 0xfe
	b[13] = e.LLAddr[3]
	b[14] = e.LLAddr[4]
	b[15] = e.LLAddr[5]
	return netip.AddrFrom16(b)
}
