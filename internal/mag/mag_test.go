package mag

import (
	"net/netip"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/opmip/pmipgw/internal/clog"
	"github.com/opmip/pmipgw/internal/nodedb"
	"github.com/opmip/pmipgw/internal/tunnel"
	"github.com/opmip/pmipgw/internal/wire"
)

type fakeTunnelRouter struct {
	mu      sync.Mutex
	tunnels int
	routes  map[string]int
}

func newFakeTunnelRouter() *fakeTunnelRouter {
	return &fakeTunnelRouter{routes: make(map[string]int)}
}

func (f *fakeTunnelRouter) AcquireTunnel(local, remote netip.Addr) (tunnel.TunnelHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tunnels++
	return tunnel.TunnelHandle{}, nil
}
func (f *fakeTunnelRouter) ReleaseTunnel(h tunnel.TunnelHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tunnels--
	return nil
}
func (f *fakeTunnelRouter) AddRoute(prefix netip.Prefix, h tunnel.TunnelHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[prefix.String()]++
	return nil
}
func (f *fakeTunnelRouter) RemoveRoute(prefix netip.Prefix, h tunnel.TunnelHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[prefix.String()]--
	return nil
}

type fakeSender struct {
	mu  sync.Mutex
	ch  chan wire.ProxyBindingInfo
	all []wire.ProxyBindingInfo
	// drop, if set, silently swallows Send calls instead of delivering
	// them, simulating scenario 5 (LMA silently drops PBU).
	drop bool
}

func newFakeSender() *fakeSender { return &fakeSender{ch: make(chan wire.ProxyBindingInfo, 32)} }

func (f *fakeSender) Send(dst netip.Addr, mhType byte, info wire.ProxyBindingInfo) error {
	f.mu.Lock()
	f.all = append(f.all, info)
	drop := f.drop
	f.mu.Unlock()
	if !drop {
		f.ch <- info
	}
	return nil
}

func (f *fakeSender) next(t *testing.T) wire.ProxyBindingInfo {
	t.Helper()
	select {
	case m := <-f.ch:
		return m
	case <-time.After(40 * time.Second):
		t.Fatal("timed out waiting for PBU")
		return wire.ProxyBindingInfo{}
	}
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.all)
}

type fakeRadv struct {
	mu      sync.Mutex
	started map[sessionKey]bool
}

func newFakeRadv() *fakeRadv { return &fakeRadv{started: make(map[sessionKey]bool)} }

func (f *fakeRadv) Start(linkID int, mn nodedb.NAI, dst netip.Addr, prefixes []netip.Prefix) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started[sessionKey{linkID, mn}] = true
}
func (f *fakeRadv) Stop(linkID int, mn nodedb.NAI) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started[sessionKey{linkID, mn}] = false
}
func (f *fakeRadv) isRunning(linkID int, mn nodedb.NAI) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started[sessionKey{linkID, mn}]
}

func testDB(t *testing.T) *nodedb.DB {
	t.Helper()
	dir := t.TempDir()
	path := dir + "/nodedb.conf"
	content := "node mn1@example.com aa:bb:cc:00:00:01 lma1 1h 2001:db8:1::/64\n" +
		"anchor lma1 2001:db8:f00::1\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	db, err := nodedb.Load(clog.New(), path)
	if err != nil {
		t.Fatal(err)
	}
	return db
}

func newTestList(t *testing.T) (*List, *fakeTunnelRouter, *fakeSender, *fakeRadv) {
	db := testDB(t)
	tr := newFakeTunnelRouter()
	sender := newFakeSender()
	radv := newFakeRadv()
	l := New(clog.New(), db, tr, sender, radv, netip.MustParseAddr("2001:db8:2::1"))
	t.Cleanup(l.Close)
	return l, tr, sender, radv
}

func TestFreshAttachSendsPBU(t *testing.T) {
	l, _, sender, _ := newTestList(t)
	ll := nodedb.LLAddr{0xaa, 0xbb, 0xcc, 0x00, 0x00, 0x01}

	l.Attach(AttachEvent{LLAddr: ll, LinkID: 2, LinkType: wire.ATTIEEE80211ab})

	pbu := sender.next(t)
	if pbu.Sequence != 1 {
		t.Fatalf("sequence = %v, want 1", pbu.Sequence)
	}
	if pbu.Handoff != wire.HandoffFirstAttach {
		t.Fatalf("handoff = %v, want HandoffFirstAttach", pbu.Handoff)
	}

	entry, ok := l.Lookup("mn1@example.com")
	if !ok || entry.State != Registering {
		t.Fatalf("entry = %+v, ok=%v, want Registering", entry, ok)
	}
}

func TestPBASuccessInstallsTunnelAndStartsRadv(t *testing.T) {
	l, tr, sender, radv := newTestList(t)
	ll := nodedb.LLAddr{0xaa, 0xbb, 0xcc, 0x00, 0x00, 0x01}

	l.Attach(AttachEvent{LLAddr: ll, LinkID: 2, LinkType: wire.ATTIEEE80211ab})
	pbu := sender.next(t)

	l.OnPBA(netip.Addr{}, wire.ProxyBindingInfo{
		ID:       pbu.ID,
		Sequence: pbu.Sequence,
		Status:   wire.StatusOK,
		Lifetime: time.Hour,
	})

	deadline := time.Now().Add(2 * time.Second)
	var entry Entry
	var ok bool
	for time.Now().Before(deadline) {
		entry, ok = l.Lookup("mn1@example.com")
		if ok && entry.State == Registered {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !ok || entry.State != Registered {
		t.Fatalf("entry = %+v, ok=%v, want Registered", entry, ok)
	}
	if tr.tunnels != 1 {
		t.Fatalf("tunnels = %v, want 1", tr.tunnels)
	}
	if tr.routes["2001:db8:1::/64"] != 1 {
		t.Fatalf("route refcount = %v, want 1", tr.routes["2001:db8:1::/64"])
	}
	if !radv.isRunning(2, "mn1@example.com") {
		t.Fatal("RouterAdvertiser should have been started")
	}
}

func TestGracefulDetachStopsRadvAndReleasesTunnel(t *testing.T) {
	l, tr, sender, radv := newTestList(t)
	ll := nodedb.LLAddr{0xaa, 0xbb, 0xcc, 0x00, 0x00, 0x01}

	l.Attach(AttachEvent{LLAddr: ll, LinkID: 2, LinkType: wire.ATTIEEE80211ab})
	pbu := sender.next(t)
	l.OnPBA(netip.Addr{}, wire.ProxyBindingInfo{ID: pbu.ID, Sequence: pbu.Sequence, Status: wire.StatusOK, Lifetime: time.Hour})
	waitRegistered(t, l)

	l.Detach(DetachEvent{LLAddr: ll, LinkID: 2})
	detachPBU := sender.next(t)
	if detachPBU.Lifetime != 0 {
		t.Fatalf("detach PBU lifetime = %v, want 0", detachPBU.Lifetime)
	}

	l.OnPBA(netip.Addr{}, wire.ProxyBindingInfo{ID: detachPBU.ID, Sequence: detachPBU.Sequence, Status: wire.StatusOK})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := l.Lookup("mn1@example.com"); !ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := l.Lookup("mn1@example.com"); ok {
		t.Fatal("entry should be gone after graceful detach")
	}
	if radv.isRunning(2, "mn1@example.com") {
		t.Fatal("RouterAdvertiser should have stopped")
	}
	if tr.tunnels != 0 {
		t.Fatalf("tunnels = %v, want 0 after release", tr.tunnels)
	}
}

func TestRetransmissionExhaustionGivesUp(t *testing.T) {
	l, tr, sender, _ := newTestList(t)
	sender.drop = true
	ll := nodedb.LLAddr{0xaa, 0xbb, 0xcc, 0x00, 0x00, 0x01}

	l.Attach(AttachEvent{LLAddr: ll, LinkID: 2, LinkType: wire.ATTIEEE80211ab})

	// initial + up to MaxBindAckRetries retransmissions, backoff 1,2,4,8s.
	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		if sender.count() >= 1+MaxBindAckRetries {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if sender.count() < 1+MaxBindAckRetries {
		t.Fatalf("sent %v PBUs, want at least %v", sender.count(), 1+MaxBindAckRetries)
	}

	// the last retransmission is followed by one more 8s backoff before
	// the entry is given up.
	deadline = time.Now().Add(10 * time.Second)
	var ok bool
	for time.Now().Before(deadline) {
		_, ok = l.Lookup("mn1@example.com")
		if !ok {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if ok {
		t.Fatal("entry should be removed after retransmission exhaustion")
	}
	if tr.tunnels != 0 {
		t.Fatalf("tunnels = %v, want 0 (none ever installed)", tr.tunnels)
	}
}

func waitRegistered(t *testing.T, l *List) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e, ok := l.Lookup("mn1@example.com"); ok && e.State == Registered {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("entry never reached Registered")
}
