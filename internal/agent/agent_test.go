package agent

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"golang.org/x/net/ipv6"

	"github.com/opmip/pmipgw/internal/clog"
	"github.com/opmip/pmipgw/internal/pktbuf"
	"github.com/opmip/pmipgw/internal/wire"
)

// loopbackConn is an in-memory conn double: WriteTo enqueues onto its own
// ReadFrom queue, standing in for a raw socket so agent dispatch can be
// tested without CAP_NET_RAW.
type loopbackConn struct {
	peer     net.Addr
	incoming chan []byte
	closed   chan struct{}
}

func newLoopbackConn(peer net.Addr) *loopbackConn {
	return &loopbackConn{peer: peer, incoming: make(chan []byte, 8), closed: make(chan struct{})}
}

func (c *loopbackConn) WriteTo(b []byte, _ *ipv6.ControlMessage, _ net.Addr) (int, error) {
	cp := make([]byte, len(b))
	copy(cp, b)
	c.incoming <- cp
	return len(b), nil
}

func (c *loopbackConn) ReadFrom(b []byte) (int, *ipv6.ControlMessage, net.Addr, error) {
	select {
	case msg := <-c.incoming:
		n := copy(b, msg)
		return n, nil, c.peer, nil
	case <-c.closed:
		return 0, nil, nil, net.ErrClosed
	}
}

func (c *loopbackConn) Close() error {
	close(c.closed)
	return nil
}

type recordingPBUHandler struct {
	got chan wire.ProxyBindingInfo
}

func (h *recordingPBUHandler) OnPBU(_ netip.Addr, info wire.ProxyBindingInfo) {
	h.got <- info
}

func TestAgentSendDispatchesToPBUHandler(t *testing.T) {
	peer := &net.IPAddr{IP: net.ParseIP("2001:db8::1")}
	lc := newLoopbackConn(peer)
	a := newWithConn(clog.New(), pktbuf.NewPool(2), lc)

	h := &recordingPBUHandler{got: make(chan wire.ProxyBindingInfo, 1)}
	a.SetPBUHandler(h)

	done := make(chan struct{})
	go a.Run(done)
	defer close(done)
	defer a.Close()

	info := wire.ProxyBindingInfo{
		ID:       "mn1@example.com",
		Sequence: 7,
		Lifetime: time.Hour,
		Handoff:  wire.HandoffFirstAttach,
		LinkType: wire.ATTIEEE80211ab,
	}
	if err := a.Send(netip.MustParseAddr("2001:db8::1"), wire.MHTypePBU, info); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-h.got:
		if got.ID != info.ID || got.Sequence != info.Sequence {
			t.Fatalf("got %+v, want %+v", got, info)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
}

func TestAgentMalformedIsCountedAndDropped(t *testing.T) {
	peer := &net.IPAddr{IP: net.ParseIP("2001:db8::1")}
	lc := newLoopbackConn(peer)
	a := newWithConn(clog.New(), pktbuf.NewPool(2), lc)

	done := make(chan struct{})
	go a.Run(done)
	defer close(done)
	defer a.Close()

	lc.incoming <- []byte{1, 2, 3} // too short, not 8-byte aligned
	deadline := time.Now().Add(time.Second)
	for a.Malformed() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if a.Malformed() != 1 {
		t.Fatalf("Malformed() = %v, want 1", a.Malformed())
	}
}
