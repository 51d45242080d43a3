// Package agent implements the MobilityAgent: the PBU/PBA protocol
// endpoint shared by the LMA and the MAG, built on a raw Mobility Header
// (IPPROTO_MH = 135) socket via golang.org/x/net/ipv6, the same way
// ipref-gw's icmp.go/tun.go lean on x/net-adjacent packages for control
// data the plain net package doesn't expose. Encoding/decoding is
// internal/wire's job; this package only owns the datagram plumbing,
// dispatch, and fire-and-forget send path spec §4.2 describes.
package agent

import (
	"errors"
	"net"
	"net/netip"
	"sync/atomic"

	"golang.org/x/net/ipv6"

	"github.com/opmip/pmipgw/internal/clog"
	"github.com/opmip/pmipgw/internal/pktbuf"
	"github.com/opmip/pmipgw/internal/wire"
)

// MHProto is IPPROTO_MH, the Mobility Header protocol number.
const MHProto = 135

// conn is the subset of *ipv6.PacketConn this package drives, narrowed
// so tests can supply an in-memory double instead of a raw socket.
type conn interface {
	WriteTo(b []byte, cm *ipv6.ControlMessage, dst net.Addr) (int, error)
	ReadFrom(b []byte) (int, *ipv6.ControlMessage, net.Addr, error)
	Close() error
}

// PBUHandler receives LMA-side PBUs. BindingCache implements this.
type PBUHandler interface {
	OnPBU(src netip.Addr, info wire.ProxyBindingInfo)
}

// PBAHandler receives MAG-side PBAs. BindingUpdateList implements this.
type PBAHandler interface {
	OnPBA(src netip.Addr, info wire.ProxyBindingInfo)
}

// Agent is one node's Mobility Header endpoint. A single instance is
// shared by every binding entry on that node; Run's receive loop is the
// only goroutine that touches the socket for reading, keeping dispatch
// ordering intact.
type Agent struct {
	log  *clog.Logger
	pool *pktbuf.Pool
	conn conn

	pbu PBUHandler
	pba PBAHandler

	malformed atomic.Uint64
	dropped   atomic.Uint64
}

// New opens a raw Mobility Header socket bound to local and returns an
// Agent ready to have its handlers set and Run started.
func New(log *clog.Logger, pool *pktbuf.Pool, local netip.Addr) (*Agent, error) {
	pc, err := net.ListenPacket("ip6:135", local.String())
	if err != nil {
		return nil, err
	}
	return &Agent{log: log, pool: pool, conn: ipv6.NewPacketConn(pc)}, nil
}

// newWithConn is the test seam: build an Agent over an arbitrary conn.
func newWithConn(log *clog.Logger, pool *pktbuf.Pool, c conn) *Agent {
	return &Agent{log: log, pool: pool, conn: c}
}

func (a *Agent) SetPBUHandler(h PBUHandler) { a.pbu = h }
func (a *Agent) SetPBAHandler(h PBAHandler) { a.pba = h }

// Send serializes info as mhType (PBU or PBA) and writes it to dst.
// Fire-and-forget per spec §4.2: the caller (BindingCache or
// BindingUpdateList) owns retransmission, not this layer.
func (a *Agent) Send(dst netip.Addr, mhType byte, info wire.ProxyBindingInfo) error {
	buf := a.pool.Get()
	defer a.pool.Put(buf)

	encoded, err := wire.Encode(mhType, info, buf.B)
	if err != nil {
		return err
	}
	_, err = a.conn.WriteTo(encoded, nil, &net.IPAddr{IP: net.IP(dst.AsSlice())})
	return err
}

// Run drains the socket until done is closed, decoding each datagram and
// dispatching to the registered handler. Malformed messages are counted
// and dropped per spec §4.2/§7 item 3, never fatal to the loop.
func (a *Agent) Run(done <-chan struct{}) {
	buf := make([]byte, pktbuf.MaxLen)
	for {
		select {
		case <-done:
			return
		default:
		}

		n, _, peer, err := a.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			a.log.Err("agent: read error: %v", err)
			continue
		}

		mhType, info, err := wire.Decode(buf[:n])
		if err != nil {
			a.malformed.Add(1)
			a.log.Debug("agent: malformed message from %v: %v", peer, err)
			continue
		}

		src := peerAddr(peer)
		switch mhType {
		case wire.MHTypePBU:
			if a.pbu != nil {
				a.pbu.OnPBU(src, info)
			} else {
				a.dropped.Add(1)
			}
		case wire.MHTypePBA:
			if a.pba != nil {
				a.pba.OnPBA(src, info)
			} else {
				a.dropped.Add(1)
			}
		}
	}
}

// Close shuts down the underlying socket, unblocking Run's ReadFrom.
func (a *Agent) Close() error { return a.conn.Close() }

// Malformed returns the count of messages dropped for failing to parse.
func (a *Agent) Malformed() uint64 { return a.malformed.Load() }

func peerAddr(a net.Addr) netip.Addr {
	switch v := a.(type) {
	case *net.IPAddr:
		addr, _ := netip.AddrFromSlice(v.IP)
		return addr.Unmap()
	default:
		addr, _ := netip.ParseAddr(a.String())
		return addr
	}
}
