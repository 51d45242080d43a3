package mag

import (
	"encoding/binary"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv6"

	"github.com/opmip/pmipgw/internal/clog"
	"github.com/opmip/pmipgw/internal/nodedb"
	"github.com/opmip/pmipgw/internal/pktbuf"
	"github.com/opmip/pmipgw/internal/timers"
)

var be = binary.BigEndian

// RA framing constants, spec §4.5/§6 and original_source's icmp_sender.cpp.
const (
	icmpv6RA byte = 134

	optSourceLLAddr byte = 1
	optMTU          byte = 5
	optPrefixInfo   byte = 3

	raValidLifetime     = 7200 * time.Second
	raPreferredLifetime = 1800 * time.Second

	minRtrAdvInterval = 3 * time.Second
	maxRtrAdvInterval = 4 * time.Second
)

// raConn is the subset of *ipv6.PacketConn an Advertiser drives, narrowed
// for testability.
type raConn interface {
	WriteTo(b []byte, cm *ipv6.ControlMessage, dst net.Addr) (int, error)
}

// Advertiser is the per-access-link ICMPv6 RA emitter of spec §4.5: for
// every (access link, mobile node) pair in REGISTERED state it emits
// unsolicited RAs at a jittered period, one Prefix Information option
// per delegated prefix, until told to stop.
//
// Grounded on original_source's icmp_sender.cpp icmp_ra_sender (lifetime
// ~0 / max, Source-Link-Layer-Address then MTU then one Prefix
// Information option per prefix, L/A set, 7200s/1800s lifetimes) with
// checksum/framing delegated to golang.org/x/net/icmp + ipv6 instead of
// hand-computed, since that's already how ipref-gw's go.mod pulls in
// x/net for this exact purpose (spec §4.5 add-detail).
type Advertiser struct {
	log  *clog.Logger
	pool *pktbuf.Pool
	conn raConn
	mac  nodedb.LLAddr
	mtu  int

	mu       sync.Mutex
	sessions map[sessionKey]*session
}

type sessionKey struct {
	linkID int
	mn     nodedb.NAI
}

type session struct {
	dst      netip.Addr
	prefixes []netip.Prefix
	timer    timers.Timer
	stopped  chan struct{}
}

// NewAdvertiser constructs an Advertiser. mac is the MAG's link MAC used
// in the Source-Link-Layer-Address option; mtu is the access link MTU
// carried in the MTU option.
func NewAdvertiser(log *clog.Logger, pool *pktbuf.Pool, conn raConn, mac nodedb.LLAddr, mtu int) *Advertiser {
	return &Advertiser{
		log:      log,
		pool:     pool,
		conn:     conn,
		mac:      mac,
		mtu:      mtu,
		sessions: make(map[sessionKey]*session),
	}
}

// Start begins periodic unsolicited RAs to dst on linkID advertising
// prefixes for mn, per spec §4.1 scenario "Fresh attach": an RA carrying
// the delegated prefix is expected within one RA interval.
func (a *Advertiser) Start(linkID int, mn nodedb.NAI, dst netip.Addr, prefixes []netip.Prefix) {
	key := sessionKey{linkID, mn}
	a.mu.Lock()
	if _, exists := a.sessions[key]; exists {
		a.mu.Unlock()
		return
	}
	s := &session{dst: dst, prefixes: prefixes, stopped: make(chan struct{})}
	a.sessions[key] = s
	a.mu.Unlock()

	a.scheduleNext(key, s)
}

func (a *Advertiser) scheduleNext(key sessionKey, s *session) {
	period := timers.Uniform(minRtrAdvInterval, maxRtrAdvInterval)
	s.timer.Arm(period, func() {
		select {
		case <-s.stopped:
			return
		default:
		}
		a.send(s, 0xffff)
		a.scheduleNext(key, s)
	})
}

// Stop ends periodic emission for (linkID, mn), sending a final RA with
// router lifetime 0 so the mobile node withdraws the route promptly
// (spec §4.5, testable property).
func (a *Advertiser) Stop(linkID int, mn nodedb.NAI) {
	key := sessionKey{linkID, mn}
	a.mu.Lock()
	s, exists := a.sessions[key]
	if exists {
		delete(a.sessions, key)
	}
	a.mu.Unlock()
	if !exists {
		return
	}
	close(s.stopped)
	s.timer.Cancel()
	a.send(s, 0)
}

func (a *Advertiser) send(s *session, routerLifetime uint16) {
	buf := a.pool.Get()
	defer a.pool.Put(buf)

	body := buildRA(a.mac, uint32(a.mtu), s.prefixes, routerLifetime)
	msg := icmp.Message{
		Type: ipv6.ICMPTypeRouterAdvertisement,
		Code: 0,
		Body: &rawBody{data: body},
	}
	// psh is nil: checksum is left for the kernel to fill in via the
	// IPV6_CHECKSUM socket option set on the underlying ipv6.PacketConn
	// at construction (cmd/mag), the same delegation internal/wire notes
	// for the Mobility Header endpoint.
	raw, err := msg.Marshal(nil)
	if err != nil {
		a.log.Err("radv: cannot marshal RA: %v", err)
		return
	}
	dst := &net.UDPAddr{IP: net.IP(s.dst.AsSlice())}
	if _, err := a.conn.WriteTo(raw, nil, dst); err != nil {
		a.log.Err("radv: cannot send RA to %v: %v", s.dst, err)
	}
}

// rawBody lets a pre-built RA payload (everything after the 4-byte
// type/code/checksum header the icmp package's Marshal fills in) pass
// through icmp.Message; the checksum itself is left to the kernel (see
// send).
type rawBody struct{ data []byte }

func (b *rawBody) Len(proto int) int { return len(b.data) }
func (b *rawBody) Marshal(proto int) ([]byte, error) {
	return b.data, nil
}

// buildRA lays out the RA payload per RFC 4861 §4.2: a 12-byte fixed
// body (cur hop limit, flags, router lifetime, reachable time, retrans
// timer — all zero/ignored here except router lifetime), followed by
// Source-Link-Layer-Address, MTU, then one Prefix Information option
// per prefix.
func buildRA(mac nodedb.LLAddr, mtu uint32, prefixes []netip.Prefix, routerLifetime uint16) []byte {
	body := make([]byte, 12)
	be.PutUint16(body[2:4], routerLifetime)

	body = append(body, sourceLLOption(mac)...)
	body = append(body, mtuOption(mtu)...)
	for _, p := range prefixes {
		body = append(body, prefixInfoOption(p)...)
	}
	return body
}

func sourceLLOption(mac nodedb.LLAddr) []byte {
	// 1 type + 1 length(in 8-byte units) + 6 mac = 8 bytes, length=1.
	b := make([]byte, 8)
	b[0] = optSourceLLAddr
	b[1] = 1
	copy(b[2:8], mac[:])
	return b
}

func mtuOption(mtu uint32) []byte {
	b := make([]byte, 8)
	b[0] = optMTU
	b[1] = 1
	be.PutUint32(b[4:8], mtu)
	return b
}

func prefixInfoOption(p netip.Prefix) []byte {
	const flagL = 0x80
	const flagA = 0x40
	b := make([]byte, 32)
	b[0] = optPrefixInfo
	b[1] = 4 // 32 bytes / 8
	b[2] = byte(p.Bits())
	b[3] = flagL | flagA
	be.PutUint32(b[4:8], uint32(raValidLifetime/time.Second))
	be.PutUint32(b[8:12], uint32(raPreferredLifetime/time.Second))
	addr := p.Addr().As16()
	copy(b[16:32], addr[:])
	return b
}
