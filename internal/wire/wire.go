// Package wire implements the Proxy Binding Update/Acknowledgement wire
// format: Mobility Header framing per RFC 6275 §6.1 carrying the PBU (MH
// type 5) and PBA (MH type 6) bodies defined by RFC 5213 §8.1-8.2, with
// the NAI/Handoff/Access-Technology-Type options this core recognizes.
//
// Encoding follows ipref-gw's pkt.go style: explicit offset constants and
// encoding/binary.BigEndian writes into a caller-owned buffer, rather
// than a generic TLV/ASN.1 library — no pack example carries one and the
// format here is small, fixed, and 8-byte aligned by construction.
package wire

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"time"
)

// MH types (RFC 5213 §8.1-8.2).
const (
	MHTypePBU byte = 5
	MHTypePBA byte = 6
)

// MH header flags, canonical bit positions (RFC 6275 §6.1.1, extended by
// RFC 5213 for the P bit). PBU always sets A and P (spec §4.2).
const (
	FlagA byte = 1 << 7 // Acknowledge
	FlagH byte = 1 << 6 // Home Registration
	FlagL byte = 1 << 5 // Link-Local Address Compatibility
	FlagK byte = 1 << 4 // Key Management Mobility Capability
	FlagM byte = 1 << 3 // MAP Registration
	FlagR byte = 1 << 2 // mobile network Prefix registration
	FlagP byte = 1 << 1 // Proxy Registration
)

// Option type codes (spec §6).
const (
	OptNAI     byte = 8
	OptHandoff byte = 15
	OptATT     byte = 17
)

// naiSubtype is the Mobile Node Identifier Option subtype for an NAI
// (RFC 4283 §3), the single byte that precedes the NAI string itself.
const naiSubtype byte = 1

// Handoff indicator values (RFC 5213 §6.4 / MIPv6 handoff indicator
// option).
const (
	HandoffReserved           byte = 0
	HandoffFirstAttach        byte = 1
	HandoffBetweenMAGs        byte = 2
	HandoffReattachSameMAG    byte = 3
	HandoffUnknown            byte = 4
)

// Access Technology Type codes (a practical subset; RFC 5213 leaves the
// registry open).
const (
	ATTReserved    byte = 0
	ATTVirtual     byte = 1
	ATTPPP         byte = 2
	ATTIEEE80216e  byte = 3
	ATTIEEE80211ab byte = 4
	ATTIEEE8023    byte = 5
)

// PBA status codes this core produces (RFC 5213 §8.2 / RFC 6275 §6.1.8).
const (
	StatusOK                      byte = 0
	StatusSequenceOutOfWindow     byte = 135
	StatusNotAuthorizedForProxyReg byte = 152
)

const (
	mhHeaderLen  = 6 // payload-proto(1) hdr-len(1) mh-type(1) reserved(1) checksum(2)
	lifetimeUnit = 4 * time.Second
)

// ProxyBindingInfo is the protocol-independent message body shared by
// PBU and PBA, per spec §3.
type ProxyBindingInfo struct {
	Peer       netip.Addr
	ID         string // mobile node NAI
	Sequence   uint16
	Lifetime   time.Duration // kept in Go-native duration; wire uses 4s units
	Handoff    byte
	LinkType   byte
	Status     byte // meaningful on PBA only
	AckRequest bool  // meaningful on PBU only; always true per spec 4.2
}

// fixed header shared by PBU and PBA, laid out per RFC 6275 §6.1.1
// followed by the PBU/PBA-specific sequence/lifetime/reserved fields
// (RFC 6275 §6.1.7/6.1.8, reused unmodified by RFC 5213 §8.1/8.2):
//
//	0                   1                   2                   3
//	0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|  Payload Proto|  Header Len   |    MH Type    |   Reserved    |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|            Checksum           |A|H|L|K|M|R|P|  Reserved       |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|           Sequence #          |          Lifetime             |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
const fixedLen = 6 // flags-or-status(1)+flags-low(1)+sequence(2)+lifetime(2), after the 6-byte MH base header

const (
	offPayloadProto = 0
	offHdrLen       = 1
	offMHType       = 2
	offReserved0    = 3
	offChecksum     = 4
	// Byte 6 is Status on a PBA and the high flags byte (A H L K M R P)
	// on a PBU; byte 7 is the low flags byte (just P, rest reserved) on
	// a PBA and a reserved byte on a PBU. Both message types keep
	// Sequence/Lifetime at the same offsets below.
	offFlagsOrStatus = 6
	offFlagsLow      = 7
	offSequence      = 8
	offLifetime      = 10
)

// PayloadProtoNone is the Mobility Header's Payload Proto value when no
// upper-layer protocol follows (this core never chains another header
// after MH).
const PayloadProtoNone = 59 // IPv6 "No Next Header"

// Encode serializes a PBU or PBA into buf (which must be at least
// MaxEncodedLen(info) bytes) and returns the slice actually written,
// 8-byte aligned per spec §6.
func Encode(mhType byte, info ProxyBindingInfo, buf []byte) ([]byte, error) {
	if mhType != MHTypePBU && mhType != MHTypePBA {
		return nil, errors.New("wire: unsupported MH type")
	}
	if len(info.ID) > 255 {
		return nil, errors.New("wire: NAI too long")
	}

	need := mhHeaderLen + fixedLen + optionsLen(info)
	need = alignTo8(need)
	if len(buf) < need {
		return nil, errors.New("wire: buffer too small")
	}
	b := buf[:need]
	for i := range b {
		b[i] = 0
	}

	b[offPayloadProto] = PayloadProtoNone
	b[offHdrLen] = byte(need/8 - 1) // MH Header Len: (total/8)-1 per RFC 6275 §6.1.1
	b[offMHType] = mhType
	// offChecksum left 0: this package never computes it. internal/agent
	// sends through a raw IPPROTO_MH socket and sets no checksum option
	// of its own, leaving the checksum to the kernel's handling of that
	// socket type, the way a raw ICMPv6-style endpoint commonly delegates
	// checksum math to the stack rather than the application.

	if mhType == MHTypePBU {
		b[offFlagsOrStatus] = FlagA | FlagP
	} else {
		b[offFlagsOrStatus] = info.Status
		b[offFlagsLow] = FlagP
	}

	binary.BigEndian.PutUint16(b[offSequence:], info.Sequence)
	binary.BigEndian.PutUint16(b[offLifetime:], lifetimeToWire(info.Lifetime))

	off := mhHeaderLen + fixedLen
	off += putOption(b[off:], OptNAI, append([]byte{naiSubtype}, info.ID...))
	off += putOption(b[off:], OptHandoff, []byte{info.Handoff})
	off += putOption(b[off:], OptATT, []byte{info.LinkType})
	// remaining bytes up to `need` are the alignment pad, already zero.
	_ = off

	return b, nil
}

// Decode parses a PBU or PBA message, returning its MH type and body.
func Decode(b []byte) (byte, ProxyBindingInfo, error) {
	if len(b) < mhHeaderLen+fixedLen {
		return 0, ProxyBindingInfo{}, errors.New("wire: message too short")
	}
	if len(b)%8 != 0 {
		return 0, ProxyBindingInfo{}, errors.New("wire: message not 8-byte aligned")
	}
	mhType := b[offMHType]
	if mhType != MHTypePBU && mhType != MHTypePBA {
		return 0, ProxyBindingInfo{}, errors.New("wire: unrecognized MH type")
	}
	wantLen := (int(b[offHdrLen]) + 1) * 8
	if wantLen != len(b) {
		return 0, ProxyBindingInfo{}, errors.New("wire: header length mismatch")
	}

	info := ProxyBindingInfo{}
	info.Sequence = binary.BigEndian.Uint16(b[offSequence:])
	info.Lifetime = wireToLifetime(binary.BigEndian.Uint16(b[offLifetime:]))
	if mhType == MHTypePBU {
		info.AckRequest = b[offFlagsOrStatus]&FlagA != 0
	} else {
		info.Status = b[offFlagsOrStatus]
	}

	off := mhHeaderLen + fixedLen
	for off < len(b) {
		if off+2 > len(b) {
			if b[off] == 0 {
				break // a single trailing alignment pad byte
			}
			return 0, ProxyBindingInfo{}, errors.New("wire: truncated option")
		}
		otype := b[off]
		olen := int(b[off+1])
		ostart := off + 2
		oend := ostart + olen
		if otype == 0 && olen == 0 {
			break // padding
		}
		if oend > len(b) {
			return 0, ProxyBindingInfo{}, errors.New("wire: option overruns message")
		}
		val := b[ostart:oend]
		switch otype {
		case OptNAI:
			if len(val) < 1 {
				return 0, ProxyBindingInfo{}, errors.New("wire: malformed NAI option")
			}
			info.ID = string(val[1:]) // val[0] is the NAI subtype
		case OptHandoff:
			if len(val) != 1 {
				return 0, ProxyBindingInfo{}, errors.New("wire: malformed handoff option")
			}
			info.Handoff = val[0]
		case OptATT:
			if len(val) != 1 {
				return 0, ProxyBindingInfo{}, errors.New("wire: malformed ATT option")
			}
			info.LinkType = val[0]
		}
		off = alignOption(oend)
	}

	return mhType, info, nil
}

func optionsLen(info ProxyBindingInfo) int {
	n := 0
	n += optLen(1 + len(info.ID)) // NAI carries a 1-byte subtype prefix
	n += optLen(1)                // handoff
	n += optLen(1)                // ATT
	return n
}

func optLen(valueLen int) int { return 2 + valueLen }

func putOption(buf []byte, otype byte, val []byte) int {
	buf[0] = otype
	buf[1] = byte(len(val))
	copy(buf[2:], val)
	return 2 + len(val)
}

// alignOption advances past an option to the next option boundary; MH
// options do not individually pad, only the overall message does (spec
// §6), so this is the identity function kept for symmetry/readability.
func alignOption(off int) int { return off }

func alignTo8(n int) int { return (n + 7) &^ 7 }

func lifetimeToWire(d time.Duration) uint16 {
	units := d / lifetimeUnit
	if units < 0 {
		units = 0
	}
	if units > 0xffff {
		units = 0xffff
	}
	return uint16(units)
}

func wireToLifetime(units uint16) time.Duration {
	return time.Duration(units) * lifetimeUnit
}

// MaxEncodedLen returns the buffer size Encode needs for info.
func MaxEncodedLen(info ProxyBindingInfo) int {
	return alignTo8(mhHeaderLen + fixedLen + optionsLen(info))
}
