package wire

// Seq is a PBU/PBA sequence number, compared per RFC 6275 §9.5.1's
// modular-arithmetic rule so a 16-bit counter can wrap without ever
// looking like it went backward.
type Seq uint16

// Newer reports whether s is strictly newer than other under modular
// comparison (signed 16-bit difference).
func (s Seq) Newer(other Seq) bool {
	return int16(s-other) > 0
}

// NewerOrEqual reports whether s is newer than or equal to other; the
// LMA tolerates an equal sequence so a retransmitted PBU echoes the same
// accepted state instead of being rejected as stale (spec §4.3 step 3).
func (s Seq) NewerOrEqual(other Seq) bool {
	return int16(s-other) >= 0
}
