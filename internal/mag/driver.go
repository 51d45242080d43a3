package mag

import "github.com/opmip/pmipgw/internal/nodedb"

// AccessDriver is the upstream contract spec §4.7 defines: a
// link-layer-attachment source that calls into the MAG core on its own
// schedule and delivers attach/detach events onto the MAG's strand via
// Attach/Detach. The core is agnostic to how a driver discovers these
// events — link-layer sniffing, RADIUS accounting, a vendor API, or (for
// testing) a deterministic scheduled generator (internal/mag/testdriver,
// grounded on original_source's dummy_driver).
type AccessDriver interface {
	Start()
	Stop()
}

// AttachEvent is delivered by a driver when a terminal associates on an
// access link.
type AttachEvent struct {
	LLAddr   nodedb.LLAddr
	LinkID   int
	LinkType byte // access technology type, spec §6
}

// DetachEvent is delivered when a terminal dissociates.
type DetachEvent struct {
	LLAddr nodedb.LLAddr
	LinkID int
}
