package topology

// Handle is the opaque counter handle a Counter Source issues at discovery
// for one Domain. Topology and Socket never interpret a Handle's contents;
// they only hold it for the Domain's lifetime and release it at shutdown
// (spec §3 ownership, §9 "scoped acquisition").
type Handle interface {
	// Release closes whatever OS resource (file descriptor, device handle)
	// backs this counter. Implementations must make Release idempotent.
	Release() error
}
