// Package cluster holds the data model shared by every fault-tolerance
// service: entity identifiers, locations, incarnations, checkpoints, message
// log entries and spare nodes, together with the error taxonomy and the small
// JSON-over-HTTP helpers used between the coordinator and the hosts.
//
// # Data Model
//
//	EntityID ──► Location        (at most one current location)
//	   │
//	   └──► Incarnation N ──► Checkpoint seq 1, 2, 3 ...   (gap-free)
//	                     └──► MessageLogEntry seq 1, 2 ... (replay order)
//
// A Location is opaque and compared by equality only. Incarnations strictly
// increase per entity and disambiguate state from before and after a
// recovery. Checkpoint sequence numbers restart at 1 for each incarnation.
//
// # Error Taxonomy
//
// Services never leak transport or storage errors. They wrap one of the
// sentinels declared in errors.go:
//
//	ErrNotFound           unknown entity, checkpoint or job
//	ErrResourceExhausted  no spare node (recovery job FAILED)
//	ErrCorruptCheckpoint  recovery data missing or inconsistent
//	ErrStaleLocation      location update with an old incarnation (rejected)
//	ErrStaleIncarnation   checkpoint or log write with an old incarnation
//	ErrEntityRecovering   entity must not be addressed until its barrier opens
//	ErrRecoveryFailed     recovery ended in FAILED
//	ErrNotRegistered      entity is not supervised
//	ErrStorage            stable storage I/O failure
//
// Callers match with errors.Is.
//
// # Communication
//
// PostJSON and GetJSON are used for probe-free RPC between the coordinator,
// spare nodes and elastic resource providers. Non-2xx answers surface as
// *StatusError carrying the status code and the first bytes of the body.
package cluster
