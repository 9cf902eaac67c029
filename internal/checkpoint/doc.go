// Package checkpoint implements the checkpoint server: it assigns gap-free
// sequence numbers to entity checkpoints, keeps the message log used for
// deterministic replay, records output commits and runs the pluggable
// checkpointing protocol.
//
// # Protocols
//
// Two strategies implement Protocol and are selected by name:
//
//	cic  index-based communication-induced checkpointing. Messages carry
//	     the sender's checkpoint index; a receiver behind that index takes
//	     a forced checkpoint before delivery.
//	pml  pessimistic receiver-based message logging. Every inbound message
//	     is logged synchronously before delivery.
//
// # Incarnations
//
// Each entity has a current incarnation, starting at InitialIncarnation.
// Storing a checkpoint with a higher incarnation starts a new sequence at 1
// and garbage-collects the old incarnation. A lower incarnation is rejected
// with cluster.ErrStaleIncarnation.
//
// # Publication
//
// A checkpoint or log entry is written first and published second. When the
// write fails the caller gets an error wrapping cluster.ErrStorage and the
// previously published data stays the last one.
package checkpoint
