// Package storage provides the stable storage behind the checkpoint server:
// immutable checkpoints, their protocol metadata, the message log used for
// deterministic replay, and output-commit records.
//
// # Overview
//
// The checkpoint server is only useful if its own storage failures are
// uncorrelated with the failures it tolerates. The Store interface therefore
// has two implementations:
//
//	┌─────────────────────────────────────┐
//	│          checkpoint.Server          │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│           storage.Store             │
//	└─────────────────────────────────────┘
//	          │                 │
//	          ▼                 ▼
//	   ┌────────────┐    ┌────────────┐
//	   │  Memory    │    │  SQLite    │
//	   │  Store     │    │  Store     │
//	   └────────────┘    └────────────┘
//
// MemoryStore is used by tests and by deployments that accept losing
// checkpoints when the coordinator restarts. SQLiteStore keeps everything in a
// single database file (WAL journal, FULL synchronous) and survives restarts.
//
// # Keys
//
// Every record is keyed by (entity, incarnation, sequence number):
//
//	checkpoints     (entity_id, incarnation, seq)        immutable
//	message_log     (entity_id, incarnation, seq)        immutable, ordered
//	output_commits  (entity_id, incarnation, message_id) idempotent
//
// A log entry also carries the sequence number of the checkpoint that was last
// when it was logged, so "everything logged since checkpoint k" is a range
// query on checkpoint_seq.
//
// # Atomicity
//
// Batch writes (AppendLog with several entries, ReplaceLog, Prune, Reset) are
// all-or-nothing. A failed write never alters a record that was already
// written, which is what lets the checkpoint server publish a checkpoint only
// after its write succeeded.
//
// # Garbage Collection
//
// Prune(id, inc, keep) drops everything superseded by checkpoint keep: older
// incarnations, older checkpoints, log entries and output commits recorded
// under older checkpoints. The checkpoint server calls it right after
// publishing a new checkpoint.
package storage
