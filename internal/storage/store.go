package storage

import (
	"context"
	"errors"
	"time"

	"github.com/dreamware/ftserver/internal/cluster"
)

// ErrKeyNotFound is returned when a checkpoint or info record doesn't exist
var ErrKeyNotFound = errors.New("key not found")

// ErrDuplicate is returned when a record with the same key was already written.
// Records are immutable once written.
var ErrDuplicate = errors.New("duplicate key")

// OutputCommit records a message that left the fault-tolerant domain.
// CheckpointSeq is the checkpoint that was last when the output was committed.
type OutputCommit struct {
	CommittedAt   time.Time           `json:"committed_at"`
	EntityID      cluster.EntityID    `json:"entity_id"`
	MessageID     string              `json:"message_id"`
	CheckpointSeq uint64              `json:"checkpoint_seq"`
	LogSeq        uint64              `json:"log_seq"`
	Incarnation   cluster.Incarnation `json:"incarnation"`
}

// Cursor summarizes what the store holds for the newest incarnation of one
// entity. It is used to rebuild in-memory sequence counters after a restart.
type Cursor struct {
	EntityID       cluster.EntityID
	Incarnation    cluster.Incarnation
	LastCheckpoint uint64
	LastLog        uint64
}

// Store defines the stable storage used by the checkpoint server.
// All implementations must be thread-safe for concurrent access, and every
// multi-record write must be atomic: either all records are visible or none.
type Store interface {
	// PutCheckpoint writes a new checkpoint together with its protocol
	// metadata in one atomic write.
	// Returns ErrDuplicate if (EntityID, Incarnation, Seq) already exists.
	PutCheckpoint(ctx context.Context, cp cluster.Checkpoint, info cluster.CheckpointInfo) error

	// GetCheckpoint reads one checkpoint.
	// Returns ErrKeyNotFound if it doesn't exist.
	GetCheckpoint(ctx context.Context, id cluster.EntityID, inc cluster.Incarnation, seq uint64) (cluster.Checkpoint, error)

	// PutInfo replaces the protocol metadata of an existing checkpoint.
	PutInfo(ctx context.Context, id cluster.EntityID, inc cluster.Incarnation, seq uint64, info cluster.CheckpointInfo) error

	// GetInfo reads the protocol metadata of a checkpoint.
	GetInfo(ctx context.Context, id cluster.EntityID, inc cluster.Incarnation, seq uint64) (cluster.CheckpointInfo, error)

	// AppendLog appends entries atomically.
	// Returns ErrDuplicate if any (EntityID, Incarnation, Seq) already exists.
	AppendLog(ctx context.Context, entries ...cluster.MessageLogEntry) error

	// PutCheckpointWithLog writes a checkpoint, its metadata and the whole
	// log of cp.Incarnation in one atomic write, replacing any log already
	// held for that incarnation. Older incarnations are left untouched.
	// Returns ErrDuplicate if the checkpoint already exists.
	PutCheckpointWithLog(ctx context.Context, cp cluster.Checkpoint, info cluster.CheckpointInfo, entries []cluster.MessageLogEntry) error

	// ReplaceLog atomically replaces the whole log of one incarnation.
	ReplaceLog(ctx context.Context, id cluster.EntityID, inc cluster.Incarnation, entries []cluster.MessageLogEntry) error

	// ReadLog returns the entries logged at or after checkpoint fromCheckpoint,
	// ordered by Seq.
	ReadLog(ctx context.Context, id cluster.EntityID, inc cluster.Incarnation, fromCheckpoint uint64) ([]cluster.MessageLogEntry, error)

	// PutOutputCommit records a committed output. Idempotent per MessageID.
	PutOutputCommit(ctx context.Context, oc OutputCommit) error

	// OutputCommits lists the committed outputs of an entity.
	OutputCommits(ctx context.Context, id cluster.EntityID) ([]OutputCommit, error)

	// Prune removes every record of id that is superseded by checkpoint keep
	// of incarnation inc: older incarnations, older checkpoints, log entries
	// and output commits recorded under older checkpoints.
	Prune(ctx context.Context, id cluster.EntityID, inc cluster.Incarnation, keep uint64) error

	// Cursors returns one Cursor per stored entity.
	Cursors(ctx context.Context) ([]Cursor, error)

	// Reset removes everything.
	Reset(ctx context.Context) error

	// Close releases the store.
	Close() error

	// Stats returns storage statistics
	Stats() StoreStats
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Checkpoints   int // Number of checkpoints
	LogEntries    int // Number of message log entries
	OutputCommits int // Number of output commit records
	Bytes         int // Total size of state blobs and payloads in bytes
}
