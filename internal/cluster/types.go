package cluster

import (
	"bytes"
	"time"
)

// EntityID is the globally unique identifier of a recoverable entity.
type EntityID string

// Incarnation is the generation counter of an entity across recoveries.
// It is strictly increasing per entity and never reused.
type Incarnation uint64

// Location is an opaque reference to where an entity currently executes.
// Locations are compared by equality only.
type Location struct {
	NodeID string `json:"node_id"`
	Addr   string `json:"addr"`
}

// IsZero reports whether the location is unset.
func (l Location) IsZero() bool {
	return l == Location{}
}

func (l Location) String() string {
	if l.IsZero() {
		return "<none>"
	}
	return l.NodeID + "@" + l.Addr
}

// SpareNode is a compute node held in reserve for placing recovered entities.
// Lifecycle: free → allocated → (returned | consumed).
type SpareNode struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

// Location returns the location an entity restored on this node will have.
func (n SpareNode) Location() Location {
	return Location{NodeID: n.ID, Addr: n.Addr}
}

// Checkpoint is an immutable durable snapshot of entity state.
// Seq is gap-free within one (EntityID, Incarnation).
type Checkpoint struct {
	Timestamp   time.Time   `json:"timestamp"`
	EntityID    EntityID    `json:"entity_id"`
	State       []byte      `json:"state"`
	Seq         uint64      `json:"seq"`
	Incarnation Incarnation `json:"incarnation"`
}

// Equal compares two checkpoints field by field.
func (c Checkpoint) Equal(o Checkpoint) bool {
	return c.EntityID == o.EntityID &&
		c.Incarnation == o.Incarnation &&
		c.Seq == o.Seq &&
		c.Timestamp.Equal(o.Timestamp) &&
		bytes.Equal(c.State, o.State)
}

// CheckpointInfo is protocol metadata attached to a checkpoint.
// CIC fills Index and Dependencies; PML fills LogCursor.
type CheckpointInfo struct {
	Dependencies map[EntityID]uint64 `json:"dependencies,omitempty"`
	Protocol     string              `json:"protocol"`
	Index        uint64              `json:"index,omitempty"`
	LogCursor    uint64              `json:"log_cursor,omitempty"`
	Forced       bool                `json:"forced,omitempty"`
}

// LogKind distinguishes logged inbound requests from outbound replies.
type LogKind string

const (
	LogRequest LogKind = "request"
	LogReply   LogKind = "reply"
)

// MessageLogEntry is one logged message used for deterministic replay.
// Seq orders entries within one (EntityID, Incarnation); CheckpointSeq is the
// last checkpoint published when the entry was logged.
type MessageLogEntry struct {
	LoggedAt      time.Time   `json:"logged_at"`
	EntityID      EntityID    `json:"entity_id"`
	Sender        EntityID    `json:"sender,omitempty"`
	Kind          LogKind     `json:"kind"`
	MessageID     string      `json:"message_id"`
	Payload       []byte      `json:"payload"`
	Seq           uint64      `json:"seq"`
	CheckpointSeq uint64      `json:"checkpoint_seq"`
	Incarnation   Incarnation `json:"incarnation"`
}

// Message is an application message as seen by the checkpointing protocol.
type Message struct {
	Sender    EntityID `json:"sender"`
	Receiver  EntityID `json:"receiver"`
	MessageID string   `json:"message_id"`
	Payload   []byte   `json:"payload"`
}

// Piggyback is the protocol data carried by every application message.
type Piggyback struct {
	Sender      EntityID    `json:"sender"`
	Incarnation Incarnation `json:"incarnation"`
	Index       uint64      `json:"index"`
}

// MessageInfo identifies a message that left the fault-tolerant domain.
type MessageInfo struct {
	EntityID  EntityID `json:"entity_id"`
	MessageID string   `json:"message_id"`
}

// HistoryUpdate replaces or extends the log of one entity incarnation
// atomically.
type HistoryUpdate struct {
	EntityID    EntityID          `json:"entity_id"`
	Entries     []MessageLogEntry `json:"entries"`
	Incarnation Incarnation       `json:"incarnation"`
}

// FailureSuspicion is a transient record of a suspected failure.
type FailureSuspicion struct {
	DetectedAt time.Time `json:"detected_at"`
	EntityID   EntityID  `json:"entity_id"`
}
