package checkpoint

import (
	"fmt"
	"strings"

	"github.com/dreamware/ftserver/internal/cluster"
)

// Protocol names accepted by NewProtocol.
const (
	ProtocolCIC = "cic"
	ProtocolPML = "pml"
)

// Delivery tells the caller what must happen before an inbound message may be
// handed to the receiving entity.
type Delivery struct {
	// Logged means the message was written to stable storage (PML).
	Logged bool `json:"logged"`

	// LogSeq is the sequence number of the log entry when Logged is set.
	LogSeq uint64 `json:"log_seq,omitempty"`

	// ForceCheckpoint means the receiver must take a forced checkpoint
	// before delivery (CIC).
	ForceCheckpoint bool `json:"force_checkpoint"`
}

// Protocol is the checkpointing strategy plugged into a Server.
// Implementations keep only protocol state; all storage goes through the
// Server, which serializes calls per entity.
type Protocol interface {
	// Name returns ProtocolCIC or ProtocolPML.
	Name() string

	// Send returns the piggyback attached to a message sent by id.
	Send(id cluster.EntityID, inc cluster.Incarnation) cluster.Piggyback

	// Receive inspects the piggyback of a message arriving at receiver.
	// logFirst asks the server to log the message synchronously;
	// force asks the receiver to take a forced checkpoint before delivery.
	Receive(receiver cluster.EntityID, pb cluster.Piggyback) (logFirst, force bool)

	// Info builds the metadata stored with checkpoint seq of id. lastLog is
	// the sequence number of the newest log entry.
	Info(id cluster.EntityID, seq uint64, forced bool, lastLog uint64) cluster.CheckpointInfo

	// Checkpointed tells the protocol that a checkpoint carrying info was
	// published for id.
	Checkpointed(id cluster.EntityID, info cluster.CheckpointInfo)

	// OutputCommitted tells the protocol that id emitted an output that can
	// never be rolled back.
	OutputCommitted(id cluster.EntityID)

	// NeedsCheckpoint reports whether id owes a checkpoint before further
	// outputs are safe.
	NeedsCheckpoint(id cluster.EntityID) bool

	// RecoveryLine returns the highest checkpoint index every known entity
	// has reached. ok is false when the protocol keeps no such index.
	RecoveryLine() (index uint64, ok bool)

	// Forget drops the state of id.
	Forget(id cluster.EntityID)

	// Reset drops all state.
	Reset()
}

// NewProtocol returns the strategy selected by name.
func NewProtocol(name string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case ProtocolCIC:
		return NewCIC(), nil
	case ProtocolPML, "":
		return NewPML(), nil
	default:
		return nil, fmt.Errorf("unknown checkpoint protocol %q: must be %q or %q", name, ProtocolCIC, ProtocolPML)
	}
}
