package checkpoint

import "github.com/dreamware/ftserver/internal/cluster"

// PML is pessimistic receiver-based message logging.
//
// Every inbound message is logged to stable storage before the receiver may
// act on it, so recovery replays the last checkpoint plus the complete log
// after it and no committed output is undone. The cost is one synchronous
// write on the delivery path. CheckpointInfo carries the log cursor at the
// time of the checkpoint.
type PML struct{}

// NewPML returns the PML protocol. It keeps no state.
func NewPML() *PML { return &PML{} }

// Name returns ProtocolPML.
func (*PML) Name() string { return ProtocolPML }

// Send piggybacks only the sender's incarnation.
func (*PML) Send(id cluster.EntityID, inc cluster.Incarnation) cluster.Piggyback {
	return cluster.Piggyback{Sender: id, Incarnation: inc}
}

// Receive asks for every message to be logged before delivery.
func (*PML) Receive(cluster.EntityID, cluster.Piggyback) (logFirst, force bool) {
	return true, false
}

// Info records the log cursor covered by the checkpoint.
func (*PML) Info(_ cluster.EntityID, _ uint64, forced bool, lastLog uint64) cluster.CheckpointInfo {
	return cluster.CheckpointInfo{Protocol: ProtocolPML, LogCursor: lastLog, Forced: forced}
}

func (*PML) Checkpointed(cluster.EntityID, cluster.CheckpointInfo) {}

// OutputCommitted needs no action: every message that influenced the output
// is already on stable storage.
func (*PML) OutputCommitted(cluster.EntityID) {}

// NeedsCheckpoint is always false; the log alone makes outputs safe.
func (*PML) NeedsCheckpoint(cluster.EntityID) bool { return false }

// RecoveryLine is not defined for PML.
func (*PML) RecoveryLine() (uint64, bool) { return 0, false }

func (*PML) Forget(cluster.EntityID) {}

func (*PML) Reset() {}
