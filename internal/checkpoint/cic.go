package checkpoint

import (
	"sync"

	"golang.org/x/exp/maps"

	"github.com/dreamware/ftserver/internal/cluster"
)

type cicState struct {
	deps    map[cluster.EntityID]uint64
	index   uint64
	pending uint64
	owes    bool
}

// CIC is index-based communication-induced checkpointing.
//
// Every entity carries a checkpoint index that is piggybacked on each message
// it sends. A periodic checkpoint increments the index. A message arriving
// with an index above the receiver's own would create a causal dependency no
// checkpoint covers, so the receiver must take a forced checkpoint adopting
// that index before delivery. Checkpoints sharing an index therefore form a
// consistent recovery line and rollback never cascades.
//
// CheckpointInfo carries the index, whether the checkpoint was forced, and
// the highest index received from each sender since the previous checkpoint.
type CIC struct {
	mu       sync.Mutex
	entities map[cluster.EntityID]*cicState
}

// NewCIC returns a CIC protocol with no entities known.
func NewCIC() *CIC {
	return &CIC{entities: make(map[cluster.EntityID]*cicState)}
}

// Name returns ProtocolCIC.
func (c *CIC) Name() string { return ProtocolCIC }

func (c *CIC) state(id cluster.EntityID) *cicState {
	st, ok := c.entities[id]
	if !ok {
		st = &cicState{deps: make(map[cluster.EntityID]uint64)}
		c.entities[id] = st
	}
	return st
}

// Send piggybacks the current index of id.
func (c *CIC) Send(id cluster.EntityID, inc cluster.Incarnation) cluster.Piggyback {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cluster.Piggyback{Sender: id, Incarnation: inc, Index: c.state(id).index}
}

// Receive forces a checkpoint when the sender's index is ahead of the
// receiver's. Messages are never logged first.
func (c *CIC) Receive(receiver cluster.EntityID, pb cluster.Piggyback) (logFirst, force bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.state(receiver)
	if pb.Index > st.deps[pb.Sender] {
		st.deps[pb.Sender] = pb.Index
	}
	if pb.Index > st.index {
		if pb.Index > st.pending {
			st.pending = pb.Index
		}
		return false, true
	}
	return false, false
}

// Info records the index the checkpoint will carry and the senders seen
// since the previous one.
func (c *CIC) Info(id cluster.EntityID, _ uint64, forced bool, _ uint64) cluster.CheckpointInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.state(id)
	next := st.index + 1
	if forced && st.pending > st.index {
		next = st.pending
	}
	return cluster.CheckpointInfo{
		Protocol:     ProtocolCIC,
		Index:        next,
		Dependencies: maps.Clone(st.deps),
		Forced:       forced,
	}
}

// Checkpointed adopts the index of the published checkpoint.
func (c *CIC) Checkpointed(id cluster.EntityID, info cluster.CheckpointInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.state(id)
	st.index = info.Index
	if st.pending <= st.index {
		st.pending = 0
	}
	st.deps = make(map[cluster.EntityID]uint64)
	st.owes = false
}

// OutputCommitted flags id as owing a checkpoint: CIC keeps no per-message
// log, so only a checkpoint taken after the output keeps it from being
// replayed.
func (c *CIC) OutputCommitted(id cluster.EntityID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state(id).owes = true
}

// NeedsCheckpoint reports a pending forced checkpoint or an output
// committed since the last checkpoint.
func (c *CIC) NeedsCheckpoint(id cluster.EntityID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.entities[id]
	return ok && (st.owes || st.pending > st.index)
}

// Index returns the current checkpoint index of id.
func (c *CIC) Index(id cluster.EntityID) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.entities[id]; ok {
		return st.index
	}
	return 0
}

// RecoveryLine returns the lowest index over all known entities.
func (c *CIC) RecoveryLine() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entities) == 0 {
		return 0, true
	}
	first := true
	var line uint64
	for _, st := range c.entities {
		if first || st.index < line {
			line = st.index
			first = false
		}
	}
	return line, true
}

// Forget drops the index of id.
func (c *CIC) Forget(id cluster.EntityID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entities, id)
}

// Reset forgets every entity.
func (c *CIC) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entities = make(map[cluster.EntityID]*cicState)
}
