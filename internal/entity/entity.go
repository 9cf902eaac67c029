package entity

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dreamware/ftserver/internal/cluster"
)

// Status represents the lifecycle of a hosted replica.
type Status string

const (
	// StatusRestoring indicates the checkpoint is loaded and the log is
	// being replayed; the replica must not serve traffic yet
	StatusRestoring Status = "restoring"

	// StatusActive indicates the replica caught up and serves traffic
	StatusActive Status = "active"

	// StatusStopped indicates the replica was removed from this node
	StatusStopped Status = "stopped"
)

// ErrOutOfOrder is returned when a log entry does not follow the last
// applied one.
var ErrOutOfOrder = errors.New("log entry out of order")

// Applier folds one logged message into an entity state.
type Applier func(state []byte, entry cluster.MessageLogEntry) []byte

// AppendPayload is the default Applier: the state is the checkpoint blob
// followed by every applied payload.
func AppendPayload(state []byte, entry cluster.MessageLogEntry) []byte {
	return append(state, entry.Payload...)
}

// Entity is a replica of a recoverable entity hosted on this node, rebuilt
// from a checkpoint and the ordered log after it.
type Entity struct {
	ID            cluster.EntityID
	Incarnation   cluster.Incarnation
	CheckpointSeq uint64
	Stats         *Stats

	applier Applier
	mu      sync.RWMutex
	state   []byte
	lastSeq uint64
	status  Status
}

// Stats tracks operation counts of one replica.
type Stats struct {
	Applied  uint64 // Log entries applied, replayed or live
	Rejected uint64 // Entries refused as out of order
}

// Info summarizes a replica for /entities.
type Info struct {
	ID            cluster.EntityID    `json:"id"`
	Status        Status              `json:"status"`
	Incarnation   cluster.Incarnation `json:"incarnation"`
	CheckpointSeq uint64              `json:"checkpoint_seq"`
	LastSeq       uint64              `json:"last_seq"`
	StateSize     int                 `json:"state_size"`
	Applied       uint64              `json:"applied"`
}

// Restore builds a replica from req, replaying its entries in order.
// Entries must be strictly increasing by Seq.
func Restore(req cluster.RestoreRequest, applier Applier) (*Entity, error) {
	cp := req.Checkpoint
	if cp.EntityID == "" {
		return nil, errors.New("restore: checkpoint has no entity ID")
	}
	if applier == nil {
		applier = AppendPayload
	}

	e := &Entity{
		ID:            cp.EntityID,
		Incarnation:   req.Incarnation,
		CheckpointSeq: cp.Seq,
		Stats:         &Stats{},
		applier:       applier,
		state:         append([]byte(nil), cp.State...),
		status:        StatusRestoring,
	}
	for _, entry := range req.Entries {
		if err := e.Apply(entry); err != nil {
			return nil, fmt.Errorf("restore %s: %w", e.ID, err)
		}
	}
	e.SetStatus(StatusActive)
	return e, nil
}

// Apply folds entry into the state. Seq must exceed the last applied one.
func (e *Entity) Apply(entry cluster.MessageLogEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if entry.Seq <= e.lastSeq {
		atomic.AddUint64(&e.Stats.Rejected, 1)
		return fmt.Errorf("%w: seq %d after %d", ErrOutOfOrder, entry.Seq, e.lastSeq)
	}
	e.state = e.applier(e.state, entry)
	e.lastSeq = entry.Seq
	atomic.AddUint64(&e.Stats.Applied, 1)
	return nil
}

// State returns a copy of the current state.
func (e *Entity) State() []byte {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]byte(nil), e.state...)
}

// Status returns the lifecycle status.
func (e *Entity) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// SetStatus updates the lifecycle status.
func (e *Entity) SetStatus(s Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = s
}

// Info returns a summary of the replica.
func (e *Entity) Info() Info {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Info{
		ID:            e.ID,
		Status:        e.status,
		Incarnation:   e.Incarnation,
		CheckpointSeq: e.CheckpointSeq,
		LastSeq:       e.lastSeq,
		StateSize:     len(e.state),
		Applied:       atomic.LoadUint64(&e.Stats.Applied),
	}
}

// Host holds the replicas restored on one node.
type Host struct {
	mu       sync.RWMutex
	entities map[cluster.EntityID]*Entity
	applier  Applier
}

// NewHost creates an empty host. A nil applier selects AppendPayload.
func NewHost(applier Applier) *Host {
	return &Host{
		entities: make(map[cluster.EntityID]*Entity),
		applier:  applier,
	}
}

// Restore rebuilds an entity and hosts it, replacing an older incarnation.
// A request for an incarnation below the hosted one is refused.
func (h *Host) Restore(req cluster.RestoreRequest) (*Entity, error) {
	h.mu.RLock()
	current, ok := h.entities[req.Checkpoint.EntityID]
	h.mu.RUnlock()
	if ok && req.Incarnation < current.Incarnation {
		return nil, fmt.Errorf("restore %s at incarnation %d (hosted %d): %w",
			req.Checkpoint.EntityID, req.Incarnation, current.Incarnation, cluster.ErrStaleIncarnation)
	}

	e, err := Restore(req, h.applier)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.entities[e.ID]; ok {
		old.SetStatus(StatusStopped)
	}
	h.entities[e.ID] = e
	return e, nil
}

// Get returns the hosted replica of id.
func (h *Host) Get(id cluster.EntityID) (*Entity, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.entities[id]
	return e, ok
}

// Remove stops and drops the replica of id.
func (h *Host) Remove(id cluster.EntityID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entities[id]
	if ok {
		e.SetStatus(StatusStopped)
		delete(h.entities, id)
	}
	return ok
}

// List returns the info of every hosted replica, ordered by ID.
func (h *Host) List() []Info {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Info, 0, len(h.entities))
	for _, e := range h.entities {
		out = append(out, e.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of hosted replicas.
func (h *Host) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entities)
}
