package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dreamware/ftserver/internal/cluster"
	"github.com/dreamware/ftserver/internal/storage"
)

// InitialIncarnation is the incarnation of an entity that was never recovered.
const InitialIncarnation cluster.Incarnation = 1

// entityState holds the published cursors of one entity. A cursor moves only
// after the corresponding write reached stable storage.
type entityState struct {
	mu      sync.Mutex
	inc     cluster.Incarnation
	lastSeq uint64
	lastLog uint64
}

// Server stores checkpoints and message logs and serves them back during
// recovery. The protocol strategy (CIC or PML) decides which metadata is kept
// and what happens on message delivery.
//
// Concurrency Model:
//   - State is partitioned per entity; each entity has its own mutex
//   - Calls for distinct entities never contend beyond the map lookup
//   - Sequence numbers are assigned under the entity mutex and published
//     only after a successful write, so they stay gap-free
type Server struct {
	store    storage.Store
	protocol Protocol
	now      func() time.Time

	mu       sync.Mutex
	entities map[cluster.EntityID]*entityState
}

// NewServer creates a checkpoint server over store using protocol.
// Call Load to pick up data persisted by a previous process.
func NewServer(store storage.Store, protocol Protocol) *Server {
	return &Server{
		store:    store,
		protocol: protocol,
		now:      time.Now,
		entities: make(map[cluster.EntityID]*entityState),
	}
}

// Protocol returns the name of the active strategy.
func (s *Server) Protocol() string {
	return s.protocol.Name()
}

func (s *Server) entity(id cluster.EntityID) *entityState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.entities[id]
	if !ok {
		st = &entityState{inc: InitialIncarnation}
		s.entities[id] = st
	}
	return st
}

func (s *Server) lookup(id cluster.EntityID) (*entityState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.entities[id]
	return st, ok
}

// Load rebuilds the per-entity cursors and protocol state from the store.
func (s *Server) Load(ctx context.Context) error {
	cursors, err := s.store.Cursors(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoints: %w: %v", cluster.ErrStorage, err)
	}

	s.mu.Lock()
	s.entities = make(map[cluster.EntityID]*entityState, len(cursors))
	for _, c := range cursors {
		s.entities[c.EntityID] = &entityState{inc: c.Incarnation, lastSeq: c.LastCheckpoint, lastLog: c.LastLog}
	}
	s.mu.Unlock()

	s.protocol.Reset()
	for _, c := range cursors {
		if c.LastCheckpoint == 0 {
			continue
		}
		info, err := s.store.GetInfo(ctx, c.EntityID, c.Incarnation, c.LastCheckpoint)
		if err != nil {
			log.Printf("No protocol info for checkpoint %d of %s: %v", c.LastCheckpoint, c.EntityID, err)
			continue
		}
		s.protocol.Checkpointed(c.EntityID, info)
	}
	log.Printf("Loaded %d entities from stable storage (%s)", len(cursors), s.protocol.Name())
	return nil
}

// StoreCheckpoint stores a periodic checkpoint of cp.EntityID at incarnation
// inc and returns its sequence number.
//
// A higher incarnation than the current one starts a new incarnation with
// sequence number 1; a lower one is rejected with cluster.ErrStaleIncarnation.
// The checkpoint becomes the last one only after the write succeeded; a
// storage error leaves the previously published checkpoint untouched.
func (s *Server) StoreCheckpoint(ctx context.Context, cp cluster.Checkpoint, inc cluster.Incarnation) (uint64, error) {
	return s.storeCheckpoint(ctx, cp, inc, false)
}

// ForceCheckpoint stores a checkpoint demanded by the protocol, as reported
// by Receive or NeedsCheckpoint.
func (s *Server) ForceCheckpoint(ctx context.Context, cp cluster.Checkpoint, inc cluster.Incarnation) (uint64, error) {
	return s.storeCheckpoint(ctx, cp, inc, true)
}

func (s *Server) storeCheckpoint(ctx context.Context, cp cluster.Checkpoint, inc cluster.Incarnation, forced bool) (uint64, error) {
	if cp.EntityID == "" {
		return 0, errors.New("store checkpoint: entity ID cannot be empty")
	}
	id := cp.EntityID
	st := s.entity(id)
	st.mu.Lock()
	defer st.mu.Unlock()

	if inc < st.inc {
		return 0, fmt.Errorf("store checkpoint for %s at incarnation %d (current %d): %w",
			id, inc, st.inc, cluster.ErrStaleIncarnation)
	}

	seq, lastLog := st.lastSeq+1, st.lastLog
	if inc > st.inc {
		seq, lastLog = 1, 0
	}

	cp.Incarnation = inc
	cp.Seq = seq
	if cp.Timestamp.IsZero() {
		cp.Timestamp = s.now()
	}
	info := s.protocol.Info(id, seq, forced, lastLog)

	if err := s.store.PutCheckpoint(ctx, cp, info); err != nil {
		log.Printf("Checkpoint %d of %s not stored: %v", seq, id, err)
		return 0, fmt.Errorf("store checkpoint %d for %s: %w: %v", seq, id, cluster.ErrStorage, err)
	}

	// Publish
	if inc > st.inc {
		log.Printf("Entity %s moved to incarnation %d", id, inc)
	}
	st.inc, st.lastSeq, st.lastLog = inc, seq, lastLog
	s.protocol.Checkpointed(id, info)

	if err := s.store.Prune(ctx, id, inc, seq); err != nil {
		log.Printf("Garbage collection for %s failed: %v", id, err)
	}
	return seq, nil
}

// GetCheckpoint returns checkpoint seq of the current incarnation of id.
func (s *Server) GetCheckpoint(ctx context.Context, id cluster.EntityID, seq uint64) (cluster.Checkpoint, error) {
	st, ok := s.lookup(id)
	if !ok {
		return cluster.Checkpoint{}, fmt.Errorf("checkpoint %d of %s: %w", seq, id, cluster.ErrNotFound)
	}
	st.mu.Lock()
	inc := st.inc
	st.mu.Unlock()

	cp, err := s.store.GetCheckpoint(ctx, id, inc, seq)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return cluster.Checkpoint{}, fmt.Errorf("checkpoint %d of %s: %w", seq, id, cluster.ErrNotFound)
	}
	if err != nil {
		return cluster.Checkpoint{}, fmt.Errorf("checkpoint %d of %s: %w: %v", seq, id, cluster.ErrStorage, err)
	}
	return cp, nil
}

// GetLastCheckpoint returns the last published checkpoint of id.
// A published checkpoint missing from the store is reported as
// cluster.ErrCorruptCheckpoint.
func (s *Server) GetLastCheckpoint(ctx context.Context, id cluster.EntityID) (cluster.Checkpoint, error) {
	st, ok := s.lookup(id)
	if !ok {
		return cluster.Checkpoint{}, fmt.Errorf("last checkpoint of %s: %w", id, cluster.ErrNotFound)
	}
	st.mu.Lock()
	inc, seq := st.inc, st.lastSeq
	st.mu.Unlock()

	if seq == 0 {
		return cluster.Checkpoint{}, fmt.Errorf("last checkpoint of %s: %w", id, cluster.ErrNotFound)
	}
	cp, err := s.store.GetCheckpoint(ctx, id, inc, seq)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return cluster.Checkpoint{}, fmt.Errorf("last checkpoint %d of %s: %w", seq, id, cluster.ErrCorruptCheckpoint)
	}
	if err != nil {
		return cluster.Checkpoint{}, fmt.Errorf("last checkpoint of %s: %w: %v", id, cluster.ErrStorage, err)
	}
	return cp, nil
}

// AddInfoToCheckpoint replaces the protocol metadata of checkpoint seq.
func (s *Server) AddInfoToCheckpoint(ctx context.Context, id cluster.EntityID, seq uint64, info cluster.CheckpointInfo) error {
	st, ok := s.lookup(id)
	if !ok {
		return fmt.Errorf("info for checkpoint %d of %s: %w", seq, id, cluster.ErrNotFound)
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	err := s.store.PutInfo(ctx, id, st.inc, seq, info)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return fmt.Errorf("info for checkpoint %d of %s: %w", seq, id, cluster.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("info for checkpoint %d of %s: %w: %v", seq, id, cluster.ErrStorage, err)
	}
	if seq == st.lastSeq {
		s.protocol.Checkpointed(id, info)
	}
	return nil
}

// GetInfoFromCheckpoint returns the protocol metadata of checkpoint seq.
func (s *Server) GetInfoFromCheckpoint(ctx context.Context, id cluster.EntityID, seq uint64) (cluster.CheckpointInfo, error) {
	st, ok := s.lookup(id)
	if !ok {
		return cluster.CheckpointInfo{}, fmt.Errorf("info for checkpoint %d of %s: %w", seq, id, cluster.ErrNotFound)
	}
	st.mu.Lock()
	inc := st.inc
	st.mu.Unlock()

	info, err := s.store.GetInfo(ctx, id, inc, seq)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return cluster.CheckpointInfo{}, fmt.Errorf("info for checkpoint %d of %s: %w", seq, id, cluster.ErrNotFound)
	}
	if err != nil {
		return cluster.CheckpointInfo{}, fmt.Errorf("info for checkpoint %d of %s: %w: %v", seq, id, cluster.ErrStorage, err)
	}
	return info, nil
}

// StoreRequest appends an inbound request of receiver to the log and returns
// the entry's sequence number.
func (s *Server) StoreRequest(ctx context.Context, receiver cluster.EntityID, request cluster.Message) (uint64, error) {
	return s.appendLog(ctx, receiver, cluster.LogRequest, request)
}

// StoreReply appends a reply received by receiver to the log.
func (s *Server) StoreReply(ctx context.Context, receiver cluster.EntityID, reply cluster.Message) (uint64, error) {
	return s.appendLog(ctx, receiver, cluster.LogReply, reply)
}

func (s *Server) appendLog(ctx context.Context, id cluster.EntityID, kind cluster.LogKind, msg cluster.Message) (uint64, error) {
	if id == "" {
		return 0, errors.New("log message: entity ID cannot be empty")
	}
	st := s.entity(id)
	st.mu.Lock()
	defer st.mu.Unlock()

	entry := cluster.MessageLogEntry{
		EntityID:      id,
		Incarnation:   st.inc,
		Seq:           st.lastLog + 1,
		CheckpointSeq: st.lastSeq,
		Kind:          kind,
		MessageID:     msg.MessageID,
		Sender:        msg.Sender,
		Payload:       msg.Payload,
		LoggedAt:      s.now(),
	}
	if err := s.store.AppendLog(ctx, entry); err != nil {
		log.Printf("Log entry %d of %s not stored: %v", entry.Seq, id, err)
		return 0, fmt.Errorf("log %s for %s: %w: %v", kind, id, cluster.ErrStorage, err)
	}
	st.lastLog = entry.Seq
	return entry.Seq, nil
}

// GetLogSince returns the entries of the current incarnation logged since
// checkpoint seq, ordered by sequence number.
func (s *Server) GetLogSince(ctx context.Context, id cluster.EntityID, seq uint64) ([]cluster.MessageLogEntry, error) {
	st, ok := s.lookup(id)
	if !ok {
		return []cluster.MessageLogEntry{}, nil
	}
	st.mu.Lock()
	inc := st.inc
	st.mu.Unlock()

	entries, err := s.store.ReadLog(ctx, id, inc, seq)
	if err != nil {
		return nil, fmt.Errorf("log of %s since %d: %w: %v", id, seq, cluster.ErrStorage, err)
	}
	return entries, nil
}

// OutputCommit records that a message left the fault-tolerant domain. The
// covering checkpoint and log segment stay until a newer checkpoint
// supersedes them.
func (s *Server) OutputCommit(ctx context.Context, info cluster.MessageInfo) error {
	if info.EntityID == "" {
		return errors.New("output commit: entity ID cannot be empty")
	}
	st := s.entity(info.EntityID)
	st.mu.Lock()
	defer st.mu.Unlock()

	oc := storage.OutputCommit{
		EntityID:      info.EntityID,
		Incarnation:   st.inc,
		MessageID:     info.MessageID,
		CheckpointSeq: st.lastSeq,
		LogSeq:        st.lastLog,
		CommittedAt:   s.now(),
	}
	if err := s.store.PutOutputCommit(ctx, oc); err != nil {
		return fmt.Errorf("output commit %s for %s: %w: %v", info.MessageID, info.EntityID, cluster.ErrStorage, err)
	}
	s.protocol.OutputCommitted(info.EntityID)
	return nil
}

// OutputCommits lists the outputs committed by id that are still retained.
func (s *Server) OutputCommits(ctx context.Context, id cluster.EntityID) ([]storage.OutputCommit, error) {
	out, err := s.store.OutputCommits(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("output commits of %s: %w: %v", id, cluster.ErrStorage, err)
	}
	return out, nil
}

// CommitHistory atomically replaces the log of the current incarnation of
// update.EntityID. Entries are renumbered 1..n in the given order and
// attached to the last published checkpoint.
func (s *Server) CommitHistory(ctx context.Context, update cluster.HistoryUpdate) error {
	st, ok := s.lookup(update.EntityID)
	if !ok {
		return fmt.Errorf("commit history of %s: %w", update.EntityID, cluster.ErrNotFound)
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if update.Incarnation < st.inc {
		return fmt.Errorf("commit history of %s at incarnation %d (current %d): %w",
			update.EntityID, update.Incarnation, st.inc, cluster.ErrStaleIncarnation)
	}
	if update.Incarnation > st.inc {
		return fmt.Errorf("commit history of %s: incarnation %d not established", update.EntityID, update.Incarnation)
	}

	entries := make([]cluster.MessageLogEntry, len(update.Entries))
	for i, e := range update.Entries {
		e.EntityID = update.EntityID
		e.Incarnation = st.inc
		e.Seq = uint64(i + 1)
		e.CheckpointSeq = st.lastSeq
		if e.LoggedAt.IsZero() {
			e.LoggedAt = s.now()
		}
		entries[i] = e
	}
	if err := s.store.ReplaceLog(ctx, update.EntityID, st.inc, entries); err != nil {
		return fmt.Errorf("commit history of %s: %w: %v", update.EntityID, cluster.ErrStorage, err)
	}
	st.lastLog = uint64(len(entries))
	return nil
}

// Rebase moves id from incarnation from to from+1 after a recovery. state
// becomes checkpoint 1 of the new incarnation and entries, renumbered 1..n,
// its log. Checkpoint and log are written in one atomic store write and
// published only once it succeeded, so a failure leaves incarnation from
// readable as before. Records of older incarnations stay until Compact.
func (s *Server) Rebase(ctx context.Context, id cluster.EntityID, from cluster.Incarnation, state []byte, entries []cluster.MessageLogEntry) (cluster.Checkpoint, error) {
	st, ok := s.lookup(id)
	if !ok {
		return cluster.Checkpoint{}, fmt.Errorf("rebase of %s: %w", id, cluster.ErrNotFound)
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if from < st.inc {
		return cluster.Checkpoint{}, fmt.Errorf("rebase of %s from incarnation %d (current %d): %w",
			id, from, st.inc, cluster.ErrStaleIncarnation)
	}
	if from > st.inc {
		return cluster.Checkpoint{}, fmt.Errorf("rebase of %s: incarnation %d not established", id, from)
	}

	next := from + 1
	cp := cluster.Checkpoint{
		EntityID:    id,
		Incarnation: next,
		Seq:         1,
		State:       state,
		Timestamp:   s.now(),
	}
	rebased := make([]cluster.MessageLogEntry, len(entries))
	for i, e := range entries {
		e.EntityID = id
		e.Incarnation = next
		e.Seq = uint64(i + 1)
		e.CheckpointSeq = cp.Seq
		if e.LoggedAt.IsZero() {
			e.LoggedAt = cp.Timestamp
		}
		rebased[i] = e
	}
	info := s.protocol.Info(id, cp.Seq, false, 0)

	if err := s.store.PutCheckpointWithLog(ctx, cp, info, rebased); err != nil {
		return cluster.Checkpoint{}, fmt.Errorf("rebase of %s to incarnation %d: %w: %v", id, next, cluster.ErrStorage, err)
	}

	st.inc, st.lastSeq, st.lastLog = next, cp.Seq, uint64(len(rebased))
	s.protocol.Checkpointed(id, info)
	return cp, nil
}

// Compact drops every record of id superseded by its last published
// checkpoint, older incarnations included.
func (s *Server) Compact(ctx context.Context, id cluster.EntityID) error {
	st, ok := s.lookup(id)
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.lastSeq == 0 {
		return nil
	}
	if err := s.store.Prune(ctx, id, st.inc, st.lastSeq); err != nil {
		return fmt.Errorf("compact %s: %w: %v", id, cluster.ErrStorage, err)
	}
	return nil
}

// Incarnation returns the current incarnation of id.
func (s *Server) Incarnation(id cluster.EntityID) (cluster.Incarnation, bool) {
	st, ok := s.lookup(id)
	if !ok {
		return 0, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.inc, true
}

// Send returns the piggyback for a message sent by id.
func (s *Server) Send(id cluster.EntityID) cluster.Piggyback {
	inc := InitialIncarnation
	if current, ok := s.Incarnation(id); ok {
		inc = current
	}
	return s.protocol.Send(id, inc)
}

// Receive runs the protocol for a message arriving at receiver. Under PML
// the message is logged before Receive returns; a logging failure is
// returned and the message must not be delivered. Under CIC the result may
// demand a forced checkpoint first.
func (s *Server) Receive(ctx context.Context, receiver cluster.EntityID, msg cluster.Message, pb cluster.Piggyback) (Delivery, error) {
	logFirst, force := s.protocol.Receive(receiver, pb)
	d := Delivery{ForceCheckpoint: force}
	if logFirst {
		seq, err := s.StoreRequest(ctx, receiver, msg)
		if err != nil {
			return Delivery{}, err
		}
		d.Logged, d.LogSeq = true, seq
	}
	return d, nil
}

// NeedsCheckpoint reports whether the protocol demands a checkpoint of id.
func (s *Server) NeedsCheckpoint(id cluster.EntityID) bool {
	return s.protocol.NeedsCheckpoint(id)
}

// RecoveryLine returns the consistent checkpoint index (CIC only).
func (s *Server) RecoveryLine() (uint64, bool) {
	return s.protocol.RecoveryLine()
}

// Forget drops the in-memory state of a destroyed entity. Stored records are
// left for the next Reset.
func (s *Server) Forget(id cluster.EntityID) {
	s.mu.Lock()
	delete(s.entities, id)
	s.mu.Unlock()
	s.protocol.Forget(id)
}

// Stats returns storage statistics.
func (s *Server) Stats() storage.StoreStats {
	return s.store.Stats()
}

// Reset wipes the store and all cursors.
func (s *Server) Reset(ctx context.Context) error {
	if err := s.store.Reset(ctx); err != nil {
		return fmt.Errorf("reset checkpoints: %w: %v", cluster.ErrStorage, err)
	}
	s.mu.Lock()
	s.entities = make(map[cluster.EntityID]*entityState)
	s.mu.Unlock()
	s.protocol.Reset()
	return nil
}
