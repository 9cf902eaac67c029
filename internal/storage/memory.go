package storage

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/exp/maps"

	"github.com/dreamware/ftserver/internal/cluster"
)

type recordKey struct {
	id  cluster.EntityID
	inc cluster.Incarnation
	seq uint64
}

type commitKey struct {
	id        cluster.EntityID
	inc       cluster.Incarnation
	messageID string
}

// MemoryStore implements Store with in-memory maps.
// Uses sync.RWMutex for thread-safe concurrent access. Data does not survive
// a restart; use SQLiteStore for that.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[recordKey]cluster.Checkpoint
	infos       map[recordKey]cluster.CheckpointInfo
	logs        map[recordKey]cluster.MessageLogEntry
	commits     map[commitKey]OutputCommit
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{}
	m.init()
	return m
}

func (m *MemoryStore) init() {
	m.checkpoints = make(map[recordKey]cluster.Checkpoint)
	m.infos = make(map[recordKey]cluster.CheckpointInfo)
	m.logs = make(map[recordKey]cluster.MessageLogEntry)
	m.commits = make(map[commitKey]OutputCommit)
}

// PutCheckpoint stores a copy of the checkpoint and its metadata
func (m *MemoryStore) PutCheckpoint(_ context.Context, cp cluster.Checkpoint, info cluster.CheckpointInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := recordKey{cp.EntityID, cp.Incarnation, cp.Seq}
	if _, exists := m.checkpoints[key]; exists {
		return ErrDuplicate
	}
	cp.State = cloneBytes(cp.State)
	m.checkpoints[key] = cp
	m.infos[key] = cloneInfo(info)
	return nil
}

func (m *MemoryStore) PutCheckpointWithLog(_ context.Context, cp cluster.Checkpoint, info cluster.CheckpointInfo, entries []cluster.MessageLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := recordKey{cp.EntityID, cp.Incarnation, cp.Seq}
	if _, exists := m.checkpoints[key]; exists {
		return ErrDuplicate
	}
	cp.State = cloneBytes(cp.State)
	m.checkpoints[key] = cp
	m.infos[key] = cloneInfo(info)

	for k := range m.logs {
		if k.id == cp.EntityID && k.inc == cp.Incarnation {
			delete(m.logs, k)
		}
	}
	for _, e := range entries {
		e.EntityID, e.Incarnation = cp.EntityID, cp.Incarnation
		e.Payload = cloneBytes(e.Payload)
		m.logs[recordKey{e.EntityID, e.Incarnation, e.Seq}] = e
	}
	return nil
}

// GetCheckpoint returns a copy to prevent external modification
func (m *MemoryStore) GetCheckpoint(_ context.Context, id cluster.EntityID, inc cluster.Incarnation, seq uint64) (cluster.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp, exists := m.checkpoints[recordKey{id, inc, seq}]
	if !exists {
		return cluster.Checkpoint{}, ErrKeyNotFound
	}
	cp.State = cloneBytes(cp.State)
	return cp, nil
}

func (m *MemoryStore) PutInfo(_ context.Context, id cluster.EntityID, inc cluster.Incarnation, seq uint64, info cluster.CheckpointInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := recordKey{id, inc, seq}
	if _, exists := m.checkpoints[key]; !exists {
		return ErrKeyNotFound
	}
	m.infos[key] = cloneInfo(info)
	return nil
}

func (m *MemoryStore) GetInfo(_ context.Context, id cluster.EntityID, inc cluster.Incarnation, seq uint64) (cluster.CheckpointInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info, exists := m.infos[recordKey{id, inc, seq}]
	if !exists {
		return cluster.CheckpointInfo{}, ErrKeyNotFound
	}
	return cloneInfo(info), nil
}

// AppendLog checks every key before inserting so a duplicate leaves the log untouched
func (m *MemoryStore) AppendLog(_ context.Context, entries ...cluster.MessageLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[recordKey]bool, len(entries))
	for _, e := range entries {
		key := recordKey{e.EntityID, e.Incarnation, e.Seq}
		if _, exists := m.logs[key]; exists || seen[key] {
			return ErrDuplicate
		}
		seen[key] = true
	}
	for _, e := range entries {
		e.Payload = cloneBytes(e.Payload)
		m.logs[recordKey{e.EntityID, e.Incarnation, e.Seq}] = e
	}
	return nil
}

func (m *MemoryStore) ReplaceLog(_ context.Context, id cluster.EntityID, inc cluster.Incarnation, entries []cluster.MessageLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.logs {
		if key.id == id && key.inc == inc {
			delete(m.logs, key)
		}
	}
	for _, e := range entries {
		e.EntityID, e.Incarnation = id, inc
		e.Payload = cloneBytes(e.Payload)
		m.logs[recordKey{id, inc, e.Seq}] = e
	}
	return nil
}

func (m *MemoryStore) ReadLog(_ context.Context, id cluster.EntityID, inc cluster.Incarnation, fromCheckpoint uint64) ([]cluster.MessageLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := []cluster.MessageLogEntry{}
	for key, e := range m.logs {
		if key.id == id && key.inc == inc && e.CheckpointSeq >= fromCheckpoint {
			e.Payload = cloneBytes(e.Payload)
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	return entries, nil
}

func (m *MemoryStore) PutOutputCommit(_ context.Context, oc OutputCommit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := commitKey{oc.EntityID, oc.Incarnation, oc.MessageID}
	if _, exists := m.commits[key]; !exists {
		m.commits[key] = oc
	}
	return nil
}

func (m *MemoryStore) OutputCommits(_ context.Context, id cluster.EntityID) ([]OutputCommit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []OutputCommit{}
	for key, oc := range m.commits {
		if key.id == id {
			out = append(out, oc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Incarnation != out[j].Incarnation {
			return out[i].Incarnation < out[j].Incarnation
		}
		return out[i].LogSeq < out[j].LogSeq
	})
	return out, nil
}

func (m *MemoryStore) Prune(_ context.Context, id cluster.EntityID, inc cluster.Incarnation, keep uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.checkpoints {
		if key.id == id && (key.inc < inc || (key.inc == inc && key.seq < keep)) {
			delete(m.checkpoints, key)
			delete(m.infos, key)
		}
	}
	for key, e := range m.logs {
		if key.id == id && (key.inc < inc || (key.inc == inc && e.CheckpointSeq < keep)) {
			delete(m.logs, key)
		}
	}
	for key, oc := range m.commits {
		if key.id == id && (key.inc < inc || (key.inc == inc && oc.CheckpointSeq < keep)) {
			delete(m.commits, key)
		}
	}
	return nil
}

func (m *MemoryStore) Cursors(_ context.Context) ([]Cursor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cursors := make(map[cluster.EntityID]*Cursor)
	visit := func(id cluster.EntityID, inc cluster.Incarnation) {
		if c, ok := cursors[id]; !ok || inc > c.Incarnation {
			cursors[id] = &Cursor{EntityID: id, Incarnation: inc}
		}
	}
	for key := range m.checkpoints {
		visit(key.id, key.inc)
	}
	for key := range m.logs {
		visit(key.id, key.inc)
	}
	for key := range m.checkpoints {
		if c := cursors[key.id]; c != nil && c.Incarnation == key.inc && key.seq > c.LastCheckpoint {
			c.LastCheckpoint = key.seq
		}
	}
	for key := range m.logs {
		if c := cursors[key.id]; c != nil && c.Incarnation == key.inc && key.seq > c.LastLog {
			c.LastLog = key.seq
		}
	}

	out := make([]Cursor, 0, len(cursors))
	for _, c := range cursors {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}

func (m *MemoryStore) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	return nil
}

// Close is a no-op for the memory store
func (m *MemoryStore) Close() error {
	return nil
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totalBytes := 0
	for _, cp := range m.checkpoints {
		totalBytes += len(cp.State)
	}
	for _, e := range m.logs {
		totalBytes += len(e.Payload)
	}

	return StoreStats{
		Checkpoints:   len(m.checkpoints),
		LogEntries:    len(m.logs),
		OutputCommits: len(m.commits),
		Bytes:         totalBytes,
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func cloneInfo(info cluster.CheckpointInfo) cluster.CheckpointInfo {
	info.Dependencies = maps.Clone(info.Dependencies)
	return info
}
