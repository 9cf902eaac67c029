// Package location implements the directory that maps each entity to its
// current location and resolves stale references held by callers.
package location

import (
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/dreamware/ftserver/internal/cluster"
)

// DefaultStripes is the number of lock stripes used when none is given.
const DefaultStripes = 64

// Entry is the directory record of one entity.
//
// Thread Safety:
// Entries are copied out of the directory; modifying a returned Entry has no
// effect on the server.
type Entry struct {
	// UpdatedAt is the time the location was last written.
	UpdatedAt time.Time `json:"updated_at"`

	// EntityID identifies the entity.
	EntityID cluster.EntityID `json:"entity_id"`

	// Location is where the entity currently executes.
	Location cluster.Location `json:"location"`

	// Incarnation is the incarnation that published Location.
	// Updates carrying a lower incarnation are rejected.
	Incarnation cluster.Incarnation `json:"incarnation"`

	// Recovering is set between Suspend and the next update carrying a newer
	// incarnation. While set, SearchObject refuses to hand out the location.
	Recovering bool `json:"recovering"`
}

type stripe struct {
	mu      sync.RWMutex
	entries map[cluster.EntityID]*Entry
}

// Server is the location directory.
//
// Architecture:
//
//	┌─────────────────────────────────────┐
//	│          location.Server            │
//	├─────────────────────────────────────┤
//	│  stripes[fnv(id) % n]               │
//	│    mu: RWMutex                      │
//	│    entries: id → Entry              │
//	├─────────────────────────────────────┤
//	│  "E3" → 0x5c1d → stripe 29 → node-2 │
//	└─────────────────────────────────────┘
//
// Concurrency Model:
//   - Each entity hashes to one stripe; only that stripe is locked
//   - Unrelated entities on different stripes never contend
//   - All returned data is copied to prevent races
//
// Update Policy:
// Updates of the same incarnation are last-write-wins. Callers must issue
// updates for one entity in causal order; the server keeps no ordering token
// beyond the incarnation, so concurrent migration and recovery of the same
// entity at the same incarnation is not detected.
type Server struct {
	stripes []*stripe
	now     func() time.Time
}

// NewServer creates an empty directory with the given number of lock stripes.
// A non-positive count selects DefaultStripes.
//
// Example:
//
//	dir := location.NewServer(0)
//	dir.UpdateLocation("E1", cluster.Location{NodeID: "n1", Addr: "http://n1:9000"}, 1)
func NewServer(numStripes int) *Server {
	if numStripes <= 0 {
		numStripes = DefaultStripes
	}
	s := &Server{
		stripes: make([]*stripe, numStripes),
		now:     time.Now,
	}
	for i := range s.stripes {
		s.stripes[i] = &stripe{entries: make(map[cluster.EntityID]*Entry)}
	}
	return s
}

func (s *Server) stripeFor(id cluster.EntityID) *stripe {
	h := fnv.New32a()
	h.Write([]byte(id))
	return s.stripes[h.Sum32()%uint32(len(s.stripes))]
}

// SearchObject returns the fresh location of id for a caller whose cached
// reference stale failed to deliver.
//
// Returns:
//   - the current location on success
//   - cluster.ErrNotFound if id was never registered or was removed
//   - cluster.ErrEntityRecovering while a recovery is in progress
func (s *Server) SearchObject(id cluster.EntityID, stale cluster.Location, caller cluster.EntityID) (cluster.Location, error) {
	st := s.stripeFor(id)
	st.mu.RLock()
	entry, exists := st.entries[id]
	var current Entry
	if exists {
		current = *entry
	}
	st.mu.RUnlock()

	if !exists {
		return cluster.Location{}, fmt.Errorf("search %s: %w", id, cluster.ErrNotFound)
	}
	if current.Recovering {
		return cluster.Location{}, fmt.Errorf("search %s: %w", id, cluster.ErrEntityRecovering)
	}
	if current.Location == stale && !stale.IsZero() {
		log.Printf("Location of %s requested by %s is unchanged (%s)", id, caller, stale)
	}
	return current.Location, nil
}

// UpdateLocation publishes the location of id at incarnation inc.
//
// The first update registers the entity. An update whose incarnation is lower
// than the recorded one is rejected with cluster.ErrStaleLocation and logged.
// While the entity is recovering, only a strictly newer incarnation is
// accepted, and accepting it ends the recovery.
func (s *Server) UpdateLocation(id cluster.EntityID, loc cluster.Location, inc cluster.Incarnation) error {
	if id == "" {
		return errors.New("entity ID cannot be empty")
	}
	if loc.IsZero() {
		return fmt.Errorf("update %s: location cannot be empty", id)
	}

	st := s.stripeFor(id)
	st.mu.Lock()
	defer st.mu.Unlock()

	entry, exists := st.entries[id]
	if exists {
		stale := inc < entry.Incarnation || (entry.Recovering && inc == entry.Incarnation)
		if stale {
			log.Printf("Rejected stale location update for %s: incarnation %d, current %d",
				id, inc, entry.Incarnation)
			return fmt.Errorf("update %s at incarnation %d: %w", id, inc, cluster.ErrStaleLocation)
		}
	} else {
		entry = &Entry{EntityID: id}
		st.entries[id] = entry
	}

	entry.Location = loc
	entry.Incarnation = inc
	entry.Recovering = false
	entry.UpdatedAt = s.now()
	return nil
}

// GetLocation returns the recorded location of id, even while it is
// recovering.
func (s *Server) GetLocation(id cluster.EntityID) (cluster.Location, error) {
	entry, err := s.GetEntry(id)
	if err != nil {
		return cluster.Location{}, err
	}
	return entry.Location, nil
}

// GetEntry returns a copy of the directory record of id.
func (s *Server) GetEntry(id cluster.EntityID) (Entry, error) {
	st := s.stripeFor(id)
	st.mu.RLock()
	defer st.mu.RUnlock()

	entry, exists := st.entries[id]
	if !exists {
		return Entry{}, fmt.Errorf("location of %s: %w", id, cluster.ErrNotFound)
	}
	return *entry, nil
}

// Suspend marks id as recovering so no new traffic is routed to its old
// location.
func (s *Server) Suspend(id cluster.EntityID) error {
	st := s.stripeFor(id)
	st.mu.Lock()
	defer st.mu.Unlock()

	entry, exists := st.entries[id]
	if !exists {
		return fmt.Errorf("suspend %s: %w", id, cluster.ErrNotFound)
	}
	entry.Recovering = true
	return nil
}

// Remove deletes id on permanent destruction. No error if id is unknown.
func (s *Server) Remove(id cluster.EntityID) {
	st := s.stripeFor(id)
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.entries, id)
}

// Entries returns a copy of every record, ordered by entity ID.
func (s *Server) Entries() []Entry {
	out := []Entry{}
	for _, st := range s.stripes {
		st.mu.RLock()
		for _, entry := range st.entries {
			out = append(out, *entry)
		}
		st.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// GetAllLocations returns the location of every entity, ordered by entity ID.
// Used for diagnostics.
func (s *Server) GetAllLocations() []cluster.Location {
	entries := s.Entries()
	out := make([]cluster.Location, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Location)
	}
	return out
}

// Size returns the number of registered entities.
func (s *Server) Size() int {
	n := 0
	for _, st := range s.stripes {
		st.mu.RLock()
		n += len(st.entries)
		st.mu.RUnlock()
	}
	return n
}

// Reset removes every entry.
func (s *Server) Reset() {
	for _, st := range s.stripes {
		st.mu.Lock()
		st.entries = make(map[cluster.EntityID]*Entry)
		st.mu.Unlock()
	}
}
