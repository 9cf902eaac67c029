package location

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/ftserver/internal/cluster"
)

func loc(node string) cluster.Location {
	return cluster.Location{NodeID: node, Addr: "http://" + node + ":9000"}
}

// TestNewServer tests stripe defaults
func TestNewServer(t *testing.T) {
	tests := []struct {
		name    string
		stripes int
		want    int
	}{
		{name: "default stripes", stripes: 0, want: DefaultStripes},
		{name: "negative stripes", stripes: -3, want: DefaultStripes},
		{name: "single stripe", stripes: 1, want: 1},
		{name: "many stripes", stripes: 256, want: 256},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(tt.stripes)
			assert.Len(t, s.stripes, tt.want)
			assert.Equal(t, 0, s.Size())
			assert.NotNil(t, s.GetAllLocations())
		})
	}
}

// TestSearchObjectNotFound tests that an unknown entity is distinguishable
// from a successful lookup
func TestSearchObjectNotFound(t *testing.T) {
	s := NewServer(0)

	got, err := s.SearchObject("E7", loc("anywhere"), "caller")
	require.Error(t, err)
	assert.ErrorIs(t, err, cluster.ErrNotFound)
	assert.True(t, got.IsZero())

	_, err = s.GetLocation("E7")
	assert.ErrorIs(t, err, cluster.ErrNotFound)
}

// TestUpdateAndSearch tests registration, migration and lookup
func TestUpdateAndSearch(t *testing.T) {
	s := NewServer(0)

	require.NoError(t, s.UpdateLocation("E1", loc("n1"), 1))
	got, err := s.SearchObject("E1", cluster.Location{}, "caller")
	require.NoError(t, err)
	assert.Equal(t, loc("n1"), got)

	// Migration within the same incarnation is last-write-wins
	require.NoError(t, s.UpdateLocation("E1", loc("n2"), 1))
	got, err = s.SearchObject("E1", loc("n1"), "caller")
	require.NoError(t, err)
	assert.Equal(t, loc("n2"), got)

	entry, err := s.GetEntry("E1")
	require.NoError(t, err)
	assert.Equal(t, cluster.Incarnation(1), entry.Incarnation)
	assert.False(t, entry.UpdatedAt.IsZero())
	assert.Equal(t, 1, s.Size())
}

// TestUpdateLocationValidation tests input checks
func TestUpdateLocationValidation(t *testing.T) {
	s := NewServer(0)

	assert.Error(t, s.UpdateLocation("", loc("n1"), 1))
	assert.Error(t, s.UpdateLocation("E1", cluster.Location{}, 1))
	assert.Equal(t, 0, s.Size())
}

// TestStaleLocationUpdate tests that older incarnations are rejected
func TestStaleLocationUpdate(t *testing.T) {
	s := NewServer(0)

	require.NoError(t, s.UpdateLocation("E1", loc("n2"), 2))

	err := s.UpdateLocation("E1", loc("n1"), 1)
	assert.ErrorIs(t, err, cluster.ErrStaleLocation)

	got, err := s.GetLocation("E1")
	require.NoError(t, err)
	assert.Equal(t, loc("n2"), got, "stale update must not be applied")

	// Newer incarnation is accepted
	require.NoError(t, s.UpdateLocation("E1", loc("n3"), 3))
	got, err = s.GetLocation("E1")
	require.NoError(t, err)
	assert.Equal(t, loc("n3"), got)
}

// TestSuspend tests that a recovering entity is not handed out
func TestSuspend(t *testing.T) {
	s := NewServer(0)

	assert.ErrorIs(t, s.Suspend("E3"), cluster.ErrNotFound)

	require.NoError(t, s.UpdateLocation("E3", loc("old"), 1))
	require.NoError(t, s.Suspend("E3"))

	_, err := s.SearchObject("E3", loc("old"), "caller")
	assert.ErrorIs(t, err, cluster.ErrEntityRecovering)

	// The last known location is still visible for diagnostics
	got, err := s.GetLocation("E3")
	require.NoError(t, err)
	assert.Equal(t, loc("old"), got)

	// The old incarnation cannot republish itself
	assert.ErrorIs(t, s.UpdateLocation("E3", loc("old"), 1), cluster.ErrStaleLocation)

	// The recovered incarnation ends the suspension
	require.NoError(t, s.UpdateLocation("E3", loc("spare"), 2))
	got, err = s.SearchObject("E3", loc("old"), "caller")
	require.NoError(t, err)
	assert.Equal(t, loc("spare"), got)
}

// TestRemoveAndReset tests deletion paths
func TestRemoveAndReset(t *testing.T) {
	s := NewServer(4)
	for i := 0; i < 10; i++ {
		require.NoError(t, s.UpdateLocation(cluster.EntityID(fmt.Sprintf("E%d", i)), loc(fmt.Sprintf("n%d", i)), 1))
	}
	assert.Equal(t, 10, s.Size())

	s.Remove("E3")
	s.Remove("unknown")
	assert.Equal(t, 9, s.Size())
	_, err := s.GetLocation("E3")
	assert.ErrorIs(t, err, cluster.ErrNotFound)

	s.Reset()
	assert.Equal(t, 0, s.Size())
	assert.Empty(t, s.Entries())
}

// TestEntriesOrdered tests diagnostic listings
func TestEntriesOrdered(t *testing.T) {
	s := NewServer(8)
	require.NoError(t, s.UpdateLocation("c", loc("n3"), 1))
	require.NoError(t, s.UpdateLocation("a", loc("n1"), 1))
	require.NoError(t, s.UpdateLocation("b", loc("n2"), 1))

	entries := s.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, cluster.EntityID("a"), entries[0].EntityID)
	assert.Equal(t, cluster.EntityID("b"), entries[1].EntityID)
	assert.Equal(t, cluster.EntityID("c"), entries[2].EntityID)

	assert.Equal(t, []cluster.Location{loc("n1"), loc("n2"), loc("n3")}, s.GetAllLocations())

	// Returned entries are copies
	entries[0].Location = loc("tampered")
	got, err := s.GetLocation("a")
	require.NoError(t, err)
	assert.Equal(t, loc("n1"), got)
}

// TestConcurrentUpdates tests that concurrent writers on distinct and shared
// keys keep at most one current location per entity
func TestConcurrentUpdates(t *testing.T) {
	s := NewServer(16)

	var wg sync.WaitGroup
	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := cluster.EntityID(fmt.Sprintf("E%d", i%25))
				_ = s.UpdateLocation(id, loc(fmt.Sprintf("n%d", g)), cluster.Incarnation(1))
				_, _ = s.SearchObject(id, cluster.Location{}, "caller")
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, 25, s.Size())
	for _, e := range s.Entries() {
		assert.False(t, e.Location.IsZero())
	}
}
