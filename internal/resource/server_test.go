package resource

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/ftserver/internal/cluster"
)

func node(id string) cluster.SpareNode {
	return cluster.SpareNode{ID: id, Addr: "http://" + id + ":9000"}
}

// TestGetFreeNodeExhaustion tests a single add/take cycle then exhaustion
func TestGetFreeNodeExhaustion(t *testing.T) {
	s := NewServer(nil)
	require.NoError(t, s.AddFreeNode(node("N1")))

	got, err := s.GetFreeNode()
	require.NoError(t, err)
	assert.Equal(t, node("N1"), got)

	start := time.Now()
	_, err = s.GetFreeNode()
	assert.ErrorIs(t, err, cluster.ErrResourceExhausted)
	assert.Less(t, time.Since(start), 100*time.Millisecond, "exhaustion must not block")
}

// TestAddFreeNode tests validation and de-duplication
func TestAddFreeNode(t *testing.T) {
	s := NewServer(nil)

	assert.Error(t, s.AddFreeNode(cluster.SpareNode{}))
	assert.Error(t, s.AddFreeNode(cluster.SpareNode{ID: "x"}))

	require.NoError(t, s.AddFreeNode(node("N1")))
	require.NoError(t, s.AddFreeNode(node("N1")))
	require.NoError(t, s.AddFreeNode(node("N2")))
	assert.Equal(t, 2, s.FreeCount())

	// FIFO
	first, err := s.GetFreeNode()
	require.NoError(t, err)
	assert.Equal(t, "N1", first.ID)
	assert.Equal(t, []cluster.SpareNode{node("N2")}, s.FreeNodes())
}

// TestNodeLifecycle tests returned and consumed transitions
func TestNodeLifecycle(t *testing.T) {
	s := NewServer(nil)
	require.NoError(t, s.AddFreeNode(node("N1")))
	require.NoError(t, s.AddFreeNode(node("N2")))

	n1, err := s.GetFreeNode()
	require.NoError(t, err)
	n2, err := s.GetFreeNode()
	require.NoError(t, err)
	assert.Equal(t, 2, s.AllocatedCount())

	require.NoError(t, s.ReturnNode(n1.ID))
	require.NoError(t, s.ConsumeNode(n2.ID))
	assert.Equal(t, 0, s.AllocatedCount())
	assert.Equal(t, 1, s.FreeCount())

	assert.ErrorIs(t, s.ReturnNode(n2.ID), cluster.ErrNotFound)
	assert.ErrorIs(t, s.ConsumeNode("ghost"), cluster.ErrNotFound)

	again, err := s.GetFreeNode()
	require.NoError(t, err)
	assert.Equal(t, "N1", again.ID)
}

// TestConcurrentGetFreeNode tests that each node is handed out once
func TestConcurrentGetFreeNode(t *testing.T) {
	s := NewServer(nil)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, s.AddFreeNode(node(id)))
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		got       = map[string]int{}
		exhausted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.GetFreeNode()
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, cluster.ErrResourceExhausted) {
				exhausted++
				return
			}
			got[n.ID]++
		}()
	}
	wg.Wait()

	assert.Len(t, got, 5)
	for id, count := range got {
		assert.Equal(t, 1, count, "node %s handed out more than once", id)
	}
	assert.Equal(t, 15, exhausted)
}

// TestRefillFromProvider tests background replenishment on exhaustion
func TestRefillFromProvider(t *testing.T) {
	s := NewServer(StaticProvider{node("P1"), node("P2")})

	_, err := s.GetFreeNode()
	assert.ErrorIs(t, err, cluster.ErrResourceExhausted)
	s.Wait()

	assert.Equal(t, 2, s.FreeCount())
	got, err := s.GetFreeNode()
	require.NoError(t, err)
	assert.Equal(t, "P1", got.ID)
}

// TestReset tests that reset reloads the provider's nodes
func TestReset(t *testing.T) {
	s := NewServer(StaticProvider{node("P1")})
	require.NoError(t, s.AddFreeNode(node("extra")))
	_, err := s.GetFreeNode()
	require.NoError(t, err)

	require.NoError(t, s.Reset(context.Background()))
	assert.Equal(t, []cluster.SpareNode{node("P1")}, s.FreeNodes())
	assert.Equal(t, 0, s.AllocatedCount())
}

// TestHTTPProvider tests fetching nodes from an elastic endpoint
func TestHTTPProvider(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/nodes" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(cluster.NodesResponse{Nodes: []cluster.SpareNode{node("E1"), node("E2")}})
	}))
	defer server.Close()

	nodes, err := HTTPProvider{Endpoint: server.URL}.FreeNodes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []cluster.SpareNode{node("E1"), node("E2")}, nodes)

	server.Close()
	_, err = HTTPProvider{Endpoint: server.URL}.FreeNodes(context.Background())
	assert.Error(t, err)
}

type failingProvider struct{}

func (failingProvider) FreeNodes(context.Context) ([]cluster.SpareNode, error) {
	return nil, errors.New("overlay unreachable")
}

// TestMultiProvider tests provider fallback
func TestMultiProvider(t *testing.T) {
	nodes, err := MultiProvider{failingProvider{}, StaticProvider{node("S1")}}.FreeNodes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []cluster.SpareNode{node("S1")}, nodes)

	_, err = MultiProvider{failingProvider{}}.FreeNodes(context.Background())
	assert.Error(t, err)

	s := NewServer(failingProvider{})
	assert.Error(t, s.Refill(context.Background()))
}
