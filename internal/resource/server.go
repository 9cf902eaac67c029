// Package resource keeps the pool of spare nodes used to place recovered
// entities.
package resource

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/ftserver/internal/cluster"
)

// Server is the spare-node pool.
// Nodes move free → allocated → (returned | consumed). GetFreeNode never
// blocks: an empty pool answers cluster.ErrResourceExhausted immediately and,
// when a Provider is configured, starts a background refill.
type Server struct {
	mu        sync.Mutex
	free      []cluster.SpareNode
	allocated map[string]cluster.SpareNode

	provider      Provider
	refilling     atomic.Bool
	refillTimeout time.Duration
	wg            sync.WaitGroup
}

// NewServer creates an empty pool. provider may be nil.
func NewServer(provider Provider) *Server {
	return &Server{
		allocated:     make(map[string]cluster.SpareNode),
		provider:      provider,
		refillTimeout: 5 * time.Second,
	}
}

// AddFreeNode registers node as available. Adding a node that is already
// free is a no-op; adding an allocated node returns it to the pool.
func (s *Server) AddFreeNode(node cluster.SpareNode) error {
	if node.ID == "" || node.Addr == "" {
		return errors.New("spare node needs an id and an addr")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.allocated, node.ID)
	idx := slices.IndexFunc(s.free, func(n cluster.SpareNode) bool { return n.ID == node.ID })
	if idx >= 0 {
		s.free[idx] = node
		return nil
	}
	s.free = append(s.free, node)
	return nil
}

// GetFreeNode removes and returns the oldest free node.
func (s *Server) GetFreeNode() (cluster.SpareNode, error) {
	s.mu.Lock()
	if len(s.free) == 0 {
		s.mu.Unlock()
		s.refillAsync()
		return cluster.SpareNode{}, fmt.Errorf("get free node: %w", cluster.ErrResourceExhausted)
	}
	node := s.free[0]
	s.free = slices.Delete(s.free, 0, 1)
	s.allocated[node.ID] = node
	s.mu.Unlock()

	log.Printf("Allocated spare node %s (%s)", node.ID, node.Addr)
	return node, nil
}

// ReturnNode puts an allocated node back into the pool, used when the entity
// placed on it could not be restored.
func (s *Server) ReturnNode(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.allocated[id]
	if !ok {
		return fmt.Errorf("return node %s: %w", id, cluster.ErrNotFound)
	}
	delete(s.allocated, id)
	s.free = append(s.free, node)
	return nil
}

// ConsumeNode marks an allocated node as permanently used by a recovered
// entity.
func (s *Server) ConsumeNode(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.allocated[id]; !ok {
		return fmt.Errorf("consume node %s: %w", id, cluster.ErrNotFound)
	}
	delete(s.allocated, id)
	return nil
}

// FreeNodes returns a copy of the free pool in allocation order.
func (s *Server) FreeNodes() []cluster.SpareNode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.free)
}

// FreeCount returns the number of free nodes.
func (s *Server) FreeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.free)
}

// AllocatedCount returns the number of allocated, not yet settled nodes.
func (s *Server) AllocatedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.allocated)
}

// Refill asks the provider for nodes and adds them to the pool.
func (s *Server) Refill(ctx context.Context) error {
	if s.provider == nil {
		return nil
	}
	nodes, err := s.provider.FreeNodes(ctx)
	if err != nil {
		return fmt.Errorf("refill spare nodes: %w", err)
	}
	for _, n := range nodes {
		if err := s.AddFreeNode(n); err != nil {
			log.Printf("Ignoring spare node from provider: %v", err)
		}
	}
	return nil
}

func (s *Server) refillAsync() {
	if s.provider == nil || !s.refilling.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.refilling.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), s.refillTimeout)
		defer cancel()
		if err := s.Refill(ctx); err != nil {
			log.Printf("Spare node refill failed: %v", err)
		}
	}()
}

// Wait blocks until background refills have finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Reset empties the pool and reloads it from the provider.
func (s *Server) Reset(ctx context.Context) error {
	s.mu.Lock()
	s.free = nil
	s.allocated = make(map[string]cluster.SpareNode)
	s.mu.Unlock()
	return s.Refill(ctx)
}
