package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/ftserver/internal/cluster"
)

// State is the supervision state of an entity and of a recovery job.
type State string

// Entity lifecycle: ACTIVE → SUSPECTED → RECOVERING → ACTIVE | FAILED.
// FAILED is terminal until an operator resubmits a job.
const (
	StateActive     State = "ACTIVE"
	StateSuspected  State = "SUSPECTED"
	StateRecovering State = "RECOVERING"
	StateFailed     State = "FAILED"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateActive, StateSuspected, StateRecovering, StateFailed:
		return true
	}
	return false
}

// Terminal reports whether a job in state s has finished.
func (s State) Terminal() bool {
	return s == StateActive || s == StateFailed
}

// Transition is one state change of a job.
type Transition struct {
	At    time.Time `json:"at"`
	State State     `json:"state"`
}

// JobRequest asks for the recovery of one entity. A zero Incarnation selects
// the entity's current incarnation.
type JobRequest struct {
	EntityID    cluster.EntityID    `json:"entity_id"`
	Incarnation cluster.Incarnation `json:"incarnation,omitempty"`
}

// Job is one recovery attempt, keyed by the entity and the incarnation being
// recovered.
type Job struct {
	SubmittedAt    time.Time           `json:"submitted_at"`
	FinishedAt     time.Time           `json:"finished_at,omitempty"`
	ID             string              `json:"id"`
	EntityID       cluster.EntityID    `json:"entity_id"`
	State          State               `json:"state"`
	Error          string              `json:"error,omitempty"`
	Node           cluster.SpareNode   `json:"node,omitempty"`
	Location       cluster.Location    `json:"location,omitempty"`
	Transitions    []Transition        `json:"transitions"`
	Incarnation    cluster.Incarnation `json:"incarnation"`
	NewIncarnation cluster.Incarnation `json:"new_incarnation,omitempty"`
	CheckpointSeq  uint64              `json:"checkpoint_seq,omitempty"`
	Replayed       int                 `json:"replayed"`
}

func (j Job) clone() Job {
	j.Transitions = append([]Transition(nil), j.Transitions...)
	return j
}

type jobKey struct {
	id  cluster.EntityID
	inc cluster.Incarnation
}

// jobRecord is the mutable job owned by the Process. Fields are guarded by
// Process.mu; done is closed once the job reached a terminal state.
type jobRecord struct {
	job  Job
	err  error
	done chan struct{}
}

func newJobID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// JobBarrier lets callers wait until a recovered entity is safe to address.
// It is released when the job reaches ACTIVE; a FAILED job also releases it
// with an error wrapping cluster.ErrRecoveryFailed.
type JobBarrier struct {
	p   *Process
	rec *jobRecord
}

// ID returns the ID of the job behind the barrier.
func (b *JobBarrier) ID() string {
	b.p.mu.Lock()
	defer b.p.mu.Unlock()
	return b.rec.job.ID
}

// Done is closed when the job finished.
func (b *JobBarrier) Done() <-chan struct{} {
	return b.rec.done
}

// Job returns a snapshot of the job.
func (b *JobBarrier) Job() Job {
	b.p.mu.Lock()
	defer b.p.mu.Unlock()
	return b.rec.job.clone()
}

// Wait blocks until the job finished or ctx is done.
func (b *JobBarrier) Wait(ctx context.Context) (Job, error) {
	select {
	case <-b.rec.done:
	case <-ctx.Done():
		return b.Job(), fmt.Errorf("wait for recovery of %s: %w", b.rec.job.EntityID, ctx.Err())
	}

	b.p.mu.Lock()
	defer b.p.mu.Unlock()
	job := b.rec.job.clone()
	if job.State == StateFailed {
		return job, fmt.Errorf("recovery of %s: %w: %w", job.EntityID, cluster.ErrRecoveryFailed, b.rec.err)
	}
	return job, nil
}

// WaitTimeout is Wait with a timeout. A non-positive timeout waits forever.
func (b *JobBarrier) WaitTimeout(timeout time.Duration) (Job, error) {
	if timeout <= 0 {
		return b.Wait(context.Background())
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return b.Wait(ctx)
}
