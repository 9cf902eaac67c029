package recovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/dreamware/ftserver/internal/cluster"
	"github.com/dreamware/ftserver/internal/location"
)

// DefaultHistorySize bounds the number of finished jobs kept for
// introspection.
const DefaultHistorySize = 256

// CheckpointSource is the part of checkpoint.Server used by recovery.
type CheckpointSource interface {
	GetLastCheckpoint(ctx context.Context, id cluster.EntityID) (cluster.Checkpoint, error)
	GetLogSince(ctx context.Context, id cluster.EntityID, seq uint64) ([]cluster.MessageLogEntry, error)
	Incarnation(id cluster.EntityID) (cluster.Incarnation, bool)
	Rebase(ctx context.Context, id cluster.EntityID, from cluster.Incarnation, state []byte, entries []cluster.MessageLogEntry) (cluster.Checkpoint, error)
	Compact(ctx context.Context, id cluster.EntityID) error
}

// Directory is the part of location.Server used by recovery.
type Directory interface {
	GetEntry(id cluster.EntityID) (location.Entry, error)
	Suspend(id cluster.EntityID) error
	UpdateLocation(id cluster.EntityID, loc cluster.Location, inc cluster.Incarnation) error
}

// Pool is the part of resource.Server used by recovery.
type Pool interface {
	GetFreeNode() (cluster.SpareNode, error)
	ConsumeNode(id string) error
	ReturnNode(id string) error
}

// Options tunes a Process.
type Options struct {
	// Timeout bounds one recovery job end to end. Zero means no bound.
	Timeout time.Duration

	// MaxConcurrent bounds the number of jobs running at once. Zero means
	// no bound.
	MaxConcurrent int

	// HistorySize bounds the finished jobs kept. Zero selects
	// DefaultHistorySize.
	HistorySize int
}

// Process orchestrates the recovery of failed entities.
//
// Recovery Algorithm:
//  1. Mark the entity SUSPECTED and suspend it in the directory
//  2. Allocate a spare node; exhaustion fails the job
//  3. Fetch the last checkpoint and the log since it
//  4. Restore the entity on the node, replaying the log in order
//  5. Rebase checkpoint and log into incarnation+1
//  6. Publish the new location with the new incarnation
//  7. Mark the entity ACTIVE and release the barrier
//
// A job always ends in ACTIVE or FAILED. FAILED jobs are never retried;
// a new job must be submitted.
type Process struct {
	checkpoints CheckpointSource
	dir         Directory
	pool        Pool
	restorer    Restorer
	sem         chan struct{}
	now         func() time.Time

	mu       sync.Mutex
	entities map[cluster.EntityID]State
	active   map[cluster.EntityID]*jobRecord
	history  []*jobRecord
	opts     Options
	wg       sync.WaitGroup
}

// NewProcess creates a recovery process over the other services.
func NewProcess(checkpoints CheckpointSource, dir Directory, pool Pool, restorer Restorer, opts Options) *Process {
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	p := &Process{
		checkpoints: checkpoints,
		dir:         dir,
		pool:        pool,
		restorer:    restorer,
		now:         time.Now,
		entities:    make(map[cluster.EntityID]State),
		active:      make(map[cluster.EntityID]*jobRecord),
		opts:        opts,
	}
	if opts.MaxConcurrent > 0 {
		p.sem = make(chan struct{}, opts.MaxConcurrent)
	}
	return p
}

// Register puts id under supervision in state ACTIVE. Registering a
// supervised entity again is a no-op.
func (p *Process) Register(id cluster.EntityID) error {
	if id == "" {
		return errors.New("register: entity ID cannot be empty")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entities[id]; !ok {
		p.entities[id] = StateActive
		log.Printf("Entity %s registered for recovery", id)
	}
	return nil
}

// Unregister removes id from supervision. A running job completes but its
// outcome no longer changes the entity state.
func (p *Process) Unregister(id cluster.EntityID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entities, id)
}

// FailureDetected is called by the failure detector. It starts a recovery
// job for an ACTIVE entity and is a no-op while one is pending. FAILED
// entities are left alone.
func (p *Process) FailureDetected(id cluster.EntityID) {
	p.mu.Lock()
	state, ok := p.entities[id]
	p.mu.Unlock()

	switch {
	case !ok:
		log.Printf("Failure of %s ignored: not under supervision", id)
		return
	case state == StateFailed:
		log.Printf("Failure of %s ignored: last recovery failed, resubmit to retry", id)
		return
	}
	if _, err := p.SubmitJobWithBarrier(JobRequest{EntityID: id}); err != nil {
		log.Printf("Recovery of %s not started: %v", id, err)
	}
}

// SubmitJob starts a recovery job and returns its initial snapshot.
func (p *Process) SubmitJob(req JobRequest) (Job, error) {
	b, err := p.SubmitJobWithBarrier(req)
	if err != nil {
		return Job{}, err
	}
	return b.Job(), nil
}

// SubmitJobWithBarrier starts a recovery job and returns a barrier released
// once the entity is ACTIVE again. A job already pending for the entity is
// returned instead of starting a second one.
func (p *Process) SubmitJobWithBarrier(req JobRequest) (*JobBarrier, error) {
	id := req.EntityID
	current := p.currentIncarnation(id)

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.entities[id]; !ok {
		return nil, fmt.Errorf("submit recovery of %s: %w", id, cluster.ErrNotRegistered)
	}
	if rec, ok := p.active[id]; ok {
		return &JobBarrier{p: p, rec: rec}, nil
	}

	inc := req.Incarnation
	if inc == 0 {
		inc = current
	}
	if inc < current {
		return nil, fmt.Errorf("submit recovery of %s at incarnation %d (current %d): %w",
			id, inc, current, cluster.ErrStaleIncarnation)
	}
	if inc > current {
		return nil, fmt.Errorf("submit recovery of %s: incarnation %d not established (current %d)", id, inc, current)
	}

	now := p.now()
	rec := &jobRecord{
		job: Job{
			ID:          newJobID(),
			EntityID:    id,
			Incarnation: inc,
			State:       StateSuspected,
			SubmittedAt: now,
			Transitions: []Transition{{State: StateSuspected, At: now}},
		},
		done: make(chan struct{}),
	}
	p.active[id] = rec
	p.entities[id] = StateSuspected

	p.wg.Add(1)
	go p.run(rec, jobKey{id: id, inc: inc})

	log.Printf("Recovery job %s submitted for %s incarnation %d", rec.job.ID, id, inc)
	return &JobBarrier{p: p, rec: rec}, nil
}

func (p *Process) currentIncarnation(id cluster.EntityID) cluster.Incarnation {
	inc := cluster.Incarnation(1)
	if cur, ok := p.checkpoints.Incarnation(id); ok {
		inc = cur
	}
	if e, err := p.dir.GetEntry(id); err == nil && e.Incarnation > inc {
		inc = e.Incarnation
	}
	return inc
}

func (p *Process) run(rec *jobRecord, key jobKey) {
	defer p.wg.Done()

	if p.sem != nil {
		p.sem <- struct{}{}
		defer func() { <-p.sem }()
	}

	ctx := context.Background()
	if p.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()
	}

	job, err := p.recover(ctx, rec, key)
	p.finish(rec, job, err)
}

// recover runs steps 1 to 6. It returns the final location and incarnation
// in job.
func (p *Process) recover(ctx context.Context, rec *jobRecord, key jobKey) (Job, error) {
	id := key.id
	result := Job{Incarnation: key.inc}

	if err := p.dir.Suspend(id); err != nil {
		log.Printf("Suspend of %s in directory: %v", id, err)
	}

	node, err := p.pool.GetFreeNode()
	if err != nil {
		return result, err
	}
	result.Node = node
	p.transition(rec, StateRecovering, func(j *Job) { j.Node = node })

	fail := func(err error) (Job, error) {
		if rerr := p.pool.ReturnNode(node.ID); rerr != nil {
			log.Printf("Return of node %s: %v", node.ID, rerr)
		}
		return result, err
	}

	cp, err := p.checkpoints.GetLastCheckpoint(ctx, id)
	if err != nil {
		if errors.Is(err, cluster.ErrNotFound) {
			err = fmt.Errorf("%w: %w", cluster.ErrCorruptCheckpoint, err)
		}
		return fail(err)
	}
	if cp.Incarnation != key.inc {
		return fail(fmt.Errorf("last checkpoint of %s belongs to incarnation %d, expected %d: %w",
			id, cp.Incarnation, key.inc, cluster.ErrCorruptCheckpoint))
	}
	entries, err := p.checkpoints.GetLogSince(ctx, id, cp.Seq)
	if err != nil {
		return fail(err)
	}
	mustBeOrdered(id, entries)
	result.CheckpointSeq = cp.Seq
	result.Replayed = len(entries)

	next := key.inc + 1
	loc, err := p.restorer.Restore(ctx, node, cluster.RestoreRequest{
		Checkpoint:  cp,
		Entries:     entries,
		Incarnation: next,
	})
	if err != nil {
		return fail(fmt.Errorf("restore on node %s: %w", node.ID, err))
	}
	if loc.IsZero() {
		loc = node.Location()
	}

	// The node now hosts a live replica of incarnation next, so a later
	// failure must not hand it to another entity.
	abandon := func(err error) (Job, error) {
		log.Printf("Recovery of %s failed after restore; node %s keeps incarnation %d and is withdrawn: %v",
			id, node.ID, next, err)
		if cerr := p.pool.ConsumeNode(node.ID); cerr != nil {
			log.Printf("Consume of node %s: %v", node.ID, cerr)
		}
		return result, err
	}

	if _, err := p.checkpoints.Rebase(ctx, id, key.inc, cp.State, entries); err != nil {
		return abandon(err)
	}
	if err := p.dir.UpdateLocation(id, loc, next); err != nil {
		return abandon(err)
	}
	if err := p.pool.ConsumeNode(node.ID); err != nil {
		log.Printf("Consume of node %s: %v", node.ID, err)
	}
	if err := p.checkpoints.Compact(ctx, id); err != nil {
		log.Printf("Garbage collection for %s failed: %v", id, err)
	}

	result.Location = loc
	result.NewIncarnation = next
	return result, nil
}

// mustBeOrdered panics unless entries are strictly increasing by Seq.
// The store returns them ordered, so a violation is a programming error.
func mustBeOrdered(id cluster.EntityID, entries []cluster.MessageLogEntry) {
	for i := 1; i < len(entries); i++ {
		if entries[i].Seq <= entries[i-1].Seq {
			panic(fmt.Sprintf("recovery: log of %s out of order: seq %d after %d",
				id, entries[i].Seq, entries[i-1].Seq))
		}
	}
}

func (p *Process) transition(rec *jobRecord, state State, update func(*Job)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec.job.State = state
	rec.job.Transitions = append(rec.job.Transitions, Transition{State: state, At: p.now()})
	if update != nil {
		update(&rec.job)
	}
	if _, ok := p.entities[rec.job.EntityID]; ok && p.active[rec.job.EntityID] == rec {
		p.entities[rec.job.EntityID] = state
	}
}

func (p *Process) finish(rec *jobRecord, result Job, err error) {
	state := StateActive
	if err != nil {
		state = StateFailed
	}

	p.transition(rec, state, func(j *Job) {
		j.FinishedAt = p.now()
		j.Node = result.Node
		j.Location = result.Location
		j.NewIncarnation = result.NewIncarnation
		j.CheckpointSeq = result.CheckpointSeq
		j.Replayed = result.Replayed
		if err != nil {
			j.Error = err.Error()
		}
	})

	p.mu.Lock()
	rec.err = err
	id := rec.job.EntityID
	if p.active[id] == rec {
		delete(p.active, id)
	}
	p.history = append(p.history, rec)
	if over := len(p.history) - p.opts.HistorySize; over > 0 {
		p.history = p.history[over:]
	}
	job := rec.job
	p.mu.Unlock()

	close(rec.done)

	if err != nil {
		log.Printf("Recovery job %s for %s FAILED: %v", job.ID, id, err)
		return
	}
	log.Printf("Recovery job %s: %s active at %s, incarnation %d (replayed %d)",
		job.ID, id, job.Location, job.NewIncarnation, job.Replayed)
}

// UpdateState sets the supervision state of id, used by operators to clear a
// FAILED entity without recovering it.
func (p *Process) UpdateState(id cluster.EntityID, state State) error {
	if !state.Valid() {
		return fmt.Errorf("update state of %s: invalid state %q", id, state)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entities[id]; !ok {
		return fmt.Errorf("update state of %s: %w", id, cluster.ErrNotRegistered)
	}
	if _, ok := p.active[id]; ok {
		return fmt.Errorf("update state of %s: %w", id, cluster.ErrEntityRecovering)
	}
	p.entities[id] = state
	return nil
}

// GetState returns the supervision state of id.
func (p *Process) GetState(id cluster.EntityID) (State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.entities[id]
	if !ok {
		return "", fmt.Errorf("state of %s: %w", id, cluster.ErrNotRegistered)
	}
	return state, nil
}

// GetSystemSize returns the number of supervised entities.
func (p *Process) GetSystemSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entities)
}

// Jobs returns the running and retained finished jobs, oldest first.
func (p *Process) Jobs() []Job {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Job, 0, len(p.history)+len(p.active))
	for _, rec := range p.history {
		out = append(out, rec.job.clone())
	}
	for _, rec := range p.active {
		out = append(out, rec.job.clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

// FailedJobs returns the retained FAILED jobs, oldest first.
func (p *Process) FailedJobs() []Job {
	out := []Job{}
	for _, j := range p.Jobs() {
		if j.State == StateFailed {
			out = append(out, j)
		}
	}
	return out
}

// GetJob returns the job with the given ID.
func (p *Process) GetJob(jobID string) (Job, error) {
	for _, j := range p.Jobs() {
		if j.ID == jobID {
			return j, nil
		}
	}
	return Job{}, fmt.Errorf("job %s: %w", jobID, cluster.ErrNotFound)
}

// Wait blocks until every running job finished.
func (p *Process) Wait() {
	p.wg.Wait()
}

// Reset waits for running jobs and drops all supervision state.
func (p *Process) Reset() {
	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entities = make(map[cluster.EntityID]State)
	p.active = make(map[cluster.EntityID]*jobRecord)
	p.history = nil
}
