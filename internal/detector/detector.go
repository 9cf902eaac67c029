package detector

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/dreamware/ftserver/internal/cluster"
	"github.com/dreamware/ftserver/internal/location"
)

// Health status values reported in TargetHealth.Status.
const (
	StatusUnknown     = "unknown"
	StatusReachable   = "reachable"
	StatusUnreachable = "unreachable"
)

// Defaults applied by New.
const (
	DefaultTimeout   = 2 * time.Second
	DefaultThreshold = 1
	DefaultWorkers   = 8
)

// ErrStopped is returned by ForceDetection when the detector is stopped
// while the caller waits for the forced scan.
var ErrStopped = errors.New("failure detector stopped")

// Directory is the source of probe targets, implemented by location.Server.
type Directory interface {
	Entries() []location.Entry
}

// Supervisor receives escalated failures, implemented by recovery.Process.
type Supervisor interface {
	FailureDetected(id cluster.EntityID)
}

// CheckFunc probes addr and returns nil when the target answered in time.
type CheckFunc func(ctx context.Context, addr string) error

// TargetHealth tracks the liveness of one probed entity.
// Thread-safe: Protected by Detector's mutex when accessed.
type TargetHealth struct {
	LastCheck         time.Time           `json:"last_check"`
	LastReachable     time.Time           `json:"last_reachable"`
	EntityID          cluster.EntityID    `json:"entity_id"`
	Location          cluster.Location    `json:"location"`
	Status            string              `json:"status"`
	Incarnation       cluster.Incarnation `json:"incarnation"`
	ConsecutiveMisses int                 `json:"consecutive_misses"`
	Escalated         bool                `json:"escalated"`
}

// Detector periodically probes every location registered in the directory
// and escalates an entity to the supervisor once its consecutive misses
// reach the threshold. Each failure episode is escalated exactly once; the
// episode ends when the target answers again or the directory publishes a
// new incarnation for it. Entities the directory marks as recovering are not
// probed.
//
// Thread-safe: All methods are safe for concurrent access.
type Detector struct {
	dir        Directory
	supervisor Supervisor
	check      CheckFunc
	targets    map[cluster.EntityID]*TargetHealth
	force      chan chan struct{}
	cancel     context.CancelFunc
	done       chan struct{}
	period     time.Duration
	timeout    time.Duration
	threshold  int
	workers    int
	running    bool
	paused     bool
	mu         sync.Mutex
	scanMu     sync.Mutex
}

// New creates a stopped detector that scans dir every period.
//
// Parameters:
//   - dir: Directory listing the entities to probe
//   - period: How often to scan (recommended: 5s)
//
// Example:
//
//	fd := detector.New(locations, 5*time.Second)
//	fd.SetSupervisor(recoveryProcess)
//	fd.Start()
//	defer fd.Stop()
func New(dir Directory, period time.Duration) *Detector {
	d := &Detector{
		dir:       dir,
		period:    period,
		timeout:   DefaultTimeout,
		threshold: DefaultThreshold,
		workers:   DefaultWorkers,
		targets:   make(map[cluster.EntityID]*TargetHealth),
		force:     make(chan chan struct{}),
	}
	d.check = HTTPCheck(&http.Client{})
	return d
}

// SetSupervisor sets the receiver of escalated failures.
func (d *Detector) SetSupervisor(s Supervisor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.supervisor = s
}

// SetCheckFunction overrides the HTTP probe. Useful for testing.
func (d *Detector) SetCheckFunction(check CheckFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.check = check
}

// SetPeriod changes the scan period. The running loop picks it up after the
// current tick.
func (d *Detector) SetPeriod(period time.Duration) {
	if period <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.period = period
}

// SetThreshold sets how many consecutive misses escalate a target.
// Values below 1 select 1.
func (d *Detector) SetThreshold(n int) {
	if n < 1 {
		n = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.threshold = n
}

// SetTimeout bounds every probe.
func (d *Detector) SetTimeout(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timeout = timeout
}

// SetWorkers bounds the number of probes in flight during a scan.
func (d *Detector) SetWorkers(n int) {
	if n < 1 {
		n = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.workers = n
}

// Period returns the current scan period.
func (d *Detector) Period() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.period
}

// Threshold returns the current escalation threshold.
func (d *Detector) Threshold() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.threshold
}

// Start launches the background scan loop and returns immediately.
// Calling Start on a running detector resumes it if suspended and is
// otherwise a no-op.
func (d *Detector) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		if d.paused {
			d.paused = false
			log.Println("Failure detector resumed")
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	d.running = true
	d.paused = false

	go d.loop(ctx, d.done)
	log.Printf("Failure detector started with period %v, threshold %d", d.period, d.threshold)
}

// Suspend pauses periodic scanning. Scans already in progress complete; no
// further periodic scan starts until Start is called again.
func (d *Detector) Suspend() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running && !d.paused {
		d.paused = true
		log.Println("Failure detector suspended")
	}
}

// Stop terminates the scan loop and waits for it to exit. A scan in
// progress is completed first.
func (d *Detector) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	cancel, done := d.cancel, d.done
	d.running = false
	d.paused = false
	d.mu.Unlock()

	cancel()
	<-done
	log.Println("Failure detector stopped")
}

// Running reports whether the loop is running and not suspended.
func (d *Detector) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running && !d.paused
}

func (d *Detector) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(d.Period())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case reply := <-d.force:
			d.scan(ctx)
			close(reply)
		case <-timer.C:
			d.mu.Lock()
			paused := d.paused
			d.mu.Unlock()
			if !paused {
				d.scan(ctx)
			}
			timer.Reset(d.Period())
		}
	}
}

// ForceDetection runs one out-of-cycle scan and returns when it completed.
// When the loop is running the scan is executed by the loop, otherwise it
// runs in the caller's goroutine.
func (d *Detector) ForceDetection(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	running, done := d.running, d.done
	d.mu.Unlock()

	if !running {
		d.scan(ctx)
		return nil
	}

	reply := make(chan struct{})
	select {
	case d.force <- reply:
	case <-done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsUnreachable probes target once with a bounded timeout. A timeout, a
// transport error or a failing probe all report true.
func (d *Detector) IsUnreachable(ctx context.Context, target cluster.Location) bool {
	return d.probe(ctx, target) != nil
}

func (d *Detector) probe(ctx context.Context, target cluster.Location) (err error) {
	d.mu.Lock()
	check, timeout := d.check, d.timeout
	d.mu.Unlock()

	if target.Addr == "" {
		return errors.New("target has no address")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panicked: %v", r)
		}
	}()
	return check(ctx, target.Addr)
}

type probeResult struct {
	entry location.Entry
	err   error
}

// scan probes every listed entity once and escalates the ones that crossed
// the threshold. Scans never overlap.
func (d *Detector) scan(ctx context.Context) {
	d.scanMu.Lock()
	defer d.scanMu.Unlock()

	var targets []location.Entry
	listed := make(map[cluster.EntityID]bool)
	for _, e := range d.dir.Entries() {
		listed[e.EntityID] = true
		if e.Recovering || e.Location.IsZero() {
			continue
		}
		targets = append(targets, e)
	}

	d.mu.Lock()
	for id := range d.targets {
		if !listed[id] {
			delete(d.targets, id)
			log.Printf("Removed %s from failure detection", id)
		}
	}
	workers := d.workers
	d.mu.Unlock()

	results := make([]probeResult, len(targets))
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i, e := range targets {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, e location.Entry) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = probeResult{entry: e, err: d.probe(ctx, e.Location)}
		}(i, e)
	}
	wg.Wait()

	// Probes of a cancelled scan say nothing about the targets
	if ctx.Err() != nil {
		return
	}

	var escalate []cluster.EntityID
	d.mu.Lock()
	for _, r := range results {
		if d.record(r) {
			escalate = append(escalate, r.entry.EntityID)
		}
	}
	supervisor := d.supervisor
	d.mu.Unlock()

	for _, id := range escalate {
		if supervisor == nil {
			log.Printf("No supervisor for failed entity %s", id)
			continue
		}
		supervisor.FailureDetected(id)
	}
}

// record applies one probe result and reports whether the target must be
// escalated. Caller holds d.mu.
func (d *Detector) record(r probeResult) bool {
	id := r.entry.EntityID
	now := time.Now()

	h, ok := d.targets[id]
	if !ok || h.Incarnation != r.entry.Incarnation || h.Location != r.entry.Location {
		h = &TargetHealth{
			EntityID:      id,
			Location:      r.entry.Location,
			Incarnation:   r.entry.Incarnation,
			Status:        StatusUnknown,
			LastReachable: now,
		}
		d.targets[id] = h
	}
	h.LastCheck = now

	if r.err == nil {
		if h.Status == StatusUnreachable {
			log.Printf("Entity %s at %s is reachable again", id, h.Location)
		}
		h.Status = StatusReachable
		h.ConsecutiveMisses = 0
		h.Escalated = false
		h.LastReachable = now
		return false
	}

	h.ConsecutiveMisses++
	log.Printf("Probe failed for %s at %s (attempt %d/%d): %v",
		id, h.Location, h.ConsecutiveMisses, d.threshold, r.err)

	if h.ConsecutiveMisses < d.threshold {
		return false
	}
	h.Status = StatusUnreachable
	if h.Escalated {
		return false
	}
	h.Escalated = true
	log.Printf("Entity %s suspected after %d misses", id, h.ConsecutiveMisses)
	return true
}

// GetHealth returns a copy of the health record of id, or nil if id has not
// been probed.
func (d *Detector) GetHealth(id cluster.EntityID) *TargetHealth {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.targets[id]
	if !ok {
		return nil
	}
	c := *h
	return &c
}

// AllHealth returns a copy of every health record.
func (d *Detector) AllHealth() map[cluster.EntityID]TargetHealth {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[cluster.EntityID]TargetHealth, len(d.targets))
	for id, h := range d.targets {
		out[id] = *h
	}
	return out
}

// Reset forgets all health records.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.targets = make(map[cluster.EntityID]*TargetHealth)
}
