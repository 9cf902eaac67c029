package ftserver

import (
	"context"
	"fmt"
	"log"

	"github.com/dreamware/ftserver/internal/checkpoint"
	"github.com/dreamware/ftserver/internal/cluster"
	"github.com/dreamware/ftserver/internal/config"
	"github.com/dreamware/ftserver/internal/detector"
	"github.com/dreamware/ftserver/internal/location"
	"github.com/dreamware/ftserver/internal/recovery"
	"github.com/dreamware/ftserver/internal/resource"
	"github.com/dreamware/ftserver/internal/storage"
)

// Option customizes New.
type Option func(*options)

type options struct {
	restorer recovery.Restorer
	check    detector.CheckFunc
	store    storage.Store
}

// WithRestorer replaces the HTTP restorer used by recovery.
func WithRestorer(r recovery.Restorer) Option {
	return func(o *options) { o.restorer = r }
}

// WithCheckFunction replaces the HTTP liveness probe.
func WithCheckFunction(f detector.CheckFunc) Option {
	return func(o *options) { o.check = f }
}

// WithStore replaces the store selected by the configuration.
func WithStore(s storage.Store) Option {
	return func(o *options) { o.store = s }
}

// FTServer is the coordination facade. Every operation delegates to one of
// the five services; the facade holds no state of its own beyond them.
type FTServer struct {
	name        string
	store       storage.Store
	checkpoints *checkpoint.Server
	locations   *location.Server
	recovery    *recovery.Process
	resources   *resource.Server
	detector    *detector.Detector
}

// New builds and wires the services described by cfg. When cfg selects a
// SQLite file, checkpoints stored by a previous process are loaded.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*FTServer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	o := options{restorer: recovery.HTTPRestorer{}}
	for _, opt := range opts {
		opt(&o)
	}

	protocol, err := checkpoint.NewProtocol(cfg.Protocol)
	if err != nil {
		return nil, err
	}

	store := o.store
	if store == nil {
		if cfg.StoragePath == "" {
			store = storage.NewMemoryStore()
		} else {
			store, err = storage.OpenSQLite(cfg.StoragePath)
			if err != nil {
				return nil, err
			}
		}
	}

	checkpoints := checkpoint.NewServer(store, protocol)
	if err := checkpoints.Load(ctx); err != nil {
		store.Close()
		return nil, err
	}

	providers := resource.MultiProvider{resource.StaticProvider(cfg.SpareNodes)}
	if cfg.ElasticEndpoint != "" {
		providers = append(providers, resource.HTTPProvider{Endpoint: cfg.ElasticEndpoint})
	}
	resources := resource.NewServer(providers)
	for _, n := range cfg.SpareNodes {
		if err := resources.AddFreeNode(n); err != nil {
			store.Close()
			return nil, err
		}
	}

	locations := location.NewServer(0)
	proc := recovery.NewProcess(checkpoints, locations, resources, o.restorer, recovery.Options{
		Timeout:       cfg.RecoveryTimeout,
		MaxConcurrent: cfg.MaxRecoveries,
	})

	fd := detector.New(locations, cfg.ScanPeriod)
	fd.SetSupervisor(proc)
	fd.SetTimeout(cfg.ProbeTimeout)
	fd.SetThreshold(cfg.FailureThreshold)
	fd.SetWorkers(cfg.ProbeWorkers)
	if o.check != nil {
		fd.SetCheckFunction(o.check)
	}

	log.Printf("FTServer %s ready: protocol %s, %d spare nodes", cfg.ServerName, protocol.Name(), resources.FreeCount())
	return &FTServer{
		name:        cfg.ServerName,
		store:       store,
		checkpoints: checkpoints,
		locations:   locations,
		recovery:    proc,
		resources:   resources,
		detector:    fd,
	}, nil
}

// Name returns the configured server name.
func (s *FTServer) Name() string { return s.name }

// Protocol returns the active checkpointing protocol.
func (s *FTServer) Protocol() string { return s.checkpoints.Protocol() }

// Initialize resets the services for a clean boot, in the order checkpoint,
// location, recovery, resource. The spare pool is reloaded from its
// providers.
func (s *FTServer) Initialize(ctx context.Context) error {
	for _, step := range s.initSteps() {
		if err := step.reset(ctx); err != nil {
			return fmt.Errorf("initialize %s: %w", step.name, err)
		}
	}
	s.detector.Reset()
	log.Printf("FTServer %s initialized", s.name)
	return nil
}

type initStep struct {
	name  string
	reset func(context.Context) error
}

func (s *FTServer) initSteps() []initStep {
	return []initStep{
		{"checkpoint", s.checkpoints.Reset},
		{"location", func(context.Context) error { s.locations.Reset(); return nil }},
		{"recovery", func(context.Context) error { s.recovery.Reset(); return nil }},
		{"resource", s.resources.Reset},
	}
}

// ApplyConfig applies the settings that can change at runtime.
func (s *FTServer) ApplyConfig(cfg *config.Config) {
	s.detector.SetPeriod(cfg.ScanPeriod)
	s.detector.SetThreshold(cfg.FailureThreshold)
	s.detector.SetTimeout(cfg.ProbeTimeout)
	s.detector.SetWorkers(cfg.ProbeWorkers)
	log.Printf("Applied configuration: scan period %v, threshold %d", cfg.ScanPeriod, cfg.FailureThreshold)
}

// Close stops the detector, waits for running jobs and closes the store.
func (s *FTServer) Close() error {
	s.detector.Stop()
	s.recovery.Wait()
	s.resources.Wait()
	return s.store.Close()
}

// Fault detection

func (s *FTServer) StartFailureDetector()   { s.detector.Start() }
func (s *FTServer) SuspendFailureDetector() { s.detector.Suspend() }
func (s *FTServer) StopFailureDetector()    { s.detector.Stop() }
func (s *FTServer) DetectorRunning() bool   { return s.detector.Running() }

func (s *FTServer) IsUnreachable(ctx context.Context, target cluster.Location) bool {
	return s.detector.IsUnreachable(ctx, target)
}

func (s *FTServer) ForceDetection(ctx context.Context) error {
	return s.detector.ForceDetection(ctx)
}

func (s *FTServer) Health() map[cluster.EntityID]detector.TargetHealth {
	return s.detector.AllHealth()
}

// Location

func (s *FTServer) SearchObject(id cluster.EntityID, stale cluster.Location, caller cluster.EntityID) (cluster.Location, error) {
	return s.locations.SearchObject(id, stale, caller)
}

func (s *FTServer) UpdateLocation(id cluster.EntityID, loc cluster.Location, inc cluster.Incarnation) error {
	return s.locations.UpdateLocation(id, loc, inc)
}

func (s *FTServer) GetLocation(id cluster.EntityID) (cluster.Location, error) {
	return s.locations.GetLocation(id)
}

func (s *FTServer) GetEntry(id cluster.EntityID) (location.Entry, error) {
	return s.locations.GetEntry(id)
}

func (s *FTServer) GetAllLocations() []cluster.Location { return s.locations.GetAllLocations() }
func (s *FTServer) Entries() []location.Entry           { return s.locations.Entries() }

// DestroyEntity drops a permanently destroyed entity from the directory,
// from supervision and from the checkpoint cursors. Stored records stay
// until the next Initialize.
func (s *FTServer) DestroyEntity(id cluster.EntityID) {
	s.locations.Remove(id)
	s.recovery.Unregister(id)
	s.checkpoints.Forget(id)
	log.Printf("Entity %s destroyed", id)
}

// Checkpoints

func (s *FTServer) StoreCheckpoint(ctx context.Context, cp cluster.Checkpoint, inc cluster.Incarnation) (uint64, error) {
	return s.checkpoints.StoreCheckpoint(ctx, cp, inc)
}

func (s *FTServer) ForceCheckpoint(ctx context.Context, cp cluster.Checkpoint, inc cluster.Incarnation) (uint64, error) {
	return s.checkpoints.ForceCheckpoint(ctx, cp, inc)
}

func (s *FTServer) GetCheckpoint(ctx context.Context, id cluster.EntityID, seq uint64) (cluster.Checkpoint, error) {
	return s.checkpoints.GetCheckpoint(ctx, id, seq)
}

func (s *FTServer) GetLastCheckpoint(ctx context.Context, id cluster.EntityID) (cluster.Checkpoint, error) {
	return s.checkpoints.GetLastCheckpoint(ctx, id)
}

func (s *FTServer) AddInfoToCheckpoint(ctx context.Context, id cluster.EntityID, seq uint64, info cluster.CheckpointInfo) error {
	return s.checkpoints.AddInfoToCheckpoint(ctx, id, seq, info)
}

func (s *FTServer) GetInfoFromCheckpoint(ctx context.Context, id cluster.EntityID, seq uint64) (cluster.CheckpointInfo, error) {
	return s.checkpoints.GetInfoFromCheckpoint(ctx, id, seq)
}

func (s *FTServer) StoreRequest(ctx context.Context, receiver cluster.EntityID, msg cluster.Message) (uint64, error) {
	return s.checkpoints.StoreRequest(ctx, receiver, msg)
}

func (s *FTServer) StoreReply(ctx context.Context, receiver cluster.EntityID, msg cluster.Message) (uint64, error) {
	return s.checkpoints.StoreReply(ctx, receiver, msg)
}

func (s *FTServer) OutputCommit(ctx context.Context, info cluster.MessageInfo) error {
	return s.checkpoints.OutputCommit(ctx, info)
}

func (s *FTServer) OutputCommits(ctx context.Context, id cluster.EntityID) ([]storage.OutputCommit, error) {
	return s.checkpoints.OutputCommits(ctx, id)
}

func (s *FTServer) CommitHistory(ctx context.Context, update cluster.HistoryUpdate) error {
	return s.checkpoints.CommitHistory(ctx, update)
}

func (s *FTServer) GetLogSince(ctx context.Context, id cluster.EntityID, seq uint64) ([]cluster.MessageLogEntry, error) {
	return s.checkpoints.GetLogSince(ctx, id, seq)
}

func (s *FTServer) OnSend(id cluster.EntityID) cluster.Piggyback { return s.checkpoints.Send(id) }

func (s *FTServer) OnReceive(ctx context.Context, receiver cluster.EntityID, msg cluster.Message, pb cluster.Piggyback) (checkpoint.Delivery, error) {
	return s.checkpoints.Receive(ctx, receiver, msg, pb)
}

func (s *FTServer) NeedsCheckpoint(id cluster.EntityID) bool { return s.checkpoints.NeedsCheckpoint(id) }
func (s *FTServer) RecoveryLine() (uint64, bool)             { return s.checkpoints.RecoveryLine() }
func (s *FTServer) StorageStats() storage.StoreStats         { return s.checkpoints.Stats() }

// Recovery

func (s *FTServer) Register(id cluster.EntityID) error { return s.recovery.Register(id) }
func (s *FTServer) Unregister(id cluster.EntityID)     { s.recovery.Unregister(id) }
func (s *FTServer) FailureDetected(id cluster.EntityID) {
	s.recovery.FailureDetected(id)
}

func (s *FTServer) SubmitJob(req recovery.JobRequest) (recovery.Job, error) {
	return s.recovery.SubmitJob(req)
}

func (s *FTServer) SubmitJobWithBarrier(req recovery.JobRequest) (*recovery.JobBarrier, error) {
	return s.recovery.SubmitJobWithBarrier(req)
}

func (s *FTServer) UpdateState(id cluster.EntityID, state recovery.State) error {
	return s.recovery.UpdateState(id, state)
}

func (s *FTServer) GetState(id cluster.EntityID) (recovery.State, error) { return s.recovery.GetState(id) }
func (s *FTServer) GetSystemSize() int                                   { return s.recovery.GetSystemSize() }
func (s *FTServer) Jobs() []recovery.Job                                 { return s.recovery.Jobs() }
func (s *FTServer) FailedJobs() []recovery.Job                           { return s.recovery.FailedJobs() }
func (s *FTServer) GetJob(id string) (recovery.Job, error)               { return s.recovery.GetJob(id) }

// Resources

func (s *FTServer) AddFreeNode(node cluster.SpareNode) error  { return s.resources.AddFreeNode(node) }
func (s *FTServer) GetFreeNode() (cluster.SpareNode, error)   { return s.resources.GetFreeNode() }
func (s *FTServer) FreeNodes() []cluster.SpareNode            { return s.resources.FreeNodes() }
