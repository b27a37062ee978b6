package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/agentpool/core"
	"github.com/hupe1980/agentpool/logging"
	"github.com/hupe1980/agentpool/runtime"
	"github.com/hupe1980/agentpool/toolserver"
	"github.com/hupe1980/agentpool/worker"
)

// Config is the per-worker creation request supplied by the transport layer.
// The type tag is validated against the closed specialization set; legacy
// alias or composite strings are a configuration error, never fuzzy-matched.
type Config struct {
	// Type selects the specialization profile. Empty defaults to general.
	Type core.WorkerType
	// Instructions overrides the profile's default instruction template.
	Instructions string
	// AllowedTools overrides the profile's default tool list.
	AllowedTools []string
	// RequiredCapabilities and OptionalCapabilities override the profile's
	// tool-server capability lists when non-nil.
	RequiredCapabilities []core.Capability
	OptionalCapabilities []core.Capability
	// MaxTurns bounds conversation turns. Zero means unlimited.
	MaxTurns int
	// Env is merged into the worker's process environment.
	Env map[string]string
	// AutoStart launches the worker inside Create. Without it the handle
	// stays in the starting state until started explicitly.
	AutoStart bool
}

// DefaultConfig returns an auto-starting config for the given type.
func DefaultConfig(t core.WorkerType) Config {
	return Config{Type: t, AutoStart: true}
}

// resolveProfile validates the type tag and applies the config's overrides.
func resolveProfile(cfg Config) (core.TypeProfile, error) {
	t := cfg.Type
	if t == "" {
		t = core.TypeGeneral
	}
	t, err := core.ParseWorkerType(string(t))
	if err != nil {
		return core.TypeProfile{}, err
	}

	profile := core.ProfileFor(t)
	if cfg.Instructions != "" {
		profile.Instructions = cfg.Instructions
	}
	if cfg.AllowedTools != nil {
		profile.AllowedTools = cfg.AllowedTools
	}
	if cfg.RequiredCapabilities != nil {
		profile.RequiredCapabilities = cfg.RequiredCapabilities
	}
	if cfg.OptionalCapabilities != nil {
		profile.OptionalCapabilities = cfg.OptionalCapabilities
	}

	return profile, nil
}

// Options configures a Registry.
type Options struct {
	// Logger receives registry diagnostics.
	Logger logging.Logger
	// MaxWorkers is the pool ceiling enforced by Create.
	MaxWorkers int
	// WorkerOptFns is applied to every worker handle the registry creates.
	WorkerOptFns []func(o *worker.Options)
	// OnDemand is wired into every worker as its demand-event sink.
	OnDemand func()
}

// Registry is the concurrency-safe map of all worker handles. The mutex
// protects only map structure; process I/O (start, send, stop) always runs
// with the lock released, against a handle already obtained from the map.
type Registry struct {
	launcher  runtime.Launcher
	connector *toolserver.Connector
	opts      Options

	mu      sync.RWMutex
	workers map[string]*worker.Handle
}

// New creates an empty registry. The connector may be nil when workers need
// no tool servers.
func New(launcher runtime.Launcher, connector *toolserver.Connector, optFns ...func(o *Options)) *Registry {
	opts := Options{
		Logger:     logging.NoOpLogger{},
		MaxWorkers: 100,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Registry{
		launcher:  launcher,
		connector: connector,
		opts:      opts,
		workers:   map[string]*worker.Handle{},
	}
}

// Create allocates an id, inserts a new handle and, with AutoStart, launches
// it. The capacity check and insertion happen under one critical section;
// the start itself runs with the lock released so a slow start never blocks
// unrelated registry operations. A failed start removes the entry again: no
// orphaned entries remain on failure.
func (r *Registry) Create(ctx context.Context, cfg Config) (string, error) {
	profile, err := resolveProfile(cfg)
	if err != nil {
		return "", err
	}

	workerOptFns := append([]func(o *worker.Options){}, r.opts.WorkerOptFns...)
	workerOptFns = append(workerOptFns, func(o *worker.Options) {
		o.MaxTurns = cfg.MaxTurns
		if cfg.Env != nil {
			o.Env = cfg.Env
		}
		o.OnDemand = r.opts.OnDemand
	})

	r.mu.Lock()
	if len(r.workers) >= r.opts.MaxWorkers {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: limit %d", core.ErrCapacityExceeded, r.opts.MaxWorkers)
	}
	id := core.NewID()
	h := worker.New(id, profile, r.launcher, r.connector, workerOptFns...)
	r.workers[id] = h
	r.mu.Unlock()

	if cfg.AutoStart {
		if err := h.Start(ctx); err != nil {
			r.mu.Lock()
			delete(r.workers, id)
			r.mu.Unlock()
			return "", err
		}
	}

	r.opts.Logger.Info("Created worker", "worker_id", id, "type", profile.Type)
	return id, nil
}

// Get returns the handle for an id, or core.ErrNotFound.
func (r *Registry) Get(id string) (*worker.Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.workers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrNotFound, id)
	}
	return h, nil
}

// List returns snapshots of all workers ordered by creation time.
func (r *Registry) List() []core.WorkerSnapshot {
	r.mu.RLock()
	handles := make([]*worker.Handle, 0, len(r.workers))
	for _, h := range r.workers {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	snapshots := make([]core.WorkerSnapshot, 0, len(handles))
	for _, h := range handles {
		snapshots = append(snapshots, h.Snapshot())
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].CreatedAt.Before(snapshots[j].CreatedAt) })

	return snapshots
}

// Size returns the current pool size.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// Delete stops the worker and removes it from the map. It returns
// core.ErrNotFound for an unknown id.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.RLock()
	h, ok := r.workers[id]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", core.ErrNotFound, id)
	}

	if err := h.Stop(ctx); err != nil {
		r.opts.Logger.Warn("Worker stop failed during delete", "worker_id", id, "error", err)
	}

	r.mu.Lock()
	delete(r.workers, id)
	r.mu.Unlock()

	r.opts.Logger.Info("Deleted worker", "worker_id", id)
	return nil
}

// Query is the stateless one-shot path: create a worker, send a single
// message and delete the worker again. The transient handle is deleted on
// every exit path, send failure included.
func (r *Registry) Query(ctx context.Context, message string, workerType core.WorkerType) (string, error) {
	id, err := r.Create(ctx, DefaultConfig(workerType))
	if err != nil {
		return "", err
	}
	defer func() {
		if err := r.Delete(context.WithoutCancel(ctx), id); err != nil {
			r.opts.Logger.Warn("Transient worker cleanup failed", "worker_id", id, "error", err)
		}
	}()

	h, err := r.Get(id)
	if err != nil {
		return "", err
	}

	return h.Send(ctx, message, nil)
}

// Shutdown stops every worker concurrently and clears the map.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	handles := make([]*worker.Handle, 0, len(r.workers))
	for _, h := range r.workers {
		handles = append(handles, h)
	}
	r.workers = map[string]*worker.Handle{}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *worker.Handle) {
			defer wg.Done()
			if err := h.Stop(ctx); err != nil {
				r.opts.Logger.Warn("Worker stop failed during shutdown", "worker_id", h.ID(), "error", err)
			}
		}(h)
	}
	wg.Wait()

	r.opts.Logger.Info("Registry shut down", "workers", len(handles))
	return nil
}
