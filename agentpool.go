// Package agentpool provides a high-level façade over the worker registry,
// the tool-server connector and the autoscaler, enabling rapid construction
// of managed pools of conversational workers. Most applications interact
// with this package by:
//  1. Creating a Pool via New() (optionally overriding settings, launcher or logger)
//  2. Creating workers (CreateWorker) or issuing one-shot queries (Query)
//  3. Exchanging messages through Send
//
// The façade delegates the lifecycle work to the underlying packages while
// keeping setup concise. All defaults are safe for local development;
// production deployments typically supply explicit settings and a structured
// logger.
package agentpool

import (
	"context"

	"github.com/hupe1980/agentpool/autoscaler"
	"github.com/hupe1980/agentpool/config"
	"github.com/hupe1980/agentpool/core"
	"github.com/hupe1980/agentpool/logging"
	"github.com/hupe1980/agentpool/registry"
	"github.com/hupe1980/agentpool/runtime"
	"github.com/hupe1980/agentpool/toolserver"
	"github.com/hupe1980/agentpool/worker"
)

// Options configures the Pool instance.
type Options struct {
	// Settings holds all tunables (defaults to config.Default()).
	Settings *config.Settings

	// Launcher creates worker runtimes. Defaults to a process launcher
	// for the configured runtime binary; supply an API-backed launcher
	// (runtime/anthropic, runtime/openai) for deployments without one.
	Launcher runtime.Launcher

	// Dialer establishes tool-server sessions. Defaults to the MCP stdio
	// dialer.
	Dialer toolserver.Dialer

	// DisableAutoscaler keeps the demand control loop off. Demand events
	// are still recorded.
	DisableAutoscaler bool

	// DisableToolServers skips the tool-server pool entirely; workers
	// start without capability attachments.
	DisableToolServers bool

	// Logger (defaults to NoOp logger if nil).
	Logger logging.Logger
}

// Pool is the high-level façade aggregating the registry, the tool-server
// connector and the autoscaler.
type Pool struct {
	opts      Options
	connector *toolserver.Connector
	registry  *registry.Registry
	scaler    *autoscaler.Autoscaler
}

// New creates a Pool with optional overrides and starts its background
// machinery (tool-server reaper and health loops, autoscaler control loop).
func New(optFns ...func(o *Options)) *Pool {
	opts := Options{
		Settings: config.Default(),
		Logger:   logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	settings := opts.Settings

	if opts.Launcher == nil {
		opts.Launcher = runtime.NewProcessLauncher(settings.RuntimeCommand, settings.RuntimeArgs, func(o *runtime.ProcessLauncherOptions) {
			o.StopGrace = settings.StopGrace
			o.Logger = opts.Logger
		})
	}

	p := &Pool{opts: opts}

	if !opts.DisableToolServers {
		p.connector = toolserver.NewConnector(func(o *toolserver.ConnectorOptions) {
			o.Logger = opts.Logger
			o.IdleWindow = settings.ServerIdleWindow
			o.ReaperInterval = settings.ReaperInterval
			o.HealthInterval = settings.HealthInterval
			o.Credentials = settings.Credential
			if opts.Dialer != nil {
				o.Dialer = opts.Dialer
			}
		})
	}

	p.registry = registry.New(opts.Launcher, p.connector, func(o *registry.Options) {
		o.Logger = opts.Logger
		o.MaxWorkers = settings.MaxWorkers
		o.OnDemand = func() { p.scaler.Record() }
		o.WorkerOptFns = []func(wo *worker.Options){
			func(wo *worker.Options) {
				wo.Logger = opts.Logger
				wo.WorkRoot = settings.WorkRoot
				wo.StartTimeout = settings.StartTimeout
				wo.HealthInterval = settings.HealthInterval
				wo.IdleInterval = settings.IdleInterval
				wo.IdleTimeout = settings.IdleTimeout
				wo.RecoveryBackoffBase = settings.RecoveryBackoffBase
				wo.MaxRecoveries = settings.MaxRecoveries
			},
		}
	})

	p.scaler = autoscaler.New(scalerTarget{registry: p.registry}, func(o *autoscaler.Options) {
		o.Logger = opts.Logger
		o.Interval = settings.ScaleInterval
		o.Cooldown = settings.ScaleCooldown
		o.Window = settings.DemandWindow
		o.MinWorkers = settings.MinWorkers
		o.MaxWorkers = settings.MaxWorkers
		o.ScaleUpThreshold = settings.ScaleUpThreshold
		o.ScaleDownThreshold = settings.ScaleDownThreshold
	})

	if !opts.DisableAutoscaler {
		p.scaler.Start()
	}

	return p
}

// scalerTarget adapts the registry to the autoscaler's Pool surface.
// Scale-ups create general-purpose workers.
type scalerTarget struct {
	registry *registry.Registry
}

func (t scalerTarget) List() []core.WorkerSnapshot {
	return t.registry.List()
}

func (t scalerTarget) CreateWorker(ctx context.Context) (string, error) {
	return t.registry.Create(ctx, registry.DefaultConfig(core.TypeGeneral))
}

func (t scalerTarget) DeleteWorker(ctx context.Context, id string) error {
	return t.registry.Delete(ctx, id)
}

// CreateWorker creates a worker from the given config and returns its id.
func (p *Pool) CreateWorker(ctx context.Context, cfg registry.Config) (string, error) {
	return p.registry.Create(ctx, cfg)
}

// GetWorker returns the live handle for an id.
func (p *Pool) GetWorker(id string) (*worker.Handle, error) {
	return p.registry.Get(id)
}

// ListWorkers returns snapshots of all workers.
func (p *Pool) ListWorkers() []core.WorkerSnapshot {
	return p.registry.List()
}

// DeleteWorker stops and removes a worker.
func (p *Pool) DeleteWorker(ctx context.Context, id string) error {
	return p.registry.Delete(ctx, id)
}

// Send delivers one message to a worker and returns the response text.
func (p *Pool) Send(ctx context.Context, id, message string, contextMap map[string]string) (string, error) {
	h, err := p.registry.Get(id)
	if err != nil {
		return "", err
	}
	return h.Send(ctx, message, contextMap)
}

// Query is the stateless one-shot path: create, send once, delete.
func (p *Pool) Query(ctx context.Context, message string, workerType core.WorkerType) (string, error) {
	return p.registry.Query(ctx, message, workerType)
}

// ListToolServers returns snapshots of all tool-server pool entries.
func (p *Pool) ListToolServers() []core.ServerSnapshot {
	if p.connector == nil {
		return nil
	}
	return p.connector.List()
}

// ScalerStats returns the autoscaler's current statistics and action log.
func (p *Pool) ScalerStats() autoscaler.Stats {
	return p.scaler.Stats()
}

// Shutdown stops the autoscaler, every worker and the tool-server pool.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.scaler.Stop()

	err := p.registry.Shutdown(ctx)

	if p.connector != nil {
		if cerr := p.connector.Shutdown(ctx); err == nil {
			err = cerr
		}
	}

	return err
}
