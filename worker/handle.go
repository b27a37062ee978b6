package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hupe1980/agentpool/core"
	"github.com/hupe1980/agentpool/internal/util"
	"github.com/hupe1980/agentpool/logging"
	"github.com/hupe1980/agentpool/runtime"
	"github.com/hupe1980/agentpool/toolserver"
)

// Options configures a worker handle.
type Options struct {
	// Logger receives lifecycle diagnostics.
	Logger logging.Logger
	// WorkRoot is the directory under which each worker gets a private
	// working scope.
	WorkRoot string
	// StartTimeout bounds process launch plus the first health probe.
	StartTimeout time.Duration
	// HealthInterval is the tick of the background health loop.
	HealthInterval time.Duration
	// IdleInterval is the tick of the background idle monitor.
	IdleInterval time.Duration
	// IdleTimeout is how long a running worker may go without activity
	// before its process is released.
	IdleTimeout time.Duration
	// RecoveryBackoffBase is the first recovery delay; each subsequent
	// attempt doubles it.
	RecoveryBackoffBase time.Duration
	// MaxRecoveries bounds consecutive recovery attempts before the
	// handle lands in the terminal error state.
	MaxRecoveries int
	// MaxTurns bounds conversation turns per handle. Zero means unlimited.
	MaxTurns int
	// Env is merged into the runtime process environment.
	Env map[string]string
	// OnDemand, when set, is invoked once per accepted send as the demand
	// signal for the autoscaler.
	OnDemand func()
}

// Handle owns one isolated worker: its process, its tool-server attachments
// and its lifecycle state machine. The registry owns the handle's map entry;
// the handle owns everything below it. Operations on a single handle are
// serialized: a send and a stop never interleave mid-operation.
type Handle struct {
	id        string
	profile   core.TypeProfile
	launcher  runtime.Launcher
	connector *toolserver.Connector
	opts      Options
	workDir   string
	createdAt time.Time
	limiter   *core.TurnLimiter

	// opMu serializes start/send/stop/recover. Never held across the
	// background loops' ticks, only across the operations they trigger.
	opMu sync.Mutex

	// mu guards the mutable fields below.
	mu           sync.Mutex
	state        core.WorkerState
	rt           runtime.Runtime
	lastActivity time.Time
	messages     int
	recoveries   int
	transcript   []core.Exchange

	done     chan struct{}
	stopOnce sync.Once
	loopWg   sync.WaitGroup
}

// New creates a handle in the starting state. The profile must already be
// resolved (type defaults plus any caller overrides); Start launches the
// process. The connector may be nil when the worker needs no tool servers.
func New(id string, profile core.TypeProfile, launcher runtime.Launcher, connector *toolserver.Connector, optFns ...func(o *Options)) *Handle {
	opts := Options{
		Logger:              logging.NoOpLogger{},
		WorkRoot:            filepath.Join(os.TempDir(), "agentpool"),
		StartTimeout:        30 * time.Second,
		HealthInterval:      30 * time.Second,
		IdleInterval:        time.Minute,
		IdleTimeout:         5 * time.Minute,
		RecoveryBackoffBase: 2 * time.Second,
		MaxRecoveries:       3,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	now := time.Now()

	return &Handle{
		id:           id,
		profile:      profile,
		launcher:     launcher,
		connector:    connector,
		opts:         opts,
		workDir:      filepath.Join(opts.WorkRoot, id),
		createdAt:    now,
		limiter:      core.NewTurnLimiter(opts.MaxTurns),
		state:        core.StateStarting,
		lastActivity: now,
		done:         make(chan struct{}),
	}
}

// ID returns the worker's immutable identifier.
func (h *Handle) ID() string { return h.id }

// Type returns the worker's specialization.
func (h *Handle) Type() core.WorkerType { return h.profile.Type }

// State returns the current lifecycle state.
func (h *Handle) State() core.WorkerState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Snapshot returns the externally observable view of the worker.
func (h *Handle) Snapshot() core.WorkerSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	return core.WorkerSnapshot{
		ID:            h.id,
		Type:          h.profile.Type,
		State:         h.state,
		CreatedAt:     h.createdAt,
		LastActivity:  h.lastActivity,
		MessagesCount: h.messages,
		Recoveries:    h.recoveries,
	}
}

// Transcript returns a copy of the worker's conversation history.
func (h *Handle) Transcript() []core.Exchange {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]core.Exchange(nil), h.transcript...)
}

// Start allocates the private working scope, provisions the profile's tool
// servers, launches the runtime process and confirms liveness within the
// start timeout, then begins the background health and idle loops. On any
// failure the handle transitions to the terminal error state and is not
// retried automatically.
func (h *Handle) Start(ctx context.Context) error {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	if h.State() != core.StateStarting {
		return fmt.Errorf("worker %s already started (state %s)", h.id, h.State())
	}

	if err := h.launch(ctx, true); err != nil {
		h.setState(core.StateError, "start failed")
		h.cleanup(ctx)
		return &core.StartError{WorkerID: h.id, Err: err}
	}

	h.setState(core.StateRunning, "started")

	h.loopWg.Add(2)
	go h.healthLoop()
	go h.idleLoop()

	return nil
}

// launch performs the provision-and-spawn sequence shared by Start, recovery
// and idle restart-on-demand. Callers hold opMu.
func (h *Handle) launch(ctx context.Context, provision bool) error {
	if err := os.MkdirAll(h.workDir, 0o755); err != nil {
		return fmt.Errorf("create working scope: %w", err)
	}

	if provision && h.connector != nil {
		if err := h.connector.ProvisionFor(ctx, h.id, h.profile); err != nil {
			return err
		}
	}

	instructions, err := util.RenderTemplate(h.profile.Instructions, map[string]any{
		"ID":      h.id,
		"Type":    string(h.profile.Type),
		"WorkDir": h.workDir,
	})
	if err != nil {
		return fmt.Errorf("render instructions: %w", err)
	}

	launchCtx, cancel := context.WithTimeout(ctx, h.opts.StartTimeout)
	defer cancel()

	rt, err := h.launcher.Launch(launchCtx, runtime.LaunchSpec{
		WorkerID:     h.id,
		WorkDir:      h.workDir,
		Env:          h.opts.Env,
		Instructions: instructions,
		AllowedTools: h.profile.AllowedTools,
		Policy:       h.profile.Policy,
		MaxTurns:     h.opts.MaxTurns,
	})
	if err != nil {
		return err
	}

	// The first probe confirms the process is actually live. A handle must
	// never claim the running state on an unconfirmed process.
	if err := h.awaitLive(launchCtx, rt); err != nil {
		_ = rt.Close(context.Background())
		return err
	}

	h.mu.Lock()
	h.rt = rt
	h.mu.Unlock()

	return nil
}

// awaitLive polls the runtime until the first liveness probe passes or the
// context expires.
func (h *Handle) awaitLive(ctx context.Context, rt runtime.Runtime) error {
	for {
		if rt.Alive() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("first health probe timed out: %w", core.ErrTimeout)
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Send delivers one message to the worker and returns the concatenated text
// of the response. An idle worker is transparently restarted first. Sends
// against any other state fail with NotRunningError. Each completed send
// updates the activity counters and feeds one autoscaler demand event.
func (h *Handle) Send(ctx context.Context, message string, contextMap map[string]string) (string, error) {
	// Fail fast on a non-operable state instead of queueing behind an
	// in-flight recovery, which can hold the operation lock across its
	// whole backoff sequence.
	if s := h.State(); !s.Operable() {
		return "", &core.NotRunningError{WorkerID: h.id, State: s}
	}

	h.opMu.Lock()
	defer h.opMu.Unlock()

	h.mu.Lock()
	state := h.state
	rt := h.rt
	h.mu.Unlock()

	switch {
	case state == core.StateIdle:
		// Restart-on-demand: same id, same transcript, fresh process.
		if rt == nil {
			if err := h.launch(ctx, false); err != nil {
				h.opts.Logger.Error("Idle restart failed", "worker_id", h.id, "error", err)
				return "", &core.StartError{WorkerID: h.id, Err: err}
			}
			h.mu.Lock()
			rt = h.rt
			h.mu.Unlock()
		}
		h.setState(core.StateRunning, "activity after idle")
	case state != core.StateRunning:
		return "", &core.NotRunningError{WorkerID: h.id, State: state}
	}

	if h.limiter.Remaining() == 0 {
		return "", core.ErrTurnLimit
	}

	stream, err := rt.Send(ctx, runtime.Request{Message: message, Context: contextMap})
	if err != nil {
		return "", fmt.Errorf("worker %s send: %w", h.id, err)
	}

	segments, err := runtime.DrainContext(ctx, stream)
	if err != nil {
		return "", fmt.Errorf("worker %s response: %w", h.id, err)
	}

	text := core.CollectText(segments)

	// A failed exchange consumes no turn and feeds no demand event; both
	// are accounted only once the response arrived. Sends are serialized
	// by opMu, so the limit checked above still holds here.
	_ = h.limiter.Increment()
	if h.opts.OnDemand != nil {
		h.opts.OnDemand()
	}

	h.mu.Lock()
	h.lastActivity = time.Now()
	h.messages++
	h.transcript = append(h.transcript, core.Exchange{User: message, Assistant: text, Timestamp: h.lastActivity})
	h.mu.Unlock()

	return text, nil
}

// Stop terminates the worker: cancels the background loops, closes the
// process with a graceful-then-forced kill, detaches all tool servers and
// removes the private working scope. Stop is idempotent; a second call on a
// stopped handle is a no-op returning success.
func (h *Handle) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() { close(h.done) })

	h.opMu.Lock()

	h.mu.Lock()
	alreadyStopped := h.state == core.StateStopped
	h.mu.Unlock()

	if !alreadyStopped {
		h.cleanup(ctx)
		h.setState(core.StateStopped, "explicit stop")
	}
	h.opMu.Unlock()

	// Loops exit on their next tick; a loop blocked on opMu sees the
	// stopped state and returns.
	h.loopWg.Wait()

	return nil
}

// cleanup releases the process, detaches tool servers and deletes the
// working scope. Callers hold opMu.
func (h *Handle) cleanup(ctx context.Context) {
	h.mu.Lock()
	rt := h.rt
	h.rt = nil
	h.mu.Unlock()

	if rt != nil {
		if err := rt.Close(ctx); err != nil {
			h.opts.Logger.Warn("Runtime close failed", "worker_id", h.id, "error", err)
		}
	}

	if h.connector != nil {
		h.connector.Release(h.id)
	}

	if err := os.RemoveAll(h.workDir); err != nil {
		h.opts.Logger.Warn("Working scope removal failed", "worker_id", h.id, "error", err)
	}
}

// setState applies a lifecycle transition, forcing only the explicit-stop
// path which is legal from every state.
func (h *Handle) setState(next core.WorkerState, reason string) {
	h.mu.Lock()
	prev := h.state
	if prev == next {
		h.mu.Unlock()
		return
	}
	if next != core.StateStopped && !prev.CanTransition(next) {
		h.mu.Unlock()
		h.opts.Logger.Warn("Illegal state transition suppressed", "worker_id", h.id, "from", prev.String(), "to", next.String())
		return
	}
	h.state = next
	h.mu.Unlock()

	h.opts.Logger.Info("Worker state transition", "worker_id", h.id, "from", prev.String(), "to", next.String(), "reason", reason)
}

// healthLoop probes process liveness on a fixed interval. A failed probe
// transitions the worker to unhealthy and triggers recovery.
func (h *Handle) healthLoop() {
	defer h.loopWg.Done()

	ticker := time.NewTicker(h.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.mu.Lock()
			state := h.state
			rt := h.rt
			h.mu.Unlock()

			if state != core.StateRunning || rt == nil {
				if state.Terminal() {
					return
				}
				continue
			}

			if !rt.Alive() {
				h.opts.Logger.Warn("Worker failed health probe", "worker_id", h.id)
				h.setState(core.StateUnhealthy, "health probe failed")
				h.recover()
			}
		}
	}
}

// recover restarts the process with bounded exponential backoff. Exhausting
// the attempts lands the handle in the terminal error state; it is never
// auto-restarted beyond the bound.
func (h *Handle) recover() {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	if h.State() != core.StateUnhealthy {
		return
	}
	h.setState(core.StateRecovering, "recovery started")

	backoff := h.opts.RecoveryBackoffBase

	for attempt := 1; attempt <= h.opts.MaxRecoveries; attempt++ {
		select {
		case <-h.done:
			return
		case <-time.After(backoff):
		}
		backoff *= 2

		h.mu.Lock()
		h.recoveries++
		rt := h.rt
		h.rt = nil
		h.mu.Unlock()

		if rt != nil {
			_ = rt.Close(context.Background())
		}

		ctx, cancel := context.WithTimeout(context.Background(), h.opts.StartTimeout)
		if h.connector != nil {
			h.connector.Release(h.id)
		}
		err := h.launch(ctx, true)
		cancel()

		if err == nil {
			h.mu.Lock()
			h.recoveries = 0 // consecutive attempts, reset on success
			h.mu.Unlock()
			h.setState(core.StateRunning, fmt.Sprintf("recovered after %d attempt(s)", attempt))
			return
		}

		h.opts.Logger.Warn("Recovery attempt failed", "worker_id", h.id, "attempt", attempt, "error", err)
	}

	h.opts.Logger.Error("Recovery exhausted", "worker_id", h.id, "attempts", h.opts.MaxRecoveries)
	h.setState(core.StateError, "recovery exhausted")
	h.cleanup(context.Background())
}

// idleLoop releases the process of a worker that has gone without activity
// past the idle timeout. The logical handle and its id stay alive so the
// next send restarts the process transparently.
func (h *Handle) idleLoop() {
	defer h.loopWg.Done()

	ticker := time.NewTicker(h.opts.IdleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.mu.Lock()
			state := h.state
			idle := time.Since(h.lastActivity) > h.opts.IdleTimeout
			h.mu.Unlock()

			if state.Terminal() {
				return
			}
			if state != core.StateRunning || !idle {
				continue
			}

			h.sweepIdle()
		}
	}
}

// sweepIdle re-checks the idle condition under the operation lock and
// releases the process.
func (h *Handle) sweepIdle() {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	h.mu.Lock()
	expired := h.state == core.StateRunning && time.Since(h.lastActivity) > h.opts.IdleTimeout
	rt := h.rt
	h.rt = nil
	if !expired {
		h.rt = rt
	}
	h.mu.Unlock()

	if !expired {
		return
	}

	h.setState(core.StateIdle, "idle timeout")
	if rt != nil {
		if err := rt.Close(context.Background()); err != nil {
			h.opts.Logger.Warn("Idle release failed", "worker_id", h.id, "error", err)
		}
	}
}
