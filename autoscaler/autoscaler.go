package autoscaler

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/agentpool/core"
	"github.com/hupe1980/agentpool/logging"
)

// Pool is the surface the autoscaler drives. The registry's façade adapter
// implements it; scale-ups create workers with the default profile.
type Pool interface {
	List() []core.WorkerSnapshot
	CreateWorker(ctx context.Context) (string, error)
	DeleteWorker(ctx context.Context, id string) error
}

// Direction labels a scaling action.
type Direction string

const (
	// DirectionUp adds workers.
	DirectionUp Direction = "up"
	// DirectionDown removes workers.
	DirectionDown Direction = "down"
)

// Action is one recorded scaling decision.
type Action struct {
	Time      time.Time `json:"time"`
	Direction Direction `json:"direction"`
	Before    int       `json:"before"`
	After     int       `json:"after"`
	Reason    string    `json:"reason"`
}

// Stats is a point-in-time view of the autoscaler.
type Stats struct {
	Running            bool      `json:"running"`
	MinWorkers         int       `json:"min_workers"`
	MaxWorkers         int       `json:"max_workers"`
	ScaleUpThreshold   float64   `json:"scale_up_threshold"`
	ScaleDownThreshold float64   `json:"scale_down_threshold"`
	DemandRate         float64   `json:"demand_rate"`
	WindowEvents       int       `json:"window_events"`
	LastAction         time.Time `json:"last_action,omitempty"`
	Actions            []Action  `json:"actions"`
}

// Options configures an Autoscaler.
type Options struct {
	// Logger receives scaling diagnostics.
	Logger logging.Logger
	// Interval is the control loop tick.
	Interval time.Duration
	// Cooldown is the minimum gap between consecutive scaling actions.
	Cooldown time.Duration
	// Window is the trailing period over which demand events are counted.
	Window time.Duration
	// MinWorkers and MaxWorkers bound the target pool size.
	MinWorkers int
	MaxWorkers int
	// ScaleUpThreshold and ScaleDownThreshold are utilization bounds
	// (running workers over pool size).
	ScaleUpThreshold   float64
	ScaleDownThreshold float64
	// MaxEvents bounds the demand event record.
	MaxEvents int
	// MaxActions bounds the retained action log.
	MaxActions int
}

// Autoscaler is the single-threaded control loop that compares observed
// demand against pool size and issues create/delete calls. A tick never
// mixes scale-up and scale-down, and consecutive actions respect the
// cooldown.
type Autoscaler struct {
	pool Pool
	opts Options

	mu         sync.Mutex
	events     []time.Time
	lastAction time.Time
	actions    []Action
	running    bool
	done       chan struct{}
	loopWg     sync.WaitGroup
}

// New creates an autoscaler for the given pool. Call Start to begin the
// control loop.
func New(pool Pool, optFns ...func(o *Options)) *Autoscaler {
	opts := Options{
		Logger:             logging.NoOpLogger{},
		Interval:           30 * time.Second,
		Cooldown:           time.Minute,
		Window:             5 * time.Minute,
		MinWorkers:         1,
		MaxWorkers:         100,
		ScaleUpThreshold:   0.8,
		ScaleDownThreshold: 0.3,
		MaxEvents:          1000,
		MaxActions:         100,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Autoscaler{pool: pool, opts: opts}
}

// Record registers one demand event. Workers call it on every accepted send.
func (a *Autoscaler) Record() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.events) >= a.opts.MaxEvents {
		copy(a.events, a.events[1:])
		a.events = a.events[:len(a.events)-1]
	}
	a.events = append(a.events, time.Now())
}

// Start launches the control loop. It is a no-op when already running.
func (a *Autoscaler) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return
	}
	a.running = true
	a.done = make(chan struct{})

	a.loopWg.Add(1)
	go a.loop(a.done)

	a.opts.Logger.Info("Autoscaler started",
		"min", a.opts.MinWorkers, "max", a.opts.MaxWorkers,
		"scale_up", a.opts.ScaleUpThreshold, "scale_down", a.opts.ScaleDownThreshold)
}

// Stop halts the control loop. Safe to call more than once.
func (a *Autoscaler) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	close(a.done)
	a.mu.Unlock()

	a.loopWg.Wait()
	a.opts.Logger.Info("Autoscaler stopped")
}

func (a *Autoscaler) loop(done chan struct{}) {
	defer a.loopWg.Done()

	ticker := time.NewTicker(a.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			a.tick(context.Background())
		}
	}
}

// tick runs one scaling evaluation. It is never concurrent with itself: only
// the loop goroutine (or a test) calls it.
func (a *Autoscaler) tick(ctx context.Context) {
	snapshots := a.pool.List()
	size := len(snapshots)

	running := 0
	var candidates []core.WorkerSnapshot
	for _, s := range snapshots {
		if s.State == core.StateRunning {
			running++
		}
		if s.State == core.StateIdle || s.MessagesCount == 0 {
			candidates = append(candidates, s)
		}
	}

	rate := a.demandRate()

	utilization := 0.0
	if size > 0 {
		utilization = float64(running) / float64(size)
	}

	a.opts.Logger.Debug("Autoscaler tick",
		"pool", size, "running", running, "utilization", utilization, "demand_rate", rate)

	if !a.cooledDown() {
		return
	}

	switch {
	case size < a.opts.MinWorkers:
		a.scaleUp(ctx, size, a.opts.MinWorkers-size, "below minimum pool size")

	case size < a.opts.MaxWorkers &&
		utilization > a.opts.ScaleUpThreshold &&
		rate > float64(size)*0.8:
		n := int(math.Ceil(float64(size) * 0.5))
		if headroom := a.opts.MaxWorkers - size; n > headroom {
			n = headroom
		}
		a.scaleUp(ctx, size, n, "high utilization and demand")

	case size > a.opts.MinWorkers &&
		utilization < a.opts.ScaleDownThreshold &&
		rate < float64(size)*0.3:
		n := int(math.Floor(float64(size) * 0.3))
		if floor := size - a.opts.MinWorkers; n > floor {
			n = floor
		}
		if n > len(candidates) {
			n = len(candidates)
		}
		if n > 0 {
			a.scaleDown(ctx, size, n, candidates, "low utilization and demand")
		}
	}
}

func (a *Autoscaler) scaleUp(ctx context.Context, before, n int, reason string) {
	created := 0
	for i := 0; i < n; i++ {
		if _, err := a.pool.CreateWorker(ctx); err != nil {
			// Logged and not retried within the same tick.
			a.opts.Logger.Error("Scale-up create failed", "error", err)
			continue
		}
		created++
	}

	a.record(Action{
		Time:      time.Now(),
		Direction: DirectionUp,
		Before:    before,
		After:     before + created,
		Reason:    reason,
	})
	a.opts.Logger.Info("Scaled up", "before", before, "created", created, "requested", n, "reason", reason)
}

// scaleDown deletes the n oldest idle-or-zero-message workers.
func (a *Autoscaler) scaleDown(ctx context.Context, before, n int, candidates []core.WorkerSnapshot, reason string) {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })

	removed := 0
	for _, s := range candidates[:n] {
		if err := a.pool.DeleteWorker(ctx, s.ID); err != nil {
			a.opts.Logger.Error("Scale-down delete failed", "worker_id", s.ID, "error", err)
			continue
		}
		removed++
	}

	a.record(Action{
		Time:      time.Now(),
		Direction: DirectionDown,
		Before:    before,
		After:     before - removed,
		Reason:    reason,
	})
	a.opts.Logger.Info("Scaled down", "before", before, "removed", removed, "requested", n, "reason", reason)
}

func (a *Autoscaler) cooledDown() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastAction.IsZero() || time.Since(a.lastAction) >= a.opts.Cooldown
}

func (a *Autoscaler) record(action Action) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.lastAction = action.Time
	a.actions = append(a.actions, action)
	if len(a.actions) > a.opts.MaxActions {
		a.actions = a.actions[len(a.actions)-a.opts.MaxActions:]
	}
}

// demandRate returns demand events per minute over the trailing window.
func (a *Autoscaler) demandRate() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := time.Now().Add(-a.opts.Window)
	recent := 0
	for _, ts := range a.events {
		if ts.After(cutoff) {
			recent++
		}
	}

	minutes := a.opts.Window.Minutes()
	if minutes <= 0 {
		return 0
	}
	return float64(recent) / minutes
}

// Actions returns a copy of the retained action log, oldest first.
func (a *Autoscaler) Actions() []Action {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Action(nil), a.actions...)
}

// Stats returns a point-in-time view of the autoscaler's configuration and
// recent activity.
func (a *Autoscaler) Stats() Stats {
	rate := a.demandRate()

	a.mu.Lock()
	defer a.mu.Unlock()

	return Stats{
		Running:            a.running,
		MinWorkers:         a.opts.MinWorkers,
		MaxWorkers:         a.opts.MaxWorkers,
		ScaleUpThreshold:   a.opts.ScaleUpThreshold,
		ScaleDownThreshold: a.opts.ScaleDownThreshold,
		DemandRate:         rate,
		WindowEvents:       len(a.events),
		LastAction:         a.lastAction,
		Actions:            append([]Action(nil), a.actions...),
	}
}
