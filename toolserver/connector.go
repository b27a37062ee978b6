package toolserver

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/agentpool/core"
	"github.com/hupe1980/agentpool/logging"
)

// ConnectorOptions configures a Connector.
type ConnectorOptions struct {
	// Logger receives provisioning and health diagnostics.
	Logger logging.Logger
	// Dialer establishes tool-server sessions.
	Dialer Dialer
	// IdleWindow is how long a shared server may sit with zero attachments
	// before the reaper tears it down.
	IdleWindow time.Duration
	// ReaperInterval is the tick of the idle reaper loop.
	ReaperInterval time.Duration
	// HealthInterval is the tick of the health probe loop.
	HealthInterval time.Duration
	// DialTimeout bounds each session establishment.
	DialTimeout time.Duration
	// Credentials resolves a credential name to its value. Defaults to
	// os.Getenv.
	Credentials func(name string) string
}

// Connector manages the shared tool-server pool: lazy creation, sharing up
// to each entry's attachment ceiling, idle reaping and health probing.
// Capability availability is computed once at construction from the
// credential source; it does not track credential changes at runtime.
type Connector struct {
	opts      ConnectorOptions
	available map[core.Capability]bool
	env       map[core.Capability]map[string]string

	mu          sync.Mutex
	servers     map[string]*Server
	sharedByCap map[core.Capability]*Server
	byWorker    map[string][]*Server

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewConnector creates a tool-server connector and starts its reaper and
// health loops.
func NewConnector(optFns ...func(o *ConnectorOptions)) *Connector {
	opts := ConnectorOptions{
		Logger:         logging.NoOpLogger{},
		Dialer:         NewMCPDialer("agentpool", "1.0.0"),
		IdleWindow:     5 * time.Minute,
		ReaperInterval: time.Minute,
		HealthInterval: 30 * time.Second,
		DialTimeout:    30 * time.Second,
		Credentials:    os.Getenv,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	c := &Connector{
		opts:        opts,
		available:   map[core.Capability]bool{},
		env:         map[core.Capability]map[string]string{},
		servers:     map[string]*Server{},
		sharedByCap: map[core.Capability]*Server{},
		byWorker:    map[string][]*Server{},
		done:        make(chan struct{}),
	}

	// Credential gating happens once, here. A capability with a missing
	// required credential stays unavailable for the connector's lifetime.
	for capability, spec := range catalog {
		env := map[string]string{}
		available := true
		for _, name := range spec.RequiredCredentials {
			value := opts.Credentials(name)
			if value == "" {
				available = false
				break
			}
			env[name] = value
		}
		c.available[capability] = available
		if available {
			c.env[capability] = env
		}
		if !available {
			c.opts.Logger.Warn("Tool server capability unavailable, missing credential", "capability", capability)
		}
	}

	c.wg.Add(2)
	go c.reaperLoop()
	go c.healthLoop()

	return c
}

// Available reports whether a capability can be provisioned at all.
func (c *Connector) Available(capability core.Capability) bool {
	return c.available[capability]
}

// ProvisionFor attaches the worker to every capability its profile lists.
// A required capability that cannot be provisioned fails the whole call and
// rolls back the worker's attachments; optional capabilities degrade
// silently with a logged skip.
func (c *Connector) ProvisionFor(ctx context.Context, workerID string, profile core.TypeProfile) error {
	for _, capability := range profile.RequiredCapabilities {
		if err := c.provision(ctx, workerID, capability); err != nil {
			c.opts.Logger.Error("Required tool server provisioning failed", "worker_id", workerID, "capability", capability, "error", err)
			c.Release(workerID)
			return err
		}
	}

	for _, capability := range profile.OptionalCapabilities {
		if err := c.provision(ctx, workerID, capability); err != nil {
			c.opts.Logger.Warn("Skipping optional tool server", "worker_id", workerID, "capability", capability, "error", err)
		}
	}

	return nil
}

func (c *Connector) provision(ctx context.Context, workerID string, capability core.Capability) error {
	spec, ok := SpecFor(capability)
	if !ok {
		return fmt.Errorf("unknown tool server capability %q", capability)
	}
	if !c.available[capability] {
		return fmt.Errorf("%w: %s requires %v", core.ErrMissingCredential, capability, spec.RequiredCredentials)
	}

	if spec.Shared {
		return c.provisionShared(ctx, workerID, spec)
	}
	return c.provisionDedicated(ctx, workerID, spec)
}

func (c *Connector) provisionShared(ctx context.Context, workerID string, spec ServerSpec) error {
	c.mu.Lock()
	srv := c.sharedByCap[spec.Capability]
	if srv != nil {
		if srv.attached(workerID) {
			c.mu.Unlock()
			return nil
		}
		if err := srv.attach(workerID); err != nil {
			c.mu.Unlock()
			return err
		}
		c.byWorker[workerID] = append(c.byWorker[workerID], srv)
		c.mu.Unlock()

		// The entry may still be mid-dial under the first attacher. A
		// required capability must not report provisioned before the
		// session outcome is known.
		if err := srv.awaitReady(ctx); err != nil {
			c.detachOne(workerID, srv)
			return fmt.Errorf("tool server %s: %w", spec.Capability, err)
		}

		c.opts.Logger.Debug("Reusing shared tool server", "worker_id", workerID, "capability", spec.Capability, "server_id", srv.ID())
		return nil
	}

	// Lazily create the entry. The first worker attaches before the dial
	// so concurrent provisioners share the starting entry instead of
	// racing to create a second one; the dial itself runs unlocked.
	srv = newServer(spec)
	_ = srv.attach(workerID)
	c.servers[srv.ID()] = srv
	c.sharedByCap[spec.Capability] = srv
	c.byWorker[workerID] = append(c.byWorker[workerID], srv)
	c.mu.Unlock()

	return c.dial(ctx, srv)
}

func (c *Connector) provisionDedicated(ctx context.Context, workerID string, spec ServerSpec) error {
	srv := newServer(spec)
	_ = srv.attach(workerID)

	c.mu.Lock()
	c.servers[srv.ID()] = srv
	c.byWorker[workerID] = append(c.byWorker[workerID], srv)
	c.mu.Unlock()

	return c.dial(ctx, srv)
}

// dial establishes the server's session. On failure the entry is removed
// again so a later provisioning attempt starts fresh.
func (c *Connector) dial(ctx context.Context, srv *Server) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	session, err := c.opts.Dialer.Dial(dialCtx, srv.spec, c.env[srv.spec.Capability])
	if err != nil {
		c.remove(srv)
		srv.failDial(err)
		_ = srv.close()
		c.opts.Logger.Error("Tool server start failed", "capability", srv.spec.Capability, "server_id", srv.ID(), "error", err)
		return fmt.Errorf("tool server %s: %w", srv.spec.Capability, err)
	}

	srv.setSession(session)
	c.opts.Logger.Info("Tool server started", "capability", srv.spec.Capability, "server_id", srv.ID())
	return nil
}

// Release detaches the worker from every entry. Dedicated entries are torn
// down immediately; shared entries that become empty are left for the
// reaper so a soon-returning worker can reuse them.
func (c *Connector) Release(workerID string) {
	c.mu.Lock()
	servers := c.byWorker[workerID]
	delete(c.byWorker, workerID)
	c.mu.Unlock()

	for _, srv := range servers {
		remaining := srv.detach(workerID)
		if !srv.spec.Shared && remaining == 0 {
			c.remove(srv)
			_ = srv.close()
			c.opts.Logger.Info("Stopped dedicated tool server", "capability", srv.spec.Capability, "server_id", srv.ID())
		}
	}
}

// detachOne undoes a single worker's attachment to one entry without
// touching the worker's other servers.
func (c *Connector) detachOne(workerID string, srv *Server) {
	srv.detach(workerID)

	c.mu.Lock()
	defer c.mu.Unlock()

	list := c.byWorker[workerID]
	filtered := list[:0]
	for _, s := range list {
		if s != srv {
			filtered = append(filtered, s)
		}
	}
	c.byWorker[workerID] = filtered
}

// remove drops the server from all tracking maps.
func (c *Connector) remove(srv *Server) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(srv)
}

func (c *Connector) removeLocked(srv *Server) {
	delete(c.servers, srv.ID())
	if c.sharedByCap[srv.spec.Capability] == srv {
		delete(c.sharedByCap, srv.spec.Capability)
	}
	for workerID, list := range c.byWorker {
		filtered := list[:0]
		for _, s := range list {
			if s != srv {
				filtered = append(filtered, s)
			}
		}
		c.byWorker[workerID] = filtered
	}
}

// List returns snapshots of all pool entries ordered by creation time.
func (c *Connector) List() []core.ServerSnapshot {
	c.mu.Lock()
	servers := make([]*Server, 0, len(c.servers))
	for _, srv := range c.servers {
		servers = append(servers, srv)
	}
	c.mu.Unlock()

	sort.Slice(servers, func(i, j int) bool { return servers[i].createdAt.Before(servers[j].createdAt) })

	snapshots := make([]core.ServerSnapshot, 0, len(servers))
	for _, srv := range servers {
		snapshots = append(snapshots, srv.Snapshot())
	}
	return snapshots
}

// ServersFor returns snapshots of the entries a worker is attached to.
func (c *Connector) ServersFor(workerID string) []core.ServerSnapshot {
	c.mu.Lock()
	servers := append([]*Server(nil), c.byWorker[workerID]...)
	c.mu.Unlock()

	snapshots := make([]core.ServerSnapshot, 0, len(servers))
	for _, srv := range servers {
		snapshots = append(snapshots, srv.Snapshot())
	}
	return snapshots
}

// Shutdown stops the background loops and tears down every server.
func (c *Connector) Shutdown(context.Context) error {
	c.closeOnce.Do(func() { close(c.done) })
	c.wg.Wait()

	c.mu.Lock()
	servers := make([]*Server, 0, len(c.servers))
	for _, srv := range c.servers {
		servers = append(servers, srv)
	}
	c.servers = map[string]*Server{}
	c.sharedByCap = map[core.Capability]*Server{}
	c.byWorker = map[string][]*Server{}
	c.mu.Unlock()

	for _, srv := range servers {
		if err := srv.close(); err != nil {
			c.opts.Logger.Warn("Tool server close failed", "server_id", srv.ID(), "error", err)
		}
	}

	return nil
}

// reaperLoop tears down shared entries that sat empty past the idle window.
func (c *Connector) reaperLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.reap()
		}
	}
}

func (c *Connector) reap() {
	// The reapable check and the map removal share one critical section,
	// so a concurrent attach cannot land on an entry already picked for
	// teardown.
	c.mu.Lock()
	var reaped []*Server
	for _, srv := range c.servers {
		if srv.spec.Shared && srv.reapable(c.opts.IdleWindow) {
			reaped = append(reaped, srv)
		}
	}
	for _, srv := range reaped {
		c.removeLocked(srv)
	}
	c.mu.Unlock()

	for _, srv := range reaped {
		_ = srv.close()
		c.opts.Logger.Info("Reaped idle tool server", "capability", srv.spec.Capability, "server_id", srv.ID())
	}
}

// healthLoop pings every established session. A failing entry is marked
// unhealthy and excluded from new provisioning; already-attached workers
// keep their sessions. A later successful ping brings it back.
func (c *Connector) healthLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.probeAll()
		}
	}
}

func (c *Connector) probeAll() {
	c.mu.Lock()
	servers := make([]*Server, 0, len(c.servers))
	for _, srv := range c.servers {
		servers = append(servers, srv)
	}
	c.mu.Unlock()

	for _, srv := range servers {
		session, status := srv.currentSession()
		if session == nil || status == StatusStarting || status == StatusStopped {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := session.Ping(ctx)
		cancel()

		switch {
		case err != nil && status == StatusRunning:
			srv.setStatus(StatusUnhealthy)
			c.opts.Logger.Warn("Tool server failed health probe", "capability", srv.spec.Capability, "server_id", srv.ID(), "error", err)
		case err == nil && status == StatusUnhealthy:
			srv.setStatus(StatusRunning)
			c.opts.Logger.Info("Tool server recovered", "capability", srv.spec.Capability, "server_id", srv.ID())
		}
	}
}
