package toolserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/agentpool/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDialer hands out in-memory sessions and counts dials per capability.
type fakeDialer struct {
	mu       sync.Mutex
	dials    map[core.Capability]int
	dialErr  error
	pingErr  error
	sessions []*fakeSession
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dials: map[core.Capability]int{}}
}

func (d *fakeDialer) Dial(_ context.Context, spec ServerSpec, _ map[string]string) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials[spec.Capability]++
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	s := &fakeSession{dialer: d}
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *fakeDialer) dialCount(c core.Capability) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[c]
}

type fakeSession struct {
	dialer *fakeDialer

	mu     sync.Mutex
	closed bool
}

func (s *fakeSession) Ping(context.Context) error {
	s.dialer.mu.Lock()
	defer s.dialer.mu.Unlock()
	return s.dialer.pingErr
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func newTestConnector(t *testing.T, optFns ...func(o *ConnectorOptions)) (*Connector, *fakeDialer) {
	t.Helper()

	dialer := newFakeDialer()
	base := func(o *ConnectorOptions) {
		o.Dialer = dialer
		o.Credentials = func(string) string { return "test-credential" }
		// Keep the background loops quiet during tests.
		o.ReaperInterval = time.Hour
		o.HealthInterval = time.Hour
	}

	c := NewConnector(append([]func(o *ConnectorOptions){base}, optFns...)...)
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })

	return c, dialer
}

func profileWith(required, optional []core.Capability) core.TypeProfile {
	return core.TypeProfile{
		Type:                 core.TypeCustom,
		RequiredCapabilities: required,
		OptionalCapabilities: optional,
	}
}

func TestProvisionSharedReuse(t *testing.T) {
	c, dialer := newTestConnector(t)

	profile := profileWith([]core.Capability{core.CapabilityFilesystem}, nil)

	require.NoError(t, c.ProvisionFor(context.Background(), "worker-1", profile))
	require.NoError(t, c.ProvisionFor(context.Background(), "worker-2", profile))

	assert.Equal(t, 1, dialer.dialCount(core.CapabilityFilesystem))

	snapshots := c.List()
	require.Len(t, snapshots, 1)
	assert.Equal(t, core.CapabilityFilesystem, snapshots[0].Capability)
	assert.Equal(t, 2, snapshots[0].AttachmentCount)
	assert.Equal(t, "running", snapshots[0].Status)
}

func TestProvisionDedicatedPerWorker(t *testing.T) {
	c, dialer := newTestConnector(t)

	profile := profileWith([]core.Capability{core.CapabilityBrowser}, nil)

	require.NoError(t, c.ProvisionFor(context.Background(), "worker-1", profile))
	require.NoError(t, c.ProvisionFor(context.Background(), "worker-2", profile))

	assert.Equal(t, 2, dialer.dialCount(core.CapabilityBrowser))
	assert.Len(t, c.List(), 2)

	// Dedicated entries go down with their worker.
	c.Release("worker-1")
	assert.Len(t, c.List(), 1)
}

func TestProvisionPoolFull(t *testing.T) {
	c, _ := newTestConnector(t)

	profile := profileWith([]core.Capability{core.CapabilitySlack}, nil)

	spec, ok := SpecFor(core.CapabilitySlack)
	require.True(t, ok)

	for i := 0; i < spec.MaxAttachments; i++ {
		require.NoError(t, c.ProvisionFor(context.Background(), fmt.Sprintf("worker-%d", i), profile))
	}

	err := c.ProvisionFor(context.Background(), "worker-overflow", profile)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrPoolFull)

	// Releasing one attachment frees exactly one slot.
	c.Release("worker-0")
	assert.NoError(t, c.ProvisionFor(context.Background(), "worker-overflow", profile))
}

func TestProvisionMissingCredential(t *testing.T) {
	c, _ := newTestConnector(t, func(o *ConnectorOptions) {
		o.Credentials = func(string) string { return "" }
	})

	required := profileWith([]core.Capability{core.CapabilitySearch}, nil)
	err := c.ProvisionFor(context.Background(), "worker-1", required)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrMissingCredential)
	assert.False(t, c.Available(core.CapabilitySearch))

	// The same capability degrades silently when optional.
	optional := profileWith([]core.Capability{core.CapabilityFilesystem}, []core.Capability{core.CapabilitySearch})
	require.NoError(t, c.ProvisionFor(context.Background(), "worker-2", optional))
	assert.Len(t, c.ServersFor("worker-2"), 1)
}

func TestProvisionRequiredDialFailureRollsBack(t *testing.T) {
	c, dialer := newTestConnector(t)
	dialer.dialErr = errors.New("spawn failed")

	profile := profileWith([]core.Capability{core.CapabilityFilesystem}, nil)

	err := c.ProvisionFor(context.Background(), "worker-1", profile)
	require.Error(t, err)

	assert.Empty(t, c.List())
	assert.Empty(t, c.ServersFor("worker-1"))
}

func TestReleaseMarksSharedIdle(t *testing.T) {
	c, _ := newTestConnector(t)

	profile := profileWith([]core.Capability{core.CapabilityMemory}, nil)
	require.NoError(t, c.ProvisionFor(context.Background(), "worker-1", profile))

	c.Release("worker-1")

	snapshots := c.List()
	require.Len(t, snapshots, 1)
	assert.Equal(t, 0, snapshots[0].AttachmentCount)
	require.NotNil(t, snapshots[0].IdleSince)
}

// gatedDialer blocks every dial until the gate is released, exposing the
// mid-dial window to tests.
type gatedDialer struct {
	gate    chan struct{}
	dialErr error
}

func (d *gatedDialer) Dial(context.Context, ServerSpec, map[string]string) (Session, error) {
	<-d.gate
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	return &fakeSession{dialer: &fakeDialer{}}, nil
}

func newGatedConnector(t *testing.T, dialer *gatedDialer) *Connector {
	t.Helper()

	c := NewConnector(func(o *ConnectorOptions) {
		o.Dialer = dialer
		o.Credentials = func(string) string { return "x" }
		o.ReaperInterval = time.Hour
		o.HealthInterval = time.Hour
	})
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })

	return c
}

func TestSharedAttachWaitsForDialFailure(t *testing.T) {
	dialer := &gatedDialer{gate: make(chan struct{}), dialErr: errors.New("spawn failed")}
	c := newGatedConnector(t, dialer)

	profile := profileWith([]core.Capability{core.CapabilityFilesystem}, nil)

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for _, id := range []string{"worker-1", "worker-2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			errs <- c.ProvisionFor(context.Background(), id, profile)
		}(id)
	}

	// Both workers are attached to the same starting entry before the
	// dial settles.
	require.Eventually(t, func() bool {
		snapshots := c.List()
		return len(snapshots) == 1 && snapshots[0].AttachmentCount == 2
	}, time.Second, time.Millisecond)

	close(dialer.gate)
	wg.Wait()
	close(errs)

	// Neither worker may report a required capability as provisioned.
	for err := range errs {
		assert.Error(t, err)
	}
	assert.Empty(t, c.List())
	assert.Empty(t, c.ServersFor("worker-1"))
	assert.Empty(t, c.ServersFor("worker-2"))
}

func TestSharedAttachMidDialSharesSession(t *testing.T) {
	dialer := &gatedDialer{gate: make(chan struct{})}
	c := newGatedConnector(t, dialer)

	profile := profileWith([]core.Capability{core.CapabilityFilesystem}, nil)

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for _, id := range []string{"worker-1", "worker-2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			errs <- c.ProvisionFor(context.Background(), id, profile)
		}(id)
	}

	require.Eventually(t, func() bool {
		snapshots := c.List()
		return len(snapshots) == 1 && snapshots[0].AttachmentCount == 2
	}, time.Second, time.Millisecond)

	close(dialer.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}

	snapshots := c.List()
	require.Len(t, snapshots, 1)
	assert.Equal(t, "running", snapshots[0].Status)
	assert.Equal(t, 2, snapshots[0].AttachmentCount)
}

func TestReapSkipsConcurrentlyReattachedServer(t *testing.T) {
	c, _ := newTestConnector(t, func(o *ConnectorOptions) {
		o.IdleWindow = time.Nanosecond
	})

	profile := profileWith([]core.Capability{core.CapabilityMemory}, nil)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				c.reap()
			}
		}
	}()

	for i := 0; i < 200; i++ {
		require.NoError(t, c.ProvisionFor(context.Background(), "worker-1", profile))
		// A fresh attachment must never sit on a torn-down entry.
		for _, snap := range c.ServersFor("worker-1") {
			assert.NotEqual(t, "stopped", snap.Status)
		}
		c.Release("worker-1")
	}
	close(stop)
	<-done
}

func TestReaperTearsDownIdleShared(t *testing.T) {
	c, _ := newTestConnector(t, func(o *ConnectorOptions) {
		o.IdleWindow = 10 * time.Millisecond
	})

	profile := profileWith([]core.Capability{core.CapabilityMemory}, nil)
	require.NoError(t, c.ProvisionFor(context.Background(), "worker-1", profile))
	c.Release("worker-1")

	assert.Eventually(t, func() bool {
		time.Sleep(time.Millisecond)
		c.reap()
		return len(c.List()) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestHealthProbeMarksUnhealthyAndRecovers(t *testing.T) {
	c, dialer := newTestConnector(t)

	profile := profileWith([]core.Capability{core.CapabilityFilesystem}, nil)
	require.NoError(t, c.ProvisionFor(context.Background(), "worker-1", profile))

	dialer.mu.Lock()
	dialer.pingErr = errors.New("ping timeout")
	dialer.mu.Unlock()

	c.probeAll()

	snapshots := c.List()
	require.Len(t, snapshots, 1)
	assert.Equal(t, "unhealthy", snapshots[0].Status)

	// Unhealthy entries are excluded from new provisioning; the attached
	// worker keeps its session.
	err := c.ProvisionFor(context.Background(), "worker-2", profile)
	require.Error(t, err)
	assert.Len(t, c.ServersFor("worker-1"), 1)

	dialer.mu.Lock()
	dialer.pingErr = nil
	dialer.mu.Unlock()

	c.probeAll()
	assert.Equal(t, "running", c.List()[0].Status)

	require.NoError(t, c.ProvisionFor(context.Background(), "worker-2", profile))
}

func TestShutdownClosesAllSessions(t *testing.T) {
	dialer := newFakeDialer()
	c := NewConnector(func(o *ConnectorOptions) {
		o.Dialer = dialer
		o.Credentials = func(string) string { return "x" }
		o.ReaperInterval = time.Hour
		o.HealthInterval = time.Hour
	})

	profile := profileWith([]core.Capability{core.CapabilityFilesystem, core.CapabilityMemory}, nil)
	require.NoError(t, c.ProvisionFor(context.Background(), "worker-1", profile))

	require.NoError(t, c.Shutdown(context.Background()))
	assert.Empty(t, c.List())

	for _, s := range dialer.sessions {
		s.mu.Lock()
		assert.True(t, s.closed)
		s.mu.Unlock()
	}
}
