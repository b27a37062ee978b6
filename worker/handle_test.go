package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hupe1980/agentpool/core"
	"github.com/hupe1980/agentpool/runtime"
	"github.com/hupe1980/agentpool/toolserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastOpts(extra ...func(o *Options)) []func(o *Options) {
	base := func(o *Options) {
		o.WorkRoot = "" // set per test
		o.StartTimeout = time.Second
		o.HealthInterval = 10 * time.Millisecond
		o.IdleInterval = 10 * time.Millisecond
		o.IdleTimeout = time.Hour
		o.RecoveryBackoffBase = time.Millisecond
	}
	return append([]func(o *Options){base}, extra...)
}

func newTestHandle(t *testing.T, launcher runtime.Launcher, extra ...func(o *Options)) *Handle {
	t.Helper()

	workRoot := t.TempDir()
	opts := fastOpts(extra...)
	opts = append(opts, func(o *Options) {
		if o.WorkRoot == "" {
			o.WorkRoot = workRoot
		}
	})

	h := New(core.NewID(), core.ProfileFor(core.TypeGeneral), launcher, nil, opts...)
	t.Cleanup(func() { _ = h.Stop(context.Background()) })

	return h
}

func TestStartAndSend(t *testing.T) {
	launcher := runtime.NewMockLauncher()
	launcher.AddResponse("hello", "hi there")

	h := newTestHandle(t, launcher)

	require.NoError(t, h.Start(context.Background()))
	assert.Equal(t, core.StateRunning, h.State())

	reply, err := h.Send(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "hi there", reply)

	snap := h.Snapshot()
	assert.Equal(t, 1, snap.MessagesCount)
	assert.Equal(t, core.TypeGeneral, snap.Type)

	transcript := h.Transcript()
	require.Len(t, transcript, 1)
	assert.Equal(t, "hello", transcript[0].User)
	assert.Equal(t, "hi there", transcript[0].Assistant)
}

func TestStartFailure(t *testing.T) {
	launcher := runtime.NewMockLauncher()
	launcher.SetLaunchError(errors.New("binary not found"))

	h := newTestHandle(t, launcher)

	err := h.Start(context.Background())
	require.Error(t, err)

	var startErr *core.StartError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, h.ID(), startErr.WorkerID)
	assert.Equal(t, core.StateError, h.State())
}

func TestStartProvisioningFailure(t *testing.T) {
	connector := toolserver.NewConnector(func(o *toolserver.ConnectorOptions) {
		o.Credentials = func(string) string { return "" }
	})
	t.Cleanup(func() { _ = connector.Shutdown(context.Background()) })

	profile := core.TypeProfile{
		Type:                 core.TypeCustom,
		Instructions:         "You are a test worker.",
		RequiredCapabilities: []core.Capability{core.CapabilitySearch},
	}

	workRoot := t.TempDir()
	h := New(core.NewID(), profile, runtime.NewMockLauncher(), connector, func(o *Options) {
		o.WorkRoot = workRoot
		o.StartTimeout = time.Second
	})
	t.Cleanup(func() { _ = h.Stop(context.Background()) })

	err := h.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrMissingCredential)
	assert.Equal(t, core.StateError, h.State())
}

func TestSendBeforeStart(t *testing.T) {
	h := newTestHandle(t, runtime.NewMockLauncher())

	_, err := h.Send(context.Background(), "hello", nil)
	require.Error(t, err)

	var notRunning *core.NotRunningError
	require.ErrorAs(t, err, &notRunning)
	assert.Equal(t, core.StateStarting, notRunning.State)
}

func TestStopIdempotent(t *testing.T) {
	launcher := runtime.NewMockLauncher()
	h := newTestHandle(t, launcher)

	require.NoError(t, h.Start(context.Background()))
	require.NoError(t, h.Stop(context.Background()))
	assert.Equal(t, core.StateStopped, h.State())

	// A second stop is a no-op returning success.
	require.NoError(t, h.Stop(context.Background()))
	assert.Equal(t, core.StateStopped, h.State())

	_, err := h.Send(context.Background(), "hello", nil)
	var notRunning *core.NotRunningError
	require.ErrorAs(t, err, &notRunning)
}

func TestIdleSweepAndRestartOnDemand(t *testing.T) {
	launcher := runtime.NewMockLauncher()
	launcher.AddResponse("ping", "pong")

	h := newTestHandle(t, launcher, func(o *Options) {
		o.IdleTimeout = 5 * time.Millisecond
	})

	require.NoError(t, h.Start(context.Background()))
	id := h.ID()

	assert.Eventually(t, func() bool {
		return h.State() == core.StateIdle
	}, time.Second, 5*time.Millisecond)

	// The process was released, not the handle.
	assert.Equal(t, 1, launcher.Launches())
	assert.False(t, launcher.Runtimes()[0].Alive())

	reply, err := h.Send(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", reply)

	assert.Equal(t, core.StateRunning, h.State())
	assert.Equal(t, id, h.ID())
	assert.Equal(t, 2, launcher.Launches())
}

func TestHealthRecovery(t *testing.T) {
	launcher := runtime.NewMockLauncher()
	h := newTestHandle(t, launcher)

	require.NoError(t, h.Start(context.Background()))
	launcher.Runtimes()[0].Kill()

	assert.Eventually(t, func() bool {
		return h.State() == core.StateRunning && launcher.Launches() >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestRecoveryExhausted(t *testing.T) {
	launcher := runtime.NewMockLauncher()
	h := newTestHandle(t, launcher)

	require.NoError(t, h.Start(context.Background()))

	launcher.SetLaunchError(errors.New("no more processes"))
	launcher.Runtimes()[0].Kill()

	assert.Eventually(t, func() bool {
		return h.State() == core.StateError
	}, time.Second, 5*time.Millisecond)

	// One original launch plus exactly the bounded recovery attempts,
	// never a further automatic restart.
	attempts := launcher.Launches()
	assert.Equal(t, 4, attempts)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, attempts, launcher.Launches())

	_, err := h.Send(context.Background(), "hello", nil)
	var notRunning *core.NotRunningError
	require.ErrorAs(t, err, &notRunning)
	assert.Equal(t, core.StateError, notRunning.State)
}

func TestSendDuringRecoveryFailsFast(t *testing.T) {
	launcher := runtime.NewMockLauncher()
	h := newTestHandle(t, launcher, func(o *Options) {
		o.HealthInterval = 5 * time.Millisecond
		o.RecoveryBackoffBase = 200 * time.Millisecond
	})

	require.NoError(t, h.Start(context.Background()))

	launcher.SetLaunchError(errors.New("no more processes"))
	launcher.Runtimes()[0].Kill()

	require.Eventually(t, func() bool {
		return h.State() == core.StateRecovering
	}, time.Second, time.Millisecond)

	// A send against a recovering worker fails immediately instead of
	// queueing behind the backoff sequence.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := h.Send(ctx, "hello", nil)
	elapsed := time.Since(start)

	var notRunning *core.NotRunningError
	require.ErrorAs(t, err, &notRunning)
	assert.Equal(t, core.StateRecovering, notRunning.State)
	assert.Less(t, elapsed, 150*time.Millisecond)
}

func TestFailedSendConsumesNoTurnOrDemand(t *testing.T) {
	launcher := runtime.NewMockLauncher()
	launcher.AddResponse("ping", "pong")

	demand := 0
	h := newTestHandle(t, launcher, func(o *Options) {
		o.MaxTurns = 1
		o.OnDemand = func() { demand++ }
	})

	require.NoError(t, h.Start(context.Background()))

	rt := launcher.Runtimes()[0]
	rt.SetSendError(errors.New("broken pipe"))

	_, err := h.Send(context.Background(), "ping", nil)
	require.Error(t, err)
	assert.Equal(t, 0, demand)

	// The failed exchange left the single turn unconsumed.
	rt.SetSendError(nil)
	reply, err := h.Send(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", reply)
	assert.Equal(t, 1, demand)
	assert.Equal(t, 1, h.Snapshot().MessagesCount)
}

func TestTurnLimit(t *testing.T) {
	launcher := runtime.NewMockLauncher()
	h := newTestHandle(t, launcher, func(o *Options) {
		o.MaxTurns = 1
	})

	require.NoError(t, h.Start(context.Background()))

	_, err := h.Send(context.Background(), "first", nil)
	require.NoError(t, err)

	_, err = h.Send(context.Background(), "second", nil)
	assert.ErrorIs(t, err, core.ErrTurnLimit)
}

func TestDemandEvents(t *testing.T) {
	launcher := runtime.NewMockLauncher()

	demand := 0
	h := newTestHandle(t, launcher, func(o *Options) {
		o.OnDemand = func() { demand++ }
	})

	require.NoError(t, h.Start(context.Background()))

	_, err := h.Send(context.Background(), "one", nil)
	require.NoError(t, err)
	_, err = h.Send(context.Background(), "two", nil)
	require.NoError(t, err)

	assert.Equal(t, 2, demand)
}

func TestInstructionRendering(t *testing.T) {
	launcher := runtime.NewMockLauncher()

	profile := core.ProfileFor(core.TypeGeneral)
	profile.Instructions = "You are worker {{.ID}} of type {{.Type}}."

	workRoot := t.TempDir()
	h := New("worker-42", profile, launcher, nil, func(o *Options) {
		o.WorkRoot = workRoot
		o.StartTimeout = time.Second
	})
	t.Cleanup(func() { _ = h.Stop(context.Background()) })

	require.NoError(t, h.Start(context.Background()))

	spec := launcher.Runtimes()[0].Spec()
	assert.Equal(t, "You are worker worker-42 of type general.", spec.Instructions)
	assert.Contains(t, spec.WorkDir, "worker-42")
}
