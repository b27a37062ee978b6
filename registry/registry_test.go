package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hupe1980/agentpool/core"
	"github.com/hupe1980/agentpool/runtime"
	"github.com/hupe1980/agentpool/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, launcher runtime.Launcher, optFns ...func(o *Options)) *Registry {
	t.Helper()

	workRoot := t.TempDir()
	base := func(o *Options) {
		o.MaxWorkers = 100
		o.WorkerOptFns = []func(wo *worker.Options){
			func(wo *worker.Options) {
				wo.WorkRoot = workRoot
				wo.StartTimeout = time.Second
				wo.HealthInterval = time.Hour
				wo.IdleInterval = time.Hour
			},
		}
	}

	r := New(launcher, nil, append([]func(o *Options){base}, optFns...)...)
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })

	return r
}

func TestCreateVisibleInListAndGet(t *testing.T) {
	r := newTestRegistry(t, runtime.NewMockLauncher())

	id, err := r.Create(context.Background(), DefaultConfig(core.TypeResearch))
	require.NoError(t, err)

	h, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, core.StateRunning, h.State())

	snapshots := r.List()
	require.Len(t, snapshots, 1)
	assert.Equal(t, id, snapshots[0].ID)
	assert.Equal(t, core.TypeResearch, snapshots[0].Type)
}

func TestCreateRejectsUnknownType(t *testing.T) {
	r := newTestRegistry(t, runtime.NewMockLauncher())

	_, err := r.Create(context.Background(), DefaultConfig(core.WorkerType("research-code-hybrid")))
	require.Error(t, err)
	assert.Equal(t, 0, r.Size())
}

func TestCreateCapacityExceeded(t *testing.T) {
	r := newTestRegistry(t, runtime.NewMockLauncher(), func(o *Options) {
		o.MaxWorkers = 2
	})

	_, err := r.Create(context.Background(), DefaultConfig(core.TypeGeneral))
	require.NoError(t, err)
	_, err = r.Create(context.Background(), DefaultConfig(core.TypeGeneral))
	require.NoError(t, err)

	_, err = r.Create(context.Background(), DefaultConfig(core.TypeGeneral))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrCapacityExceeded)
	assert.Equal(t, 2, r.Size())
}

func TestCreateFailedStartLeavesNoOrphan(t *testing.T) {
	launcher := runtime.NewMockLauncher()
	launcher.SetLaunchError(errors.New("spawn failed"))

	r := newTestRegistry(t, launcher)

	_, err := r.Create(context.Background(), DefaultConfig(core.TypeGeneral))
	require.Error(t, err)

	var startErr *core.StartError
	assert.ErrorAs(t, err, &startErr)
	assert.Equal(t, 0, r.Size())
	assert.Empty(t, r.List())
}

func TestDeleteRemovesWorker(t *testing.T) {
	r := newTestRegistry(t, runtime.NewMockLauncher())

	id, err := r.Create(context.Background(), DefaultConfig(core.TypeGeneral))
	require.NoError(t, err)

	require.NoError(t, r.Delete(context.Background(), id))

	_, err = r.Get(id)
	assert.ErrorIs(t, err, core.ErrNotFound)

	err = r.Delete(context.Background(), id)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestQueryDeletesTransientWorker(t *testing.T) {
	launcher := runtime.NewMockLauncher()
	launcher.AddResponse("what is the answer", "42")

	r := newTestRegistry(t, launcher)

	reply, err := r.Query(context.Background(), "what is the answer", core.TypeGeneral)
	require.NoError(t, err)
	assert.Equal(t, "42", reply)
	assert.Equal(t, 0, r.Size())
}

// brokenSendLauncher produces runtimes whose Send always fails.
type brokenSendLauncher struct {
	*runtime.MockLauncher
}

func (l *brokenSendLauncher) Launch(ctx context.Context, spec runtime.LaunchSpec) (runtime.Runtime, error) {
	rt, err := l.MockLauncher.Launch(ctx, spec)
	if err != nil {
		return nil, err
	}
	rt.(*runtime.MockRuntime).SetSendError(errors.New("channel broken"))
	return rt, nil
}

func TestQueryCleansUpOnSendFailure(t *testing.T) {
	r := newTestRegistry(t, &brokenSendLauncher{runtime.NewMockLauncher()})

	_, err := r.Query(context.Background(), "hello", core.TypeGeneral)
	require.Error(t, err)
	assert.Equal(t, 0, r.Size())
}

func TestShutdownStopsAllWorkers(t *testing.T) {
	r := newTestRegistry(t, runtime.NewMockLauncher())

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := r.Create(context.Background(), DefaultConfig(core.TypeGeneral))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	handles := make([]*worker.Handle, 0, len(ids))
	for _, id := range ids {
		h, err := r.Get(id)
		require.NoError(t, err)
		handles = append(handles, h)
	}

	require.NoError(t, r.Shutdown(context.Background()))
	assert.Equal(t, 0, r.Size())
	for _, h := range handles {
		assert.Equal(t, core.StateStopped, h.State())
	}
}

func TestCreateWithoutAutoStart(t *testing.T) {
	r := newTestRegistry(t, runtime.NewMockLauncher())

	id, err := r.Create(context.Background(), Config{Type: core.TypeGeneral})
	require.NoError(t, err)

	h, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, core.StateStarting, h.State())

	require.NoError(t, h.Start(context.Background()))
	assert.Equal(t, core.StateRunning, h.State())
}

func TestEndToEndResearchWorker(t *testing.T) {
	launcher := runtime.NewMockLauncher()
	launcher.AddResponse("summarize the findings", "The findings indicate a strong upward trend.")

	r := newTestRegistry(t, launcher)

	id, err := r.Create(context.Background(), DefaultConfig(core.TypeResearch))
	require.NoError(t, err)

	h, err := r.Get(id)
	require.NoError(t, err)

	reply, err := h.Send(context.Background(), "summarize the findings", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, reply)

	require.NoError(t, r.Delete(context.Background(), id))

	_, err = r.Get(id)
	assert.ErrorIs(t, err, core.ErrNotFound)
}
