package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hupe1980/agentpool/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatMessage(t *testing.T) {
	assert.Equal(t, "hello", FormatMessage(Request{Message: "hello"}))

	msg := FormatMessage(Request{
		Message: "hello",
		Context: map[string]string{"b": "2", "a": "1"},
	})
	// Keys render in deterministic sorted order.
	assert.Equal(t, "Context:\na: 1\nb: 2\n\nMessage: hello", msg)
}

func TestDrain(t *testing.T) {
	stream := &sliceStream{segments: []core.Segment{
		core.TextSegment{Text: "a"},
		core.TextSegment{Text: "b"},
		core.ResultSegment{Turns: 1},
	}}
	segments, err := Drain(stream)
	require.NoError(t, err)
	require.Len(t, segments, 3)
	assert.Equal(t, "ab", core.CollectText(segments))
}

type blockingStream struct{ release chan struct{} }

func (s *blockingStream) Next() (core.Segment, error) {
	<-s.release
	return nil, errors.New("released")
}

func (s *blockingStream) Close() error { return nil }

func TestDrainContextTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	stream := &blockingStream{release: make(chan struct{})}
	defer close(stream.release)

	_, err := DrainContext(ctx, stream)
	assert.ErrorIs(t, err, core.ErrTimeout)
}

func TestProcessStreamSkipsUnknownFrames(t *testing.T) {
	var sb strings.Builder
	// A long run of unrecognized frames must not fail the exchange or
	// grow resources per skipped frame.
	for i := 0; i < 5000; i++ {
		sb.WriteString(`{"type":"telemetry","detail":"ignored"}` + "\n")
	}
	sb.WriteString(`{"type":"text","text":"hello"}` + "\n")
	sb.WriteString(`{"type":"result","num_turns":1}` + "\n")

	stream := &processStream{rt: &processRuntime{dec: json.NewDecoder(strings.NewReader(sb.String()))}}

	segments, err := Drain(stream)
	require.NoError(t, err)
	require.Len(t, segments, 2)
	assert.Equal(t, "hello", core.CollectText(segments))
	_, ok := segments[1].(core.ResultSegment)
	assert.True(t, ok)
}

func TestMockLauncher(t *testing.T) {
	launcher := NewMockLauncher()
	launcher.AddResponse("ping", "pong")

	rt, err := launcher.Launch(context.Background(), LaunchSpec{WorkerID: "w1"})
	require.NoError(t, err)
	assert.True(t, rt.Alive())
	assert.Equal(t, 1, launcher.Launches())

	stream, err := rt.Send(context.Background(), Request{Message: "ping"})
	require.NoError(t, err)
	segments, err := Drain(stream)
	require.NoError(t, err)
	assert.Equal(t, "pong", core.CollectText(segments))

	// Terminal segment present.
	_, ok := segments[len(segments)-1].(core.ResultSegment)
	assert.True(t, ok)

	require.NoError(t, rt.Close(context.Background()))
	assert.False(t, rt.Alive())

	_, err = rt.Send(context.Background(), Request{Message: "ping"})
	assert.Error(t, err)
}

func TestMockLauncherLaunchError(t *testing.T) {
	launcher := NewMockLauncher()
	launcher.SetLaunchError(errors.New("boom"))
	_, err := launcher.Launch(context.Background(), LaunchSpec{})
	assert.Error(t, err)

	launcher.SetLaunchError(nil)
	_, err = launcher.Launch(context.Background(), LaunchSpec{})
	assert.NoError(t, err)
}

func TestMockRuntimeKill(t *testing.T) {
	launcher := NewMockLauncher()
	rt, err := launcher.Launch(context.Background(), LaunchSpec{WorkerID: "w1"})
	require.NoError(t, err)

	mock := rt.(*MockRuntime)
	mock.Kill()
	assert.False(t, rt.Alive())
}

func TestIsolatedEnv(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")
	t.Setenv("AGENTPOOL_SECRET", "leak")

	env := isolatedEnv(map[string]string{"FOO": "bar"})
	assert.Contains(t, env, "PATH=/usr/bin")
	assert.Contains(t, env, "FOO=bar")
	assert.NotContains(t, env, "AGENTPOOL_SECRET=leak")
}
