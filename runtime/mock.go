package runtime

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/hupe1980/agentpool/core"
)

// MockLauncher is a lightweight in-memory Launcher useful for tests and
// examples. Responses are canned per message; unmatched messages yield a
// deterministic echo.
type MockLauncher struct {
	mu        sync.Mutex
	launchErr error
	responses map[string]string
	runtimes  []*MockRuntime
	launches  int
}

// NewMockLauncher constructs an empty MockLauncher.
func NewMockLauncher() *MockLauncher {
	return &MockLauncher{responses: make(map[string]string)}
}

// AddResponse registers a deterministic canned reply for an input message.
func (l *MockLauncher) AddResponse(message, response string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.responses[message] = response
}

// SetLaunchError makes subsequent Launch calls fail with err (nil clears).
func (l *MockLauncher) SetLaunchError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launchErr = err
}

// Launch implements Launcher.
func (l *MockLauncher) Launch(_ context.Context, spec LaunchSpec) (Runtime, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches++
	if l.launchErr != nil {
		return nil, l.launchErr
	}
	rt := &MockRuntime{spec: spec, alive: true, launcher: l}
	l.runtimes = append(l.runtimes, rt)
	return rt, nil
}

// Launches returns how many Launch calls were made, including failed ones.
func (l *MockLauncher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

// Runtimes returns all runtimes created so far, in launch order.
func (l *MockLauncher) Runtimes() []*MockRuntime {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*MockRuntime, len(l.runtimes))
	copy(out, l.runtimes)
	return out
}

func (l *MockLauncher) lookup(message string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.responses[message]
	return r, ok
}

// MockRuntime is the Runtime produced by MockLauncher.
type MockRuntime struct {
	mu       sync.Mutex
	spec     LaunchSpec
	alive    bool
	sendErr  error
	sent     []string
	launcher *MockLauncher
}

// Spec returns the LaunchSpec this runtime was created with.
func (r *MockRuntime) Spec() LaunchSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spec
}

// SetSendError makes subsequent Send calls fail with err (nil clears).
func (r *MockRuntime) SetSendError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendErr = err
}

// Kill simulates an unexpected process death: Alive flips to false without a
// Close call.
func (r *MockRuntime) Kill() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alive = false
}

// Sent returns every message received, in order.
func (r *MockRuntime) Sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.sent))
	copy(out, r.sent)
	return out
}

// Send implements Runtime.
func (r *MockRuntime) Send(_ context.Context, req Request) (Stream, error) {
	r.mu.Lock()
	if !r.alive {
		r.mu.Unlock()
		return nil, fmt.Errorf("mock runtime for worker %s is not alive", r.spec.WorkerID)
	}
	if r.sendErr != nil {
		err := r.sendErr
		r.mu.Unlock()
		return nil, err
	}
	message := FormatMessage(req)
	r.sent = append(r.sent, message)
	r.mu.Unlock()

	reply, ok := r.launcher.lookup(req.Message)
	if !ok {
		reply = fmt.Sprintf("Mock response to: %s", req.Message)
	}

	return &sliceStream{segments: []core.Segment{
		core.TextSegment{Text: reply},
		core.ResultSegment{Turns: 1},
	}}, nil
}

// Alive implements Runtime.
func (r *MockRuntime) Alive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alive
}

// Close implements Runtime.
func (r *MockRuntime) Close(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alive = false
	return nil
}

// sliceStream replays a fixed segment slice.
type sliceStream struct {
	segments []core.Segment
	i        int
}

// Next implements Stream.
func (s *sliceStream) Next() (core.Segment, error) {
	if s.i >= len(s.segments) {
		return nil, io.EOF
	}
	seg := s.segments[s.i]
	s.i++
	return seg, nil
}

// Close implements Stream.
func (s *sliceStream) Close() error {
	s.i = len(s.segments)
	return nil
}
