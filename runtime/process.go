package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hupe1980/agentpool/core"
	"github.com/hupe1980/agentpool/logging"
)

// ProcessLauncherOptions configures a ProcessLauncher.
type ProcessLauncherOptions struct {
	// StopGrace is the window between the graceful termination signal and
	// the forced kill.
	StopGrace time.Duration
	// Logger receives process lifecycle diagnostics.
	Logger logging.Logger
}

// ProcessLauncher launches one isolated runtime process per worker and talks
// newline-delimited JSON over its stdio. The launched binary is expected to
// read an init message followed by user messages on stdin and emit segment
// messages on stdout, closing each response with a result message.
type ProcessLauncher struct {
	command string
	args    []string
	opts    ProcessLauncherOptions
}

// NewProcessLauncher constructs a launcher for the given runtime binary.
func NewProcessLauncher(command string, args []string, optFns ...func(o *ProcessLauncherOptions)) *ProcessLauncher {
	opts := ProcessLauncherOptions{
		StopGrace: 5 * time.Second,
		Logger:    logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &ProcessLauncher{command: command, args: args, opts: opts}
}

// Launch spawns the runtime process for one worker. The process is placed in
// its own process group so descendants can be terminated together, and its
// environment contains only a minimal base plus the spec's entries.
func (l *ProcessLauncher) Launch(ctx context.Context, spec LaunchSpec) (Runtime, error) {
	path, err := exec.LookPath(l.command)
	if err != nil {
		return nil, fmt.Errorf("runtime binary %q not found in PATH: %w", l.command, err)
	}

	cmd := exec.Command(path, l.args...)
	cmd.Dir = spec.WorkDir
	cmd.Env = isolatedEnv(spec.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start runtime process: %w", err)
	}

	rt := &processRuntime{
		workerID: spec.WorkerID,
		cmd:      cmd,
		stdin:    stdin,
		dec:      json.NewDecoder(stdout),
		grace:    l.opts.StopGrace,
		logger:   l.opts.Logger,
		waitCh:   make(chan error, 1),
	}
	go func() { rt.waitCh <- cmd.Wait() }()

	init := wireMessage{
		Type:         "init",
		WorkerID:     spec.WorkerID,
		Instructions: spec.Instructions,
		AllowedTools: spec.AllowedTools,
		Policy:       string(spec.Policy),
		MaxTurns:     spec.MaxTurns,
	}
	if err := rt.write(ctx, init); err != nil {
		_ = rt.Close(context.Background())
		return nil, fmt.Errorf("runtime init handshake: %w", err)
	}

	return rt, nil
}

// isolatedEnv builds the child environment from a minimal passthrough set
// plus the spec's explicit entries. The parent environment is not inherited
// wholesale.
func isolatedEnv(extra map[string]string) []string {
	env := []string{}
	for _, name := range []string{"PATH", "HOME", "TMPDIR", "LANG"} {
		if v := os.Getenv(name); v != "" {
			env = append(env, name+"="+v)
		}
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// wireMessage is the stdio frame exchanged with the runtime process. A single
// struct covers both directions; unset fields are omitted.
type wireMessage struct {
	Type         string   `json:"type"`
	WorkerID     string   `json:"worker_id,omitempty"`
	Message      string   `json:"message,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
	Policy       string   `json:"policy,omitempty"`
	MaxTurns     int      `json:"max_turns,omitempty"`
	Text         string   `json:"text,omitempty"`
	ID           string   `json:"id,omitempty"`
	Name         string   `json:"name,omitempty"`
	Arguments    string   `json:"arguments,omitempty"`
	DurationMS   int64    `json:"duration_ms,omitempty"`
	NumTurns     int      `json:"num_turns,omitempty"`
	IsError      bool     `json:"is_error,omitempty"`
	Detail       string   `json:"detail,omitempty"`
}

type processRuntime struct {
	workerID string
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	dec      *json.Decoder
	grace    time.Duration
	logger   logging.Logger
	waitCh   chan error

	mu     sync.Mutex
	exited bool
	closed bool
}

// Send implements Runtime.
func (r *processRuntime) Send(ctx context.Context, req Request) (Stream, error) {
	if !r.Alive() {
		return nil, fmt.Errorf("runtime process for worker %s has exited", r.workerID)
	}
	msg := wireMessage{Type: "user", Message: FormatMessage(req)}
	if err := r.write(ctx, msg); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	return &processStream{rt: r}, nil
}

func (r *processRuntime) write(ctx context.Context, msg wireMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = r.stdin.Write(data)
	return err
}

// Alive implements Runtime with a process-liveness check: the zero signal
// probes existence without delivering anything.
func (r *processRuntime) Alive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.exited {
		return false
	}
	select {
	case <-r.waitCh:
		r.exited = true
		return false
	default:
	}
	if r.cmd.Process == nil {
		return false
	}
	return r.cmd.Process.Signal(syscall.Signal(0)) == nil
}

// Close implements Runtime: graceful signal to the process group, forced kill
// after the grace window. Safe to call repeatedly.
func (r *processRuntime) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	exited := r.exited
	r.mu.Unlock()

	_ = r.stdin.Close()
	if exited || r.cmd.Process == nil {
		return nil
	}

	pgid, err := syscall.Getpgid(r.cmd.Process.Pid)
	if err == nil {
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
	} else {
		_ = r.cmd.Process.Signal(syscall.SIGTERM)
	}

	grace := time.NewTimer(r.grace)
	defer grace.Stop()

	select {
	case <-r.waitCh:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	r.logger.Warn("Runtime process did not exit gracefully, killing", "worker_id", r.workerID)
	if err == nil {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	} else {
		_ = r.cmd.Process.Kill()
	}
	<-r.waitCh
	return nil
}

// processStream reads segment frames from the shared decoder until the
// terminal result frame. The owning worker serializes sends, so a single
// decoder per process is safe.
type processStream struct {
	rt   *processRuntime
	done bool
}

// Next implements Stream.
func (s *processStream) Next() (core.Segment, error) {
	for {
		if s.done {
			return nil, io.EOF
		}

		var msg wireMessage
		if err := s.rt.dec.Decode(&msg); err != nil {
			s.done = true
			if err == io.EOF {
				return nil, fmt.Errorf("runtime closed stream before terminal marker")
			}
			return nil, fmt.Errorf("decode segment: %w", err)
		}

		switch msg.Type {
		case "text":
			return core.TextSegment{Text: msg.Text}, nil
		case "tool_use":
			return core.ToolUseSegment{ID: msg.ID, Name: msg.Name, Arguments: msg.Arguments}, nil
		case "result":
			s.done = true
			return core.ResultSegment{
				DurationMS: msg.DurationMS,
				Turns:      msg.NumTurns,
				IsError:    msg.IsError,
				Detail:     msg.Detail,
			}, nil
		default:
			// Unknown segment kinds are skipped rather than failing the
			// exchange, so runtime upgrades stay compatible.
		}
	}
}

// Close implements Stream. Remaining frames of the in-flight response are
// drained so the next exchange starts at a frame boundary.
func (s *processStream) Close() error {
	for !s.done {
		if _, err := s.Next(); err != nil {
			break
		}
	}
	return nil
}

// FormatMessage renders a request into the single message string handed to
// the runtime, prepending any context entries in deterministic key order.
func FormatMessage(req Request) string {
	if len(req.Context) == 0 {
		return req.Message
	}
	keys := make([]string, 0, len(req.Context))
	for k := range req.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("Context:\n")
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(req.Context[k])
		sb.WriteString("\n")
	}
	sb.WriteString("\nMessage: ")
	sb.WriteString(req.Message)
	return sb.String()
}

// DrainContext drains a stream honoring the context deadline. On expiry
// core.ErrTimeout is returned; the background drain keeps consuming frames and
// closes the stream so a later exchange starts at a frame boundary.
func DrainContext(ctx context.Context, stream Stream) ([]core.Segment, error) {
	type result struct {
		segments []core.Segment
		err      error
	}
	ch := make(chan result, 1)
	go func() {
		segments, err := Drain(stream)
		ch <- result{segments, err}
	}()

	select {
	case res := <-ch:
		return res.segments, res.err
	case <-ctx.Done():
		return nil, core.ErrTimeout
	}
}
