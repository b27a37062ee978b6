package runtime

import (
	"context"
	"io"

	"github.com/hupe1980/agentpool/core"
)

// LaunchSpec carries everything a Launcher needs to bring up one isolated
// runtime instance for a worker.
type LaunchSpec struct {
	WorkerID     string
	WorkDir      string            // Private working scope, created by the caller
	Env          map[string]string // Isolated environment, merged over a minimal base
	Instructions string            // Rendered instruction profile
	AllowedTools []string
	Policy       core.InteractionPolicy
	MaxTurns     int // 0 means unlimited
}

// Request is one message exchange against a live runtime.
type Request struct {
	Message string
	Context map[string]string // Optional key/value context prepended to the message
}

// Stream is a synchronous iterator over response segments. Next returns
// io.EOF after the terminal ResultSegment has been consumed. Streams are not
// safe for concurrent use; the owning worker serializes access.
type Stream interface {
	Next() (core.Segment, error)
	Close() error
}

// Runtime is one live conversational runtime instance owned by a worker
// handle. Implementations must tolerate Close being called more than once.
type Runtime interface {
	// Send writes a request to the runtime and returns the response stream.
	Send(ctx context.Context, req Request) (Stream, error)

	// Alive reports whether the underlying capability is still live. For a
	// process-backed runtime this is a process-liveness check; API-backed
	// runtimes report client health.
	Alive() bool

	// Close terminates the runtime, releasing its resources. The context
	// bounds the graceful shutdown window.
	Close(ctx context.Context) error
}

// Launcher creates runtime instances. The pool holds exactly one Launcher
// and calls it for every worker start and restart.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Runtime, error)
}

// NewSliceStream returns a Stream that replays the given segments in order.
// API-backed runtimes use it to expose a non-streaming response as a Stream.
func NewSliceStream(segments []core.Segment) Stream {
	return &sliceStream{segments: segments}
}

// Drain consumes a stream to completion, returning all segments in arrival
// order. The stream is closed regardless of outcome.
func Drain(stream Stream) ([]core.Segment, error) {
	defer func() { _ = stream.Close() }()

	var segments []core.Segment
	for {
		seg, err := stream.Next()
		if err == io.EOF {
			return segments, nil
		}
		if err != nil {
			return segments, err
		}
		segments = append(segments, seg)
	}
}
