// Package anthropic provides a runtime.Launcher backed by the Anthropic
// Messages API. It substitutes for the process-backed runtime in deployments
// without a local runtime binary: each worker gets an in-memory conversation
// held against the API instead of an isolated process.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/hupe1980/agentpool/core"
	"github.com/hupe1980/agentpool/runtime"
)

// Options configures the Anthropic launcher (temperature, model id, max
// tokens, API key). Extend via functional options to preserve stability.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// Launcher creates API-backed runtimes against the Anthropic Messages API.
type Launcher struct {
	client *anthropic.Client
	opts   Options
}

// NewLauncher creates a new Anthropic launcher using the official client.
func NewLauncher(optFns ...func(o *Options)) *Launcher {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}

	client := anthropic.NewClient(clientOpts...)

	return &Launcher{client: &client, opts: opts}
}

// NewLauncherFromClient creates a new Anthropic launcher from an existing client.
func NewLauncherFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Launcher {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Launcher{client: client, opts: opts}
}

// Launch implements runtime.Launcher.
func (l *Launcher) Launch(_ context.Context, spec runtime.LaunchSpec) (runtime.Runtime, error) {
	return &apiRuntime{
		launcher: l,
		spec:     spec,
		alive:    true,
	}, nil
}

// apiRuntime holds one worker's conversation against the Messages API.
type apiRuntime struct {
	launcher *Launcher
	spec     runtime.LaunchSpec

	mu       sync.Mutex
	alive    bool
	messages []anthropic.MessageParam
	turns    int
}

// Send implements runtime.Runtime.
func (r *apiRuntime) Send(ctx context.Context, req runtime.Request) (runtime.Stream, error) {
	r.mu.Lock()
	if !r.alive {
		r.mu.Unlock()
		return nil, fmt.Errorf("anthropic runtime for worker %s is closed", r.spec.WorkerID)
	}
	message := runtime.FormatMessage(req)
	history := make([]anthropic.MessageParam, len(r.messages))
	copy(history, r.messages)
	r.mu.Unlock()

	history = append(history, anthropic.NewUserMessage(anthropic.NewTextBlock(message)))

	params := anthropic.MessageNewParams{
		Model:       r.launcher.opts.Model,
		Messages:    history,
		MaxTokens:   r.launcher.opts.MaxTokens,
		Temperature: anthropic.Float(r.launcher.opts.Temperature),
	}
	if r.spec.Instructions != "" {
		params.System = []anthropic.TextBlockParam{{Text: r.spec.Instructions}}
	}

	start := time.Now()
	resp, err := r.launcher.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic api error: %w", err)
	}

	var segments []core.Segment
	var assistantBlocks []anthropic.ContentBlockParamUnion

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			textBlock := block.AsText()
			if textBlock.Text != "" {
				segments = append(segments, core.TextSegment{Text: textBlock.Text})
				assistantBlocks = append(assistantBlocks, anthropic.NewTextBlock(textBlock.Text))
			}
		case "tool_use":
			toolBlock := block.AsToolUse()
			args := ""
			if toolBlock.Input != nil {
				if argsBytes, err := json.Marshal(toolBlock.Input); err == nil {
					args = string(argsBytes)
				}
			}
			segments = append(segments, core.ToolUseSegment{
				ID:        toolBlock.ID,
				Name:      toolBlock.Name,
				Arguments: args,
			})
		}
	}

	r.mu.Lock()
	r.messages = append(r.messages, anthropic.NewUserMessage(anthropic.NewTextBlock(message)))
	if len(assistantBlocks) > 0 {
		r.messages = append(r.messages, anthropic.NewAssistantMessage(assistantBlocks...))
	}
	r.turns++
	turns := r.turns
	r.mu.Unlock()

	segments = append(segments, core.ResultSegment{
		DurationMS: time.Since(start).Milliseconds(),
		Turns:      turns,
	})

	return runtime.NewSliceStream(segments), nil
}

// Alive implements runtime.Runtime. An API-backed runtime is live until closed.
func (r *apiRuntime) Alive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alive
}

// Close implements runtime.Runtime.
func (r *apiRuntime) Close(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alive = false
	r.messages = nil
	return nil
}
