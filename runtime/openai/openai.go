// Package openai provides a runtime.Launcher backed by the OpenAI Chat
// Completions API. Like the anthropic launcher it keeps each worker's
// conversation in memory and trades process isolation for zero local setup.
package openai

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentpool/core"
	"github.com/hupe1980/agentpool/runtime"
	"github.com/openai/openai-go"
)

// Options configures the OpenAI launcher.
type Options struct {
	Model               openai.ChatModel
	Temperature         float64
	MaxCompletionTokens int64
}

// Launcher creates API-backed runtimes against the Chat Completions API.
type Launcher struct {
	client *openai.Client
	opts   Options
}

// NewLauncher creates a new OpenAI launcher using the official client. The
// client reads OPENAI_API_KEY from the environment.
func NewLauncher(optFns ...func(o *Options)) *Launcher {
	client := openai.NewClient()
	return NewLauncherFromClient(&client, optFns...)
}

// NewLauncherFromClient creates a new OpenAI launcher from an existing client.
func NewLauncherFromClient(client *openai.Client, optFns ...func(o *Options)) *Launcher {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Launcher{client: client, opts: opts}
}

// Launch implements runtime.Launcher.
func (l *Launcher) Launch(_ context.Context, spec runtime.LaunchSpec) (runtime.Runtime, error) {
	r := &apiRuntime{
		launcher: l,
		spec:     spec,
		alive:    true,
	}
	if spec.Instructions != "" {
		r.messages = append(r.messages, openai.SystemMessage(spec.Instructions))
	}
	return r, nil
}

// apiRuntime holds one worker's conversation against the Chat Completions API.
type apiRuntime struct {
	launcher *Launcher
	spec     runtime.LaunchSpec

	mu       sync.Mutex
	alive    bool
	messages []openai.ChatCompletionMessageParamUnion
	turns    int
}

// Send implements runtime.Runtime.
func (r *apiRuntime) Send(ctx context.Context, req runtime.Request) (runtime.Stream, error) {
	r.mu.Lock()
	if !r.alive {
		r.mu.Unlock()
		return nil, fmt.Errorf("openai runtime for worker %s is closed", r.spec.WorkerID)
	}
	message := runtime.FormatMessage(req)
	history := make([]openai.ChatCompletionMessageParamUnion, len(r.messages))
	copy(history, r.messages)
	r.mu.Unlock()

	history = append(history, openai.UserMessage(message))

	params := openai.ChatCompletionNewParams{
		Messages:            history,
		Model:               r.launcher.opts.Model,
		Temperature:         openai.Float(r.launcher.opts.Temperature),
		MaxCompletionTokens: openai.Int(r.launcher.opts.MaxCompletionTokens),
	}

	start := time.Now()
	resp, err := r.launcher.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai api returned no choices")
	}

	choice := resp.Choices[0].Message

	var segments []core.Segment
	if choice.Content != "" {
		segments = append(segments, core.TextSegment{Text: choice.Content})
	}
	for _, tc := range choice.ToolCalls {
		segments = append(segments, core.ToolUseSegment{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	r.mu.Lock()
	r.messages = append(r.messages, openai.UserMessage(message))
	if choice.Content != "" {
		r.messages = append(r.messages, openai.AssistantMessage(choice.Content))
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
