// Package anthropic provides an inference.Engine wrapper for the Anthropic
// Claude Messages API.
package anthropic

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/peermind/peermind/inference"
)

// Options configures the Anthropic engine adapter (model id, temperature,
// max tokens, API key).
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// Engine wraps the Anthropic Messages API behind inference.Engine.
type Engine struct {
	client *anthropic.Client
	opts   Options
}

// NewEngine creates a new Anthropic engine using the official client.
func NewEngine(optFns ...func(o *Options)) *Engine {
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

	return &Engine{client: &client, opts: opts}
}

// NewEngineFromClient creates a new Anthropic engine from an existing client.
func NewEngineFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Engine {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Engine{client: client, opts: opts}
}

func (e *Engine) buildParams(prompt string, opts inference.Options) anthropic.MessageNewParams {
	temperature := e.opts.Temperature
	if opts.Temperature != 0 {
		temperature = opts.Temperature
	}
	maxTokens := e.opts.MaxTokens
	if opts.MaxTokens != 0 {
		maxTokens = opts.MaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:       e.opts.Model,
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(temperature),
	}
	if opts.Instructions != "" {
		params.System = []anthropic.TextBlockParam{{Text: opts.Instructions}}
	}
	return params
}

// Infer implements inference.Engine with a blocking Messages call.
func (e *Engine) Infer(ctx context.Context, prompt string, opts inference.Options) (string, error) {
	resp, err := e.client.Messages.New(ctx, e.buildParams(prompt, opts))
	if err != nil {
		return "", fmt.Errorf("anthropic api error: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.AsText().Text
		}
	}
	if text == "" {
		return "", fmt.Errorf("anthropic api error: empty response")
	}
	return text, nil
}

// InferStream implements inference.Engine. The Messages API response is
// fetched whole and delivered as a single chunk; incremental provider
// streaming rides behind the same contract once adopted.
func (e *Engine) InferStream(ctx context.Context, prompt string, opts inference.Options) (<-chan string, <-chan error) {
	out := make(chan string, 1)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)
		text, err := e.Infer(ctx, prompt, opts)
		if err != nil {
			errCh <- err
			return
		}
		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
		case out <- text:
		}
	}()
	return out, errCh
}
