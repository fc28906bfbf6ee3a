// Package openai provides an inference.Engine implementation backed by the
// OpenAI Chat Completions API, including incremental streaming. It adapts
// plain prompt/response calls into the SDK's message format and back.
package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"

	"github.com/peermind/peermind/inference"
)

// Options configure the OpenAI engine adapter. Fields mirror a subset of
// Chat Completion parameters intentionally kept minimal; extend via
// functional options without breaking callers.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
}

// Engine wraps the OpenAI Chat Completions API behind inference.Engine.
type Engine struct {
	client *openai.Client
	opts   Options
}

// NewEngine creates a new OpenAI engine using the official client.
func NewEngine(optFns ...func(o *Options)) *Engine {
	client := openai.NewClient()
	return NewEngineFromClient(&client, optFns...)
}

// NewEngineFromClient creates a new OpenAI engine from an existing client.
func NewEngineFromClient(client *openai.Client, optFns ...func(o *Options)) *Engine {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Engine{client: client, opts: opts}
}

// buildParams assembles the request, folding per-call overrides over the
// adapter defaults.
func (e *Engine) buildParams(prompt string, opts inference.Options) openai.ChatCompletionNewParams {
	var messages []openai.ChatCompletionMessageParamUnion
	if opts.Instructions != "" {
		messages = append(messages, openai.SystemMessage(opts.Instructions))
	}
	messages = append(messages, openai.UserMessage(prompt))

	temperature := e.opts.Temperature
	if opts.Temperature != 0 {
		temperature = opts.Temperature
	}
	maxTokens := e.opts.MaxCompletionTokens
	if opts.MaxTokens != 0 {
		maxTokens = opts.MaxTokens
	}

	return openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               e.opts.Model,
		Temperature:         openai.Float(temperature),
		MaxCompletionTokens: openai.Int(maxTokens),
	}
}

// Infer implements inference.Engine with a blocking completion call.
func (e *Engine) Infer(ctx context.Context, prompt string, opts inference.Options) (string, error) {
	resp, err := e.client.Chat.Completions.New(ctx, e.buildParams(prompt, opts))
	if err != nil {
		return "", fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai api error: no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

// InferStream implements inference.Engine forwarding text deltas as chunks.
func (e *Engine) InferStream(ctx context.Context, prompt string, opts inference.Options) (<-chan string, <-chan error) {
	out := make(chan string, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		stream := e.client.Chat.Completions.NewStreaming(ctx, e.buildParams(prompt, opts))
		for stream.Next() {
			ck := stream.Current()
			for _, ch := range ck.Choices {
				if ch.Delta.Content == "" {
					continue
				}
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case out <- ch.Delta.Content:
				}
			}
		}
		if err := stream.Err(); err != nil {
			errCh <- fmt.Errorf("openai streaming error: %w", err)
		}
	}()
	return out, errCh
}
