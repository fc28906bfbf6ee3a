package inference

import "context"

// Options carries per-call generation parameters. Zero values defer to the
// adapter's defaults.
type Options struct {
	// Instructions is an optional system prompt prepended to the request.
	Instructions string
	// Temperature controls sampling randomness.
	Temperature float64
	// MaxTokens caps the completion length.
	MaxTokens int64
}

// Engine is the minimal interface the session pool requires from an
// inference backend.
//
// Infer blocks until the engine produces a complete response. InferStream
// returns a lazy, finite chunk sequence; the text channel is closed once the
// response is complete (channel close is the end marker) and at most one
// error is delivered on the error channel. Both channels are single
// consumption. Engine implementations need not be safe for concurrent use of
// one conversational context; the session pool serializes per-session access.
type Engine interface {
	Infer(ctx context.Context, prompt string, opts Options) (string, error)
	InferStream(ctx context.Context, prompt string, opts Options) (<-chan string, <-chan error)
}
