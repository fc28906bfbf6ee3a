package inference

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// StubEngine is a lightweight in-memory Engine useful for tests & examples.
// Responses are looked up by prompt substring so callers can register canned
// completions without reproducing enrichment prefixes exactly.
type StubEngine struct {
	mu        sync.RWMutex
	responses map[string]string
	fallback  string
	err       error
	chunkSize int
}

// NewStubEngine constructs a StubEngine that echoes a generic completion for
// unknown prompts.
func NewStubEngine() *StubEngine {
	return &StubEngine{responses: make(map[string]string), chunkSize: 1}
}

// AddResponse registers a deterministic canned completion returned whenever
// the prompt contains match.
func (e *StubEngine) AddResponse(match, response string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.responses[match] = response
}

// SetFallback sets the completion returned when no registered match applies.
func (e *StubEngine) SetFallback(response string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fallback = response
}

// FailWith makes every subsequent call return err. Pass nil to recover.
func (e *StubEngine) FailWith(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

// SetChunkSize controls how many runes each streamed chunk carries.
func (e *StubEngine) SetChunkSize(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n > 0 {
		e.chunkSize = n
	}
}

func (e *StubEngine) lookup(prompt string) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.err != nil {
		return "", e.err
	}
	for match, response := range e.responses {
		if strings.Contains(prompt, match) {
			return response, nil
		}
	}
	if e.fallback != "" {
		return e.fallback, nil
	}
	return fmt.Sprintf("Stub response to: %s", prompt), nil
}

// Infer implements Engine.
func (e *StubEngine) Infer(ctx context.Context, prompt string, _ Options) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return e.lookup(prompt)
}

// InferStream implements Engine; emits the canned completion in rune chunks.
func (e *StubEngine) InferStream(ctx context.Context, prompt string, _ Options) (<-chan string, <-chan error) {
	out := make(chan string, 16)
	errCh := make(chan error, 1)

	full, err := e.lookup(prompt)
	e.mu.RLock()
	size := e.chunkSize
	e.mu.RUnlock()

	go func() {
		defer close(out)
		defer close(errCh)
		if err != nil {
			errCh <- err
			return
		}
		runes := []rune(full)
		for start := 0; start < len(runes); start += size {
			end := start + size
			if end > len(runes) {
				end = len(runes)
			}
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case out <- string(runes[start:end]):
			}
		}
	}()
	return out, errCh
}
