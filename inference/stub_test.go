package inference

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// Interface compliance (compile-time assertion)
var _ Engine = (*StubEngine)(nil)

func TestStubEngine_Infer(t *testing.T) {
	e := NewStubEngine()
	e.AddResponse("ping", "pong")

	got, err := e.Infer(context.Background(), "please ping the service", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "pong" {
		t.Fatalf("expected pong, got %q", got)
	}

	fallback, _ := e.Infer(context.Background(), "unknown", Options{})
	if !strings.Contains(fallback, "unknown") {
		t.Fatalf("expected echo fallback, got %q", fallback)
	}
}

func TestStubEngine_FailWith(t *testing.T) {
	e := NewStubEngine()
	boom := errors.New("boom")
	e.FailWith(boom)
	if _, err := e.Infer(context.Background(), "x", Options{}); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	e.FailWith(nil)
	if _, err := e.Infer(context.Background(), "x", Options{}); err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
}

func TestStubEngine_InferStream(t *testing.T) {
	e := NewStubEngine()
	e.AddResponse("count", "12345")
	e.SetChunkSize(2)

	out, errCh := e.InferStream(context.Background(), "count", Options{})
	var chunks []string
	for chunk := range out {
		chunks = append(chunks, chunk)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("unexpected stream error: %v", err)
	}
	if strings.Join(chunks, "") != "12345" {
		t.Fatalf("expected reassembled stream, got %#v", chunks)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks of size 2, got %d", len(chunks))
	}
}

func TestStubEngine_StreamError(t *testing.T) {
	e := NewStubEngine()
	e.FailWith(errors.New("down"))
	out, errCh := e.InferStream(context.Background(), "x", Options{})
	for range out {
		t.Fatal("expected no chunks on failure")
	}
	if err := <-errCh; err == nil {
		t.Fatal("expected stream error")
	}
}
