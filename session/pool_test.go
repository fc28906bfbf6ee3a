package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/peermind/peermind/core"
	"github.com/peermind/peermind/inference"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPool_AcquireReusesIdleSession(t *testing.T) {
	p := NewPool(inference.NewStubEngine())
	defer p.Close()

	s1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(s1)

	s2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(s2)

	require.Equal(t, s1.ID, s2.ID, "idle session should be reused, not recreated")
	require.Equal(t, 0, p.IdleCount())
	require.Equal(t, 1, p.InUseCount())
}

func TestPool_AcquireBlocksAtCap(t *testing.T) {
	p := NewPool(inference.NewStubEngine(), func(o *Options) { o.MaxSessions = 1 })
	defer p.Close()

	s1, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	acquired := make(chan *Session, 1)
	go func() {
		s, err := p.Acquire(context.Background())
		if err == nil {
			acquired <- s
		}
	}()
	p.Release(s1)

	select {
	case s2 := <-acquired:
		require.Equal(t, s1.ID, s2.ID)
		p.Release(s2)
	case <-time.After(time.Second):
		t.Fatal("blocked Acquire was not unblocked by Release")
	}
}

func TestPool_SendRecordsTranscript(t *testing.T) {
	engine := inference.NewStubEngine()
	engine.AddResponse("hello", "hi there")
	p := NewPool(engine)
	defer p.Close()

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(s)

	text, err := p.Send(context.Background(), s, "hello")
	require.NoError(t, err)
	require.Equal(t, "hi there", text)
	require.Equal(t, 2, s.MessageCount())

	transcript := s.Transcript()
	require.Equal(t, "user", transcript[0].Role)
	require.Equal(t, "assistant", transcript[1].Role)
	require.Equal(t, "hi there", transcript[1].Text)
}

func TestPool_SendReturnsTypedEngineError(t *testing.T) {
	engine := inference.NewStubEngine()
	engine.FailWith(errors.New("model overloaded"))
	p := NewPool(engine)
	defer p.Close()

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(s)

	text, err := p.Send(context.Background(), s, "anything")
	require.Empty(t, text, "failure must not be folded into the text channel")
	require.ErrorIs(t, err, core.ErrEngineFailure)
	require.Equal(t, 0, s.MessageCount(), "failed calls must not pollute the transcript")
}

func TestPool_StreamDeliversChunksThenCloses(t *testing.T) {
	engine := inference.NewStubEngine()
	engine.AddResponse("story", "once upon a time")
	engine.SetChunkSize(4)
	p := NewPool(engine)
	defer p.Close()

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(s)

	out, errCh := p.Stream(context.Background(), s, "story")
	var chunks []string
	for chunk := range out {
		chunks = append(chunks, chunk)
	}
	require.NoError(t, <-errCh)
	require.Equal(t, "once upon a time", strings.Join(chunks, ""))
	require.Greater(t, len(chunks), 1, "expected incremental delivery")
	require.Equal(t, 2, s.MessageCount())
}

func TestPool_StreamEngineFailure(t *testing.T) {
	engine := inference.NewStubEngine()
	engine.FailWith(errors.New("down"))
	p := NewPool(engine)
	defer p.Close()

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(s)

	out, errCh := p.Stream(context.Background(), s, "x")
	for range out {
		t.Fatal("expected no chunks")
	}
	require.ErrorIs(t, <-errCh, core.ErrEngineFailure)
}

func TestPool_CloseSessionIdempotent(t *testing.T) {
	p := NewPool(inference.NewStubEngine())
	defer p.Close()

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.CloseSession(s)
	p.CloseSession(s)

	_, err = p.Send(context.Background(), s, "x")
	require.ErrorIs(t, err, core.ErrNotFound)

	p.Release(s)
	require.Equal(t, 0, p.IdleCount(), "closed session must not rejoin the idle set")
}

func TestPool_CloseRejectsFurtherAcquire(t *testing.T) {
	p := NewPool(inference.NewStubEngine())
	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(s)

	p.Close()
	p.Close() // idempotent

	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, core.ErrPoolClosed)
}

func TestPool_DoubleReleaseIsNoOp(t *testing.T) {
	p := NewPool(inference.NewStubEngine(), func(o *Options) { o.MaxSessions = 2 })
	defer p.Close()

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(s)
	p.Release(s)

	require.Equal(t, 1, p.IdleCount())
	require.Equal(t, 0, p.InUseCount())
}
