package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/peermind/peermind/core"
	"github.com/peermind/peermind/inference"
	"github.com/peermind/peermind/logging"
)

// Options configures a Pool.
type Options struct {
	// MaxSessions is the hard cap on engine contexts. Acquire blocks once
	// all of them are checked out.
	MaxSessions int
	// Generation holds base engine options applied to every call.
	Generation inference.Options
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Pool supplies conversational contexts backed by the inference engine and
// amortizes their setup cost. Public methods are safe for concurrent use.
type Pool struct {
	engine     inference.Engine
	logger     logging.Logger
	generation inference.Options
	max        int

	slots chan struct{} // counts checked-out sessions
	done  chan struct{}

	mu     sync.Mutex
	idle   *lru.Cache[string, *Session]
	inUse  map[string]*Session
	closed bool
}

// NewPool constructs a Pool over the given engine with optional overrides.
func NewPool(engine inference.Engine, optFns ...func(o *Options)) *Pool {
	opts := Options{
		MaxSessions: 4,
		Logger:      logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 1
	}

	p := &Pool{
		engine:     engine,
		logger:     opts.Logger,
		generation: opts.Generation,
		max:        opts.MaxSessions,
		slots:      make(chan struct{}, opts.MaxSessions),
		done:       make(chan struct{}),
		inUse:      make(map[string]*Session),
	}
	// The eviction callback only fires meaningfully on Close (Purge); removal
	// during checkout must not tear the session down.
	p.idle, _ = lru.NewWithEvict(opts.MaxSessions, func(_ string, s *Session) {
		if p.closed {
			s.close()
		}
	})
	return p
}

// Acquire checks out a session, creating one lazily when no idle session
// exists. Idle sessions are reused least-recently-used first. When all
// MaxSessions contexts are checked out, Acquire blocks until a Release or
// until ctx is done. The caller must Release the session on every exit path.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, core.ErrPoolClosed
	case p.slots <- struct{}{}:
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		<-p.slots
		return nil, core.ErrPoolClosed
	}
	if _, s, ok := p.idle.RemoveOldest(); ok {
		p.inUse[s.ID] = s
		return s, nil
	}
	s := newSession()
	p.inUse[s.ID] = s
	p.logger.Debug("session created", "session_id", s.ID)
	return s, nil
}

// Release returns a checked-out session to the idle set. Releasing a session
// the pool does not consider checked out is a no-op, making deferred release
// safe on all exit paths.
func (p *Pool) Release(s *Session) {
	if s == nil {
		return
	}
	p.mu.Lock()
	if _, ok := p.inUse[s.ID]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.inUse, s.ID)
	if p.closed || s.isClosed() {
		s.close()
	} else {
		p.idle.Add(s.ID, s)
	}
	p.mu.Unlock()
	<-p.slots
}

// Send submits a prompt on the session and blocks until the engine responds.
// Engine failures are returned as errors wrapping core.ErrEngineFailure,
// never as degraded response text.
func (p *Pool) Send(ctx context.Context, s *Session, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isClosed() {
		return "", fmt.Errorf("session %s: %w", s.ID, core.ErrNotFound)
	}

	text, err := p.engine.Infer(ctx, prompt, p.generation)
	if err != nil {
		p.logger.Warn("engine call failed", "session_id", s.ID, "error", err)
		return "", fmt.Errorf("%w: %v", core.ErrEngineFailure, err)
	}
	s.append("user", prompt)
	s.append("assistant", text)
	return text, nil
}

// Stream submits a prompt and returns a lazy, finite, single-consumption
// chunk sequence. The text channel closing is the end marker; at most one
// error is delivered on the error channel. The session stays serialized for
// the whole stream.
func (p *Pool) Stream(ctx context.Context, s *Session, prompt string) (<-chan string, <-chan error) {
	out := make(chan string, 32)
	errCh := make(chan error, 1)

	go func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		defer close(out)
		defer close(errCh)

		if s.isClosed() {
			errCh <- fmt.Errorf("session %s: %w", s.ID, core.ErrNotFound)
			return
		}

		chunks, engErr := p.engine.InferStream(ctx, prompt, p.generation)
		var full strings.Builder
		for chunk := range chunks {
			full.WriteString(chunk)
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case out <- chunk:
			}
		}
		if err := <-engErr; err != nil {
			p.logger.Warn("engine stream failed", "session_id", s.ID, "error", err)
			errCh <- fmt.Errorf("%w: %v", core.ErrEngineFailure, err)
			return
		}
		s.append("user", prompt)
		s.append("assistant", full.String())
	}()
	return out, errCh
}

// CloseSession releases the session's resources. Idempotent. A checked-out
// session is torn down on its Release; an idle one immediately.
func (p *Pool) CloseSession(s *Session) {
	if s == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s.close()
	if !p.closed {
		p.idle.Remove(s.ID)
	}
}

// Close shuts the pool down, destroying idle sessions. Checked-out sessions
// are destroyed as they are released. Idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.done)
	p.idle.Purge()
}

// IdleCount returns the number of idle sessions currently pooled.
func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idle.Len()
}

// InUseCount returns the number of checked-out sessions.
func (p *Pool) InUseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}
