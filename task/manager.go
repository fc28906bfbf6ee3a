package task

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/semaphore"

	"github.com/peermind/peermind/core"
	"github.com/peermind/peermind/internal/util"
	"github.com/peermind/peermind/logging"
	"github.com/peermind/peermind/memory"
	"github.com/peermind/peermind/session"
)

// Options holds dependency + configuration overrides passed to NewManager.
type Options struct {
	// Graph enables prompt enrichment and provenance recording when set.
	Graph *memory.Graph
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
	// MaxConcurrent bounds simultaneously executing tasks. Zero or negative
	// means the session pool is the only limit.
	MaxConcurrent int64
	// EnrichLimit is the number of top knowledge hits folded into the prompt.
	EnrichLimit int
	// ChunkBuffer sets the buffer of per-task streaming channels.
	ChunkBuffer int
}

// Request describes a unit of work to submit.
type Request struct {
	Description string
	Context     map[string]any
	Streaming   bool
	// Origin is the submitting peer id, or empty for OriginLocal.
	Origin string
}

// record pairs the task snapshot with its synchronization state. Guarded by
// its own mutex so Get never contends with other tasks.
type record struct {
	mu     sync.Mutex
	task   Task
	done   chan struct{}
	chunks chan string // nil unless streaming
}

// Manager executes submitted tasks asynchronously against the session pool.
// The registry supports concurrent insert-by-new-id and concurrent read.
type Manager struct {
	pool        *session.Pool
	graph       *memory.Graph
	logger      logging.Logger
	sem         *semaphore.Weighted
	enrichLimit int
	chunkBuffer int

	mu      sync.RWMutex
	records map[string]*record
	cancels map[string]context.CancelFunc
}

// NewManager constructs a Manager over the given session pool.
func NewManager(pool *session.Pool, optFns ...func(o *Options)) *Manager {
	opts := Options{
		Logger:      logging.NoOpLogger{},
		EnrichLimit: 3,
		ChunkBuffer: 32,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	m := &Manager{
		pool:        pool,
		graph:       opts.Graph,
		logger:      opts.Logger,
		enrichLimit: opts.EnrichLimit,
		chunkBuffer: opts.ChunkBuffer,
		records:     make(map[string]*record),
		cancels:     make(map[string]context.CancelFunc),
	}
	if opts.MaxConcurrent > 0 {
		m.sem = semaphore.NewWeighted(opts.MaxConcurrent)
	}
	return m
}

// Submit records a pending task and schedules its execution without
// blocking. The returned snapshot is in StatePending. For streaming tasks
// the chunk channel delivers incremental results and is closed when the task
// reaches a terminal state; for non-streaming tasks it is nil. No execution
// failure ever escapes Submit; callers observe it by polling Get. Execution
// is detached from ctx: cancelling the submitter's context does not cancel
// the task, Cancel does.
func (m *Manager) Submit(ctx context.Context, req Request) (Task, <-chan string) {
	origin := req.Origin
	if origin == "" {
		origin = OriginLocal
	}

	rec := &record{
		task: Task{
			ID:          core.NewID(),
			Description: req.Description,
			Context:     req.Context,
			State:       StatePending,
			Streaming:   req.Streaming,
			Origin:      origin,
			CreatedAt:   time.Now().UTC(),
		},
		done: make(chan struct{}),
	}
	if req.Streaming {
		rec.chunks = make(chan string, m.chunkBuffer)
	}

	// execution outlives the submitter's request; the caller's ctx
	// contributes values only, and Cancel is the cooperative stop
	execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Lock()
	m.records[rec.task.ID] = rec
	m.cancels[rec.task.ID] = cancel
	m.mu.Unlock()

	go m.execute(execCtx, rec)

	return rec.snapshot(), rec.chunks
}

// Get returns a snapshot of the task or core.ErrNotFound.
func (m *Manager) Get(id string) (Task, error) {
	m.mu.RLock()
	rec, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		return Task{}, fmt.Errorf("task %s: %w", id, core.ErrNotFound)
	}
	return rec.snapshot(), nil
}

// List returns snapshots of all tracked tasks, newest first.
func (m *Manager) List() []Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Task, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Cancel requests cooperative cancellation. The task observes it at execute
// entry and at each streaming-chunk boundary; a task that already reached a
// terminal state is left untouched. Returns core.ErrNotFound for unknown ids.
func (m *Manager) Cancel(id string) error {
	m.mu.RLock()
	cancel, ok := m.cancels[id]
	m.mu.RUnlock()
	if !ok {
		if _, err := m.Get(id); err != nil {
			return err
		}
		return nil // already terminal, cancel func reaped
	}
	cancel()
	return nil
}

// Wait blocks until the task reaches a terminal state or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (Task, error) {
	m.mu.RLock()
	rec, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		return Task{}, fmt.Errorf("task %s: %w", id, core.ErrNotFound)
	}
	select {
	case <-ctx.Done():
		return Task{}, ctx.Err()
	case <-rec.done:
		return rec.snapshot(), nil
	}
}

// execute drives one task to a terminal state.
func (m *Manager) execute(ctx context.Context, rec *record) {
	start := time.Now()
	defer func() {
		t := rec.snapshot()
		m.mu.Lock()
		delete(m.cancels, t.ID)
		m.mu.Unlock()
		m.logger.Info("task finished", "task_id", t.ID, "state", string(t.State), "duration", time.Since(start), "error", t.Error)
	}()

	if m.sem != nil {
		if err := m.sem.Acquire(ctx, 1); err != nil {
			m.finish(rec, StateCancelled, "", "cancelled before execution")
			return
		}
		defer m.sem.Release(1)
	}

	// cooperative cancellation check at execute entry
	if ctx.Err() != nil {
		m.finish(rec, StateCancelled, "", "cancelled before execution")
		return
	}

	if !rec.transition(StateRunning) {
		return
	}

	s, err := m.pool.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			m.finish(rec, StateCancelled, "", "cancelled while waiting for a session")
			return
		}
		m.finish(rec, StateFailed, "", fmt.Sprintf("session acquire: %v", err))
		return
	}
	defer m.pool.Release(s)

	t := rec.snapshot()
	prompt, hits := m.buildPrompt(t.Description, t.Context)

	if t.Streaming {
		m.executeStreaming(ctx, rec, s, prompt, hits)
		return
	}

	text, err := m.pool.Send(ctx, s, prompt)
	if err != nil {
		if ctx.Err() != nil {
			m.finish(rec, StateCancelled, "", "cancelled during inference")
			return
		}
		m.finish(rec, StateFailed, "", err.Error())
		return
	}
	m.finish(rec, StateCompleted, text, "")
	m.recordProvenance(rec.snapshot(), hits)
}

func (m *Manager) executeStreaming(ctx context.Context, rec *record, s *session.Session, prompt string, hits []memory.SearchResult) {
	if !rec.transition(StateStreaming) {
		return
	}

	out, errCh := m.pool.Stream(ctx, s, prompt)
	var full strings.Builder
	for chunk := range out {
		// cooperative cancellation check at each chunk boundary
		if ctx.Err() != nil {
			for range out {
			}
			<-errCh
			m.finish(rec, StateCancelled, full.String(), "cancelled mid-stream")
			return
		}
		full.WriteString(chunk)
		select {
		case rec.chunks <- chunk:
		default:
			// slow consumer: drop from the live channel, the full result is
			// still recorded on the task
		}
	}
	if err := <-errCh; err != nil {
		if ctx.Err() != nil {
			m.finish(rec, StateCancelled, full.String(), "cancelled mid-stream")
			return
		}
		m.finish(rec, StateFailed, "", err.Error())
		return
	}
	m.finish(rec, StateCompleted, full.String(), "")
	m.recordProvenance(rec.snapshot(), hits)
}

// buildPrompt renders the description against the task context and folds in
// the top knowledge hits for the description.
func (m *Manager) buildPrompt(description string, taskCtx map[string]any) (string, []memory.SearchResult) {
	rendered, err := util.RenderPrompt(description, taskCtx)
	if err != nil {
		rendered = description
	}

	var b strings.Builder
	b.WriteString(rendered)

	if len(taskCtx) > 0 {
		keys := make([]string, 0, len(taskCtx))
		for k := range taskCtx {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n\nContext:")
		for _, k := range keys {
			fmt.Fprintf(&b, "\n- %s: %v", k, taskCtx[k])
		}
	}

	var hits []memory.SearchResult
	if m.graph != nil && m.enrichLimit > 0 {
		hits = m.graph.Search(description, m.enrichLimit, "")
		if len(hits) == 0 {
			hits = m.searchByWords(description)
		}
		if len(hits) > 0 {
			b.WriteString("\n\nRelevant knowledge:")
			for _, h := range hits {
				line := h.Node.Name()
				if content, ok := h.Node.Properties["content"].(string); ok && content != "" {
					line += ": " + content
				}
				fmt.Fprintf(&b, "\n- %s", line)
			}
		}
	}
	return b.String(), hits
}

// searchByWords retries enrichment word by word when the whole description
// matched nothing. Short words are skipped; duplicates are folded.
func (m *Manager) searchByWords(description string) []memory.SearchResult {
	seen := make(map[int64]bool)
	var out []memory.SearchResult
	for _, word := range strings.Fields(description) {
		word = strings.Trim(word, ".,!?:;\"'()")
		if len(word) < 4 {
			continue
		}
		for _, h := range m.graph.Search(word, m.enrichLimit, "") {
			if seen[h.Node.ID] {
				continue
			}
			seen[h.Node.ID] = true
			out = append(out, h)
		}
	}
	if len(out) > m.enrichLimit {
		out = out[:m.enrichLimit]
	}
	return out
}

// recordProvenance writes a provenance node for a completed task and links it
// to the knowledge it drew on.
func (m *Manager) recordProvenance(t Task, hits []memory.SearchResult) {
	if m.graph == nil {
		return
	}
	node := m.graph.CreateNode("task", map[string]any{
		"name":        t.ID,
		"description": t.Description,
		"origin":      t.Origin,
		"result":      truncate(t.Result, 240),
	})
	for _, h := range hits {
		if _, err := m.graph.CreateEdge(node.ID, h.Node.ID, "DREW_ON", map[string]any{"score": h.Score}); err != nil {
			m.logger.Warn("provenance edge failed", "task_id", t.ID, "error", err)
		}
	}
}

// finish moves the record to a terminal state exactly once, closing the
// streaming channel and the done marker.
func (m *Manager) finish(rec *record, state State, result, errMsg string) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.task.State.Terminal() {
		return
	}
	now := time.Now().UTC()
	rec.task.State = state
	switch state {
	case StateCompleted:
		rec.task.Result = result
		rec.task.CompletedAt = now
	case StateFailed, StateCancelled:
		rec.task.Result = result
		rec.task.Error = errMsg
		rec.task.FailedAt = now
	}
	if rec.chunks != nil {
		close(rec.chunks)
	}
	close(rec.done)
}

func (r *record) snapshot() Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.task.clone()
}

// transition advances the record through a non-terminal state, refusing any
// move once terminal.
func (r *record) transition(state State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.task.State.Terminal() {
		return false
	}
	if state == StateRunning {
		r.task.StartedAt = time.Now().UTC()
	}
	r.task.State = state
	return true
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}
