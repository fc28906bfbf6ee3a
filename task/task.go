package task

import "time"

// State is the lifecycle state of a task. Transitions are monotonic:
// pending → running → (streaming →) completed | failed, with cancelled as an
// additional terminal state reachable from any non-terminal one. A task never
// re-enters pending or running after reaching a terminal state.
type State string

const (
	// StatePending means the task is recorded but execution has not started.
	StatePending State = "pending"
	// StateRunning means execution is underway.
	StateRunning State = "running"
	// StateStreaming means chunks are being delivered incrementally.
	StateStreaming State = "streaming"
	// StateCompleted is the successful terminal state.
	StateCompleted State = "completed"
	// StateFailed is the terminal state for engine or execution failures.
	StateFailed State = "failed"
	// StateCancelled is the terminal state for cooperative cancellation.
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// OriginLocal marks tasks submitted by a local caller rather than a peer.
const OriginLocal = "local"

// Task is a tracked unit of work. Values handed out by the Manager are
// snapshots; a task is mutated only by the Manager and is immutable once
// terminal.
type Task struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	Context     map[string]any `json:"context,omitempty"`
	State       State          `json:"state"`
	Streaming   bool           `json:"streaming"`
	Origin      string         `json:"origin"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   time.Time      `json:"started_at,omitempty"`
	CompletedAt time.Time      `json:"completed_at,omitempty"`
	FailedAt    time.Time      `json:"failed_at,omitempty"`
	Result      string         `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
}

func (t Task) clone() Task {
	out := t
	if t.Context != nil {
		out.Context = make(map[string]any, len(t.Context))
		for k, v := range t.Context {
			out.Context[k] = v
		}
	}
	return out
}
