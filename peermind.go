// Package peermind provides a high-level façade over the node's building
// blocks (inference engines, the session pool, the task manager, the
// knowledge graph and the peer mesh). Most applications interact with this
// package by:
//  1. Creating an Agent via New() (optionally overriding the engine and limits)
//  2. Submitting tasks (SubmitTask) and querying their lifecycle
//  3. Connecting peer channels (Connect) and proposing actions for consensus
//
// All defaults are safe for local development and testing: an in-memory
// graph, a stub inference engine and a no-op logger. Production deployments
// supply a real engine (inference/openai or inference/anthropic) and a
// structured logger.
package peermind

import (
	"context"
	"time"

	"github.com/peermind/peermind/inference"
	"github.com/peermind/peermind/logging"
	"github.com/peermind/peermind/memory"
	"github.com/peermind/peermind/mesh"
	"github.com/peermind/peermind/session"
	"github.com/peermind/peermind/task"
)

// Options configures the Agent instance.
type Options struct {
	// Engine produces completions. Defaults to a stub engine suitable for
	// tests and examples only.
	Engine inference.Engine

	// Generation holds base engine options applied to every call.
	Generation inference.Options

	// MaxSessions caps concurrently checked-out engine contexts.
	MaxSessions int

	// MaxConcurrentTasks bounds simultaneously executing tasks. Zero means
	// the session pool is the only limit.
	MaxConcurrentTasks int64

	// VoteTimeout bounds how long a consensus proposal waits for votes.
	VoteTimeout time.Duration

	// NodeID overrides the generated mesh identity.
	NodeID string

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// Agent is the high-level façade aggregating the graph, pool, task manager
// and mesh node.
type Agent struct {
	graph *memory.Graph
	pool  *session.Pool
	tasks *task.Manager
	node  *mesh.Node
}

// New creates an Agent with optional overrides. Any unset component is
// initialized with an in-memory implementation.
func New(optFns ...func(o *Options)) *Agent {
	opts := Options{
		Engine: inference.NewStubEngine(),
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	graph := memory.NewGraph()
	pool := session.NewPool(opts.Engine, func(o *session.Options) {
		if opts.MaxSessions > 0 {
			o.MaxSessions = opts.MaxSessions
		}
		o.Generation = opts.Generation
		o.Logger = opts.Logger
	})
	tasks := task.NewManager(pool, func(o *task.Options) {
		o.Graph = graph
		o.Logger = opts.Logger
		o.MaxConcurrent = opts.MaxConcurrentTasks
	})
	node := mesh.NewNode(graph, pool, tasks, func(o *mesh.Options) {
		if opts.NodeID != "" {
			o.ID = opts.NodeID
		}
		if opts.VoteTimeout > 0 {
			o.VoteTimeout = opts.VoteTimeout
		}
		o.Logger = opts.Logger
	})

	return &Agent{graph: graph, pool: pool, tasks: tasks, node: node}
}

// ID returns the agent's mesh identity.
func (a *Agent) ID() string { return a.node.ID() }

// Graph exposes the agent's knowledge graph.
func (a *Agent) Graph() *memory.Graph { return a.graph }

// SubmitTask records a task and starts executing it. The returned snapshot
// is immediately Pending; the chunk channel is non-nil only for streaming
// tasks.
func (a *Agent) SubmitTask(ctx context.Context, req task.Request) (task.Task, <-chan string) {
	return a.tasks.Submit(ctx, req)
}

// Task returns a snapshot of the identified task.
func (a *Agent) Task(id string) (task.Task, error) { return a.tasks.Get(id) }

// Tasks lists snapshots of every known task.
func (a *Agent) Tasks() []task.Task { return a.tasks.List() }

// CancelTask requests cooperative cancellation of a running task.
func (a *Agent) CancelTask(id string) error { return a.tasks.Cancel(id) }

// WaitTask blocks until the task reaches a terminal state or ctx is done.
func (a *Agent) WaitTask(ctx context.Context, id string) (task.Task, error) {
	return a.tasks.Wait(ctx, id)
}

// Connect registers a peer over the given channel and starts dispatching
// its messages.
func (a *Agent) Connect(ch mesh.Channel) (*mesh.Peer, error) { return a.node.OnConnect(ch) }

// Disconnect removes a peer and closes its channel.
func (a *Agent) Disconnect(peerID string) { a.node.Disconnect(peerID) }

// Peers returns a snapshot of connected peers.
func (a *Agent) Peers() []mesh.Peer { return a.node.Peers() }

// ShareKnowledge broadcasts a knowledge item to every connected peer.
func (a *Agent) ShareKnowledge(item mesh.KnowledgeShare) { a.node.Broadcast(item) }

// ForwardTask delegates a task to the given peer and blocks for its result.
func (a *Agent) ForwardTask(ctx context.Context, peerID, description string, taskCtx map[string]any) (mesh.TaskResult, error) {
	return a.node.ForwardTask(ctx, peerID, description, taskCtx)
}

// Propose submits an action for collective approval and reports whether it
// reached quorum.
func (a *Agent) Propose(ctx context.Context, action string) (bool, error) {
	return a.node.Propose(ctx, action)
}

// Remember stores a knowledge item in the local graph.
func (a *Agent) Remember(label string, properties map[string]any) memory.Node {
	return a.graph.CreateNode(label, properties)
}

// SearchMemory runs a relevance-ranked query over the knowledge graph.
func (a *Agent) SearchMemory(query string, limit int, label string) []memory.SearchResult {
	return a.graph.Search(query, limit, label)
}

// Labels reports the graph's labels and their node counts.
func (a *Agent) Labels() map[string]int { return a.graph.ListLabels() }

// Close disconnects all peers and tears down the session pool.
func (a *Agent) Close() {
	a.node.Close()
	a.pool.Close()
}
