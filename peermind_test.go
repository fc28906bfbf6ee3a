package peermind

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/peermind/peermind/inference"
	"github.com/peermind/peermind/mesh"
	"github.com/peermind/peermind/task"
)

func newTestAgent(t *testing.T, stub *inference.StubEngine) *Agent {
	t.Helper()
	a := New(func(o *Options) {
		o.Engine = stub
		o.VoteTimeout = 500 * time.Millisecond
	})
	t.Cleanup(a.Close)
	return a
}

func TestAgentTaskLifecycle(t *testing.T) {
	stub := inference.NewStubEngine()
	stub.AddResponse("capital of France", "Paris")
	a := newTestAgent(t, stub)

	snap, _ := a.SubmitTask(context.Background(), task.Request{Description: "What is the capital of France?"})
	require.Equal(t, task.StatePending, snap.State)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done, err := a.WaitTask(ctx, snap.ID)
	require.NoError(t, err)
	require.Equal(t, task.StateCompleted, done.State)
	require.Equal(t, "Paris", done.Result)
	require.Len(t, a.Tasks(), 1)
}

func TestAgentsExchangeKnowledgeAndVotes(t *testing.T) {
	a := newTestAgent(t, approvingStub())
	b := newTestAgent(t, approvingStub())

	endA, endB := mesh.Pipe()
	_, err := a.Connect(endA)
	require.NoError(t, err)
	_, err = b.Connect(endB)
	require.NoError(t, err)

	a.ShareKnowledge(mesh.KnowledgeShare{Label: "fact", Name: "deploy-freeze", Content: "no deploys on Friday"})
	require.Eventually(t, func() bool {
		return len(b.SearchMemory("deploy-freeze", 1, "fact")) == 1
	}, time.Second, 5*time.Millisecond)

	approved, err := a.Propose(context.Background(), "archive stale sessions")
	require.NoError(t, err)
	require.True(t, approved)
	require.Equal(t, 1, a.Labels()["decision"])
}

func approvingStub() *inference.StubEngine {
	stub := inference.NewStubEngine()
	stub.SetFallback("APPROVE\nno objections")
	return stub
}
