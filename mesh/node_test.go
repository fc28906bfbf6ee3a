package mesh

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/peermind/peermind/core"
	"github.com/peermind/peermind/inference"
	"github.com/peermind/peermind/memory"
	"github.com/peermind/peermind/session"
	"github.com/peermind/peermind/task"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testNode struct {
	node  *Node
	graph *memory.Graph
	pool  *session.Pool
	tasks *task.Manager
	stub  *inference.StubEngine
}

func newTestNode(t *testing.T, optFns ...func(o *Options)) *testNode {
	t.Helper()
	stub := inference.NewStubEngine()
	stub.SetFallback("APPROVE\nlooks reasonable")
	graph := memory.NewGraph()
	pool := session.NewPool(stub)
	tasks := task.NewManager(pool, func(o *task.Options) { o.Graph = graph })

	opts := append([]func(o *Options){func(o *Options) {
		o.VoteTimeout = 500 * time.Millisecond
	}}, optFns...)
	n := NewNode(graph, pool, tasks, opts...)
	t.Cleanup(func() {
		n.Close()
		pool.Close()
	})
	return &testNode{node: n, graph: graph, pool: pool, tasks: tasks, stub: stub}
}

// link joins two nodes over an in-process pipe and waits for the handshakes
// to land.
func link(t *testing.T, a, b *testNode) (*Peer, *Peer) {
	t.Helper()
	endA, endB := Pipe()
	pa, err := a.node.OnConnect(endA)
	require.NoError(t, err)
	pb, err := b.node.OnConnect(endB)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return remoteID(a.node, pa.ID) == b.node.ID() && remoteID(b.node, pb.ID) == a.node.ID()
	}, time.Second, 5*time.Millisecond)
	return pa, pb
}

func remoteID(n *Node, peerID string) string {
	for _, p := range n.Peers() {
		if p.ID == peerID {
			return p.RemoteID
		}
	}
	return ""
}

func TestHandshakeRecordsRemoteIdentity(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	pa, pb := link(t, a, b)
	require.Equal(t, b.node.ID(), remoteID(a.node, pa.ID))
	require.Equal(t, a.node.ID(), remoteID(b.node, pb.ID))
	require.Equal(t, 1, a.node.PeerCount())
}

func TestKnowledgeShareMergesIntoGraph(t *testing.T) {
	tn := newTestNode(t)
	local, remote := Pipe()
	p, err := tn.node.OnConnect(local)
	require.NoError(t, err)

	// drain the handshake the node sends on connect
	first, err := remote.Receive()
	require.NoError(t, err)
	require.IsType(t, Handshake{}, first)

	require.NoError(t, remote.Send(KnowledgeShare{Label: "fact", Name: "release-window", Content: "Fridays are frozen"}))
	require.Eventually(t, func() bool {
		_, ok := tn.graph.FindNode("fact", "release-window")
		return ok
	}, time.Second, 5*time.Millisecond)

	node, _ := tn.graph.FindNode("fact", "release-window")
	require.Equal(t, "Fridays are frozen", node.Properties["content"])
	require.Equal(t, p.ID, node.Properties["provenance"])

	// same label+name updates in place instead of duplicating
	require.NoError(t, remote.Send(KnowledgeShare{Label: "fact", Name: "release-window", Content: "Fridays and Mondays are frozen"}))
	require.Eventually(t, func() bool {
		n, ok := tn.graph.FindNode("fact", "release-window")
		return ok && n.Properties["content"] == "Fridays and Mondays are frozen"
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, tn.graph.NodeCount())
}

func TestKnowledgeShareDefaultLabel(t *testing.T) {
	tn := newTestNode(t)
	local, remote := Pipe()
	_, err := tn.node.OnConnect(local)
	require.NoError(t, err)
	_, err = remote.Receive()
	require.NoError(t, err)

	require.NoError(t, remote.Send(KnowledgeShare{Name: "loose-note", Content: "unlabelled"}))
	require.Eventually(t, func() bool {
		_, ok := tn.graph.FindNode("knowledge", "loose-note")
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestForwardTaskRoundTrip(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	b.stub.AddResponse("summarize", "summary complete")
	pa, pb := link(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := a.node.ForwardTask(ctx, pa.ID, "summarize the findings", map[string]any{"depth": "brief"})
	require.NoError(t, err)
	require.Equal(t, "summary complete", res.Result)
	require.Empty(t, res.Error)
	require.NotEmpty(t, res.TaskID)

	// the executing side records the requesting peer as origin
	done, err := b.tasks.Get(res.TaskID)
	require.NoError(t, err)
	require.Equal(t, pb.ID, done.Origin)
	require.Equal(t, task.StateCompleted, done.State)
}

func TestForwardTaskCarriesFailure(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	b.stub.FailWith(fmt.Errorf("model overloaded"))
	pa, _ := link(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := a.node.ForwardTask(ctx, pa.ID, "anything", nil)
	require.NoError(t, err)
	require.Empty(t, res.Result)
	require.Contains(t, res.Error, "model overloaded")
}

func TestForwardTaskUnknownPeer(t *testing.T) {
	a := newTestNode(t)
	_, err := a.node.ForwardTask(context.Background(), "nope", "anything", nil)
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestProposeUnanimousApproval(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	c := newTestNode(t)
	link(t, a, b)
	link(t, a, c)

	approved, err := a.node.Propose(context.Background(), "rotate the signing keys")
	require.NoError(t, err)
	require.True(t, approved)

	// the decision is recorded as graph provenance
	require.Equal(t, 1, a.graph.ListLabels()["decision"])
}

func TestProposeSingleRejectionBlocksQuorum(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	c := newTestNode(t)
	c.stub.SetFallback("REJECT\ntoo risky")
	link(t, a, b)
	link(t, a, c)

	// three voters need all three approvals: quorum is ceil(2*4/3) = 3
	approved, err := a.node.Propose(context.Background(), "delete the archive")
	require.NoError(t, err)
	require.False(t, approved)
}

func TestProposeDisconnectShrinksDenominator(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	link(t, a, b)

	// a second peer that never votes
	local, remote := Pipe()
	silent, err := a.node.OnConnect(local)
	require.NoError(t, err)
	_, err = remote.Receive()
	require.NoError(t, err)

	type outcome struct {
		approved bool
		err      error
	}
	res := make(chan outcome, 1)
	go func() {
		approved, err := a.node.Propose(context.Background(), "enable the canary")
		res <- outcome{approved, err}
	}()

	// dropping the silent peer mid round removes it from the tally, so the
	// two remaining approvals reach quorum
	time.Sleep(50 * time.Millisecond)
	a.node.Disconnect(silent.ID)

	select {
	case out := <-res:
		require.NoError(t, out.err)
		require.True(t, out.approved)
	case <-time.After(2 * time.Second):
		t.Fatal("proposal did not resolve")
	}
}

func TestProposeNegatedApprovalBlocksQuorum(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	c := newTestNode(t)
	c.stub.SetFallback("DO NOT APPROVE\ntoo risky")
	link(t, a, b)
	link(t, a, c)

	approved, err := a.node.Propose(context.Background(), "bypass the review gate")
	require.NoError(t, err)
	require.False(t, approved)
}

func TestProposeEngineFailureVotesReject(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	b.stub.FailWith(fmt.Errorf("engine down"))
	link(t, a, b)

	// two voters need quorum 2; the failed evaluator rejects, leaving one
	approved, err := a.node.Propose(context.Background(), "promote the build")
	require.NoError(t, err)
	require.False(t, approved)
}

func TestQuorumThresholds(t *testing.T) {
	cases := map[int]int{
		1: 2,
		2: 2,
		3: 3,
		4: 4,
		5: 4,
		6: 5,
		9: 7,
	}
	for total, want := range cases {
		require.Equalf(t, want, Quorum(total), "quorum for %d voters", total)
	}
}

func TestParseVerdict(t *testing.T) {
	cases := []struct {
		resp      string
		decision  Decision
		rationale string
	}{
		{"APPROVE\nship it", DecisionApprove, "ship it"},
		{"approve: routine change", DecisionApprove, "approve: routine change"},
		{"Approved.", DecisionApprove, "Approved."},
		{"REJECT\nthis would drop user data", DecisionReject, "this would drop user data"},
		{"I am not sure about this", DecisionReject, "I am not sure about this"},
		{"", DecisionReject, ""},
		{"DISAPPROVE\nthis is dangerous", DecisionReject, "this is dangerous"},
		{"DO NOT APPROVE\ntoo risky", DecisionReject, "too risky"},
		{"I cannot approve this action", DecisionReject, "I cannot approve this action"},
		{"We won't approve that", DecisionReject, "We won't approve that"},
	}
	for _, tc := range cases {
		decision, rationale := parseVerdict(tc.resp)
		require.Equal(t, tc.decision, decision, "response %q", tc.resp)
		require.Equal(t, tc.rationale, rationale, "response %q", tc.resp)
	}
}

// faultyChannel scripts Receive results so dispatch resilience can be
// exercised without a real transport.
type faultyChannel struct {
	mu      sync.Mutex
	scripts []func() (Payload, error)
	done    chan struct{}
	once    sync.Once
}

func (c *faultyChannel) Send(Payload) error { return nil }

func (c *faultyChannel) Receive() (Payload, error) {
	c.mu.Lock()
	if len(c.scripts) > 0 {
		next := c.scripts[0]
		c.scripts = c.scripts[1:]
		c.mu.Unlock()
		return next()
	}
	c.mu.Unlock()
	<-c.done
	return nil, io.EOF
}

func (c *faultyChannel) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func TestMalformedFrameDoesNotKillDispatch(t *testing.T) {
	tn := newTestNode(t)
	ch := &faultyChannel{
		done: make(chan struct{}),
		scripts: []func() (Payload, error){
			func() (Payload, error) { return nil, fmt.Errorf("%w: garbage frame", core.ErrMalformedMessage) },
			func() (Payload, error) { return KnowledgeShare{Label: "fact", Name: "survivor"}, nil },
		},
	}
	_, err := tn.node.OnConnect(ch)
	require.NoError(t, err)

	// the frame after the malformed one still gets dispatched
	require.Eventually(t, func() bool {
		_, ok := tn.graph.FindNode("fact", "survivor")
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestCloseRejectsNewConnections(t *testing.T) {
	tn := newTestNode(t)
	tn.node.Close()
	local, _ := Pipe()
	_, err := tn.node.OnConnect(local)
	require.ErrorIs(t, err, ErrChannelClosed)
}
