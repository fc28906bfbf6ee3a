package mesh

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/peermind/peermind/core"
	"github.com/peermind/peermind/logging"
	"github.com/peermind/peermind/memory"
	"github.com/peermind/peermind/session"
	"github.com/peermind/peermind/task"
)

// Peer is a live connection to a sibling agent. Peers are created on
// handshake with a fresh registry id and removed on disconnect; nothing is
// persisted, and a peer that drops and rejoins is registered anew.
type Peer struct {
	ID         string
	Channel    Channel
	Registered time.Time

	// RemoteID is the node id the peer announced in its handshake. Guarded
	// by the owning Node's mutex.
	RemoteID string
}

// Options holds dependency + configuration overrides passed to NewNode.
type Options struct {
	// ID overrides the generated node identity.
	ID string
	// VoteTimeout bounds how long Propose waits for votes.
	VoteTimeout time.Duration
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Node is this agent's connection point into the peer mesh. Public methods
// are safe for concurrent use.
type Node struct {
	id          string
	graph       *memory.Graph
	pool        *session.Pool
	tasks       *task.Manager
	logger      logging.Logger
	voteTimeout time.Duration

	mu     sync.RWMutex
	peers  map[string]*Peer
	closed bool

	roundsMu sync.Mutex
	rounds   map[string]*voteRound

	pendingMu sync.Mutex
	pending   map[string]chan TaskResult

	wg sync.WaitGroup
}

// NewNode constructs a mesh node over the shared graph, session pool and
// task manager.
func NewNode(graph *memory.Graph, pool *session.Pool, tasks *task.Manager, optFns ...func(o *Options)) *Node {
	opts := Options{
		ID:          core.NewID(),
		VoteTimeout: 5 * time.Second,
		Logger:      logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Node{
		id:          opts.ID,
		graph:       graph,
		pool:        pool,
		tasks:       tasks,
		logger:      opts.Logger,
		voteTimeout: opts.VoteTimeout,
		peers:       make(map[string]*Peer),
		rounds:      make(map[string]*voteRound),
		pending:     make(map[string]chan TaskResult),
	}
}

// ID returns this node's mesh identity.
func (n *Node) ID() string { return n.id }

// OnConnect registers a peer over the given channel, announces this node's
// id with a handshake, and starts dispatching the peer's inbound messages.
func (n *Node) OnConnect(ch Channel) (*Peer, error) {
	p := &Peer{ID: core.NewID(), Channel: ch, Registered: time.Now().UTC()}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, ErrChannelClosed
	}
	n.peers[p.ID] = p
	n.mu.Unlock()

	if err := ch.Send(Handshake{NodeID: n.id}); err != nil {
		n.Disconnect(p.ID)
		return nil, fmt.Errorf("handshake: %w", err)
	}

	n.logger.Info("peer connected", "peer_id", p.ID)
	n.wg.Add(1)
	go n.readLoop(p)
	return p, nil
}

// readLoop dispatches inbound messages until the channel fails. Malformed
// frames are dropped; transport errors remove the peer.
func (n *Node) readLoop(p *Peer) {
	defer n.wg.Done()
	for {
		payload, err := p.Channel.Receive()
		if err != nil {
			if errors.Is(err, core.ErrMalformedMessage) {
				n.logger.Warn("dropping malformed peer message", "peer_id", p.ID, "error", err)
				continue
			}
			n.Disconnect(p.ID)
			return
		}
		n.HandleMessage(p.ID, payload)
	}
}

// Disconnect removes a peer, closes its channel and excludes it from any
// in-flight vote round. Unknown ids are a no-op.
func (n *Node) Disconnect(peerID string) {
	n.mu.Lock()
	p, ok := n.peers[peerID]
	delete(n.peers, peerID)
	n.mu.Unlock()
	if !ok {
		return
	}
	_ = p.Channel.Close()

	n.roundsMu.Lock()
	for _, r := range n.rounds {
		r.exclude(peerID)
	}
	n.roundsMu.Unlock()

	n.logger.Info("peer disconnected", "peer_id", peerID)
}

// PeerCount returns the number of registered peers.
func (n *Node) PeerCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.peers)
}

// Peers returns a snapshot of the registered peers.
func (n *Node) Peers() []Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, *p)
	}
	return out
}

// Broadcast fans a payload out to every registered peer, best effort: one
// failed delivery is logged and does not block the rest.
func (n *Node) Broadcast(p Payload) {
	for _, peer := range n.Peers() {
		if err := peer.Channel.Send(p); err != nil {
			n.logger.Warn("broadcast delivery failed", "peer_id", peer.ID, "error", err)
		}
	}
}

// HandleMessage dispatches one inbound peer message. The payload union is
// closed, so the switch is exhaustive; anything else is dropped with a log
// line, never an error.
func (n *Node) HandleMessage(peerID string, payload Payload) {
	switch msg := payload.(type) {
	case Handshake:
		n.mu.Lock()
		if p, ok := n.peers[peerID]; ok {
			p.RemoteID = msg.NodeID
		}
		n.mu.Unlock()
		n.logger.Debug("handshake received", "peer_id", peerID, "remote_node", msg.NodeID)
	case KnowledgeShare:
		n.absorbKnowledge(peerID, msg)
	case TaskRequest:
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.runPeerTask(peerID, msg)
		}()
	case TaskResult:
		n.resolveForwarded(msg)
	case ConsensusRequest:
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.voteOnProposal(peerID, msg)
		}()
	case ConsensusVote:
		n.recordVote(peerID, msg)
	default:
		n.logger.Warn("dropping unhandled peer message", "peer_id", peerID, "payload", fmt.Sprintf("%T", payload))
	}
}

// absorbKnowledge merges a shared item into the graph, tagged with the
// sending peer as provenance. An item with the same label and name updates
// the existing node instead of duplicating it.
func (n *Node) absorbKnowledge(peerID string, msg KnowledgeShare) {
	label := msg.Label
	if label == "" {
		label = "knowledge"
	}
	props := make(map[string]any, len(msg.Properties)+3)
	for k, v := range msg.Properties {
		props[k] = v
	}
	props["name"] = msg.Name
	if msg.Content != "" {
		props["content"] = msg.Content
	}
	props["provenance"] = peerID

	if existing, ok := n.graph.FindNode(label, msg.Name); ok {
		if _, err := n.graph.UpdateNode(existing.ID, props); err == nil {
			n.logger.Debug("knowledge updated", "peer_id", peerID, "node_id", existing.ID, "name", msg.Name)
			return
		}
	}
	node := n.graph.CreateNode(label, props)
	n.logger.Debug("knowledge stored", "peer_id", peerID, "node_id", node.ID, "name", msg.Name)
}

// runPeerTask executes a forwarded task as if local, with the peer recorded
// as origin, and returns the terminal outcome to the requesting peer.
func (n *Node) runPeerTask(peerID string, msg TaskRequest) {
	snap, _ := n.tasks.Submit(context.Background(), task.Request{
		Description: msg.Description,
		Context:     msg.Context,
		Origin:      peerID,
	})
	done, err := n.tasks.Wait(context.Background(), snap.ID)
	if err != nil {
		done = snap
		done.Error = err.Error()
	}
	n.sendTo(peerID, TaskResult{
		RequestID: msg.RequestID,
		TaskID:    snap.ID,
		Result:    done.Result,
		Error:     done.Error,
	})
}

// ForwardTask sends a task request to the given peer and blocks until its
// result arrives or ctx is done.
func (n *Node) ForwardTask(ctx context.Context, peerID, description string, taskCtx map[string]any) (TaskResult, error) {
	n.mu.RLock()
	peer, ok := n.peers[peerID]
	n.mu.RUnlock()
	if !ok {
		return TaskResult{}, fmt.Errorf("peer %s: %w", peerID, core.ErrNotFound)
	}

	reqID := core.NewID()
	resultCh := make(chan TaskResult, 1)
	n.pendingMu.Lock()
	n.pending[reqID] = resultCh
	n.pendingMu.Unlock()
	defer func() {
		n.pendingMu.Lock()
		delete(n.pending, reqID)
		n.pendingMu.Unlock()
	}()

	if err := peer.Channel.Send(TaskRequest{RequestID: reqID, Description: description, Context: taskCtx}); err != nil {
		return TaskResult{}, fmt.Errorf("forward task: %w", err)
	}

	select {
	case <-ctx.Done():
		return TaskResult{}, ctx.Err()
	case res := <-resultCh:
		return res, nil
	}
}

func (n *Node) resolveForwarded(msg TaskResult) {
	n.pendingMu.Lock()
	ch, ok := n.pending[msg.RequestID]
	delete(n.pending, msg.RequestID)
	n.pendingMu.Unlock()
	if !ok {
		n.logger.Warn("task result without pending request", "request_id", msg.RequestID)
		return
	}
	ch <- msg
}

func (n *Node) sendTo(peerID string, payload Payload) {
	n.mu.RLock()
	peer, ok := n.peers[peerID]
	n.mu.RUnlock()
	if !ok {
		n.logger.Warn("peer gone before delivery", "peer_id", peerID)
		return
	}
	if err := peer.Channel.Send(payload); err != nil {
		n.logger.Warn("delivery failed", "peer_id", peerID, "error", err)
	}
}

// voteOnProposal evaluates a peer's proposal and replies with this node's
// vote.
func (n *Node) voteOnProposal(peerID string, msg ConsensusRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), n.voteTimeout)
	defer cancel()
	vote := n.evaluateProposal(ctx, msg)
	n.logger.Info("vote rendered", "proposal_id", msg.ProposalID, "decision", string(vote.Decision))
	n.sendTo(peerID, vote)
}

// evaluateProposal renders an approve/reject decision plus rationale using a
// session. Engine trouble degrades to a reject vote; a proposal is never
// waved through on failure.
func (n *Node) evaluateProposal(ctx context.Context, msg ConsensusRequest) ConsensusVote {
	vote := ConsensusVote{ProposalID: msg.ProposalID, VoterID: n.id, Decision: DecisionReject, Weight: 1}

	s, err := n.pool.Acquire(ctx)
	if err != nil {
		vote.Rationale = fmt.Sprintf("no session available: %v", err)
		return vote
	}
	defer n.pool.Release(s)

	prompt := fmt.Sprintf(
		"A peer agent proposed the following action:\n%s\n\nRespond with APPROVE or REJECT on the first line, followed by a brief rationale.",
		msg.Action,
	)
	resp, err := n.pool.Send(ctx, s, prompt)
	if err != nil {
		vote.Rationale = fmt.Sprintf("evaluation failed: %v", err)
		return vote
	}

	decision, rationale := parseVerdict(resp)
	vote.Decision = decision
	vote.Rationale = rationale
	return vote
}

// parseVerdict extracts the decision from the first response line; anything
// that is not an explicit approval is a rejection.
func parseVerdict(resp string) (Decision, string) {
	trimmed := strings.TrimSpace(resp)
	first := trimmed
	rest := ""
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		first = trimmed[:idx]
		rest = strings.TrimSpace(trimmed[idx+1:])
	}
	if rest == "" {
		rest = trimmed
	}
	if approves(first) {
		return DecisionApprove, rest
	}
	return DecisionReject, rest
}

// approves reports whether the verdict line carries the whole word APPROVE
// with no negation. "DISAPPROVE", "DO NOT APPROVE" and "cannot approve" are
// rejections.
func approves(line string) bool {
	found := false
	for _, tok := range strings.Fields(strings.ToUpper(line)) {
		tok = strings.Trim(tok, ".,!?:;\"()")
		switch {
		case strings.HasSuffix(tok, "NOT"), strings.HasSuffix(tok, "N'T"),
			tok == "NO", tok == "NEVER",
			strings.HasPrefix(tok, "REJECT"), strings.HasPrefix(tok, "DISAPPROV"):
			return false
		case strings.HasPrefix(tok, "APPROV"):
			found = true
		}
	}
	return found
}

// voteRound tracks one proposal's participants and collected votes.
type voteRound struct {
	mu           sync.Mutex
	participants map[string]bool          // peer registry ids still counted
	votes        map[string]ConsensusVote // by peer registry id
	changed      chan struct{}
}

func newVoteRound(peerIDs []string) *voteRound {
	r := &voteRound{
		participants: make(map[string]bool, len(peerIDs)),
		votes:        make(map[string]ConsensusVote, len(peerIDs)),
		changed:      make(chan struct{}, 1),
	}
	for _, id := range peerIDs {
		r.participants[id] = true
	}
	return r
}

func (r *voteRound) notify() {
	select {
	case r.changed <- struct{}{}:
	default:
	}
}

// exclude drops a disconnected peer from the round's denominator, vote and
// all.
func (r *voteRound) exclude(peerID string) {
	r.mu.Lock()
	delete(r.participants, peerID)
	delete(r.votes, peerID)
	r.mu.Unlock()
	r.notify()
}

func (r *voteRound) record(peerID string, vote ConsensusVote) {
	r.mu.Lock()
	if r.participants[peerID] {
		if _, dup := r.votes[peerID]; !dup {
			r.votes[peerID] = vote
		}
	}
	r.mu.Unlock()
	r.notify()
}

// complete reports whether every remaining participant has voted.
func (r *voteRound) complete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.votes) >= len(r.participants)
}

// tally returns the approval weight and the round denominator (remaining
// participants plus the proposer).
func (r *voteRound) tally(self ConsensusVote) (approvals float64, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	total = len(r.participants) + 1
	votes := make([]ConsensusVote, 0, len(r.votes)+1)
	votes = append(votes, self)
	for _, v := range r.votes {
		votes = append(votes, v)
	}
	for _, v := range votes {
		if v.Decision != DecisionApprove {
			continue
		}
		w := v.Weight
		if w <= 0 {
			w = 1
		}
		approvals += w
	}
	return approvals, total
}

func (n *Node) recordVote(peerID string, vote ConsensusVote) {
	n.roundsMu.Lock()
	r, ok := n.rounds[vote.ProposalID]
	n.roundsMu.Unlock()
	if !ok {
		n.logger.Warn("vote for unknown proposal", "proposal_id", vote.ProposalID, "peer_id", peerID)
		return
	}
	r.record(peerID, vote)
}

// Quorum returns the minimum approvals needed for a round with total voters
// including the proposer: ceil(2*(total+1)/3). Tolerates up to
// floor((total-1)/3) non-cooperating peers.
func Quorum(total int) int {
	return (2*(total+1) + 2) / 3
}

// Propose broadcasts an action for collective approval, collects votes
// within the voting window, and approves iff the approval weight reaches
// quorum. Failing to reach quorum resolves to approved=false, not an error.
// The decision and its tally are recorded in the graph as provenance.
func (n *Node) Propose(ctx context.Context, action string) (bool, error) {
	proposalID := core.NewID()

	n.mu.RLock()
	peerIDs := make([]string, 0, len(n.peers))
	for id := range n.peers {
		peerIDs = append(peerIDs, id)
	}
	n.mu.RUnlock()

	round := newVoteRound(peerIDs)
	n.roundsMu.Lock()
	n.rounds[proposalID] = round
	n.roundsMu.Unlock()
	defer func() {
		n.roundsMu.Lock()
		delete(n.rounds, proposalID)
		n.roundsMu.Unlock()
	}()

	req := ConsensusRequest{ProposalID: proposalID, ProposerID: n.id, Action: action}
	n.Broadcast(req)

	// the proposer renders its own vote through the same evaluation path
	self := n.evaluateProposal(ctx, req)
	n.logger.Info("vote rendered", "proposal_id", proposalID, "decision", string(self.Decision))

	timer := time.NewTimer(n.voteTimeout)
	defer timer.Stop()
collect:
	for !round.complete() {
		select {
		case <-ctx.Done():
			break collect
		case <-timer.C:
			break collect
		case <-round.changed:
		}
	}

	approvals, total := round.tally(self)
	quorum := Quorum(total)
	approved := approvals >= float64(quorum)

	if n.graph != nil {
		n.graph.CreateNode("decision", map[string]any{
			"name":      proposalID,
			"action":    action,
			"approved":  approved,
			"approvals": approvals,
			"total":     total,
			"quorum":    quorum,
		})
	}
	if approved {
		n.logger.Info("proposal approved", "proposal_id", proposalID, "approvals", approvals, "total", total, "quorum", quorum)
	} else {
		n.logger.Warn("proposal not approved", "proposal_id", proposalID, "approvals", approvals, "total", total, "quorum", quorum, "error", core.ErrQuorumNotReached)
	}
	return approved, ctx.Err()
}

// Close disconnects every peer and waits for dispatch loops to drain.
func (n *Node) Close() {
	n.mu.Lock()
	n.closed = true
	peerIDs := make([]string, 0, len(n.peers))
	for id := range n.peers {
		peerIDs = append(peerIDs, id)
	}
	n.mu.Unlock()

	for _, id := range peerIDs {
		n.Disconnect(id)
	}
	n.wg.Wait()
}
