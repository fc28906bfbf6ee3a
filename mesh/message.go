package mesh

import (
	"encoding/json"
	"fmt"

	"github.com/peermind/peermind/core"
)

// Payload is a closed union over every message kind peers exchange. Concrete
// payload types implement the unexported isPayload marker so dispatch can be
// an exhaustive type switch.
type Payload interface{ isPayload() }

// Handshake announces a node's identity on a fresh connection.
type Handshake struct {
	NodeID string `json:"node_id"`
}

func (Handshake) isPayload() {}

// KnowledgeShare carries a knowledge item to be merged into the receiver's
// graph, tagged with the sending peer as provenance.
type KnowledgeShare struct {
	Label      string         `json:"label,omitempty"`
	Name       string         `json:"name"`
	Content    string         `json:"content,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

func (KnowledgeShare) isPayload() {}

// TaskRequest asks the receiving node to execute work on the sender's
// behalf. RequestID correlates the eventual TaskResult.
type TaskRequest struct {
	RequestID   string         `json:"request_id"`
	Description string         `json:"description"`
	Context     map[string]any `json:"context,omitempty"`
}

func (TaskRequest) isPayload() {}

// TaskResult returns the terminal outcome of a forwarded task.
type TaskResult struct {
	RequestID string `json:"request_id"`
	TaskID    string `json:"task_id"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (TaskResult) isPayload() {}

// ConsensusRequest solicits a vote on a proposed action.
type ConsensusRequest struct {
	ProposalID string `json:"proposal_id"`
	ProposerID string `json:"proposer_id"`
	Action     string `json:"action"`
}

func (ConsensusRequest) isPayload() {}

// Decision is a vote outcome.
type Decision string

const (
	// DecisionApprove accepts the proposal.
	DecisionApprove Decision = "approve"
	// DecisionReject declines the proposal.
	DecisionReject Decision = "reject"
)

// ConsensusVote is one voter's decision on a proposal. Votes are ephemeral;
// they live only for the duration of a round.
type ConsensusVote struct {
	ProposalID string   `json:"proposal_id"`
	VoterID    string   `json:"voter_id"`
	Decision   Decision `json:"decision"`
	Rationale  string   `json:"rationale,omitempty"`
	Weight     float64  `json:"weight,omitempty"`
}

func (ConsensusVote) isPayload() {}

const (
	kindHandshake        = "handshake"
	kindKnowledgeShare   = "knowledge_share"
	kindTaskRequest      = "task_request"
	kindTaskResult       = "task_result"
	kindConsensusRequest = "consensus"
	kindConsensusVote    = "consensus_vote"
)

// envelope is the wire framing: a kind tag plus the raw payload document.
type envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func kindOf(p Payload) (string, bool) {
	switch p.(type) {
	case Handshake:
		return kindHandshake, true
	case KnowledgeShare:
		return kindKnowledgeShare, true
	case TaskRequest:
		return kindTaskRequest, true
	case TaskResult:
		return kindTaskResult, true
	case ConsensusRequest:
		return kindConsensusRequest, true
	case ConsensusVote:
		return kindConsensusVote, true
	default:
		return "", false
	}
}

// Encode frames a payload for the wire.
func Encode(p Payload) ([]byte, error) {
	kind, ok := kindOf(p)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported payload %T", core.ErrMalformedMessage, p)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrMalformedMessage, err)
	}
	return json.Marshal(envelope{Kind: kind, Payload: raw})
}

// Decode parses a wire frame back into a typed payload. Unknown kinds and
// missing required fields yield core.ErrMalformedMessage so the mesh can
// drop them at the boundary.
func Decode(data []byte) (Payload, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrMalformedMessage, err)
	}

	unmarshal := func(v any) error {
		if len(env.Payload) == 0 {
			return fmt.Errorf("%w: empty payload for kind %q", core.ErrMalformedMessage, env.Kind)
		}
		if err := json.Unmarshal(env.Payload, v); err != nil {
			return fmt.Errorf("%w: %v", core.ErrMalformedMessage, err)
		}
		return nil
	}

	switch env.Kind {
	case kindHandshake:
		var p Handshake
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		if p.NodeID == "" {
			return nil, fmt.Errorf("%w: handshake without node_id", core.ErrMalformedMessage)
		}
		return p, nil
	case kindKnowledgeShare:
		var p KnowledgeShare
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		if p.Name == "" {
			return nil, fmt.Errorf("%w: knowledge share without name", core.ErrMalformedMessage)
		}
		return p, nil
	case kindTaskRequest:
		var p TaskRequest
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		if p.RequestID == "" || p.Description == "" {
			return nil, fmt.Errorf("%w: task request missing request_id or description", core.ErrMalformedMessage)
		}
		return p, nil
	case kindTaskResult:
		var p TaskResult
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		if p.RequestID == "" {
			return nil, fmt.Errorf("%w: task result without request_id", core.ErrMalformedMessage)
		}
		return p, nil
	case kindConsensusRequest:
		var p ConsensusRequest
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		if p.ProposalID == "" || p.Action == "" {
			return nil, fmt.Errorf("%w: consensus request missing proposal_id or action", core.ErrMalformedMessage)
		}
		return p, nil
	case kindConsensusVote:
		var p ConsensusVote
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		if p.ProposalID == "" || (p.Decision != DecisionApprove && p.Decision != DecisionReject) {
			return nil, fmt.Errorf("%w: vote missing proposal_id or decision", core.ErrMalformedMessage)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", core.ErrMalformedMessage, env.Kind)
	}
}
