package mesh

import (
	"errors"
	"reflect"
	"testing"

	"github.com/peermind/peermind/core"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payloads := []Payload{
		Handshake{NodeID: "node-1"},
		KnowledgeShare{Label: "fact", Name: "release-window", Content: "Fridays are frozen", Properties: map[string]any{"source": "ops"}},
		TaskRequest{RequestID: "req-1", Description: "summarize the incident", Context: map[string]any{"severity": "high"}},
		TaskResult{RequestID: "req-1", TaskID: "task-9", Result: "three services were affected"},
		ConsensusRequest{ProposalID: "prop-1", ProposerID: "node-1", Action: "rotate the signing keys"},
		ConsensusVote{ProposalID: "prop-1", VoterID: "node-2", Decision: DecisionApprove, Rationale: "routine hygiene", Weight: 1},
	}

	for _, p := range payloads {
		data, err := Encode(p)
		if err != nil {
			t.Fatalf("encode %T: %v", p, err)
		}
		got, err := Decode(data)
		if err != nil {
			t.Fatalf("decode %T: %v", p, err)
		}
		if !reflect.DeepEqual(got, p) {
			t.Errorf("round trip mismatch for %T:\n got %#v\nwant %#v", p, got, p)
		}
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	_, err := Decode([]byte(`{"kind":"gossip","payload":{}}`))
	if !errors.Is(err, core.ErrMalformedMessage) {
		t.Fatalf("expected malformed message error, got %v", err)
	}
}

func TestDecodeRejectsInvalidJSON(t *testing.T) {
	_, err := Decode([]byte(`{"kind":`))
	if !errors.Is(err, core.ErrMalformedMessage) {
		t.Fatalf("expected malformed message error, got %v", err)
	}
}

func TestDecodeRejectsMissingFields(t *testing.T) {
	frames := map[string]string{
		"handshake without node id":    `{"kind":"handshake","payload":{}}`,
		"task request without body":    `{"kind":"task_request","payload":{"request_id":"r"}}`,
		"task result without request":  `{"kind":"task_result","payload":{"task_id":"t"}}`,
		"consensus without action":     `{"kind":"consensus","payload":{"proposal_id":"p"}}`,
		"vote with unknown decision":   `{"kind":"consensus_vote","payload":{"proposal_id":"p","decision":"abstain"}}`,
		"knowledge share without name": `{"kind":"knowledge_share","payload":{"content":"x"}}`,
		"empty payload":                `{"kind":"handshake"}`,
	}
	for name, frame := range frames {
		if _, err := Decode([]byte(frame)); !errors.Is(err, core.ErrMalformedMessage) {
			t.Errorf("%s: expected malformed message error, got %v", name, err)
		}
	}
}
