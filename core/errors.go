package core

import "errors"

var (
	// ErrNotFound is returned when a referenced task, node, edge or session
	// id does not exist in the owning store.
	ErrNotFound = errors.New("not found")

	// ErrEngineFailure indicates the inference engine raised or returned an
	// unusable response. Task execution captures it into the Failed state;
	// it surfaces directly only from session-level calls.
	ErrEngineFailure = errors.New("engine failure")

	// ErrMalformedMessage indicates an inbound peer message with an
	// unrecognized kind or missing fields. The mesh logs and drops these; it
	// is never a hard failure of dispatch.
	ErrMalformedMessage = errors.New("malformed peer message")

	// ErrQuorumNotReached indicates a proposal failed to gather the required
	// weighted majority within its voting window.
	ErrQuorumNotReached = errors.New("quorum not reached")

	// ErrPoolClosed is returned by session pool operations after shutdown.
	ErrPoolClosed = errors.New("session pool closed")
)
