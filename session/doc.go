// Package session multiplexes many logical conversations onto a bounded set
// of stateful engine contexts. Checkout is an explicit Acquire/Release pair:
// a session is owned by exactly one caller between the two calls, and the
// pool serializes per-session engine access regardless, because the
// underlying engine context is not safe for concurrent use.
//
// Idle sessions are reused least-recently-used first. Engine failures
// surface as typed errors wrapping core.ErrEngineFailure rather than being
// folded into the text channel.
package session
