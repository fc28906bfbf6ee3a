// Package task turns externally submitted work into tracked, asynchronously
// executed units. The Manager owns the lifecycle state machine, acquires a
// session per execution, enriches prompts with knowledge-graph hits, and
// records decision provenance back into the graph on completion.
//
// There is no automatic retry: a task runs to exactly one terminal state and
// resubmission is the caller's responsibility.
package task
