// Package memory holds the knowledge graph: a process-local directed labeled
// entity graph with relevance-ranked substring search. It backs prompt
// enrichment for task execution, knowledge exchanged with peers, and decision
// provenance for consensus rounds.
//
// The graph is the only state touched by more than one component, so all
// operations are guarded by an RWMutex and returned values are defensive
// copies. Swap the naive substring scoring for a vector index if production
// retrieval quality matters; the Graph API is deliberately small enough to
// wrap.
package memory
