// Package mesh maintains live channels to sibling agents: it registers peers,
// propagates knowledge into the graph, forwards task requests through the
// task manager, and reaches local decisions on proposals via weighted
// majority voting.
//
// Inbound messages form a closed tagged union (Payload); the wire codec
// rejects unknown kinds so a malformed peer message is logged and dropped at
// the boundary, never a hard failure of dispatch. A peer disconnecting
// mid-vote is excluded from that round's quorum denominator.
package mesh
