package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/peermind/peermind/core"
)

// Node is an entity in the knowledge graph. Properties always contain "name"
// and "created_at"; CreateNode stamps them when absent. Node ids are
// sequential and never reused.
type Node struct {
	ID         int64
	Label      string
	Properties map[string]any
	UpdatedAt  time.Time
}

// Edge is a directed relationship between two nodes. Its id is derived from
// (from, type, to), making recreation a property merge instead of a
// duplicate.
type Edge struct {
	ID         string
	From       int64
	To         int64
	Type       string
	Properties map[string]any
	CreatedAt  time.Time
}

// SearchResult pairs a node with its relevance score for a query.
type SearchResult struct {
	Node  Node
	Score float64
}

// Graph is a volatile in-process entity/relationship store. It is safe for
// concurrent use. Nodes and edges are never implicitly deleted; retention is
// a deployment concern.
type Graph struct {
	mu     sync.RWMutex
	nodes  map[int64]*Node
	edges  map[string]*Edge
	nextID int64
}

// NewGraph constructs an empty knowledge graph.
func NewGraph() *Graph {
	return &Graph{nodes: make(map[int64]*Node), edges: make(map[string]*Edge)}
}

// CreateNode adds a node with a fresh id. It always succeeds. The "name" and
// "created_at" properties are stamped if the caller did not provide them.
func (g *Graph) CreateNode(label string, properties map[string]any) Node {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UTC()
	props := make(map[string]any, len(properties)+2)
	for k, v := range properties {
		props[k] = v
	}
	if _, ok := props["name"]; !ok {
		props["name"] = ""
	}
	if _, ok := props["created_at"]; !ok {
		props["created_at"] = now
	}

	g.nextID++
	node := &Node{ID: g.nextID, Label: label, Properties: props, UpdatedAt: now}
	g.nodes[node.ID] = node
	return node.clone()
}

// UpdateNode merges properties into an existing node and stamps UpdatedAt.
// Returns core.ErrNotFound if the id is unknown.
func (g *Graph) UpdateNode(id int64, properties map[string]any) (Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes[id]
	if !ok {
		return Node{}, fmt.Errorf("node %d: %w", id, core.ErrNotFound)
	}
	for k, v := range properties {
		node.Properties[k] = v
	}
	node.UpdatedAt = time.Now().UTC()
	return node.clone(), nil
}

// GetNode returns a copy of the node or core.ErrNotFound.
func (g *Graph) GetNode(id int64) (Node, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	node, ok := g.nodes[id]
	if !ok {
		return Node{}, fmt.Errorf("node %d: %w", id, core.ErrNotFound)
	}
	return node.clone(), nil
}

// FindNode returns the most recently updated node carrying the given label
// whose "name" property equals name. The boolean reports whether one exists.
func (g *Graph) FindNode(label, name string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var best *Node
	for _, node := range g.nodes {
		if node.Label != label {
			continue
		}
		if n, ok := node.Properties["name"].(string); !ok || n != name {
			continue
		}
		if best == nil || node.UpdatedAt.After(best.UpdatedAt) {
			best = node
		}
	}
	if best == nil {
		return Node{}, false
	}
	return best.clone(), true
}

// CreateEdge adds a directed edge between two existing nodes. The edge id is
// a pure function of (from, type, to); a repeat call merges properties into
// the existing edge instead of duplicating it. Returns core.ErrNotFound if
// either endpoint is unknown.
func (g *Graph) CreateEdge(from, to int64, edgeType string, properties map[string]any) (Edge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[from]; !ok {
		return Edge{}, fmt.Errorf("edge source node %d: %w", from, core.ErrNotFound)
	}
	if _, ok := g.nodes[to]; !ok {
		return Edge{}, fmt.Errorf("edge target node %d: %w", to, core.ErrNotFound)
	}

	id := edgeID(from, edgeType, to)
	if edge, ok := g.edges[id]; ok {
		for k, v := range properties {
			edge.Properties[k] = v
		}
		return edge.clone(), nil
	}

	props := make(map[string]any, len(properties))
	for k, v := range properties {
		props[k] = v
	}
	edge := &Edge{ID: id, From: from, To: to, Type: edgeType, Properties: props, CreatedAt: time.Now().UTC()}
	g.edges[id] = edge
	return edge.clone(), nil
}

// GetEdge returns a copy of the edge identified by (from, type, to).
func (g *Graph) GetEdge(from int64, edgeType string, to int64) (Edge, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	edge, ok := g.edges[edgeID(from, edgeType, to)]
	if !ok {
		return Edge{}, fmt.Errorf("edge %s: %w", edgeID(from, edgeType, to), core.ErrNotFound)
	}
	return edge.clone(), nil
}

// Search performs relevance-ranked retrieval. A node matches when the query
// is a case-insensitive substring of one of its indexed text fields (name,
// content, description). An empty query matches every node. Results are
// ordered by score descending with ties broken by most recent update, bounded
// by limit and optionally filtered by label (empty label means no filter).
func (g *Graph) Search(query string, limit int, label string) []SearchResult {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if limit <= 0 {
		return []SearchResult{}
	}

	q := strings.ToLower(query)
	results := make([]SearchResult, 0, limit)
	for _, node := range g.nodes {
		if label != "" && node.Label != label {
			continue
		}
		score, ok := score(node, q)
		if !ok {
			continue
		}
		results = append(results, SearchResult{Node: node.clone(), Score: score})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if !results[i].Node.UpdatedAt.Equal(results[j].Node.UpdatedAt) {
			return results[i].Node.UpdatedAt.After(results[j].Node.UpdatedAt)
		}
		return results[i].Node.ID < results[j].Node.ID
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// ListLabels returns the count of nodes per label.
func (g *Graph) ListLabels() map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	labels := make(map[string]int)
	for _, node := range g.nodes {
		labels[node.Label]++
	}
	return labels
}

// NodeCount returns the total number of nodes.
func (g *Graph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// score computes the relevance of a node for a lowercased query. The boolean
// reports whether the node matches at all. Name hits outweigh content and
// description hits; an exact name match ranks highest.
func score(node *Node, query string) (float64, bool) {
	if query == "" {
		return 0, true
	}
	var s float64
	if name, ok := node.Properties["name"].(string); ok {
		lower := strings.ToLower(name)
		if lower == query {
			s += 3
		} else if strings.Contains(lower, query) {
			s += 2
		}
	}
	for _, field := range []string{"content", "description"} {
		if v, ok := node.Properties[field].(string); ok && strings.Contains(strings.ToLower(v), query) {
			s++
		}
	}
	return s, s > 0
}

func edgeID(from int64, edgeType string, to int64) string {
	return fmt.Sprintf("%d-%s->%d", from, edgeType, to)
}

func (n *Node) clone() Node {
	props := make(map[string]any, len(n.Properties))
	for k, v := range n.Properties {
		props[k] = v
	}
	return Node{ID: n.ID, Label: n.Label, Properties: props, UpdatedAt: n.UpdatedAt}
}

func (e *Edge) clone() Edge {
	props := make(map[string]any, len(e.Properties))
	for k, v := range e.Properties {
		props[k] = v
	}
	return Edge{ID: e.ID, From: e.From, To: e.To, Type: e.Type, Properties: props, CreatedAt: e.CreatedAt}
}

// Name returns the node's "name" property, or the empty string.
func (n Node) Name() string {
	if s, ok := n.Properties["name"].(string); ok {
		return s
	}
	return ""
}
