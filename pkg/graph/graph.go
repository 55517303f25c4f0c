// Package graph provides the directed-acyclic-graph view of a workflow
// draft: adjacency, transitive upstream/downstream sets, topological
// ordering, and execution subgraph extraction.
package graph

import (
	"fmt"

	"github.com/galaddirie/flowline/pkg/errors"
)

// Edge is a directed edge between two vertices.
type Edge struct {
	From string
	To   string
}

// Graph is an immutable adjacency representation built from a step list and
// a connection list. Vertex and edge iteration order follows insertion
// order, which keeps topological sorts and fan-in joins deterministic.
type Graph struct {
	nodes    []string
	nodeSet  map[string]bool
	children map[string][]string
	parents  map[string][]string
}

// New builds a graph from the given vertices and edges. Edges whose
// endpoints are not in the vertex set are rejected.
func New(nodes []string, edges []Edge) (*Graph, error) {
	g := &Graph{
		nodeSet:  make(map[string]bool, len(nodes)),
		children: make(map[string][]string),
		parents:  make(map[string][]string),
	}

	for _, id := range nodes {
		if g.nodeSet[id] {
			continue
		}
		g.nodeSet[id] = true
		g.nodes = append(g.nodes, id)
	}

	var invalid []Edge
	for _, e := range edges {
		if !g.nodeSet[e.From] || !g.nodeSet[e.To] {
			invalid = append(invalid, e)
			continue
		}
		g.children[e.From] = append(g.children[e.From], e.To)
		g.parents[e.To] = append(g.parents[e.To], e.From)
	}
	if len(invalid) > 0 {
		return nil, &errors.ValidationError{
			Field:      "edges",
			Message:    fmt.Sprintf("%d edge(s) reference unknown vertices: %v", len(invalid), invalid),
			Suggestion: "remove connections whose endpoints no longer exist",
		}
	}

	return g, nil
}

// Has reports whether the vertex exists.
func (g *Graph) Has(id string) bool { return g.nodeSet[id] }

// Nodes returns the vertices in insertion order.
func (g *Graph) Nodes() []string {
	out := make([]string, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Len returns the number of vertices.
func (g *Graph) Len() int { return len(g.nodes) }

// Parents returns the direct parents of id in edge-insertion order.
func (g *Graph) Parents(id string) []string {
	out := make([]string, len(g.parents[id]))
	copy(out, g.parents[id])
	return out
}

// Children returns the direct children of id in edge-insertion order.
func (g *Graph) Children(id string) []string {
	out := make([]string, len(g.children[id]))
	copy(out, g.children[id])
	return out
}

// Upstream returns the transitive parents of id, excluding id itself.
// Order is unspecified.
func (g *Graph) Upstream(id string) map[string]bool {
	return g.walk(id, g.parents)
}

// Downstream returns the transitive children of id, excluding id itself.
// Order is unspecified.
func (g *Graph) Downstream(id string) map[string]bool {
	return g.walk(id, g.children)
}

func (g *Graph) walk(id string, adj map[string][]string) map[string]bool {
	seen := make(map[string]bool)
	stack := append([]string(nil), adj[id]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, adj[n]...)
	}
	delete(seen, id)
	return seen
}

// DFS colors for cycle detection.
const (
	white = iota // unvisited
	gray         // on the current DFS path
	black        // fully explored
)

// TopologicalSort returns a vertex order consistent with the edges, or a
// CycleError whose witness is the back-edge path that closes the cycle.
func (g *Graph) TopologicalSort() ([]string, error) {
	color := make(map[string]int, len(g.nodes))
	var order []string
	var path []string

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		path = append(path, id)
		for _, child := range g.children[id] {
			switch color[child] {
			case gray:
				return &errors.CycleError{Witness: witness(path, child)}
			case white:
				if err := visit(child); err != nil {
					return err
				}
			}
		}
		color[id] = black
		path = path[:len(path)-1]
		order = append(order, id)
		return nil
	}

	for _, id := range g.nodes {
		if color[id] == white {
			if err := visit(id); err != nil {
				return nil, err
			}
		}
	}

	// Postorder is reverse topological; flip it.
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order, nil
}

// witness extracts the cycle from the DFS path: the suffix starting at the
// gray vertex the back edge points to, closed by repeating that vertex.
func witness(path []string, back string) []string {
	for i, id := range path {
		if id == back {
			cycle := append([]string(nil), path[i:]...)
			return append(cycle, back)
		}
	}
	return []string{back, back}
}

// WouldCycle reports whether adding an edge from → to would make the graph
// cyclic. A self edge is always a cycle.
func (g *Graph) WouldCycle(from, to string) bool {
	if from == to {
		return true
	}
	// The new edge closes a cycle iff from is reachable from to.
	return g.Downstream(to)[from]
}
