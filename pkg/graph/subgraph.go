package graph

// SubgraphOptions controls ExecutionSubgraph extraction.
type SubgraphOptions struct {
	// Exclude removes the given vertices and their outgoing edges before
	// the ancestor walk.
	Exclude []string

	// IncludeTargets keeps target vertices even when every parent they had
	// was excluded.
	IncludeTargets bool
}

// ExecutionSubgraph restricts the graph to the ancestors of the given
// targets. Excluded vertices are dropped along with their outgoing edges,
// so nothing downstream of an excluded vertex is reached through it.
// With no targets the whole graph (minus exclusions) is returned.
func (g *Graph) ExecutionSubgraph(targets []string, opts SubgraphOptions) *Graph {
	excluded := make(map[string]bool, len(opts.Exclude))
	for _, id := range opts.Exclude {
		excluded[id] = true
	}

	keep := make(map[string]bool)
	if len(targets) == 0 {
		for _, id := range g.nodes {
			if !excluded[id] {
				keep[id] = true
			}
		}
	} else {
		var stack []string
		for _, t := range targets {
			if !g.nodeSet[t] || excluded[t] {
				continue
			}
			if g.hasLiveParent(t, excluded) || opts.IncludeTargets || len(g.parents[t]) == 0 {
				keep[t] = true
				stack = append(stack, t)
			}
		}
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, p := range g.parents[n] {
				if excluded[p] || keep[p] {
					continue
				}
				keep[p] = true
				stack = append(stack, p)
			}
		}
	}

	var nodes []string
	for _, id := range g.nodes {
		if keep[id] {
			nodes = append(nodes, id)
		}
	}
	var edges []Edge
	for _, from := range g.nodes {
		if !keep[from] {
			continue
		}
		for _, to := range g.children[from] {
			if keep[to] {
				edges = append(edges, Edge{From: from, To: to})
			}
		}
	}

	// Construction cannot fail: every edge endpoint is in the kept set.
	sub, _ := New(nodes, edges)
	return sub
}

// hasLiveParent reports whether id has at least one parent outside the
// excluded set, or no parents at all.
func (g *Graph) hasLiveParent(id string, excluded map[string]bool) bool {
	parents := g.parents[id]
	if len(parents) == 0 {
		return true
	}
	for _, p := range parents {
		if !excluded[p] {
			return true
		}
	}
	return false
}
