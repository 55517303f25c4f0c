package engine

import (
	"github.com/galaddirie/flowline/pkg/draft"
	"github.com/galaddirie/flowline/pkg/errors"
	"github.com/galaddirie/flowline/pkg/graph"
	"github.com/galaddirie/flowline/pkg/step"
)

// Plan is the executable shape of a draft: the exclusion-filtered graph,
// a topological order grouped into parallelizable levels, per-step
// upstream sets, and ordered parent connections.
type Plan struct {
	Order  []string
	Levels [][]string

	steps map[string]draft.Step
	defs  map[string]step.Definition

	// upstream fixes each step's visible ancestor set at bind time.
	upstream map[string]map[string]bool

	// parents holds incoming connections in insertion order; the zip
	// join and merge tie-breaks depend on that order.
	parents  map[string][]draft.Connection
	children map[string][]draft.Connection

	pins        map[string]any
	skipMode    map[string]bool
	triggerType map[string]string
}

// BuildPlan validates the draft against the registry and produces the
// execution plan. Steps disabled in exclude mode are dropped along with
// everything reachable only through them.
func BuildPlan(d *draft.Draft, es *draft.EditorState, reg *step.Registry) (*Plan, error) {
	g, err := d.Graph()
	if err != nil {
		return nil, err
	}

	var excluded []string
	skipMode := make(map[string]bool)
	if es != nil {
		for id, mode := range es.Disabled {
			switch mode {
			case draft.DisableExclude:
				excluded = append(excluded, id)
			default:
				skipMode[id] = true
			}
		}
	}
	sub := g.ExecutionSubgraph(nil, graph.SubgraphOptions{Exclude: excluded})

	order, err := sub.TopologicalSort()
	if err != nil {
		return nil, err
	}

	p := &Plan{
		Order:       order,
		steps:       make(map[string]draft.Step, len(order)),
		defs:        make(map[string]step.Definition, len(order)),
		upstream:    make(map[string]map[string]bool, len(order)),
		parents:     make(map[string][]draft.Connection),
		children:    make(map[string][]draft.Connection),
		pins:        make(map[string]any),
		skipMode:    skipMode,
		triggerType: make(map[string]string),
	}

	for _, id := range order {
		s, ok := d.StepByID(id)
		if !ok {
			return nil, &errors.NotFoundError{Resource: "step", ID: id}
		}
		def, err := reg.Get(s.TypeID)
		if err != nil {
			return nil, errors.Wrapf(err, "step %q", id)
		}
		p.steps[id] = s
		p.defs[id] = def
		p.upstream[id] = sub.Upstream(id)
	}

	for _, c := range d.Connections {
		if !sub.Has(c.SourceStepID) || !sub.Has(c.TargetStepID) {
			continue
		}
		p.parents[c.TargetStepID] = append(p.parents[c.TargetStepID], c)
		p.children[c.SourceStepID] = append(p.children[c.SourceStepID], c)
	}

	for _, t := range d.Triggers {
		p.triggerType[t.StepID] = t.Type
	}

	if es != nil {
		for id, output := range es.Pins {
			if sub.Has(id) {
				p.pins[id] = draft.CloneValue(output)
			}
		}
	}

	p.Levels = buildLevels(order, p.parents)
	return p, nil
}

// buildLevels groups the topological order by depth: a step's level is one
// past its deepest parent. Steps in the same level have no edges between
// them and can run concurrently.
func buildLevels(order []string, parents map[string][]draft.Connection) [][]string {
	depth := make(map[string]int, len(order))
	maxDepth := 0
	for _, id := range order {
		d := 0
		for _, c := range parents[id] {
			if pd, ok := depth[c.SourceStepID]; ok && pd+1 > d {
				d = pd + 1
			}
		}
		depth[id] = d
		if d > maxDepth {
			maxDepth = d
		}
	}

	levels := make([][]string, maxDepth+1)
	for _, id := range order {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	return levels
}

// Step returns the draft step for an id in the plan.
func (p *Plan) Step(id string) draft.Step { return p.steps[id] }

// Definition returns the registered type definition for a step.
func (p *Plan) Definition(id string) step.Definition { return p.defs[id] }

// Parents returns the incoming connections in insertion order.
func (p *Plan) Parents(id string) []draft.Connection { return p.parents[id] }

// Children returns the outgoing connections in insertion order.
func (p *Plan) Children(id string) []draft.Connection { return p.children[id] }

// ParentIDs returns distinct parent step ids in connection order.
func (p *Plan) ParentIDs(id string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range p.parents[id] {
		if !seen[c.SourceStepID] {
			seen[c.SourceStepID] = true
			out = append(out, c.SourceStepID)
		}
	}
	return out
}

// Upstream returns the visible ancestor set for a step.
func (p *Plan) Upstream(id string) map[string]bool { return p.upstream[id] }

// Pin returns the pinned output for a step, if any.
func (p *Plan) Pin(id string) (any, bool) {
	v, ok := p.pins[id]
	return v, ok
}

// SkipDisabled reports whether the step is disabled in skip mode.
func (p *Plan) SkipDisabled(id string) bool { return p.skipMode[id] }

// TriggerType returns the declared trigger type for a trigger step.
func (p *Plan) TriggerType(id string) string { return p.triggerType[id] }
