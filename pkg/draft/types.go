// Package draft holds the collaborative authoring document: steps,
// connections, triggers, and the operation vocabulary that mutates them.
// Structural application is pure so that replaying a stored operation log
// rebuilds an identical draft.
package draft

import (
	"time"

	"github.com/galaddirie/flowline/pkg/graph"
)

// Step is a vertex of the workflow DAG.
type Step struct {
	// ID is stable and unique within a draft.
	ID string `json:"id"`

	// TypeID keys into the step registry.
	TypeID string `json:"type_id"`

	// Name is the display name.
	Name string `json:"name"`

	// Position is opaque to the core; the editor owns its meaning.
	Position Position `json:"position"`

	// Config is constrained by the step type's schema at validation time.
	Config map[string]any `json:"config,omitempty"`

	// Notes is optional free text.
	Notes string `json:"notes,omitempty"`
}

// Position is a canvas coordinate pair.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// DefaultPort is the output/input label used when a connection does not
// name one.
const DefaultPort = "main"

// Connection is a directed edge between two steps.
type Connection struct {
	ID           string `json:"id"`
	SourceStepID string `json:"source_step_id"`
	SourceOutput string `json:"source_output,omitempty"`
	TargetStepID string `json:"target_step_id"`
	TargetInput  string `json:"target_input,omitempty"`
}

// Output returns the source output label, defaulted.
func (c Connection) Output() string {
	if c.SourceOutput == "" {
		return DefaultPort
	}
	return c.SourceOutput
}

// Input returns the target input label, defaulted.
func (c Connection) Input() string {
	if c.TargetInput == "" {
		return DefaultPort
	}
	return c.TargetInput
}

// Trigger declares how an execution of this workflow starts.
type Trigger struct {
	ID     string         `json:"id"`
	StepID string         `json:"step_id"`
	Type   string         `json:"type"` // manual, webhook, schedule
	Config map[string]any `json:"config,omitempty"`
}

// SettingLastPersistedSeq is the settings key recording the last operation
// sequence baked into the stored draft snapshot.
const SettingLastPersistedSeq = "last_persisted_seq"

// Draft is the live, mutable authoring document for one workflow.
type Draft struct {
	WorkflowID  string         `json:"workflow_id"`
	Steps       []Step         `json:"steps"`
	Connections []Connection   `json:"connections"`
	Triggers    []Trigger      `json:"triggers,omitempty"`
	Settings    map[string]any `json:"settings,omitempty"`
	Variables   map[string]any `json:"variables,omitempty"`
}

// NewDraft creates an empty draft for a workflow.
func NewDraft(workflowID string) *Draft {
	return &Draft{
		WorkflowID: workflowID,
		Settings:   make(map[string]any),
		Variables:  make(map[string]any),
	}
}

// StepByID returns the step and whether it exists.
func (d *Draft) StepByID(id string) (Step, bool) {
	for _, s := range d.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// ConnectionByID returns the connection and whether it exists.
func (d *Draft) ConnectionByID(id string) (Connection, bool) {
	for _, c := range d.Connections {
		if c.ID == id {
			return c, true
		}
	}
	return Connection{}, false
}

// StepIDs returns all step ids in insertion order.
func (d *Draft) StepIDs() []string {
	ids := make([]string, len(d.Steps))
	for i, s := range d.Steps {
		ids[i] = s.ID
	}
	return ids
}

// Graph builds the DAG view of the draft. A draft that satisfies the
// structural invariants always builds.
func (d *Draft) Graph() (*graph.Graph, error) {
	edges := make([]graph.Edge, len(d.Connections))
	for i, c := range d.Connections {
		edges[i] = graph.Edge{From: c.SourceStepID, To: c.TargetStepID}
	}
	return graph.New(d.StepIDs(), edges)
}

// Clone returns a deep copy. Config maps are copied recursively so applying
// operations to the clone never aliases the original.
func (d *Draft) Clone() *Draft {
	out := &Draft{
		WorkflowID:  d.WorkflowID,
		Steps:       make([]Step, len(d.Steps)),
		Connections: append([]Connection(nil), d.Connections...),
		Triggers:    make([]Trigger, len(d.Triggers)),
		Settings:    CloneMap(d.Settings),
		Variables:   CloneMap(d.Variables),
	}
	for i, s := range d.Steps {
		s.Config = CloneMap(s.Config)
		out.Steps[i] = s
	}
	for i, t := range d.Triggers {
		t.Config = CloneMap(t.Config)
		out.Triggers[i] = t
	}
	return out
}

// Version is an immutable published snapshot of a draft.
type Version struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	Tag        string    `json:"tag"`
	Changelog  string    `json:"changelog,omitempty"`
	Draft      *Draft    `json:"draft"`
	CreatedAt  time.Time `json:"created_at"`
	CreatedBy  string    `json:"created_by,omitempty"`
}

// CloneMap deep-copies a JSON-shaped map. Nil stays nil.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies a JSON-shaped value.
func CloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = CloneValue(item)
		}
		return out
	default:
		return val
	}
}
