package draft

import "fmt"

// Rejection kinds reported to the submitting client when an operation is
// refused. The draft is left untouched on rejection.
const (
	RejectStepExists         = "step_already_exists"
	RejectInvalidStepType    = "invalid_step_type"
	RejectStepNotFound       = "step_not_found"
	RejectConnectionExists   = "connection_already_exists"
	RejectSourceNotFound     = "source_step_not_found"
	RejectTargetNotFound     = "target_step_not_found"
	RejectSelfLoop           = "self_loop_not_allowed"
	RejectWouldCreateCycle   = "would_create_cycle"
	RejectConnectionNotFound = "connection_not_found"
	RejectBadPayload         = "invalid_payload"
)

// Rejection is the error returned when an operation fails validation.
type Rejection struct {
	Kind    string
	Message string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Kind, r.Message)
}

// ErrorType returns the rejection kind, which doubles as the wire-level
// error code.
func (r *Rejection) ErrorType() string { return r.Kind }

func reject(kind, format string, args ...any) error {
	return &Rejection{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// StepTypeChecker answers whether a step type id is registered. The step
// registry satisfies this.
type StepTypeChecker interface {
	HasType(typeID string) bool
}

// Applier validates and applies structural operations to a draft.
type Applier struct {
	types StepTypeChecker
}

// NewApplier creates an applier. types may be nil, in which case step type
// validation is skipped (used when replaying an already-accepted log).
func NewApplier(types StepTypeChecker) *Applier {
	return &Applier{types: types}
}

// Apply validates op against d and, if valid, returns a new draft with the
// operation applied. d is never mutated. Non-structural operations are
// always accepted and returned as-is; their effect lives in editor state,
// not the draft, so a dangling step reference is harmless.
func (a *Applier) Apply(d *Draft, op Operation) (*Draft, error) {
	payload, err := op.DecodePayload()
	if err != nil {
		return nil, reject(RejectBadPayload, "%v", err)
	}

	switch p := payload.(type) {
	case *AddStepPayload:
		return a.addStep(d, p.Step)
	case *RemoveStepPayload:
		return a.removeStep(d, p.StepID)
	case *UpdateStepConfigPayload:
		return a.updateStepConfig(d, p.StepID, p.Patch)
	case *UpdateStepPositionPayload:
		return a.updateStepPosition(d, p.StepID, p.Position)
	case *UpdateStepMetadataPayload:
		return a.updateStepMetadata(d, p)
	case *AddConnectionPayload:
		return a.addConnection(d, p.Connection)
	case *RemoveConnectionPayload:
		return a.removeConnection(d, p.ConnectionID)

	case *PinStepOutputPayload, *UnpinStepOutputPayload,
		*DisableStepPayload, *EnableStepPayload:
		return d, nil
	}
	return nil, reject(RejectBadPayload, "unhandled operation type %q", op.Type)
}

func (a *Applier) addStep(d *Draft, s Step) (*Draft, error) {
	if s.ID == "" {
		return nil, reject(RejectBadPayload, "step id is required")
	}
	if _, ok := d.StepByID(s.ID); ok {
		return nil, reject(RejectStepExists, "step %q already exists", s.ID)
	}
	if a.types != nil && !a.types.HasType(s.TypeID) {
		return nil, reject(RejectInvalidStepType, "unknown step type %q", s.TypeID)
	}
	out := d.Clone()
	s.Config = CloneMap(s.Config)
	out.Steps = append(out.Steps, s)
	return out, nil
}

func (a *Applier) removeStep(d *Draft, stepID string) (*Draft, error) {
	if _, ok := d.StepByID(stepID); !ok {
		return nil, reject(RejectStepNotFound, "step %q does not exist", stepID)
	}
	out := d.Clone()
	steps := out.Steps[:0]
	for _, s := range out.Steps {
		if s.ID != stepID {
			steps = append(steps, s)
		}
	}
	out.Steps = steps

	// Removing a step cascades to every connection touching it.
	conns := out.Connections[:0]
	for _, c := range out.Connections {
		if c.SourceStepID != stepID && c.TargetStepID != stepID {
			conns = append(conns, c)
		}
	}
	out.Connections = conns

	triggers := out.Triggers[:0]
	for _, t := range out.Triggers {
		if t.StepID != stepID {
			triggers = append(triggers, t)
		}
	}
	out.Triggers = triggers
	return out, nil
}

func (a *Applier) updateStepConfig(d *Draft, stepID string, patch []Patch) (*Draft, error) {
	idx := stepIndex(d, stepID)
	if idx < 0 {
		return nil, reject(RejectStepNotFound, "step %q does not exist", stepID)
	}
	out := d.Clone()
	cfg := out.Steps[idx].Config
	if cfg == nil {
		cfg = make(map[string]any)
	}
	patched, err := ApplyPatch(cfg, patch)
	if err != nil {
		return nil, reject(RejectBadPayload, "%v", err)
	}
	out.Steps[idx].Config = patched
	return out, nil
}

func (a *Applier) updateStepPosition(d *Draft, stepID string, pos Position) (*Draft, error) {
	idx := stepIndex(d, stepID)
	if idx < 0 {
		return nil, reject(RejectStepNotFound, "step %q does not exist", stepID)
	}
	out := d.Clone()
	out.Steps[idx].Position = pos
	return out, nil
}

func (a *Applier) updateStepMetadata(d *Draft, p *UpdateStepMetadataPayload) (*Draft, error) {
	idx := stepIndex(d, p.StepID)
	if idx < 0 {
		return nil, reject(RejectStepNotFound, "step %q does not exist", p.StepID)
	}
	out := d.Clone()
	if p.Changes.Name != nil {
		out.Steps[idx].Name = *p.Changes.Name
	}
	if p.Changes.Notes != nil {
		out.Steps[idx].Notes = *p.Changes.Notes
	}
	if p.Changes.Config != nil {
		out.Steps[idx].Config = CloneMap(p.Changes.Config)
	}
	return out, nil
}

func (a *Applier) addConnection(d *Draft, c Connection) (*Draft, error) {
	if c.ID == "" {
		return nil, reject(RejectBadPayload, "connection id is required")
	}
	if _, ok := d.ConnectionByID(c.ID); ok {
		return nil, reject(RejectConnectionExists, "connection %q already exists", c.ID)
	}
	if _, ok := d.StepByID(c.SourceStepID); !ok {
		return nil, reject(RejectSourceNotFound, "source step %q does not exist", c.SourceStepID)
	}
	if _, ok := d.StepByID(c.TargetStepID); !ok {
		return nil, reject(RejectTargetNotFound, "target step %q does not exist", c.TargetStepID)
	}
	if c.SourceStepID == c.TargetStepID {
		return nil, reject(RejectSelfLoop, "step %q cannot connect to itself", c.SourceStepID)
	}
	for _, existing := range d.Connections {
		if existing.SourceStepID == c.SourceStepID &&
			existing.TargetStepID == c.TargetStepID &&
			existing.Output() == c.Output() &&
			existing.Input() == c.Input() {
			return nil, reject(RejectConnectionExists,
				"connection %s:%s -> %s:%s already exists",
				c.SourceStepID, c.Output(), c.TargetStepID, c.Input())
		}
	}

	g, err := d.Graph()
	if err != nil {
		return nil, reject(RejectBadPayload, "%v", err)
	}
	if g.WouldCycle(c.SourceStepID, c.TargetStepID) {
		return nil, reject(RejectWouldCreateCycle,
			"connecting %q to %q would create a cycle", c.SourceStepID, c.TargetStepID)
	}

	out := d.Clone()
	out.Connections = append(out.Connections, c)
	return out, nil
}

func (a *Applier) removeConnection(d *Draft, connID string) (*Draft, error) {
	if _, ok := d.ConnectionByID(connID); !ok {
		return nil, reject(RejectConnectionNotFound, "connection %q does not exist", connID)
	}
	out := d.Clone()
	conns := out.Connections[:0]
	for _, c := range out.Connections {
		if c.ID != connID {
			conns = append(conns, c)
		}
	}
	out.Connections = conns
	return out, nil
}

func stepIndex(d *Draft, stepID string) int {
	for i, s := range d.Steps {
		if s.ID == stepID {
			return i
		}
	}
	return -1
}
