package draft

// EditorState carries the per-workflow authoring state that lives outside
// the draft document: pinned step outputs and disabled steps. It shares
// the operation log and sequence numbering with the draft but never
// affects structural validity.
type EditorState struct {
	// Pins maps step id to the pinned output substituted for real
	// execution during preview runs.
	Pins map[string]any `json:"pins,omitempty"`

	// Disabled maps step id to its disable mode.
	Disabled map[string]DisableMode `json:"disabled,omitempty"`
}

// NewEditorState creates an empty editor state.
func NewEditorState() *EditorState {
	return &EditorState{
		Pins:     make(map[string]any),
		Disabled: make(map[string]DisableMode),
	}
}

// Clone returns a deep copy.
func (es *EditorState) Clone() *EditorState {
	out := NewEditorState()
	for k, v := range es.Pins {
		out.Pins[k] = CloneValue(v)
	}
	for k, v := range es.Disabled {
		out.Disabled[k] = v
	}
	return out
}

// Apply mutates the editor state for a pin/unpin/disable/enable operation.
// Structural operations that remove a step also clear its editor state via
// DropStep; everything else is a no-op here.
func (es *EditorState) Apply(op Operation) error {
	payload, err := op.DecodePayload()
	if err != nil {
		return err
	}
	switch p := payload.(type) {
	case *PinStepOutputPayload:
		es.Pins[p.StepID] = CloneValue(p.Output)
	case *UnpinStepOutputPayload:
		delete(es.Pins, p.StepID)
	case *DisableStepPayload:
		mode := p.Mode
		if mode == "" {
			mode = DisableSkip
		}
		es.Disabled[p.StepID] = mode
	case *EnableStepPayload:
		delete(es.Disabled, p.StepID)
	case *RemoveStepPayload:
		es.DropStep(p.StepID)
	}
	return nil
}

// DropStep clears all editor state for a removed step.
func (es *EditorState) DropStep(stepID string) {
	delete(es.Pins, stepID)
	delete(es.Disabled, stepID)
}

// DisabledIDs returns the ids of all disabled steps.
func (es *EditorState) DisabledIDs() []string {
	ids := make([]string, 0, len(es.Disabled))
	for id := range es.Disabled {
		ids = append(ids, id)
	}
	return ids
}
