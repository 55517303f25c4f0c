package draft

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTypes map[string]bool

func (f fakeTypes) HasType(id string) bool { return f[id] }

var testTypes = fakeTypes{
	"http.request": true,
	"core.math":    true,
	"core.debug":   true,
}

func op(t OpType, payload any) Operation {
	return Operation{ID: "op-1", WorkflowID: "wf-1", Type: t, Payload: MustPayload(payload), UserID: "u1"}
}

func buildDraft(t *testing.T, ops ...Operation) *Draft {
	t.Helper()
	a := NewApplier(testTypes)
	d := NewDraft("wf-1")
	for _, o := range ops {
		next, err := a.Apply(d, o)
		require.NoError(t, err)
		d = next
	}
	return d
}

func addStepOp(id, typeID string) Operation {
	return op(OpAddStep, AddStepPayload{Step: Step{ID: id, TypeID: typeID, Name: id}})
}

func connectOp(id, from, to string) Operation {
	return op(OpAddConnection, AddConnectionPayload{Connection: Connection{
		ID: id, SourceStepID: from, TargetStepID: to,
	}})
}

func rejectionKind(t *testing.T, err error) string {
	t.Helper()
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	return rej.Kind
}

func TestAddStep(t *testing.T) {
	d := buildDraft(t, addStepOp("a", "core.math"))
	s, ok := d.StepByID("a")
	require.True(t, ok)
	assert.Equal(t, "core.math", s.TypeID)
}

func TestAddStepRejectsDuplicateID(t *testing.T) {
	d := buildDraft(t, addStepOp("a", "core.math"))
	_, err := NewApplier(testTypes).Apply(d, addStepOp("a", "core.debug"))
	assert.Equal(t, RejectStepExists, rejectionKind(t, err))
}

func TestAddStepRejectsUnknownType(t *testing.T) {
	_, err := NewApplier(testTypes).Apply(NewDraft("wf-1"), addStepOp("a", "nope"))
	assert.Equal(t, RejectInvalidStepType, rejectionKind(t, err))
}

func TestApplyNeverMutatesInput(t *testing.T) {
	d := buildDraft(t, addStepOp("a", "core.math"))
	before := len(d.Steps)

	next, err := NewApplier(testTypes).Apply(d, addStepOp("b", "core.math"))
	require.NoError(t, err)
	assert.Len(t, d.Steps, before)
	assert.Len(t, next.Steps, before+1)
}

func TestRemoveStepCascadesConnections(t *testing.T) {
	d := buildDraft(t,
		addStepOp("a", "core.math"),
		addStepOp("b", "core.math"),
		addStepOp("c", "core.math"),
		connectOp("c1", "a", "b"),
		connectOp("c2", "b", "c"),
	)
	next, err := NewApplier(testTypes).Apply(d, op(OpRemoveStep, RemoveStepPayload{StepID: "b"}))
	require.NoError(t, err)
	assert.Len(t, next.Steps, 2)
	assert.Empty(t, next.Connections)
}

func TestRemoveMissingStep(t *testing.T) {
	_, err := NewApplier(testTypes).Apply(NewDraft("wf-1"), op(OpRemoveStep, RemoveStepPayload{StepID: "x"}))
	assert.Equal(t, RejectStepNotFound, rejectionKind(t, err))
}

func TestAddConnectionValidation(t *testing.T) {
	base := buildDraft(t, addStepOp("a", "core.math"), addStepOp("b", "core.math"))
	a := NewApplier(testTypes)

	_, err := a.Apply(base, connectOp("c1", "missing", "b"))
	assert.Equal(t, RejectSourceNotFound, rejectionKind(t, err))

	_, err = a.Apply(base, connectOp("c1", "a", "missing"))
	assert.Equal(t, RejectTargetNotFound, rejectionKind(t, err))

	_, err = a.Apply(base, connectOp("c1", "a", "a"))
	assert.Equal(t, RejectSelfLoop, rejectionKind(t, err))
}

func TestAddConnectionRejectsCycle(t *testing.T) {
	d := buildDraft(t,
		addStepOp("a", "core.math"),
		addStepOp("b", "core.math"),
		addStepOp("c", "core.math"),
		connectOp("c1", "a", "b"),
		connectOp("c2", "b", "c"),
	)
	_, err := NewApplier(testTypes).Apply(d, connectOp("c3", "c", "a"))
	assert.Equal(t, RejectWouldCreateCycle, rejectionKind(t, err))
}

func TestAddConnectionRejectsDuplicateEdge(t *testing.T) {
	d := buildDraft(t,
		addStepOp("a", "core.math"),
		addStepOp("b", "core.math"),
		connectOp("c1", "a", "b"),
	)
	_, err := NewApplier(testTypes).Apply(d, connectOp("c2", "a", "b"))
	assert.Equal(t, RejectConnectionExists, rejectionKind(t, err))
}

func TestParallelEdgesOnDistinctPortsAllowed(t *testing.T) {
	d := buildDraft(t, addStepOp("a", "core.math"), addStepOp("b", "core.math"))
	d = buildApply(t, d, connectOp("c1", "a", "b"))
	second := op(OpAddConnection, AddConnectionPayload{Connection: Connection{
		ID: "c2", SourceStepID: "a", SourceOutput: "error", TargetStepID: "b",
	}})
	d = buildApply(t, d, second)
	assert.Len(t, d.Connections, 2)
}

func buildApply(t *testing.T, d *Draft, o Operation) *Draft {
	t.Helper()
	next, err := NewApplier(testTypes).Apply(d, o)
	require.NoError(t, err)
	return next
}

func TestRemoveConnection(t *testing.T) {
	d := buildDraft(t,
		addStepOp("a", "core.math"),
		addStepOp("b", "core.math"),
		connectOp("c1", "a", "b"),
	)
	d = buildApply(t, d, op(OpRemoveConnection, RemoveConnectionPayload{ConnectionID: "c1"}))
	assert.Empty(t, d.Connections)

	_, err := NewApplier(testTypes).Apply(d, op(OpRemoveConnection, RemoveConnectionPayload{ConnectionID: "c1"}))
	assert.Equal(t, RejectConnectionNotFound, rejectionKind(t, err))
}

func TestUpdateStepPositionAndMetadata(t *testing.T) {
	d := buildDraft(t, addStepOp("a", "core.math"))
	d = buildApply(t, d, op(OpUpdateStepPosition, UpdateStepPositionPayload{
		StepID: "a", Position: Position{X: 100, Y: 50},
	}))
	name := "Renamed"
	notes := "does the math"
	d = buildApply(t, d, op(OpUpdateStepMetadata, UpdateStepMetadataPayload{
		StepID:  "a",
		Changes: StepMetadataChanges{Name: &name, Notes: &notes},
	}))

	s, _ := d.StepByID("a")
	assert.Equal(t, Position{X: 100, Y: 50}, s.Position)
	assert.Equal(t, "Renamed", s.Name)
	assert.Equal(t, "does the math", s.Notes)
}

func TestUpdateStepMetadataWireShape(t *testing.T) {
	d := buildDraft(t, addStepOp("a", "core.math"))

	raw := Operation{
		ID:   "op-meta",
		Type: OpUpdateStepMetadata,
		Payload: json.RawMessage(
			`{"step_id":"a","changes":{"name":"renamed","config":{"k":1}}}`),
	}
	d = buildApply(t, d, raw)

	s, _ := d.StepByID("a")
	assert.Equal(t, "renamed", s.Name)
	assert.Equal(t, map[string]any{"k": float64(1)}, s.Config)
}

func TestUpdateStepMetadataConfigReplacesWholesale(t *testing.T) {
	d := buildDraft(t, op(OpAddStep, AddStepPayload{Step: Step{
		ID: "a", TypeID: "http.request",
		Config: map[string]any{"url": "https://old", "method": "GET"},
	}}))

	d = buildApply(t, d, op(OpUpdateStepMetadata, UpdateStepMetadataPayload{
		StepID:  "a",
		Changes: StepMetadataChanges{Config: map[string]any{"url": "https://new"}},
	}))

	s, _ := d.StepByID("a")
	assert.Equal(t, map[string]any{"url": "https://new"}, s.Config)
}

func TestUpdateStepConfigPatch(t *testing.T) {
	d := buildDraft(t, op(OpAddStep, AddStepPayload{Step: Step{
		ID: "a", TypeID: "http.request",
		Config: map[string]any{"url": "https://old", "retry": map[string]any{"max": float64(1)}},
	}}))

	d = buildApply(t, d, op(OpUpdateStepConfig, UpdateStepConfigPayload{
		StepID: "a",
		Patch: []Patch{
			{Op: "replace", Path: "/url", Value: "https://new"},
			{Op: "add", Path: "/retry/backoff_ms", Value: float64(200)},
			{Op: "remove", Path: "/retry/max"},
		},
	}))

	s, _ := d.StepByID("a")
	assert.Equal(t, "https://new", s.Config["url"])
	retry := s.Config["retry"].(map[string]any)
	assert.Equal(t, float64(200), retry["backoff_ms"])
	assert.NotContains(t, retry, "max")
}

func TestPatchFailureLeavesDraftUntouched(t *testing.T) {
	d := buildDraft(t, op(OpAddStep, AddStepPayload{Step: Step{
		ID: "a", TypeID: "http.request", Config: map[string]any{"url": "https://old"},
	}}))

	_, err := NewApplier(testTypes).Apply(d, op(OpUpdateStepConfig, UpdateStepConfigPayload{
		StepID: "a",
		Patch: []Patch{
			{Op: "replace", Path: "/url", Value: "https://new"},
			{Op: "replace", Path: "/missing", Value: 1},
		},
	}))
	assert.Equal(t, RejectBadPayload, rejectionKind(t, err))

	s, _ := d.StepByID("a")
	assert.Equal(t, "https://old", s.Config["url"])
}

func TestEditorOperationsAlwaysAccepted(t *testing.T) {
	d := NewDraft("wf-1")
	a := NewApplier(testTypes)

	// Editor operations never fail, even for step ids the draft does not
	// know; the dangling editor state is inert.
	for _, o := range []Operation{
		op(OpPinStepOutput, PinStepOutputPayload{StepID: "ghost", Output: map[string]any{"v": 1}}),
		op(OpUnpinStepOutput, UnpinStepOutputPayload{StepID: "ghost"}),
		op(OpDisableStep, DisableStepPayload{StepID: "ghost"}),
		op(OpEnableStep, EnableStepPayload{StepID: "ghost"}),
	} {
		next, err := a.Apply(d, o)
		require.NoError(t, err, string(o.Type))
		assert.Same(t, d, next, string(o.Type))
	}
}

func TestPinPayloadWireShape(t *testing.T) {
	es := NewEditorState()
	require.NoError(t, es.Apply(Operation{
		ID:      "op-pin",
		Type:    OpPinStepOutput,
		Payload: json.RawMessage(`{"step_id":"a","output_data":{"v":42}}`),
	}))
	assert.Equal(t, map[string]any{"v": float64(42)}, es.Pins["a"])
}

func TestEditorState(t *testing.T) {
	es := NewEditorState()
	require.NoError(t, es.Apply(op(OpPinStepOutput, PinStepOutputPayload{
		StepID: "a", Output: map[string]any{"value": float64(42)},
	})))
	require.NoError(t, es.Apply(op(OpDisableStep, DisableStepPayload{StepID: "b"})))

	assert.Equal(t, map[string]any{"value": float64(42)}, es.Pins["a"])
	assert.Equal(t, DisableSkip, es.Disabled["b"])

	require.NoError(t, es.Apply(op(OpUnpinStepOutput, UnpinStepOutputPayload{StepID: "a"})))
	require.NoError(t, es.Apply(op(OpEnableStep, EnableStepPayload{StepID: "b"})))
	assert.Empty(t, es.Pins)
	assert.Empty(t, es.Disabled)
}

func TestEditorStateClearedOnStepRemoval(t *testing.T) {
	es := NewEditorState()
	require.NoError(t, es.Apply(op(OpDisableStep, DisableStepPayload{StepID: "a", Mode: DisableExclude})))
	require.NoError(t, es.Apply(op(OpRemoveStep, RemoveStepPayload{StepID: "a"})))
	assert.Empty(t, es.Disabled)
}

func TestCloneIsolation(t *testing.T) {
	d := buildDraft(t, op(OpAddStep, AddStepPayload{Step: Step{
		ID: "a", TypeID: "core.math", Config: map[string]any{"nested": map[string]any{"k": "v"}},
	}}))
	clone := d.Clone()
	clone.Steps[0].Config["nested"].(map[string]any)["k"] = "mutated"

	s, _ := d.StepByID("a")
	assert.Equal(t, "v", s.Config["nested"].(map[string]any)["k"])
}

func TestOpTypeClassification(t *testing.T) {
	assert.True(t, OpAddStep.IsStructural())
	assert.True(t, OpRemoveConnection.IsStructural())
	assert.False(t, OpPinStepOutput.IsStructural())
	assert.False(t, OpDisableStep.IsStructural())
	assert.True(t, OpEnableStep.Known())
	assert.False(t, OpType("bogus").Known())
}
