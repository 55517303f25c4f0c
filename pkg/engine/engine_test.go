package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galaddirie/flowline/pkg/draft"
	"github.com/galaddirie/flowline/pkg/step/builtin"
)

func testEngine() *Engine {
	return New(builtin.MustRegistry())
}

func wfDraft(steps []draft.Step, conns []draft.Connection) *draft.Draft {
	d := draft.NewDraft("wf-1")
	d.Steps = steps
	d.Connections = conns
	return d
}

func conn(id, from, to string) draft.Connection {
	return draft.Connection{ID: id, SourceStepID: from, TargetStepID: to}
}

func routedConn(id, from, route, to string) draft.Connection {
	return draft.Connection{ID: id, SourceStepID: from, SourceOutput: route, TargetStepID: to}
}

func runDraft(t *testing.T, d *draft.Draft, es *draft.EditorState, input any) *RunResult {
	t.Helper()
	exec := NewExecution(d.WorkflowID, ModeProduction)
	exec.Input = input
	res, err := testEngine().Run(context.Background(), d, es, exec)
	require.NoError(t, err)
	return res
}

func records(res *RunResult, stepID string) []*StepExecution {
	var out []*StepExecution
	for _, se := range res.StepExecutions {
		if se.StepID == stepID {
			out = append(out, se)
		}
	}
	return out
}

func soleRecord(t *testing.T, res *RunResult, stepID string) *StepExecution {
	t.Helper()
	recs := records(res, stepID)
	require.Len(t, recs, 1)
	return recs[0]
}

func TestLinearPipeline(t *testing.T) {
	d := wfDraft(
		[]draft.Step{
			{ID: "a", TypeID: "manual_trigger"},
			{ID: "b", TypeID: "math", Config: map[string]any{
				"operation": "multiply", "operand": float64(2), "value": "{{ json }}",
			}},
			{ID: "c", TypeID: "math", Config: map[string]any{
				"operation": "add", "operand": float64(1), "value": "{{ nodes.b.json }}",
			}},
		},
		[]draft.Connection{conn("c1", "a", "b"), conn("c2", "b", "c")},
	)

	res := runDraft(t, d, nil, float64(3))

	assert.Equal(t, StatusCompleted, res.Execution.Status)
	assert.Equal(t, float64(3), res.Outputs["a"])
	assert.Equal(t, float64(6), res.Outputs["b"])
	assert.Equal(t, float64(7), res.Outputs["c"])

	require.Len(t, res.StepExecutions, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{
		res.StepExecutions[0].StepID,
		res.StepExecutions[1].StepID,
		res.StepExecutions[2].StepID,
	})
	for _, se := range res.StepExecutions {
		assert.Equal(t, StepCompleted, se.Status)
	}
}

func TestFanInJoinZipsInConnectionOrder(t *testing.T) {
	d := wfDraft(
		[]draft.Step{
			{ID: "l", TypeID: "math", Config: map[string]any{"operation": "abs", "value": float64(-1)}},
			{ID: "r", TypeID: "math", Config: map[string]any{"operation": "abs", "value": float64(-2)}},
			{ID: "child", TypeID: "debug"},
		},
		[]draft.Connection{conn("c1", "l", "child"), conn("c2", "r", "child")},
	)

	res := runDraft(t, d, nil, map[string]any{})

	assert.Equal(t, StatusCompleted, res.Execution.Status)
	assert.Equal(t, []any{float64(1), float64(2)}, res.Outputs["child"])
}

func TestBranchRouting(t *testing.T) {
	build := func() *draft.Draft {
		return wfDraft(
			[]draft.Step{
				{ID: "t", TypeID: "manual_trigger"},
				{ID: "b", TypeID: "branch", Config: map[string]any{
					"condition": "{{ json.status >= 400 }}",
				}},
				{ID: "e", TypeID: "debug"},
				{ID: "s", TypeID: "debug"},
			},
			[]draft.Connection{
				conn("c1", "t", "b"),
				routedConn("c2", "b", "true", "e"),
				routedConn("c3", "b", "false", "s"),
			},
		)
	}

	t.Run("error path", func(t *testing.T) {
		res := runDraft(t, build(), nil, map[string]any{"status": float64(500)})
		assert.Equal(t, StatusCompleted, res.Execution.Status)
		assert.Equal(t, StepCompleted, soleRecord(t, res, "e").Status)
		assert.Equal(t, StepSkipped, soleRecord(t, res, "s").Status)
		assert.Equal(t, map[string]any{"status": float64(500)}, res.Outputs["e"])
	})

	t.Run("success path", func(t *testing.T) {
		res := runDraft(t, build(), nil, map[string]any{"status": float64(200)})
		assert.Equal(t, StepSkipped, soleRecord(t, res, "e").Status)
		assert.Equal(t, StepCompleted, soleRecord(t, res, "s").Status)
	})
}

func TestSplitAggregate(t *testing.T) {
	d := wfDraft(
		[]draft.Step{
			{ID: "t", TypeID: "manual_trigger"},
			{ID: "split", TypeID: "split_items", Config: map[string]any{"field": "{{ json.users }}"}},
			{ID: "pick", TypeID: "transform", Config: map[string]any{
				"mode": "pick", "fields": []any{"name"},
			}},
			{ID: "agg", TypeID: "aggregate_items", Config: map[string]any{"mode": "array"}},
		},
		[]draft.Connection{
			conn("c1", "t", "split"),
			conn("c2", "split", "pick"),
			conn("c3", "pick", "agg"),
		},
	)

	res := runDraft(t, d, nil, map[string]any{"users": []any{
		map[string]any{"name": "a", "age": float64(1)},
		map[string]any{"name": "b", "age": float64(2)},
	}})

	assert.Equal(t, StatusCompleted, res.Execution.Status)
	assert.Equal(t, []any{
		map[string]any{"name": "a"},
		map[string]any{"name": "b"},
	}, res.Outputs["agg"])

	picks := records(res, "pick")
	require.Len(t, picks, 2)
	indexes := make(map[int]bool)
	for _, se := range picks {
		require.NotNil(t, se.ItemIndex)
		require.NotNil(t, se.ItemTotal)
		assert.Equal(t, 2, *se.ItemTotal)
		indexes[*se.ItemIndex] = true
	}
	assert.Equal(t, map[int]bool{0: true, 1: true}, indexes)
}

func TestSplitEmptyListRecordsNoItemExecutions(t *testing.T) {
	d := wfDraft(
		[]draft.Step{
			{ID: "t", TypeID: "manual_trigger"},
			{ID: "split", TypeID: "split_items", Config: map[string]any{"field": "{{ json.users }}"}},
			{ID: "pick", TypeID: "transform", Config: map[string]any{"mode": "pick", "fields": []any{"name"}}},
			{ID: "agg", TypeID: "aggregate_items"},
		},
		[]draft.Connection{
			conn("c1", "t", "split"),
			conn("c2", "split", "pick"),
			conn("c3", "pick", "agg"),
		},
	)

	res := runDraft(t, d, nil, map[string]any{"users": []any{}})

	assert.Equal(t, StatusCompleted, res.Execution.Status)
	assert.Empty(t, records(res, "pick"))
	assert.Equal(t, []any{}, res.Outputs["agg"])
}

func TestPinnedOutputShortCircuits(t *testing.T) {
	d := wfDraft(
		[]draft.Step{
			{ID: "a", TypeID: "manual_trigger"},
			{ID: "b", TypeID: "math", Config: map[string]any{
				"operation": "divide", "operand": float64(0), "value": float64(1),
			}},
			{ID: "c", TypeID: "math", Config: map[string]any{
				"operation": "add", "operand": float64(1), "value": "{{ nodes.b.json }}",
			}},
		},
		[]draft.Connection{conn("c1", "a", "b"), conn("c2", "b", "c")},
	)
	es := draft.NewEditorState()
	es.Pins["b"] = float64(10)

	// b would divide by zero; the pin replaces its executor entirely.
	res := runDraft(t, d, es, float64(1))

	assert.Equal(t, StatusCompleted, res.Execution.Status)
	assert.Equal(t, StepCompleted, soleRecord(t, res, "b").Status)
	assert.Equal(t, float64(11), res.Outputs["c"])
}

func TestSkipDisabledShortCircuitsDownstream(t *testing.T) {
	d := wfDraft(
		[]draft.Step{
			{ID: "a", TypeID: "manual_trigger"},
			{ID: "b", TypeID: "debug"},
			{ID: "c", TypeID: "debug"},
		},
		[]draft.Connection{conn("c1", "a", "b"), conn("c2", "b", "c")},
	)
	es := draft.NewEditorState()
	es.Disabled["b"] = draft.DisableSkip

	res := runDraft(t, d, es, float64(1))

	assert.Equal(t, StatusCompleted, res.Execution.Status)
	assert.Equal(t, StepSkipped, soleRecord(t, res, "b").Status)
	assert.Equal(t, StepSkipped, soleRecord(t, res, "c").Status)
	assert.NotContains(t, res.Outputs, "b")
}

func TestExcludeDisabledDropsStepFromPlan(t *testing.T) {
	d := wfDraft(
		[]draft.Step{
			{ID: "a", TypeID: "manual_trigger"},
			{ID: "b", TypeID: "debug"},
			{ID: "c", TypeID: "debug"},
		},
		[]draft.Connection{conn("c1", "a", "b"), conn("c2", "b", "c")},
	)
	es := draft.NewEditorState()
	es.Disabled["b"] = draft.DisableExclude

	res := runDraft(t, d, es, float64(1))

	assert.Equal(t, StatusCompleted, res.Execution.Status)
	assert.Empty(t, records(res, "b"))
	assert.NotContains(t, res.Outputs, "b")
}

func TestFailureRoutesToErrorEdge(t *testing.T) {
	d := wfDraft(
		[]draft.Step{
			{ID: "t", TypeID: "manual_trigger"},
			{ID: "f", TypeID: "math", Config: map[string]any{
				"operation": "divide", "operand": float64(0), "value": float64(1),
			}},
			{ID: "h", TypeID: "debug"},
		},
		[]draft.Connection{
			conn("c1", "t", "f"),
			routedConn("c2", "f", "error", "h"),
		},
	)

	res := runDraft(t, d, nil, float64(1))

	assert.Equal(t, StatusCompleted, res.Execution.Status)
	assert.Equal(t, StepFailed, soleRecord(t, res, "f").Status)
	assert.Equal(t, StepCompleted, soleRecord(t, res, "h").Status)

	payload, ok := res.Outputs["h"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "validation", payload["type"])
}

func TestMergeAbsorbsUpstreamFailure(t *testing.T) {
	d := wfDraft(
		[]draft.Step{
			{ID: "t", TypeID: "manual_trigger"},
			{ID: "f", TypeID: "math", Config: map[string]any{
				"operation": "divide", "operand": float64(0), "value": float64(1),
			}},
			{ID: "g", TypeID: "debug"},
			{ID: "m", TypeID: "merge"},
		},
		[]draft.Connection{
			conn("c1", "t", "f"),
			conn("c2", "t", "g"),
			conn("c3", "f", "m"),
			conn("c4", "g", "m"),
		},
	)

	res := runDraft(t, d, nil, float64(1))

	// The wait_all merge absorbs f's failure, then fails itself with the
	// aggregated payload; nothing downstream catches it.
	assert.Equal(t, StatusFailed, res.Execution.Status)
	assert.Equal(t, StepFailed, soleRecord(t, res, "f").Status)
	assert.Equal(t, StepCompleted, soleRecord(t, res, "g").Status)

	m := soleRecord(t, res, "m")
	assert.Equal(t, StepFailed, m.Status)
	assert.Contains(t, m.Error, "upstream_failed")
}

func TestWaitAnyMergePicksFirstLiveParent(t *testing.T) {
	d := wfDraft(
		[]draft.Step{
			{ID: "t", TypeID: "manual_trigger"},
			{ID: "b", TypeID: "branch", Config: map[string]any{
				"condition": "{{ json.status >= 400 }}",
			}},
			{ID: "e", TypeID: "debug"},
			{ID: "s", TypeID: "debug"},
			{ID: "m", TypeID: "merge", Config: map[string]any{"mode": "wait_any"}},
		},
		[]draft.Connection{
			conn("c1", "t", "b"),
			routedConn("c2", "b", "true", "e"),
			routedConn("c3", "b", "false", "s"),
			conn("c4", "e", "m"),
			conn("c5", "s", "m"),
		},
	)

	res := runDraft(t, d, nil, map[string]any{"status": float64(500)})

	assert.Equal(t, StatusCompleted, res.Execution.Status)
	assert.Equal(t, map[string]any{"status": float64(500)}, res.Outputs["m"])
}

func TestUnroutedFailureAbortsExecution(t *testing.T) {
	d := wfDraft(
		[]draft.Step{
			{ID: "t", TypeID: "manual_trigger"},
			{ID: "f", TypeID: "math", Config: map[string]any{
				"operation": "divide", "operand": float64(0), "value": float64(1),
			}},
			{ID: "c", TypeID: "debug"},
		},
		[]draft.Connection{conn("c1", "t", "f"), conn("c2", "f", "c")},
	)

	res := runDraft(t, d, nil, float64(1))

	assert.Equal(t, StatusFailed, res.Execution.Status)
	assert.Contains(t, res.Execution.Error, "step f failed")
	assert.Equal(t, StepCancelled, soleRecord(t, res, "c").Status)
}

func TestDurationMatchesTimestamps(t *testing.T) {
	d := wfDraft(
		[]draft.Step{
			{ID: "t", TypeID: "manual_trigger"},
			{ID: "w", TypeID: "wait", Config: map[string]any{"duration_ms": float64(10)}},
		},
		[]draft.Connection{conn("c1", "t", "w")},
	)

	res := runDraft(t, d, nil, float64(1))

	se := soleRecord(t, res, "w")
	require.NotNil(t, se.StartedAt)
	require.NotNil(t, se.CompletedAt)
	want := se.CompletedAt.Sub(*se.StartedAt) / time.Microsecond
	assert.Equal(t, int64(want), se.DurationUS)
	assert.GreaterOrEqual(t, se.DurationUS, int64(10_000))
}

func TestUpstreamRestrictionHidesSiblings(t *testing.T) {
	// a and b are siblings; a's config references b, which is not among
	// its ancestors and therefore resolves to nothing.
	d := wfDraft(
		[]draft.Step{
			{ID: "t", TypeID: "manual_trigger"},
			{ID: "a", TypeID: "transform", Config: map[string]any{
				"mode":         "set",
				"field":        "probe",
				"value_to_set": "{{ nodes.b.json | default: 'hidden' }}",
			}},
			{ID: "b", TypeID: "debug"},
		},
		[]draft.Connection{conn("c1", "t", "a"), conn("c2", "t", "b")},
	)

	res := runDraft(t, d, nil, map[string]any{"k": "v"})

	assert.Equal(t, StatusCompleted, res.Execution.Status)
	out, ok := res.Outputs["a"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hidden", out["probe"])
}
