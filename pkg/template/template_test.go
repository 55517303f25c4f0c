package template

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galaddirie/flowline/pkg/errors"
)

func TestEvaluatePlainText(t *testing.T) {
	e := New()
	out, err := e.Evaluate("no tags here", nil)
	require.NoError(t, err)
	assert.Equal(t, "no tags here", out)
}

func TestEvaluateDottedPath(t *testing.T) {
	e := New()
	ctx := map[string]any{
		"json": map[string]any{
			"user": map[string]any{"name": "ada"},
		},
	}
	out, err := e.Evaluate("hello {{ json.user.name }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello ada", out)
}

func TestEvaluateMissingLeafRendersEmpty(t *testing.T) {
	e := New()
	out, err := e.Evaluate("[{{ json.absent.deeper }}]", map[string]any{"json": map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, "[]", out)
}

func TestEvaluateSliceIndex(t *testing.T) {
	e := New()
	ctx := map[string]any{"items": []any{"a", "b", "c"}}
	out, err := e.Evaluate("{{ items.1 }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", out)
}

func TestEvaluateValuePreservesType(t *testing.T) {
	e := New()
	ctx := map[string]any{"json": map[string]any{"count": float64(3)}}

	v, err := e.EvaluateValue("{{ json.count }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(3), v)

	v, err = e.EvaluateValue("  {{ json }}  ", ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"count": float64(3)}, v)

	// Mixed templates degrade to strings.
	v, err = e.EvaluateValue("n={{ json.count }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "n=3", v)
}

func TestIfElseBlocks(t *testing.T) {
	e := New()
	ctx := map[string]any{"json": map[string]any{"status": 500}}

	out, err := e.Evaluate(`{% if json.status >= 400 %}error{% else %}ok{% endif %}`, ctx)
	require.NoError(t, err)
	assert.Equal(t, "error", out)

	ctx["json"].(map[string]any)["status"] = 200
	out, err = e.Evaluate(`{% if json.status >= 400 %}error{% else %}ok{% endif %}`, ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestForLoop(t *testing.T) {
	e := New()
	ctx := map[string]any{"names": []any{"a", "b", "c"}}
	out, err := e.Evaluate(`{% for n in names %}{{ n }},{% endfor %}`, ctx)
	require.NoError(t, err)
	assert.Equal(t, "a,b,c,", out)
}

func TestForLoopOverMissingListRendersNothing(t *testing.T) {
	e := New()
	out, err := e.Evaluate(`{% for n in absent %}{{ n }}{% endfor %}`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "", out)
}

func TestParseErrorsCarryPosition(t *testing.T) {
	e := New()

	_, err := e.Evaluate("line1\n{{ broken", nil)
	var parseErr *ParseError
	require.True(t, errors.As(err, &parseErr))
	assert.Equal(t, 2, parseErr.Line)
	assert.Equal(t, 1, parseErr.Col)

	_, err = e.Evaluate("{% if x %}no endif", nil)
	require.True(t, errors.As(err, &parseErr))
}

func TestUnknownFilterIsRenderError(t *testing.T) {
	e := New()
	_, err := e.Evaluate("{{ json | nonsense }}", map[string]any{"json": 1})
	var renderErr *RenderError
	require.True(t, errors.As(err, &renderErr))
	assert.Contains(t, renderErr.Message, "nonsense")
}

func TestEvaluateDeep(t *testing.T) {
	e := New()
	ctx := map[string]any{"json": map[string]any{"name": "ada", "n": float64(2)}}

	resolved, err := e.EvaluateDeep(map[string]any{
		"url":    "https://example.com/{{ json.name }}",
		"count":  "{{ json.n }}",
		"static": true,
		"nested": []any{"{{ json.name }}", float64(7)},
	}, ctx)
	require.NoError(t, err)

	m := resolved.(map[string]any)
	assert.Equal(t, "https://example.com/ada", m["url"])
	assert.Equal(t, float64(2), m["count"], "pure refs keep their type")
	assert.Equal(t, true, m["static"])
	assert.Equal(t, []any{"ada", float64(7)}, m["nested"].([]any))
}

func TestEvalBoolTruthiness(t *testing.T) {
	e := New()

	for _, tc := range []struct {
		expr string
		ctx  map[string]any
		want bool
	}{
		{"json.status >= 400", map[string]any{"json": map[string]any{"status": 500}}, true},
		{"json.status >= 400", map[string]any{"json": map[string]any{"status": 200}}, false},
		{"json.flag", map[string]any{"json": map[string]any{"flag": "false"}}, false},
		{"json.flag", map[string]any{"json": map[string]any{"flag": "yes"}}, true},
		{"json.n", map[string]any{"json": map[string]any{"n": 0}}, false},
		{"json.missing", map[string]any{"json": map[string]any{}}, false},
	} {
		got, err := e.EvalBool(tc.expr, tc.ctx)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, got, tc.expr)
	}
}

func TestTruthyRules(t *testing.T) {
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(false))
	assert.False(t, Truthy(""))
	assert.False(t, Truthy("false"))
	assert.False(t, Truthy("0"))
	assert.False(t, Truthy(0))
	assert.False(t, Truthy(float64(0)))
	assert.True(t, Truthy("anything"))
	assert.True(t, Truthy(1))
	assert.True(t, Truthy(map[string]any{}))
}

func TestEvaluationDeadline(t *testing.T) {
	e := New(WithTimeout(time.Nanosecond))
	_, err := e.Evaluate("{{ json }}", map[string]any{"json": 1})
	var timeout *errors.TimeoutError
	require.True(t, errors.As(err, &timeout))
}

func TestJSONRoundTrip(t *testing.T) {
	e := New()
	original := map[string]any{
		"name":  "ada",
		"count": float64(3),
		"tags":  []any{"x", "y"},
	}

	out, err := e.Evaluate("{{ json | json }}", map[string]any{"json": original})
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &parsed))
	assert.Equal(t, original, parsed)
}

func TestExpressionHead(t *testing.T) {
	e := New()
	ctx := map[string]any{"json": map[string]any{"status": float64(500)}}

	v, err := e.EvaluateValue("{{ json.status >= 400 }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = e.EvaluateValue("{{ json.status + 1 }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(501), v)
}

func TestExpressionHeadWithFilters(t *testing.T) {
	e := New()
	ctx := map[string]any{"a": float64(2), "b": float64(3)}
	v, err := e.EvaluateValue("{{ a * b | to_int }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), v)
}
