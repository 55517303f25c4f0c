// Package template implements the restricted templating language used in
// step configuration: `{{ path | filter: arg }}` output pipelines plus
// `{% if %}` / `{% for %}` blocks. Guard and iteration expressions are
// evaluated with expr-lang; output pipelines walk the context directly.
//
// The language has no file, network, or unbounded loop primitives, but an
// evaluation deadline is still imposed to defeat pathological inputs.
package template

import (
	"time"

	"github.com/galaddirie/flowline/pkg/errors"
)

// DefaultTimeout bounds a single template evaluation.
const DefaultTimeout = 5 * time.Second

// Engine evaluates templates against a context mapping. It is safe for
// concurrent use; parsed expressions are cached across evaluations.
type Engine struct {
	filters map[string]Filter
	exprs   *exprCache
	timeout time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithTimeout overrides the per-evaluation deadline.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithFilter registers an additional filter, replacing any builtin of the
// same name.
func WithFilter(name string, f Filter) Option {
	return func(e *Engine) { e.filters[name] = f }
}

// New creates an engine with the builtin filter library.
func New(opts ...Option) *Engine {
	e := &Engine{
		filters: builtinFilters(),
		exprs:   newExprCache(),
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate renders the template against the context and returns the result
// as a string. Missing path leaves render as the empty string.
func (e *Engine) Evaluate(tmpl string, ctx map[string]any) (string, error) {
	nodes, err := e.parseTemplate(tmpl)
	if err != nil {
		return "", err
	}
	r := e.newRenderer(ctx)
	return r.renderString(nodes)
}

// EvaluateValue renders the template, preserving the native type when the
// whole template is a single `{{ pipeline }}` tag. Mixed templates render
// to a string as with Evaluate.
func (e *Engine) EvaluateValue(tmpl string, ctx map[string]any) (any, error) {
	nodes, err := e.parseTemplate(tmpl)
	if err != nil {
		return nil, err
	}
	r := e.newRenderer(ctx)

	if out, ok := soleOutput(nodes); ok {
		return r.evalPipeline(out)
	}
	return r.renderString(nodes)
}

// EvaluateDeep walks a nested structure, evaluating any string leaves that
// contain template syntax. All other leaves pass through unchanged.
func (e *Engine) EvaluateDeep(value any, ctx map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		if !ContainsTemplate(v) {
			return v, nil
		}
		return e.EvaluateValue(v, ctx)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			resolved, err := e.EvaluateDeep(item, ctx)
			if err != nil {
				return nil, errors.Wrapf(err, "in field %q", k)
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := e.EvaluateDeep(item, ctx)
			if err != nil {
				return nil, errors.Wrapf(err, "at index %d", i)
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

// EvalBool evaluates a bare expr-lang expression (no delimiters) against
// the context and applies the fixed truthiness rules. Branch conditions and
// switch expression mode use this entry point.
func (e *Engine) EvalBool(expression string, ctx map[string]any) (bool, error) {
	result, err := e.exprs.Eval(expression, ctx)
	if err != nil {
		return false, &RenderError{Line: 1, Col: 1, Message: err.Error(), Cause: err}
	}
	return Truthy(result), nil
}

func (e *Engine) parseTemplate(tmpl string) ([]node, error) {
	tokens, err := lex(tmpl)
	if err != nil {
		return nil, err
	}
	return parse(tokens)
}

func (e *Engine) newRenderer(ctx map[string]any) *renderer {
	return &renderer{
		engine:   e,
		ctx:      ctx,
		deadline: time.Now().Add(e.timeout),
	}
}

// soleOutput reports whether the node list is exactly one output tag,
// ignoring surrounding whitespace-only text.
func soleOutput(nodes []node) (*outputNode, bool) {
	var out *outputNode
	for _, n := range nodes {
		switch v := n.(type) {
		case *outputNode:
			if out != nil {
				return nil, false
			}
			out = v
		case *textNode:
			if !isBlank(v.text) {
				return nil, false
			}
		default:
			return nil, false
		}
	}
	return out, out != nil
}

func isBlank(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}
