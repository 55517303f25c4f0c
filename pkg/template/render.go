package template

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/galaddirie/flowline/pkg/errors"
)

// renderer carries one evaluation's context and deadline through the tree.
type renderer struct {
	engine   *Engine
	ctx      map[string]any
	scope    map[string]any // loop variable bindings, shadowing ctx
	deadline time.Time
}

func (r *renderer) renderString(nodes []node) (string, error) {
	var b strings.Builder
	if err := r.renderInto(&b, nodes); err != nil {
		return "", err
	}
	return b.String(), nil
}

func (r *renderer) renderInto(b *strings.Builder, nodes []node) error {
	for _, n := range nodes {
		if err := r.checkDeadline(n); err != nil {
			return err
		}
		switch v := n.(type) {
		case *textNode:
			b.WriteString(v.text)

		case *outputNode:
			val, err := r.evalPipeline(v)
			if err != nil {
				return err
			}
			b.WriteString(Stringify(val))

		case *ifNode:
			ok, err := r.evalCond(v.cond, v.line, v.col)
			if err != nil {
				return err
			}
			branch := v.then
			if !ok {
				branch = v.otherwise
			}
			if err := r.renderInto(b, branch); err != nil {
				return err
			}

		case *forNode:
			if err := r.renderFor(b, v); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *renderer) renderFor(b *strings.Builder, n *forNode) error {
	result, err := r.engine.exprs.Eval(n.iterable, r.env())
	if err != nil {
		return &RenderError{Line: n.line, Col: n.col, Message: err.Error(), Cause: err}
	}

	items, ok := asList(result)
	if !ok {
		if result == nil {
			return nil // missing list iterates zero times
		}
		return &RenderError{Line: n.line, Col: n.col,
			Message: fmt.Sprintf("for tag requires a list, got %T", result)}
	}

	saved, had := r.lookupScope(n.variable)
	for _, item := range items {
		if err := r.checkDeadline(n); err != nil {
			return err
		}
		r.bind(n.variable, item)
		if err := r.renderInto(b, n.body); err != nil {
			return err
		}
	}
	if had {
		r.bind(n.variable, saved)
	} else if r.scope != nil {
		delete(r.scope, n.variable)
	}
	return nil
}

func (r *renderer) evalCond(cond string, line, col int) (bool, error) {
	result, err := r.engine.exprs.Eval(cond, r.env())
	if err != nil {
		return false, &RenderError{Line: line, Col: col, Message: err.Error(), Cause: err}
	}
	return Truthy(result), nil
}

// evalPipeline resolves the head and threads the value through the filter
// chain.
func (r *renderer) evalPipeline(n *outputNode) (any, error) {
	var value any
	switch {
	case n.pipe.head.isLit:
		value = n.pipe.head.literal
	case n.pipe.head.expr != "":
		result, err := r.engine.exprs.Eval(n.pipe.head.expr, r.env())
		if err != nil {
			return nil, &RenderError{Line: n.line, Col: n.col, Message: err.Error(), Cause: err}
		}
		value = result
	default:
		value = r.resolvePath(n.pipe.head.path)
	}

	for _, call := range n.pipe.filters {
		filter, ok := r.engine.filters[call.name]
		if !ok {
			return nil, &RenderError{Line: n.line, Col: n.col,
				Message: "unknown filter " + strconv.Quote(call.name)}
		}
		out, err := filter(value, call.args)
		if err != nil {
			return nil, &RenderError{Line: n.line, Col: n.col,
				Message: fmt.Sprintf("filter %s: %v", call.name, err), Cause: err}
		}
		value = out
	}
	return value, nil
}

// resolvePath walks nested maps (and slice indices) from the context.
// Missing leaves resolve to nil, which renders as the empty string.
func (r *renderer) resolvePath(path []string) any {
	var current any
	if v, ok := r.lookupScope(path[0]); ok {
		current = v
	} else {
		current = r.ctx[path[0]]
	}

	for _, seg := range path[1:] {
		switch v := current.(type) {
		case map[string]any:
			current = v[seg]
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil
			}
			current = v[idx]
		default:
			return nil
		}
	}
	return current
}

// env builds the expr-lang environment: the context plus loop bindings.
func (r *renderer) env() map[string]any {
	if len(r.scope) == 0 {
		return r.ctx
	}
	env := make(map[string]any, len(r.ctx)+len(r.scope))
	for k, v := range r.ctx {
		env[k] = v
	}
	for k, v := range r.scope {
		env[k] = v
	}
	return env
}

func (r *renderer) bind(name string, value any) {
	if r.scope == nil {
		r.scope = make(map[string]any)
	}
	r.scope[name] = value
}

func (r *renderer) lookupScope(name string) (any, bool) {
	v, ok := r.scope[name]
	return v, ok
}

func (r *renderer) checkDeadline(n node) error {
	if time.Now().Before(r.deadline) {
		return nil
	}
	line, col := n.pos()
	return &errors.TimeoutError{
		Operation: fmt.Sprintf("template evaluation at %d:%d", line, col),
		Duration:  r.engine.timeout,
	}
}

func asList(v any) ([]any, bool) {
	switch items := v.(type) {
	case []any:
		return items, true
	case []map[string]any:
		out := make([]any, len(items))
		for i, m := range items {
			out[i] = m
		}
		return out, true
	case []string:
		out := make([]any, len(items))
		for i, s := range items {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}

// Stringify converts a pipeline result to template output. Maps and slices
// serialize as JSON; nil renders empty; integral floats drop the decimal.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'g', -1, 64)
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(encoded)
	}
}
