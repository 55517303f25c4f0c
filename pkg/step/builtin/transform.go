package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/galaddirie/flowline/pkg/errors"
	"github.com/galaddirie/flowline/pkg/step"
	"github.com/galaddirie/flowline/pkg/template"
)

func transformStep() step.Definition {
	return step.Definition{
		TypeID:      "transform",
		Name:        "Transform",
		Category:    "transforms",
		Description: "Reshapes data: map, filter, pick, omit, merge, set, rename, flatten, jq, or passthrough.",
		Icon:        "shuffle",
		Kind:        step.KindTransform,
		ConfigSchema: map[string]any{
			"type":     "object",
			"required": []any{"mode"},
			"properties": map[string]any{
				"mode": map[string]any{
					"type": "string",
					"enum": []any{
						"map", "filter", "pick", "omit", "merge",
						"set", "rename", "flatten", "jq", "passthrough",
					},
				},
				"value":        map[string]any{},
				"fields":       map[string]any{"type": "array"},
				"with":         map[string]any{"type": "object"},
				"field":        map[string]any{"type": "string"},
				"value_to_set": map[string]any{},
				"mappings":     map[string]any{"type": "object"},
				"template":     map[string]any{"type": "string"},
				"expression":   map[string]any{"type": "string"},
				"query":        map[string]any{"type": "string"},
			},
		},
		// template and expression run per element with item bindings;
		// query is jq source. None of the three may be pre-resolved.
		RawConfigKeys: []string{"template", "expression", "query"},
		Handler:       &transformHandler{},
	}
}

type transformHandler struct{}

func (h *transformHandler) Execute(ctx context.Context, req step.Request) (step.Result, error) {
	mode, _ := req.Config["mode"].(string)

	// value defaults to the step input so identity-style reshapes work
	// without templating the input back in.
	value := req.Config["value"]
	if value == nil {
		value = req.Input
	}

	var (
		out any
		err error
	)
	switch mode {
	case "passthrough":
		out = req.Input
	case "pick":
		out, err = pickFields(value, configStrings(req.Config["fields"]))
	case "omit":
		out, err = omitFields(value, configStrings(req.Config["fields"]))
	case "merge":
		with, _ := req.Config["with"].(map[string]any)
		out, err = deepMergeValue(value, with)
	case "set":
		field, _ := req.Config["field"].(string)
		out, err = setField(value, field, req.Config["value_to_set"])
	case "rename":
		mappings, _ := req.Config["mappings"].(map[string]any)
		out, err = renameFields(value, mappings)
	case "flatten":
		out, err = flattenList(value)
	case "map":
		out, err = mapElements(req, value)
	case "filter":
		out, err = filterElements(req, value)
	case "jq":
		out, err = runJQ(ctx, req, value)
	default:
		err = &errors.ValidationError{Field: "mode", Message: fmt.Sprintf("unknown mode %q", mode)}
	}
	if err != nil {
		return step.Result{}, err
	}
	return step.Result{Output: out}, nil
}

func configStrings(v any) []string {
	list, _ := v.([]any)
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// pickFields keeps only the named keys. Lists apply the pick per element.
func pickFields(value any, fields []string) (any, error) {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(fields))
		for _, f := range fields {
			if item, ok := v[f]; ok {
				out[f] = item
			}
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			picked, err := pickFields(item, fields)
			if err != nil {
				return nil, err
			}
			out[i] = picked
		}
		return out, nil
	default:
		return nil, &errors.ValidationError{Field: "value", Message: fmt.Sprintf("pick requires a map or list, got %T", value)}
	}
}

func omitFields(value any, fields []string) (any, error) {
	drop := make(map[string]bool, len(fields))
	for _, f := range fields {
		drop[f] = true
	}
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			if !drop[k] {
				out[k] = item
			}
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			omitted, err := omitFields(item, fields)
			if err != nil {
				return nil, err
			}
			out[i] = omitted
		}
		return out, nil
	default:
		return nil, &errors.ValidationError{Field: "value", Message: fmt.Sprintf("omit requires a map or list, got %T", value)}
	}
}

// deepMergeValue merges with into value; the right side wins on scalar
// conflicts, maps merge recursively.
func deepMergeValue(value any, with map[string]any) (any, error) {
	base, ok := value.(map[string]any)
	if !ok {
		return nil, &errors.ValidationError{Field: "value", Message: fmt.Sprintf("merge requires a map, got %T", value)}
	}
	return DeepMerge(base, with), nil
}

// DeepMerge merges right into left without mutating either.
func DeepMerge(left, right map[string]any) map[string]any {
	out := make(map[string]any, len(left)+len(right))
	for k, v := range left {
		out[k] = v
	}
	for k, rv := range right {
		if lm, ok := out[k].(map[string]any); ok {
			if rm, ok := rv.(map[string]any); ok {
				out[k] = DeepMerge(lm, rm)
				continue
			}
		}
		out[k] = rv
	}
	return out
}

func setField(value any, field string, toSet any) (any, error) {
	if field == "" {
		return nil, &errors.ValidationError{Field: "field", Message: "field is required for set mode"}
	}
	base, ok := value.(map[string]any)
	if !ok {
		return nil, &errors.ValidationError{Field: "value", Message: fmt.Sprintf("set requires a map, got %T", value)}
	}

	segs := strings.Split(field, ".")
	out := cloneShallowPath(base, segs)
	current := out
	for _, seg := range segs[:len(segs)-1] {
		current = current[seg].(map[string]any)
	}
	current[segs[len(segs)-1]] = toSet
	return out, nil
}

// cloneShallowPath copies base and every map along segs so the set never
// mutates the caller's data. Missing intermediates become empty maps.
func cloneShallowPath(base map[string]any, segs []string) map[string]any {
	out := make(map[string]any, len(base))
	for k, v := range base {
		out[k] = v
	}
	current := out
	for _, seg := range segs[:len(segs)-1] {
		next, _ := current[seg].(map[string]any)
		copied := make(map[string]any, len(next))
		for k, v := range next {
			copied[k] = v
		}
		current[seg] = copied
		current = copied
	}
	return out
}

func renameFields(value any, mappings map[string]any) (any, error) {
	base, ok := value.(map[string]any)
	if !ok {
		return nil, &errors.ValidationError{Field: "value", Message: fmt.Sprintf("rename requires a map, got %T", value)}
	}
	out := make(map[string]any, len(base))
	for k, v := range base {
		out[k] = v
	}
	for from, toAny := range mappings {
		to, _ := toAny.(string)
		if to == "" {
			continue
		}
		if v, ok := out[from]; ok {
			delete(out, from)
			out[to] = v
		}
	}
	return out, nil
}

// flattenList flattens one level of nested lists.
func flattenList(value any) (any, error) {
	list, ok := value.([]any)
	if !ok {
		return nil, &errors.ValidationError{Field: "value", Message: fmt.Sprintf("flatten requires a list, got %T", value)}
	}
	out := make([]any, 0, len(list))
	for _, item := range list {
		if nested, ok := item.([]any); ok {
			out = append(out, nested...)
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

func mapElements(req step.Request, value any) (any, error) {
	tmplSrc, _ := req.Config["template"].(string)
	if tmplSrc == "" {
		return nil, &errors.ValidationError{Field: "template", Message: "template is required for map mode"}
	}
	list, ok := value.([]any)
	if !ok {
		return nil, &errors.ValidationError{Field: "value", Message: fmt.Sprintf("map requires a list, got %T", value)}
	}

	out := make([]any, len(list))
	for i, item := range list {
		mapped, err := engineFor(req).EvaluateValue(tmplSrc, itemContext(req, item, i))
		if err != nil {
			return nil, errors.Wrapf(err, "map element %d", i)
		}
		out[i] = mapped
	}
	return out, nil
}

func filterElements(req step.Request, value any) (any, error) {
	exprSrc, _ := req.Config["expression"].(string)
	if exprSrc == "" {
		return nil, &errors.ValidationError{Field: "expression", Message: "expression is required for filter mode"}
	}
	list, ok := value.([]any)
	if !ok {
		return nil, &errors.ValidationError{Field: "value", Message: fmt.Sprintf("filter requires a list, got %T", value)}
	}

	out := make([]any, 0, len(list))
	for i, item := range list {
		keep, err := engineFor(req).EvalBool(exprSrc, itemContext(req, item, i))
		if err != nil {
			return nil, errors.Wrapf(err, "filter element %d", i)
		}
		if keep {
			out = append(out, item)
		}
	}
	return out, nil
}

func itemContext(req step.Request, item any, index int) map[string]any {
	ctx := make(map[string]any, len(req.Context)+2)
	for k, v := range req.Context {
		ctx[k] = v
	}
	ctx["item"] = item
	ctx["index"] = index
	return ctx
}

// engineFor returns the execution's template engine, or a default one for
// direct handler tests.
func engineFor(req step.Request) *template.Engine {
	if req.Exec.Templates != nil {
		return req.Exec.Templates
	}
	return defaultEngine
}

var defaultEngine = template.New()

func runJQ(ctx context.Context, req step.Request, value any) (any, error) {
	src, _ := req.Config["query"].(string)
	if src == "" {
		return value, nil
	}
	query, err := gojq.Parse(src)
	if err != nil {
		return nil, &errors.ValidationError{Field: "query", Message: fmt.Sprintf("parse error: %v", err)}
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, &errors.ValidationError{Field: "query", Message: fmt.Sprintf("compile error: %v", err)}
	}

	iter := code.RunWithContext(ctx, normalizeJSON(value))
	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, errors.Wrap(err, "jq")
		}
		results = append(results, v)
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// normalizeJSON round-trips through encoding/json so gojq only ever sees
// the value kinds it supports.
func normalizeJSON(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func jsonParser() step.Definition {
	return step.Definition{
		TypeID:      "json_parser",
		Name:        "JSON Parser",
		Category:    "transforms",
		Description: "Parses a JSON string into structured data.",
		Icon:        "braces",
		Kind:        step.KindTransform,
		ConfigSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"value": map[string]any{},
			},
		},
		Handler: step.HandlerFunc(func(ctx context.Context, req step.Request) (step.Result, error) {
			value := req.Config["value"]
			if value == nil {
				value = req.Input
			}
			s, ok := value.(string)
			if !ok {
				// Already structured data; pass through.
				return step.Result{Output: value}, nil
			}
			var parsed any
			if err := json.Unmarshal([]byte(s), &parsed); err != nil {
				return step.Result{}, &errors.ValidationError{Field: "value", Message: fmt.Sprintf("invalid JSON: %v", err)}
			}
			return step.Result{Output: parsed}, nil
		}),
	}
}
