package builtin

import (
	"context"
	"fmt"
	"math"

	"github.com/galaddirie/flowline/pkg/errors"
	"github.com/galaddirie/flowline/pkg/step"
	"github.com/galaddirie/flowline/pkg/template"
)

func splitItems() step.Definition {
	return step.Definition{
		TypeID:      "split_items",
		Name:        "Split Items",
		Category:    "control_flow",
		Description: "Fans a list out into individual items processed downstream in map mode.",
		Icon:        "list",
		Kind:        step.KindControlFlow,
		Behavior:    step.Behavior{FanOut: true},
		ConfigSchema: map[string]any{
			"type":     "object",
			"required": []any{"field"},
			"properties": map[string]any{
				"field":          map[string]any{},
				"include_parent": map[string]any{"type": "boolean"},
				"flatten":        map[string]any{"type": "boolean"},
				"key_field":      map[string]any{"type": "string"},
			},
		},
		Handler: step.HandlerFunc(execSplitItems),
	}
}

func execSplitItems(ctx context.Context, req step.Request) (step.Result, error) {
	// field is templated against the context, so by now it holds the
	// actual list (or nil when the path was missing).
	value := req.Config["field"]
	if value == nil {
		return step.Result{Items: []any{}}, nil
	}
	list, ok := value.([]any)
	if !ok {
		return step.Result{}, &errors.ValidationError{
			Field:   "field",
			Message: fmt.Sprintf("field must resolve to a list, got %T", value),
		}
	}

	if doFlatten, _ := req.Config["flatten"].(bool); doFlatten {
		flat := make([]any, 0, len(list))
		for _, e := range list {
			if nested, ok := e.([]any); ok {
				flat = append(flat, nested...)
				continue
			}
			flat = append(flat, e)
		}
		list = flat
	}

	includeParent, _ := req.Config["include_parent"].(bool)
	keyField, _ := req.Config["key_field"].(string)
	parentScalars := scalarFields(req.Input)

	items := make([]any, len(list))
	for i, e := range list {
		item, ok := e.(map[string]any)
		if !ok {
			item = map[string]any{"value": e}
		} else {
			copied := make(map[string]any, len(item))
			for k, v := range item {
				copied[k] = v
			}
			item = copied
		}
		if includeParent {
			for k, v := range parentScalars {
				if _, taken := item[k]; !taken {
					item[k] = v
				}
			}
		}
		if keyField != "" {
			item[keyField] = i
		}
		items[i] = item
	}
	return step.Result{Items: items}, nil
}

// scalarFields returns the non-container fields of a map input.
func scalarFields(input any) map[string]any {
	m, ok := input.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]any)
	for k, v := range m {
		switch v.(type) {
		case map[string]any, []any:
		default:
			out[k] = v
		}
	}
	return out
}

func aggregateItems() step.Definition {
	return step.Definition{
		TypeID:      "aggregate_items",
		Name:        "Aggregate Items",
		Category:    "control_flow",
		Description: "Collects fanned-out items back into a single value.",
		Icon:        "rows",
		Kind:        step.KindControlFlow,
		Behavior:    step.Behavior{FanIn: true},
		ConfigSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"mode": map[string]any{
					"type": "string",
					"enum": []any{"array", "first", "last", "group_by", "summarize"},
				},
				"group_field": map[string]any{"type": "string"},
				"field":       map[string]any{"type": "string"},
				"operations": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "string"},
				},
				"output_field":   map[string]any{"type": "string"},
				"include_errors": map[string]any{"type": "boolean"},
			},
		},
		Handler: step.HandlerFunc(execAggregateItems),
	}
}

func execAggregateItems(ctx context.Context, req step.Request) (step.Result, error) {
	includeErrors, _ := req.Config["include_errors"].(bool)

	values := make([]any, 0, len(req.Items))
	for _, item := range req.Items {
		if item.Error != "" && !includeErrors {
			continue
		}
		values = append(values, item.Value)
	}

	mode := stringOr(req.Config["mode"], "array")
	var (
		out any
		err error
	)
	switch mode {
	case "array":
		out = values
	case "first":
		if len(values) > 0 {
			out = values[0]
		}
	case "last":
		if len(values) > 0 {
			out = values[len(values)-1]
		}
	case "group_by":
		out, err = groupItems(values, req.Config)
	case "summarize":
		out, err = summarizeItems(values, req.Config)
	default:
		err = &errors.ValidationError{Field: "mode", Message: fmt.Sprintf("unknown mode %q", mode)}
	}
	if err != nil {
		return step.Result{}, err
	}

	if wrapper, _ := req.Config["output_field"].(string); wrapper != "" {
		out = map[string]any{wrapper: out}
	}
	return step.Result{Output: out}, nil
}

func groupItems(values []any, config map[string]any) (any, error) {
	field, _ := config["group_field"].(string)
	if field == "" {
		return nil, &errors.ValidationError{Field: "group_field", Message: "group_field is required for group_by mode"}
	}
	groups := make(map[string]any)
	for _, v := range values {
		m, _ := v.(map[string]any)
		key := template.Stringify(m[field])
		bucket, _ := groups[key].([]any)
		groups[key] = append(bucket, v)
	}
	return groups, nil
}

func summarizeItems(values []any, config map[string]any) (any, error) {
	field, _ := config["field"].(string)
	ops := configStrings(config["operations"])
	if field == "" || len(ops) == 0 {
		return nil, &errors.ValidationError{
			Field:   "operations",
			Message: "summarize mode requires field and operations",
		}
	}

	var nums []float64
	for _, v := range values {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		n, err := toNumber(m[field])
		if err != nil {
			continue
		}
		nums = append(nums, n)
	}

	out := make(map[string]any, len(ops))
	for _, op := range ops {
		switch op {
		case "count":
			out["count"] = len(values)
		case "sum":
			out["sum"] = sum(nums)
		case "avg":
			if len(nums) == 0 {
				out["avg"] = nil
				continue
			}
			out["avg"] = sum(nums) / float64(len(nums))
		case "min":
			out["min"] = extremum(nums, math.Min, math.Inf(1))
		case "max":
			out["max"] = extremum(nums, math.Max, math.Inf(-1))
		default:
			return nil, &errors.ValidationError{
				Field:   "operations",
				Message: fmt.Sprintf("unknown operation %q", op),
			}
		}
	}
	return out, nil
}

func sum(nums []float64) float64 {
	var total float64
	for _, n := range nums {
		total += n
	}
	return total
}

func extremum(nums []float64, pick func(a, b float64) float64, seed float64) any {
	if len(nums) == 0 {
		return nil
	}
	out := seed
	for _, n := range nums {
		out = pick(out, n)
	}
	return out
}
