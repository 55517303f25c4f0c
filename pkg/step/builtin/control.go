package builtin

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/galaddirie/flowline/pkg/errors"
	"github.com/galaddirie/flowline/pkg/step"
	"github.com/galaddirie/flowline/pkg/template"
)

func branchStep() step.Definition {
	return step.Definition{
		TypeID:      "branch",
		Name:        "Branch",
		Category:    "control_flow",
		Description: "Routes to the true or false output based on a condition.",
		Icon:        "git-branch",
		Kind:        step.KindControlFlow,
		ConfigSchema: map[string]any{
			"type":     "object",
			"required": []any{"condition"},
			"properties": map[string]any{
				"condition": map[string]any{},
				"pass_data": map[string]any{"type": "boolean"},
			},
		},
		Outputs: []string{step.RouteTrue, step.RouteFalse},
		Handler: step.HandlerFunc(func(ctx context.Context, req step.Request) (step.Result, error) {
			// The engine already resolved the condition template; the
			// fixed truthiness rules decide the route.
			route := step.RouteFalse
			if template.Truthy(req.Config["condition"]) {
				route = step.RouteTrue
			}

			passData := true
			if v, ok := req.Config["pass_data"].(bool); ok {
				passData = v
			}
			output := req.Input
			if !passData {
				output = route == step.RouteTrue
			}
			return step.Result{Output: output, Route: route}, nil
		}),
	}
}

func switchStep() step.Definition {
	return step.Definition{
		TypeID:      "switch",
		Name:        "Switch",
		Category:    "control_flow",
		Description: "Routes to the first matching case's output.",
		Icon:        "git-fork",
		Kind:        step.KindControlFlow,
		ConfigSchema: map[string]any{
			"type":     "object",
			"required": []any{"cases"},
			"properties": map[string]any{
				"value": map[string]any{},
				"cases": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type":     "object",
						"required": []any{"match", "output"},
						"properties": map[string]any{
							"match":  map[string]any{},
							"output": map[string]any{"type": "string"},
						},
					},
				},
				"default_output": map[string]any{"type": "string"},
				"mode": map[string]any{
					"type": "string",
					"enum": []any{"equals", "contains", "regex", "expression"},
				},
			},
		},
		// Expression-mode matches evaluate against the step context at
		// execution time.
		RawConfigKeys: []string{"cases"},
		Handler:       step.HandlerFunc(execSwitch),
	}
}

func execSwitch(ctx context.Context, req step.Request) (step.Result, error) {
	mode := stringOr(req.Config["mode"], "equals")
	value := template.Stringify(req.Config["value"])
	cases, _ := req.Config["cases"].([]any)

	for _, c := range cases {
		entry, ok := c.(map[string]any)
		if !ok {
			continue
		}
		output, _ := entry["output"].(string)
		matched, err := switchMatches(req, mode, value, entry["match"])
		if err != nil {
			return step.Result{}, err
		}
		if matched {
			return step.Result{Output: req.Input, Route: output}, nil
		}
	}
	return step.Result{Output: req.Input, Route: stringOr(req.Config["default_output"], "default")}, nil
}

func switchMatches(req step.Request, mode, value string, match any) (bool, error) {
	switch mode {
	case "equals":
		return value == template.Stringify(match), nil
	case "contains":
		return strings.Contains(value, template.Stringify(match)), nil
	case "regex":
		pattern := template.Stringify(match)
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, &errors.ValidationError{Field: "cases", Message: fmt.Sprintf("invalid regex %q: %v", pattern, err)}
		}
		return re.MatchString(value), nil
	case "expression":
		src, ok := match.(string)
		if !ok {
			return false, &errors.ValidationError{Field: "cases", Message: "expression match must be a string"}
		}
		return engineFor(req).EvalBool(src, req.Context)
	default:
		return false, &errors.ValidationError{Field: "mode", Message: fmt.Sprintf("unknown mode %q", mode)}
	}
}

func mergeStep() step.Definition {
	return step.Definition{
		TypeID:      "merge",
		Name:        "Merge",
		Category:    "control_flow",
		Description: "Joins multiple branches into one value.",
		Icon:        "git-merge",
		Kind:        step.KindControlFlow,
		Behavior:    step.Behavior{Merge: true},
		ConfigSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"mode": map[string]any{
					"type": "string",
					"enum": []any{"wait_any", "wait_all", "combine"},
				},
				"combine_strategy": map[string]any{
					"type": "string",
					"enum": []any{"first", "merge", "append", "object"},
				},
			},
		},
		Handler: step.HandlerFunc(execMerge),
	}
}

func execMerge(ctx context.Context, req step.Request) (step.Result, error) {
	parents, ok := req.Input.(map[string]any)
	if !ok {
		return step.Result{}, &errors.ValidationError{
			Field:   "input",
			Message: fmt.Sprintf("merge expects a parent-keyed input map, got %T", req.Input),
		}
	}
	mode := stringOr(req.Config["mode"], "wait_all")
	strategy := stringOr(req.Config["combine_strategy"], "object")

	// Upstream failures absorbed by a wait_all merge surface here as an
	// aggregated failure once every parent has resolved.
	if mode != "wait_any" {
		if failures := collectFailures(req.Parents, parents); len(failures) > 0 {
			return step.Result{}, &step.Failure{
				Category: "upstream_failed",
				Payload:  map[string]any{"errors": failures},
				Cause:    fmt.Errorf("%d upstream branch(es) failed", len(failures)),
			}
		}
	}

	switch mode {
	case "wait_any":
		for _, id := range req.Parents {
			v, present := parents[id]
			if !present || step.IsSkip(v) || isFailed(v) {
				continue
			}
			return step.Result{Output: v}, nil
		}
		return step.Result{Skip: true}, nil

	case "wait_all", "combine":
		return combineParents(req.Parents, parents, strategy)

	default:
		return step.Result{}, &errors.ValidationError{Field: "mode", Message: fmt.Sprintf("unknown mode %q", mode)}
	}
}

func collectFailures(order []string, parents map[string]any) []any {
	var out []any
	for _, id := range order {
		if f, ok := parents[id].(step.Failed); ok {
			out = append(out, map[string]any{
				"step_id":  f.StepID,
				"category": f.Category,
				"payload":  f.Payload,
			})
		}
	}
	return out
}

func isFailed(v any) bool {
	_, ok := v.(step.Failed)
	return ok
}

func combineParents(order []string, parents map[string]any, strategy string) (step.Result, error) {
	live := make([]string, 0, len(order))
	for _, id := range order {
		if v, present := parents[id]; present && !step.IsSkip(v) {
			live = append(live, id)
		}
	}
	if len(live) == 0 {
		return step.Result{Skip: true}, nil
	}

	switch strategy {
	case "first":
		return step.Result{Output: parents[live[0]]}, nil

	case "merge":
		merged := make(map[string]any)
		for _, id := range live {
			m, ok := parents[id].(map[string]any)
			if !ok {
				return step.Result{}, &errors.ValidationError{
					Field:   "combine_strategy",
					Message: fmt.Sprintf("merge strategy requires map values; parent %q produced %T", id, parents[id]),
				}
			}
			merged = DeepMerge(merged, m)
		}
		return step.Result{Output: merged}, nil

	case "append":
		var out []any
		for _, id := range live {
			if list, ok := parents[id].([]any); ok {
				out = append(out, list...)
				continue
			}
			out = append(out, parents[id])
		}
		return step.Result{Output: out}, nil

	case "object":
		out := make(map[string]any, len(live))
		for _, id := range live {
			out[id] = parents[id]
		}
		return step.Result{Output: out}, nil

	default:
		return step.Result{}, &errors.ValidationError{
			Field:   "combine_strategy",
			Message: fmt.Sprintf("unknown strategy %q", strategy),
		}
	}
}

func debugStep() step.Definition {
	return step.Definition{
		TypeID:      "debug",
		Name:        "Debug",
		Category:    "utilities",
		Description: "Logs its input and passes it through unchanged.",
		Icon:        "bug",
		Kind:        step.KindAction,
		ConfigSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"label": map[string]any{"type": "string"},
			},
		},
		Handler: step.HandlerFunc(func(ctx context.Context, req step.Request) (step.Result, error) {
			if req.Exec.Logger != nil {
				label := stringOr(req.Config["label"], req.Exec.StepID)
				req.Exec.Logger.Info("debug step",
					"label", label,
					"input", fmt.Sprintf("%v", req.Input))
			}
			return step.Result{Output: req.Input}, nil
		}),
	}
}

const maxWaitDuration = 5 * time.Minute

func waitStep() step.Definition {
	return step.Definition{
		TypeID:      "wait",
		Name:        "Wait",
		Category:    "utilities",
		Description: "Pauses the branch for a fixed duration, then passes its input through.",
		Icon:        "hourglass",
		Kind:        step.KindAction,
		ConfigSchema: map[string]any{
			"type":     "object",
			"required": []any{"duration_ms"},
			"properties": map[string]any{
				"duration_ms": map[string]any{
					"type":    "integer",
					"minimum": float64(0),
				},
			},
		},
		Handler: step.HandlerFunc(func(ctx context.Context, req step.Request) (step.Result, error) {
			d := time.Duration(intOr(req.Config["duration_ms"], 0)) * time.Millisecond
			if d > maxWaitDuration {
				d = maxWaitDuration
			}
			if d > 0 {
				timer := time.NewTimer(d)
				defer timer.Stop()
				select {
				case <-timer.C:
				case <-ctx.Done():
					return step.Result{}, &errors.TimeoutError{Operation: "wait step", Duration: d, Cause: ctx.Err()}
				}
			}
			return step.Result{Output: req.Input}, nil
		}),
	}
}
