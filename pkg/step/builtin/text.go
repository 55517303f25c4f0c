package builtin

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/galaddirie/flowline/pkg/errors"
	"github.com/galaddirie/flowline/pkg/step"
	"github.com/galaddirie/flowline/pkg/template"
)

func formatString() step.Definition {
	return step.Definition{
		TypeID:      "format_string",
		Name:        "Format String",
		Category:    "transforms",
		Description: "Outputs the configured template after evaluation.",
		Icon:        "type",
		Kind:        step.KindTransform,
		ConfigSchema: map[string]any{
			"type":     "object",
			"required": []any{"template"},
			"properties": map[string]any{
				"template": map[string]any{"type": "string"},
			},
		},
		// The engine resolves config templates before invocation, so by
		// the time this runs the formatting already happened.
		Handler: step.HandlerFunc(func(ctx context.Context, req step.Request) (step.Result, error) {
			return step.Result{Output: template.Stringify(req.Config["template"])}, nil
		}),
	}
}

func stringCase() step.Definition {
	return step.Definition{
		TypeID:      "string_case",
		Name:        "String Case",
		Category:    "transforms",
		Description: "Converts a string between upper, lower, and title case.",
		Icon:        "case-sensitive",
		Kind:        step.KindTransform,
		ConfigSchema: map[string]any{
			"type":     "object",
			"required": []any{"value", "case"},
			"properties": map[string]any{
				"value": map[string]any{},
				"case": map[string]any{
					"type": "string",
					"enum": []any{"upper", "lower", "title"},
				},
			},
		},
		Handler: step.HandlerFunc(func(ctx context.Context, req step.Request) (step.Result, error) {
			value := template.Stringify(req.Config["value"])
			switch req.Config["case"] {
			case "upper":
				return step.Result{Output: strings.ToUpper(value)}, nil
			case "lower":
				return step.Result{Output: strings.ToLower(value)}, nil
			case "title":
				return step.Result{Output: titleCase(value)}, nil
			default:
				return step.Result{}, &errors.ValidationError{
					Field:   "case",
					Message: fmt.Sprintf("unknown case %v", req.Config["case"]),
				}
			}
		}),
	}
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}

func concatenate() step.Definition {
	return step.Definition{
		TypeID:      "concatenate",
		Name:        "Concatenate",
		Category:    "transforms",
		Description: "Joins a list of values into one string.",
		Icon:        "link",
		Kind:        step.KindTransform,
		ConfigSchema: map[string]any{
			"type":     "object",
			"required": []any{"values"},
			"properties": map[string]any{
				"values":    map[string]any{"type": "array"},
				"separator": map[string]any{"type": "string"},
			},
		},
		Handler: step.HandlerFunc(func(ctx context.Context, req step.Request) (step.Result, error) {
			values, ok := req.Config["values"].([]any)
			if !ok {
				return step.Result{}, &errors.ValidationError{Field: "values", Message: "values must be a list"}
			}
			sep, _ := req.Config["separator"].(string)
			parts := make([]string, len(values))
			for i, v := range values {
				parts[i] = template.Stringify(v)
			}
			return step.Result{Output: strings.Join(parts, sep)}, nil
		}),
	}
}

func splitText() step.Definition {
	return step.Definition{
		TypeID:      "split_text",
		Name:        "Split Text",
		Category:    "transforms",
		Description: "Splits a string on a separator into a list.",
		Icon:        "scissors",
		Kind:        step.KindTransform,
		ConfigSchema: map[string]any{
			"type":     "object",
			"required": []any{"value"},
			"properties": map[string]any{
				"value":     map[string]any{},
				"separator": map[string]any{"type": "string"},
			},
		},
		Handler: step.HandlerFunc(func(ctx context.Context, req step.Request) (step.Result, error) {
			value := template.Stringify(req.Config["value"])
			sep := stringOr(req.Config["separator"], ",")
			parts := strings.Split(value, sep)
			out := make([]any, len(parts))
			for i, p := range parts {
				out[i] = p
			}
			return step.Result{Output: out}, nil
		}),
	}
}

func replaceText() step.Definition {
	return step.Definition{
		TypeID:      "replace_text",
		Name:        "Replace Text",
		Category:    "transforms",
		Description: "Replaces occurrences of a pattern, literally or by regular expression.",
		Icon:        "replace",
		Kind:        step.KindTransform,
		ConfigSchema: map[string]any{
			"type":     "object",
			"required": []any{"value", "find"},
			"properties": map[string]any{
				"value":        map[string]any{},
				"find":         map[string]any{"type": "string"},
				"replace_with": map[string]any{"type": "string"},
				"regex":        map[string]any{"type": "boolean"},
			},
		},
		Handler: step.HandlerFunc(func(ctx context.Context, req step.Request) (step.Result, error) {
			value := template.Stringify(req.Config["value"])
			find, _ := req.Config["find"].(string)
			replacement, _ := req.Config["replace_with"].(string)

			if useRegex, _ := req.Config["regex"].(bool); useRegex {
				re, err := regexp.Compile(find)
				if err != nil {
					return step.Result{}, &errors.ValidationError{Field: "find", Message: err.Error()}
				}
				return step.Result{Output: re.ReplaceAllString(value, replacement)}, nil
			}
			return step.Result{Output: strings.ReplaceAll(value, find, replacement)}, nil
		}),
	}
}

func trimText() step.Definition {
	return step.Definition{
		TypeID:      "trim_text",
		Name:        "Trim Text",
		Category:    "transforms",
		Description: "Trims whitespace or a cutset from one or both ends of a string.",
		Icon:        "crop",
		Kind:        step.KindTransform,
		ConfigSchema: map[string]any{
			"type":     "object",
			"required": []any{"value"},
			"properties": map[string]any{
				"value": map[string]any{},
				"mode": map[string]any{
					"type": "string",
					"enum": []any{"both", "left", "right"},
				},
				"cutset": map[string]any{"type": "string"},
			},
		},
		Handler: step.HandlerFunc(func(ctx context.Context, req step.Request) (step.Result, error) {
			value := template.Stringify(req.Config["value"])
			mode := stringOr(req.Config["mode"], "both")
			cutset, _ := req.Config["cutset"].(string)

			var out string
			switch {
			case cutset == "" && mode == "both":
				out = strings.TrimSpace(value)
			case cutset == "" && mode == "left":
				out = strings.TrimLeft(value, " \t\n\r")
			case cutset == "" && mode == "right":
				out = strings.TrimRight(value, " \t\n\r")
			case mode == "left":
				out = strings.TrimLeft(value, cutset)
			case mode == "right":
				out = strings.TrimRight(value, cutset)
			default:
				out = strings.Trim(value, cutset)
			}
			return step.Result{Output: out}, nil
		}),
	}
}
