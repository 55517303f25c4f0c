package builtin

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/galaddirie/flowline/pkg/errors"
	"github.com/galaddirie/flowline/pkg/step"
)

var binaryOps = map[string]func(a, b float64) (float64, error){
	"add":      func(a, b float64) (float64, error) { return a + b, nil },
	"subtract": func(a, b float64) (float64, error) { return a - b, nil },
	"multiply": func(a, b float64) (float64, error) { return a * b, nil },
	"divide": func(a, b float64) (float64, error) {
		if b == 0 {
			return 0, fmt.Errorf("division by zero")
		}
		return a / b, nil
	},
	"mod": func(a, b float64) (float64, error) {
		if b == 0 {
			return 0, fmt.Errorf("division by zero")
		}
		return math.Mod(a, b), nil
	},
	"power": func(a, b float64) (float64, error) { return math.Pow(a, b), nil },
}

var unaryOps = map[string]func(a float64) (float64, error){
	"abs":    func(a float64) (float64, error) { return math.Abs(a), nil },
	"negate": func(a float64) (float64, error) { return -a, nil },
	"sqrt": func(a float64) (float64, error) {
		if a < 0 {
			return 0, fmt.Errorf("sqrt of negative number")
		}
		return math.Sqrt(a), nil
	},
	"round": func(a float64) (float64, error) { return math.Round(a), nil },
	"ceil":  func(a float64) (float64, error) { return math.Ceil(a), nil },
	"floor": func(a float64) (float64, error) { return math.Floor(a), nil },
}

func mathStep() step.Definition {
	return step.Definition{
		TypeID:      "math",
		Name:        "Math",
		Category:    "transforms",
		Description: "Applies a unary or binary arithmetic operation to a value.",
		Icon:        "calculator",
		Kind:        step.KindTransform,
		ConfigSchema: map[string]any{
			"type":     "object",
			"required": []any{"operation"},
			"properties": map[string]any{
				"operation": map[string]any{
					"type": "string",
					"enum": []any{
						"add", "subtract", "multiply", "divide", "mod", "power",
						"abs", "negate", "sqrt", "round", "ceil", "floor",
					},
				},
				"value":   map[string]any{},
				"operand": map[string]any{},
			},
		},
		Handler: step.HandlerFunc(execMath),
	}
}

func execMath(ctx context.Context, req step.Request) (step.Result, error) {
	op, _ := req.Config["operation"].(string)

	value, err := toNumber(req.Config["value"])
	if err != nil {
		return step.Result{}, &errors.ValidationError{Field: "value", Message: err.Error()}
	}

	if unary, ok := unaryOps[op]; ok {
		out, err := unary(value)
		if err != nil {
			return step.Result{}, &errors.ValidationError{Field: "operation", Message: err.Error()}
		}
		return step.Result{Output: out}, nil
	}

	binary, ok := binaryOps[op]
	if !ok {
		return step.Result{}, &errors.ValidationError{
			Field:   "operation",
			Message: fmt.Sprintf("unknown operation %q", op),
		}
	}
	operand, err := toNumber(req.Config["operand"])
	if err != nil {
		return step.Result{}, &errors.ValidationError{Field: "operand", Message: err.Error()}
	}
	out, err := binary(value, operand)
	if err != nil {
		return step.Result{}, &errors.ValidationError{Field: "operation", Message: err.Error()}
	}
	return step.Result{Output: out}, nil
}

func toNumber(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", n)
		}
		return f, nil
	case nil:
		return 0, fmt.Errorf("missing numeric value")
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}
