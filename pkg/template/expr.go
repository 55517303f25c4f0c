package template

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// exprCache compiles guard and iteration expressions once and reuses the
// compiled programs across renders.
type exprCache struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

func newExprCache() *exprCache {
	return &exprCache{programs: make(map[string]*vm.Program)}
}

// Eval evaluates an expression against the given environment and returns
// the raw result.
func (c *exprCache) Eval(expression string, env map[string]any) (any, error) {
	program, err := c.compile(expression)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", expression, err)
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", expression, err)
	}
	return result, nil
}

func (c *exprCache) compile(expression string) (*vm.Program, error) {
	c.mu.RLock()
	if prog, ok := c.programs[expression]; ok {
		c.mu.RUnlock()
		return prog, nil
	}
	c.mu.RUnlock()

	prog, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.programs[expression] = prog
	c.mu.Unlock()
	return prog, nil
}

// Truthy applies the fixed truthiness rules: false, nil, the number zero,
// and the literal strings "false", "0", and "" are false; everything else
// is true.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != "" && val != "false" && val != "0"
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	case float32:
		return val != 0
	default:
		return true
	}
}
