// Package flow implements the builtin flow.* module family: the control-flow
// vocabulary the scheduler understands natively.
package flow

import (
	"fmt"

	"github.com/expr-lang/expr"

	"github.com/GoCodeAlone/stepflow/execution"
)

// EvalCondition evaluates a guard or branch condition. Variable references
// are resolved before the value reaches here, so a string condition is a
// plain boolean expression ("5 > 0", `"a" == "b"`) evaluated with expr.
// Booleans pass through; nil and the empty string are false.
func EvalCondition(v any) (bool, error) {
	switch val := v.(type) {
	case nil:
		return false, nil
	case bool:
		return val, nil
	case string:
		if val == "" {
			return false, nil
		}
		out, err := expr.Eval(val, map[string]any{})
		if err != nil {
			return false, execution.NewModuleError(execution.CodeValidation,
				"condition %q did not evaluate: %v", val, err)
		}
		return Truthy(out), nil
	default:
		return Truthy(val), nil
	}
}

// CompileCondition checks a condition expression at validation time without
// evaluating it. References must already be stripped or substituted.
func CompileCondition(src string) error {
	if src == "" {
		return nil
	}
	if _, err := expr.Compile(src, expr.AllowUndefinedVariables()); err != nil {
		return fmt.Errorf("condition %q does not compile: %w", src, err)
	}
	return nil
}

// Truthy follows the engine's truthiness rules: false, nil, zero numbers and
// empty strings/collections are falsy.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}
