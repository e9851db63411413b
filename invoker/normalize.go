package invoker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/GoCodeAlone/stepflow/execution"
	"github.com/GoCodeAlone/stepflow/module"
)

// Normalize rewrites any handler return shape into a StepResult:
//
//   - a *module.Emission is unwrapped; its payload becomes the data and the
//     emission travels alongside for port routing
//   - a *execution.StepResult passes through
//   - a map carrying "ok" passes through field-wise
//   - a map carrying status: "error" becomes a failed result
//   - any other value is wrapped as a successful result
//
// Errors take precedence: *execution.ModuleError keeps its code and metadata,
// context errors map to TIMEOUT and CANCELLED, anything else is
// EXECUTION_ERROR.
func Normalize(ctx context.Context, out any, err error) (*execution.StepResult, *module.Emission) {
	if err != nil {
		return normalizeError(ctx, err), nil
	}

	var em *module.Emission
	if e, ok := out.(*module.Emission); ok {
		em = e
		out = e.Payload
	}

	switch v := out.(type) {
	case *execution.StepResult:
		return v, em
	case execution.StepResult:
		return &v, em
	case map[string]any:
		if okv, has := v["ok"]; has {
			if b, isBool := okv.(bool); isBool {
				return resultFromMap(b, v), em
			}
		}
		if status, _ := v["status"].(string); status == "error" {
			msg, _ := v["message"].(string)
			if msg == "" {
				msg = "module reported an error"
			}
			return execution.FailResult(execution.CodeExecution, msg), nil
		}
		return execution.OKResult(v), em
	default:
		return execution.OKResult(out), em
	}
}

func resultFromMap(ok bool, v map[string]any) *execution.StepResult {
	res := &execution.StepResult{OK: ok, Data: v["data"]}
	if !ok {
		res.Error, _ = v["error"].(string)
		if code, _ := v["error_code"].(string); code != "" {
			res.ErrorCode = execution.Code(code)
		} else {
			res.ErrorCode = execution.CodeExecution
		}
	}
	return res
}

func normalizeError(ctx context.Context, err error) *execution.StepResult {
	var me *execution.ModuleError
	if errors.As(err, &me) {
		res := execution.FailResult(me.Code, me.Message)
		if me.Field != "" || me.Hint != "" || len(me.Details) > 0 {
			res.Meta.Extra = map[string]any{}
			if me.Field != "" {
				res.Meta.Extra["field"] = me.Field
			}
			if me.Hint != "" {
				res.Meta.Extra["hint"] = me.Hint
			}
			if len(me.Details) > 0 {
				res.Meta.Extra["details"] = me.Details
			}
		}
		return res
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return execution.FailResult(execution.CodeTimeout, err.Error())
	case errors.Is(err, context.Canceled):
		return execution.FailResult(execution.CodeCancelled, err.Error())
	case ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		return execution.FailResult(execution.CodeTimeout, err.Error())
	case ctx.Err() != nil:
		return execution.FailResult(execution.CodeCancelled, err.Error())
	default:
		return execution.FailResult(execution.CodeExecution, err.Error())
	}
}

// recoverResult converts a handler panic into INTERNAL_ERROR. The stack trace
// stays in the result metadata for the engine trace and is stripped before
// the result crosses any external boundary.
func recoverResult(r any) *execution.StepResult {
	res := execution.FailResult(execution.CodeInternal, fmt.Sprintf("module panicked: %v", r))
	res.Meta.Traceback = string(debug.Stack())
	return res
}
