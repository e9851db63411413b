package execution

import "fmt"

// Code is a stable machine-readable error code. The set is closed; new codes
// are an API change.
type Code string

const (
	CodeValidation         Code = "VALIDATION_ERROR"
	CodeConfigMissing      Code = "CONFIG_MISSING"
	CodeAuth               Code = "AUTH_ERROR"
	CodeForbidden          Code = "FORBIDDEN"
	CodeNotFound           Code = "NOT_FOUND"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeTimeout            Code = "TIMEOUT"
	CodeNetwork            Code = "NETWORK_ERROR"
	CodeUnsupported        Code = "UNSUPPORTED"
	CodeInternal           Code = "INTERNAL_ERROR"
	CodePathTraversal      Code = "PATH_TRAVERSAL"
	CodeSQLInjection       Code = "SQL_INJECTION"
	CodeSSRF               Code = "SSRF"
	CodePluginCrashed      Code = "PLUGIN_CRASHED"
	CodeCancelled          Code = "CANCELLED"
	CodeExecution          Code = "EXECUTION_ERROR"
	CodeNoStartNode        Code = "NO_START_NODE"
	CodeMultipleStartNodes Code = "MULTIPLE_START_NODES"
	CodeCycleDetected      Code = "CYCLE_DETECTED"
	CodeOrphanNode         Code = "ORPHAN_NODE"
	CodeInvalidStartNode   Code = "INVALID_START_NODE"
	CodeTypeMismatch       Code = "TYPE_MISMATCH"
	CodePortNotFound       Code = "PORT_NOT_FOUND"
)

// DefaultRetryable is the set of codes that are retryable without the step
// opting in via retry_on.
var DefaultRetryable = map[Code]bool{
	CodeTimeout:     true,
	CodeNetwork:     true,
	CodeRateLimited: true,
}

// Retryable reports whether code may be retried. The default retryable set
// applies only when the module itself declares retryable; a step's retry_on
// list opts in additional codes regardless. PLUGIN_CRASHED is always
// retryable: the crash consumed the process, so a retry lands on a fresh one.
func Retryable(code Code, moduleRetryable bool, retryOn []string) bool {
	if code == CodePluginCrashed {
		return true
	}
	for _, c := range retryOn {
		if Code(c) == code {
			return true
		}
	}
	return moduleRetryable && DefaultRetryable[code]
}

// ModuleError is the tagged error a module handler returns for expected
// failures. Unexpected panics are converted to INTERNAL_ERROR by the invoker.
type ModuleError struct {
	Code    Code
	Message string
	Field   string
	Hint    string
	Details map[string]any
}

func (e *ModuleError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field %q)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewModuleError creates a ModuleError with the given code and message.
func NewModuleError(code Code, format string, args ...any) *ModuleError {
	return &ModuleError{Code: code, Message: fmt.Sprintf(format, args...)}
}
