package execution

import "maps"

// Meta carries execution metadata attached to a step result.
type Meta struct {
	ModuleID   string         `json:"module_id,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
	DurationMS int64          `json:"duration_ms"`
	Attempts   int            `json:"attempts,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`

	// Traceback is kept for the engine's own trace and is stripped from
	// anything returned to a caller. See Redacted.
	Traceback string `json:"traceback,omitempty"`
}

// StepResult is the normalized outcome of one step execution. Every module
// return shape is rewritten into this form by the invoker.
type StepResult struct {
	OK        bool   `json:"ok"`
	Data      any    `json:"data"`
	Error     string `json:"error,omitempty"`
	ErrorCode Code   `json:"error_code,omitempty"`
	Meta      Meta   `json:"meta"`
}

// OKResult wraps data in a successful StepResult.
func OKResult(data any) *StepResult {
	return &StepResult{OK: true, Data: data}
}

// FailResult builds a failed StepResult with the given code and message.
func FailResult(code Code, message string) *StepResult {
	return &StepResult{OK: false, Error: message, ErrorCode: code}
}

// Redacted returns a copy safe to hand across a process boundary: the
// traceback is dropped, everything else is preserved.
func (r *StepResult) Redacted() *StepResult {
	cp := *r
	cp.Meta.Traceback = ""
	if r.Meta.Extra != nil {
		cp.Meta.Extra = maps.Clone(r.Meta.Extra)
		delete(cp.Meta.Extra, "traceback")
	}
	return &cp
}

// Clone returns a deep-enough copy of the result for append-only storage.
// Data is shared; step outputs are treated as immutable once recorded.
func (r *StepResult) Clone() *StepResult {
	cp := *r
	if r.Meta.Extra != nil {
		cp.Meta.Extra = maps.Clone(r.Meta.Extra)
	}
	return &cp
}
