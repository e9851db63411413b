// Package executor runs one node at a time: guard evaluation, parameter
// resolution, timeout and retry enforcement, evidence capture and foreach
// expansion. Scheduling order and port routing belong to the engine.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/stepflow/config"
	"github.com/GoCodeAlone/stepflow/execution"
	"github.com/GoCodeAlone/stepflow/flow"
	"github.com/GoCodeAlone/stepflow/invoker"
	"github.com/GoCodeAlone/stepflow/module"
	"github.com/GoCodeAlone/stepflow/resolve"
)

// DefaultStepTimeout bounds a single attempt when neither the step nor the
// module declares a budget.
const DefaultStepTimeout = 300 * time.Second

// Executor runs individual nodes. Safe for concurrent use.
type Executor struct {
	invoker  *invoker.Invoker
	evidence execution.EvidenceStore
	logger   *slog.Logger

	defaultTimeout time.Duration

	// sleep is replaced in tests to observe retry backoff without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an executor. evidence may be nil to disable capture.
func New(inv *invoker.Invoker, evidence execution.EvidenceStore, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		invoker:        inv,
		evidence:       evidence,
		logger:         logger,
		defaultTimeout: DefaultStepTimeout,
		sleep:          sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Request is everything needed to run one node.
type Request struct {
	Workflow *config.Workflow
	Node     *config.Node
	Meta     *module.Metadata
	Exec     *execution.Context
	Env      *resolve.Env

	// Inputs are gathered upstream payloads keyed by input port.
	Inputs map[string][]any

	// Emit publishes trace events. Never nil when called by the engine.
	Emit func(execution.Event)

	// Record stores the node outcome. Nil defaults to Exec.RecordStep; the
	// engine substitutes a revisit-aware recorder for loop and goto paths.
	Record func(nodeID string, res *execution.StepResult) error
}

func (r *Request) record(nodeID string, res *execution.StepResult) error {
	if r.Record != nil {
		return r.Record(nodeID, res)
	}
	return r.Exec.RecordStep(nodeID, res)
}

func (r *Request) emit(ev execution.Event) {
	if r.Emit != nil {
		r.Emit(ev)
	}
}

// Skipped reports whether a result marks a guard-skipped step.
func Skipped(res *execution.StepResult) bool {
	if res == nil || res.Meta.Extra == nil {
		return false
	}
	b, _ := res.Meta.Extra["skipped"].(bool)
	return b
}

// Run executes one node to a recorded outcome. The returned result is never
// nil. The emission, when present, names the output port(s) the payload
// leaves on; a plain data result leaves on the default output port.
func (e *Executor) Run(ctx context.Context, req *Request) (*execution.StepResult, *module.Emission) {
	node := req.Node

	if guard := node.Guard(); guard != "" {
		pass, err := e.evalGuard(guard, req.Env)
		if err != nil {
			res := resultFromError(err)
			_ = req.record(node.ID, res)
			return res, nil
		}
		if !pass {
			res := skippedResult()
			_ = req.record(node.ID, res)
			return res, &module.Emission{Port: defaultPort(req.Meta), Payload: nil}
		}
	}

	if node.Foreach != "" {
		return e.runForeach(ctx, req)
	}

	before := req.Exec.Snapshot()
	started := time.Now()

	res, em := e.invokeWithRetry(ctx, req, req.Env, nil)

	if err := req.record(node.ID, res); err != nil {
		e.logger.Error("failed to record step outcome", "node", node.ID, "error", err)
	}
	e.putEvidence(ctx, req, nil, before, started)
	return res, em
}

func (e *Executor) evalGuard(guard string, env *resolve.Env) (bool, error) {
	resolved, err := resolve.ResolveString(guard, env)
	if err != nil {
		return false, execution.NewModuleError(execution.CodeValidation,
			"guard %q did not resolve: %v", guard, err)
	}
	return flow.EvalCondition(resolved)
}

func skippedResult() *execution.StepResult {
	res := execution.OKResult(nil)
	res.Meta.Extra = map[string]any{"skipped": true}
	return res
}

func defaultPort(meta *module.Metadata) string {
	ports := meta.EffectiveOutputPorts()
	if len(ports) > 0 {
		return ports[0].Name
	}
	return config.DefaultOutputPort
}

func resultFromError(err error) *execution.StepResult {
	res, _ := invoker.Normalize(context.Background(), nil, err)
	return res
}

// invokeWithRetry resolves parameters once, then runs up to 1+retry.count
// attempts. Only retryable error codes re-enter the loop.
func (e *Executor) invokeWithRetry(ctx context.Context, req *Request, env *resolve.Env, iteration *int) (*execution.StepResult, *module.Emission) {
	node, meta := req.Node, req.Meta

	params, err := ResolveParams(meta, node.Params, env)
	if err != nil {
		return resultFromError(err), nil
	}

	var retry config.Retry
	if node.Retry != nil {
		retry = *node.Retry
	}
	attempts := 1 + retry.Count

	var res *execution.StepResult
	var em *module.Emission
	for attempt := 1; attempt <= attempts; attempt++ {
		actx, cancel := e.attemptContext(ctx, node, meta)
		res, em = e.invoker.Invoke(actx, meta, e.invocation(req, params))
		cancel()
		res.Meta.Attempts = attempt

		if res.OK || attempt == attempts {
			break
		}
		if !execution.Retryable(res.ErrorCode, meta.Retryable, retry.RetryOn) {
			break
		}
		delay := backoffDelay(&retry, attempt)
		e.logger.Debug("retrying step", "node", node.ID, "attempt", attempt,
			"error_code", res.ErrorCode, "delay", delay)
		req.emit(execution.NewEvent(execution.EventLog, req.Exec.ExecutionID, node.ID, map[string]any{
			"message": fmt.Sprintf("attempt %d failed with %s; retrying", attempt, res.ErrorCode),
		}))
		if err := e.sleep(ctx, delay); err != nil {
			res = execution.FailResult(execution.CodeCancelled, "cancelled during retry backoff")
			res.Meta.Attempts = attempt
			break
		}
	}
	if iteration != nil {
		if res.Meta.Extra == nil {
			res.Meta.Extra = map[string]any{}
		}
		res.Meta.Extra["iteration_index"] = *iteration
	}
	return res, em
}

func (e *Executor) invocation(req *Request, params map[string]any) *module.Invocation {
	inv := &module.Invocation{
		Module:      req.Meta.ID,
		NodeID:      req.Node.ID,
		ExecutionID: req.Exec.ExecutionID,
		Params:      params,
		Public:      req.Exec.Public(),
		Inputs:      req.Inputs,
		Emit:        req.Emit,
	}
	// The credential channel opens only for modules that declare the need.
	if req.Meta.RequiresCredentials {
		secrets := req.Exec.Secrets()
		creds := make(map[string]string)
		for _, handle := range secrets.Handles() {
			if v, ok := secrets.Resolve(handle); ok {
				creds[handle] = v
			}
		}
		inv.Credentials = creds
	}
	return inv
}

// attemptContext applies the per-attempt budget: the smallest of the step,
// module and engine defaults. An explicit step timeout of zero disables it.
func (e *Executor) attemptContext(ctx context.Context, node *config.Node, meta *module.Metadata) (context.Context, context.CancelFunc) {
	if node.Timeout != nil && *node.Timeout == 0 {
		return context.WithCancel(ctx)
	}
	effective := e.defaultTimeout
	if meta.TimeoutMS > 0 {
		if d := time.Duration(meta.TimeoutMS) * time.Millisecond; d < effective {
			effective = d
		}
	}
	if node.Timeout != nil && *node.Timeout > 0 {
		if d := time.Duration(*node.Timeout) * time.Millisecond; d < effective {
			effective = d
		}
	}
	return context.WithTimeout(ctx, effective)
}

// backoffDelay computes the wait after a failed attempt (1-based).
func backoffDelay(r *config.Retry, attempt int) time.Duration {
	base := time.Duration(r.DelayMS) * time.Millisecond
	if base <= 0 {
		return 0
	}
	switch r.Backoff {
	case config.BackoffLinear:
		return base * time.Duration(attempt)
	case config.BackoffExponential:
		return base * time.Duration(1<<(attempt-1))
	default:
		return base
	}
}

func (e *Executor) putEvidence(ctx context.Context, req *Request, iteration *int, before execution.Snapshot, started time.Time) {
	if e.evidence == nil {
		return
	}
	rec := execution.EvidenceRecord{
		ExecutionID:   req.Exec.ExecutionID,
		NodeID:        req.Node.ID,
		Iteration:     iteration,
		ContextBefore: before,
		ContextAfter:  req.Exec.Snapshot(),
		StartedAt:     started,
		EndedAt:       time.Now(),
	}
	if err := e.evidence.Put(ctx, rec); err != nil {
		e.logger.Error("failed to persist evidence record", "node", req.Node.ID, "error", err)
	}
}
