package executor

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/stepflow/config"
	"github.com/GoCodeAlone/stepflow/execution"
	"github.com/GoCodeAlone/stepflow/module"
	"github.com/GoCodeAlone/stepflow/resolve"
)

// runForeach expands a step over a resolved item list. Each iteration runs
// the module once with the loop variable bound; iterations are sequential
// unless the step opts into parallel execution. Every iteration leaves its
// own evidence record and the aggregate leaves one more.
func (e *Executor) runForeach(ctx context.Context, req *Request) (*execution.StepResult, *module.Emission) {
	node := req.Node

	aggBefore := req.Exec.Snapshot()
	aggStarted := time.Now()

	items, err := e.foreachItems(node, req.Env)
	if err != nil {
		res := resultFromError(err)
		_ = req.record(node.ID, res)
		return res, nil
	}

	as := node.As
	if as == "" {
		as = "item"
	}
	mode := node.OutputMode
	if mode == "" {
		mode = config.OutputModeCollect
	}
	continueOnError := node.OnError == config.OnErrorContinue

	results := make([]*execution.StepResult, len(items))
	runOne := func(ctx context.Context, i int) error {
		iterEnv := iterationEnv(req.Env, as, items[i], i)
		before := req.Exec.Snapshot()
		started := time.Now()
		idx := i
		res, _ := e.invokeWithRetry(ctx, req, iterEnv, &idx)
		results[i] = res
		e.putEvidence(ctx, req, &idx, before, started)
		req.emit(execution.NewEvent(execution.EventPartialOutput, req.Exec.ExecutionID, node.ID, map[string]any{
			"iteration_index": i,
			"ok":              res.OK,
		}))
		if !res.OK && !continueOnError {
			return fmt.Errorf("iteration %d failed: %s", i, res.Error)
		}
		return nil
	}

	var loopErr error
	if node.Parallel {
		g, gctx := errgroup.WithContext(ctx)
		for i := range items {
			g.Go(func() error { return runOne(gctx, i) })
		}
		loopErr = g.Wait()
	} else {
		for i := range items {
			if loopErr = runOne(ctx, i); loopErr != nil {
				break
			}
		}
	}

	agg := aggregate(results, mode, loopErr)
	if err := req.record(node.ID, agg); err != nil {
		e.logger.Error("failed to record foreach outcome", "node", node.ID, "error", err)
	}
	e.putEvidence(ctx, req, nil, aggBefore, aggStarted)

	if !agg.OK {
		return agg, nil
	}
	return agg, &module.Emission{Port: defaultPort(req.Meta), Payload: agg.Data}
}

func (e *Executor) foreachItems(node *config.Node, env *resolve.Env) ([]any, error) {
	v, err := resolve.ResolveString(node.Foreach, env)
	if err != nil {
		return nil, execution.NewModuleError(execution.CodeValidation,
			"foreach expression %q did not resolve: %v", node.Foreach, err)
	}
	switch items := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return items, nil
	default:
		return nil, execution.NewModuleError(execution.CodeValidation,
			"foreach expression %q resolved to %T, expected a list", node.Foreach, v)
	}
}

// iterationEnv binds the loop variable and its index without mutating the
// shared environment.
func iterationEnv(env *resolve.Env, as string, item any, index int) *resolve.Env {
	cp := *env
	locals := make(map[string]any, len(env.Locals)+2)
	for k, v := range env.Locals {
		locals[k] = v
	}
	locals[as] = item
	locals[as+"_index"] = index
	cp.Locals = locals
	return &cp
}

// aggregate folds per-iteration results into one outcome. Every collected
// entry is a wrapper object tagged with ok, so downstream steps can tell
// successes from on_error: continue failures by shape alone.
func aggregate(results []*execution.StepResult, mode string, loopErr error) *execution.StepResult {
	var collected []any
	attempts := 0
	for _, r := range results {
		if r == nil {
			continue
		}
		attempts += r.Meta.Attempts
		if r.OK {
			collected = append(collected, map[string]any{
				"ok":   true,
				"data": r.Data,
			})
		} else {
			collected = append(collected, map[string]any{
				"ok":         false,
				"error":      r.Error,
				"error_code": string(r.ErrorCode),
			})
		}
	}

	if loopErr != nil {
		// Fail-fast: surface the first iteration failure as the step outcome.
		for _, r := range results {
			if r != nil && !r.OK {
				agg := execution.FailResult(r.ErrorCode, r.Error)
				agg.Meta = r.Meta
				return agg
			}
		}
		return execution.FailResult(execution.CodeExecution, loopErr.Error())
	}

	agg := &execution.StepResult{OK: true}
	agg.Meta.Attempts = attempts
	switch mode {
	case config.OutputModeLast:
		if len(collected) > 0 {
			agg.Data = collected[len(collected)-1]
		}
	case config.OutputModeNone:
		agg.Data = nil
	default:
		if collected == nil {
			collected = []any{}
		}
		agg.Data = collected
	}
	return agg
}
