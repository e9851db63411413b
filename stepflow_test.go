package stepflow

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"

	"github.com/GoCodeAlone/stepflow/config"
	"github.com/GoCodeAlone/stepflow/execution"
	"github.com/GoCodeAlone/stepflow/module"
	"github.com/GoCodeAlone/stepflow/observability"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	eng, err := New(module.NewRegistry(nil), opts...)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return eng
}

func mustRegister(t *testing.T, eng *Engine, meta *module.Metadata, fn module.HandlerFunc) {
	t.Helper()
	if err := eng.Registry().Register(meta, fn); err != nil {
		t.Fatalf("register %s: %v", meta.ID, err)
	}
}

func testMeta(id string, params map[string]module.ParamSpec) *module.Metadata {
	return &module.Metadata{
		ID: id, Version: "1.0.0", Label: id, ConcurrentSafe: true,
		Params: params,
	}
}

func stringParamMeta(id string) *module.Metadata {
	return testMeta(id, map[string]module.ParamSpec{
		"value": {Type: "string", Required: true},
	})
}

func registerReverse(t *testing.T, eng *Engine) {
	mustRegister(t, eng, stringParamMeta("text.reverse"), func(ctx context.Context, inv *module.Invocation) (any, error) {
		runes := []rune(inv.Params["value"].(string))
		for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
			runes[i], runes[j] = runes[j], runes[i]
		}
		return string(runes), nil
	})
}

func registerUpper(t *testing.T, eng *Engine) {
	mustRegister(t, eng, stringParamMeta("text.upper"), func(ctx context.Context, inv *module.Invocation) (any, error) {
		return strings.ToUpper(inv.Params["value"].(string)), nil
	})
}

func registerDoubler(t *testing.T, eng *Engine) {
	meta := testMeta("math.double", map[string]module.ParamSpec{
		"value": {Type: "number", Required: true},
	})
	mustRegister(t, eng, meta, func(ctx context.Context, inv *module.Invocation) (any, error) {
		v := inv.Params["value"].(float64)
		if v < 0 {
			return nil, execution.NewModuleError(execution.CodeExecution, "negative value")
		}
		return v * 2, nil
	})
}

// ---------------------------------------------------------------------------
// Linear execution
// ---------------------------------------------------------------------------

func TestExecute_LinearChain(t *testing.T) {
	eng := newEngine(t)
	registerReverse(t, eng)
	registerUpper(t, eng)

	wf := &config.Workflow{
		Name: "pipeline",
		Steps: []config.Node{
			{ID: "step1", Module: "text.reverse", Params: map[string]any{"value": "{{params.text}}"}},
			{ID: "step2", Module: "text.upper", Params: map[string]any{"value": "{{step1}}"}},
		},
	}
	res, err := eng.Execute(context.Background(), wf, map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.State != execution.StateCompleted {
		t.Fatalf("state = %s (%s)", res.State, res.ErrorMessage)
	}
	if res.Steps["step1"].Data != "ih" || res.Steps["step2"].Data != "IH" {
		t.Errorf("steps = %#v %#v", res.Steps["step1"].Data, res.Steps["step2"].Data)
	}
	if res.Output != nil {
		t.Errorf("no end node and no output mapping should yield nil output, got %#v", res.Output)
	}

	events, err := eng.Trace(context.Background(), res.ExecutionID)
	if err != nil || len(events) < 2 {
		t.Fatalf("trace = %d events, err %v", len(events), err)
	}
	if events[0].Type != execution.EventEngineStart || events[len(events)-1].Type != execution.EventEngineEnd {
		t.Errorf("trace bracket = %s .. %s", events[0].Type, events[len(events)-1].Type)
	}
}

func TestExecute_OutputMapping(t *testing.T) {
	eng := newEngine(t)
	registerUpper(t, eng)

	wf := &config.Workflow{
		Name: "mapped",
		Steps: []config.Node{
			{ID: "shout", Module: "text.upper", Params: map[string]any{"value": "{{params.word}}"}},
		},
		Output: map[string]string{"loud": "{{shout}}", "original": "{{params.word}}"},
	}
	res, err := eng.Execute(context.Background(), wf, map[string]any{"word": "go"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	out, ok := res.Output.(map[string]any)
	if !ok || out["loud"] != "GO" || out["original"] != "go" {
		t.Errorf("output = %#v", res.Output)
	}
}

// ---------------------------------------------------------------------------
// Branching
// ---------------------------------------------------------------------------

func branchWorkflow() *config.Workflow {
	return &config.Workflow{
		Name: "sign",
		Nodes: []config.Node{
			{ID: "begin", Module: "flow.start"},
			{ID: "check", Module: "flow.branch", Params: map[string]any{"condition": "{{params.n}} > 0"}},
			{ID: "pos", Module: "flow.end", Params: map[string]any{"output_mapping": map[string]any{"sign": "positive"}}},
			{ID: "neg", Module: "flow.end", Params: map[string]any{"output_mapping": map[string]any{"sign": "non-positive"}}},
		},
		Edges: []config.Edge{
			{SourceNode: "begin", SourcePort: "output", TargetNode: "check", TargetPort: "input"},
			{SourceNode: "check", SourcePort: "true", TargetNode: "pos", TargetPort: "input"},
			{SourceNode: "check", SourcePort: "false", TargetNode: "neg", TargetPort: "input"},
		},
	}
}

func TestExecute_BranchRouting(t *testing.T) {
	eng := newEngine(t)

	res, err := eng.Execute(context.Background(), branchWorkflow(), map[string]any{"n": 5})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	out, _ := res.Output.(map[string]any)
	if out["sign"] != "positive" {
		t.Errorf("output = %#v", res.Output)
	}
	if _, ran := res.Steps["neg"]; ran {
		t.Error("dead branch must not run")
	}

	res, err = eng.Execute(context.Background(), branchWorkflow(), map[string]any{"n": -3})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	out, _ = res.Output.(map[string]any)
	if out["sign"] != "non-positive" {
		t.Errorf("output = %#v", res.Output)
	}
	if _, ran := res.Steps["pos"]; ran {
		t.Error("dead branch must not run")
	}
}

// ---------------------------------------------------------------------------
// Foreach and retry
// ---------------------------------------------------------------------------

func TestExecute_ForeachContinueAggregate(t *testing.T) {
	eng := newEngine(t)
	registerDoubler(t, eng)

	wf := &config.Workflow{
		Name: "batch",
		Steps: []config.Node{
			{
				ID: "each", Module: "math.double",
				Params:  map[string]any{"value": "{{item}}"},
				Foreach: "{{params.items}}",
				OnError: config.OnErrorContinue,
			},
		},
	}
	res, err := eng.Execute(context.Background(), wf, map[string]any{"items": []any{1.0, -2.0, 3.0}})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.State != execution.StateCompleted {
		t.Fatalf("state = %s (%s)", res.State, res.ErrorMessage)
	}
	data := res.Steps["each"].Data.([]any)
	if len(data) != 3 {
		t.Fatalf("aggregate = %#v", data)
	}
	first, _ := data[0].(map[string]any)
	if first["ok"] != true || first["data"] != 2.0 {
		t.Errorf("first entry = %#v", data[0])
	}
	failed, _ := data[1].(map[string]any)
	if failed["ok"] != false || failed["error_code"] != "EXECUTION_ERROR" {
		t.Errorf("failed entry = %#v", data[1])
	}
	last, _ := data[2].(map[string]any)
	if last["ok"] != true || last["data"] != 6.0 {
		t.Errorf("last entry = %#v", data[2])
	}

	recs, err := eng.Evidence(context.Background(), res.ExecutionID)
	if err != nil {
		t.Fatalf("evidence: %v", err)
	}
	perIteration := 0
	for _, rec := range recs {
		if rec.NodeID == "each" && rec.Iteration != nil {
			perIteration++
		}
	}
	if perIteration != 3 {
		t.Errorf("iteration evidence records = %d", perIteration)
	}
}

func TestExecute_RetrySucceedsOnThirdAttempt(t *testing.T) {
	eng := newEngine(t)
	flaky := testMeta("flaky.fetch", nil)
	flaky.Retryable = true
	var mu sync.Mutex
	calls := 0
	mustRegister(t, eng, flaky, func(ctx context.Context, inv *module.Invocation) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return nil, execution.NewModuleError(execution.CodeTimeout, "upstream slow")
		}
		return "ok", nil
	})

	wf := &config.Workflow{
		Name: "retrying",
		Steps: []config.Node{
			{ID: "fetch", Module: "flaky.fetch", Retry: &config.Retry{Count: 3, DelayMS: 1}},
		},
	}
	res, err := eng.Execute(context.Background(), wf, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.State != execution.StateCompleted || res.Steps["fetch"].Data != "ok" {
		t.Fatalf("res = %+v", res)
	}
	if res.Steps["fetch"].Meta.Attempts != 3 {
		t.Errorf("attempts = %d", res.Steps["fetch"].Meta.Attempts)
	}
}

// ---------------------------------------------------------------------------
// Loop, fork/merge, goto
// ---------------------------------------------------------------------------

func TestExecute_LoopRunsBodyTimes(t *testing.T) {
	eng := newEngine(t)
	var mu sync.Mutex
	ticks := 0
	mustRegister(t, eng, testMeta("tick.count", nil), func(ctx context.Context, inv *module.Invocation) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		ticks++
		return ticks, nil
	})

	wf := &config.Workflow{
		Name: "looped",
		Nodes: []config.Node{
			{ID: "begin", Module: "flow.start"},
			{ID: "turns", Module: "flow.loop", Params: map[string]any{"times": 3}},
			{ID: "body", Module: "tick.count"},
			{ID: "fin", Module: "flow.end"},
		},
		Edges: []config.Edge{
			{SourceNode: "begin", SourcePort: "output", TargetNode: "turns", TargetPort: "input"},
			{SourceNode: "turns", SourcePort: "iterate", TargetNode: "body", TargetPort: "input"},
			{SourceNode: "body", SourcePort: "output", TargetNode: "turns", TargetPort: "input"},
			{SourceNode: "turns", SourcePort: "done", TargetNode: "fin", TargetPort: "input"},
		},
	}
	res, err := eng.Execute(context.Background(), wf, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.State != execution.StateCompleted {
		t.Fatalf("state = %s (%s)", res.State, res.ErrorMessage)
	}
	if ticks != 3 {
		t.Errorf("body ran %d times, want 3", ticks)
	}
	if res.Output != 3 {
		t.Errorf("output = %#v", res.Output)
	}
}

func TestExecute_ForkMergeAll(t *testing.T) {
	eng := newEngine(t)
	meta := testMeta("tag.echo", map[string]module.ParamSpec{
		"name": {Type: "string", Required: true},
	})
	mustRegister(t, eng, meta, func(ctx context.Context, inv *module.Invocation) (any, error) {
		return inv.Params["name"], nil
	})

	wf := &config.Workflow{
		Name: "fanout",
		Nodes: []config.Node{
			{ID: "begin", Module: "flow.start"},
			{ID: "split", Module: "flow.fork"},
			{ID: "left", Module: "tag.echo", Params: map[string]any{"name": "a"}},
			{ID: "right", Module: "tag.echo", Params: map[string]any{"name": "b"}},
			{ID: "gather", Module: "flow.merge", Params: map[string]any{"strategy": "all"}},
			{ID: "fin", Module: "flow.end"},
		},
		Edges: []config.Edge{
			{SourceNode: "begin", SourcePort: "output", TargetNode: "split", TargetPort: "input"},
			{SourceNode: "split", SourcePort: "output", TargetNode: "left", TargetPort: "input"},
			{SourceNode: "split", SourcePort: "output", TargetNode: "right", TargetPort: "input"},
			{SourceNode: "left", SourcePort: "output", TargetNode: "gather", TargetPort: "input"},
			{SourceNode: "right", SourcePort: "output", TargetNode: "gather", TargetPort: "input"},
			{SourceNode: "gather", SourcePort: "output", TargetNode: "fin", TargetPort: "input"},
		},
	}
	res, err := eng.Execute(context.Background(), wf, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.State != execution.StateCompleted {
		t.Fatalf("state = %s (%s)", res.State, res.ErrorMessage)
	}
	// Branch arrival order is not deterministic; only the set is.
	assert.ElementsMatch(t, []any{"a", "b"}, res.Output)
}

func TestExecute_ParallelForeachScopesStayIsolated(t *testing.T) {
	eng := newEngine(t)
	var mu sync.Mutex
	var lefts, rights []any
	mustRegister(t, eng, stringParamMeta("sink.left"), func(ctx context.Context, inv *module.Invocation) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		lefts = append(lefts, inv.Params["value"])
		return inv.Params["value"], nil
	})
	mustRegister(t, eng, stringParamMeta("sink.right"), func(ctx context.Context, inv *module.Invocation) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		rights = append(rights, inv.Params["value"])
		return inv.Params["value"], nil
	})

	// Two foreach loops run in the same waves after the fork; each body must
	// see its own loop variable, never the sibling's binding.
	wf := &config.Workflow{
		Name: "twin-loops",
		Nodes: []config.Node{
			{ID: "begin", Module: "flow.start"},
			{ID: "split", Module: "flow.fork"},
			{ID: "eachA", Module: "flow.foreach", Params: map[string]any{"items": []any{"x", "y"}, "as": "va"}},
			{ID: "bodyA", Module: "sink.left", Params: map[string]any{"value": "{{va}}"}},
			{ID: "eachB", Module: "flow.foreach", Params: map[string]any{"items": []any{"p", "q"}, "as": "vb"}},
			{ID: "bodyB", Module: "sink.right", Params: map[string]any{"value": "{{vb}}"}},
			{ID: "gather", Module: "flow.merge", Params: map[string]any{"strategy": "all"}},
			{ID: "fin", Module: "flow.end"},
		},
		Edges: []config.Edge{
			{SourceNode: "begin", SourcePort: "output", TargetNode: "split", TargetPort: "input"},
			{SourceNode: "split", SourcePort: "output", TargetNode: "eachA", TargetPort: "input"},
			{SourceNode: "split", SourcePort: "output", TargetNode: "eachB", TargetPort: "input"},
			{SourceNode: "eachA", SourcePort: "iterate", TargetNode: "bodyA", TargetPort: "input"},
			{SourceNode: "bodyA", SourcePort: "output", TargetNode: "eachA", TargetPort: "input"},
			{SourceNode: "eachB", SourcePort: "iterate", TargetNode: "bodyB", TargetPort: "input"},
			{SourceNode: "bodyB", SourcePort: "output", TargetNode: "eachB", TargetPort: "input"},
			{SourceNode: "eachA", SourcePort: "done", TargetNode: "gather", TargetPort: "input"},
			{SourceNode: "eachB", SourcePort: "done", TargetNode: "gather", TargetPort: "input"},
			{SourceNode: "gather", SourcePort: "output", TargetNode: "fin", TargetPort: "input"},
		},
	}
	res, err := eng.Execute(context.Background(), wf, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.State != execution.StateCompleted {
		t.Fatalf("state = %s (%s)", res.State, res.ErrorMessage)
	}
	if len(lefts) != 2 || lefts[0] != "x" || lefts[1] != "y" {
		t.Errorf("left body saw %#v", lefts)
	}
	if len(rights) != 2 || rights[0] != "p" || rights[1] != "q" {
		t.Errorf("right body saw %#v", rights)
	}
	assert.ElementsMatch(t, []any{[]any{"x", "y"}, []any{"p", "q"}}, res.Output)
}

func TestExecute_GotoIterationCeiling(t *testing.T) {
	eng := newEngine(t)
	mustRegister(t, eng, testMeta("noop.pass", nil), func(ctx context.Context, inv *module.Invocation) (any, error) {
		return nil, nil
	})

	wf := &config.Workflow{
		Name:   "hot",
		Config: config.RunConfig{MaxIterations: 5},
		Nodes: []config.Node{
			{ID: "begin", Module: "flow.start"},
			{ID: "hop", Module: "noop.pass"},
			{ID: "back", Module: "flow.goto", Params: map[string]any{"target": "hop"}},
		},
		Edges: []config.Edge{
			{SourceNode: "begin", SourcePort: "output", TargetNode: "hop", TargetPort: "input"},
			{SourceNode: "hop", SourcePort: "output", TargetNode: "back", TargetPort: "input"},
		},
	}
	res, err := eng.Execute(context.Background(), wf, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.State != execution.StateFailed || res.ErrorCode != execution.CodeExecution {
		t.Fatalf("res = %+v", res)
	}
	if !strings.Contains(res.ErrorMessage, "iteration ceiling") {
		t.Errorf("error = %q", res.ErrorMessage)
	}
}

// ---------------------------------------------------------------------------
// Failure routing
// ---------------------------------------------------------------------------

func registerBoom(t *testing.T, eng *Engine) {
	mustRegister(t, eng, testMeta("fail.always", nil), func(ctx context.Context, inv *module.Invocation) (any, error) {
		return nil, execution.NewModuleError(execution.CodeExecution, "kaboom")
	})
}

func registerCapture(t *testing.T, eng *Engine, sink *any) {
	mustRegister(t, eng, testMeta("sink.capture", nil), func(ctx context.Context, inv *module.Invocation) (any, error) {
		if ins := inv.Inputs["input"]; len(ins) > 0 {
			*sink = ins[0]
		}
		return "handled", nil
	})
}

func TestExecute_FailureRoutesToErrorTrigger(t *testing.T) {
	eng := newEngine(t)
	registerBoom(t, eng)
	var captured any
	registerCapture(t, eng, &captured)

	wf := &config.Workflow{
		Name: "guarded",
		Nodes: []config.Node{
			{ID: "begin", Module: "flow.start"},
			{ID: "boom", Module: "fail.always"},
			{ID: "onerr", Module: "flow.error_workflow_trigger"},
			{ID: "handle", Module: "sink.capture"},
		},
		Edges: []config.Edge{
			{SourceNode: "begin", SourcePort: "output", TargetNode: "boom", TargetPort: "input"},
			{SourceNode: "onerr", SourcePort: "output", TargetNode: "handle", TargetPort: "input"},
		},
	}
	res, err := eng.Execute(context.Background(), wf, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.State != execution.StateFailed || res.ErrorCode != execution.CodeExecution {
		t.Fatalf("res = %+v", res)
	}
	if res.ErrorMessage != "node boom: kaboom" {
		t.Errorf("error = %q", res.ErrorMessage)
	}
	desc, _ := captured.(map[string]any)
	if desc["node_id"] != "boom" || desc["error_code"] != "EXECUTION_ERROR" {
		t.Errorf("descriptor = %#v", captured)
	}
}

func TestExecute_OnErrorGoto(t *testing.T) {
	eng := newEngine(t)
	registerBoom(t, eng)
	var captured any
	registerCapture(t, eng, &captured)

	wf := &config.Workflow{
		Name: "rescued",
		Nodes: []config.Node{
			{ID: "begin", Module: "flow.start"},
			{ID: "boom", Module: "fail.always", OnError: config.OnErrorGoto, OnErrorGoto: "rescue"},
			{ID: "rescue", Module: "sink.capture"},
		},
		Edges: []config.Edge{
			{SourceNode: "begin", SourcePort: "output", TargetNode: "boom", TargetPort: "input"},
			{SourceNode: "boom", SourcePort: "output", TargetNode: "rescue", TargetPort: "input"},
		},
	}
	res, err := eng.Execute(context.Background(), wf, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.State != execution.StateCompleted {
		t.Fatalf("a handled error must not fail the run: %+v", res)
	}
	desc, _ := captured.(map[string]any)
	if desc["node_id"] != "boom" {
		t.Errorf("descriptor = %#v", captured)
	}
}

func TestExecute_WorkflowTimeout(t *testing.T) {
	eng := newEngine(t)
	mustRegister(t, eng, testMeta("block.forever", nil), func(ctx context.Context, inv *module.Invocation) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	wf := &config.Workflow{
		Name:   "slow",
		Config: config.RunConfig{TimeoutMS: 30},
		Steps:  []config.Node{{ID: "wait", Module: "block.forever"}},
	}
	res, err := eng.Execute(context.Background(), wf, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.State != execution.StateFailed || res.ErrorCode != execution.CodeTimeout {
		t.Errorf("res state=%s code=%s", res.State, res.ErrorCode)
	}
}

// ---------------------------------------------------------------------------
// Control surface
// ---------------------------------------------------------------------------

func TestStart_CancelEndsCancelled(t *testing.T) {
	eng := newEngine(t)
	started := make(chan struct{})
	mustRegister(t, eng, testMeta("block.cancelme", nil), func(ctx context.Context, inv *module.Invocation) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	wf := &config.Workflow{
		Name:  "cancellable",
		Steps: []config.Node{{ID: "wait", Module: "block.cancelme"}},
	}
	x, err := eng.Start(context.Background(), wf, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-started
	eng.Cancel(x.ID)

	res, err := x.Wait()
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.State != execution.StateCancelled {
		t.Errorf("state = %s", res.State)
	}
}

func TestStart_PauseResume(t *testing.T) {
	eng := newEngine(t)
	gate := make(chan struct{})
	started := make(chan struct{})
	mustRegister(t, eng, testMeta("block.gated", nil), func(ctx context.Context, inv *module.Invocation) (any, error) {
		close(started)
		<-gate
		return "done", nil
	})

	wf := &config.Workflow{
		Name:  "pausable",
		Steps: []config.Node{{ID: "work", Module: "block.gated"}},
	}
	x, err := eng.Start(context.Background(), wf, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-started
	eng.Pause(x.ID)
	if got := x.State(); got != execution.StatePaused {
		t.Errorf("state after pause = %s", got)
	}
	close(gate)
	eng.Resume(x.ID)

	res, err := x.Wait()
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.State != execution.StateCompleted || res.Steps["work"].Data != "done" {
		t.Errorf("res = %+v", res)
	}
}

func TestStart_BreakpointResolution(t *testing.T) {
	eng := newEngine(t)

	wf := &config.Workflow{
		Name: "reviewed",
		Nodes: []config.Node{
			{ID: "begin", Module: "flow.start"},
			{ID: "hold", Module: "flow.breakpoint", Params: map[string]any{"prompt": "approve?"}},
			{ID: "fin", Module: "flow.end"},
		},
		Edges: []config.Edge{
			{SourceNode: "begin", SourcePort: "output", TargetNode: "hold", TargetPort: "input"},
			{SourceNode: "hold", SourcePort: "output", TargetNode: "fin", TargetPort: "input"},
		},
	}
	x, err := eng.Start(context.Background(), wf, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for x.State() != execution.StatePaused {
		if time.Now().After(deadline) {
			t.Fatal("execution never reached the breakpoint")
		}
		time.Sleep(5 * time.Millisecond)
	}

	payload := map[string]any{"approved": true}
	if err := eng.ResolveBreakpoint(x.ID, "hold", payload); err != nil {
		t.Fatalf("resolve breakpoint: %v", err)
	}
	res, err := x.Wait()
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.State != execution.StateCompleted {
		t.Fatalf("state = %s (%s)", res.State, res.ErrorMessage)
	}
	out, _ := res.Output.(map[string]any)
	if out["approved"] != true {
		t.Errorf("output = %#v", res.Output)
	}
}

func TestStart_EventsStream(t *testing.T) {
	eng := newEngine(t)
	registerUpper(t, eng)

	wf := &config.Workflow{
		Name: "streamed",
		Steps: []config.Node{
			{ID: "shout", Module: "text.upper", Params: map[string]any{"value": "{{params.word}}"}},
		},
	}
	x, err := eng.Start(context.Background(), wf, map[string]any{"word": "hi"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	var types []execution.EventType
	for ev := range x.Events() {
		types = append(types, ev.Type)
	}
	res, err := x.Wait()
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.State != execution.StateCompleted {
		t.Fatalf("state = %s (%s)", res.State, res.ErrorMessage)
	}

	if len(types) < 4 {
		t.Fatalf("types = %v", types)
	}
	if types[0] != execution.EventEngineStart || types[len(types)-1] != execution.EventEngineEnd {
		t.Errorf("stream bracket = %s .. %s", types[0], types[len(types)-1])
	}
	seen := map[execution.EventType]bool{}
	for _, ty := range types {
		seen[ty] = true
	}
	if !seen[execution.EventNodeStart] || !seen[execution.EventNodeEnd] {
		t.Errorf("node events missing from %v", types)
	}
}

func TestExecute_EventSinksObserveRun(t *testing.T) {
	promReg := prometheus.NewRegistry()
	eng := newEngine(t,
		WithEventSink(observability.NewMetrics(promReg)),
		WithEventSink(observability.NewTracing(nil)),
	)
	registerUpper(t, eng)

	wf := &config.Workflow{
		Name: "observed",
		Steps: []config.Node{
			{ID: "shout", Module: "text.upper", Params: map[string]any{"value": "x"}},
		},
	}
	if _, err := eng.Execute(context.Background(), wf, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}

	families, err := promReg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	started := 0.0
	for _, f := range families {
		if f.GetName() == "stepflow_executions_started_total" {
			started = f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	if started != 1 {
		t.Errorf("executions started = %v", started)
	}
}

// ---------------------------------------------------------------------------
// Subflows
// ---------------------------------------------------------------------------

func TestExecute_Subflow(t *testing.T) {
	eng := newEngine(t)
	registerUpper(t, eng)

	eng.AddWorkflow(&config.Workflow{
		Name: "child",
		Steps: []config.Node{
			{ID: "c1", Module: "text.upper", Params: map[string]any{"value": "{{params.word}}"}},
		},
		Output: map[string]string{"loud": "{{c1}}"},
	})

	parent := &config.Workflow{
		Name: "parent",
		Steps: []config.Node{
			{ID: "call", Module: "flow.subflow", Params: map[string]any{
				"workflow": "child",
				"inputs":   map[string]any{"word": "{{params.word}}"},
			}},
		},
	}
	res, err := eng.Execute(context.Background(), parent, map[string]any{"word": "hi"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.State != execution.StateCompleted {
		t.Fatalf("state = %s (%s)", res.State, res.ErrorMessage)
	}
	out, _ := res.Steps["call"].Data.(map[string]any)
	if out["loud"] != "HI" {
		t.Errorf("subflow output = %#v", res.Steps["call"].Data)
	}
}

func TestExecute_SubflowUnknownWorkflow(t *testing.T) {
	eng := newEngine(t)

	parent := &config.Workflow{
		Name: "parent",
		Steps: []config.Node{
			{ID: "call", Module: "flow.subflow", Params: map[string]any{"workflow": "ghost"}},
		},
	}
	res, err := eng.Execute(context.Background(), parent, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.State != execution.StateFailed || res.ErrorCode != execution.CodeNotFound {
		t.Errorf("res state=%s code=%s", res.State, res.ErrorCode)
	}
}

// ---------------------------------------------------------------------------
// Replay
// ---------------------------------------------------------------------------

func TestReplayFrom_ReExecutesOnlyTheSuffix(t *testing.T) {
	eng := newEngine(t)
	var mu sync.Mutex
	counts := map[string]int{}
	meta := testMeta("track.step", map[string]module.ParamSpec{
		"value": {Type: "any"},
	})
	mustRegister(t, eng, meta, func(ctx context.Context, inv *module.Invocation) (any, error) {
		mu.Lock()
		counts[inv.NodeID]++
		mu.Unlock()
		return inv.Params["value"], nil
	})

	wf := &config.Workflow{
		Name: "tracked",
		Steps: []config.Node{
			{ID: "n1", Module: "track.step", Params: map[string]any{"value": "{{params.seed}}"}},
			{ID: "n2", Module: "track.step", Params: map[string]any{"value": "{{n1}}"}},
			{ID: "n3", Module: "track.step", Params: map[string]any{"value": "{{n2}}"}},
		},
	}
	params := map[string]any{"seed": "s"}
	first, err := eng.Execute(context.Background(), wf, params)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if first.State != execution.StateCompleted {
		t.Fatalf("state = %s (%s)", first.State, first.ErrorMessage)
	}

	replayed, err := eng.ReplayFrom(context.Background(), wf, params, first.ExecutionID, "n3", nil)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replayed.State != execution.StateCompleted {
		t.Fatalf("replay state = %s (%s)", replayed.State, replayed.ErrorMessage)
	}
	if replayed.ParentExecutionID != first.ExecutionID {
		t.Errorf("parent = %q, want %q", replayed.ParentExecutionID, first.ExecutionID)
	}
	mu.Lock()
	defer mu.Unlock()
	if counts["n1"] != 1 || counts["n2"] != 1 {
		t.Errorf("upstream nodes re-executed: %v", counts)
	}
	if counts["n3"] != 2 {
		t.Errorf("n3 ran %d times, want 2", counts["n3"])
	}
	if replayed.Steps["n3"].Data != "s" {
		t.Errorf("replayed n3 = %#v", replayed.Steps["n3"].Data)
	}
}

func TestReplayFrom_NoEvidence(t *testing.T) {
	eng := newEngine(t)
	registerUpper(t, eng)

	wf := &config.Workflow{
		Name: "mapped",
		Steps: []config.Node{
			{ID: "shout", Module: "text.upper", Params: map[string]any{"value": "x"}},
		},
	}
	_, err := eng.ReplayFrom(context.Background(), wf, nil, "nope", "shout", nil)
	var me *execution.ModuleError
	if !assert.ErrorAs(t, err, &me) || me.Code != execution.CodeNotFound {
		t.Errorf("err = %v", err)
	}
}
