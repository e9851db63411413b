package stepflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/stepflow/config"
	"github.com/GoCodeAlone/stepflow/execution"
	"github.com/GoCodeAlone/stepflow/executor"
	"github.com/GoCodeAlone/stepflow/flow"
	"github.com/GoCodeAlone/stepflow/module"
	"github.com/GoCodeAlone/stepflow/resolve"
)

// Execution is one in-flight (or finished) workflow run.
type Execution struct {
	ID     string
	engine *Engine
	wf     *config.Workflow
	exec   *execution.Context
	params map[string]any

	byID     map[string]*config.Node
	metas    map[string]*module.Metadata
	inEdges  map[string][]int
	outEdges map[string][]int
	edges    []config.Edge
	startID  string
	maxIters int

	events chan execution.Event
	done   chan struct{}
	result *Result
	runErr error

	// initial overrides the start delivery; used by replay.
	initial []delivery

	// control surface
	ctl struct {
		sync.Mutex
		state       execution.State
		cancel      context.CancelFunc
		cancelled   bool
		paused      bool
		resume      chan struct{}
		breakpoints map[string]chan any
	}

	// volatile scheduling state, owned by the run goroutine except where
	// guarded for parallel waves
	mu       sync.Mutex
	outputs  map[string]*execution.StepResult
	recorded map[string]bool
	visits   map[string]int
	endData  any
	failure  *execution.StepResult
	failNode string

	deadEdge  map[int]bool
	gathers   map[string]*gatherState
	loopState map[string]int
	eachState map[string]*foreachState
}

type gatherState struct {
	arrived map[int]bool
	inputs  []any
	order   []int
	locals  map[string]any
}

type foreachState struct {
	items     []any
	index     int
	collected []any
	as        string
	mode      string
	outer     map[string]any
}

// delivery is one payload arriving at a node's input port. locals carries the
// iteration bindings the payload was produced under; each delivery owns its
// map, so concurrently scheduled iteration bodies never share scope.
type delivery struct {
	edgeIdx int // -1 for direct deliveries (start, goto, error routing)
	target  string
	port    string
	payload any
	locals  map[string]any
}

func newExecution(e *Engine, wf *config.Workflow, execCtx *execution.Context, params map[string]any, stream bool) *Execution {
	x := &Execution{
		ID:        execCtx.ExecutionID,
		engine:    e,
		wf:        wf,
		exec:      execCtx,
		params:    params,
		byID:      make(map[string]*config.Node),
		metas:     make(map[string]*module.Metadata),
		inEdges:   make(map[string][]int),
		outEdges:  make(map[string][]int),
		edges:     wf.Edges,
		done:      make(chan struct{}),
		outputs:   make(map[string]*execution.StepResult),
		recorded:  make(map[string]bool),
		visits:    make(map[string]int),
		deadEdge:  make(map[int]bool),
		gathers:   make(map[string]*gatherState),
		loopState: make(map[string]int),
		eachState: make(map[string]*foreachState),
	}
	if stream {
		x.events = make(chan execution.Event, 1024)
	}
	x.ctl.state = execution.StateRunning
	x.ctl.resume = make(chan struct{})
	x.ctl.breakpoints = make(map[string]chan any)

	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		x.byID[n.ID] = n
		if meta, err := e.registry.Get(n.Module); err == nil {
			x.metas[n.ID] = meta
		}
	}
	for i, edge := range wf.Edges {
		x.inEdges[edge.TargetNode] = append(x.inEdges[edge.TargetNode], i)
		x.outEdges[edge.SourceNode] = append(x.outEdges[edge.SourceNode], i)
	}
	for _, n := range wf.Nodes {
		if len(x.inEdges[n.ID]) == 0 && n.Module != flow.ModuleErrorTrigger {
			x.startID = n.ID
			break
		}
	}
	x.maxIters = wf.Config.MaxIterations
	if x.maxIters <= 0 {
		x.maxIters = DefaultMaxIterations
	}
	return x
}

// State returns the execution's lifecycle state.
func (x *Execution) State() execution.State {
	x.ctl.Lock()
	defer x.ctl.Unlock()
	return x.ctl.state
}

// Events returns the streaming event channel, nil for synchronous runs. The
// channel closes when the execution ends.
func (x *Execution) Events() <-chan execution.Event { return x.events }

// Wait blocks until the execution finishes.
func (x *Execution) Wait() (*Result, error) {
	<-x.done
	return x.result, x.runErr
}

// Cancel requests cooperative cancellation. Idempotent.
func (x *Execution) Cancel() {
	x.ctl.Lock()
	defer x.ctl.Unlock()
	if x.ctl.cancelled || x.ctl.state.Terminal() {
		return
	}
	x.ctl.cancelled = true
	if x.ctl.cancel != nil {
		x.ctl.cancel()
	}
}

// Pause suspends the run at the next suspension point. Idempotent.
func (x *Execution) Pause() {
	x.ctl.Lock()
	defer x.ctl.Unlock()
	if !x.ctl.paused && !x.ctl.state.Terminal() {
		x.ctl.paused = true
		x.ctl.state = execution.StatePaused
	}
}

// Resume releases a paused run. Idempotent.
func (x *Execution) Resume() {
	x.ctl.Lock()
	defer x.ctl.Unlock()
	if x.ctl.paused {
		x.ctl.paused = false
		if x.ctl.state == execution.StatePaused {
			x.ctl.state = execution.StateRunning
		}
		close(x.ctl.resume)
		x.ctl.resume = make(chan struct{})
	}
}

// ResolveBreakpoint releases a breakpoint wait with the given payload.
func (x *Execution) ResolveBreakpoint(nodeID string, payload any) error {
	x.ctl.Lock()
	ch, ok := x.ctl.breakpoints[nodeID]
	if ok {
		delete(x.ctl.breakpoints, nodeID)
	}
	x.ctl.Unlock()
	if !ok {
		return execution.NewModuleError(execution.CodeNotFound,
			"no breakpoint waiting at node %q", nodeID)
	}
	ch <- payload
	return nil
}

// checkpoint blocks while paused and reports cancellation.
func (x *Execution) checkpoint(ctx context.Context) error {
	for {
		x.ctl.Lock()
		paused := x.ctl.paused
		resume := x.ctl.resume
		x.ctl.Unlock()
		if !paused {
			return ctx.Err()
		}
		select {
		case <-resume:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (x *Execution) emit(ev execution.Event) {
	if err := x.engine.traces.Append(context.Background(), ev); err != nil {
		x.engine.logger.Error("failed to append trace event", "execution", x.ID, "error", err)
	}
	for _, sink := range x.engine.sinks {
		sink.Handle(ev)
	}
	if x.events != nil {
		select {
		case x.events <- ev:
		default:
			x.engine.logger.Warn("event stream full; dropping event", "execution", x.ID, "type", ev.Type)
		}
	}
}

// run drives the execution to a terminal state.
func (x *Execution) run(parent context.Context) {
	var ctx context.Context
	var cancel context.CancelFunc
	if x.wf.Config.TimeoutMS > 0 {
		ctx, cancel = context.WithTimeout(parent, time.Duration(x.wf.Config.TimeoutMS)*time.Millisecond)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	defer cancel()
	x.ctl.Lock()
	x.ctl.cancel = cancel
	x.ctl.Unlock()

	x.emit(execution.NewEvent(execution.EventEngineStart, x.ID, "", map[string]any{
		"workflow_id":         x.exec.WorkflowID,
		"workflow_name":       x.wf.Name,
		"parent_execution_id": x.exec.ParentExecutionID,
	}))

	queue := x.initial
	if len(queue) == 0 {
		queue = []delivery{{edgeIdx: -1, target: x.startID, port: config.DefaultInputPort, payload: x.params}}
	}
	x.loop(ctx, queue)
	x.finish(ctx)
}

// seedFromSnapshot primes the volatile state from restored step outputs so
// replayed runs resolve predecessor references without re-executing them.
func (x *Execution) seedFromSnapshot(snap execution.Snapshot) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for id, res := range snap.StepOutputs {
		x.outputs[id] = res
		x.recorded[id] = true
		// edges leaving an already-completed node will not fire again
		for _, idx := range x.outEdges[id] {
			x.deadEdge[idx] = true
		}
	}
}

func (x *Execution) loop(ctx context.Context, queue []delivery) {
	for len(queue) > 0 {
		if err := x.checkpoint(ctx); err != nil {
			return
		}

		ready, rest := x.collectReady(queue)
		queue = rest
		if len(ready) == 0 {
			// Everything left is waiting on gathers that can no longer be
			// satisfied; dead-edge propagation below will have drained them.
			return
		}

		outcomes := x.runWave(ctx, ready)
		for _, oc := range outcomes {
			queue = append(queue, x.route(ctx, oc)...)
		}
	}
}

type readyNode struct {
	id      string
	inputs  map[string][]any
	payload any
	locals  map[string]any
}

type outcome struct {
	id     string
	res    *execution.StepResult
	em     *module.Emission
	locals map[string]any
}

// collectReady partitions pending deliveries into nodes ready to run and
// deliveries still waiting on a gather.
func (x *Execution) collectReady(queue []delivery) ([]readyNode, []delivery) {
	var ready []readyNode
	for _, d := range queue {
		n := x.byID[d.target]
		if n == nil {
			continue
		}
		if x.needsGather(d.target) {
			// arrivals buffer inside the gather until the strategy fires
			if rn, fired := x.deliverToGather(d); fired {
				ready = append(ready, rn)
			}
			continue
		}
		ready = append(ready, readyNode{
			id:      d.target,
			inputs:  map[string][]any{d.port: {d.payload}},
			payload: d.payload,
			locals:  d.locals,
		})
	}
	return ready, nil
}

// needsGather reports whether arrivals at a node are buffered until a
// strategy is satisfied: merge/join nodes and any plain fan-in node.
func (x *Execution) needsGather(id string) bool {
	n := x.byID[id]
	if n.Module == flow.ModuleMerge || n.Module == flow.ModuleJoin {
		return true
	}
	if isIterationModule(n.Module) {
		return false
	}
	return len(x.inEdges[id]) > 1
}

// deliverToGather buffers one arrival and fires the node when its strategy
// is satisfied. Plain fan-in nodes use the "all" strategy.
func (x *Execution) deliverToGather(d delivery) (readyNode, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	g := x.gathers[d.target]
	if g == nil {
		g = &gatherState{arrived: make(map[int]bool)}
		x.gathers[d.target] = g
	}
	if d.edgeIdx >= 0 {
		g.arrived[d.edgeIdx] = true
		g.order = append(g.order, d.edgeIdx)
	}
	g.inputs = append(g.inputs, d.payload)
	if d.locals != nil {
		g.locals = d.locals
	}

	n := x.byID[d.target]
	kind, count := flow.StrategyAll, 0
	if n.Module == flow.ModuleMerge || n.Module == flow.ModuleJoin {
		if s, ok := n.Params["strategy"].(string); ok {
			kind, count, _ = flow.ParseStrategy(s)
		}
	}

	satisfied := false
	switch kind {
	case flow.StrategyAny, flow.StrategyRace:
		satisfied = len(g.inputs) >= 1
	case "count":
		satisfied = len(g.inputs) >= count
	default: // all
		satisfied = true
		for _, idx := range x.inEdges[d.target] {
			if !g.arrived[idx] && !x.deadEdge[idx] {
				satisfied = false
				break
			}
		}
	}
	if !satisfied {
		return readyNode{}, false
	}

	delete(x.gathers, d.target)
	inputs := append([]any{}, g.inputs...)
	var payload any
	if len(inputs) > 0 {
		payload = inputs[0]
	}
	return readyNode{
		id:      d.target,
		inputs:  map[string][]any{config.DefaultInputPort: inputs},
		payload: payload,
		locals:  g.locals,
	}, true
}

// runWave executes ready nodes, concurrently when there is more than one. A
// fatal node failure cancels the rest of the wave.
func (x *Execution) runWave(ctx context.Context, ready []readyNode) []outcome {
	if len(ready) == 1 {
		res, em, loc := x.runNode(ctx, ready[0])
		return []outcome{{id: ready[0].id, res: res, em: em, locals: loc}}
	}

	var mu sync.Mutex
	var outcomes []outcome
	g, gctx := errgroup.WithContext(ctx)
	for _, rn := range ready {
		g.Go(func() error {
			res, em, loc := x.runNode(gctx, rn)
			mu.Lock()
			outcomes = append(outcomes, outcome{id: rn.id, res: res, em: em, locals: loc})
			mu.Unlock()
			n := x.byID[rn.id]
			if !res.OK && (n.OnError == "" || n.OnError == config.OnErrorFail) {
				return fmt.Errorf("node %s failed: %s", rn.id, res.Error)
			}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// runNode executes one node, intercepting the scheduling-native flow
// modules (loop, foreach, goto, breakpoint) before the executor. The third
// return value is the iteration scope downstream deliveries inherit; foreach
// nodes replace it per element, everything else passes its own through.
func (x *Execution) runNode(ctx context.Context, rn readyNode) (*execution.StepResult, *module.Emission, map[string]any) {
	n := x.byID[rn.id]
	meta := x.metas[rn.id]

	x.mu.Lock()
	x.visits[rn.id]++
	visits := x.visits[rn.id]
	x.mu.Unlock()
	if visits > x.maxIters {
		res := execution.FailResult(execution.CodeExecution,
			fmt.Sprintf("node %s exceeded the iteration ceiling (%d)", rn.id, x.maxIters))
		x.record(rn.id, res)
		return res, nil, rn.locals
	}

	x.emit(execution.NewEvent(execution.EventNodeStart, x.ID, rn.id, map[string]any{
		"module": n.Module,
		"visit":  visits,
	}))
	started := time.Now()

	var res *execution.StepResult
	var em *module.Emission
	locals := rn.locals
	switch n.Module {
	case flow.ModuleLoop:
		res, em = x.runLoop(n, rn)
	case flow.ModuleForeach:
		res, em, locals = x.runForeachNode(n, rn)
	case flow.ModuleGoto:
		res, em = x.runGoto(n, rn)
	case flow.ModuleBreakpoint:
		res, em = x.runBreakpoint(ctx, n, rn)
	default:
		res, em = x.engine.executor.Run(ctx, &executor.Request{
			Workflow: x.wf,
			Node:     n,
			Meta:     meta,
			Exec:     x.exec,
			Env:      x.env(rn.locals),
			Inputs:   rn.inputs,
			Emit:     x.emit,
			Record:   x.record,
		})
	}

	payload := map[string]any{
		"ok":          res.OK,
		"duration_ms": time.Since(started).Milliseconds(),
		"attempts":    res.Meta.Attempts,
	}
	if executor.Skipped(res) {
		payload["skipped"] = true
	}
	if !res.OK {
		payload["error"] = res.Error
		payload["error_code"] = string(res.ErrorCode)
		x.emit(execution.NewEvent(execution.EventError, x.ID, rn.id, map[string]any{
			"error":      res.Error,
			"error_code": string(res.ErrorCode),
		}))
	}
	x.emit(execution.NewEvent(execution.EventNodeEnd, x.ID, rn.id, payload))

	if n.Module == flow.ModuleEnd && res.OK {
		x.mu.Lock()
		x.endData = res.Data
		x.mu.Unlock()
	}
	return res, em, locals
}

// record stores the latest node outcome for the resolver; only the first
// outcome per node enters the durable append-only context.
func (x *Execution) record(nodeID string, res *execution.StepResult) error {
	x.mu.Lock()
	x.outputs[nodeID] = res
	first := !x.recorded[nodeID]
	x.recorded[nodeID] = true
	x.mu.Unlock()
	if first {
		return x.exec.RecordStep(nodeID, res)
	}
	return nil
}

// env builds the resolution environment from the latest node outcomes and the
// caller's iteration scope. locals maps are bound copy-on-write, never
// mutated, so no defensive copy is needed here.
func (x *Execution) env(locals map[string]any) *resolve.Env {
	x.mu.Lock()
	steps := make(map[string]any, len(x.outputs)*2)
	for id, res := range x.outputs {
		steps[id] = res.Data
		if n := x.byID[id]; n != nil && n.Output != "" {
			steps[n.Output] = res.Data
		}
	}
	x.mu.Unlock()
	return x.engine.resolveEnv(x.wf, x.params, steps, locals)
}

// runLoop emits iterate until the declared count is spent, then done.
func (x *Execution) runLoop(n *config.Node, rn readyNode) (*execution.StepResult, *module.Emission) {
	times, err := x.intParam(n, "times", rn.locals)
	if err != nil {
		res := execution.FailResult(execution.CodeValidation, err.Error())
		x.record(n.ID, res)
		return res, nil
	}
	x.mu.Lock()
	count := x.loopState[n.ID]
	port := flow.PortDone
	if count < times {
		port = flow.PortIterate
		x.loopState[n.ID] = count + 1
	}
	x.mu.Unlock()

	res := execution.OKResult(rn.payload)
	res.Meta.Attempts = 1
	x.record(n.ID, res)
	return res, &module.Emission{Port: port, Payload: rn.payload}
}

// runForeachNode drives graph-form foreach: iterate per element via the
// iterate port, with the body's terminal payload returning on the input port,
// then done with the aggregate. Iterate emissions carry the element binding
// layered over the enclosing scope; done restores the enclosing scope.
func (x *Execution) runForeachNode(n *config.Node, rn readyNode) (*execution.StepResult, *module.Emission, map[string]any) {
	x.mu.Lock()
	st := x.eachState[n.ID]
	x.mu.Unlock()

	if st == nil {
		items, err := x.foreachParamItems(n, rn.locals)
		if err != nil {
			res := execution.FailResult(execution.CodeValidation, err.Error())
			x.record(n.ID, res)
			return res, nil, rn.locals
		}
		as, _ := n.Params["as"].(string)
		if as == "" {
			as = "item"
		}
		mode, _ := n.Params["output_mode"].(string)
		if mode == "" {
			mode = config.OutputModeCollect
		}
		st = &foreachState{items: items, as: as, mode: mode, outer: rn.locals}
		x.mu.Lock()
		x.eachState[n.ID] = st
		x.mu.Unlock()
	} else {
		// back-edge arrival: the body finished one element
		st.collected = append(st.collected, rn.payload)
		st.index++
	}

	if st.index < len(st.items) {
		item := st.items[st.index]
		return x.iterationResult(n, item),
			&module.Emission{Port: flow.PortIterate, Payload: item},
			bindLocals(st.outer, st.as, item, st.index)
	}

	x.mu.Lock()
	delete(x.eachState, n.ID)
	x.mu.Unlock()

	var data any
	switch st.mode {
	case config.OutputModeLast:
		if len(st.collected) > 0 {
			data = st.collected[len(st.collected)-1]
		}
	case config.OutputModeNone:
	default:
		if st.collected == nil {
			st.collected = []any{}
		}
		data = st.collected
	}
	res := execution.OKResult(data)
	res.Meta.Attempts = 1
	x.record(n.ID, res)
	return res, &module.Emission{Port: flow.PortDone, Payload: data}, st.outer
}

// bindLocals layers one iteration binding over the enclosing scope without
// mutating it.
func bindLocals(outer map[string]any, as string, item any, index int) map[string]any {
	locals := make(map[string]any, len(outer)+2)
	for k, v := range outer {
		locals[k] = v
	}
	locals[as] = item
	locals[as+"_index"] = index
	return locals
}

func (x *Execution) iterationResult(n *config.Node, item any) *execution.StepResult {
	res := execution.OKResult(item)
	res.Meta.Attempts = 1
	// only the final aggregate is recorded for the foreach node itself
	x.mu.Lock()
	x.outputs[n.ID] = res
	x.mu.Unlock()
	return res
}

func (x *Execution) foreachParamItems(n *config.Node, locals map[string]any) ([]any, error) {
	raw, ok := n.Params["items"]
	if !ok {
		return nil, fmt.Errorf("foreach node %s requires an 'items' parameter", n.ID)
	}
	v, err := resolve.ResolveValue(raw, x.env(locals))
	if err != nil {
		return nil, fmt.Errorf("foreach items did not resolve: %w", err)
	}
	switch items := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return items, nil
	default:
		return nil, fmt.Errorf("foreach items resolved to %T, expected a list", v)
	}
}

// runGoto jumps the payload to the target node, bounded by the iteration
// ceiling enforced in runNode.
func (x *Execution) runGoto(n *config.Node, rn readyNode) (*execution.StepResult, *module.Emission) {
	target, err := x.stringParam(n, "target", rn.locals)
	if err != nil {
		res := execution.FailResult(execution.CodeValidation, err.Error())
		x.record(n.ID, res)
		return res, nil
	}
	res := execution.OKResult(rn.payload)
	res.Meta.Attempts = 1
	if res.Meta.Extra == nil {
		res.Meta.Extra = map[string]any{}
	}
	res.Meta.Extra["goto_target"] = target
	x.record(n.ID, res)
	return res, &module.Emission{Port: flow.PortOutput, Payload: rn.payload}
}

// runBreakpoint suspends the execution until resolved, timed out or
// cancelled.
func (x *Execution) runBreakpoint(ctx context.Context, n *config.Node, rn readyNode) (*execution.StepResult, *module.Emission) {
	ch := make(chan any, 1)
	x.ctl.Lock()
	x.ctl.breakpoints[n.ID] = ch
	x.ctl.state = execution.StatePaused
	x.ctl.Unlock()

	prompt, _ := n.Params["prompt"].(string)
	x.emit(execution.NewEvent(execution.EventLog, x.ID, n.ID, map[string]any{
		"message":    "breakpoint reached",
		"prompt":     prompt,
		"breakpoint": true,
	}))

	var timeoutCh <-chan time.Time
	if ms, err := x.intParam(n, "timeout_ms", rn.locals); err == nil && ms > 0 {
		t := time.NewTimer(time.Duration(ms) * time.Millisecond)
		defer t.Stop()
		timeoutCh = t.C
	}

	var payload any
	var res *execution.StepResult
	select {
	case payload = <-ch:
		if payload == nil {
			payload = rn.payload
		}
		res = execution.OKResult(payload)
	case <-timeoutCh:
		res = execution.FailResult(execution.CodeTimeout, "breakpoint timed out without resolution")
	case <-ctx.Done():
		res = execution.FailResult(execution.CodeCancelled, "execution cancelled at breakpoint")
	}

	x.ctl.Lock()
	delete(x.ctl.breakpoints, n.ID)
	if x.ctl.state == execution.StatePaused && !x.ctl.paused {
		x.ctl.state = execution.StateRunning
	}
	x.ctl.Unlock()

	res.Meta.Attempts = 1
	x.record(n.ID, res)
	if !res.OK {
		return res, nil
	}
	return res, &module.Emission{Port: flow.PortOutput, Payload: payload}
}

func (x *Execution) intParam(n *config.Node, name string, locals map[string]any) (int, error) {
	raw, ok := n.Params[name]
	if !ok {
		return 0, fmt.Errorf("node %s requires parameter %q", n.ID, name)
	}
	v, err := resolve.ResolveValue(raw, x.env(locals))
	if err != nil {
		return 0, err
	}
	if f, isNum := toFloat(v); isNum {
		return int(f), nil
	}
	return 0, fmt.Errorf("node %s parameter %q is not a number", n.ID, name)
}

func (x *Execution) stringParam(n *config.Node, name string, locals map[string]any) (string, error) {
	raw, ok := n.Params[name]
	if !ok {
		return "", fmt.Errorf("node %s requires parameter %q", n.ID, name)
	}
	v, err := resolve.ResolveValue(raw, x.env(locals))
	if err != nil {
		return "", err
	}
	s, isStr := v.(string)
	if !isStr || s == "" {
		return "", fmt.Errorf("node %s parameter %q is not a string", n.ID, name)
	}
	return s, nil
}

// route turns one node outcome into downstream deliveries, applying on_error
// strategy and dead-edge propagation.
func (x *Execution) route(ctx context.Context, oc outcome) []delivery {
	n := x.byID[oc.id]

	if !oc.res.OK {
		return x.routeFailure(n, oc.res, oc.locals)
	}

	if n.Module == flow.ModuleGoto {
		target, _ := oc.res.Meta.Extra["goto_target"].(string)
		x.markPortsDead(oc.id, nil)
		if target == "" {
			return nil
		}
		return []delivery{{edgeIdx: -1, target: target, port: config.DefaultInputPort, payload: oc.res.Data, locals: oc.locals}}
	}

	ports := emittedPorts(oc.em, x.metas[oc.id])
	var out []delivery
	for _, idx := range x.outEdges[oc.id] {
		edge := x.edges[idx]
		if containsPort(ports, edge.SourcePort) {
			out = append(out, delivery{edgeIdx: idx, target: edge.TargetNode, port: edge.TargetPort, payload: payloadFor(oc), locals: oc.locals})
		} else {
			x.markEdgeDead(idx)
		}
	}
	return out
}

// routeFailure applies the node's on_error strategy to a failed outcome.
func (x *Execution) routeFailure(n *config.Node, res *execution.StepResult, locals map[string]any) []delivery {
	descriptor := map[string]any{
		"node_id":    n.ID,
		"ok":         false,
		"error":      res.Error,
		"error_code": string(res.ErrorCode),
	}
	switch n.OnError {
	case config.OnErrorContinue:
		var out []delivery
		for _, idx := range x.outEdges[n.ID] {
			edge := x.edges[idx]
			out = append(out, delivery{edgeIdx: idx, target: edge.TargetNode, port: edge.TargetPort, payload: descriptor, locals: locals})
		}
		return out
	case config.OnErrorSkip:
		x.markPortsDead(n.ID, nil)
		return nil
	case config.OnErrorGoto:
		x.markPortsDead(n.ID, nil)
		if n.OnErrorGoto == "" {
			return nil
		}
		return []delivery{{edgeIdx: -1, target: n.OnErrorGoto, port: config.DefaultInputPort, payload: descriptor, locals: locals}}
	default: // fail
		x.mu.Lock()
		if x.failure == nil {
			x.failure = res
			x.failNode = n.ID
		}
		x.mu.Unlock()
		x.markPortsDead(n.ID, nil)
		return x.routeToErrorTriggers(descriptor)
	}
}

// routeToErrorTriggers delivers the failure descriptor to every error
// subgraph entry. The execution still ends failed once the subgraph drains.
func (x *Execution) routeToErrorTriggers(descriptor map[string]any) []delivery {
	var out []delivery
	for _, n := range x.wf.Nodes {
		if n.Module == flow.ModuleErrorTrigger {
			out = append(out, delivery{edgeIdx: -1, target: n.ID, port: config.DefaultInputPort, payload: descriptor})
		}
	}
	return out
}

// emittedPorts resolves which output ports carry the payload.
func emittedPorts(em *module.Emission, meta *module.Metadata) []string {
	if em != nil {
		if len(em.Ports) > 0 {
			return em.Ports
		}
		if em.Port != "" {
			return []string{em.Port}
		}
	}
	if meta != nil {
		ports := meta.EffectiveOutputPorts()
		if len(ports) > 0 {
			return []string{ports[0].Name}
		}
	}
	return []string{config.DefaultOutputPort}
}

func containsPort(ports []string, port string) bool {
	for _, p := range ports {
		if p == port {
			return true
		}
	}
	return false
}

func payloadFor(oc outcome) any {
	if oc.em != nil {
		return oc.em.Payload
	}
	return oc.res.Data
}

// markPortsDead kills every out edge not in the keep set, propagating
// deadness so downstream "all" gathers are not left waiting.
func (x *Execution) markPortsDead(nodeID string, keep []string) {
	for _, idx := range x.outEdges[nodeID] {
		if keep != nil && containsPort(keep, x.edges[idx].SourcePort) {
			continue
		}
		x.markEdgeDead(idx)
	}
}

func (x *Execution) markEdgeDead(idx int) {
	x.mu.Lock()
	already := x.deadEdge[idx]
	x.deadEdge[idx] = true
	x.mu.Unlock()
	if already {
		return
	}
	target := x.edges[idx].TargetNode
	n := x.byID[target]
	if n == nil || isIterationModule(n.Module) {
		return
	}

	x.mu.Lock()
	allDead := true
	anyArrived := false
	if g := x.gathers[target]; g != nil && len(g.inputs) > 0 {
		anyArrived = true
	}
	for _, inIdx := range x.inEdges[target] {
		if !x.deadEdge[inIdx] {
			allDead = false
			break
		}
	}
	x.mu.Unlock()

	if allDead && !anyArrived {
		// the node can never fire; everything downstream dies with it
		x.markPortsDead(target, nil)
	}
}

// finish resolves the final state and output, emits engine_end and releases
// waiters.
func (x *Execution) finish(ctx context.Context) {
	x.mu.Lock()
	failure := x.failure
	failNode := x.failNode
	endData := x.endData
	steps := make(map[string]*execution.StepResult, len(x.outputs))
	for k, v := range x.outputs {
		steps[k] = v.Redacted()
	}
	x.mu.Unlock()

	x.ctl.Lock()
	cancelled := x.ctl.cancelled || errors.Is(ctx.Err(), context.Canceled)
	x.ctl.Unlock()

	state := execution.StateCompleted
	switch {
	case cancelled:
		state = execution.StateCancelled
	case failure != nil:
		state = execution.StateFailed
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		state = execution.StateFailed
		failure = execution.FailResult(execution.CodeTimeout, "workflow timed out")
	}

	var output any = endData
	if state == execution.StateCompleted && len(x.wf.Output) > 0 {
		mapped := make(map[string]any, len(x.wf.Output))
		env := x.env(nil)
		for name, expr := range x.wf.Output {
			v, err := resolve.ResolveString(expr, env)
			if err != nil {
				x.engine.logger.Warn("workflow output entry did not resolve",
					"execution", x.ID, "name", name, "error", err)
				continue
			}
			mapped[name] = v
		}
		output = mapped
	}

	result := &Result{
		ExecutionID:       x.ID,
		ParentExecutionID: x.exec.ParentExecutionID,
		State:             state,
		Output:            output,
		Steps:             steps,
	}
	if failure != nil {
		result.ErrorMessage = failure.Error
		result.ErrorCode = failure.ErrorCode
		if failNode != "" {
			result.ErrorMessage = fmt.Sprintf("node %s: %s", failNode, failure.Error)
		}
	}

	x.ctl.Lock()
	x.ctl.state = state
	x.ctl.Unlock()
	x.result = result

	x.emit(execution.NewEvent(execution.EventEngineEnd, x.ID, "", map[string]any{
		"state":      string(state),
		"error":      result.ErrorMessage,
		"error_code": string(result.ErrorCode),
	}))

	x.engine.unregister(x.ID)
	if x.events != nil {
		close(x.events)
	}
	close(x.done)
}
