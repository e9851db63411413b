// Package stepflow is a deterministic workflow execution engine: workflows
// are DAGs of typed steps wired by ports, executed by pluggable modules that
// run in process or as stdio JSON-RPC plugins, with full evidence capture so
// any execution can be traced and replayed.
package stepflow

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/stepflow/config"
	"github.com/GoCodeAlone/stepflow/execution"
	"github.com/GoCodeAlone/stepflow/executor"
	"github.com/GoCodeAlone/stepflow/flow"
	"github.com/GoCodeAlone/stepflow/invoker"
	"github.com/GoCodeAlone/stepflow/module"
	"github.com/GoCodeAlone/stepflow/resolve"
)

// DefaultMaxIterations bounds goto and loop revisits per workflow unless the
// document raises it.
const DefaultMaxIterations = 100

// EventSink observes every engine event. Sinks must not block.
type EventSink interface {
	Handle(ev execution.Event)
}

// EventSinkFunc adapts a function to the EventSink interface.
type EventSinkFunc func(ev execution.Event)

// Handle implements EventSink.
func (f EventSinkFunc) Handle(ev execution.Event) { f(ev) }

// Engine executes workflows against a module registry.
type Engine struct {
	registry *module.Registry
	invoker  *invoker.Invoker
	executor *executor.Executor
	traces   execution.TraceStore
	evidence execution.EvidenceStore
	logger   *slog.Logger
	sinks    []EventSink

	lookupEnv func(name string) (string, bool)

	mu        sync.Mutex
	workflows map[string]*config.Workflow
	active    map[string]*Execution
	secrets   *execution.SecretLayer
}

// Option configures an Engine.
type Option func(*engineConfig)

type engineConfig struct {
	logger   *slog.Logger
	traces   execution.TraceStore
	evidence execution.EvidenceStore
	plugins  invoker.PluginClient
	policy   invoker.RoutePolicy
	sinks    []EventSink
	lookup   func(string) (string, bool)
	secrets  *execution.SecretLayer
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option { return func(c *engineConfig) { c.logger = l } }

// WithTraceStore sets the trace persistence backend.
func WithTraceStore(s execution.TraceStore) Option { return func(c *engineConfig) { c.traces = s } }

// WithEvidenceStore sets the evidence persistence backend.
func WithEvidenceStore(s execution.EvidenceStore) Option {
	return func(c *engineConfig) { c.evidence = s }
}

// WithPlugins wires the plugin runtime into the invoker.
func WithPlugins(p invoker.PluginClient) Option { return func(c *engineConfig) { c.plugins = p } }

// WithRoutePolicy selects the preferred track for dual-registered modules.
func WithRoutePolicy(p invoker.RoutePolicy) Option { return func(c *engineConfig) { c.policy = p } }

// WithEventSink adds an observer for all engine events.
func WithEventSink(s EventSink) Option {
	return func(c *engineConfig) { c.sinks = append(c.sinks, s) }
}

// WithEnvLookup overrides the environment source. The workflow allowlist
// still applies on top.
func WithEnvLookup(f func(string) (string, bool)) Option {
	return func(c *engineConfig) { c.lookup = f }
}

// WithSecrets installs the credential layer handed to modules that declare
// requires_credentials.
func WithSecrets(s *execution.SecretLayer) Option { return func(c *engineConfig) { c.secrets = s } }

// New creates an engine over a registry, installing the builtin flow family.
func New(registry *module.Registry, opts ...Option) (*Engine, error) {
	cfg := &engineConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.traces == nil || cfg.evidence == nil {
		mem := execution.NewMemoryStore()
		if cfg.traces == nil {
			cfg.traces = mem
		}
		if cfg.evidence == nil {
			cfg.evidence = mem
		}
	}
	if cfg.lookup == nil {
		cfg.lookup = os.LookupEnv
	}
	if registry == nil {
		registry = module.NewRegistry(cfg.logger)
	}

	e := &Engine{
		registry:  registry,
		traces:    cfg.traces,
		evidence:  cfg.evidence,
		logger:    cfg.logger,
		sinks:     cfg.sinks,
		lookupEnv: cfg.lookup,
		workflows: make(map[string]*config.Workflow),
		active:    make(map[string]*Execution),
		secrets:   cfg.secrets,
	}
	e.invoker = invoker.New(registry, cfg.plugins, cfg.policy, cfg.logger)
	e.executor = executor.New(e.invoker, cfg.evidence, cfg.logger)

	if err := flow.Register(registry, e); err != nil {
		return nil, fmt.Errorf("install flow modules: %w", err)
	}
	return e, nil
}

// Registry returns the engine's module registry.
func (e *Engine) Registry() *module.Registry { return e.registry }

// AddWorkflow registers a named workflow for subflow invocation.
func (e *Engine) AddWorkflow(wf *config.Workflow) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workflows[wf.Name] = wf
	if wf.ID != "" {
		e.workflows[wf.ID] = wf
	}
}

// WorkflowByRef resolves a subflow reference by id or name.
func (e *Engine) WorkflowByRef(ref string) (*config.Workflow, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	wf, ok := e.workflows[ref]
	return wf, ok
}

// RunSubflow implements flow.SubflowRunner: it executes the referenced
// workflow to completion and returns its output.
func (e *Engine) RunSubflow(ctx context.Context, workflowRef string, inputs map[string]any, parentExecutionID string) (map[string]any, error) {
	wf, ok := e.WorkflowByRef(workflowRef)
	if !ok {
		return nil, execution.NewModuleError(execution.CodeNotFound, "workflow %q is not registered", workflowRef)
	}
	res, err := e.execute(ctx, wf, inputs, parentExecutionID, nil)
	if err != nil {
		return nil, err
	}
	if res.State != execution.StateCompleted {
		return nil, execution.NewModuleError(execution.CodeExecution,
			"subflow %q ended in state %s: %s", workflowRef, res.State, res.ErrorMessage)
	}
	out, _ := res.Output.(map[string]any)
	if out == nil && res.Output != nil {
		out = map[string]any{"output": res.Output}
	}
	return out, nil
}

// Trace returns the persisted event trace for an execution.
func (e *Engine) Trace(ctx context.Context, executionID string) ([]execution.Event, error) {
	return e.traces.Events(ctx, executionID)
}

// Evidence returns all evidence records for an execution.
func (e *Engine) Evidence(ctx context.Context, executionID string) ([]execution.EvidenceRecord, error) {
	return e.evidence.ByExecution(ctx, executionID)
}

// Result is the terminal outcome of one execution.
type Result struct {
	ExecutionID       string
	ParentExecutionID string
	State             execution.State
	Output            any
	Steps             map[string]*execution.StepResult
	ErrorMessage      string
	ErrorCode         execution.Code
}

// Execute runs a workflow to completion and returns its result. Validation
// failures are returned before any node runs.
func (e *Engine) Execute(ctx context.Context, wf *config.Workflow, params map[string]any) (*Result, error) {
	return e.execute(ctx, wf, params, "", nil)
}

// Start begins an asynchronous execution. Events stream on Events(); Wait
// blocks for the result.
func (e *Engine) Start(ctx context.Context, wf *config.Workflow, params map[string]any) (*Execution, error) {
	return e.start(ctx, wf, params, "", nil, true)
}

// Cancel requests cancellation of a running execution. Idempotent; unknown
// ids are ignored.
func (e *Engine) Cancel(executionID string) {
	if x := e.lookupActive(executionID); x != nil {
		x.Cancel()
	}
}

// Pause suspends a running execution at its next suspension point.
func (e *Engine) Pause(executionID string) {
	if x := e.lookupActive(executionID); x != nil {
		x.Pause()
	}
}

// Resume continues a paused execution.
func (e *Engine) Resume(executionID string) {
	if x := e.lookupActive(executionID); x != nil {
		x.Resume()
	}
}

// ResolveBreakpoint releases an execution waiting at a breakpoint node.
func (e *Engine) ResolveBreakpoint(executionID, nodeID string, payload any) error {
	x := e.lookupActive(executionID)
	if x == nil {
		return execution.NewModuleError(execution.CodeNotFound, "no active execution %q", executionID)
	}
	return x.ResolveBreakpoint(nodeID, payload)
}

func (e *Engine) lookupActive(executionID string) *Execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active[executionID]
}

func (e *Engine) register(x *Execution) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[x.ID] = x
}

func (e *Engine) unregister(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, id)
}

// execute is the synchronous core shared by Execute, RunSubflow and replay.
func (e *Engine) execute(ctx context.Context, wf *config.Workflow, params map[string]any, parentID string, seed *execution.Snapshot) (*Result, error) {
	x, err := e.start(ctx, wf, params, parentID, seed, false)
	if err != nil {
		return nil, err
	}
	return x.Wait()
}

func (e *Engine) start(ctx context.Context, wf *config.Workflow, params map[string]any, parentID string, seed *execution.Snapshot, stream bool) (*Execution, error) {
	x, err := e.prepare(wf, params, parentID, seed, stream)
	if err != nil {
		return nil, err
	}
	e.launch(ctx, x)
	return x, nil
}

// prepare validates and assembles an execution without launching it.
func (e *Engine) prepare(wf *config.Workflow, params map[string]any, parentID string, seed *execution.Snapshot, stream bool) (*Execution, error) {
	if issues := e.Validate(wf); len(issues) > 0 {
		return nil, issues[0].Err()
	}
	norm := wf.Normalize()

	paramValues, err := effectiveParams(norm, params)
	if err != nil {
		return nil, err
	}

	execCtx := execution.NewContext(uuid.NewString(), workflowID(norm))
	execCtx.ParentExecutionID = parentID
	if e.secrets != nil {
		execCtx.SetSecrets(e.secrets)
	}

	x := newExecution(e, norm, execCtx, paramValues, stream)
	if seed != nil {
		execCtx.Restore(*seed)
		x.seedFromSnapshot(*seed)
	}
	return x, nil
}

func (e *Engine) launch(ctx context.Context, x *Execution) {
	e.register(x)
	go x.run(ctx)
}

func workflowID(wf *config.Workflow) string {
	if wf.ID != "" {
		return wf.ID
	}
	return wf.Name
}

// effectiveParams merges caller params over declared defaults and validates
// the declared constraints.
func effectiveParams(wf *config.Workflow, params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	for _, decl := range wf.Params {
		v, present := out[decl.Name]
		if !present {
			if decl.Default != nil {
				out[decl.Name] = decl.Default
				continue
			}
			if decl.Required {
				return nil, execution.NewModuleError(execution.CodeValidation,
					"missing required workflow parameter %q", decl.Name)
			}
			continue
		}
		if err := checkParamDecl(decl, v); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func checkParamDecl(decl config.ParamDecl, v any) error {
	if len(decl.Enum) > 0 {
		ok := false
		for _, allowed := range decl.Enum {
			if fmt.Sprintf("%v", allowed) == fmt.Sprintf("%v", v) {
				ok = true
				break
			}
		}
		if !ok {
			return execution.NewModuleError(execution.CodeValidation,
				"workflow parameter %q value %v is not in the allowed set", decl.Name, v)
		}
	}
	if decl.Min != nil || decl.Max != nil {
		n, isNum := toFloat(v)
		if isNum {
			if decl.Min != nil && n < *decl.Min {
				return execution.NewModuleError(execution.CodeValidation,
					"workflow parameter %q below minimum %v", decl.Name, *decl.Min)
			}
			if decl.Max != nil && n > *decl.Max {
				return execution.NewModuleError(execution.CodeValidation,
					"workflow parameter %q above maximum %v", decl.Name, *decl.Max)
			}
		}
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// envLookup returns the allowlisted environment accessor for a workflow.
// Access is deny-by-default: an empty allowlist exposes nothing.
func (e *Engine) envLookup(wf *config.Workflow) func(string) (string, bool) {
	allowed := make(map[string]bool, len(wf.Config.EnvAllowlist))
	for _, name := range wf.Config.EnvAllowlist {
		allowed[name] = true
	}
	return func(name string) (string, bool) {
		if !allowed[name] {
			return "", false
		}
		return e.lookupEnv(name)
	}
}

// resolveEnv builds the resolution environment for one step.
func (e *Engine) resolveEnv(wf *config.Workflow, params map[string]any, steps map[string]any, locals map[string]any) *resolve.Env {
	return &resolve.Env{
		Params:       params,
		LookupEnv:    e.envLookup(wf),
		WorkflowID:   workflowID(wf),
		WorkflowName: wf.Name,
		Steps:        steps,
		Locals:       locals,
	}
}
