// Package invoker dispatches one step invocation to its module handler,
// choosing between the in-process track and the plugin track, and rewrites
// every return shape into a normalized step result.
package invoker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/GoCodeAlone/stepflow/execution"
	"github.com/GoCodeAlone/stepflow/flow"
	"github.com/GoCodeAlone/stepflow/module"
	"github.com/GoCodeAlone/stepflow/plugin"
)

// RoutePolicy selects the preferred track for modules served by both a
// plugin and an in-process handler.
type RoutePolicy string

const (
	PreferPlugin RoutePolicy = "plugin"
	PreferLegacy RoutePolicy = "legacy"
)

// PluginClient is the slice of the plugin manager the invoker needs.
type PluginClient interface {
	Invoke(ctx context.Context, pluginID string, params plugin.InvokeParams) (*plugin.InvokeResult, error)
	Quarantined(pluginID string) bool
}

// Invoker routes step invocations. It is safe for concurrent use.
type Invoker struct {
	registry *module.Registry
	plugins  PluginClient
	policy   RoutePolicy
	logger   *slog.Logger

	// serial holds one-permit semaphores for modules declaring
	// concurrent_safe: false.
	mu     sync.Mutex
	serial map[string]*semaphore.Weighted
}

// New creates an invoker over a registry snapshot. plugins may be nil when no
// plugin runtime is configured.
func New(registry *module.Registry, plugins PluginClient, policy RoutePolicy, logger *slog.Logger) *Invoker {
	if policy == "" {
		policy = PreferPlugin
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{
		registry: registry,
		plugins:  plugins,
		policy:   policy,
		logger:   logger,
		serial:   make(map[string]*semaphore.Weighted),
	}
}

// Invoke runs one invocation and returns the normalized result plus the
// control-flow emission, when the handler produced one. The result is never
// nil; dispatch failures become failed results.
func (iv *Invoker) Invoke(ctx context.Context, meta *module.Metadata, inv *module.Invocation) (*execution.StepResult, *module.Emission) {
	start := time.Now()
	requestID := uuid.NewString()

	if !meta.ConcurrentSafe {
		sem := iv.serialSem(meta.ID)
		if err := sem.Acquire(ctx, 1); err != nil {
			res := execution.FailResult(execution.CodeCancelled, "cancelled while queued for serialized module "+meta.ID)
			iv.stamp(res, meta, requestID, start)
			return res, nil
		}
		defer sem.Release(1)
	}

	res, em := iv.dispatch(ctx, meta, inv)
	iv.stamp(res, meta, requestID, start)
	return res, em
}

func (iv *Invoker) stamp(res *execution.StepResult, meta *module.Metadata, requestID string, start time.Time) {
	res.Meta.ModuleID = meta.ID
	res.Meta.RequestID = requestID
	res.Meta.DurationMS = time.Since(start).Milliseconds()
	if res.Meta.Attempts == 0 {
		res.Meta.Attempts = 1
	}
}

func (iv *Invoker) dispatch(ctx context.Context, meta *module.Metadata, inv *module.Invocation) (*execution.StepResult, *module.Emission) {
	// The flow family always runs in process, regardless of policy.
	if flow.IsBuiltin(meta.ID) {
		if h, ok := iv.registry.HandlerFor(meta.ID); ok {
			return iv.runHandler(ctx, h, inv)
		}
		return execution.FailResult(execution.CodeNotFound, "builtin module "+meta.ID+" has no handler"), nil
	}

	pluginID, hasPlugin := iv.registry.PluginFor(meta.ID)
	handler, hasLegacy := iv.registry.HandlerFor(meta.ID)

	if hasPlugin && iv.plugins != nil && iv.plugins.Quarantined(pluginID) {
		iv.logger.Warn("plugin quarantined; routing to legacy handler", "module", meta.ID, "plugin", pluginID)
		hasPlugin = false
	}

	switch {
	case hasPlugin && iv.plugins != nil && (iv.policy == PreferPlugin || !hasLegacy):
		res := iv.runPlugin(ctx, pluginID, meta, inv)
		if !res.OK && res.ErrorCode == execution.CodePluginCrashed && hasLegacy {
			iv.logger.Warn("plugin track failed; falling back to legacy handler",
				"module", meta.ID, "plugin", pluginID, "error", res.Error)
			fres, fem := iv.runHandler(ctx, handler, inv)
			return fres, fem
		}
		return res, nil
	case hasLegacy:
		return iv.runHandler(ctx, handler, inv)
	case hasPlugin:
		return execution.FailResult(execution.CodeUnsupported, "module "+meta.ID+" requires a plugin runtime but none is configured"), nil
	default:
		return execution.FailResult(execution.CodeUnsupported, "module "+meta.ID+" has no executable handler"), nil
	}
}

func (iv *Invoker) runHandler(ctx context.Context, h module.Handler, inv *module.Invocation) (res *execution.StepResult, em *module.Emission) {
	defer func() {
		if r := recover(); r != nil {
			res = recoverResult(r)
			em = nil
		}
	}()
	out, err := h.Execute(ctx, inv)
	return Normalize(ctx, out, err)
}

func (iv *Invoker) runPlugin(ctx context.Context, pluginID string, meta *module.Metadata, inv *module.Invocation) *execution.StepResult {
	params := plugin.InvokeParams{
		Step:    meta.ID,
		Input:   inv.Params,
		Context: inv.Public,
	}
	if deadline, ok := ctx.Deadline(); ok {
		params.TimeoutMS = time.Until(deadline).Milliseconds()
	}
	out, err := iv.plugins.Invoke(ctx, pluginID, params)
	if err != nil {
		res, _ := Normalize(ctx, nil, err)
		return res
	}
	if !out.OK {
		msg := out.Error
		if msg == "" {
			msg = "plugin reported failure"
		}
		code := execution.Code(out.ErrorCode)
		if code == "" {
			code = execution.CodeExecution
		}
		return execution.FailResult(code, msg)
	}
	res, _ := Normalize(ctx, out.Data, nil)
	return res
}

func (iv *Invoker) serialSem(moduleID string) *semaphore.Weighted {
	iv.mu.Lock()
	defer iv.mu.Unlock()
	sem, ok := iv.serial[moduleID]
	if !ok {
		sem = semaphore.NewWeighted(1)
		iv.serial[moduleID] = sem
	}
	return sem
}
