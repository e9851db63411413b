package flow

import (
	"context"
	"fmt"

	"github.com/GoCodeAlone/stepflow/execution"
	"github.com/GoCodeAlone/stepflow/module"
)

// Builtin module ids.
const (
	ModuleStart        = "flow.start"
	ModuleEnd          = "flow.end"
	ModuleTrigger      = "flow.trigger"
	ModuleBranch       = "flow.branch"
	ModuleSwitch       = "flow.switch"
	ModuleFork         = "flow.fork"
	ModuleMerge        = "flow.merge"
	ModuleJoin         = "flow.join"
	ModuleLoop         = "flow.loop"
	ModuleForeach      = "flow.foreach"
	ModuleGoto         = "flow.goto"
	ModuleBreakpoint   = "flow.breakpoint"
	ModuleInvoke       = "flow.invoke"
	ModuleSubflow      = "flow.subflow"
	ModuleErrorTrigger = "flow.error_workflow_trigger"
	ModuleErrorHandle  = "flow.error_handle"
)

// IsBuiltin reports whether a module id belongs to the in-process flow
// family.
func IsBuiltin(id string) bool {
	return len(id) > 5 && id[:5] == "flow."
}

// SubflowRunner recursively executes a child workflow. The engine implements
// it; the interface lives here so flow.invoke can be registered without a
// package cycle.
type SubflowRunner interface {
	RunSubflow(ctx context.Context, workflowRef string, inputs map[string]any, parentExecutionID string) (map[string]any, error)
}

// Register installs the flow.* family into the registry. runner may be nil,
// in which case flow.invoke and flow.subflow report UNSUPPORTED.
func Register(reg *module.Registry, runner SubflowRunner) error {
	subflow := module.HandlerFunc(func(ctx context.Context, inv *module.Invocation) (any, error) {
		if runner == nil {
			return nil, execution.NewModuleError(execution.CodeUnsupported, "no subflow runner configured")
		}
		ref, _ := inv.Params["workflow"].(string)
		if ref == "" {
			return nil, execution.NewModuleError(execution.CodeValidation, "subflow requires a 'workflow' reference")
		}
		inputs, _ := inv.Params["inputs"].(map[string]any)
		return runner.RunSubflow(ctx, ref, inputs, inv.ExecutionID)
	})

	for _, reg2 := range []struct {
		meta    *module.Metadata
		handler module.Handler
	}{
		{startMeta(), module.HandlerFunc(passthrough)},
		{endMeta(), module.HandlerFunc(endHandler)},
		{triggerMeta(), module.HandlerFunc(triggerHandler)},
		{branchMeta(), module.HandlerFunc(branchHandler)},
		{switchMeta(), module.HandlerFunc(switchHandler)},
		{forkMeta(), module.HandlerFunc(forkHandler)},
		{mergeMeta(ModuleMerge, "Merge"), module.HandlerFunc(mergeHandler)},
		{mergeMeta(ModuleJoin, "Join"), module.HandlerFunc(mergeHandler)},
		{loopMeta(), module.HandlerFunc(passthrough)},
		{foreachMeta(), module.HandlerFunc(passthrough)},
		{gotoMeta(), module.HandlerFunc(passthrough)},
		{breakpointMeta(), module.HandlerFunc(passthrough)},
		{subflowMeta(ModuleInvoke, "Invoke Workflow"), subflow},
		{subflowMeta(ModuleSubflow, "Subflow"), subflow},
		{errorTriggerMeta(), module.HandlerFunc(errorTriggerHandler)},
		{errorHandleMeta(), module.HandlerFunc(passthrough)},
	} {
		if err := reg.Register(reg2.meta, reg2.handler); err != nil {
			return fmt.Errorf("register %s: %w", reg2.meta.ID, err)
		}
	}
	return nil
}

func base(id, label, description string) *module.Metadata {
	return &module.Metadata{
		ID:             id,
		Version:        "1.0.0",
		Category:       "flow",
		Tier:           module.TierStandard,
		Stability:      module.StabilityStable,
		Label:          label,
		Description:    description,
		LabelKey:       "modules.flow." + id[5:] + ".meta.label",
		DescriptionKey: "modules.flow." + id[5:] + ".meta.description",
		ConcurrentSafe: true,
		Deterministic:  true,
		Replayable:     true,
	}
}

func boolPtr(b bool) *bool { return &b }

func startMeta() *module.Metadata {
	m := base(ModuleStart, "Start", "Graph entry node; forwards the trigger payload.")
	m.CanBeStart = boolPtr(true)
	m.OutputPorts = []module.PortSpec{{Name: PortOutput, DataType: module.TypeAny}}
	return m
}

func endMeta() *module.Metadata {
	m := base(ModuleEnd, "End", "Terminal node; resolves the declared output mapping.")
	m.InputTypes = []module.DataType{module.TypeAny}
	m.Params = map[string]module.ParamSpec{
		"output_mapping": {Type: "object", Description: "Names mapped to variable expressions evaluated at completion."},
	}
	m.OutputPorts = nil
	return m
}

func triggerMeta() *module.Metadata {
	m := base(ModuleTrigger, "Trigger", "Entry point variants: manual, webhook, schedule, event.")
	m.CanBeStart = boolPtr(true)
	m.Params = map[string]module.ParamSpec{
		"trigger_type": {Type: "string", Default: "manual", Options: []string{"manual", "webhook", "schedule", "event"}},
		"payload":      {Type: "any"},
	}
	m.OutputPorts = []module.PortSpec{{Name: PortOutput, DataType: module.TypeAny}}
	return m
}

func branchMeta() *module.Metadata {
	m := base(ModuleBranch, "Branch", "Evaluates a condition and emits on exactly one of true/false.")
	m.InputTypes = []module.DataType{module.TypeAny}
	m.Params = map[string]module.ParamSpec{
		"condition": {Type: "string", Required: true, Aliases: []string{"expression"}},
	}
	m.OutputPorts = []module.PortSpec{
		{Name: PortTrue, DataType: module.TypeAny, Semantics: "true"},
		{Name: PortFalse, DataType: module.TypeAny, Semantics: "false"},
	}
	return m
}

func switchMeta() *module.Metadata {
	m := base(ModuleSwitch, "Switch", "Matches an expression against declared cases.")
	m.InputTypes = []module.DataType{module.TypeAny}
	m.Params = map[string]module.ParamSpec{
		"expression": {Type: "string", Required: true},
		"cases":      {Type: "array", Required: true},
	}
	m.DynamicPorts = true
	m.OutputPorts = []module.PortSpec{{Name: PortDefault, DataType: module.TypeAny}}
	return m
}

func forkMeta() *module.Metadata {
	m := base(ModuleFork, "Fork", "Replicates its input; downstream steps run as a parallel group.")
	m.InputTypes = []module.DataType{module.TypeAny}
	m.Params = map[string]module.ParamSpec{
		"count": {Type: "number", Description: "Number of identical output branches."},
	}
	m.OutputPorts = []module.PortSpec{{Name: PortOutput, DataType: module.TypeAny}}
	return m
}

func mergeMeta(id, label string) *module.Metadata {
	m := base(id, label, "Gathers upstream emissions per strategy and emits once.")
	m.InputTypes = []module.DataType{module.TypeAny}
	m.Params = map[string]module.ParamSpec{
		"strategy":   {Type: "string", Default: "all", Description: "all, any, race, or count:<k>."},
		"timeout_ms": {Type: "number"},
	}
	m.OutputPorts = []module.PortSpec{{Name: PortOutput, DataType: module.TypeArray}}
	return m
}

func loopMeta() *module.Metadata {
	m := base(ModuleLoop, "Loop", "Emits iterate per iteration up to times, then done.")
	m.InputTypes = []module.DataType{module.TypeAny}
	m.Params = map[string]module.ParamSpec{
		"times": {Type: "number", Required: true},
	}
	m.OutputPorts = []module.PortSpec{
		{Name: PortIterate, DataType: module.TypeAny, Semantics: "iterate"},
		{Name: PortDone, DataType: module.TypeAny, Semantics: "done"},
	}
	return m
}

func foreachMeta() *module.Metadata {
	m := base(ModuleForeach, "Foreach", "Emits iterate per element, then done with the aggregate.")
	m.InputTypes = []module.DataType{module.TypeArray, module.TypeAny}
	m.Params = map[string]module.ParamSpec{
		"items":       {Type: "any", Required: true},
		"as":          {Type: "string", Default: "item"},
		"output_mode": {Type: "string", Default: "collect", Options: []string{"collect", "last", "none"}},
	}
	m.OutputPorts = []module.PortSpec{
		{Name: PortIterate, DataType: module.TypeAny, Semantics: "iterate"},
		{Name: PortDone, DataType: module.TypeArray, Semantics: "done"},
	}
	return m
}

func gotoMeta() *module.Metadata {
	m := base(ModuleGoto, "Goto", "Unconditional jump, bounded by the workflow iteration ceiling.")
	m.InputTypes = []module.DataType{module.TypeAny}
	m.Params = map[string]module.ParamSpec{
		"target": {Type: "string", Required: true},
	}
	m.OutputPorts = []module.PortSpec{{Name: PortOutput, DataType: module.TypeAny}}
	return m
}

func breakpointMeta() *module.Metadata {
	m := base(ModuleBreakpoint, "Breakpoint", "Pauses the execution for human resolution.")
	m.InputTypes = []module.DataType{module.TypeAny}
	m.Params = map[string]module.ParamSpec{
		"timeout_ms": {Type: "number"},
		"prompt":     {Type: "string"},
	}
	m.Deterministic = false
	m.Replayable = false
	m.OutputPorts = []module.PortSpec{{Name: PortOutput, DataType: module.TypeAny}}
	return m
}

func subflowMeta(id, label string) *module.Metadata {
	m := base(id, label, "Recursive engine invocation of a named workflow.")
	m.InputTypes = []module.DataType{module.TypeAny}
	m.Params = map[string]module.ParamSpec{
		"workflow": {Type: "string", Required: true},
		"inputs":   {Type: "object"},
	}
	m.Deterministic = false
	m.OutputPorts = []module.PortSpec{{Name: PortOutput, DataType: module.TypeObject}}
	return m
}

func errorTriggerMeta() *module.Metadata {
	m := base(ModuleErrorTrigger, "Error Trigger", "Entry node of the error subgraph; receives the failure descriptor.")
	m.CanBeStart = boolPtr(false)
	m.OutputPorts = []module.PortSpec{{Name: PortOutput, DataType: module.TypeObject}}
	return m
}

func errorHandleMeta() *module.Metadata {
	m := base(ModuleErrorHandle, "Error Handle", "Routes a caught error onward for handling.")
	m.InputTypes = []module.DataType{module.TypeObject, module.TypeAny}
	m.OutputPorts = []module.PortSpec{{Name: PortOutput, DataType: module.TypeAny}}
	return m
}
