package flow

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/GoCodeAlone/stepflow/execution"
	"github.com/GoCodeAlone/stepflow/module"
)

// Port names and semantics used by the flow family.
const (
	PortOutput  = "output"
	PortTrue    = "true"
	PortFalse   = "false"
	PortIterate = "iterate"
	PortDone    = "done"
	PortDefault = "default"
	PortError   = "error"

	CasePortPrefix = "case:"
)

// firstInput returns the primary upstream payload: the first delivery on the
// "input" port, falling back to an explicit payload param.
func firstInput(inv *module.Invocation) any {
	if ins := inv.Inputs["input"]; len(ins) > 0 {
		return ins[0]
	}
	if p, ok := inv.Params["payload"]; ok {
		return p
	}
	return nil
}

// branchHandler emits on exactly one of the true/false ports.
func branchHandler(_ context.Context, inv *module.Invocation) (any, error) {
	ok, err := EvalCondition(inv.Params["condition"])
	if err != nil {
		return nil, err
	}
	port := PortFalse
	if ok {
		port = PortTrue
	}
	return &module.Emission{Port: port, Payload: firstInput(inv)}, nil
}

// switchHandler matches the expression value against the declared cases and
// emits on "case:<value>", or "default" when nothing matches.
func switchHandler(_ context.Context, inv *module.Invocation) (any, error) {
	value := caseString(inv.Params["expression"])
	cases, err := switchCases(inv.Params["cases"])
	if err != nil {
		return nil, err
	}
	for _, c := range cases {
		if c == value {
			return &module.Emission{Port: CasePortPrefix + c, Payload: firstInput(inv)}, nil
		}
	}
	return &module.Emission{Port: PortDefault, Payload: firstInput(inv)}, nil
}

func switchCases(v any) ([]string, error) {
	raw, ok := v.([]any)
	if !ok {
		return nil, execution.NewModuleError(execution.CodeValidation, "switch requires a 'cases' list")
	}
	out := make([]string, 0, len(raw))
	for _, c := range raw {
		if m, ok := c.(map[string]any); ok {
			out = append(out, caseString(m["value"]))
			continue
		}
		out = append(out, caseString(c))
	}
	return out, nil
}

// caseString renders a case value for comparison; numbers lose their
// trailing zeros so YAML 5 and JSON 5.0 compare equal.
func caseString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", val)
	}
}

// forkHandler replicates its input on the output port; every outgoing edge
// receives the same payload and downstream nodes run as a parallel group.
func forkHandler(_ context.Context, inv *module.Invocation) (any, error) {
	return &module.Emission{Port: PortOutput, Payload: firstInput(inv)}, nil
}

// Merge strategies.
const (
	StrategyAll  = "all"
	StrategyAny  = "any"
	StrategyRace = "race"
)

// ParseStrategy splits a merge strategy into its kind and count ("count:3").
func ParseStrategy(s string) (kind string, count int, err error) {
	if s == "" {
		return StrategyAll, 0, nil
	}
	if rest, ok := strings.CutPrefix(s, "count:"); ok {
		n, convErr := strconv.Atoi(rest)
		if convErr != nil || n < 1 {
			return "", 0, fmt.Errorf("invalid merge strategy %q", s)
		}
		return "count", n, nil
	}
	switch s {
	case StrategyAll, StrategyAny, StrategyRace:
		return s, 0, nil
	}
	return "", 0, fmt.Errorf("invalid merge strategy %q", s)
}

// mergeHandler combines gathered upstream payloads. The scheduler delivers
// them in arrival order on the "input" port once the strategy is satisfied.
func mergeHandler(_ context.Context, inv *module.Invocation) (any, error) {
	strategy, _ := inv.Params["strategy"].(string)
	kind, count, err := ParseStrategy(strategy)
	if err != nil {
		return nil, execution.NewModuleError(execution.CodeValidation, "%v", err)
	}
	inputs := inv.Inputs["input"]
	var payload any
	switch kind {
	case StrategyAll:
		payload = append([]any{}, inputs...)
	case StrategyAny, StrategyRace:
		if len(inputs) > 0 {
			payload = inputs[0]
		}
	case "count":
		if count > len(inputs) {
			count = len(inputs)
		}
		payload = append([]any{}, inputs[:count]...)
	}
	return &module.Emission{Port: PortOutput, Payload: payload}, nil
}

// passthrough forwards the input payload on the output port. Used by the
// flow modules whose scheduling semantics live in the engine (start, goto,
// loop/foreach iteration, breakpoint resume, error routing).
func passthrough(_ context.Context, inv *module.Invocation) (any, error) {
	return &module.Emission{Port: PortOutput, Payload: firstInput(inv)}, nil
}

// triggerHandler is the entry-point module; the trigger payload shape
// depends on the trigger type and arrives pre-resolved in params.
func triggerHandler(_ context.Context, inv *module.Invocation) (any, error) {
	t, _ := inv.Params["trigger_type"].(string)
	if t == "" {
		t = "manual"
	}
	switch t {
	case "manual", "webhook", "schedule", "event":
	default:
		return nil, execution.NewModuleError(execution.CodeValidation, "unknown trigger_type %q", t)
	}
	payload := map[string]any{"trigger_type": t}
	if p, ok := inv.Params["payload"]; ok {
		payload["payload"] = p
	}
	return &module.Emission{Port: PortOutput, Payload: payload}, nil
}

// endHandler resolves the declared output mapping; its data marks the
// execution result.
func endHandler(_ context.Context, inv *module.Invocation) (any, error) {
	if m, ok := inv.Params["output_mapping"].(map[string]any); ok {
		return m, nil
	}
	return firstInput(inv), nil
}

// errorTriggerHandler is the entry node of an error subgraph; it forwards
// the failure descriptor the engine routed to it.
func errorTriggerHandler(_ context.Context, inv *module.Invocation) (any, error) {
	return &module.Emission{Port: PortOutput, Payload: firstInput(inv)}, nil
}
