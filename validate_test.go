package stepflow

import (
	"context"
	"testing"

	"github.com/GoCodeAlone/stepflow/config"
	"github.com/GoCodeAlone/stepflow/execution"
	"github.com/GoCodeAlone/stepflow/module"
)

func hasIssue(issues []ValidationIssue, code execution.Code) bool {
	for _, i := range issues {
		if i.Code == code {
			return true
		}
	}
	return false
}

func validationEngine(t *testing.T) *Engine {
	t.Helper()
	eng := newEngine(t)
	mustRegister(t, eng, testMeta("noop.v", nil), func(ctx context.Context, inv *module.Invocation) (any, error) {
		return nil, nil
	})
	return eng
}

func edge(from, to string) config.Edge {
	return config.Edge{SourceNode: from, SourcePort: "output", TargetNode: to, TargetPort: "input"}
}

func noopNode(id string) config.Node {
	return config.Node{ID: id, Module: "noop.v"}
}

func TestValidate_CycleDetected(t *testing.T) {
	eng := validationEngine(t)
	wf := &config.Workflow{
		Name:  "cyclic",
		Nodes: []config.Node{noopNode("begin"), noopNode("a"), noopNode("b")},
		Edges: []config.Edge{edge("begin", "a"), edge("a", "b"), edge("b", "a")},
	}
	issues := eng.Validate(wf)
	if !hasIssue(issues, execution.CodeCycleDetected) {
		t.Errorf("issues = %v", issues)
	}
	if _, err := eng.Execute(context.Background(), wf, nil); err == nil {
		t.Error("executing an invalid workflow must fail before any node runs")
	}
}

func TestValidate_LoopBackEdgeIsNotACycle(t *testing.T) {
	eng := validationEngine(t)
	wf := &config.Workflow{
		Name: "looped",
		Nodes: []config.Node{
			noopNode("begin"),
			{ID: "turns", Module: "flow.loop", Params: map[string]any{"times": 2}},
			noopNode("body"),
			{ID: "fin", Module: "flow.end"},
		},
		Edges: []config.Edge{
			edge("begin", "turns"),
			{SourceNode: "turns", SourcePort: "iterate", TargetNode: "body", TargetPort: "input"},
			edge("body", "turns"),
			{SourceNode: "turns", SourcePort: "done", TargetNode: "fin", TargetPort: "input"},
		},
	}
	if issues := eng.Validate(wf); len(issues) > 0 {
		t.Errorf("issues = %v", issues)
	}
}

func TestValidate_NoStartNode(t *testing.T) {
	eng := validationEngine(t)
	wf := &config.Workflow{
		Name:  "headless",
		Nodes: []config.Node{noopNode("a"), noopNode("b")},
		Edges: []config.Edge{edge("a", "b"), edge("b", "a")},
	}
	if issues := eng.Validate(wf); !hasIssue(issues, execution.CodeNoStartNode) {
		t.Errorf("issues = %v", issues)
	}
}

func TestValidate_MultipleStartNodes(t *testing.T) {
	eng := validationEngine(t)
	wf := &config.Workflow{
		Name:  "twoheaded",
		Nodes: []config.Node{noopNode("a"), noopNode("b")},
	}
	if issues := eng.Validate(wf); !hasIssue(issues, execution.CodeMultipleStartNodes) {
		t.Errorf("issues = %v", issues)
	}
}

func TestValidate_OrphanNode(t *testing.T) {
	eng := validationEngine(t)
	wf := &config.Workflow{
		Name:  "strays",
		Nodes: []config.Node{noopNode("begin"), noopNode("a"), noopNode("b"), noopNode("c")},
		Edges: []config.Edge{edge("begin", "a"), edge("b", "c"), edge("c", "b")},
	}
	if issues := eng.Validate(wf); !hasIssue(issues, execution.CodeOrphanNode) {
		t.Errorf("issues = %v", issues)
	}
}

func TestValidate_InvalidStartNode(t *testing.T) {
	eng := validationEngine(t)
	meta := testMeta("needs.input", nil)
	meta.InputTypes = []module.DataType{module.TypeObject}
	mustRegister(t, eng, meta, func(ctx context.Context, inv *module.Invocation) (any, error) {
		return nil, nil
	})
	wf := &config.Workflow{
		Name:  "badstart",
		Nodes: []config.Node{{ID: "a", Module: "needs.input"}},
	}
	if issues := eng.Validate(wf); !hasIssue(issues, execution.CodeInvalidStartNode) {
		t.Errorf("issues = %v", issues)
	}
}

func TestValidate_ReservedID(t *testing.T) {
	eng := validationEngine(t)
	wf := &config.Workflow{
		Name:  "clash",
		Nodes: []config.Node{noopNode("params")},
	}
	issues := eng.Validate(wf)
	found := false
	for _, i := range issues {
		if i.Code == execution.CodeValidation && i.NodeID == "params" {
			found = true
		}
	}
	if !found {
		t.Errorf("issues = %v", issues)
	}
}

func TestValidate_UnknownModule(t *testing.T) {
	eng := validationEngine(t)
	wf := &config.Workflow{
		Name:  "missing",
		Nodes: []config.Node{{ID: "a", Module: "ghost.module"}},
	}
	if issues := eng.Validate(wf); !hasIssue(issues, execution.CodeNotFound) {
		t.Errorf("issues = %v", issues)
	}
}

func TestValidate_FutureReference(t *testing.T) {
	eng := validationEngine(t)
	meta := testMeta("take.value", map[string]module.ParamSpec{"value": {Type: "any"}})
	mustRegister(t, eng, meta, func(ctx context.Context, inv *module.Invocation) (any, error) {
		return inv.Params["value"], nil
	})
	wf := &config.Workflow{
		Name: "backwards",
		Steps: []config.Node{
			{ID: "n1", Module: "take.value", Params: map[string]any{"value": "{{n2}}"}},
			{ID: "n2", Module: "take.value", Params: map[string]any{"value": "{{n1}}"}},
		},
	}
	if issues := eng.Validate(wf); !hasIssue(issues, execution.CodeValidation) {
		t.Errorf("issues = %v", issues)
	}
}

func TestValidate_NodeConfig(t *testing.T) {
	eng := validationEngine(t)
	cases := []struct {
		label string
		node  config.Node
	}{
		{"bad guard", config.Node{ID: "a", Module: "noop.v", When: "{{params.x}} >"}},
		{"unknown on_error", config.Node{ID: "a", Module: "noop.v", OnError: "explode"}},
		{"goto without target", config.Node{ID: "a", Module: "noop.v", OnError: config.OnErrorGoto}},
		{"negative retry", config.Node{ID: "a", Module: "noop.v", Retry: &config.Retry{Count: -1}}},
		{"unknown backoff", config.Node{ID: "a", Module: "noop.v", Retry: &config.Retry{Count: 1, Backoff: "fibonacci"}}},
		{"output_mode without foreach", config.Node{ID: "a", Module: "noop.v", OutputMode: config.OutputModeLast}},
		{"bad merge strategy", config.Node{ID: "a", Module: "flow.merge", Params: map[string]any{"strategy": "quorum"}}},
	}
	for _, tc := range cases {
		wf := &config.Workflow{Name: "cfg", Nodes: []config.Node{tc.node}}
		if issues := eng.Validate(wf); !hasIssue(issues, execution.CodeValidation) {
			t.Errorf("%s: issues = %v", tc.label, issues)
		}
	}
}

func TestValidate_PortNotFound(t *testing.T) {
	eng := validationEngine(t)
	wf := &config.Workflow{
		Name:  "badport",
		Nodes: []config.Node{noopNode("a"), noopNode("b")},
		Edges: []config.Edge{
			{SourceNode: "a", SourcePort: "bogus", TargetNode: "b", TargetPort: "input"},
		},
	}
	if issues := eng.Validate(wf); !hasIssue(issues, execution.CodePortNotFound) {
		t.Errorf("issues = %v", issues)
	}
}

func TestValidate_TypeMismatch(t *testing.T) {
	eng := validationEngine(t)
	src := testMeta("emit.html", nil)
	src.OutputTypes = []module.DataType{module.TypeHTML}
	tgt := testMeta("want.number", nil)
	tgt.InputTypes = []module.DataType{module.TypeNumber}
	for _, m := range []*module.Metadata{src, tgt} {
		mustRegister(t, eng, m, func(ctx context.Context, inv *module.Invocation) (any, error) {
			return nil, nil
		})
	}
	wf := &config.Workflow{
		Name: "typed",
		Nodes: []config.Node{
			noopNode("begin"),
			{ID: "a", Module: "emit.html"},
			{ID: "b", Module: "want.number"},
		},
		Edges: []config.Edge{edge("begin", "a"), edge("a", "b")},
	}
	if issues := eng.Validate(wf); !hasIssue(issues, execution.CodeTypeMismatch) {
		t.Errorf("issues = %v", issues)
	}
}

func TestValidate_SwitchCasePorts(t *testing.T) {
	eng := validationEngine(t)
	node := config.Node{ID: "route", Module: "flow.switch", Params: map[string]any{
		"expression": "{{params.kind}}",
		"cases":      []any{"alpha"},
	}}
	wf := &config.Workflow{
		Name:  "switched",
		Nodes: []config.Node{noopNode("begin"), node, noopNode("a")},
		Edges: []config.Edge{
			edge("begin", "route"),
			{SourceNode: "route", SourcePort: "case:alpha", TargetNode: "a", TargetPort: "input"},
		},
	}
	if issues := eng.Validate(wf); len(issues) > 0 {
		t.Fatalf("declared case rejected: %v", issues)
	}

	wf.Edges[1].SourcePort = "case:beta"
	if issues := eng.Validate(wf); !hasIssue(issues, execution.CodePortNotFound) {
		t.Errorf("undeclared case accepted")
	}
}

func TestValidate_GotoTargetMustExist(t *testing.T) {
	eng := validationEngine(t)
	wf := &config.Workflow{
		Name: "jump",
		Nodes: []config.Node{
			noopNode("begin"),
			{ID: "back", Module: "flow.goto", Params: map[string]any{"target": "nowhere"}},
		},
		Edges: []config.Edge{edge("begin", "back")},
	}
	if issues := eng.Validate(wf); !hasIssue(issues, execution.CodeValidation) {
		t.Errorf("issues = %v", issues)
	}
}
