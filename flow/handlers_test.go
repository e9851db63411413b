package flow

import (
	"context"
	"reflect"
	"testing"

	"github.com/GoCodeAlone/stepflow/module"
)

func inv(params map[string]any, input any) *module.Invocation {
	return &module.Invocation{
		Params: params,
		Inputs: map[string][]any{"input": {input}},
	}
}

func emission(t *testing.T, out any, err error) *module.Emission {
	t.Helper()
	if err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	em, ok := out.(*module.Emission)
	if !ok {
		t.Fatalf("expected an emission, got %T", out)
	}
	return em
}

func TestBranchHandler(t *testing.T) {
	out, err := branchHandler(context.Background(), inv(map[string]any{"condition": "5 > 0"}, "payload"))
	em := emission(t, out, err)
	if em.Port != PortTrue || em.Payload != "payload" {
		t.Errorf("em = %+v", em)
	}

	out, err = branchHandler(context.Background(), inv(map[string]any{"condition": "-1 > 0"}, "payload"))
	em = emission(t, out, err)
	if em.Port != PortFalse {
		t.Errorf("port = %q", em.Port)
	}

	// Pre-resolved booleans pass straight through.
	out, err = branchHandler(context.Background(), inv(map[string]any{"condition": true}, nil))
	em = emission(t, out, err)
	if em.Port != PortTrue {
		t.Errorf("port = %q", em.Port)
	}

	if _, err := branchHandler(context.Background(), inv(map[string]any{"condition": "5 >"}, nil)); err == nil {
		t.Error("malformed condition must fail")
	}
}

func TestSwitchHandler(t *testing.T) {
	params := map[string]any{
		"expression": "beta",
		"cases":      []any{"alpha", "beta"},
	}
	out, err := switchHandler(context.Background(), inv(params, 1))
	em := emission(t, out, err)
	if em.Port != "case:beta" || em.Payload != 1 {
		t.Errorf("em = %+v", em)
	}

	params["expression"] = "gamma"
	out, err = switchHandler(context.Background(), inv(params, 1))
	em = emission(t, out, err)
	if em.Port != PortDefault {
		t.Errorf("port = %q", em.Port)
	}

	if _, err := switchHandler(context.Background(), inv(map[string]any{"expression": "x", "cases": "nope"}, nil)); err == nil {
		t.Error("non-list cases must fail")
	}
}

func TestSwitchHandler_NumberCases(t *testing.T) {
	// YAML delivers 5, JSON delivers 5.0; both match the case "5".
	for _, exprVal := range []any{5, 5.0, "5"} {
		params := map[string]any{
			"expression": exprVal,
			"cases":      []any{5.0, 7},
		}
		out, err := switchHandler(context.Background(), inv(params, nil))
		em := emission(t, out, err)
		if em.Port != "case:5" {
			t.Errorf("expression %#v routed to %q", exprVal, em.Port)
		}
	}
}

func TestSwitchHandler_ObjectCases(t *testing.T) {
	params := map[string]any{
		"expression": "high",
		"cases": []any{
			map[string]any{"value": "low"},
			map[string]any{"value": "high"},
		},
	}
	out, err := switchHandler(context.Background(), inv(params, nil))
	em := emission(t, out, err)
	if em.Port != "case:high" {
		t.Errorf("port = %q", em.Port)
	}
}

func TestMergeHandler_Strategies(t *testing.T) {
	in := &module.Invocation{
		Params: map[string]any{},
		Inputs: map[string][]any{"input": {"a", "b", "c"}},
	}
	out, err := mergeHandler(context.Background(), in)
	em := emission(t, out, err)
	if !reflect.DeepEqual(em.Payload, []any{"a", "b", "c"}) {
		t.Errorf("all payload = %#v", em.Payload)
	}

	in.Params["strategy"] = "any"
	out, err = mergeHandler(context.Background(), in)
	em = emission(t, out, err)
	if em.Payload != "a" {
		t.Errorf("any payload = %#v", em.Payload)
	}

	in.Params["strategy"] = "count:2"
	out, err = mergeHandler(context.Background(), in)
	em = emission(t, out, err)
	if !reflect.DeepEqual(em.Payload, []any{"a", "b"}) {
		t.Errorf("count payload = %#v", em.Payload)
	}

	in.Params["strategy"] = "most"
	if _, err := mergeHandler(context.Background(), in); err == nil {
		t.Error("unknown strategy must fail")
	}
}

func TestParseStrategy(t *testing.T) {
	cases := []struct {
		in    string
		kind  string
		count int
		fails bool
	}{
		{"", StrategyAll, 0, false},
		{"all", StrategyAll, 0, false},
		{"any", StrategyAny, 0, false},
		{"race", StrategyRace, 0, false},
		{"count:3", "count", 3, false},
		{"count:0", "", 0, true},
		{"count:x", "", 0, true},
		{"quorum", "", 0, true},
	}
	for _, tc := range cases {
		kind, count, err := ParseStrategy(tc.in)
		if tc.fails {
			if err == nil {
				t.Errorf("ParseStrategy(%q) should fail", tc.in)
			}
			continue
		}
		if err != nil || kind != tc.kind || count != tc.count {
			t.Errorf("ParseStrategy(%q) = %q %d %v", tc.in, kind, count, err)
		}
	}
}

func TestTriggerHandler(t *testing.T) {
	out, err := triggerHandler(context.Background(), inv(map[string]any{"trigger_type": "webhook", "payload": map[string]any{"id": 1}}, nil))
	em := emission(t, out, err)
	payload := em.Payload.(map[string]any)
	if payload["trigger_type"] != "webhook" {
		t.Errorf("payload = %#v", payload)
	}
	if _, err := triggerHandler(context.Background(), inv(map[string]any{"trigger_type": "carrier-pigeon"}, nil)); err == nil {
		t.Error("unknown trigger type must fail")
	}
}

func TestEndHandler(t *testing.T) {
	mapping := map[string]any{"result": 42}
	out, err := endHandler(context.Background(), inv(map[string]any{"output_mapping": mapping}, "in"))
	if err != nil {
		t.Fatalf("end handler: %v", err)
	}
	if !reflect.DeepEqual(out, mapping) {
		t.Errorf("out = %#v", out)
	}

	// Without a mapping the input passes through.
	out, err = endHandler(context.Background(), inv(map[string]any{}, "in"))
	if err != nil || out != "in" {
		t.Errorf("out = %#v err = %v", out, err)
	}
}

func TestEvalCondition(t *testing.T) {
	cases := []struct {
		in   any
		want bool
	}{
		{nil, false},
		{true, true},
		{false, false},
		{"", false},
		{"5 > 0", true},
		{"1 == 2", false},
		{`"a" == "a"`, true},
		{3.0, true},
		{0, false},
	}
	for _, tc := range cases {
		got, err := EvalCondition(tc.in)
		if err != nil {
			t.Fatalf("EvalCondition(%#v): %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("EvalCondition(%#v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestCompileCondition(t *testing.T) {
	if err := CompileCondition("x > 0 && y != 'a'"); err != nil {
		t.Errorf("valid condition rejected: %v", err)
	}
	if err := CompileCondition("x >"); err == nil {
		t.Error("invalid condition accepted")
	}
}

func TestTruthy(t *testing.T) {
	falsy := []any{nil, false, "", 0, int64(0), 0.0, []any{}, map[string]any{}}
	for _, v := range falsy {
		if Truthy(v) {
			t.Errorf("%#v should be falsy", v)
		}
	}
	truthy := []any{true, "x", 1, -1.5, []any{1}, map[string]any{"a": 1}, struct{}{}}
	for _, v := range truthy {
		if !Truthy(v) {
			t.Errorf("%#v should be truthy", v)
		}
	}
}

func TestRegister_InstallsFamily(t *testing.T) {
	reg := module.NewRegistry(nil)
	if err := Register(reg, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	for _, id := range []string{
		ModuleStart, ModuleEnd, ModuleTrigger, ModuleBranch, ModuleSwitch,
		ModuleFork, ModuleMerge, ModuleJoin, ModuleLoop, ModuleForeach,
		ModuleGoto, ModuleBreakpoint, ModuleInvoke, ModuleSubflow,
		ModuleErrorTrigger, ModuleErrorHandle,
	} {
		if _, err := reg.Get(id); err != nil {
			t.Errorf("missing builtin %s: %v", id, err)
		}
		if !IsBuiltin(id) {
			t.Errorf("%s should be builtin", id)
		}
	}
	if IsBuiltin("http.get") {
		t.Error("http.get is not builtin")
	}
}

func TestRegister_SubflowWithoutRunner(t *testing.T) {
	reg := module.NewRegistry(nil)
	if err := Register(reg, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	h, ok := reg.HandlerFor(ModuleSubflow)
	if !ok {
		t.Fatal("subflow handler missing")
	}
	if _, err := h.Execute(context.Background(), inv(map[string]any{"workflow": "child"}, nil)); err == nil {
		t.Error("subflow without a runner must report an error")
	}
}
