package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/GoCodeAlone/stepflow/execution"
)

// newPipeProcess wires a Process to in-memory pipes instead of a real
// subprocess. The returned reader/writer are the fake plugin's stdin/stdout.
func newPipeProcess(t *testing.T) (*Process, io.Reader, io.Writer) {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	p := &Process{
		pluginID: "fake",
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		stdin:    inW,
		state:    StateStarting,
		pending:  make(map[int64]chan *Response),
		slot:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	p.slot <- struct{}{}
	go p.readLoop(outR)

	t.Cleanup(func() {
		inW.Close()
		outW.Close()
	})
	return p, inR, outW
}

func okRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

// serve answers protocol requests on the fake plugin side. A nil response
// from handle means the plugin stays silent for that request.
func serve(in io.Reader, out io.Writer, handle func(req Request) *Response) {
	dec := json.NewDecoder(in)
	enc := json.NewEncoder(out)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			return
		}
		if resp := handle(req); resp != nil {
			resp.JSONRPC = "2.0"
			resp.ID = req.ID
			if err := enc.Encode(resp); err != nil {
				return
			}
		}
	}
}

func handshakeResponse(t *testing.T, methods ...string) *Response {
	t.Helper()
	return &Response{Result: okRaw(t, HandshakeResult{
		PluginVersion:    "1.0.0",
		SupportedMethods: methods,
	})}
}

func TestProcess_HandshakeThenInvoke(t *testing.T) {
	p, in, out := newPipeProcess(t)
	go serve(in, out, func(req Request) *Response {
		switch req.Method {
		case MethodHandshake:
			params := req.Params.(map[string]any)
			if params["protocolVersion"] != ProtocolVersion {
				t.Errorf("protocolVersion = %v", params["protocolVersion"])
			}
			return handshakeResponse(t, MethodInvoke, MethodPing, MethodShutdown)
		case MethodInvoke:
			return &Response{Result: okRaw(t, InvokeResult{OK: true, Data: "sunny"})}
		}
		return nil
	})

	hs, err := p.Handshake(context.Background(), "x1", time.Second)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if hs.PluginVersion != "1.0.0" {
		t.Errorf("version = %q", hs.PluginVersion)
	}
	if got := p.State(); got != StateReady {
		t.Errorf("state after handshake = %s", got)
	}

	res, err := p.Invoke(context.Background(), InvokeParams{Step: "weather.lookup", TimeoutMS: 1000})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !res.OK || res.Data != "sunny" {
		t.Errorf("result = %+v", res)
	}
	if got := p.State(); got != StateIdle {
		t.Errorf("state after invoke = %s", got)
	}
}

func TestProcess_HandshakeMissingMethod(t *testing.T) {
	p, in, out := newPipeProcess(t)
	go serve(in, out, func(req Request) *Response {
		return handshakeResponse(t, MethodInvoke) // no ping, no shutdown
	})

	if _, err := p.Handshake(context.Background(), "x1", time.Second); err == nil {
		t.Fatal("incomplete method set accepted")
	}
	if got := p.State(); got != StateStarting {
		t.Errorf("failed handshake must not mark ready, state = %s", got)
	}
}

func TestProcess_InvokeTimeout(t *testing.T) {
	p, in, out := newPipeProcess(t)
	go serve(in, out, func(req Request) *Response {
		return nil // never answer
	})

	_, err := p.Invoke(context.Background(), InvokeParams{Step: "slow", TimeoutMS: 20})
	var me *execution.ModuleError
	if !errors.As(err, &me) || me.Code != execution.CodeTimeout {
		t.Errorf("err = %v", err)
	}
}

func TestProcess_ErrorResponseMapsToModuleError(t *testing.T) {
	p, in, out := newPipeProcess(t)
	go serve(in, out, func(req Request) *Response {
		return &Response{Error: &RPCError{
			Code:    RPCCode(execution.CodeRateLimited),
			Message: "slow down",
			Data:    &ErrorData{Code: string(execution.CodeRateLimited), Field: "city", Hint: "retry later"},
		}}
	})

	_, err := p.Invoke(context.Background(), InvokeParams{Step: "weather.lookup", TimeoutMS: 1000})
	var me *execution.ModuleError
	if !errors.As(err, &me) {
		t.Fatalf("err = %v", err)
	}
	if me.Code != execution.CodeRateLimited || me.Message != "slow down" || me.Field != "city" || me.Hint != "retry later" {
		t.Errorf("module error = %+v", me)
	}
}

func TestProcess_MalformedLineIgnored(t *testing.T) {
	p, in, out := newPipeProcess(t)
	go func() {
		dec := json.NewDecoder(in)
		enc := json.NewEncoder(out)
		var req Request
		if err := dec.Decode(&req); err != nil {
			return
		}
		io.WriteString(out, "this is not json\n")
		resp := Response{JSONRPC: "2.0", ID: req.ID, Result: okRaw(t, PingResult{Pong: true})}
		enc.Encode(resp)
	}()

	if err := p.Ping(context.Background(), time.Second); err != nil {
		t.Errorf("ping after garbage line: %v", err)
	}
	if got := p.PingFailures(); got != 0 {
		t.Errorf("failures = %d", got)
	}
}

func TestProcess_PingFailureCounting(t *testing.T) {
	p, in, out := newPipeProcess(t)
	go serve(in, out, func(req Request) *Response {
		return &Response{Result: okRaw(t, PingResult{Pong: false})}
	})

	if err := p.Ping(context.Background(), time.Second); err == nil {
		t.Fatal("pong=false accepted")
	}
	if got := p.PingFailures(); got != 1 {
		t.Errorf("failures = %d", got)
	}
}

func TestProcess_CrashFailsPendingCall(t *testing.T) {
	p, in, _ := newPipeProcess(t)
	go io.Copy(io.Discard, in) // accept requests, never answer

	go func() {
		time.Sleep(10 * time.Millisecond)
		p.mu.Lock()
		p.exitErr = errors.New("exit status 137")
		p.state = StateDead
		p.mu.Unlock()
		close(p.done)
	}()

	_, err := p.Invoke(context.Background(), InvokeParams{Step: "doomed", TimeoutMS: 5000})
	var me *execution.ModuleError
	if !errors.As(err, &me) || me.Code != execution.CodePluginCrashed {
		t.Errorf("err = %v", err)
	}
	if !p.Dead() {
		t.Error("process should report dead")
	}

	// Subsequent calls fail fast without touching the wire.
	if _, err := p.Invoke(context.Background(), InvokeParams{Step: "again"}); err == nil {
		t.Error("invoke on dead process must fail")
	}
}
