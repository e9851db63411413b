package plugin

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/GoCodeAlone/stepflow/execution"
)

// State is the lifecycle state of one plugin process.
type State string

const (
	StateStarting     State = "starting"
	StateReady        State = "ready"
	StateBusy         State = "busy"
	StateIdle         State = "idle"
	StateShuttingDown State = "shutting_down"
	StateDead         State = "dead"
)

// maxLineSize bounds a single protocol line (16 MiB).
const maxLineSize = 16 << 20

// Process is one plugin subprocess speaking newline-delimited JSON-RPC over
// stdio. stderr is treated as log output.
type Process struct {
	pluginID string
	logger   *slog.Logger

	// stderrSink receives each stderr line; the manager forwards these into
	// the execution trace.
	stderrSink func(pluginID, line string)

	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex
	mu      sync.Mutex
	state   State
	pending map[int64]chan *Response
	nextID  atomic.Int64
	multi   bool

	// slot enforces one outstanding invoke per process unless the plugin
	// advertised multi-request support at handshake.
	slot chan struct{}

	done    chan struct{}
	exitErr error

	pingFailures int
}

// StartProcess launches the plugin subprocess with the manifest's working
// directory and environment. The caller must Handshake before invoking.
func StartProcess(m *Manifest, logger *slog.Logger, stderrSink func(pluginID, line string)) (*Process, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cmd := exec.Command(m.Runtime.Entry, m.Runtime.Args...)
	cmd.Dir = m.Dir
	cmd.Env = os.Environ()
	for k, v := range m.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("plugin %s: stdin pipe: %w", m.Name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("plugin %s: stdout pipe: %w", m.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("plugin %s: stderr pipe: %w", m.Name, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("plugin %s: start %q: %w", m.Name, m.Runtime.Entry, err)
	}

	p := &Process{
		pluginID:   m.Name,
		logger:     logger,
		stderrSink: stderrSink,
		cmd:        cmd,
		stdin:      stdin,
		state:      StateStarting,
		pending:    make(map[int64]chan *Response),
		slot:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	p.slot <- struct{}{}

	go p.readLoop(stdout)
	go p.stderrLoop(stderr)
	go p.waitLoop()

	logger.Debug("plugin process started", "plugin", m.Name, "pid", cmd.Process.Pid)
	return p, nil
}

// State returns the current lifecycle state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Process) setState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateDead {
		p.state = s
	}
}

// Dead reports whether the process has exited.
func (p *Process) Dead() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Handshake performs the mandatory first call and verifies the protocol
// version. A mismatch aborts startup.
func (p *Process) Handshake(ctx context.Context, executionID string, timeout time.Duration) (*HandshakeResult, error) {
	raw, err := p.call(ctx, MethodHandshake, HandshakeParams{
		ProtocolVersion: ProtocolVersion,
		PluginID:        p.pluginID,
		ExecutionID:     executionID,
	}, timeout)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: handshake: %w", p.pluginID, err)
	}
	var res HandshakeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("plugin %s: handshake result: %w", p.pluginID, err)
	}
	for _, want := range []string{MethodInvoke, MethodPing, MethodShutdown} {
		if !containsString(res.SupportedMethods, want) {
			return nil, fmt.Errorf("plugin %s: handshake missing required method %q", p.pluginID, want)
		}
	}
	p.mu.Lock()
	p.multi = res.MultiRequest
	p.state = StateReady
	p.mu.Unlock()
	return &res, nil
}

// Invoke runs one step on the plugin. The per-invoke timeout converts to a
// TIMEOUT error; a crash mid-invoke yields PLUGIN_CRASHED.
func (p *Process) Invoke(ctx context.Context, params InvokeParams) (*InvokeResult, error) {
	p.mu.Lock()
	multi := p.multi
	p.mu.Unlock()

	if !multi {
		select {
		case <-p.slot:
			defer func() { p.slot <- struct{}{} }()
		case <-ctx.Done():
			return nil, execution.NewModuleError(execution.CodeCancelled, "invoke cancelled while queued for plugin %s", p.pluginID)
		case <-p.done:
			return nil, p.crashError()
		}
	}

	p.setState(StateBusy)
	defer p.setState(StateIdle)

	timeout := time.Duration(params.TimeoutMS) * time.Millisecond
	raw, err := p.call(ctx, MethodInvoke, params, timeout)
	if err != nil {
		return nil, err
	}
	var res InvokeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, execution.NewModuleError(execution.CodeInternal, "plugin %s returned malformed invoke result: %v", p.pluginID, err)
	}
	return &res, nil
}

// Ping probes liveness. Three consecutive failures mark the process dead.
func (p *Process) Ping(ctx context.Context, timeout time.Duration) error {
	raw, err := p.call(ctx, MethodPing, map[string]any{}, timeout)
	if err != nil {
		p.mu.Lock()
		p.pingFailures++
		p.mu.Unlock()
		return err
	}
	var res PingResult
	if err := json.Unmarshal(raw, &res); err != nil || !res.Pong {
		p.mu.Lock()
		p.pingFailures++
		p.mu.Unlock()
		return fmt.Errorf("plugin %s: malformed ping reply", p.pluginID)
	}
	p.mu.Lock()
	p.pingFailures = 0
	p.mu.Unlock()
	return nil
}

// PingFailures returns the consecutive ping failure count.
func (p *Process) PingFailures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pingFailures
}

// Shutdown asks the plugin to exit within the grace period, then escalates
// SIGTERM and SIGKILL.
func (p *Process) Shutdown(ctx context.Context, reason string, grace time.Duration) {
	p.setState(StateShuttingDown)

	callCtx, cancel := context.WithTimeout(ctx, grace)
	_, _ = p.call(callCtx, MethodShutdown, ShutdownParams{
		Reason:        reason,
		GracePeriodMS: grace.Milliseconds(),
	}, grace)
	cancel()

	select {
	case <-p.done:
		return
	case <-time.After(grace):
	}

	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case <-p.done:
		return
	case <-time.After(2 * time.Second):
	}
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	<-p.done
}

// call writes one request line and waits for its correlated response.
func (p *Process) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := p.nextID.Add(1)
	ch := make(chan *Response, 1)

	p.mu.Lock()
	if p.state == StateDead {
		p.mu.Unlock()
		return nil, p.crashError()
	}
	p.pending[id] = ch
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	line, err := json.Marshal(Request{JSONRPC: "2.0", Method: method, Params: params, ID: id})
	if err != nil {
		return nil, fmt.Errorf("plugin %s: marshal %s request: %w", p.pluginID, method, err)
	}
	line = append(line, '\n')

	p.writeMu.Lock()
	_, err = p.stdin.Write(line)
	p.writeMu.Unlock()
	if err != nil {
		return nil, execution.NewModuleError(execution.CodePluginCrashed, "plugin %s: write failed: %v", p.pluginID, err)
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, &execution.ModuleError{
				Code:    resp.Error.EngineCode(),
				Message: resp.Error.Message,
				Field:   errorField(resp.Error),
				Hint:    errorHint(resp.Error),
				Details: errorDetails(resp.Error),
			}
		}
		return resp.Result, nil
	case <-timeoutCh:
		return nil, execution.NewModuleError(execution.CodeTimeout, "plugin %s: %s timed out after %s", p.pluginID, method, timeout)
	case <-ctx.Done():
		return nil, execution.NewModuleError(execution.CodeCancelled, "plugin %s: %s cancelled", p.pluginID, method)
	case <-p.done:
		return nil, p.crashError()
	}
}

func (p *Process) crashError() error {
	msg := "plugin process exited"
	if p.exitErr != nil {
		msg = p.exitErr.Error()
	}
	return execution.NewModuleError(execution.CodePluginCrashed, "plugin %s: %s", p.pluginID, msg)
}

func (p *Process) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			p.logger.Warn("plugin emitted a malformed protocol line", "plugin", p.pluginID, "error", err)
			continue
		}
		p.mu.Lock()
		ch, ok := p.pending[resp.ID]
		p.mu.Unlock()
		if !ok {
			p.logger.Warn("plugin response with unknown id", "plugin", p.pluginID, "id", resp.ID)
			continue
		}
		ch <- &resp
	}
}

func (p *Process) stderrLoop(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		p.logger.Debug("plugin stderr", "plugin", p.pluginID, "line", line)
		if p.stderrSink != nil {
			p.stderrSink(p.pluginID, line)
		}
	}
}

func (p *Process) waitLoop() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.exitErr = err
	p.state = StateDead
	p.mu.Unlock()
	close(p.done)
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func errorField(e *RPCError) string {
	if e.Data != nil {
		return e.Data.Field
	}
	return ""
}

func errorHint(e *RPCError) string {
	if e.Data != nil {
		return e.Data.Hint
	}
	return ""
}

func errorDetails(e *RPCError) map[string]any {
	if e.Data != nil {
		return e.Data.Details
	}
	return nil
}
