package plugin

import (
	"encoding/json"

	"github.com/GoCodeAlone/stepflow/execution"
)

// ProtocolVersion is the stdio JSON-RPC protocol revision. A plugin whose
// handshake reports a different version is refused.
const ProtocolVersion = "1.0"

// JSON-RPC method names every plugin must implement.
const (
	MethodHandshake = "handshake"
	MethodInvoke    = "invoke"
	MethodPing      = "ping"
	MethodShutdown  = "shutdown"
)

// Request is one JSON-RPC 2.0 request, written as a single line.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      int64  `json:"id"`
}

// Response is one JSON-RPC 2.0 response line.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      int64           `json:"id"`
}

// ErrorData is the engine-specific payload inside a JSON-RPC error.
type ErrorData struct {
	Code    string         `json:"code,omitempty"`
	Field   string         `json:"field,omitempty"`
	Hint    string         `json:"hint,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object using the fixed engine code table.
type RPCError struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return e.Message }

// rpcCodeTable is the fixed mapping between engine error codes and JSON-RPC
// error numbers (implementation-defined range).
var rpcCodeTable = map[execution.Code]int{
	execution.CodeValidation:         -32001,
	execution.CodeConfigMissing:      -32002,
	execution.CodeAuth:               -32003,
	execution.CodeForbidden:          -32004,
	execution.CodeNotFound:           -32005,
	execution.CodeRateLimited:        -32006,
	execution.CodeTimeout:            -32007,
	execution.CodeNetwork:            -32008,
	execution.CodeUnsupported:        -32009,
	execution.CodeInternal:           -32010,
	execution.CodePathTraversal:      -32011,
	execution.CodeSQLInjection:       -32012,
	execution.CodeSSRF:               -32013,
	execution.CodePluginCrashed:      -32014,
	execution.CodeCancelled:          -32015,
	execution.CodeExecution:          -32016,
	execution.CodeNoStartNode:        -32017,
	execution.CodeMultipleStartNodes: -32018,
	execution.CodeCycleDetected:      -32019,
	execution.CodeOrphanNode:         -32020,
	execution.CodeInvalidStartNode:   -32021,
	execution.CodeTypeMismatch:       -32022,
	execution.CodePortNotFound:       -32023,
}

var rpcCodeReverse = func() map[int]execution.Code {
	m := make(map[int]execution.Code, len(rpcCodeTable))
	for c, n := range rpcCodeTable {
		m[n] = c
	}
	return m
}()

// EngineCode extracts the engine error code from an RPC error, preferring
// the symbolic code in the data payload.
func (e *RPCError) EngineCode() execution.Code {
	if e.Data != nil && e.Data.Code != "" {
		return execution.Code(e.Data.Code)
	}
	if c, ok := rpcCodeReverse[e.Code]; ok {
		return c
	}
	return execution.CodeExecution
}

// RPCCode returns the numeric code for an engine error code.
func RPCCode(c execution.Code) int {
	if n, ok := rpcCodeTable[c]; ok {
		return n
	}
	return rpcCodeTable[execution.CodeExecution]
}

// HandshakeParams opens the session; it must be the first call.
type HandshakeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
	PluginID        string `json:"pluginId"`
	ExecutionID     string `json:"executionId,omitempty"`
}

// HandshakeResult is the plugin's half of the handshake. MultiRequest
// advertises support for more than one in-flight request per process.
type HandshakeResult struct {
	PluginVersion    string   `json:"pluginVersion"`
	SupportedMethods []string `json:"supportedMethods"`
	MultiRequest     bool     `json:"multiRequest,omitempty"`
}

// InvokeParams carries one step invocation. Context is the sanitized public
// layer plus injected handles; it never contains secrets.
type InvokeParams struct {
	Step      string         `json:"step"`
	Input     map[string]any `json:"input,omitempty"`
	Config    map[string]any `json:"config,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	TimeoutMS int64          `json:"timeoutMs,omitempty"`
}

// InvokeResult is an invoke return. A plugin reports step failure in-band by
// setting ok false with its own error message and code; the RPC itself still
// succeeded.
type InvokeResult struct {
	OK        bool   `json:"ok"`
	Data      any    `json:"data"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// PingResult answers a health probe.
type PingResult struct {
	Pong bool `json:"pong"`
}

// ShutdownParams asks the plugin to flush and exit within the grace period.
type ShutdownParams struct {
	Reason        string `json:"reason,omitempty"`
	GracePeriodMS int64  `json:"gracePeriodMs,omitempty"`
}
