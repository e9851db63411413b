package module

import (
	"context"

	"github.com/GoCodeAlone/stepflow/execution"
)

// Invocation is the explicit argument bundle passed to every handler.
// Handlers never see the raw layered context: Params are already resolved,
// Credentials are populated only when the module declares
// requires_credentials, and Public is a read-only view of the public layer.
type Invocation struct {
	Module      string
	NodeID      string
	ExecutionID string

	// Params are the resolved, canonicalized, schema-validated parameters.
	Params map[string]any

	// Public is the public context layer at invoke time.
	Public map[string]any

	// Credentials are resolved secret values delivered over the credential
	// channel. Nil unless the module declares requires_credentials.
	Credentials map[string]string

	// Inputs holds gathered upstream payloads keyed by input port. Used by
	// merge/join semantics.
	Inputs map[string][]any

	// Emit publishes log and partial_output events mid-invocation.
	Emit func(ev execution.Event)
}

// Handler executes one module operation. Expected failures are returned as
// *execution.ModuleError; any other error becomes EXECUTION_ERROR and a
// panic becomes INTERNAL_ERROR at the invoker boundary.
type Handler interface {
	Execute(ctx context.Context, inv *Invocation) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, inv *Invocation) (any, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, inv *Invocation) (any, error) {
	return f(ctx, inv)
}

// Emission is the return value of a control-flow handler: it names the
// output port (or ports, for fan-out) the payload leaves on. Plain data
// returns leave on the default output port.
type Emission struct {
	Port    string
	Ports   []string
	Payload any
}
