package execution

import (
	"fmt"
	"sync"
)

// SecretLayer holds credential values addressable by handle. It is a distinct
// type with no JSON representation so secret values cannot drift into
// snapshots, evidence or traces by accident.
type SecretLayer struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewSecretLayer creates a secret layer from the given handle -> value map.
func NewSecretLayer(values map[string]string) *SecretLayer {
	v := make(map[string]string, len(values))
	for k, val := range values {
		v[k] = val
	}
	return &SecretLayer{values: v}
}

// Resolve returns the secret value for a handle. Only the invoker's
// credential channel calls this, and only for modules that declare
// requires_credentials.
func (s *SecretLayer) Resolve(handle string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[handle]
	return v, ok
}

// Handles returns the known handles without their values.
func (s *SecretLayer) Handles() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.values))
	for k := range s.values {
		out = append(out, k)
	}
	return out
}

// MarshalJSON always yields a redaction marker.
func (s *SecretLayer) MarshalJSON() ([]byte, error) {
	return []byte(`"[redacted]"`), nil
}

// Snapshot is a point-in-time view of the resolvable state: the public layer
// plus the step outputs recorded so far. Private and secret layers never
// appear in a snapshot.
type Snapshot struct {
	Public      map[string]any         `json:"public"`
	StepOutputs map[string]*StepResult `json:"step_outputs"`
}

// Context is the layered state threaded through one execution.
//
// The public layer is visible to the variable resolver; the private layer is
// engine bookkeeping (user id, tenant id, request id); secrets are reachable
// by handle only. Step outputs are append-only: a node id is recorded exactly
// once per execution.
type Context struct {
	ExecutionID       string
	WorkflowID        string
	ParentExecutionID string

	mu          sync.RWMutex
	public      map[string]any
	private     map[string]any
	secrets     *SecretLayer
	stepOutputs map[string]*StepResult
	order       []string
}

// NewContext creates an empty context for one execution.
func NewContext(executionID, workflowID string) *Context {
	return &Context{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		public:      make(map[string]any),
		private:     make(map[string]any),
		secrets:     NewSecretLayer(nil),
		stepOutputs: make(map[string]*StepResult),
	}
}

// SetSecrets replaces the secret layer. Intended for engine setup only.
func (c *Context) SetSecrets(s *SecretLayer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s == nil {
		s = NewSecretLayer(nil)
	}
	c.secrets = s
}

// Secrets returns the secret layer.
func (c *Context) Secrets() *SecretLayer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.secrets
}

// SetPublic stores a value in the public layer.
func (c *Context) SetPublic(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.public[key] = value
}

// PublicValue reads a value from the public layer.
func (c *Context) PublicValue(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.public[key]
	return v, ok
}

// Public returns a deep copy of the public layer.
func (c *Context) Public() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return deepCopyMap(c.public)
}

// SetPrivate stores a value in the private layer. Private values are not
// resolvable and never appear in snapshots.
func (c *Context) SetPrivate(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.private[key] = value
}

// PrivateValue reads a value from the private layer.
func (c *Context) PrivateValue(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.private[key]
	return v, ok
}

// RecordStep appends a step outcome. A node id may be recorded exactly once;
// a second write is a programming error surfaced to the caller.
func (c *Context) RecordStep(nodeID string, result *StepResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.stepOutputs[nodeID]; exists {
		return fmt.Errorf("step output for node %q already recorded", nodeID)
	}
	c.stepOutputs[nodeID] = result.Clone()
	c.order = append(c.order, nodeID)
	return nil
}

// StepOutput returns the recorded outcome for a node.
func (c *Context) StepOutput(nodeID string) (*StepResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.stepOutputs[nodeID]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// StepOutputs returns a copy of all recorded outcomes.
func (c *Context) StepOutputs() map[string]*StepResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*StepResult, len(c.stepOutputs))
	for k, v := range c.stepOutputs {
		out[k] = v.Clone()
	}
	return out
}

// CompletionOrder returns node ids in the order their outcomes were recorded.
func (c *Context) CompletionOrder() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Snapshot captures the public layer and recorded step outputs. Results are
// redacted so a snapshot is always safe to persist.
func (c *Context) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	outs := make(map[string]*StepResult, len(c.stepOutputs))
	for k, v := range c.stepOutputs {
		outs[k] = v.Redacted()
	}
	return Snapshot{
		Public:      deepCopyMap(c.public),
		StepOutputs: outs,
	}
}

// Restore seeds a fresh context from a snapshot. Used by replay.
func (c *Context) Restore(snap Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.public = deepCopyMap(snap.Public)
	c.stepOutputs = make(map[string]*StepResult, len(snap.StepOutputs))
	c.order = c.order[:0]
	for k, v := range snap.StepOutputs {
		c.stepOutputs[k] = v.Clone()
		c.order = append(c.order, k)
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}
