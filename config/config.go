// Package config defines the workflow document model and its YAML/JSON codec.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ReservedIDs are step ids that collide with resolver namespaces and are
// rejected at validation time.
var ReservedIDs = map[string]bool{
	"params":    true,
	"env":       true,
	"timestamp": true,
	"workflow":  true,
	"output":    true,
	"steps":     true,
	"null":      true,
	"true":      true,
	"false":     true,
}

// OnError strategies for a step.
const (
	OnErrorFail     = "fail"
	OnErrorContinue = "continue"
	OnErrorSkip     = "skip"
	OnErrorGoto     = "goto"
)

// Backoff strategies for retry.
const (
	BackoffNone        = "none"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// Output modes for foreach aggregation.
const (
	OutputModeCollect = "collect"
	OutputModeLast    = "last"
	OutputModeNone    = "none"
)

// ParamDecl declares one workflow input parameter.
type ParamDecl struct {
	Name        string   `json:"name" yaml:"name"`
	Type        string   `json:"type,omitempty" yaml:"type,omitempty"`
	Required    bool     `json:"required,omitempty" yaml:"required,omitempty"`
	Default     any      `json:"default,omitempty" yaml:"default,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Enum        []any    `json:"enum,omitempty" yaml:"enum,omitempty"`
	Min         *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max         *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Pattern     string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
}

// Retry configures per-step retry behavior. Count is the number of
// additional attempts after the first; zero means exactly one attempt.
type Retry struct {
	Count   int      `json:"count" yaml:"count"`
	DelayMS int      `json:"delay_ms,omitempty" yaml:"delay_ms,omitempty"`
	Backoff string   `json:"backoff,omitempty" yaml:"backoff,omitempty"`
	RetryOn []string `json:"retry_on,omitempty" yaml:"retry_on,omitempty"`
}

// Node is one step of a workflow.
type Node struct {
	ID          string         `json:"id" yaml:"id"`
	Module      string         `json:"module" yaml:"module"`
	Params      map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`

	// Output is an alias under which this node's data is resolvable in
	// addition to the node id.
	Output string `json:"output,omitempty" yaml:"output,omitempty"`

	// When guards execution; a falsy result skips the step. If is an
	// accepted alias folded into When during normalization.
	When string `json:"when,omitempty" yaml:"when,omitempty"`
	If   string `json:"if,omitempty" yaml:"if,omitempty"`

	OnError     string `json:"on_error,omitempty" yaml:"on_error,omitempty"`
	OnErrorGoto string `json:"on_error_goto,omitempty" yaml:"on_error_goto,omitempty"`

	// Timeout is the per-attempt budget in milliseconds. Nil defers to the
	// module and engine defaults; zero disables the executor's limit.
	Timeout *int   `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retry   *Retry `json:"retry,omitempty" yaml:"retry,omitempty"`

	Foreach    string `json:"foreach,omitempty" yaml:"foreach,omitempty"`
	As         string `json:"as,omitempty" yaml:"as,omitempty"`
	OutputMode string `json:"output_mode,omitempty" yaml:"output_mode,omitempty"`

	// Parallel marks membership in a consecutive parallel group.
	Parallel bool `json:"parallel,omitempty" yaml:"parallel,omitempty"`
}

// Guard returns the effective execution guard (when, falling back to if).
func (n *Node) Guard() string {
	if n.When != "" {
		return n.When
	}
	return n.If
}

// Edge is a directed, typed connection between two node ports.
type Edge struct {
	SourceNode string `json:"source_node" yaml:"source_node"`
	SourcePort string `json:"source_port,omitempty" yaml:"source_port,omitempty"`
	TargetNode string `json:"target_node" yaml:"target_node"`
	TargetPort string `json:"target_port,omitempty" yaml:"target_port,omitempty"`
	DataType   string `json:"data_type,omitempty" yaml:"data_type,omitempty"`
	Semantics  string `json:"semantics,omitempty" yaml:"semantics,omitempty"`
}

// RunConfig carries workflow-level execution settings.
type RunConfig struct {
	// TimeoutMS bounds the whole execution; zero means no deadline.
	TimeoutMS int `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`

	// MaxIterations is the per-workflow ceiling on goto/loop revisits.
	// Zero selects the engine default (100).
	MaxIterations int `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`

	// EnvAllowlist names the environment variables the resolver may read.
	// Empty denies all env access.
	EnvAllowlist []string `json:"env_allowlist,omitempty" yaml:"env_allowlist,omitempty"`
}

// Workflow is one immutable workflow document. Steps (linear form) and
// Nodes+Edges (graph form) are isomorphic; Normalize converts to the graph
// form.
type Workflow struct {
	ID          string            `json:"id,omitempty" yaml:"id,omitempty"`
	Name        string            `json:"name" yaml:"name"`
	Version     string            `json:"version,omitempty" yaml:"version,omitempty"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Tags        []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
	Author      string            `json:"author,omitempty" yaml:"author,omitempty"`
	Params      []ParamDecl       `json:"params,omitempty" yaml:"params,omitempty"`
	Config      RunConfig         `json:"config,omitempty" yaml:"config,omitempty"`
	Steps       []Node            `json:"steps,omitempty" yaml:"steps,omitempty"`
	Nodes       []Node            `json:"nodes,omitempty" yaml:"nodes,omitempty"`
	Edges       []Edge            `json:"edges,omitempty" yaml:"edges,omitempty"`
	Output      map[string]string `json:"output,omitempty" yaml:"output,omitempty"`
}

// Load parses a workflow document from YAML (or JSON, which YAML subsumes).
func Load(data []byte) (*Workflow, error) {
	var w Workflow
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to parse workflow document: %w", err)
	}
	if w.Name == "" {
		return nil, fmt.Errorf("workflow document missing required field 'name'")
	}
	if len(w.Steps) == 0 && len(w.Nodes) == 0 {
		return nil, fmt.Errorf("workflow %q has neither 'steps' nor 'nodes'", w.Name)
	}
	return &w, nil
}

// LoadFromFile loads a workflow document from a YAML file.
func LoadFromFile(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	return Load(data)
}

// Serialize renders the normalized graph form of the workflow as YAML.
// Load(Serialize(w)) is equivalent to w.Normalize().
func (w *Workflow) Serialize() ([]byte, error) {
	data, err := yaml.Marshal(w.Normalize())
	if err != nil {
		return nil, fmt.Errorf("failed to serialize workflow %q: %w", w.Name, err)
	}
	return data, nil
}

// AllNodes returns the node list regardless of document form.
func (w *Workflow) AllNodes() []Node {
	if len(w.Nodes) > 0 {
		return w.Nodes
	}
	return w.Steps
}

// NodeByID returns the node with the given id.
func (w *Workflow) NodeByID(id string) (*Node, bool) {
	nodes := w.AllNodes()
	for i := range nodes {
		if nodes[i].ID == id {
			return &nodes[i], true
		}
	}
	return nil, false
}
