package stepflow

import (
	"context"
	"fmt"
	"sort"

	"github.com/GoCodeAlone/stepflow/config"
	"github.com/GoCodeAlone/stepflow/execution"
	"github.com/GoCodeAlone/stepflow/flow"
)

// VarEntry is one resolvable variable path offered to workflow authors.
type VarEntry struct {
	Path        string `json:"path"`
	Type        string `json:"type,omitempty"`
	Source      string `json:"source"`
	Description string `json:"description,omitempty"`

	// Value is populated in runtime mode only.
	Value any `json:"value,omitempty"`
}

// VarCatalogForEdit lists every variable path legal in the given node's
// configuration at edit time: workflow parameters, allowlisted environment
// names, builtins and the outputs of the node's (transitive) predecessors.
func (e *Engine) VarCatalogForEdit(wf *config.Workflow, nodeID string) ([]VarEntry, error) {
	norm := wf.Normalize()
	if _, ok := norm.NodeByID(nodeID); !ok {
		return nil, execution.NewModuleError(execution.CodeNotFound, "workflow has no node %q", nodeID)
	}

	var entries []VarEntry
	for _, decl := range norm.Params {
		entries = append(entries, VarEntry{
			Path:        "params." + decl.Name,
			Type:        decl.Type,
			Source:      "params",
			Description: decl.Description,
		})
	}
	for _, name := range norm.Config.EnvAllowlist {
		entries = append(entries, VarEntry{Path: "env." + name, Type: "string", Source: "env"})
	}
	entries = append(entries,
		VarEntry{Path: "timestamp", Type: "string", Source: "builtin", Description: "Current time, RFC 3339"},
		VarEntry{Path: "workflow.id", Type: "string", Source: "workflow"},
		VarEntry{Path: "workflow.name", Type: "string", Source: "workflow"},
	)

	in := make(map[string][]config.Edge)
	for _, edge := range norm.Edges {
		in[edge.TargetNode] = append(in[edge.TargetNode], edge)
	}
	ancestors := map[string]bool{}
	var up func(id string)
	up = func(id string) {
		for _, edge := range in[id] {
			if ancestors[edge.SourceNode] {
				continue
			}
			ancestors[edge.SourceNode] = true
			up(edge.SourceNode)
		}
	}
	up(nodeID)

	for _, n := range norm.Nodes {
		if !ancestors[n.ID] {
			continue
		}
		entries = append(entries, e.stepEntries(&n)...)
		if n.Module == flow.ModuleForeach {
			as, _ := n.Params["as"].(string)
			if as == "" {
				as = "item"
			}
			entries = append(entries,
				VarEntry{Path: as, Source: "step", Description: fmt.Sprintf("Current element of %s", n.ID)},
				VarEntry{Path: as + "_index", Type: "number", Source: "step", Description: fmt.Sprintf("Element index of %s", n.ID)},
			)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// stepEntries describes the resolvable paths a completed node contributes:
// the node id (and its output alias) plus any declared output fields.
func (e *Engine) stepEntries(n *config.Node) []VarEntry {
	meta, err := e.registry.Get(n.Module)
	typeName := ""
	if err == nil && len(meta.OutputTypes) == 1 {
		typeName = string(meta.OutputTypes[0])
	}
	roots := []string{n.ID}
	if n.Output != "" {
		roots = append(roots, n.Output)
	}

	var entries []VarEntry
	for _, root := range roots {
		entries = append(entries, VarEntry{
			Path:        root,
			Type:        typeName,
			Source:      "step",
			Description: n.Description,
		})
		if err != nil {
			continue
		}
		for field, spec := range meta.Outputs {
			entries = append(entries, VarEntry{
				Path:        root + "." + field,
				Type:        spec.Type,
				Source:      "step",
				Description: spec.Description,
			})
		}
	}
	return entries
}

// VarCatalogAtRuntime lists the variables of a live or finished execution
// with their current values. Live executions report their in-memory state;
// finished ones fall back to the latest evidence snapshot.
func (e *Engine) VarCatalogAtRuntime(ctx context.Context, executionID string) ([]VarEntry, error) {
	if x := e.lookupActive(executionID); x != nil {
		return runtimeEntries(x.snapshotVars()), nil
	}
	recs, err := e.evidence.ByExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, execution.NewModuleError(execution.CodeNotFound,
			"no state recorded for execution %q", executionID)
	}
	last := recs[len(recs)-1]
	vars := map[string]any{}
	for id, res := range last.ContextAfter.StepOutputs {
		vars[id] = res.Data
	}
	for k, v := range last.ContextAfter.Public {
		vars[k] = v
	}
	return runtimeEntries(vars), nil
}

func runtimeEntries(vars map[string]any) []VarEntry {
	entries := make([]VarEntry, 0, len(vars))
	for path, value := range vars {
		entries = append(entries, VarEntry{Path: path, Source: "step", Value: value, Type: valueType(value)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries
}

func valueType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case int, int64, float64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return "object"
	}
}

// snapshotVars exposes the latest node outputs of a live execution.
func (x *Execution) snapshotVars() map[string]any {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make(map[string]any, len(x.outputs)+len(x.params))
	for k, v := range x.params {
		out["params."+k] = v
	}
	for id, res := range x.outputs {
		out[id] = res.Data
		if n := x.byID[id]; n != nil && n.Output != "" {
			out[n.Output] = res.Data
		}
	}
	return out
}
