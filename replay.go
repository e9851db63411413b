package stepflow

import (
	"context"
	"fmt"

	"github.com/GoCodeAlone/stepflow/config"
	"github.com/GoCodeAlone/stepflow/execution"
)

// ReplayFrom re-executes a workflow from one node of a past execution. The
// context is restored from the node's evidence record (the state strictly
// before it ran), so everything upstream keeps its recorded outcome while the
// node and its descendants run again. The replay is a new execution whose
// ParentExecutionID names the source; the source trace is never modified.
//
// iteration selects a single foreach iteration's evidence; nil addresses the
// node's aggregate record.
func (e *Engine) ReplayFrom(ctx context.Context, wf *config.Workflow, params map[string]any, sourceExecutionID, nodeID string, iteration *int) (*Result, error) {
	rec, err := e.evidence.Get(ctx, sourceExecutionID, nodeID, iteration)
	if err != nil {
		return nil, execution.NewModuleError(execution.CodeNotFound,
			"no evidence for execution %s node %s: %v", sourceExecutionID, nodeID, err)
	}

	x, err := e.prepare(wf, params, sourceExecutionID, &rec.ContextBefore, false)
	if err != nil {
		return nil, err
	}
	node, ok := x.byID[nodeID]
	if !ok {
		return nil, execution.NewModuleError(execution.CodeNotFound,
			"workflow has no node %q", nodeID)
	}

	x.initial = e.replayDeliveries(x, node, rec.ContextBefore)
	if len(x.initial) == 0 {
		return nil, fmt.Errorf("cannot reconstruct the input of node %q from evidence", nodeID)
	}

	e.launch(ctx, x)
	return x.Wait()
}

// replayDeliveries reconstructs the node's input payloads from its
// predecessors' recorded outputs. A start node replays with the workflow
// parameters.
func (e *Engine) replayDeliveries(x *Execution, node *config.Node, snap execution.Snapshot) []delivery {
	inEdges := x.inEdges[node.ID]
	if len(inEdges) == 0 {
		return []delivery{{edgeIdx: -1, target: node.ID, port: config.DefaultInputPort, payload: x.params}}
	}
	var out []delivery
	for _, idx := range inEdges {
		edge := x.edges[idx]
		src, recorded := snap.StepOutputs[edge.SourceNode]
		if !recorded {
			continue
		}
		out = append(out, delivery{
			edgeIdx: idx,
			target:  node.ID,
			port:    edge.TargetPort,
			payload: src.Data,
		})
	}
	// Revive the delivering edges so a fan-in gather waits for every replayed
	// arrival instead of firing on the first one.
	x.mu.Lock()
	for _, d := range out {
		delete(x.deadEdge, d.edgeIdx)
	}
	x.mu.Unlock()
	return out
}
