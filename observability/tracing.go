package observability

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/GoCodeAlone/stepflow/execution"
)

const tracerName = "github.com/GoCodeAlone/stepflow"

// Tracing is an event sink that maps executions to OpenTelemetry spans: one
// span per execution with one child span per node run.
type Tracing struct {
	tracer trace.Tracer

	mu    sync.Mutex
	execs map[string]execSpans
}

type execSpans struct {
	ctx   context.Context
	span  trace.Span
	nodes map[string]trace.Span
}

// NewTracing creates a tracing sink. provider may be nil to use the global
// tracer provider.
func NewTracing(provider trace.TracerProvider) *Tracing {
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	return &Tracing{
		tracer: provider.Tracer(tracerName),
		execs:  make(map[string]execSpans),
	}
}

// Handle implements the engine's event sink interface.
func (t *Tracing) Handle(ev execution.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Type {
	case execution.EventEngineStart:
		name, _ := ev.Payload["workflow_name"].(string)
		ctx, span := t.tracer.Start(context.Background(), "workflow.execute",
			trace.WithAttributes(
				attribute.String("stepflow.execution_id", ev.ExecutionID),
				attribute.String("stepflow.workflow", name),
			))
		t.execs[ev.ExecutionID] = execSpans{ctx: ctx, span: span, nodes: make(map[string]trace.Span)}

	case execution.EventNodeStart:
		es, ok := t.execs[ev.ExecutionID]
		if !ok {
			return
		}
		mod, _ := ev.Payload["module"].(string)
		_, span := t.tracer.Start(es.ctx, "node."+ev.NodeID,
			trace.WithAttributes(
				attribute.String("stepflow.node_id", ev.NodeID),
				attribute.String("stepflow.module", mod),
			))
		es.nodes[ev.NodeID] = span

	case execution.EventNodeEnd:
		es, ok := t.execs[ev.ExecutionID]
		if !ok {
			return
		}
		span, ok := es.nodes[ev.NodeID]
		if !ok {
			return
		}
		delete(es.nodes, ev.NodeID)
		if okRes, _ := ev.Payload["ok"].(bool); !okRes {
			msg, _ := ev.Payload["error"].(string)
			span.SetStatus(codes.Error, msg)
			if code, _ := ev.Payload["error_code"].(string); code != "" {
				span.SetAttributes(attribute.String("stepflow.error_code", code))
			}
		}
		span.End()

	case execution.EventEngineEnd:
		es, ok := t.execs[ev.ExecutionID]
		if !ok {
			return
		}
		delete(t.execs, ev.ExecutionID)
		for _, span := range es.nodes {
			span.End()
		}
		if state, _ := ev.Payload["state"].(string); state != string(execution.StateCompleted) {
			msg, _ := ev.Payload["error"].(string)
			es.span.SetStatus(codes.Error, msg)
		}
		es.span.SetAttributes(attribute.String("stepflow.state", stateOf(ev)))
		es.span.End()
	}
}

func stateOf(ev execution.Event) string {
	s, _ := ev.Payload["state"].(string)
	return s
}
