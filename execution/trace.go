package execution

import "time"

// EventType identifies one kind of engine event.
type EventType string

const (
	EventEngineStart   EventType = "engine_start"
	EventNodeStart     EventType = "node_start"
	EventNodeEnd       EventType = "node_end"
	EventLog           EventType = "log"
	EventPartialOutput EventType = "partial_output"
	EventError         EventType = "error"
	EventEngineEnd     EventType = "engine_end"
)

// Event is one entry in an execution trace and one element of the streaming
// API. NodeID is empty for execution-scoped events.
type Event struct {
	Type        EventType      `json:"type"`
	TS          float64        `json:"ts"`
	ExecutionID string         `json:"execution_id"`
	NodeID      string         `json:"node_id,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// NewEvent stamps an event with the current time.
func NewEvent(t EventType, executionID, nodeID string, payload map[string]any) Event {
	return Event{
		Type:        t,
		TS:          float64(time.Now().UnixNano()) / 1e9,
		ExecutionID: executionID,
		NodeID:      nodeID,
		Payload:     payload,
	}
}

// State is the lifecycle state of one execution.
type State string

const (
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}
