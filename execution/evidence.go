package execution

import "time"

// EvidenceRecord brackets one step execution with context snapshots taken
// strictly before and after the module invocation. Foreach iterations
// produce one record per iteration (Iteration set) plus one aggregate
// record (Iteration nil).
type EvidenceRecord struct {
	ExecutionID   string    `json:"execution_id"`
	NodeID        string    `json:"node_id"`
	Iteration     *int      `json:"iteration_index,omitempty"`
	ContextBefore Snapshot  `json:"context_before"`
	ContextAfter  Snapshot  `json:"context_after"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
}

// Key returns the addressable identity of the record.
func (r EvidenceRecord) Key() EvidenceKey {
	return EvidenceKey{ExecutionID: r.ExecutionID, NodeID: r.NodeID, Iteration: r.Iteration}
}

// EvidenceKey addresses one evidence record.
type EvidenceKey struct {
	ExecutionID string
	NodeID      string
	Iteration   *int
}
