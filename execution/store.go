package execution

import (
	"context"
	"fmt"
	"sync"
)

// TraceStore persists execution traces in event order.
type TraceStore interface {
	Append(ctx context.Context, ev Event) error
	Events(ctx context.Context, executionID string) ([]Event, error)
}

// EvidenceStore persists per-step evidence records.
type EvidenceStore interface {
	Put(ctx context.Context, rec EvidenceRecord) error
	Get(ctx context.Context, executionID, nodeID string, iteration *int) (EvidenceRecord, error)
	ByExecution(ctx context.Context, executionID string) ([]EvidenceRecord, error)
}

// ErrEvidenceNotFound is returned when no record exists for a key.
var ErrEvidenceNotFound = fmt.Errorf("evidence record not found")

// MemoryStore is the default in-process TraceStore and EvidenceStore.
type MemoryStore struct {
	mu       sync.RWMutex
	traces   map[string][]Event
	evidence map[string][]EvidenceRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		traces:   make(map[string][]Event),
		evidence: make(map[string][]EvidenceRecord),
	}
}

// Append adds an event to the execution's trace.
func (s *MemoryStore) Append(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces[ev.ExecutionID] = append(s.traces[ev.ExecutionID], ev)
	return nil
}

// Events returns the trace for an execution in append order.
func (s *MemoryStore) Events(_ context.Context, executionID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evs := s.traces[executionID]
	out := make([]Event, len(evs))
	copy(out, evs)
	return out, nil
}

// Put stores an evidence record.
func (s *MemoryStore) Put(_ context.Context, rec EvidenceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evidence[rec.ExecutionID] = append(s.evidence[rec.ExecutionID], rec)
	return nil
}

// Get returns the record for (execution, node, iteration).
func (s *MemoryStore) Get(_ context.Context, executionID, nodeID string, iteration *int) (EvidenceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.evidence[executionID] {
		if rec.NodeID != nodeID {
			continue
		}
		if !sameIteration(rec.Iteration, iteration) {
			continue
		}
		return rec, nil
	}
	return EvidenceRecord{}, fmt.Errorf("execution %s node %s: %w", executionID, nodeID, ErrEvidenceNotFound)
}

// ByExecution returns all records for an execution in append order.
func (s *MemoryStore) ByExecution(_ context.Context, executionID string) ([]EvidenceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.evidence[executionID]
	out := make([]EvidenceRecord, len(recs))
	copy(out, recs)
	return out, nil
}

func sameIteration(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
