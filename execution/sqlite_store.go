package execution

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteStore persists traces and evidence in a SQLite database. It is the
// durable alternative to MemoryStore; the schema is created on first use.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and initializes the
// trace and evidence tables.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.initDB(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initDB() error {
	const schema = `
CREATE TABLE IF NOT EXISTS trace_events (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	execution_id TEXT NOT NULL,
	type         TEXT NOT NULL,
	ts           REAL NOT NULL,
	node_id      TEXT,
	payload      TEXT
);
CREATE INDEX IF NOT EXISTS idx_trace_execution ON trace_events(execution_id, seq);
CREATE TABLE IF NOT EXISTS evidence (
	execution_id TEXT NOT NULL,
	node_id      TEXT NOT NULL,
	iteration    INTEGER,
	before       TEXT NOT NULL,
	after        TEXT NOT NULL,
	started_at   TEXT NOT NULL,
	ended_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_evidence_execution ON evidence(execution_id, node_id);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init sqlite store schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Append adds a trace event.
func (s *SQLiteStore) Append(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal trace payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO trace_events (execution_id, type, ts, node_id, payload) VALUES (?, ?, ?, ?, ?)`,
		ev.ExecutionID, string(ev.Type), ev.TS, ev.NodeID, string(payload))
	if err != nil {
		return fmt.Errorf("append trace event: %w", err)
	}
	return nil
}

// Events returns the trace for an execution in insertion order.
func (s *SQLiteStore) Events(ctx context.Context, executionID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT type, ts, node_id, payload FROM trace_events WHERE execution_id = ? ORDER BY seq`,
		executionID)
	if err != nil {
		return nil, fmt.Errorf("query trace events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			typ, nodeID, payload string
			ts                   float64
		)
		if err := rows.Scan(&typ, &ts, &nodeID, &payload); err != nil {
			return nil, fmt.Errorf("scan trace event: %w", err)
		}
		ev := Event{Type: EventType(typ), TS: ts, ExecutionID: executionID, NodeID: nodeID}
		if payload != "" && payload != "null" {
			if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal trace payload: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Put stores an evidence record.
func (s *SQLiteStore) Put(ctx context.Context, rec EvidenceRecord) error {
	before, err := json.Marshal(rec.ContextBefore)
	if err != nil {
		return fmt.Errorf("marshal evidence before-snapshot: %w", err)
	}
	after, err := json.Marshal(rec.ContextAfter)
	if err != nil {
		return fmt.Errorf("marshal evidence after-snapshot: %w", err)
	}
	var iter any
	if rec.Iteration != nil {
		iter = *rec.Iteration
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO evidence (execution_id, node_id, iteration, before, after, started_at, ended_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ExecutionID, rec.NodeID, iter, string(before), string(after),
		rec.StartedAt.UTC().Format(time.RFC3339Nano), rec.EndedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put evidence record: %w", err)
	}
	return nil
}

// Get returns the record for (execution, node, iteration).
func (s *SQLiteStore) Get(ctx context.Context, executionID, nodeID string, iteration *int) (EvidenceRecord, error) {
	query := `SELECT iteration, before, after, started_at, ended_at FROM evidence WHERE execution_id = ? AND node_id = ?`
	args := []any{executionID, nodeID}
	if iteration != nil {
		query += ` AND iteration = ?`
		args = append(args, *iteration)
	} else {
		query += ` AND iteration IS NULL`
	}
	row := s.db.QueryRowContext(ctx, query, args...)
	rec, err := scanEvidence(row, executionID, nodeID)
	if err == sql.ErrNoRows {
		return EvidenceRecord{}, fmt.Errorf("execution %s node %s: %w", executionID, nodeID, ErrEvidenceNotFound)
	}
	return rec, err
}

// ByExecution returns all records for an execution in insertion order.
func (s *SQLiteStore) ByExecution(ctx context.Context, executionID string) ([]EvidenceRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, iteration, before, after, started_at, ended_at FROM evidence WHERE execution_id = ? ORDER BY rowid`,
		executionID)
	if err != nil {
		return nil, fmt.Errorf("query evidence: %w", err)
	}
	defer rows.Close()

	var out []EvidenceRecord
	for rows.Next() {
		var (
			nodeID, before, after, started, ended string
			iter                                  sql.NullInt64
		)
		if err := rows.Scan(&nodeID, &iter, &before, &after, &started, &ended); err != nil {
			return nil, fmt.Errorf("scan evidence: %w", err)
		}
		rec, err := buildEvidence(executionID, nodeID, iter, before, after, started, ended)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanEvidence(row *sql.Row, executionID, nodeID string) (EvidenceRecord, error) {
	var (
		before, after, started, ended string
		iter                          sql.NullInt64
	)
	if err := row.Scan(&iter, &before, &after, &started, &ended); err != nil {
		return EvidenceRecord{}, err
	}
	return buildEvidence(executionID, nodeID, iter, before, after, started, ended)
}

func buildEvidence(executionID, nodeID string, iter sql.NullInt64, before, after, started, ended string) (EvidenceRecord, error) {
	rec := EvidenceRecord{ExecutionID: executionID, NodeID: nodeID}
	if iter.Valid {
		i := int(iter.Int64)
		rec.Iteration = &i
	}
	if err := json.Unmarshal([]byte(before), &rec.ContextBefore); err != nil {
		return rec, fmt.Errorf("unmarshal before-snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(after), &rec.ContextAfter); err != nil {
		return rec, fmt.Errorf("unmarshal after-snapshot: %w", err)
	}
	var err error
	if rec.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return rec, fmt.Errorf("parse started_at: %w", err)
	}
	if rec.EndedAt, err = time.Parse(time.RFC3339Nano, ended); err != nil {
		return rec, fmt.Errorf("parse ended_at: %w", err)
	}
	return rec, nil
}
