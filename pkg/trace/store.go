package trace

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // CGo-free SQLite driver

	"agentrelay/pkg/logx"
)

const spanSchema = `
CREATE TABLE IF NOT EXISTS spans (
	span_id        TEXT PRIMARY KEY,
	trace_id       TEXT NOT NULL,
	parent_span_id TEXT,
	operation      TEXT NOT NULL,
	started_at     TEXT NOT NULL,
	ended_at       TEXT NOT NULL,
	status         TEXT NOT NULL,
	error          TEXT,
	attributes     TEXT
);
CREATE INDEX IF NOT EXISTS idx_spans_trace_id ON spans(trace_id);
`

// SQLiteStore persists completed spans to a SQLite database so traces survive
// process restarts and can be inspected offline.
type SQLiteStore struct {
	db     *sql.DB
	logger *logx.Logger
	mu     sync.Mutex
}

// NewSQLiteStore opens (creating if needed) the span database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open span database: %w", err)
	}

	if _, err := db.Exec(spanSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create span schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logx.NewLogger("trace-store"),
	}, nil
}

// Export inserts the completed span. Export failures are logged, not
// propagated: span export must never affect the traced call path.
func (s *SQLiteStore) Export(span *Span) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var attrs []byte
	if len(span.Attributes) > 0 {
		var err error
		attrs, err = json.Marshal(span.Attributes)
		if err != nil {
			s.logger.Warn("failed to serialize attributes for span %s: %v", span.SpanID, err)
		}
	}

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO spans
		 (span_id, trace_id, parent_span_id, operation, started_at, ended_at, status, error, attributes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		span.SpanID,
		span.TraceID,
		span.ParentSpanID,
		span.Operation,
		span.StartedAt.Format("2006-01-02T15:04:05.000000000Z07:00"),
		span.EndedAt.Format("2006-01-02T15:04:05.000000000Z07:00"),
		string(span.Status),
		span.Err,
		string(attrs),
	)
	if err != nil {
		s.logger.Warn("failed to store span %s: %v", span.SpanID, err)
	}
}

// CountByTrace returns the number of stored spans for a trace.
func (s *SQLiteStore) CountByTrace(traceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM spans WHERE trace_id = ?`, traceID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count spans: %w", err)
	}
	return count, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close span database: %w", err)
	}
	return nil
}
