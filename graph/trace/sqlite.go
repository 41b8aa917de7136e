package trace

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStore archives traces in a single-file database, for deployments
// that outgrow a directory of JSON files but do not need a shared server.
// The full document is stored as JSON with promoted columns for querying;
// the JSON is authoritative.
//
// WAL mode keeps reads concurrent with the single writer. ":memory:" works
// for tests.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens (creating if needed) the database at path and
// ensures the traces table exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows one writer; a second connection would only contend.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS traces (
			trace_id TEXT NOT NULL PRIMARY KEY,
			run_id TEXT NOT NULL,
			session_id TEXT,
			goal_id TEXT,
			success INTEGER NOT NULL DEFAULT 0,
			started_at TEXT,
			document TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create traces: %w", err)
	}
	for _, idx := range []string{
		"CREATE INDEX IF NOT EXISTS idx_traces_run ON traces(run_id)",
		"CREATE INDEX IF NOT EXISTS idx_traces_session ON traces(session_id)",
	} {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("%s: %w", idx, err)
		}
	}
	return nil
}

// Save upserts the trace document.
func (s *SQLiteStore) Save(ctx context.Context, tr *ExecutionTrace) error {
	if err := s.ready(); err != nil {
		return err
	}
	if tr.TraceID == "" {
		return errors.New("trace has no trace_id")
	}
	raw, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("marshal trace %s: %w", tr.TraceID, err)
	}
	success := 0
	if tr.Success {
		success = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO traces (trace_id, run_id, session_id, goal_id, success, started_at, document)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trace_id) DO UPDATE SET
			run_id = excluded.run_id,
			session_id = excluded.session_id,
			goal_id = excluded.goal_id,
			success = excluded.success,
			started_at = excluded.started_at,
			document = excluded.document`,
		tr.TraceID, tr.RunID, tr.SessionID, tr.GoalID, success,
		tr.StartedAt.UTC().Format("2006-01-02T15:04:05.999999999Z"), string(raw))
	if err != nil {
		return fmt.Errorf("save trace %s: %w", tr.TraceID, err)
	}
	return nil
}

// Load reads one trace by ID.
func (s *SQLiteStore) Load(ctx context.Context, traceID string) (*ExecutionTrace, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM traces WHERE trace_id = ?`, traceID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("trace %s: %w", traceID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load trace %s: %w", traceID, err)
	}
	var tr ExecutionTrace
	if err := json.Unmarshal(raw, &tr); err != nil {
		return nil, fmt.Errorf("parse trace %s: %w", traceID, err)
	}
	return &tr, nil
}

// List returns stored trace IDs in lexicographic order.
func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT trace_id FROM traces ORDER BY trace_id`)
	if err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan trace row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}
	return ids, nil
}

// ListByRun returns trace IDs for one run. A resumed session accumulates
// one trace per run; the session's trace history is ListBySession.
func (s *SQLiteStore) ListByRun(ctx context.Context, runID string) ([]string, error) {
	return s.listWhere(ctx, "run_id", runID)
}

// ListBySession returns trace IDs recorded under one session, oldest
// started_at first.
func (s *SQLiteStore) ListBySession(ctx context.Context, sessionID string) ([]string, error) {
	return s.listWhere(ctx, "session_id", sessionID)
}

func (s *SQLiteStore) listWhere(ctx context.Context, column, value string) ([]string, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	// #nosec G201 -- column is one of two compile-time constants.
	q := fmt.Sprintf(`SELECT trace_id FROM traces WHERE %s = ? ORDER BY started_at, trace_id`, column)
	rows, err := s.db.QueryContext(ctx, q, value)
	if err != nil {
		return nil, fmt.Errorf("list traces by %s: %w", column, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan trace row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list traces by %s: %w", column, err)
	}
	return ids, nil
}

// Delete removes a stored trace. Deleting a missing trace is a no-op.
func (s *SQLiteStore) Delete(ctx context.Context, traceID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM traces WHERE trace_id = ?`, traceID); err != nil {
		return fmt.Errorf("delete trace %s: %w", traceID, err)
	}
	return nil
}

// Ping verifies the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close releases the connection. Double-close is a no-op.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *SQLiteStore) ready() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("trace store is closed")
	}
	return nil
}
