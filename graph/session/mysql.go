package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore persists session documents in MySQL/MariaDB, for deployments
// where several workers share a session namespace. The full document is
// stored as JSON with a few promoted columns for querying; the JSON is
// authoritative.
//
// The DSN should include parseTime=true, e.g.
// user:pass@tcp(localhost:3306)/hive?parseTime=true
type MySQLStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// MySQLStoreOption configures a MySQLStore.
type MySQLStoreOption func(*MySQLStore)

// WithMySQLLogger sets the logger used to report skipped rows.
func WithMySQLLogger(l *slog.Logger) MySQLStoreOption {
	return func(s *MySQLStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewMySQLStore opens the database, verifies connectivity, and creates the
// sessions table if it does not exist.
func NewMySQLStore(dsn string, opts ...MySQLStoreOption) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	s := &MySQLStore{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.createTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS hive_sessions (
			session_id VARCHAR(191) NOT NULL PRIMARY KEY,
			goal_id VARCHAR(191),
			status VARCHAR(32) NOT NULL,
			document JSON NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
			INDEX idx_status (status),
			INDEX idx_goal (goal_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create hive_sessions: %w", err)
	}
	return nil
}

// Save upserts the session document.
func (s *MySQLStore) Save(ctx context.Context, state *State) error {
	if state.SessionID == "" {
		return fmt.Errorf("session has no session_id")
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", state.SessionID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO hive_sessions (session_id, goal_id, status, document)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE goal_id = VALUES(goal_id),
			status = VALUES(status), document = VALUES(document)`,
		state.SessionID, state.GoalID, string(state.Status), raw)
	if err != nil {
		return fmt.Errorf("save session %s: %w", state.SessionID, err)
	}
	return nil
}

// Load reads one session document.
func (s *MySQLStore) Load(ctx context.Context, sessionID string) (*State, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM hive_sessions WHERE session_id = ?`, sessionID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", sessionID, err)
	}
	return &state, nil
}

// List returns all parseable sessions ordered by session ID. Rows whose
// document fails to parse are logged and skipped.
func (s *MySQLStore) List(ctx context.Context) ([]*State, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, document FROM hive_sessions ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*State
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		var state State
		if err := json.Unmarshal(raw, &state); err != nil {
			s.logger.Warn("skipping unparseable session row", "session_id", id, "error", err)
			continue
		}
		out = append(out, &state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

// Delete removes a session row. Missing sessions are a no-op.
func (s *MySQLStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM hive_sessions WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}
