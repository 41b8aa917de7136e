package vector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteBackend persists vectors in a single-file database and serves
// queries from an in-memory mirror loaded at open time. Writes go
// through to both. Suited to workstation-scale corpora; the mirror
// trades memory for scan-free startup-to-query latency.
type SQLiteBackend struct {
	db     *sql.DB
	mirror *MemoryBackend

	mu     sync.Mutex
	closed bool
}

// NewSQLiteBackend opens (creating if needed) the database at path and
// loads the stored vectors into memory.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create vector index dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open vector index: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS vectors (
			id TEXT PRIMARY KEY,
			embedding TEXT,
			metadata TEXT,
			document TEXT
		)
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create vectors table: %w", err)
	}

	b := &SQLiteBackend{db: db, mirror: NewMemoryBackend()}
	if err := b.load(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBackend) load(ctx context.Context) error {
	rows, err := b.db.QueryContext(ctx, "SELECT id, embedding, metadata, document FROM vectors")
	if err != nil {
		return fmt.Errorf("load vectors: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var id, embedding, metadata, document string
		if err := rows.Scan(&id, &embedding, &metadata, &document); err != nil {
			return fmt.Errorf("scan vector row: %w", err)
		}
		e := Entry{ID: id, Document: document}
		if embedding != "" {
			if err := json.Unmarshal([]byte(embedding), &e.Embedding); err != nil {
				return fmt.Errorf("decode embedding for %s: %w", id, err)
			}
		}
		if metadata != "" {
			if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
				return fmt.Errorf("decode metadata for %s: %w", id, err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load vectors: %w", err)
	}
	return b.mirror.Upsert(ctx, entries)
}

// Upsert writes entries to disk and to the mirror.
func (b *SQLiteBackend) Upsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("vector index is closed")
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO vectors (id, embedding, metadata, document) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			embedding = excluded.embedding,
			metadata = excluded.metadata,
			document = excluded.document
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		embedding, err := encodeJSONColumn(e.Embedding)
		if err != nil {
			return fmt.Errorf("encode embedding for %s: %w", e.ID, err)
		}
		metadata, err := encodeJSONColumn(e.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata for %s: %w", e.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, e.ID, embedding, metadata, e.Document); err != nil {
			return fmt.Errorf("upsert vector %s: %w", e.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return b.mirror.Upsert(ctx, entries)
}

// Query serves from the in-memory mirror.
func (b *SQLiteBackend) Query(ctx context.Context, embedding []float32, n int, where map[string]string) ([]Match, error) {
	return b.mirror.Query(ctx, embedding, n, where)
}

// Fetch serves from the in-memory mirror.
func (b *SQLiteBackend) Fetch(ctx context.Context, ids []string) ([]Entry, error) {
	return b.mirror.Fetch(ctx, ids)
}

// Delete removes ids from disk and the mirror.
func (b *SQLiteBackend) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("vector index is closed")
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, "DELETE FROM vectors WHERE id = ?", id); err != nil {
			return fmt.Errorf("delete vector %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return b.mirror.Delete(ctx, ids)
}

// Count serves from the in-memory mirror.
func (b *SQLiteBackend) Count(ctx context.Context) (int, error) {
	return b.mirror.Count(ctx)
}

// Clear drops every vector from disk and the mirror.
func (b *SQLiteBackend) Clear(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("vector index is closed")
	}
	if _, err := b.db.ExecContext(ctx, "DELETE FROM vectors"); err != nil {
		return fmt.Errorf("clear vectors: %w", err)
	}
	return b.mirror.Clear(ctx)
}

// Close releases the database handle. The mirror keeps serving reads;
// writes fail once closed.
func (b *SQLiteBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

func encodeJSONColumn(v interface{}) (string, error) {
	switch x := v.(type) {
	case []float32:
		if len(x) == 0 {
			return "", nil
		}
	case map[string]string:
		if len(x) == 0 {
			return "", nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
