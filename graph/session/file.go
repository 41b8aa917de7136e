package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// FileStore keeps one directory per session under base, with the document
// at {base}/{session_id}/state.json. Writes are temp-file-and-rename so a
// crash mid-write never corrupts the previous good state.
type FileStore struct {
	base   string
	logger *slog.Logger
}

// FileStoreOption configures a FileStore.
type FileStoreOption func(*FileStore)

// WithFileStoreLogger sets the logger used to report skipped documents.
func WithFileStoreLogger(l *slog.Logger) FileStoreOption {
	return func(s *FileStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewFileStore creates base if needed.
func NewFileStore(base string, opts ...FileStoreOption) (*FileStore, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	s := &FileStore{base: base, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Save writes the session document atomically.
func (s *FileStore) Save(ctx context.Context, state *State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if state.SessionID == "" {
		return fmt.Errorf("session has no session_id")
	}
	dir := filepath.Join(s.base, state.SessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session %s: %w", state.SessionID, err)
	}
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", state.SessionID, err)
	}
	final := filepath.Join(dir, "state.json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write session %s: %w", state.SessionID, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit session %s: %w", state.SessionID, err)
	}
	return nil
}

// Load reads one session document.
func (s *FileStore) Load(ctx context.Context, sessionID string) (*State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(filepath.Join(s.base, sessionID, "state.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}
		return nil, fmt.Errorf("read session %s: %w", sessionID, err)
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", sessionID, err)
	}
	return &state, nil
}

// List returns all parseable session documents, oldest session ID first.
// Unparseable documents are logged and skipped so one corrupt file cannot
// hide every other session.
func (s *FileStore) List(ctx context.Context) ([]*State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.base)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var out []*State
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		state, err := s.Load(ctx, e.Name())
		if err != nil {
			s.logger.Warn("skipping unreadable session", "session_id", e.Name(), "error", err)
			continue
		}
		out = append(out, state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

// Delete removes a session directory. Missing sessions are a no-op.
func (s *FileStore) Delete(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sessionID == "" {
		return fmt.Errorf("empty session_id")
	}
	if err := os.RemoveAll(filepath.Join(s.base, sessionID)); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}
