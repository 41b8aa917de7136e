package trace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNotFound reports a missing trace.
var ErrNotFound = errors.New("trace not found")

// Store persists finished traces.
type Store interface {
	Save(ctx context.Context, tr *ExecutionTrace) error
	Load(ctx context.Context, traceID string) (*ExecutionTrace, error)
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, traceID string) error
}

// FileStore keeps one JSON document per trace under dir as
// {trace_id}.json. Writes go through a temp file and rename so a crashed
// writer never leaves a torn document behind.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Save writes the trace document.
func (s *FileStore) Save(ctx context.Context, tr *ExecutionTrace) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tr.TraceID == "" {
		return errors.New("trace has no trace_id")
	}
	raw, err := json.MarshalIndent(tr, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal trace %s: %w", tr.TraceID, err)
	}
	final := s.path(tr.TraceID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write trace %s: %w", tr.TraceID, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit trace %s: %w", tr.TraceID, err)
	}
	return nil
}

// Load reads one trace by ID.
func (s *FileStore) Load(ctx context.Context, traceID string) (*ExecutionTrace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(s.path(traceID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("trace %s: %w", traceID, ErrNotFound)
		}
		return nil, fmt.Errorf("read trace %s: %w", traceID, err)
	}
	var tr ExecutionTrace
	if err := json.Unmarshal(raw, &tr); err != nil {
		return nil, fmt.Errorf("parse trace %s: %w", traceID, err)
	}
	return &tr, nil
}

// List returns stored trace IDs in lexicographic order. Files that do not
// look like trace documents are skipped.
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes a stored trace. Deleting a missing trace is a no-op.
func (s *FileStore) Delete(ctx context.Context, traceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(s.path(traceID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete trace %s: %w", traceID, err)
	}
	return nil
}

func (s *FileStore) path(traceID string) string {
	return filepath.Join(s.dir, traceID+".json")
}
