package vector

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func TestSQLiteBackendPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vectors.db")

	b, err := NewSQLiteBackend(path)
	if err != nil {
		t.Fatalf("NewSQLiteBackend() error = %v", err)
	}

	entries := []Entry{
		{
			ID:        "ep_1",
			Embedding: []float32{1, 0, 0},
			Metadata:  map[string]string{"agent_id": "coder", "outcome": "success"},
			Document:  "implemented the parser",
		},
		{
			ID:        "ep_2",
			Embedding: []float32{0, 1, 0},
			Metadata:  map[string]string{"agent_id": "coder", "outcome": "failure"},
			Document:  "broke the build",
		},
	}
	if err := b.Upsert(ctx, entries); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := NewSQLiteBackend(path)
	if err != nil {
		t.Fatalf("NewSQLiteBackend() reopen error = %v", err)
	}
	defer reopened.Close()

	count, err := reopened.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 2 {
		t.Fatalf("Count() after reopen = %d, want 2", count)
	}

	got, err := reopened.Fetch(ctx, []string{"ep_1"})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Fetch() returned %d entries, want 1", len(got))
	}
	if got[0].Document != "implemented the parser" {
		t.Errorf("Document = %q, want %q", got[0].Document, "implemented the parser")
	}
	if got[0].Metadata["outcome"] != "success" {
		t.Errorf("Metadata[outcome] = %q, want success", got[0].Metadata["outcome"])
	}
	if len(got[0].Embedding) != 3 || got[0].Embedding[0] != 1 {
		t.Errorf("Embedding = %v, want [1 0 0]", got[0].Embedding)
	}

	matches, err := reopened.Query(ctx, []float32{1, 0, 0}, 1, nil)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(matches) != 1 || matches[0].ID != "ep_1" {
		t.Errorf("Query() = %v, want single match ep_1", matches)
	}
}

func TestSQLiteBackendUpsertReplaces(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vectors.db")

	b, err := NewSQLiteBackend(path)
	if err != nil {
		t.Fatalf("NewSQLiteBackend() error = %v", err)
	}
	if err := b.Upsert(ctx, []Entry{{ID: "ep_1", Document: "first"}}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := b.Upsert(ctx, []Entry{{ID: "ep_1", Document: "second"}}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := NewSQLiteBackend(path)
	if err != nil {
		t.Fatalf("NewSQLiteBackend() reopen error = %v", err)
	}
	defer reopened.Close()

	count, err := reopened.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 1 {
		t.Errorf("Count() = %d, want 1", count)
	}
	got, err := reopened.Fetch(ctx, []string{"ep_1"})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(got) != 1 || got[0].Document != "second" {
		t.Errorf("Fetch() = %v, want single entry with document second", got)
	}
}

func TestSQLiteBackendDeleteAndClearPersist(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vectors.db")

	b, err := NewSQLiteBackend(path)
	if err != nil {
		t.Fatalf("NewSQLiteBackend() error = %v", err)
	}
	if err := b.Upsert(ctx, []Entry{{ID: "a"}, {ID: "b"}, {ID: "c"}}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := b.Delete(ctx, []string{"b"}); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := NewSQLiteBackend(path)
	if err != nil {
		t.Fatalf("NewSQLiteBackend() reopen error = %v", err)
	}
	count, err := reopened.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 2 {
		t.Errorf("Count() after delete+reopen = %d, want 2", count)
	}

	if err := reopened.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if err := reopened.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	final, err := NewSQLiteBackend(path)
	if err != nil {
		t.Fatalf("NewSQLiteBackend() reopen error = %v", err)
	}
	defer final.Close()
	count, err = final.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 0 {
		t.Errorf("Count() after clear+reopen = %d, want 0", count)
	}
}

func TestSQLiteBackendClosedWrites(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vectors.db")

	b, err := NewSQLiteBackend(path)
	if err != nil {
		t.Fatalf("NewSQLiteBackend() error = %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close() twice error = %v", err)
	}

	if err := b.Upsert(ctx, []Entry{{ID: "a"}}); err == nil || !strings.Contains(err.Error(), "closed") {
		t.Errorf("Upsert() after close error = %v, want closed error", err)
	}
	if err := b.Delete(ctx, []string{"a"}); err == nil || !strings.Contains(err.Error(), "closed") {
		t.Errorf("Delete() after close error = %v, want closed error", err)
	}
	if err := b.Clear(ctx); err == nil || !strings.Contains(err.Error(), "closed") {
		t.Errorf("Clear() after close error = %v, want closed error", err)
	}
}
