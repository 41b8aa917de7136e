// Package vector abstracts similarity search over episode embeddings. A
// Backend stores (id, embedding, metadata, document) entries and answers
// nearest-neighbor queries with optional metadata filters. Three
// implementations ship: an in-memory index for tests and ephemeral runs,
// a SQLite-backed index for workstations, and a Weaviate adapter for
// deployments that already run an external vector database.
package vector

import (
	"context"
	"math"
	"sort"
	"sync"
)

// Entry is one stored vector with its sidecar data.
type Entry struct {
	ID        string            `json:"id"`
	Embedding []float32         `json:"embedding,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Document  string            `json:"document,omitempty"`
}

// Match is one query hit, ranked by Similarity in [0, 1] descending.
type Match struct {
	ID         string            `json:"id"`
	Similarity float64           `json:"similarity"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Document   string            `json:"document,omitempty"`
}

// Backend is the uniform vector index contract. Upsert is idempotent on
// ID; Query returns at most n matches whose metadata satisfies every
// pair in where.
type Backend interface {
	Upsert(ctx context.Context, entries []Entry) error
	Query(ctx context.Context, embedding []float32, n int, where map[string]string) ([]Match, error)
	Fetch(ctx context.Context, ids []string) ([]Entry, error)
	Delete(ctx context.Context, ids []string) error
	Count(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
}

// MemoryBackend is a non-persistent cosine-similarity index. It is the
// reference Backend for tests and for runs that do not need recall
// across restarts.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryBackend creates an empty in-memory index.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]Entry)}
}

// Upsert stores copies of the entries, replacing any with the same ID.
func (b *MemoryBackend) Upsert(ctx context.Context, entries []Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range entries {
		b.entries[e.ID] = cloneEntry(e)
	}
	return nil
}

// Query ranks stored entries by cosine similarity to embedding. Entries
// without an embedding never match.
func (b *MemoryBackend) Query(ctx context.Context, embedding []float32, n int, where map[string]string) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}

	b.mu.RLock()
	matches := make([]Match, 0, len(b.entries))
	for _, e := range b.entries {
		if len(e.Embedding) == 0 || !metadataMatches(e.Metadata, where) {
			continue
		}
		matches = append(matches, Match{
			ID:         e.ID,
			Similarity: Cosine(embedding, e.Embedding),
			Metadata:   cloneMetadata(e.Metadata),
			Document:   e.Document,
		})
	}
	b.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > n {
		matches = matches[:n]
	}
	return matches, nil
}

// Fetch returns the stored entries for ids, skipping unknown ids.
func (b *MemoryBackend) Fetch(ctx context.Context, ids []string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		if e, ok := b.entries[id]; ok {
			out = append(out, cloneEntry(e))
		}
	}
	return out, nil
}

// Delete removes ids; unknown ids are a no-op.
func (b *MemoryBackend) Delete(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range ids {
		delete(b.entries, id)
	}
	return nil
}

// Count reports the number of stored entries.
func (b *MemoryBackend) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries), nil
}

// Clear drops every entry.
func (b *MemoryBackend) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	b.entries = make(map[string]Entry)
	b.mu.Unlock()
	return nil
}

// Cosine computes cosine similarity in float64 precision. Mismatched
// lengths and zero vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func metadataMatches(metadata, where map[string]string) bool {
	for k, v := range where {
		if metadata[k] != v {
			return false
		}
	}
	return true
}

func cloneEntry(e Entry) Entry {
	out := e
	if e.Embedding != nil {
		out.Embedding = append([]float32(nil), e.Embedding...)
	}
	out.Metadata = cloneMetadata(e.Metadata)
	return out
}

func cloneMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
