package episodic

import (
	"context"
	"fmt"
	"log/slog"
)

// defaultToolOverlap is the Jaccard overlap of tool-call sets above which
// a candidate is considered a near-duplicate of an earlier pick.
const defaultToolOverlap = 0.8

// Query describes one retrieval. Zero values mean "no constraint" except
// where noted.
type Query struct {
	// Context is the situation to match. It is embedded unless Embedding
	// is already set.
	Context string

	// Embedding, when non-nil, is used verbatim and Context is not
	// embedded. Callers that already hold a vector avoid a second
	// embedding round trip this way.
	Embedding []float32

	// Limit caps the returned episodes. Zero means 5.
	Limit int

	// MinSimilarity drops candidates scoring below it, in [0, 1].
	MinSimilarity float64

	// IncludeSuccesses and IncludeFailures select outcome classes. Both
	// false means both included, so the zero Query retrieves everything.
	IncludeSuccesses bool
	IncludeFailures  bool

	// AgentID, GoalID, and NodeID narrow the search via index filters.
	AgentID string
	GoalID  string
	NodeID  string

	// Diversify suppresses candidates too similar to earlier picks: an
	// identical action on the same node, or a tool-call set overlapping an
	// earlier pick's above ToolOverlapThreshold.
	Diversify bool

	// ToolOverlapThreshold overrides the default overlap bound. Zero keeps
	// the default.
	ToolOverlapThreshold float64
}

// Retriever answers similarity queries over the episode store. Without
// an embedder, queries must carry a caller-supplied vector; the index
// filters apply either way.
type Retriever struct {
	store  *Store
	embed  EmbedFunc
	logger *slog.Logger
}

// RetrieverOption configures a Retriever.
type RetrieverOption func(*Retriever)

// WithRetrieverEmbedder sets the query embedding function.
func WithRetrieverEmbedder(fn EmbedFunc) RetrieverOption {
	return func(r *Retriever) { r.embed = fn }
}

// WithRetrieverLogger sets the structured logger.
func WithRetrieverLogger(l *slog.Logger) RetrieverOption {
	return func(r *Retriever) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRetriever creates a Retriever over the store.
func NewRetriever(store *Store, opts ...RetrieverOption) *Retriever {
	r := &Retriever{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Retrieve returns episodes similar to the query, best first, after
// applying the similarity threshold, outcome filter, and optional
// diversity re-rank.
func (r *Retriever) Retrieve(ctx context.Context, q Query) ([]Scored, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 5
	}

	embedding := q.Embedding
	if embedding == nil {
		if r.embed == nil {
			return nil, fmt.Errorf("retriever has no embedder and query carries no embedding")
		}
		vec, err := r.embed(ctx, q.Context)
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
		embedding = vec
	}

	// Over-fetch so post-filters still fill the limit.
	fetch := limit * 4
	if fetch < 20 {
		fetch = 20
	}
	candidates, err := r.store.Search(ctx, embedding, fetch, q.indexFilter())
	if err != nil {
		return nil, err
	}

	picked := make([]Scored, 0, limit)
	for _, cand := range candidates {
		if cand.Similarity < q.MinSimilarity {
			continue
		}
		if !q.outcomeAllowed(cand.Episode) {
			continue
		}
		if q.Diversify && tooSimilar(cand.Episode, picked, q.overlapThreshold()) {
			continue
		}
		picked = append(picked, cand)
		if len(picked) == limit {
			break
		}
	}
	return picked, nil
}

func (q Query) indexFilter() map[string]string {
	where := make(map[string]string)
	if q.AgentID != "" {
		where["agent_id"] = q.AgentID
	}
	if q.GoalID != "" {
		where["goal_id"] = q.GoalID
	}
	if q.NodeID != "" {
		where["node_id"] = q.NodeID
	}
	if len(where) == 0 {
		return nil
	}
	return where
}

func (q Query) outcomeAllowed(ep *Episode) bool {
	if !q.IncludeSuccesses && !q.IncludeFailures {
		return true
	}
	if ep.Succeeded() {
		return q.IncludeSuccesses
	}
	return q.IncludeFailures
}

func (q Query) overlapThreshold() float64 {
	if q.ToolOverlapThreshold > 0 {
		return q.ToolOverlapThreshold
	}
	return defaultToolOverlap
}

// tooSimilar reports whether a candidate repeats an earlier pick: same
// action on the same node, or a near-identical tool-call set.
func tooSimilar(cand *Episode, picked []Scored, overlap float64) bool {
	for _, p := range picked {
		if cand.NodeID == p.Episode.NodeID &&
			cand.ActionDescription != "" &&
			cand.ActionDescription == p.Episode.ActionDescription {
			return true
		}
		if jaccard(cand.ToolCalls, p.Episode.ToolCalls) >= overlap {
			return true
		}
	}
	return false
}

// jaccard computes set overlap of two tool-call lists. Two empty lists
// overlap 0: episodes that called no tools are not duplicates of each
// other on that basis.
func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]bool, len(a))
	for _, v := range a {
		setA[v] = true
	}
	setB := make(map[string]bool, len(b))
	for _, v := range b {
		setB[v] = true
	}
	inter := 0
	for v := range setA {
		if setB[v] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
