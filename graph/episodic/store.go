package episodic

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/Samir-atra/hive-fork-sub000/graph/episodic/vector"
)

// Store owns the episode log and its vector index. The log is a JSON-lines
// file written strictly append-only: one episode per line, never rewritten,
// so a reader can tail it and a crash can lose at most the line being
// written. Embeddings go to the Backend keyed by episode ID.
//
// A Store is safe for concurrent use across runs. File handles are opened
// per call and released before it returns.
type Store struct {
	mu     sync.Mutex
	path   string
	index  vector.Backend
	logger *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the logger used to report skipped lines and
// degraded index writes.
func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore creates the log's parent directory if needed. A nil index is
// allowed: episodes are still logged and retrieval falls back to scans.
func NewStore(path string, index vector.Backend, opts ...StoreOption) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("episode log path must not be empty")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create episode log dir: %w", err)
		}
	}
	s := &Store{path: path, index: index, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Path returns the log file location.
func (s *Store) Path() string { return s.path }

// StoreEpisode appends one line to the log and upserts the embedding when
// the episode carries one. The append uses O_APPEND so concurrent stores
// interleave whole lines. An index failure does not fail the store: the
// line is durable, and the warning names the episode so the index can be
// rebuilt.
func (s *Store) StoreEpisode(ctx context.Context, ep *Episode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ep.Validate(); err != nil {
		return err
	}

	raw, err := json.Marshal(ep)
	if err != nil {
		return fmt.Errorf("marshal episode %s: %w", ep.EpisodeID, err)
	}

	s.mu.Lock()
	err = s.appendLine(raw)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if s.index != nil && len(ep.ContextEmbedding) > 0 {
		entry := vector.Entry{
			ID:        ep.EpisodeID,
			Embedding: ep.ContextEmbedding,
			Metadata:  indexMetadata(ep),
			Document:  ep.ContextText,
		}
		if err := s.index.Upsert(ctx, []vector.Entry{entry}); err != nil {
			s.logger.Warn("episode stored but index upsert failed",
				"episode_id", ep.EpisodeID, "error", err)
		}
	}
	return nil
}

func (s *Store) appendLine(raw []byte) error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open episode log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("append episode: %w", err)
	}
	return nil
}

// Episodes reads the full log, oldest first. Unparseable lines are logged
// and skipped so one bad line cannot hide the rest of the history.
func (s *Store) Episodes(ctx context.Context) ([]*Episode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open episode log: %w", err)
	}
	defer f.Close()

	var out []*Episode
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}
		var ep Episode
		if err := json.Unmarshal(text, &ep); err != nil {
			s.logger.Warn("skipping unparseable episode line", "line", line, "error", err)
			continue
		}
		copied := ep
		out = append(out, &copied)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read episode log: %w", err)
	}
	return out, nil
}

// Get returns the episode with the given ID, or nil when absent. The log
// is scanned back to front so rewritten histories resolve to the latest
// version, though in practice episodes are never rewritten.
func (s *Store) Get(ctx context.Context, episodeID string) (*Episode, error) {
	all, err := s.Episodes(ctx)
	if err != nil {
		return nil, err
	}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].EpisodeID == episodeID {
			return all[i], nil
		}
	}
	return nil, nil
}

// Count reports the number of parseable episodes in the log.
func (s *Store) Count(ctx context.Context) (int, error) {
	all, err := s.Episodes(ctx)
	if err != nil {
		return 0, err
	}
	return len(all), nil
}

// Scored pairs an episode with its query similarity.
type Scored struct {
	Episode    *Episode
	Similarity float64
}

// Search runs a nearest-neighbor query against the index and resolves the
// matches back to full episodes from the log. Matches whose episode line
// is missing (index ahead of a truncated log) are skipped. A nil index
// returns an error: callers that need similarity must construct the store
// with one.
func (s *Store) Search(ctx context.Context, embedding []float32, n int, where map[string]string) ([]Scored, error) {
	if s.index == nil {
		return nil, fmt.Errorf("episode store has no vector index")
	}
	matches, err := s.index.Query(ctx, embedding, n, where)
	if err != nil {
		return nil, fmt.Errorf("query episode index: %w", err)
	}
	if len(matches) == 0 {
		return nil, nil
	}

	all, err := s.Episodes(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*Episode, len(all))
	for _, ep := range all {
		byID[ep.EpisodeID] = ep
	}

	out := make([]Scored, 0, len(matches))
	for _, m := range matches {
		ep, ok := byID[m.ID]
		if !ok {
			s.logger.Warn("index match has no episode line", "episode_id", m.ID)
			continue
		}
		out = append(out, Scored{Episode: ep, Similarity: m.Similarity})
	}
	return out, nil
}

// indexMetadata exposes the filterable episode fields to the backend.
// Key names match the backend's filterable property set.
func indexMetadata(ep *Episode) map[string]string {
	return map[string]string{
		"agent_id": ep.AgentID,
		"goal_id":  ep.GoalID,
		"node_id":  ep.NodeID,
		"outcome":  string(ep.Outcome),
	}
}
