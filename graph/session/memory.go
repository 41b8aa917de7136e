package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps sessions in process memory. For tests and ephemeral
// runs; contents vanish with the process. Documents are copied through a
// JSON round trip on both save and load so callers never share state with
// the store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]byte
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]byte)}
}

// Save stores a snapshot of the session document.
func (s *MemoryStore) Save(ctx context.Context, state *State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if state.SessionID == "" {
		return fmt.Errorf("session has no session_id")
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", state.SessionID, err)
	}
	s.mu.Lock()
	s.sessions[state.SessionID] = raw
	s.mu.Unlock()
	return nil
}

// Load returns an independent copy of the stored document.
func (s *MemoryStore) Load(ctx context.Context, sessionID string) (*State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	raw, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", sessionID, err)
	}
	return &state, nil
}

// List returns all sessions ordered by session ID.
func (s *MemoryStore) List(ctx context.Context) ([]*State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	out := make([]*State, 0, len(ids))
	for _, id := range ids {
		state, err := s.Load(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, state)
	}
	return out, nil
}

// Delete removes a session. Missing sessions are a no-op.
func (s *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	return nil
}
