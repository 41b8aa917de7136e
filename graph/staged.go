package graph

import "sync"

// Staged is a write-buffering overlay over a Memory. Node attempts write
// through a Staged so that a failed attempt leaves no trace: Commit folds
// the buffered writes into the backing store, Discard drops them. Reads
// see buffered writes first, then the backing store, so a node observes
// its own writes within the attempt.
//
// Validation runs at write time against the backing store's registered
// schemas; Commit therefore never re-validates and cannot fail on content.
type Staged struct {
	mu      sync.Mutex
	backing *Memory
	writes  map[string]interface{}
}

// NewStaged creates an empty overlay over m.
func NewStaged(m *Memory) *Staged {
	return &Staged{backing: m, writes: make(map[string]interface{})}
}

// Read returns the staged value for key if one exists, else the backing
// store's value.
func (st *Staged) Read(key string) (interface{}, bool) {
	st.mu.Lock()
	v, ok := st.writes[key]
	st.mu.Unlock()
	if ok {
		return deepCopyValue(v), true
	}
	return st.backing.Read(key)
}

// Has reports whether key is visible through the overlay.
func (st *Staged) Has(key string) bool {
	st.mu.Lock()
	_, ok := st.writes[key]
	st.mu.Unlock()
	return ok || st.backing.Has(key)
}

// Write validates value against the backing store's rules and buffers it.
func (st *Staged) Write(key string, value interface{}) error {
	if key == "" {
		return &Error{Kind: KindMemoryWriteError, Message: "memory key must not be empty"}
	}
	if err := st.backing.validateWrite(key, value); err != nil {
		return err
	}
	st.mu.Lock()
	st.writes[key] = deepCopyValue(value)
	st.mu.Unlock()
	return nil
}

// WriteTrusted buffers value without validation.
func (st *Staged) WriteTrusted(key string, value interface{}) error {
	if key == "" {
		return &Error{Kind: KindMemoryWriteError, Message: "memory key must not be empty"}
	}
	st.mu.Lock()
	st.writes[key] = deepCopyValue(value)
	st.mu.Unlock()
	return nil
}

// Commit folds the buffered writes into the backing store and empties the
// overlay. Writes were validated when staged, so commit is trusted.
func (st *Staged) Commit() error {
	st.mu.Lock()
	writes := st.writes
	st.writes = make(map[string]interface{})
	st.mu.Unlock()
	for k, v := range writes {
		if err := st.backing.WriteTrusted(k, v); err != nil {
			return err
		}
	}
	return nil
}

// Discard drops the buffered writes.
func (st *Staged) Discard() {
	st.mu.Lock()
	st.writes = make(map[string]interface{})
	st.mu.Unlock()
}

// StagedKeys returns the keys currently buffered, in unspecified order.
func (st *Staged) StagedKeys() []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]string, 0, len(st.writes))
	for k := range st.writes {
		out = append(out, k)
	}
	return out
}

// StagedValues returns a deep copy of the buffered writes.
func (st *Staged) StagedValues() map[string]interface{} {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make(map[string]interface{}, len(st.writes))
	for k, v := range st.writes {
		out[k] = deepCopyValue(v)
	}
	return out
}

// WithPermissions returns a scoped view over the overlay with the same
// semantics as Memory.WithPermissions.
func (st *Staged) WithPermissions(readKeys, writeKeys []string) *ScopedMemory {
	return scopedOver(st, readKeys, writeKeys)
}
