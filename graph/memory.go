package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrInvalidWriteType marks a memory write whose value failed the key's
// registered schema. Returned wrapped in a MemoryWriteError.
var ErrInvalidWriteType = errors.New("invalid write type")

// ErrHallucinatedCode marks a long string write that contained embedded
// code indicators. Returned wrapped in a MemoryWriteError.
var ErrHallucinatedCode = errors.New("hallucinated_code")

// Scan thresholds for the hallucinated-code guard. Strings longer than
// scanThreshold are scanned; strings longer than sampleThreshold are
// sampled at the start, three interior offsets, and the end instead of
// scanning a prefix only, which is what let code hide in the middle.
const (
	scanThreshold   = 5000
	sampleThreshold = 10000
	sampleWindow    = 2000
)

// codeIndicators are compiled once; each pattern flags a construct that a
// prose summary has no business containing. They intentionally favor
// multi-token shapes (import + module, SELECT + FROM) over single words
// to keep false positives on natural language low.
var codeIndicators = []*regexp.Regexp{
	regexp.MustCompile("(?m)^```"),
	regexp.MustCompile(`(?m)^\s*import\s+[\w.{]`),
	regexp.MustCompile(`(?m)^\s*from\s+[\w.]+\s+import\s`),
	regexp.MustCompile(`(?m)^\s*(def|class)\s+\w+\s*[(:]`),
	regexp.MustCompile(`\bfunction\s+\w+\s*\(`),
	regexp.MustCompile(`\bfunc\s+\w+\s*\(`),
	regexp.MustCompile(`(?i)\bSELECT\s+.{1,200}\s+FROM\s+\w+`),
	regexp.MustCompile(`(?i)\bINSERT\s+INTO\s+\w+`),
	regexp.MustCompile(`(?i)\b(DROP|CREATE|ALTER)\s+TABLE\b`),
	regexp.MustCompile(`(?i)<script[\s>]`),
	regexp.MustCompile(`<\?php`),
	regexp.MustCompile(`(?m)^#!/(usr/)?bin/`),
}

// Memory is the run's working state: a process-local map from string key
// to arbitrary value. Writes are validated (per-key schema, and the
// hallucinated-code scan for long strings) unless explicitly trusted.
// Snapshots returned by ReadAll are deep copies; callers can mutate them
// freely without affecting the store.
//
// Memory is safe for concurrent use. Within a run the executor is the
// single writer, but parallel branches may read while another branch's
// commit is in flight, so the store carries its own lock.
type Memory struct {
	mu      sync.RWMutex
	values  map[string]interface{}
	schemas map[string]*jsonschema.Schema
}

// NewMemory creates an empty memory, optionally seeded with initial
// values. Seeding bypasses validation: the caller owns those values.
func NewMemory(initial map[string]interface{}) *Memory {
	m := &Memory{
		values:  make(map[string]interface{}),
		schemas: make(map[string]*jsonschema.Schema),
	}
	for k, v := range initial {
		m.values[k] = deepCopyValue(v)
	}
	return m
}

// RegisterSchema attaches a JSON Schema to a key. Subsequent validated
// writes to that key must conform. The schema is compiled immediately so
// authoring mistakes surface at registration, not at the first write.
func (m *Memory) RegisterSchema(key string, schema map[string]interface{}) error {
	raw, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("marshal schema for key %q: %w", key, err)
	}
	compiled, err := compileSchemaBytes(key+".json", raw)
	if err != nil {
		return fmt.Errorf("compile schema for key %q: %w", key, err)
	}
	m.mu.Lock()
	m.schemas[key] = compiled
	m.mu.Unlock()
	return nil
}

// Write stores value under key after validation: the key's schema if one
// is registered, then the hallucinated-code scan for long strings.
func (m *Memory) Write(key string, value interface{}) error {
	return m.write(key, value, true)
}

// WriteTrusted stores value under key without validation. For internal
// writes whose provenance is the framework itself, not model output.
func (m *Memory) WriteTrusted(key string, value interface{}) error {
	return m.write(key, value, false)
}

func (m *Memory) write(key string, value interface{}, validate bool) error {
	if key == "" {
		return &Error{Kind: KindMemoryWriteError, Message: "memory key must not be empty"}
	}
	if validate {
		if err := m.validateWrite(key, value); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.values[key] = deepCopyValue(value)
	m.mu.Unlock()
	return nil
}

func (m *Memory) validateWrite(key string, value interface{}) error {
	m.mu.RLock()
	schema := m.schemas[key]
	m.mu.RUnlock()

	if schema != nil {
		normalized, err := normalizeJSON(value)
		if err != nil {
			return &Error{
				Kind:    KindMemoryWriteError,
				Message: fmt.Sprintf("value for key %q is not JSON-serializable", key),
				Cause:   ErrInvalidWriteType,
			}
		}
		if err := schema.Validate(normalized); err != nil {
			return &Error{
				Kind:    KindMemoryWriteError,
				Message: fmt.Sprintf("value for key %q failed schema validation: %v", key, err),
				Cause:   ErrInvalidWriteType,
			}
		}
	}

	if s, ok := value.(string); ok && len(s) > scanThreshold {
		if indicator := findCodeIndicator(s); indicator != "" {
			return &Error{
				Kind:    KindMemoryWriteError,
				Message: fmt.Sprintf("value for key %q looks like generated code (matched %s)", key, indicator),
				Cause:   ErrHallucinatedCode,
			}
		}
	}
	return nil
}

// Read returns the value for key, or ok=false when absent. Containers are
// returned as deep copies so readers cannot mutate the store.
func (m *Memory) Read(key string) (interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return nil, false
	}
	return deepCopyValue(v), true
}

// Has reports whether key is present.
func (m *Memory) Has(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.values[key]
	return ok
}

// Keys returns all present keys in unspecified order.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.values))
	for k := range m.values {
		out = append(out, k)
	}
	return out
}

// Delete removes a key. Missing keys are a no-op.
func (m *Memory) Delete(key string) {
	m.mu.Lock()
	delete(m.values, key)
	m.mu.Unlock()
}

// ReadAll returns a deep copy of the full map. The snapshot is immune to
// later mutation in either direction: changing the snapshot does not
// change the store, and later writes do not appear in the snapshot.
func (m *Memory) ReadAll() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]interface{}, len(m.values))
	for k, v := range m.values {
		out[k] = deepCopyValue(v)
	}
	return out
}

// memoryStore is the read/write surface shared by Memory and the staged
// overlay used during node execution. Scoped views work over either.
type memoryStore interface {
	Read(key string) (interface{}, bool)
	Has(key string) bool
	Write(key string, value interface{}) error
	WriteTrusted(key string, value interface{}) error
}

// WithPermissions returns a scoped view exposing only the given readable
// and writable keys. Writable keys are implicitly readable: a node that
// produces a key may need to read back its own write within the turn.
func (m *Memory) WithPermissions(readKeys, writeKeys []string) *ScopedMemory {
	return scopedOver(m, readKeys, writeKeys)
}

func scopedOver(backing memoryStore, readKeys, writeKeys []string) *ScopedMemory {
	sv := &ScopedMemory{
		backing:  backing,
		readable: make(map[string]bool, len(readKeys)+len(writeKeys)),
		writable: make(map[string]bool, len(writeKeys)),
	}
	for _, k := range readKeys {
		sv.readable[k] = true
	}
	for _, k := range writeKeys {
		sv.readable[k] = true
		sv.writable[k] = true
	}
	return sv
}

// ScopedMemory is a filtered handle over a memory store. Reads outside the
// readable set return absent; writes outside the writable set fail with
// PermissionDenied. Validation semantics match the backing store.
type ScopedMemory struct {
	backing  memoryStore
	readable map[string]bool
	writable map[string]bool
}

// Read returns the value for key if the view permits it, else absent.
func (s *ScopedMemory) Read(key string) (interface{}, bool) {
	if !s.readable[key] {
		return nil, false
	}
	return s.backing.Read(key)
}

// Has reports presence of a readable key.
func (s *ScopedMemory) Has(key string) bool {
	return s.readable[key] && s.backing.Has(key)
}

// Write stores a value through the view with full validation.
func (s *ScopedMemory) Write(key string, value interface{}) error {
	if !s.writable[key] {
		return &Error{
			Kind:    KindPermissionDenied,
			Message: fmt.Sprintf("key %q is not writable in this scope", key),
		}
	}
	return s.backing.Write(key, value)
}

// WriteTrusted stores a value through the view, skipping schema and code
// checks but still enforcing the writable set.
func (s *ScopedMemory) WriteTrusted(key string, value interface{}) error {
	if !s.writable[key] {
		return &Error{
			Kind:    KindPermissionDenied,
			Message: fmt.Sprintf("key %q is not writable in this scope", key),
		}
	}
	return s.backing.WriteTrusted(key, value)
}

// ReadAll returns a deep copy restricted to readable keys.
func (s *ScopedMemory) ReadAll() map[string]interface{} {
	out := make(map[string]interface{}, len(s.readable))
	for k := range s.readable {
		if v, ok := s.backing.Read(k); ok {
			out[k] = v
		}
	}
	return out
}

// ReadableKeys returns the view's readable set in unspecified order.
func (s *ScopedMemory) ReadableKeys() []string {
	out := make([]string, 0, len(s.readable))
	for k := range s.readable {
		out = append(out, k)
	}
	return out
}

// WritableKeys returns the view's writable set in unspecified order.
func (s *ScopedMemory) WritableKeys() []string {
	out := make([]string, 0, len(s.writable))
	for k := range s.writable {
		out = append(out, k)
	}
	return out
}

// findCodeIndicator scans s for code indicators and returns the matching
// pattern, or "" when clean. Short strings are scanned whole; strings
// over sampleThreshold are sampled at the start, at the quarter, half,
// and three-quarter offsets, and at the end, so an indicator is caught
// wherever it sits.
func findCodeIndicator(s string) string {
	if len(s) <= sampleThreshold {
		return matchIndicators(s)
	}
	offsets := []int{0, len(s) / 4, len(s) / 2, 3 * len(s) / 4, len(s) - sampleWindow}
	for _, off := range offsets {
		if off < 0 {
			off = 0
		}
		end := off + sampleWindow
		if end > len(s) {
			end = len(s)
		}
		if found := matchIndicators(s[off:end]); found != "" {
			return found
		}
	}
	return ""
}

func matchIndicators(s string) string {
	for _, re := range codeIndicators {
		if re.MatchString(s) {
			return re.String()
		}
	}
	return ""
}

// deepCopyValue copies nested containers; primitives are shared since
// they are immutable. Structs and other opaque values go through a JSON
// round-trip when possible and are shared as-is when not.
func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case nil, bool, string, int, int32, int64, float32, float64, json.Number:
		return v
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = deepCopyValue(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = deepCopyValue(val)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return v
		}
		var copied interface{}
		if err := json.Unmarshal(raw, &copied); err != nil {
			return v
		}
		return copied
	}
}

// normalizeJSON converts a Go value to its decoded-JSON representation so
// schema validation sees the same shapes a JSON document would produce.
func normalizeJSON(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func compileSchemaBytes(name string, raw []byte) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return c.Compile(name)
}
