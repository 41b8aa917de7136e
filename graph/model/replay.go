package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrNotRecorded is returned by Replayer when the cassette holds no
// response for the request digest.
var ErrNotRecorded = errors.New("model: request not recorded")

// Cassette is a persisted set of request/response pairs keyed by
// RequestDigest. Recorder fills it against a live provider; Replayer
// serves from it without network access.
type Cassette struct {
	path string

	mu      sync.Mutex
	entries map[string]cassetteEntry
}

type cassetteEntry struct {
	Request  Request  `json:"request"`
	Response Response `json:"response"`
}

type cassetteFile struct {
	Entries map[string]cassetteEntry `json:"entries"`
}

// OpenCassette loads the cassette at path, or starts an empty one when
// the file does not exist yet.
func OpenCassette(path string) (*Cassette, error) {
	c := &Cassette{path: path, entries: make(map[string]cassetteEntry)}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open cassette: %w", err)
	}

	var file cassetteFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse cassette %s: %w", path, err)
	}
	if file.Entries != nil {
		c.entries = file.Entries
	}
	return c, nil
}

// Len returns the number of recorded exchanges.
func (c *Cassette) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Save writes the cassette to disk via a temp file and rename.
func (c *Cassette) Save() error {
	c.mu.Lock()
	data, err := json.MarshalIndent(cassetteFile{Entries: c.entries}, "", "  ")
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode cassette: %w", err)
	}

	if dir := filepath.Dir(c.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create cassette dir: %w", err)
		}
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cassette: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("write cassette: %w", err)
	}
	return nil
}

func (c *Cassette) lookup(digest string) (Response, bool) {
	c.mu.Lock()
	entry, ok := c.entries[digest]
	c.mu.Unlock()
	if !ok {
		return Response{}, false
	}
	return cloneResponse(entry.Response), true
}

func (c *Cassette) store(digest string, req Request, resp Response) {
	c.mu.Lock()
	c.entries[digest] = cassetteEntry{Request: req, Response: resp}
	c.mu.Unlock()
}

// cloneResponse deep-copies via JSON so replayed tool inputs can be
// mutated by callers without corrupting the cassette.
func cloneResponse(resp Response) Response {
	data, err := json.Marshal(resp)
	if err != nil {
		return resp
	}
	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return resp
	}
	return out
}

// Recorder wraps a live Provider and records every successful exchange
// into the cassette, saving after each call.
type Recorder struct {
	upstream Provider
	cassette *Cassette
}

// NewRecorder returns a Provider that forwards to upstream and records.
func NewRecorder(upstream Provider, cassette *Cassette) *Recorder {
	return &Recorder{upstream: upstream, cassette: cassette}
}

// Complete implements Provider.
func (r *Recorder) Complete(ctx context.Context, req Request) (Response, error) {
	resp, err := r.upstream.Complete(ctx, req)
	if err != nil {
		return Response{}, err
	}
	r.cassette.store(RequestDigest(req), req, resp)
	if err := r.cassette.Save(); err != nil {
		return Response{}, fmt.Errorf("record response: %w", err)
	}
	return resp, nil
}

// Replayer serves recorded responses and never touches the network.
// Requests that were not recorded fail with ErrNotRecorded.
type Replayer struct {
	cassette *Cassette
}

// NewReplayer returns a Provider backed solely by the cassette.
func NewReplayer(cassette *Cassette) *Replayer {
	return &Replayer{cassette: cassette}
}

// Complete implements Provider.
func (r *Replayer) Complete(ctx context.Context, req Request) (Response, error) {
	if ctx.Err() != nil {
		return Response{}, ctx.Err()
	}
	digest := RequestDigest(req)
	resp, ok := r.cassette.lookup(digest)
	if !ok {
		return Response{}, fmt.Errorf("%w (digest %s)", ErrNotRecorded, digest[:12])
	}
	return resp, nil
}
