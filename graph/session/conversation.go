package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Conversation stores the user-visible turns of one session as numbered
// part files:
//
//	{dir}/parts/{NNNNNNNNNN}.json   one part per turn, ten-digit sequence
//	{dir}/meta.json                 created/updated stamps
//	{dir}/cursor.json               next sequence number
//
// Parts are immutable once written; trimming old history is done by
// deleting whole parts, never rewriting them. A single mutex serializes
// writers; readers only touch immutable files.
type Conversation struct {
	mu     sync.Mutex
	dir    string
	cursor conversationCursor
	meta   conversationMeta
	logger *slog.Logger
	now    func() time.Time
}

// Part is one stored turn.
type Part struct {
	Sequence int
	Data     map[string]interface{}
}

type conversationMeta struct {
	SessionID string    `json:"session_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type conversationCursor struct {
	NextSequence int `json:"next_sequence"`
}

// ConversationOption configures a Conversation.
type ConversationOption func(*Conversation)

// WithConversationLogger sets the logger used to report skipped parts.
func WithConversationLogger(l *slog.Logger) ConversationOption {
	return func(c *Conversation) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithConversationClock overrides the time source.
func WithConversationClock(now func() time.Time) ConversationOption {
	return func(c *Conversation) {
		if now != nil {
			c.now = now
		}
	}
}

// OpenConversation opens or creates the conversation rooted at dir. The
// sessionID is recorded in meta.json on first open.
func OpenConversation(dir, sessionID string, opts ...ConversationOption) (*Conversation, error) {
	if err := os.MkdirAll(filepath.Join(dir, "parts"), 0o755); err != nil {
		return nil, fmt.Errorf("create conversation dir: %w", err)
	}
	c := &Conversation{dir: dir, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}

	if err := readJSONFile(filepath.Join(dir, "meta.json"), &c.meta); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read conversation meta: %w", err)
		}
		c.meta = conversationMeta{SessionID: sessionID, CreatedAt: c.now(), UpdatedAt: c.now()}
		if err := c.writeMeta(); err != nil {
			return nil, err
		}
	}

	if err := readJSONFile(filepath.Join(dir, "cursor.json"), &c.cursor); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read conversation cursor: %w", err)
		}
		c.cursor = conversationCursor{NextSequence: 1}
		if err := c.writeCursor(); err != nil {
			return nil, err
		}
	}
	if c.cursor.NextSequence < 1 {
		c.cursor.NextSequence = 1
	}
	return c, nil
}

// WritePart stores data under an explicit sequence number, overwriting any
// existing part with that sequence. The cursor advances past seq when
// needed so a later Append never collides.
func (c *Conversation) WritePart(ctx context.Context, seq int, data map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if seq < 1 {
		return fmt.Errorf("part sequence must be >= 1, got %d", seq)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writePartLocked(seq, data); err != nil {
		return err
	}
	if seq >= c.cursor.NextSequence {
		c.cursor.NextSequence = seq + 1
		if err := c.writeCursor(); err != nil {
			return err
		}
	}
	return nil
}

// Append stores data under the next sequence number and returns it.
func (c *Conversation) Append(ctx context.Context, data map[string]interface{}) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	seq := c.cursor.NextSequence
	if err := c.writePartLocked(seq, data); err != nil {
		return 0, err
	}
	c.cursor.NextSequence = seq + 1
	if err := c.writeCursor(); err != nil {
		return 0, err
	}
	return seq, nil
}

func (c *Conversation) writePartLocked(seq int, data map[string]interface{}) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal part %d: %w", seq, err)
	}
	final := c.partPath(seq)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write part %d: %w", seq, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit part %d: %w", seq, err)
	}
	c.meta.UpdatedAt = c.now()
	return c.writeMeta()
}

// ReadParts returns all parts in ascending sequence order. Files that are
// not valid parts are logged and skipped.
func (c *Conversation) ReadParts(ctx context.Context) ([]Part, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(c.dir, "parts"))
	if err != nil {
		return nil, fmt.Errorf("list parts: %w", err)
	}
	var parts []Part
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		seq, err := strconv.Atoi(strings.TrimSuffix(name, ".json"))
		if err != nil {
			c.logger.Warn("skipping foreign file in parts dir", "file", name)
			continue
		}
		var data map[string]interface{}
		if err := readJSONFile(filepath.Join(c.dir, "parts", name), &data); err != nil {
			c.logger.Warn("skipping unreadable part", "file", name, "error", err)
			continue
		}
		parts = append(parts, Part{Sequence: seq, Data: data})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Sequence < parts[j].Sequence })
	return parts, nil
}

// DeletePartsBefore removes every part with sequence < seq. The cursor is
// untouched: sequence numbers are never reused.
func (c *Conversation) DeletePartsBefore(ctx context.Context, seq int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entries, err := os.ReadDir(filepath.Join(c.dir, "parts"))
	if err != nil {
		return fmt.Errorf("list parts: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(name, ".json"))
		if err != nil || n >= seq {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, "parts", name)); err != nil {
			return fmt.Errorf("delete part %d: %w", n, err)
		}
	}
	return nil
}

// Destroy removes the conversation directory and everything in it.
func (c *Conversation) Destroy(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.RemoveAll(c.dir); err != nil {
		return fmt.Errorf("destroy conversation: %w", err)
	}
	return nil
}

// Close flushes nothing: every write is durable when it returns. It exists
// so callers can treat conversations like other closable stores.
func (c *Conversation) Close() error { return nil }

// NextSequence returns the sequence the next Append will use.
func (c *Conversation) NextSequence() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor.NextSequence
}

func (c *Conversation) partPath(seq int) string {
	return filepath.Join(c.dir, "parts", fmt.Sprintf("%010d.json", seq))
}

func (c *Conversation) writeMeta() error {
	raw, err := json.MarshalIndent(c.meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	final := filepath.Join(c.dir, "meta.json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit meta: %w", err)
	}
	return nil
}

func (c *Conversation) writeCursor() error {
	raw, err := json.Marshal(c.cursor)
	if err != nil {
		return fmt.Errorf("marshal cursor: %w", err)
	}
	final := filepath.Join(c.dir, "cursor.json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write cursor: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit cursor: %w", err)
	}
	return nil
}

func readJSONFile(path string, v interface{}) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// Conversations hands out per-session conversation stores under one base
// directory, {base}/{session_id}/.
type Conversations struct {
	base string
	opts []ConversationOption
}

// NewConversations creates the base directory if needed.
func NewConversations(base string, opts ...ConversationOption) (*Conversations, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create conversations dir: %w", err)
	}
	return &Conversations{base: base, opts: opts}, nil
}

// Open returns the conversation for a session, creating it if new.
func (cs *Conversations) Open(sessionID string) (*Conversation, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("empty session_id")
	}
	return OpenConversation(filepath.Join(cs.base, sessionID), sessionID, cs.opts...)
}
