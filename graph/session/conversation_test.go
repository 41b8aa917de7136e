package session_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/Samir-atra/hive-fork-sub000/graph/session"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestConversation(t *testing.T, dir string) *session.Conversation {
	t.Helper()
	conv, err := session.OpenConversation(dir, "session_test",
		session.WithConversationLogger(discardLogger()))
	if err != nil {
		t.Fatalf("OpenConversation: %v", err)
	}
	return conv
}

func TestConversationAppendAndRead(t *testing.T) {
	conv := openTestConversation(t, t.TempDir())
	ctx := context.Background()

	turns := []map[string]interface{}{
		{"role": "assistant", "content": "Investigating the finding."},
		{"role": "assistant", "content": "Severity confirmed high."},
		{"role": "assistant", "content": "Report written."},
	}
	for i, turn := range turns {
		seq, err := conv.Append(ctx, turn)
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if seq != i+1 {
			t.Errorf("Append seq = %d, want %d", seq, i+1)
		}
	}

	parts, err := conv.ReadParts(ctx)
	if err != nil {
		t.Fatalf("ReadParts: %v", err)
	}
	if len(parts) != 3 {
		t.Fatalf("len(parts) = %d, want 3", len(parts))
	}
	for i, p := range parts {
		if p.Sequence != i+1 {
			t.Errorf("parts[%d].Sequence = %d", i, p.Sequence)
		}
		if p.Data["content"] != turns[i]["content"] {
			t.Errorf("parts[%d] content = %v", i, p.Data["content"])
		}
	}
}

func TestConversationPartFileNames(t *testing.T) {
	dir := t.TempDir()
	conv := openTestConversation(t, dir)
	ctx := context.Background()

	if err := conv.WritePart(ctx, 42, map[string]interface{}{"role": "user"}); err != nil {
		t.Fatalf("WritePart: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "parts", "0000000042.json")); err != nil {
		t.Errorf("expected ten-digit zero-padded part file: %v", err)
	}
	// Cursor advances past explicit sequence numbers.
	if got := conv.NextSequence(); got != 43 {
		t.Errorf("NextSequence = %d, want 43", got)
	}
}

func TestConversationCursorSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	conv := openTestConversation(t, dir)
	if _, err := conv.Append(ctx, map[string]interface{}{"n": 1}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := conv.Append(ctx, map[string]interface{}{"n": 2}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := conv.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := openTestConversation(t, dir)
	seq, err := reopened.Append(ctx, map[string]interface{}{"n": 3})
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if seq != 3 {
		t.Errorf("Append after reopen seq = %d, want 3", seq)
	}
}

func TestConversationDeletePartsBefore(t *testing.T) {
	conv := openTestConversation(t, t.TempDir())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := conv.Append(ctx, map[string]interface{}{"n": i}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := conv.DeletePartsBefore(ctx, 4); err != nil {
		t.Fatalf("DeletePartsBefore: %v", err)
	}

	parts, err := conv.ReadParts(ctx)
	if err != nil {
		t.Fatalf("ReadParts: %v", err)
	}
	if len(parts) != 2 {
		t.Fatalf("len(parts) = %d, want 2", len(parts))
	}
	if parts[0].Sequence != 4 || parts[1].Sequence != 5 {
		t.Errorf("remaining sequences = %d, %d", parts[0].Sequence, parts[1].Sequence)
	}
	// Sequence numbers are never reused after trimming.
	if got := conv.NextSequence(); got != 6 {
		t.Errorf("NextSequence = %d, want 6", got)
	}
}

func TestConversationReadSkipsForeignFiles(t *testing.T) {
	dir := t.TempDir()
	conv := openTestConversation(t, dir)
	ctx := context.Background()

	if _, err := conv.Append(ctx, map[string]interface{}{"n": 1}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "parts", "README.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "parts", "0000000099.json"), []byte("{torn"), 0o644); err != nil {
		t.Fatal(err)
	}

	parts, err := conv.ReadParts(ctx)
	if err != nil {
		t.Fatalf("ReadParts: %v", err)
	}
	if len(parts) != 1 || parts[0].Sequence != 1 {
		t.Errorf("parts = %+v, want only sequence 1", parts)
	}
}

func TestConversationDestroy(t *testing.T) {
	dir := t.TempDir()
	convDir := filepath.Join(dir, "conv")
	conv := openTestConversation(t, convDir)
	ctx := context.Background()

	if _, err := conv.Append(ctx, map[string]interface{}{"n": 1}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := conv.Destroy(ctx); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := os.Stat(convDir); !os.IsNotExist(err) {
		t.Error("conversation directory still exists after Destroy")
	}
}

func TestConversationsFactory(t *testing.T) {
	base := t.TempDir()
	cs, err := session.NewConversations(base, session.WithConversationLogger(discardLogger()))
	if err != nil {
		t.Fatalf("NewConversations: %v", err)
	}
	conv, err := cs.Open("session_20250601_143045_abcd1234")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := conv.Append(context.Background(), map[string]interface{}{"n": 1}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := os.Stat(filepath.Join(base, "session_20250601_143045_abcd1234", "parts", "0000000001.json")); err != nil {
		t.Errorf("expected per-session layout: %v", err)
	}
}
