package guard

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Samir-atra/hive-fork-sub000/graph/event"
)

func newTestAudit(t *testing.T, mutate func(*Policy), bus *event.Bus) *auditLog {
	t.Helper()
	p := DefaultPolicy()
	if mutate != nil {
		mutate(&p)
	}
	l, err := newAuditLog(&p, bus, slog.Default(), time.Now)
	if err != nil {
		t.Fatalf("newAuditLog: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAuditRingOrder(t *testing.T) {
	l := newTestAudit(t, nil, nil)

	for i := 0; i < 5; i++ {
		if err := l.Record(AuditEvent{EventType: AuditPermissionCheck, ToolName: fmt.Sprintf("t%d", i)}); err != nil {
			t.Fatal(err)
		}
	}

	events := l.Events()
	if len(events) != 5 {
		t.Fatalf("got %d events, want 5", len(events))
	}
	for i, ev := range events {
		if want := fmt.Sprintf("t%d", i); ev.ToolName != want {
			t.Errorf("events[%d].ToolName = %q, want %q", i, ev.ToolName, want)
		}
		if ev.Timestamp.IsZero() {
			t.Errorf("events[%d] missing timestamp", i)
		}
	}
}

func TestAuditRingWraps(t *testing.T) {
	l := newTestAudit(t, nil, nil)

	total := auditRingCapacity + 3
	for i := 0; i < total; i++ {
		if err := l.Record(AuditEvent{EventType: AuditPermissionCheck, ToolName: fmt.Sprintf("t%d", i)}); err != nil {
			t.Fatal(err)
		}
	}

	events := l.Events()
	if len(events) != auditRingCapacity {
		t.Fatalf("got %d events, want %d", len(events), auditRingCapacity)
	}
	if events[0].ToolName != "t3" {
		t.Errorf("oldest kept event = %q, want t3", events[0].ToolName)
	}
	if last := events[len(events)-1].ToolName; last != fmt.Sprintf("t%d", total-1) {
		t.Errorf("newest event = %q, want t%d", last, total-1)
	}
}

func TestAuditRedaction(t *testing.T) {
	t.Run("sensitive keys are replaced", func(t *testing.T) {
		l := newTestAudit(t, nil, nil)
		err := l.Record(AuditEvent{
			EventType: AuditToolExecuted,
			Context: map[string]interface{}{
				"password": "hunter2",
				"query":    "status",
				"nested":   map[string]interface{}{"api_key": "sk-123", "host": "db-1"},
			},
		})
		if err != nil {
			t.Fatal(err)
		}

		ctx := l.Events()[0].Context
		if ctx["password"] != redactedPlaceholder {
			t.Errorf("password = %v, want placeholder", ctx["password"])
		}
		if ctx["query"] != "status" {
			t.Errorf("query = %v, want untouched", ctx["query"])
		}
		nested := ctx["nested"].(map[string]interface{})
		if nested["api_key"] != redactedPlaceholder {
			t.Errorf("nested api_key = %v, want placeholder", nested["api_key"])
		}
		if nested["host"] != "db-1" {
			t.Errorf("nested host = %v, want untouched", nested["host"])
		}
	})

	t.Run("custom patterns extend the default set", func(t *testing.T) {
		l := newTestAudit(t, func(p *Policy) {
			p.RedactPatterns = []string{`(?i)ssn`}
		}, nil)
		if err := l.Record(AuditEvent{
			EventType: AuditToolExecuted,
			Context:   map[string]interface{}{"ssn_number": "000-00-0000"},
		}); err != nil {
			t.Fatal(err)
		}
		if got := l.Events()[0].Context["ssn_number"]; got != redactedPlaceholder {
			t.Errorf("ssn_number = %v, want placeholder", got)
		}
	})

	t.Run("opt-in keeps sensitive values", func(t *testing.T) {
		l := newTestAudit(t, func(p *Policy) {
			p.IncludeSensitiveValues = true
		}, nil)
		if err := l.Record(AuditEvent{
			EventType: AuditToolExecuted,
			Context:   map[string]interface{}{"password": "hunter2"},
		}); err != nil {
			t.Fatal(err)
		}
		if got := l.Events()[0].Context["password"]; got != "hunter2" {
			t.Errorf("password = %v, want kept", got)
		}
	})

	t.Run("input map is not mutated", func(t *testing.T) {
		l := newTestAudit(t, nil, nil)
		in := map[string]interface{}{"token": "abc"}
		if err := l.Record(AuditEvent{EventType: AuditToolExecuted, Context: in}); err != nil {
			t.Fatal(err)
		}
		if in["token"] != "abc" {
			t.Errorf("caller map mutated: %v", in["token"])
		}
	})
}

func TestAuditHashChain(t *testing.T) {
	l := newTestAudit(t, func(p *Policy) { p.AuditHashChain = true }, nil)

	for i := 0; i < 3; i++ {
		// Identical payloads; the chain must still differ per position.
		if err := l.Record(AuditEvent{EventType: AuditPermissionCheck, ToolName: "web_search"}); err != nil {
			t.Fatal(err)
		}
	}

	events := l.Events()
	seen := make(map[string]bool)
	for i, ev := range events {
		if len(ev.Chain) != 64 {
			t.Errorf("events[%d].Chain length = %d, want 64 hex chars", i, len(ev.Chain))
		}
		if seen[ev.Chain] {
			t.Errorf("events[%d] repeats chain value %s", i, ev.Chain)
		}
		seen[ev.Chain] = true
	}

	plain := newTestAudit(t, nil, nil)
	if err := plain.Record(AuditEvent{EventType: AuditPermissionCheck}); err != nil {
		t.Fatal(err)
	}
	if got := plain.Events()[0].Chain; got != "" {
		t.Errorf("chain disabled but got %q", got)
	}
}

func TestAuditFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.ndjson")
	l := newTestAudit(t, func(p *Policy) { p.AuditFile = path }, nil)

	if err := l.Record(AuditEvent{EventType: AuditToolBlocked, ToolName: "file_delete", Reason: "blocked"}); err != nil {
		t.Fatal(err)
	}
	if err := l.Record(AuditEvent{EventType: AuditToolExecuted, ToolName: "web_search"}); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var lines []AuditEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("line %d is not JSON: %v", len(lines), err)
		}
		lines = append(lines, ev)
	}
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if lines[0].EventType != AuditToolBlocked || lines[0].ToolName != "file_delete" {
		t.Errorf("unexpected first line: %+v", lines[0])
	}
	if lines[1].EventType != AuditToolExecuted {
		t.Errorf("unexpected second line: %+v", lines[1])
	}
}

func TestAuditBusPublish(t *testing.T) {
	bus := event.NewBus()
	var published []event.Event
	bus.Subscribe(func(ev event.Event) { published = append(published, ev) })

	l := newTestAudit(t, nil, bus)

	if err := l.Record(AuditEvent{
		EventType: AuditToolBlocked,
		ToolName:  "file_delete",
		Decision:  "denied",
		Reason:    "Tool 'file_delete' is not allowed",
		SessionID: "sess-1",
	}); err != nil {
		t.Fatal(err)
	}
	// Routine audit entries stay off the bus.
	if err := l.Record(AuditEvent{EventType: AuditPermissionCheck, ToolName: "web_search"}); err != nil {
		t.Fatal(err)
	}

	if len(published) != 1 {
		t.Fatalf("got %d bus events, want 1", len(published))
	}
	ev := published[0]
	if ev.Type != event.ToolBlocked {
		t.Errorf("topic = %s, want %s", ev.Type, event.ToolBlocked)
	}
	if ev.SessionID != "sess-1" {
		t.Errorf("session = %q, want sess-1", ev.SessionID)
	}
	if ev.Payload["tool_name"] != "file_delete" {
		t.Errorf("payload tool_name = %v", ev.Payload["tool_name"])
	}
	if ev.Payload["reason"] != "Tool 'file_delete' is not allowed" {
		t.Errorf("payload reason = %v", ev.Payload["reason"])
	}
}
