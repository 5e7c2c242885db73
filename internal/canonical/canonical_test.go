package canonical

import (
	"strings"
	"testing"
)

func TestResolveNativeID(t *testing.T) {
	r := NewRegistry(Defaults(), nil)

	id, strategy := r.Resolve("outlook", RawRecord{
		ID:     "msg-1",
		Fields: map[string]string{"thread_id": "AAQk123"},
	})
	if id != "outlook:thread:AAQk123" {
		t.Fatalf("expected outlook:thread:AAQk123, got %s", id)
	}
	if strategy != StrategyAccumulative {
		t.Fatalf("expected accumulative, got %s", strategy)
	}

	id, strategy = r.Resolve("gdrive", RawRecord{
		ID:     "msg-2",
		Fields: map[string]string{"fileId": "1BxXyZ"},
	})
	if id != "gdrive:file:1BxXyZ" {
		t.Fatalf("expected gdrive:file:1BxXyZ, got %s", id)
	}
	if strategy != StrategyVersioned {
		t.Fatalf("expected versioned, got %s", strategy)
	}
}

func TestResolveFallbackOnMissingField(t *testing.T) {
	r := NewRegistry(Defaults(), nil)

	id, strategy := r.Resolve("outlook", RawRecord{ID: "msg-9"})
	if id != "outlook:fallback:msg-9" {
		t.Fatalf("expected fallback ID, got %s", id)
	}
	if strategy != StrategyAccumulative {
		t.Fatalf("strategy should still come from the registry, got %s", strategy)
	}
}

func TestResolveUnknownSource(t *testing.T) {
	r := NewRegistry(Defaults(), nil)

	id, strategy := r.Resolve("jira", RawRecord{ID: "TICKET-42"})
	if id != "jira:TICKET-42" {
		t.Fatalf("expected jira:TICKET-42, got %s", id)
	}
	if strategy != StrategyVersioned {
		t.Fatalf("unknown sources default to versioned, got %s", strategy)
	}
}

func TestResolveContentAddressed(t *testing.T) {
	r := NewRegistry(Defaults(), nil)

	a, strategy := r.Resolve("upload", RawRecord{ID: "up-1", Content: "hello world\n"})
	if strategy != StrategyContentAddressed {
		t.Fatalf("expected content_addressed, got %s", strategy)
	}
	// Different origin IDs, CRLF vs LF, trailing whitespace: same identity.
	b, _ := r.Resolve("upload", RawRecord{ID: "up-2", Content: "hello world\r\n"})
	if a != b {
		t.Fatalf("identical normalized content must share identity: %s vs %s", a, b)
	}
	if !strings.HasPrefix(a, "upload:file:") {
		t.Fatalf("unexpected ID format: %s", a)
	}
	if len(a) != len("upload:file:")+16 {
		t.Fatalf("expected 16 hex chars of digest, got %s", a)
	}

	c, _ := r.Resolve("upload", RawRecord{ID: "up-3", Content: "different"})
	if c == a {
		t.Fatalf("different content must not collide: %s", c)
	}
}

func TestContentHashStable(t *testing.T) {
	if ContentHash("x") != ContentHash("x") {
		t.Fatal("hash must be deterministic")
	}
	if ContentHash("  x  ") != ContentHash("x") {
		t.Fatal("surrounding whitespace must not change identity")
	}
}
