package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/canonhq/canon/internal/canonical"
	"github.com/canonhq/canon/internal/chunk"
	"github.com/canonhq/canon/internal/dedup"
	"github.com/canonhq/canon/internal/embed"
	"github.com/canonhq/canon/internal/store"
	"github.com/canonhq/canon/internal/testutil"
	"github.com/canonhq/canon/internal/vectorstore"
	"github.com/canonhq/canon/internal/vectorstore/memory"
)

const tenant = "t1"

type harness struct {
	engine  *Engine
	records *store.SQLiteStore
	vectors *memory.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.OpenTestDB(t)
	records := store.NewSQLiteStore(db)
	vectors := memory.NewStore()
	registry := canonical.NewRegistry(canonical.Defaults(), nil)
	ded := dedup.NewDeduplicator(records, vectors, dedup.Options{PageSize: 10}, nil)
	writer := NewChunkWriter(records, vectors, chunk.NewSentenceSplitter(2, 0), embed.NewHashEmbedder(32))
	engine := NewEngine(registry, records, ded, writer, EngineOptions{MaxRetries: 3, Backoff: 1}, nil)
	return &harness{engine: engine, records: records, vectors: vectors}
}

// chunkTimestamps returns the distinct chunk timestamps stored for a
// canonical ID, paging through the store.
func (h *harness) chunkTimestamps(t *testing.T, canonicalID string) map[int64]int {
	t.Helper()
	out := make(map[int64]int)
	token := ""
	for {
		page, next, err := h.vectors.Scan(context.Background(), vectorstore.Filter{
			TenantID:    tenant,
			CanonicalID: canonicalID,
		}, token, 7)
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		for _, p := range page {
			out[p.Timestamp]++
		}
		if next == "" {
			break
		}
		token = next
	}
	return out
}

func (h *harness) mustCurrent(t *testing.T, source, canonicalID string) *store.CurrentVersion {
	t.Helper()
	cur, err := h.records.GetCurrent(context.Background(), tenant, source, canonicalID)
	if err != nil {
		t.Fatalf("get current: %v", err)
	}
	return cur
}

func TestEmailThreadOutOfOrderDelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	early := canonical.RawRecord{
		ID:        "msg-1",
		Fields:    map[string]string{"thread_id": "ABC123"},
		Content:   "First message. It asks a question.",
		Timestamp: 1000,
	}
	res, err := h.engine.Ingest(ctx, tenant, "outlook", early)
	if err != nil {
		t.Fatalf("ingest t=1000: %v", err)
	}
	if res.Decision != "insert_fresh" || !res.Written {
		t.Fatalf("expected fresh insert, got %+v", res)
	}
	if res.CanonicalID != "outlook:thread:ABC123" {
		t.Fatalf("unexpected canonical ID %s", res.CanonicalID)
	}
	ts := h.chunkTimestamps(t, res.CanonicalID)
	if len(ts) != 1 || ts[1000] == 0 {
		t.Fatalf("expected chunks tagged t=1000, got %v", ts)
	}

	// The thread grew: the new arrival is a superset of the old one.
	grown := canonical.RawRecord{
		ID:        "msg-2",
		Fields:    map[string]string{"thread_id": "ABC123"},
		Content:   "First message. It asks a question. Second message. It answers. Third message. It closes the loop.",
		Timestamp: 3000,
	}
	res, err = h.engine.Ingest(ctx, tenant, "outlook", grown)
	if err != nil {
		t.Fatalf("ingest t=3000: %v", err)
	}
	if res.Decision != "supersede" || !res.Written {
		t.Fatalf("expected supersede, got %+v", res)
	}
	if res.Report.RelationalDeleted != 1 || res.Report.ChunksDeleted == 0 {
		t.Fatalf("expected stale artifacts deleted, got %+v", res.Report)
	}

	cur := h.mustCurrent(t, "outlook", res.CanonicalID)
	if cur == nil || cur.Timestamp != 3000 {
		t.Fatalf("expected current at t=3000, got %+v", cur)
	}
	ts = h.chunkTimestamps(t, res.CanonicalID)
	if len(ts) != 1 || ts[3000] == 0 {
		t.Fatalf("cross-store convergence violated: %v", ts)
	}

	// Retry/out-of-order redelivery of the original payload.
	res, err = h.engine.Ingest(ctx, tenant, "outlook", early)
	if err != nil {
		t.Fatalf("replay t=1000: %v", err)
	}
	if res.Decision != "reject_stale" || res.Written {
		t.Fatalf("expected stale rejection, got %+v", res)
	}
	cur = h.mustCurrent(t, "outlook", res.CanonicalID)
	if cur == nil || cur.Timestamp != 3000 {
		t.Fatalf("stale replay must not regress state, got %+v", cur)
	}
	ts = h.chunkTimestamps(t, res.CanonicalID)
	if len(ts) != 1 || ts[3000] == 0 {
		t.Fatalf("stale replay must not touch chunks: %v", ts)
	}
}

func TestFileVersionMonotonicity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	nov1 := canonical.RawRecord{
		ID:        "rev-1",
		Fields:    map[string]string{"fileId": "1BxXyZ"},
		Content:   "Draft. Needs review.",
		Timestamp: 1761955200, // 2025-11-01
	}
	nov5 := canonical.RawRecord{
		ID:        "rev-2",
		Fields:    map[string]string{"fileId": "1BxXyZ"},
		Content:   "Final. Approved by everyone.",
		Timestamp: 1762300800, // 2025-11-05
	}

	if res, err := h.engine.Ingest(ctx, tenant, "gdrive", nov1); err != nil || res.Decision != "insert_fresh" {
		t.Fatalf("ingest nov1: res=%+v err=%v", res, err)
	}
	if res, err := h.engine.Ingest(ctx, tenant, "gdrive", nov5); err != nil || res.Decision != "supersede" {
		t.Fatalf("ingest nov5: res=%+v err=%v", res, err)
	}
	if res, err := h.engine.Ingest(ctx, tenant, "gdrive", nov1); err != nil || res.Decision != "reject_stale" {
		t.Fatalf("re-ingest nov1: res=%+v err=%v", res, err)
	}

	cur := h.mustCurrent(t, "gdrive", "gdrive:file:1BxXyZ")
	if cur == nil || cur.Timestamp != nov5.Timestamp {
		t.Fatalf("expected nov5 current, got %+v", cur)
	}
}

func TestIdempotentReingestion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec := canonical.RawRecord{
		ID:        "msg-1",
		Fields:    map[string]string{"thread_id": "T"},
		Content:   "Same payload. Same timestamp.",
		Timestamp: 1000,
	}
	if _, err := h.engine.Ingest(ctx, tenant, "outlook", rec); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	res, err := h.engine.Ingest(ctx, tenant, "outlook", rec)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if res.Decision != "reject_stale" {
		t.Fatalf("equal timestamp must reject, got %+v", res)
	}

	ts := h.chunkTimestamps(t, "outlook:thread:T")
	total := 0
	for _, n := range ts {
		total += n
	}
	if len(ts) != 1 || total != 1 {
		t.Fatalf("expected exactly one coherent chunk set, got %v", ts)
	}
}

func TestContentAddressedIdentity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := canonical.RawRecord{ID: "up-1", Content: "Same bytes.", Timestamp: 1000}
	b := canonical.RawRecord{ID: "up-2", Content: "Same bytes.", Timestamp: 1000}

	resA, err := h.engine.Ingest(ctx, tenant, "upload", a)
	if err != nil {
		t.Fatalf("ingest a: %v", err)
	}
	resB, err := h.engine.Ingest(ctx, tenant, "upload", b)
	if err != nil {
		t.Fatalf("ingest b: %v", err)
	}
	if resA.CanonicalID != resB.CanonicalID {
		t.Fatalf("identical content must share identity: %s vs %s", resA.CanonicalID, resB.CanonicalID)
	}
	if resB.Decision != "reject_stale" {
		t.Fatalf("duplicate upload must be rejected as stale, got %+v", resB)
	}
}

func TestUnindexedVectorStoreDegradesToSkippedDedup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec := canonical.RawRecord{
		ID:        "msg-1",
		Fields:    map[string]string{"thread_id": "T"},
		Content:   "Version one. Two sentences here.",
		Timestamp: 1000,
	}
	if _, err := h.engine.Ingest(ctx, tenant, "outlook", rec); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	h.vectors.FailScans(errors.New("index required but not found for canonical_id"))
	rec.Content = "Version two. Still two sentences."
	rec.Timestamp = 2000
	res, err := h.engine.Ingest(ctx, tenant, "outlook", rec)
	if err != nil {
		t.Fatalf("ingest must not fail on dedup errors: %v", err)
	}
	if res.Decision != "supersede" || !res.Written {
		t.Fatalf("new version must still be written, got %+v", res)
	}
	if res.Report.ChunksDeleted != 0 {
		t.Fatalf("expected zero chunks deleted when scan fails, got %+v", res.Report)
	}

	cur := h.mustCurrent(t, "outlook", "outlook:thread:T")
	if cur == nil || cur.Timestamp != 2000 {
		t.Fatalf("expected current at t=2000, got %+v", cur)
	}
}

// conflictingWriter simulates a concurrent worker that claims the row
// between this worker's arbitration and write.
type conflictingWriter struct {
	inner    Writer
	records  store.RecordStore
	injected bool
}

func (w *conflictingWriter) WriteNewVersion(ctx context.Context, rec store.CanonicalRecord) error {
	if !w.injected && rec.Strategy != canonical.StrategyLinkedChild {
		w.injected = true
		racer := rec
		racer.ID = ""
		racer.Content = "the concurrent writer got here first"
		racer.Timestamp = rec.Timestamp + 500
		if err := w.records.Insert(ctx, racer); err != nil {
			return err
		}
	}
	return w.inner.WriteNewVersion(ctx, rec)
}

func TestConcurrentWriterConflictResolvesToStale(t *testing.T) {
	db := testutil.OpenTestDB(t)
	records := store.NewSQLiteStore(db)
	vectors := memory.NewStore()
	registry := canonical.NewRegistry(canonical.Defaults(), nil)
	ded := dedup.NewDeduplicator(records, vectors, dedup.Options{}, nil)
	inner := NewChunkWriter(records, vectors, chunk.NewSentenceSplitter(2, 0), embed.NewHashEmbedder(32))
	writer := &conflictingWriter{inner: inner, records: records}
	engine := NewEngine(registry, records, ded, writer, EngineOptions{MaxRetries: 3, Backoff: 1}, nil)
	ctx := context.Background()

	res, err := engine.Ingest(ctx, tenant, "outlook", canonical.RawRecord{
		ID:        "msg-1",
		Fields:    map[string]string{"thread_id": "RACE"},
		Content:   "Losing payload.",
		Timestamp: 1000,
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Decision != "reject_stale" {
		t.Fatalf("losing writer must re-resolve into a stale rejection, got %+v", res)
	}
	if res.Attempts < 2 {
		t.Fatalf("expected at least one retry, got %d attempts", res.Attempts)
	}

	cur, err := records.GetCurrent(ctx, tenant, "outlook", "outlook:thread:RACE")
	if err != nil {
		t.Fatalf("get current: %v", err)
	}
	if cur == nil || cur.Timestamp != 1500 {
		t.Fatalf("exactly the racer's row must remain, got %+v", cur)
	}
}

func TestLinkedChildBypassesArbitration(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	parent := canonical.RawRecord{
		ID:        "msg-1",
		Fields:    map[string]string{"thread_id": "ABC"},
		Content:   "Thread with an attachment.",
		Timestamp: 1000,
	}
	if _, err := h.engine.Ingest(ctx, tenant, "outlook", parent); err != nil {
		t.Fatalf("ingest parent: %v", err)
	}

	child := canonical.RawRecord{
		ID:        "att-1",
		Fields:    map[string]string{"attachmentId": "att-1"},
		Content:   "Attachment text. More attachment text.",
		Timestamp: 1000,
		ParentID:  "outlook:thread:ABC",
	}
	res, err := h.engine.Ingest(ctx, tenant, "attachment", child)
	if err != nil {
		t.Fatalf("ingest child: %v", err)
	}
	if res.Decision != "linked_child" || !res.Written {
		t.Fatalf("expected linked child write, got %+v", res)
	}

	// Re-sending the child with an older timestamp still replaces it:
	// children are never subject to arbitration.
	child.Content = "Replaced attachment text."
	child.Timestamp = 500
	res, err = h.engine.Ingest(ctx, tenant, "attachment", child)
	if err != nil {
		t.Fatalf("re-ingest child: %v", err)
	}
	if !res.Written {
		t.Fatalf("expected child replaced, got %+v", res)
	}
	if res.Report.ChunksDeleted == 0 {
		t.Fatalf("expected prior child chunks cleared, got %+v", res.Report)
	}

	children, err := h.records.ListChildren(ctx, tenant, "outlook:thread:ABC")
	if err != nil {
		t.Fatalf("list children: %v", err)
	}
	if len(children) != 1 || children[0].Timestamp != 500 {
		t.Fatalf("expected one replaced child, got %+v", children)
	}
}

func TestLinkedChildRequiresParent(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Ingest(context.Background(), tenant, "attachment", canonical.RawRecord{
		ID:        "att-1",
		Fields:    map[string]string{"attachmentId": "att-1"},
		Content:   "Orphan.",
		Timestamp: 1000,
	})
	if err == nil || !strings.Contains(err.Error(), "no parent") {
		t.Fatalf("expected missing-parent error, got %v", err)
	}
}

func TestCancelledIngestionDoesNotWrite(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	if _, err := h.engine.Ingest(ctx, tenant, "outlook", canonical.RawRecord{
		ID:        "msg-1",
		Fields:    map[string]string{"thread_id": "C"},
		Content:   "Version one.",
		Timestamp: 1000,
	}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	cancel()
	_, err := h.engine.Ingest(ctx, tenant, "outlook", canonical.RawRecord{
		ID:        "msg-2",
		Fields:    map[string]string{"thread_id": "C"},
		Content:   "Version two.",
		Timestamp: 2000,
	})
	if err == nil {
		t.Fatal("expected cancellation error")
	}

	// The canonical ID may be left with no current version; it must
	// never hold the new one.
	cur := h.mustCurrent(t, "outlook", "outlook:thread:C")
	if cur != nil && cur.Timestamp == 2000 {
		t.Fatalf("cancelled ingestion must not write, got %+v", cur)
	}
}
