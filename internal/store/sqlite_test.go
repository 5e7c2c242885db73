package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/canonhq/canon/internal/canonical"
	"github.com/canonhq/canon/internal/store"
	"github.com/canonhq/canon/internal/testutil"
)

func TestInsertAndGetCurrent(t *testing.T) {
	db := testutil.OpenTestDB(t)
	s := store.NewSQLiteStore(db)
	ctx := context.Background()

	cur, err := s.GetCurrent(ctx, "t1", "outlook", "outlook:thread:ABC")
	if err != nil {
		t.Fatalf("get current: %v", err)
	}
	if cur != nil {
		t.Fatalf("expected no current version, got %+v", cur)
	}

	err = s.Insert(ctx, store.CanonicalRecord{
		TenantID:    "t1",
		Source:      "outlook",
		CanonicalID: "outlook:thread:ABC",
		Content:     "thread body",
		Timestamp:   1000,
		Strategy:    canonical.StrategyAccumulative,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	cur, err = s.GetCurrent(ctx, "t1", "outlook", "outlook:thread:ABC")
	if err != nil {
		t.Fatalf("get current: %v", err)
	}
	if cur == nil || cur.Timestamp != 1000 {
		t.Fatalf("expected current version at t=1000, got %+v", cur)
	}
}

func TestInsertConflict(t *testing.T) {
	db := testutil.OpenTestDB(t)
	s := store.NewSQLiteStore(db)
	ctx := context.Background()

	rec := store.CanonicalRecord{
		TenantID:    "t1",
		Source:      "gdrive",
		CanonicalID: "gdrive:file:1BxXyZ",
		Content:     "v1",
		Timestamp:   100,
		Strategy:    canonical.StrategyVersioned,
	}
	if err := s.Insert(ctx, rec); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	rec.Content = "v2"
	rec.Timestamp = 200
	err := s.Insert(ctx, rec)
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	// Tenant isolation: same canonical ID under another tenant is fine.
	rec.TenantID = "t2"
	if err := s.Insert(ctx, rec); err != nil {
		t.Fatalf("insert under other tenant: %v", err)
	}
}

func TestDeleteByCanonical(t *testing.T) {
	db := testutil.OpenTestDB(t)
	s := store.NewSQLiteStore(db)
	ctx := context.Background()

	if err := s.Insert(ctx, store.CanonicalRecord{
		TenantID:    "t1",
		Source:      "gdrive",
		CanonicalID: "gdrive:file:F1",
		Content:     "v1",
		Timestamp:   100,
		Strategy:    canonical.StrategyVersioned,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	n, err := s.DeleteByCanonical(ctx, "t1", "gdrive", "gdrive:file:F1")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row deleted, got %d", n)
	}

	// Deleting again is a valid zero-effect outcome.
	n, err = s.DeleteByCanonical(ctx, "t1", "gdrive", "gdrive:file:F1")
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 rows deleted, got %d", n)
	}
}

func TestUpsertChildAndListChildren(t *testing.T) {
	db := testutil.OpenTestDB(t)
	s := store.NewSQLiteStore(db)
	ctx := context.Background()

	child := store.CanonicalRecord{
		TenantID:          "t1",
		Source:            "attachment",
		CanonicalID:       "attachment:attachment:att-1",
		ParentCanonicalID: "outlook:thread:ABC",
		Content:           "attachment bytes",
		Timestamp:         1000,
		Strategy:          canonical.StrategyLinkedChild,
	}
	if err := s.UpsertChild(ctx, child); err != nil {
		t.Fatalf("upsert child: %v", err)
	}

	// Re-upserting the same child must replace, not conflict.
	child.Content = "newer attachment bytes"
	child.Timestamp = 2000
	if err := s.UpsertChild(ctx, child); err != nil {
		t.Fatalf("re-upsert child: %v", err)
	}

	children, err := s.ListChildren(ctx, "t1", "outlook:thread:ABC")
	if err != nil {
		t.Fatalf("list children: %v", err)
	}
	if len(children) != 1 {
		t.Fatalf("expected 1 child, got %d", len(children))
	}
	if children[0].Timestamp != 2000 {
		t.Fatalf("expected replaced child at t=2000, got %d", children[0].Timestamp)
	}
}

func TestListRecordsPagination(t *testing.T) {
	db := testutil.OpenTestDB(t)
	s := store.NewSQLiteStore(db)
	ctx := context.Background()

	ids := []string{"a:1", "b:2", "c:3"}
	for i, id := range ids {
		if err := s.Insert(ctx, store.CanonicalRecord{
			TenantID:    "t1",
			Source:      "gdrive",
			CanonicalID: id,
			Content:     "x",
			Timestamp:   int64(i),
			Strategy:    canonical.StrategyVersioned,
		}); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	page, err := s.ListRecords(ctx, "t1", "", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 2 || page[0].CanonicalID != "a:1" || page[1].CanonicalID != "b:2" {
		t.Fatalf("unexpected first page: %+v", page)
	}

	page, err = s.ListRecords(ctx, "t1", page[1].CanonicalID, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 1 || page[0].CanonicalID != "c:3" {
		t.Fatalf("unexpected second page: %+v", page)
	}
}
