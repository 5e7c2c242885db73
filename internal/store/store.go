package store

import (
	"context"
	"errors"

	"github.com/canonhq/canon/internal/canonical"
)

// ErrConflict is returned by Insert when the uniqueness constraint on
// (tenant_id, source, canonical_id) rejects a concurrent duplicate.
// The constraint is the single source of truth for current-version
// ownership; callers resolve conflicts by re-reading and retrying.
var ErrConflict = errors.New("canonical record already exists")

// CanonicalRecord is one row of the relational store: the current
// version of a logical entity.
type CanonicalRecord struct {
	ID                string
	TenantID          string
	Source            string
	CanonicalID       string
	ParentCanonicalID string
	Content           string
	Timestamp         int64
	Strategy          canonical.Strategy
	UpdatedAt         int64
}

// CurrentVersion is the arbiter's view of a stored record.
type CurrentVersion struct {
	RowID     string
	Timestamp int64
}

// RecordStore is the relational half of the engine.
type RecordStore interface {
	// GetCurrent returns the current version for a canonical ID, or nil
	// when no record exists.
	GetCurrent(ctx context.Context, tenantID, source, canonicalID string) (*CurrentVersion, error)

	// Insert writes a new canonical record. Returns ErrConflict when a
	// row for (tenant_id, source, canonical_id) already exists.
	Insert(ctx context.Context, rec CanonicalRecord) error

	// UpsertChild writes or replaces a linked-child record keyed by its
	// own canonical ID, bypassing version arbitration.
	UpsertChild(ctx context.Context, rec CanonicalRecord) error

	// ListChildren returns the linked-child records cascaded under a
	// parent canonical ID.
	ListChildren(ctx context.Context, tenantID, parentCanonicalID string) ([]CanonicalRecord, error)

	// DeleteByCanonical removes the row for (tenant_id, source,
	// canonical_id) and returns the number of rows deleted.
	DeleteByCanonical(ctx context.Context, tenantID, source, canonicalID string) (int64, error)

	// ListRecords pages through canonical records for a tenant, ordered
	// by canonical ID. Used by the reconciliation sweep.
	ListRecords(ctx context.Context, tenantID, afterCanonicalID string, limit int) ([]CanonicalRecord, error)
}
