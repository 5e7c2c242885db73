package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/canonhq/canon/internal/canonical"
)

// SQLiteStore implements RecordStore over a sqlite database opened by
// the db package.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an open database handle.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) GetCurrent(ctx context.Context, tenantID, source, canonicalID string) (*CurrentVersion, error) {
	var cur CurrentVersion
	err := s.db.QueryRowContext(ctx, `
		SELECT id, current_ts FROM canonical_records
		WHERE tenant_id = ? AND source = ? AND canonical_id = ?
	`, tenantID, source, canonicalID).Scan(&cur.RowID, &cur.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read current version: %w", err)
	}
	return &cur, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, rec CanonicalRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO canonical_records (
			id, tenant_id, source, canonical_id, parent_canonical_id,
			content, current_ts, strategy, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.TenantID, rec.Source, rec.CanonicalID, nullable(rec.ParentCanonicalID),
		rec.Content, rec.Timestamp, string(rec.Strategy), now)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to insert canonical record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpsertChild(ctx context.Context, rec CanonicalRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO canonical_records (
			id, tenant_id, source, canonical_id, parent_canonical_id,
			content, current_ts, strategy, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, source, canonical_id) DO UPDATE SET
			parent_canonical_id = excluded.parent_canonical_id,
			content = excluded.content,
			current_ts = excluded.current_ts,
			updated_at = excluded.updated_at
	`, rec.ID, rec.TenantID, rec.Source, rec.CanonicalID, nullable(rec.ParentCanonicalID),
		rec.Content, rec.Timestamp, string(rec.Strategy), now)
	if err != nil {
		return fmt.Errorf("failed to upsert child record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListChildren(ctx context.Context, tenantID, parentCanonicalID string) ([]CanonicalRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, source, canonical_id, COALESCE(parent_canonical_id, ''),
		       content, current_ts, strategy, updated_at
		FROM canonical_records
		WHERE tenant_id = ? AND parent_canonical_id = ?
	`, tenantID, parentCanonicalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list children: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *SQLiteStore) DeleteByCanonical(ctx context.Context, tenantID, source, canonicalID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM canonical_records
		WHERE tenant_id = ? AND source = ? AND canonical_id = ?
	`, tenantID, source, canonicalID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete canonical record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted rows: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) ListRecords(ctx context.Context, tenantID, afterCanonicalID string, limit int) ([]CanonicalRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, source, canonical_id, COALESCE(parent_canonical_id, ''),
		       content, current_ts, strategy, updated_at
		FROM canonical_records
		WHERE tenant_id = ? AND canonical_id > ?
		ORDER BY canonical_id ASC
		LIMIT ?
	`, tenantID, afterCanonicalID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]CanonicalRecord, error) {
	var out []CanonicalRecord
	for rows.Next() {
		var rec CanonicalRecord
		var strategy string
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.Source, &rec.CanonicalID,
			&rec.ParentCanonicalID, &rec.Content, &rec.Timestamp, &strategy, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec.Strategy = canonical.Strategy(strategy)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return out, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// isConstraintViolation matches the sqlite unique-constraint error
// without depending on driver-specific error types.
func isConstraintViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
