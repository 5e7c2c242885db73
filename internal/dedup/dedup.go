// Package dedup removes all stored artifacts of a stale version across
// both stores. It is the only component permitted to issue deletes.
package dedup

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/canonhq/canon/internal/store"
	"github.com/canonhq/canon/internal/vectorstore"
)

// DeletionReport counts what a supersede removed. Zero deletions is a
// valid outcome (the prior version's chunking may not have completed).
type DeletionReport struct {
	RelationalDeleted int64 `json:"relational_deleted"`
	ChunksDeleted     int   `json:"chunks_deleted"`
}

// Deduplicator locates and removes a stale version's relational row and
// vector chunks. Every scan or delete failure is logged and absorbed:
// dedup is a best-effort cleanup layer, never a gate on ingestion.
type Deduplicator struct {
	records     store.RecordStore
	vectors     vectorstore.Store
	pageSize    int
	pageTimeout time.Duration
	logger      *slog.Logger
}

// Options bound the paginated scan.
type Options struct {
	// PageSize caps points fetched per scan page. A single prior
	// version (a long accumulated thread) can hold hundreds of chunks;
	// unbounded single-page reads are a correctness risk.
	PageSize int

	// PageTimeout bounds each page fetch so a wedged store degrades to
	// a skipped dedup instead of a hung worker.
	PageTimeout time.Duration
}

// NewDeduplicator creates a deduplicator. Pass nil logger to discard
// warnings.
func NewDeduplicator(records store.RecordStore, vectors vectorstore.Store, opts Options, logger *slog.Logger) *Deduplicator {
	if opts.PageSize <= 0 {
		opts.PageSize = 1000
	}
	if opts.PageTimeout <= 0 {
		opts.PageTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Deduplicator{
		records:     records,
		vectors:     vectors,
		pageSize:    opts.PageSize,
		pageTimeout: opts.PageTimeout,
		logger:      logger,
	}
}

// ResolveVersion removes the stale version of a canonical entity:
// vector chunks first, then linked children, then the relational row.
// Deleting vectors before the row means a crash mid-way leaves no
// current row rather than two; absence is safer than duplication for
// every consumer that assumes at-most-one-row-per-canonical-id.
//
// Only chunks strictly older than incomingTimestamp are deleted. A
// chunk already carrying a newer-or-equal timestamp belongs to a
// concurrent writer that advanced the version; it is left alone.
func (d *Deduplicator) ResolveVersion(ctx context.Context, tenantID, source, canonicalID string, incomingTimestamp int64) DeletionReport {
	var report DeletionReport

	report.ChunksDeleted += d.deleteStaleChunks(ctx, tenantID, canonicalID, incomingTimestamp)

	// Cascade linked children: their rows and chunks die with the
	// superseded parent version.
	children, err := d.records.ListChildren(ctx, tenantID, canonicalID)
	if err != nil {
		d.logger.Warn("failed to list linked children, skipping cascade",
			"canonical_id", canonicalID, "error", err)
	}
	for _, child := range children {
		report.ChunksDeleted += d.deleteStaleChunks(ctx, tenantID, child.CanonicalID, incomingTimestamp)
		n, err := d.records.DeleteByCanonical(ctx, tenantID, child.Source, child.CanonicalID)
		if err != nil {
			d.logger.Warn("failed to delete linked child row",
				"canonical_id", child.CanonicalID, "parent", canonicalID, "error", err)
			continue
		}
		report.RelationalDeleted += n
	}

	n, err := d.records.DeleteByCanonical(ctx, tenantID, source, canonicalID)
	if err != nil {
		d.logger.Warn("failed to delete stale relational row",
			"canonical_id", canonicalID, "error", err)
	} else {
		report.RelationalDeleted += n
	}

	return report
}

// ResolveChildChunks removes every chunk stored for a linked child
// before its replacement is written. Children bypass version
// arbitration, so there is no timestamp partition to respect.
func (d *Deduplicator) ResolveChildChunks(ctx context.Context, tenantID, canonicalID string) int {
	return d.deleteStaleChunks(ctx, tenantID, canonicalID, math.MaxInt64)
}

// deleteStaleChunks scans all chunks for one canonical ID and deletes
// those older than the incoming version. Any failure counts as zero
// points found.
func (d *Deduplicator) deleteStaleChunks(ctx context.Context, tenantID, canonicalID string, incomingTimestamp int64) int {
	filter := vectorstore.Filter{TenantID: tenantID, CanonicalID: canonicalID}

	var eligible []string
	skipped := 0
	token := ""
	for {
		if ctx.Err() != nil {
			d.logger.Warn("dedup scan cancelled, partial deletes stand",
				"canonical_id", canonicalID, "error", ctx.Err())
			return 0
		}

		page, next, err := d.scanPage(ctx, filter, token)
		if err != nil {
			d.logger.Warn("vector scan failed, skipping dedup for this version",
				"canonical_id", canonicalID, "error", err)
			return 0
		}

		for _, p := range page {
			if p.Timestamp < incomingTimestamp {
				eligible = append(eligible, p.ID)
			} else {
				skipped++
			}
		}
		if next == "" {
			break
		}
		token = next
	}

	if skipped > 0 {
		d.logger.Warn("found chunks at or beyond incoming version, leaving them",
			"canonical_id", canonicalID, "count", skipped)
	}
	if len(eligible) == 0 {
		return 0
	}

	deleted, err := d.vectors.DeleteByIDs(ctx, eligible)
	if err != nil {
		d.logger.Warn("vector delete failed, treating as zero chunks deleted",
			"canonical_id", canonicalID, "error", err)
		return 0
	}
	return deleted
}

func (d *Deduplicator) scanPage(ctx context.Context, filter vectorstore.Filter, token string) ([]vectorstore.Point, string, error) {
	pageCtx, cancel := context.WithTimeout(ctx, d.pageTimeout)
	defer cancel()
	return d.vectors.Scan(pageCtx, filter, token, d.pageSize)
}
