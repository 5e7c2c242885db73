// Package sweep reconciles the vector store against the relational
// store. Dedup deletes are best-effort, so chunks from superseded
// versions can linger; the sweep finds chunk timestamps that disagree
// with the relational row's current timestamp and removes them. It is
// an operational requirement of the delete-before-write design, not
// optional polish.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/canonhq/canon/internal/store"
	"github.com/canonhq/canon/internal/vectorstore"
)

// Report summarizes one sweep run.
type Report struct {
	RecordsChecked int `json:"records_checked"`
	ChunksDeleted  int `json:"chunks_deleted"`
}

// Sweeper walks every canonical record of a tenant and deletes
// mismatched chunks.
type Sweeper struct {
	records     store.RecordStore
	vectors     vectorstore.Store
	pageSize    int
	concurrency int
	logger      *slog.Logger
}

// Options bound the sweep.
type Options struct {
	// PageSize caps both the record listing page and each chunk scan
	// page.
	PageSize int
	// Concurrency caps how many canonical records are reconciled in
	// parallel.
	Concurrency int
}

func NewSweeper(records store.RecordStore, vectors vectorstore.Store, opts Options, logger *slog.Logger) *Sweeper {
	if opts.PageSize <= 0 {
		opts.PageSize = 500
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Sweeper{
		records:     records,
		vectors:     vectors,
		pageSize:    opts.PageSize,
		concurrency: opts.Concurrency,
		logger:      logger,
	}
}

// Run reconciles all canonical records for a tenant. Chunk-level
// failures are absorbed the same way dedup absorbs them; only the
// record listing itself can fail the run.
func (s *Sweeper) Run(ctx context.Context, tenantID string) (Report, error) {
	var (
		mu     sync.Mutex
		report Report
	)

	after := ""
	for {
		page, err := s.records.ListRecords(ctx, tenantID, after, s.pageSize)
		if err != nil {
			return report, fmt.Errorf("failed to list records for sweep: %w", err)
		}
		if len(page) == 0 {
			return report, nil
		}
		after = page[len(page)-1].CanonicalID

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.concurrency)
		for _, rec := range page {
			rec := rec
			g.Go(func() error {
				deleted := s.reconcile(gctx, rec)
				mu.Lock()
				report.RecordsChecked++
				report.ChunksDeleted += deleted
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return report, err
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
	}
}

// reconcile deletes every chunk of one canonical record whose
// timestamp differs from the row's current timestamp.
func (s *Sweeper) reconcile(ctx context.Context, rec store.CanonicalRecord) int {
	filter := vectorstore.Filter{TenantID: rec.TenantID, CanonicalID: rec.CanonicalID}

	var mismatched []string
	token := ""
	for {
		page, next, err := s.vectors.Scan(ctx, filter, token, s.pageSize)
		if err != nil {
			s.logger.Warn("sweep scan failed, skipping record",
				"canonical_id", rec.CanonicalID, "error", err)
			return 0
		}
		for _, p := range page {
			if p.Timestamp != rec.Timestamp {
				mismatched = append(mismatched, p.ID)
			}
		}
		if next == "" {
			break
		}
		token = next
	}

	if len(mismatched) == 0 {
		return 0
	}
	deleted, err := s.vectors.DeleteByIDs(ctx, mismatched)
	if err != nil {
		s.logger.Warn("sweep delete failed, leaving chunks for the next run",
			"canonical_id", rec.CanonicalID, "error", err)
		return 0
	}
	s.logger.Info("reconciled canonical record",
		"canonical_id", rec.CanonicalID, "chunks_deleted", deleted)
	return deleted
}
