// Package ingest orchestrates the version resolution pipeline:
// identify, arbitrate, deduplicate, write.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/canonhq/canon/internal/canonical"
	"github.com/canonhq/canon/internal/dedup"
	"github.com/canonhq/canon/internal/store"
	"github.com/canonhq/canon/internal/version"
)

// ErrConflictRetriesExhausted is surfaced after repeated losses against
// concurrent writers for the same canonical ID. The caller retries at
// the job level.
var ErrConflictRetriesExhausted = errors.New("conflict retries exhausted")

// Result reports what one ingestion did.
type Result struct {
	CanonicalID string               `json:"canonical_id"`
	Strategy    canonical.Strategy   `json:"strategy"`
	Decision    string               `json:"decision"`
	Written     bool                 `json:"written"`
	Report      dedup.DeletionReport `json:"report"`
	Attempts    int                  `json:"attempts"`
}

// Engine ties the canonical identifier, the version arbiter, the
// deduplicator, and the ingestion writer together. Instances are safe
// for concurrent use; contention on a canonical ID is resolved by the
// relational uniqueness constraint, never by an application lock.
type Engine struct {
	registry   *canonical.Registry
	arbiter    *version.Arbiter
	dedup      *dedup.Deduplicator
	writer     Writer
	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger
}

// EngineOptions bound the conflict retry loop.
type EngineOptions struct {
	MaxRetries int
	Backoff    time.Duration
}

func NewEngine(registry *canonical.Registry, records store.RecordStore, ded *dedup.Deduplicator, writer Writer, opts EngineOptions, logger *slog.Logger) *Engine {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 50 * time.Millisecond
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		registry:   registry,
		arbiter:    version.NewArbiter(records),
		dedup:      ded,
		writer:     writer,
		maxRetries: opts.MaxRetries,
		backoff:    opts.Backoff,
		logger:     logger,
	}
}

// Ingest resolves one raw record to its canonical identity and brings
// both stores to the correct current version. It either succeeds, or
// returns an error the caller should retry at the job level; rejected
// stale arrivals succeed with Written=false.
func (e *Engine) Ingest(ctx context.Context, tenantID, source string, rec canonical.RawRecord) (Result, error) {
	canonicalID, strategy := e.registry.Resolve(source, rec)
	result := Result{CanonicalID: canonicalID, Strategy: strategy}

	if strategy == canonical.StrategyLinkedChild {
		return e.ingestChild(ctx, tenantID, source, canonicalID, rec, result)
	}

	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		result.Attempts = attempt + 1

		decision, err := e.arbiter.Decide(ctx, tenantID, source, canonicalID, rec.Timestamp)
		if err != nil {
			return result, err
		}
		result.Decision = decision.String()

		if decision == version.RejectStale {
			return result, nil
		}
		if decision == version.Supersede {
			result.Report = e.dedup.ResolveVersion(ctx, tenantID, source, canonicalID, rec.Timestamp)
		}

		// A cancelled job must not write: partial deletes stand (they
		// are idempotent) and the next successful attempt heals the
		// canonical ID.
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("ingestion cancelled before write: %w", err)
		}

		err = e.writer.WriteNewVersion(ctx, store.CanonicalRecord{
			TenantID:    tenantID,
			Source:      source,
			CanonicalID: canonicalID,
			Content:     rec.Content,
			Timestamp:   rec.Timestamp,
			Strategy:    strategy,
		})
		if err == nil {
			result.Written = true
			return result, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return result, err
		}

		// A concurrent writer claimed the row between arbitration and
		// write. Back off and re-resolve from the top.
		e.logger.Warn("canonical record conflict, re-resolving",
			"canonical_id", canonicalID, "attempt", attempt+1)
		if err := sleep(ctx, e.backoff<<attempt); err != nil {
			return result, err
		}
	}

	return result, fmt.Errorf("%w for %s", ErrConflictRetriesExhausted, canonicalID)
}

// ingestChild writes a linked-child record keyed by its own canonical
// ID, cascaded under its parent, bypassing version arbitration
// entirely. Prior chunks for the child are cleared first so a re-sent
// child never double-counts.
func (e *Engine) ingestChild(ctx context.Context, tenantID, source, canonicalID string, rec canonical.RawRecord, result Result) (Result, error) {
	if rec.ParentID == "" {
		return result, fmt.Errorf("linked child %s has no parent canonical ID", canonicalID)
	}
	result.Decision = "linked_child"
	result.Report.ChunksDeleted = e.dedup.ResolveChildChunks(ctx, tenantID, canonicalID)

	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("ingestion cancelled before write: %w", err)
	}

	err := e.writer.WriteNewVersion(ctx, store.CanonicalRecord{
		TenantID:          tenantID,
		Source:            source,
		CanonicalID:       canonicalID,
		ParentCanonicalID: rec.ParentID,
		Content:           rec.Content,
		Timestamp:         rec.Timestamp,
		Strategy:          canonical.StrategyLinkedChild,
	})
	if err != nil {
		return result, err
	}
	result.Written = true
	result.Attempts = 1
	return result, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
