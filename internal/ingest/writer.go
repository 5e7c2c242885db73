package ingest

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/canonhq/canon/internal/canonical"
	"github.com/canonhq/canon/internal/chunk"
	"github.com/canonhq/canon/internal/embed"
	"github.com/canonhq/canon/internal/store"
	"github.com/canonhq/canon/internal/vectorstore"
)

// Writer persists an accepted version: the relational row plus the
// chunk artifacts, every chunk tagged with the canonical ID and the
// version timestamp.
type Writer interface {
	WriteNewVersion(ctx context.Context, rec store.CanonicalRecord) error
}

// ChunkWriter is the in-repo ingestion writer: it chunks content,
// embeds each chunk, and writes to both stores.
type ChunkWriter struct {
	records  store.RecordStore
	vectors  vectorstore.Store
	splitter chunk.Splitter
	embedder embed.Embedder
}

func NewChunkWriter(records store.RecordStore, vectors vectorstore.Store, splitter chunk.Splitter, embedder embed.Embedder) *ChunkWriter {
	return &ChunkWriter{
		records:  records,
		vectors:  vectors,
		splitter: splitter,
		embedder: embedder,
	}
}

// WriteNewVersion claims the relational row first, then writes chunks.
// Claiming first lets the uniqueness constraint arbitrate concurrent
// writers before any chunk exists; a losing writer gets
// store.ErrConflict with nothing to clean up.
func (w *ChunkWriter) WriteNewVersion(ctx context.Context, rec store.CanonicalRecord) error {
	if rec.Strategy == canonical.StrategyLinkedChild {
		if err := w.records.UpsertChild(ctx, rec); err != nil {
			return err
		}
	} else {
		if err := w.records.Insert(ctx, rec); err != nil {
			return err
		}
	}

	chunks := w.splitter.Split(rec.Content)
	if len(chunks) == 0 {
		return nil
	}

	points := make([]vectorstore.Point, 0, len(chunks))
	for _, c := range chunks {
		vec, err := w.embedder.Embed(ctx, c.Text)
		if err != nil {
			return fmt.Errorf("failed to embed chunk %d of %s: %w", c.Index, rec.CanonicalID, err)
		}
		points = append(points, vectorstore.Point{
			ID:          uuid.New().String(),
			TenantID:    rec.TenantID,
			CanonicalID: rec.CanonicalID,
			Source:      rec.Source,
			Timestamp:   rec.Timestamp,
			Vector:      vec,
			Text:        c.Text,
		})
	}
	if err := w.vectors.Upsert(ctx, points); err != nil {
		return fmt.Errorf("failed to write chunks for %s: %w", rec.CanonicalID, err)
	}
	return nil
}
