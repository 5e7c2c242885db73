// Package embedded backs the vector store with an in-process vecgo
// HNSW index. Vectors and similarity search live in vecgo; a payload
// side-index keyed by point ID serves the engine's filtered scans,
// which vecgo's KNN API does not cover.
package embedded

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/vecgo"
	"github.com/hupe1980/vecgo/metadata"

	"github.com/canonhq/canon/internal/vectorstore"
)

// Store implements vectorstore.Store over a vecgo index.
type Store struct {
	mu     sync.RWMutex
	index  *vecgo.Vecgo[string]
	points map[string]vectorstore.Point
	vecIDs map[string]uint64
}

// NewStore builds a cosine HNSW index for the given dimension.
func NewStore(dimension int) (*Store, error) {
	index, err := vecgo.HNSW[string](dimension).
		Cosine().
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build vector index: %w", err)
	}
	return &Store{
		index:  index,
		points: make(map[string]vectorstore.Point),
		vecIDs: make(map[string]uint64),
	}, nil
}

func (s *Store) Upsert(ctx context.Context, points []vectorstore.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range points {
		if oldID, ok := s.vecIDs[p.ID]; ok {
			if err := s.index.Delete(ctx, oldID); err != nil {
				return fmt.Errorf("failed to replace point %s: %w", p.ID, err)
			}
			delete(s.vecIDs, p.ID)
			delete(s.points, p.ID)
		}
		vecID, err := s.index.Insert(ctx, vecgo.VectorWithData[string]{
			Vector: p.Vector,
			Data:   p.ID,
			Metadata: metadata.Metadata{
				"tenant_id":    metadata.String(p.TenantID),
				"canonical_id": metadata.String(p.CanonicalID),
				"source":       metadata.String(p.Source),
				"timestamp":    metadata.Int(p.Timestamp),
			},
		})
		if err != nil {
			return fmt.Errorf("failed to insert point %s: %w", p.ID, err)
		}
		s.vecIDs[p.ID] = vecID
		s.points[p.ID] = p
	}
	return nil
}

func (s *Store) Scan(ctx context.Context, filter vectorstore.Filter, pageToken string, limit int) ([]vectorstore.Point, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var ids []string
	for id, p := range s.points {
		if p.TenantID == filter.TenantID && p.CanonicalID == filter.CanonicalID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	start := 0
	if pageToken != "" {
		start = sort.SearchStrings(ids, pageToken)
		if start < len(ids) && ids[start] == pageToken {
			start++
		}
	}
	end := start + limit
	if end > len(ids) {
		end = len(ids)
	}

	page := make([]vectorstore.Point, 0, end-start)
	for _, id := range ids[start:end] {
		page = append(page, s.points[id])
	}
	next := ""
	if end < len(ids) && len(page) > 0 {
		next = page[len(page)-1].ID
	}
	return page, next, nil
}

func (s *Store) DeleteByIDs(ctx context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for _, id := range ids {
		vecID, ok := s.vecIDs[id]
		if !ok {
			continue
		}
		if err := s.index.Delete(ctx, vecID); err != nil {
			return deleted, fmt.Errorf("failed to delete point %s: %w", id, err)
		}
		delete(s.vecIDs, id)
		delete(s.points, id)
		deleted++
	}
	return deleted, nil
}

// Search returns the stored points nearest to the query vector,
// restricted to one tenant.
func (s *Store) Search(ctx context.Context, tenantID string, query []float32, k int) ([]vectorstore.Point, error) {
	results, err := s.index.KNNSearch(ctx, query, k)
	if err != nil {
		return nil, fmt.Errorf("failed to search index: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]vectorstore.Point, 0, len(results))
	for _, r := range results {
		p, ok := s.points[r.Data]
		if !ok || p.TenantID != tenantID {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Close releases the underlying index.
func (s *Store) Close() error {
	return s.index.Close()
}
