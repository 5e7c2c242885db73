// Package memory provides an in-memory vector store for tests and
// single-process deployments.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/canonhq/canon/internal/vectorstore"
)

// Store keeps points in a mutex-guarded map. Scans iterate a sorted ID
// snapshot so pagination is stable across pages.
type Store struct {
	mu      sync.RWMutex
	points  map[string]vectorstore.Point
	scanErr error
}

func NewStore() *Store {
	return &Store{points: make(map[string]vectorstore.Point)}
}

// FailScans makes every subsequent Scan return err. Used to simulate a
// store whose filter index is missing. Pass nil to restore.
func (s *Store) FailScans(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanErr = err
}

func (s *Store) Upsert(ctx context.Context, points []vectorstore.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range points {
		s.points[p.ID] = p
	}
	return nil
}

func (s *Store) Scan(ctx context.Context, filter vectorstore.Filter, pageToken string, limit int) ([]vectorstore.Point, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.scanErr != nil {
		return nil, "", s.scanErr
	}
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
		// The token is the last ID of the previous page; skip past it.
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
		if _, ok := s.points[id]; ok {
			delete(s.points, id)
			deleted++
		}
	}
	return deleted, nil
}

// Len returns the number of stored points.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.points)
}
