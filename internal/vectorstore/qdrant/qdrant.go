// Package qdrant is a minimal REST client for Qdrant, covering only
// what the engine consumes: tagged upserts, filtered scroll pagination,
// and bulk point deletion.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/canonhq/canon/internal/vectorstore"
)

// Store is a vector store backed by a Qdrant collection.
type Store struct {
	url        string
	apiKey     string
	collection string
	dimension  int
	client     *http.Client
}

type Config struct {
	URL        string
	APIKey     string
	Collection string
	Dimension  int
	Timeout    time.Duration
}

func NewStore(cfg Config) *Store {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Store{
		url:        cfg.URL,
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		dimension:  cfg.Dimension,
		client:     &http.Client{Timeout: timeout},
	}
}

// Init creates the collection if missing and ensures the payload
// indexes the filtered scan depends on. Without these indexes Qdrant
// rejects filtered scrolls; that failure degrades to the dedup skip
// path rather than crashing ingestion.
func (s *Store) Init(ctx context.Context) error {
	if s.dimension <= 0 {
		return errors.New("invalid dimension")
	}
	body := map[string]any{
		"vectors": map[string]any{
			"size":     s.dimension,
			"distance": "Cosine",
		},
	}
	if err := s.putJSON(ctx, fmt.Sprintf("%s/collections/%s", s.url, s.collection), body); err != nil {
		return err
	}
	for _, field := range []string{"tenant_id", "canonical_id"} {
		idx := map[string]any{
			"field_name":   field,
			"field_schema": "keyword",
		}
		if err := s.putJSON(ctx, fmt.Sprintf("%s/collections/%s/index?wait=true", s.url, s.collection), idx); err != nil {
			return fmt.Errorf("failed to ensure payload index on %s: %w", field, err)
		}
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, points []vectorstore.Point) error {
	if len(points) == 0 {
		return nil
	}
	body := map[string]any{"points": encodePoints(points)}
	return s.putJSON(ctx, fmt.Sprintf("%s/collections/%s/points?wait=true", s.url, s.collection), body)
}

func encodePoints(points []vectorstore.Point) []map[string]any {
	out := make([]map[string]any, len(points))
	for i, p := range points {
		out[i] = map[string]any{
			"id":     p.ID,
			"vector": p.Vector,
			"payload": map[string]any{
				"tenant_id":    p.TenantID,
				"canonical_id": p.CanonicalID,
				"source":       p.Source,
				"timestamp":    p.Timestamp,
				"text":         p.Text,
			},
		}
	}
	return out
}

func (s *Store) Scan(ctx context.Context, filter vectorstore.Filter, pageToken string, limit int) ([]vectorstore.Point, string, error) {
	if limit <= 0 {
		limit = 100
	}
	req := map[string]any{
		"filter": map[string]any{
			"must": []map[string]any{
				{"key": "tenant_id", "match": map[string]any{"value": filter.TenantID}},
				{"key": "canonical_id", "match": map[string]any{"value": filter.CanonicalID}},
			},
		},
		"limit":        limit,
		"with_payload": true,
		"with_vector":  false,
	}
	if pageToken != "" {
		// The token is the raw next_page_offset JSON from the previous
		// page (a point ID, string or integer).
		var offset any
		if err := json.Unmarshal([]byte(pageToken), &offset); err != nil {
			return nil, "", fmt.Errorf("invalid page token: %w", err)
		}
		req["offset"] = offset
	}

	var resp struct {
		Result struct {
			Points []struct {
				ID      json.RawMessage `json:"id"`
				Payload map[string]any  `json:"payload"`
			} `json:"points"`
			NextPageOffset json.RawMessage `json:"next_page_offset"`
		} `json:"result"`
	}
	if err := s.postJSON(ctx, fmt.Sprintf("%s/collections/%s/points/scroll", s.url, s.collection), req, &resp); err != nil {
		return nil, "", err
	}

	points := make([]vectorstore.Point, 0, len(resp.Result.Points))
	for _, rp := range resp.Result.Points {
		p := vectorstore.Point{ID: rawID(rp.ID)}
		if v, ok := rp.Payload["tenant_id"].(string); ok {
			p.TenantID = v
		}
		if v, ok := rp.Payload["canonical_id"].(string); ok {
			p.CanonicalID = v
		}
		if v, ok := rp.Payload["source"].(string); ok {
			p.Source = v
		}
		if v, ok := rp.Payload["timestamp"].(float64); ok {
			p.Timestamp = int64(v)
		}
		if v, ok := rp.Payload["text"].(string); ok {
			p.Text = v
		}
		points = append(points, p)
	}

	next := ""
	if len(resp.Result.NextPageOffset) > 0 && string(resp.Result.NextPageOffset) != "null" {
		next = string(resp.Result.NextPageOffset)
	}
	return points, next, nil
}

func (s *Store) DeleteByIDs(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	body := map[string]any{"points": ids}
	if err := s.postJSON(ctx, fmt.Sprintf("%s/collections/%s/points/delete?wait=true", s.url, s.collection), body, nil); err != nil {
		return 0, err
	}
	// Qdrant acknowledges the operation without a per-point count;
	// deletes are idempotent so the requested count is the upper bound.
	return len(ids), nil
}

func rawID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func (s *Store) putJSON(ctx context.Context, url string, body any) error {
	return s.sendJSON(ctx, http.MethodPut, url, body, nil)
}

func (s *Store) postJSON(ctx context.Context, url string, body any, out any) error {
	return s.sendJSON(ctx, http.MethodPost, url, body, out)
}

func (s *Store) sendJSON(ctx context.Context, method, url string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("qdrant %s %s failed: %s", method, url, resp.Status)
	}
	if out != nil {
		dec := json.NewDecoder(resp.Body)
		return dec.Decode(out)
	}
	return nil
}
