// Package vectorstore defines the engine's view of the chunk store and
// its backends. The engine only needs tag-filtered pagination and bulk
// deletion; similarity search stays inside each backend.
package vectorstore

import "context"

// Point is one chunk artifact: a fragment of a version's content plus
// its embedding, tagged with the owning canonical ID and the version
// timestamp it came from.
type Point struct {
	ID          string
	TenantID    string
	CanonicalID string
	Source      string
	Timestamp   int64
	Vector      []float32
	Text        string
}

// Filter selects all points belonging to one canonical entity of one
// tenant.
type Filter struct {
	TenantID    string
	CanonicalID string
}

// Store is the vector store as consumed by the deduplicator and the
// ingestion writer. Page tokens are opaque; an empty returned token
// means the scan is complete. Deleting an absent ID is a no-op.
type Store interface {
	Upsert(ctx context.Context, points []Point) error
	Scan(ctx context.Context, filter Filter, pageToken string, limit int) ([]Point, string, error)
	DeleteByIDs(ctx context.Context, ids []string) (int, error)
}
