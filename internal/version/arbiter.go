package version

import (
	"context"
	"fmt"

	"github.com/canonhq/canon/internal/store"
)

// Decision is the arbiter's verdict for an incoming version.
type Decision int

const (
	// InsertFresh means no current version exists.
	InsertFresh Decision = iota
	// Supersede means the incoming version is strictly newer and the
	// stored one must be removed before the write.
	Supersede
	// RejectStale means the incoming version is not newer than the
	// stored one and is discarded without touching state.
	RejectStale
)

func (d Decision) String() string {
	switch d {
	case InsertFresh:
		return "insert_fresh"
	case Supersede:
		return "supersede"
	case RejectStale:
		return "reject_stale"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// Arbiter decides how an incoming record relates to the stored current
// version. It is the sole writer-decision-maker; it never mutates state
// itself.
type Arbiter struct {
	records store.RecordStore
}

// NewArbiter creates an arbiter over the given record store.
func NewArbiter(records store.RecordStore) *Arbiter {
	return &Arbiter{records: records}
}

// Decide compares the incoming timestamp against the stored current
// version for (tenant, source, canonical ID).
//
// Equal timestamps reject: the first-accepted version wins on exact
// ties. Sources with coarse timestamp granularity may tie often; the
// policy is deliberate and should be confirmed per onboarded source.
//
// A store read failure is returned to the caller as-is: writing without
// a successful arbitration risks duplicate canonical records, so the
// caller must retry rather than proceed blind.
func (a *Arbiter) Decide(ctx context.Context, tenantID, source, canonicalID string, incomingTimestamp int64) (Decision, error) {
	cur, err := a.records.GetCurrent(ctx, tenantID, source, canonicalID)
	if err != nil {
		return RejectStale, fmt.Errorf("failed to arbitrate %s: %w", canonicalID, err)
	}
	if cur == nil {
		return InsertFresh, nil
	}
	if cur.Timestamp < incomingTimestamp {
		return Supersede, nil
	}
	return RejectStale, nil
}
