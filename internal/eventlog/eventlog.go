// Package eventlog is the append-only record of dispatch-relevant state
// changes. IDs form a single global total order usable for replay and audit;
// this is the only source feeding the live operations view.
package eventlog

import (
	"context"

	"github.com/example/driver-dispatch/internal/models"
)

// Filter narrows a Query. Zero values mean "no constraint". SinceID is an
// exclusive lower bound used by reconnecting feed consumers.
type Filter struct {
	DriverID string
	Type     models.EventType
	SinceID  int64
}

// Log is the storage-agnostic contract. Append assigns the next monotonic id
// and never blocks on readers.
type Log interface {
	Append(ctx context.Context, ev models.TrackingEvent) (int64, error)

	// Query returns up to limit events ordered by id descending (most
	// recent first), the contract the live feed consumes.
	Query(ctx context.Context, limit int, f Filter) ([]models.TrackingEvent, error)

	// Replay returns up to limit events with id > sinceID in ascending id
	// order. Callers page forward by passing the last returned id until a
	// short batch comes back; a consumer arbitrarily far behind catches up
	// without gaps.
	Replay(ctx context.Context, sinceID int64, limit int) ([]models.TrackingEvent, error)
}
