// Package location holds the latest known position and vehicle metadata per
// active driver. Position writes are last-write-wins keyed by the heartbeat
// timestamp; out-of-order deliveries from retrying clients are dropped
// silently.
package location

import (
	"context"
	"errors"

	"github.com/example/driver-dispatch/internal/models"
)

var ErrNotFound = errors.New("driver location not found")

// Store is the storage-agnostic contract. Update and SetStatus touch
// disjoint invariants: heartbeats never block dispatch and vice versa.
type Store interface {
	// Update applies a heartbeat. A write whose LastUpdated is not newer
	// than the stored value is a silent no-op and returns applied=false.
	// Status and CurrentOrderID of an existing record are preserved unless
	// rec.Status is set.
	Update(ctx context.Context, rec models.DriverLocationRecord) (applied bool, err error)

	// SetStatus writes the dispatch-owned fields (status, current order)
	// without touching the position. Creates the record if missing so a
	// driver is trackable from the moment it declares availability.
	SetStatus(ctx context.Context, driverID, regionID string, st models.DriverStatus, currentOrderID string) error

	Get(ctx context.Context, driverID string) (models.DriverLocationRecord, error)

	// ListByRegion returns the records of currently-tracked drivers in the
	// region, for map rendering. Read-only and eventually consistent.
	ListByRegion(ctx context.Context, regionID string) ([]models.DriverLocationRecord, error)
}
