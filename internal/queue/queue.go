// Package queue implements the per-region FIFO of drivers declaring
// availability. Ordering within a region is strictly by login time ascending
// among waiting entries, with driver id as a deterministic tiebreak.
package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/driver-dispatch/internal/models"
)

// ErrEmpty is returned by DequeueNext when no driver is waiting in the
// region. Not fatal: the assigner retries or escalates.
var ErrEmpty = errors.New("no waiting driver in region")

// ErrNotQueued is returned when an operation references a driver that has
// no queue entry at all.
var ErrNotQueued = errors.New("driver has no queue entry")

// DuplicateEnqueueError rejects an enqueue for a driver that already holds a
// non-offline entry; Region is the region of the existing entry. The caller
// must Remove first.
type DuplicateEnqueueError struct {
	DriverID string
	RegionID string
}

func (e *DuplicateEnqueueError) Error() string {
	return fmt.Sprintf("driver %s already queued in region %s", e.DriverID, e.RegionID)
}

// Queue is the storage-agnostic contract. DequeueNext must be atomic with
// respect to concurrent callers: two simultaneous calls on the same region
// never return the same driver.
type Queue interface {
	// Enqueue inserts a waiting entry with LoginAt = now. Idempotent for a
	// driver already waiting in the same region; fails with
	// *DuplicateEnqueueError for any other non-offline entry.
	Enqueue(ctx context.Context, driverID, regionID string) (models.QueueEntry, error)

	// DequeueNext atomically selects the waiting entry with minimum LoginAt
	// in the region and transitions it to assigned. Returns ErrEmpty when no
	// entry is waiting.
	DequeueNext(ctx context.Context, regionID string) (models.QueueEntry, error)

	// Requeue moves a driver back to waiting with a fresh LoginAt. The driver
	// goes to the back of the line; prior wait time is not credited.
	Requeue(ctx context.Context, driverID string) (models.QueueEntry, error)

	// Remove marks the driver's entry offline, taking it out of dispatch
	// consideration without deleting history.
	Remove(ctx context.Context, driverID string) error

	// Entry returns the driver's current entry regardless of status.
	Entry(ctx context.Context, driverID string) (models.QueueEntry, error)

	// WaitingCount reports how many drivers are waiting in the region.
	WaitingCount(ctx context.Context, regionID string) (int, error)
}
