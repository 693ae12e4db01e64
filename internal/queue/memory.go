package queue

import (
	"context"
	"sync"
	"time"

	"github.com/example/driver-dispatch/internal/models"
)

// Memory is the in-process Queue used for local runs and tests. A single
// mutex covers all regions; the pop is atomic by construction.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*models.QueueEntry

	// Now is swappable for tests.
	Now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*models.QueueEntry), Now: time.Now}
}

func (m *Memory) Enqueue(ctx context.Context, driverID, regionID string) (models.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[driverID]; ok && e.Status != models.QueueOffline {
		if e.RegionID == regionID && e.Status == models.QueueWaiting {
			return *e, nil
		}
		return models.QueueEntry{}, &DuplicateEnqueueError{DriverID: driverID, RegionID: e.RegionID}
	}
	e := &models.QueueEntry{
		DriverID: driverID,
		RegionID: regionID,
		LoginAt:  m.Now(),
		Status:   models.QueueWaiting,
	}
	m.entries[driverID] = e
	return *e, nil
}

func (m *Memory) DequeueNext(ctx context.Context, regionID string) (models.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *models.QueueEntry
	for _, e := range m.entries {
		if e.RegionID != regionID || e.Status != models.QueueWaiting {
			continue
		}
		if best == nil || e.LoginAt.Before(best.LoginAt) ||
			(e.LoginAt.Equal(best.LoginAt) && e.DriverID < best.DriverID) {
			best = e
		}
	}
	if best == nil {
		return models.QueueEntry{}, ErrEmpty
	}
	best.Status = models.QueueAssigned
	return *best, nil
}

func (m *Memory) Requeue(ctx context.Context, driverID string) (models.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[driverID]
	if !ok {
		return models.QueueEntry{}, ErrNotQueued
	}
	e.Status = models.QueueWaiting
	e.LoginAt = m.Now()
	return *e, nil
}

func (m *Memory) Remove(ctx context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[driverID]
	if !ok {
		return ErrNotQueued
	}
	e.Status = models.QueueOffline
	return nil
}

func (m *Memory) Entry(ctx context.Context, driverID string) (models.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[driverID]
	if !ok {
		return models.QueueEntry{}, ErrNotQueued
	}
	return *e, nil
}

func (m *Memory) WaitingCount(ctx context.Context, regionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.RegionID == regionID && e.Status == models.QueueWaiting {
			n++
		}
	}
	return n, nil
}
