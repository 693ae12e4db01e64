package location

import (
	"context"
	"sync"
	"time"

	"github.com/example/driver-dispatch/internal/models"
)

// Memory is the in-process Store for local runs and tests.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*models.DriverLocationRecord
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]*models.DriverLocationRecord)}
}

func (m *Memory) Update(ctx context.Context, rec models.DriverLocationRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.records[rec.DriverID]
	if ok && !rec.LastUpdated.After(cur.LastUpdated) {
		return false, nil // stale heartbeat, drop
	}
	if ok {
		if rec.Status == "" {
			rec.Status = cur.Status
		}
		if rec.CurrentOrderID == "" {
			rec.CurrentOrderID = cur.CurrentOrderID
		}
		if rec.RegionID == "" {
			rec.RegionID = cur.RegionID
		}
		if rec.VehicleType == "" {
			rec.VehicleType = cur.VehicleType
		}
	}
	if rec.LastUpdated.IsZero() {
		rec.LastUpdated = time.Now()
	}
	m.records[rec.DriverID] = &rec
	return true, nil
}

func (m *Memory) SetStatus(ctx context.Context, driverID, regionID string, st models.DriverStatus, currentOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.records[driverID]
	if !ok {
		// LastUpdated stays zero: the record has no position yet, so the
		// first heartbeat must win the LWW check whatever its timestamp
		m.records[driverID] = &models.DriverLocationRecord{
			DriverID:       driverID,
			RegionID:       regionID,
			Status:         st,
			CurrentOrderID: currentOrderID,
		}
		return nil
	}
	cur.Status = st
	cur.CurrentOrderID = currentOrderID
	if regionID != "" {
		cur.RegionID = regionID
	}
	return nil
}

func (m *Memory) Get(ctx context.Context, driverID string) (models.DriverLocationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[driverID]
	if !ok {
		return models.DriverLocationRecord{}, ErrNotFound
	}
	return *rec, nil
}

func (m *Memory) ListByRegion(ctx context.Context, regionID string) ([]models.DriverLocationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.DriverLocationRecord, 0)
	for _, rec := range m.records {
		if rec.RegionID == regionID && rec.Status != models.StatusOffline {
			out = append(out, *rec)
		}
	}
	return out, nil
}
