package eventlog

import (
	"context"
	"sync"
	"time"

	"github.com/example/driver-dispatch/internal/models"
)

// Memory is the in-process Log. Appends take the write lock only long enough
// to stamp the id and grow the slice; readers copy under the read lock.
type Memory struct {
	mu     sync.RWMutex
	events []models.TrackingEvent
	nextID int64
}

func NewMemory() *Memory {
	return &Memory{nextID: 1}
}

func (m *Memory) Append(ctx context.Context, ev models.TrackingEvent) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.ID = m.nextID
	m.nextID++
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	m.events = append(m.events, ev)
	return ev.ID, nil
}

func (m *Memory) Replay(ctx context.Context, sinceID int64, limit int) ([]models.TrackingEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	// ids are dense and start at 1, so the first match is at index sinceID
	start := int(sinceID)
	if start < 0 {
		start = 0
	}
	if start > len(m.events) {
		start = len(m.events)
	}
	out := make([]models.TrackingEvent, 0, limit)
	for i := start; i < len(m.events) && len(out) < limit; i++ {
		out = append(out, m.events[i])
	}
	return out, nil
}

func (m *Memory) Query(ctx context.Context, limit int, f Filter) ([]models.TrackingEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	out := make([]models.TrackingEvent, 0, limit)
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		ev := m.events[i]
		if ev.ID <= f.SinceID {
			break // events are id-ordered, nothing older matches
		}
		if f.DriverID != "" && ev.DriverID != f.DriverID {
			continue
		}
		if f.Type != "" && ev.Type != f.Type {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}
