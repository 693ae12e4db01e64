// Package feed exposes queue/location/event state to the operations
// dashboard. Two consumption modes: snapshot polling and push subscriptions.
// Events are delivered in global append order; consumers must tolerate
// at-least-once delivery on reconnect and render idempotently by event id.
package feed

import (
	"context"
	"log/slog"
	"sync"

	"github.com/example/driver-dispatch/internal/eventlog"
	"github.com/example/driver-dispatch/internal/location"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
)

// Snapshot is the polling response: the latest N events plus the current
// per-region driver state. Pollers at 5-10s intervals tolerate staleness
// between calls.
type Snapshot struct {
	Events  []models.TrackingEvent        `json:"events"`
	Drivers []models.DriverLocationRecord `json:"drivers,omitempty"`
}

type subscriber struct {
	ch     chan models.TrackingEvent
	closed bool
}

// Publisher fans appended events out to live subscribers and serves
// snapshots from the log and location store.
type Publisher struct {
	log       eventlog.Log
	locations location.Store
	logger    *slog.Logger
	buffer    int

	mu      sync.Mutex
	subs    map[int]*subscriber
	nextSub int
}

func NewPublisher(log eventlog.Log, locations location.Store, logger *slog.Logger, buffer int) *Publisher {
	if buffer <= 0 {
		buffer = 64
	}
	return &Publisher{
		log:       log,
		locations: locations,
		logger:    logger,
		buffer:    buffer,
		subs:      make(map[int]*subscriber),
	}
}

// Publish fans an already-appended event out to live subscribers. It never
// blocks: a subscriber whose buffer is full is dropped and must reconnect
// with its last seen id, which the at-least-once contract allows.
func (p *Publisher) Publish(ev models.TrackingEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, s := range p.subs {
		select {
		case s.ch <- ev:
		default:
			p.logger.Warn("dropping slow feed subscriber", "subscriber", id)
			p.dropLocked(id)
		}
	}
}

// Subscribe registers a live subscription. Events with id > sinceID that
// were appended before the subscription are replayed first; duplicates
// across the replay/live boundary are possible and allowed.
func (p *Publisher) Subscribe(ctx context.Context, sinceID int64) (<-chan models.TrackingEvent, func(), error) {
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	s := &subscriber{ch: make(chan models.TrackingEvent, p.buffer)}
	p.subs[id] = s
	p.mu.Unlock()
	observability.FeedSubscribers.Inc()

	cancel := func() {
		p.mu.Lock()
		p.dropLocked(id)
		p.mu.Unlock()
	}

	out := make(chan models.TrackingEvent, p.buffer)
	go func() {
		defer close(out)
		// catch up from the log first, paging oldest-first until a short
		// batch signals there is no gap left. A consumer arbitrarily far
		// behind must see every event once before going live.
		last := sinceID
		for {
			batch, err := p.log.Replay(ctx, last, p.buffer)
			if err != nil {
				p.logger.Error("feed replay failed", "error", err)
				return
			}
			for _, ev := range batch {
				select {
				case out <- ev:
					last = ev.ID
				case <-ctx.Done():
					return
				}
			}
			if len(batch) < p.buffer {
				break
			}
		}
		for {
			select {
			case ev, ok := <-s.ch:
				if !ok {
					return
				}
				if ev.ID <= last {
					continue // already replayed
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, cancel, nil
}

func (p *Publisher) dropLocked(id int) {
	s, ok := p.subs[id]
	if !ok || s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	delete(p.subs, id)
	observability.FeedSubscribers.Dec()
}

// Snapshot serves the dashboard polling contract: the latest limit events,
// plus listByRegion state when a region is given.
func (p *Publisher) Snapshot(ctx context.Context, limit int, regionID string) (Snapshot, error) {
	events, err := p.log.Query(ctx, limit, eventlog.Filter{})
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{Events: events}
	if regionID != "" {
		drivers, err := p.locations.ListByRegion(ctx, regionID)
		if err != nil {
			return Snapshot{}, err
		}
		snap.Drivers = drivers
	}
	return snap, nil
}

// ActiveDrivers returns current driver state for one region, or for nothing
// when regionID is empty (callers list regions explicitly).
func (p *Publisher) ActiveDrivers(ctx context.Context, regionID string) ([]models.DriverLocationRecord, error) {
	return p.locations.ListByRegion(ctx, regionID)
}
