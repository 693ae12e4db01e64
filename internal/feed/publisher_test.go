package feed

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/driver-dispatch/internal/eventlog"
	"github.com/example/driver-dispatch/internal/location"
	"github.com/example/driver-dispatch/internal/models"
)

func testPublisher() (*Publisher, *eventlog.Memory, *location.Memory) {
	log := eventlog.NewMemory()
	locs := location.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewPublisher(log, locs, logger, 16), log, locs
}

func appendAndPublish(t *testing.T, p *Publisher, log *eventlog.Memory, driverID string) models.TrackingEvent {
	t.Helper()
	ev := models.TrackingEvent{Type: models.EventLocationUpdate, DriverID: driverID}
	id, err := log.Append(context.Background(), ev)
	if err != nil {
		t.Fatal(err)
	}
	ev.ID = id
	p.Publish(ev)
	return ev
}

func collect(t *testing.T, ch <-chan models.TrackingEvent, n int) []models.TrackingEvent {
	t.Helper()
	out := make([]models.TrackingEvent, 0, n)
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed after %d of %d events", len(out), n)
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestSubscribeDeliversInAppendOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p, log, _ := testPublisher()

	ch, stop, err := p.Subscribe(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	var want []int64
	for i := 0; i < 5; i++ {
		ev := appendAndPublish(t, p, log, "d1")
		want = append(want, ev.ID)
	}

	got := collect(t, ch, 5)
	for i, ev := range got {
		if ev.ID != want[i] {
			t.Fatalf("event %d: got id %d, want %d", i, ev.ID, want[i])
		}
	}
}

func TestSubscribeReplaysSinceID(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p, log, _ := testPublisher()

	// three events before the consumer connects
	for i := 0; i < 3; i++ {
		appendAndPublish(t, p, log, "d1")
	}

	// reconnect claiming to have rendered event 1
	ch, stop, err := p.Subscribe(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	got := collect(t, ch, 2)
	if got[0].ID != 2 || got[1].ID != 3 {
		t.Fatalf("replay ids: %d, %d", got[0].ID, got[1].ID)
	}

	// and live events keep flowing after the replay
	ev := appendAndPublish(t, p, log, "d1")
	live := collect(t, ch, 1)
	if live[0].ID != ev.ID {
		t.Fatalf("live after replay: got %d, want %d", live[0].ID, ev.ID)
	}
}

func TestSubscribeCatchesUpFromDeepBacklog(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := eventlog.NewMemory()
	locs := location.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	// buffer much smaller than the backlog so catch-up must page
	p := NewPublisher(log, locs, logger, 4)

	for i := 0; i < 10; i++ {
		ev := models.TrackingEvent{Type: models.EventLocationUpdate, DriverID: "d1"}
		if _, err := log.Append(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	ch, stop, err := p.Subscribe(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	got := collect(t, ch, 10)
	for i, ev := range got {
		if ev.ID != int64(i+1) {
			t.Fatalf("event %d: got id %d, want %d; a consumer behind by more than the buffer must not lose events", i, ev.ID, i+1)
		}
	}

	// and the handover to live still works after paging
	ev := appendAndPublish(t, p, log, "d1")
	live := collect(t, ch, 1)
	if live[0].ID != ev.ID {
		t.Fatalf("live after catch-up: got %d, want %d", live[0].ID, ev.ID)
	}
}

func TestSlowSubscriberIsDroppedNotBlocked(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := eventlog.NewMemory()
	locs := location.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewPublisher(log, locs, logger, 1)

	_, stop, err := p.Subscribe(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	// nobody reads; publishing must not block once buffers fill
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			ev := models.TrackingEvent{Type: models.EventLocationUpdate, DriverID: "d1"}
			id, err := log.Append(context.Background(), ev)
			if err != nil {
				return
			}
			ev.ID = id
			p.Publish(ev)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestSnapshotCombinesEventsAndDrivers(t *testing.T) {
	ctx := context.Background()
	p, log, locs := testPublisher()

	for i := 0; i < 5; i++ {
		appendAndPublish(t, p, log, "d1")
	}
	_, _ = locs.Update(ctx, models.DriverLocationRecord{
		DriverID: "d1", RegionID: "downtown", Status: models.StatusWaiting,
		LastUpdated: time.Now(),
	})

	snap, err := p.Snapshot(ctx, 3, "downtown")
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Events) != 3 {
		t.Fatalf("snapshot events: %d", len(snap.Events))
	}
	if snap.Events[0].ID != 5 {
		t.Fatalf("snapshot must be newest-first, got id %d", snap.Events[0].ID)
	}
	if len(snap.Drivers) != 1 || snap.Drivers[0].DriverID != "d1" {
		t.Fatalf("snapshot drivers: %+v", snap.Drivers)
	}
}
