package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/driver-dispatch/internal/models"
)

type fakeUpdater struct {
	calls    int
	failFor  int
	lastRec  models.DriverLocationRecord
	staleRec bool
}

func (f *fakeUpdater) Update(ctx context.Context, rec models.DriverLocationRecord) (bool, error) {
	f.calls++
	if f.calls <= f.failFor {
		return false, errors.New("redis unavailable")
	}
	f.lastRec = rec
	return !f.staleRec, nil
}

func testHeartbeat() models.Heartbeat {
	return models.Heartbeat{
		DriverID:    "driver-9",
		RegionID:    "downtown",
		Location:    models.Location{Lat: 40.71, Lon: -74.0, Address: "12 Main St"},
		VehicleType: "bike",
		SentAt:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestUpdateStoreWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{failFor: 2}
	applied, err := updateStoreWithRetry(context.Background(), f, testHeartbeat(), 3, time.Millisecond)
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if !applied {
		t.Fatal("expected update to be applied")
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
	if f.lastRec.DriverID != "driver-9" || f.lastRec.RegionID != "downtown" {
		t.Fatalf("unexpected record written: %+v", f.lastRec)
	}
	if !f.lastRec.LastUpdated.Equal(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("heartbeat timestamp not carried through: %v", f.lastRec.LastUpdated)
	}
}

func TestUpdateStoreWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{failFor: 10}
	if _, err := updateStoreWithRetry(context.Background(), f, testHeartbeat(), 3, time.Millisecond); err == nil {
		t.Fatal("expected error when all attempts fail")
	}
	if f.calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", f.calls)
	}
}

func TestUpdateStoreWithRetry_StaleIsNotAnError(t *testing.T) {
	f := &fakeUpdater{staleRec: true}
	applied, err := updateStoreWithRetry(context.Background(), f, testHeartbeat(), 3, time.Millisecond)
	if err != nil {
		t.Fatalf("stale drop should not error: %v", err)
	}
	if applied {
		t.Fatal("expected applied=false for stale heartbeat")
	}
	if f.calls != 1 {
		t.Fatalf("stale drop should not be retried, got %d calls", f.calls)
	}
}
