package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestFIFOAcrossRandomizedEnqueueOrder(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	// build drivers with distinct login times, enqueue in shuffled order
	const n = 20
	type login struct {
		id string
		at time.Time
	}
	logins := make([]login, n)
	for i := range logins {
		logins[i] = login{id: fmt.Sprintf("d%02d", i), at: base.Add(time.Duration(i) * time.Minute)}
	}
	shuffled := make([]login, n)
	copy(shuffled, logins)
	rand.New(rand.NewSource(42)).Shuffle(n, func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	q := NewMemory()
	for _, l := range shuffled {
		q.Now = fixedClock(l.at)
		if _, err := q.Enqueue(ctx, l.id, "downtown"); err != nil {
			t.Fatalf("enqueue %s: %v", l.id, err)
		}
	}

	for i := 0; i < n; i++ {
		e, err := q.DequeueNext(ctx, "downtown")
		if err != nil {
			t.Fatalf("dequeue %d: %v", i, err)
		}
		if e.DriverID != logins[i].id {
			t.Fatalf("pop %d: got %s, want %s", i, e.DriverID, logins[i].id)
		}
	}
	if _, err := q.DequeueNext(ctx, "downtown"); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestTieBrokenByDriverID(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	q.Now = fixedClock(time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC))
	for _, id := range []string{"zeta", "alpha", "mid"} {
		if _, err := q.Enqueue(ctx, id, "downtown"); err != nil {
			t.Fatal(err)
		}
	}
	e, err := q.DequeueNext(ctx, "downtown")
	if err != nil {
		t.Fatal(err)
	}
	if e.DriverID != "alpha" {
		t.Fatalf("tie break: got %s, want alpha", e.DriverID)
	}
}

func TestDuplicateEnqueueOtherRegion(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	if _, err := q.Enqueue(ctx, "d1", "downtown"); err != nil {
		t.Fatal(err)
	}
	_, err := q.Enqueue(ctx, "d1", "uptown")
	var dup *DuplicateEnqueueError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateEnqueueError, got %v", err)
	}
	if dup.RegionID != "downtown" {
		t.Fatalf("expected existing region downtown, got %s", dup.RegionID)
	}

	// after Remove it must be accepted
	if err := q.Remove(ctx, "d1"); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, "d1", "uptown"); err != nil {
		t.Fatalf("enqueue after remove: %v", err)
	}
}

func TestEnqueueIdempotentWhileWaiting(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	q.Now = fixedClock(time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC))
	first, err := q.Enqueue(ctx, "d1", "downtown")
	if err != nil {
		t.Fatal(err)
	}
	q.Now = fixedClock(time.Date(2026, 8, 1, 10, 5, 0, 0, time.UTC))
	again, err := q.Enqueue(ctx, "d1", "downtown")
	if err != nil {
		t.Fatalf("repeat enqueue: %v", err)
	}
	if !again.LoginAt.Equal(first.LoginAt) {
		t.Fatalf("repeat enqueue must not reset login time: %v != %v", again.LoginAt, first.LoginAt)
	}
}

func TestDequeuedDriverNotReturnedUntilRequeued(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	if _, err := q.Enqueue(ctx, "d1", "downtown"); err != nil {
		t.Fatal(err)
	}
	e, err := q.DequeueNext(ctx, "downtown")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.DequeueNext(ctx, "downtown"); !errors.Is(err, ErrEmpty) {
		t.Fatalf("assigned driver returned again: %v", err)
	}
	if _, err := q.Requeue(ctx, e.DriverID); err != nil {
		t.Fatal(err)
	}
	e2, err := q.DequeueNext(ctx, "downtown")
	if err != nil {
		t.Fatal(err)
	}
	if e2.DriverID != "d1" {
		t.Fatalf("got %s after requeue", e2.DriverID)
	}
}

func TestRequeueGoesToBackOfLine(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()

	// A assigned at 10:00, C waiting since 10:10, A completes at 10:30
	q.Now = fixedClock(time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC))
	if _, err := q.Enqueue(ctx, "A", "downtown"); err != nil {
		t.Fatal(err)
	}
	if _, err := q.DequeueNext(ctx, "downtown"); err != nil {
		t.Fatal(err)
	}
	q.Now = fixedClock(time.Date(2026, 8, 1, 10, 10, 0, 0, time.UTC))
	if _, err := q.Enqueue(ctx, "C", "downtown"); err != nil {
		t.Fatal(err)
	}
	q.Now = fixedClock(time.Date(2026, 8, 1, 10, 30, 0, 0, time.UTC))
	if _, err := q.Requeue(ctx, "A"); err != nil {
		t.Fatal(err)
	}

	e, err := q.DequeueNext(ctx, "downtown")
	if err != nil {
		t.Fatal(err)
	}
	if e.DriverID != "C" {
		t.Fatalf("oldest login must win: got %s, want C", e.DriverID)
	}
}

func TestRegionsAreIndependent(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	if _, err := q.Enqueue(ctx, "d1", "downtown"); err != nil {
		t.Fatal(err)
	}
	if _, err := q.DequeueNext(ctx, "uptown"); !errors.Is(err, ErrEmpty) {
		t.Fatal("uptown must be empty")
	}
}

func TestConcurrentDequeueNeverSharesDriver(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	const n = 50
	for i := 0; i < n; i++ {
		if _, err := q.Enqueue(ctx, fmt.Sprintf("d%03d", i), "downtown"); err != nil {
			t.Fatal(err)
		}
	}

	var wg sync.WaitGroup
	results := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := q.DequeueNext(ctx, "downtown")
			if err != nil {
				return
			}
			results <- e.DriverID
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[string]bool)
	for id := range results {
		if seen[id] {
			t.Fatalf("driver %s returned twice", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d distinct drivers, got %d", n, len(seen))
	}
}
