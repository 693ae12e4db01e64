// Package sim synthesizes driver activity for demos and load testing. It is
// an explicitly owned background task with a cancellation handle, not an
// ambient global timer.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/example/driver-dispatch/internal/assign"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/region"
)

// Simulator enqueues a handful of fake drivers per region and pushes
// heartbeats for them on a fixed interval.
type Simulator struct {
	Assigner       *assign.Service
	Regions        *region.Registry
	Interval       time.Duration
	DriversPerArea int
	Logger         *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	drivers []models.Heartbeat
	rng     *rand.Rand
}

// Start launches the background loop. Calling Start twice without Stop is an
// error; the returned Stop (also available as the method) blocks until the
// loop has exited.
func (s *Simulator) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return fmt.Errorf("simulator already running")
	}
	if s.Interval <= 0 {
		s.Interval = 3 * time.Second
	}
	if s.DriversPerArea <= 0 {
		s.DriversPerArea = 3
	}
	s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	s.seed(ctx)
	go s.run(ctx, s.done)
	return nil
}

// Stop cancels the loop and waits for it to exit. Safe to call when not
// running.
func (s *Simulator) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Simulator) seed(ctx context.Context) {
	for _, reg := range s.Regions.All() {
		for i := 0; i < s.DriversPerArea; i++ {
			id := fmt.Sprintf("sim-%s-%d", reg.ID, i)
			if _, err := s.Assigner.DeclareAvailable(ctx, id, reg.ID); err != nil {
				s.Logger.Warn("sim driver enqueue failed", "driver_id", id, "error", err)
				continue
			}
			s.drivers = append(s.drivers, models.Heartbeat{
				DriverID:    id,
				RegionID:    reg.ID,
				VehicleType: "scooter",
				Location:    models.Location{Lat: 40.7 + s.rng.Float64()*0.1, Lon: -74.0 + s.rng.Float64()*0.1},
			})
		}
	}
}

func (s *Simulator) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Simulator) tick(ctx context.Context) {
	for i := range s.drivers {
		hb := s.drivers[i]
		hb.Location.Lat += (s.rng.Float64() - 0.5) * 0.002
		hb.Location.Lon += (s.rng.Float64() - 0.5) * 0.002
		hb.SentAt = time.Now()
		s.drivers[i].Location = hb.Location
		if err := s.Assigner.PushHeartbeat(ctx, hb); err != nil {
			s.Logger.Debug("sim heartbeat rejected", "driver_id", hb.DriverID, "error", err)
		}
	}
}
