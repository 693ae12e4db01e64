// Package assign is the dispatch orchestrator. It is the only writer that
// drives the driver status machine, so QueueEntry.status and
// DriverLocationRecord.status can never disagree: every mutation of either
// goes through one method here.
package assign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/driver-dispatch/internal/eventlog"
	"github.com/example/driver-dispatch/internal/feed"
	"github.com/example/driver-dispatch/internal/location"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
	"github.com/example/driver-dispatch/internal/queue"
	"github.com/example/driver-dispatch/internal/region"
	"github.com/example/driver-dispatch/internal/status"
	"github.com/example/driver-dispatch/internal/storage"
)

var (
	ErrOrderNotAssigned = errors.New("order is not assigned")
	ErrDriverMismatch   = errors.New("order is assigned to a different driver")
)

// HeartbeatProducer is the optional ingest pipeline heartbeats are mirrored
// to (Kafka in production).
type HeartbeatProducer interface {
	PublishHeartbeat(hb models.Heartbeat) error
}

// Service wires the queue, status machine, location store, event log and
// order store into the dispatch flows. The mutex serializes order-level
// mutations (assignment, cancellation, delivery) and the pending list;
// heartbeats deliberately bypass it so they never block dispatch.
type Service struct {
	Regions   *region.Registry
	Queue     queue.Queue
	Locations location.Store
	Events    eventlog.Log
	Orders    storage.OrderStore
	Feed      *feed.Publisher
	Producer  HeartbeatProducer
	Logger    *slog.Logger

	// AssignWait bounds how long an unassigned order waits for a driver
	// before being escalated for manual assignment.
	AssignWait time.Duration

	// Now is swappable for tests.
	Now func() time.Time

	mu      sync.Mutex
	pending map[string][]*pendingOrder

	// evMu is held across Append and Publish so fan-out happens in id
	// order. Without it two concurrent appends could publish inverted and
	// live subscribers would see ids out of global append order.
	evMu sync.Mutex
}

type pendingOrder struct {
	orderID string
	timer   *time.Timer
}

func (s *Service) clock() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// DeclareAvailable enters the driver into its region's queue and retries any
// orders parked waiting for a driver there.
func (s *Service) DeclareAvailable(ctx context.Context, driverID, regionID string) (models.QueueEntry, error) {
	if _, err := s.Regions.Lookup(regionID); err != nil {
		return models.QueueEntry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, prevErr := s.Queue.Entry(ctx, driverID)
	alreadyWaiting := prevErr == nil && prev.Status == models.QueueWaiting && prev.RegionID == regionID

	entry, err := s.Queue.Enqueue(ctx, driverID, regionID)
	if err != nil {
		return models.QueueEntry{}, err
	}

	if !alreadyWaiting {
		if err := s.Locations.SetStatus(ctx, driverID, regionID, models.StatusWaiting, ""); err != nil {
			return models.QueueEntry{}, err
		}
		if err := s.appendEvent(ctx, models.EventStatusChange, driverID, map[string]any{
			"status":    string(models.StatusWaiting),
			"region_id": regionID,
		}); err != nil {
			return models.QueueEntry{}, err
		}
	}
	s.refreshWaitingGauge(ctx, regionID)

	s.retryPendingLocked(ctx, regionID)
	return entry, nil
}

// DeclareOffline takes the driver out of dispatch consideration. Forced
// logout is legal from any status.
func (s *Service) DeclareOffline(ctx context.Context, driverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.Queue.Entry(ctx, driverID)
	if err != nil && !errors.Is(err, queue.ErrNotQueued) {
		return err
	}
	if err == nil {
		if err := s.Queue.Remove(ctx, driverID); err != nil {
			return err
		}
	}
	if err := s.Locations.SetStatus(ctx, driverID, "", models.StatusOffline, ""); err != nil {
		return err
	}
	if err := s.appendEvent(ctx, models.EventStatusChange, driverID, map[string]any{
		"status": string(models.StatusOffline),
	}); err != nil {
		return err
	}
	if entry.RegionID != "" {
		s.refreshWaitingGauge(ctx, entry.RegionID)
	}
	return nil
}

// driverSettable is the subset of statuses a driver client may report via
// heartbeat. Assignment, requeue and offline are dispatch-owned.
var driverSettable = map[models.DriverStatus]bool{
	models.StatusEnRoute:    true,
	models.StatusPickingUp:  true,
	models.StatusDelivering: true,
}

// PushHeartbeat applies a driver location push. Stale writes are dropped
// silently; a status carried on the heartbeat drives the state machine and
// is rejected without side effects when illegal. Plain position updates
// never touch the dispatch mutex so heartbeat volume cannot block
// assignment; the status-carrying branch takes it so a concurrent release
// cannot requeue the driver between the status read and the write.
func (s *Service) PushHeartbeat(ctx context.Context, hb models.Heartbeat) error {
	if hb.SentAt.IsZero() {
		hb.SentAt = s.clock()
	}

	regionID := hb.RegionID
	if regionID == "" {
		if entry, err := s.Queue.Entry(ctx, hb.DriverID); err == nil {
			regionID = entry.RegionID
		}
	}

	if hb.Status == "" {
		return s.applyHeartbeat(ctx, hb, regionID, "")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := models.StatusWaiting
	if rec, err := s.Locations.Get(ctx, hb.DriverID); err == nil {
		cur = rec.Status
	}
	var newStatus models.DriverStatus
	if cur != hb.Status {
		if !driverSettable[hb.Status] {
			return &status.InvalidTransitionError{From: cur, To: hb.Status}
		}
		next, err := status.Transition(cur, hb.Status)
		if err != nil {
			return err
		}
		newStatus = next
	}
	return s.applyHeartbeat(ctx, hb, regionID, newStatus)
}

func (s *Service) applyHeartbeat(ctx context.Context, hb models.Heartbeat, regionID string, newStatus models.DriverStatus) error {
	if s.Producer != nil {
		if err := s.Producer.PublishHeartbeat(hb); err != nil {
			s.Logger.Warn("heartbeat publish failed", "driver_id", hb.DriverID, "error", err)
		}
	}

	applied, err := s.Locations.Update(ctx, models.DriverLocationRecord{
		DriverID:    hb.DriverID,
		RegionID:    regionID,
		Location:    hb.Location,
		VehicleType: hb.VehicleType,
		Status:      newStatus,
		LastUpdated: hb.SentAt,
	})
	if err != nil {
		return err
	}
	if !applied {
		return nil // stale, invisible to the caller
	}
	observability.HeartbeatsTotal.Inc()

	if err := s.appendEvent(ctx, models.EventLocationUpdate, hb.DriverID, map[string]any{
		"lat":       hb.Location.Lat,
		"lon":       hb.Location.Lon,
		"address":   hb.Location.Address,
		"region_id": regionID,
	}); err != nil {
		return err
	}
	if newStatus != "" {
		if err := s.appendEvent(ctx, models.EventStatusChange, hb.DriverID, map[string]any{
			"status": string(newStatus),
		}); err != nil {
			return err
		}
	}
	return nil
}

// OnOrderCreated matches a new order against the region's queue. With no
// waiting driver the order is parked and retried on every enqueue in the
// region until AssignWait elapses, then escalated for manual assignment.
func (s *Service) OnOrderCreated(ctx context.Context, orderID, regionID string) (*models.Order, error) {
	if _, err := s.Regions.Lookup(regionID); err != nil {
		return nil, err
	}
	now := s.clock()
	order := &models.Order{
		ID: orderID, RegionID: regionID,
		Status: models.OrderCreated, CreatedAt: now, UpdatedAt: now,
	}
	if err := s.Orders.SaveOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("save order: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	assigned, err := s.tryAssignLocked(ctx, order)
	if err != nil {
		return nil, err
	}
	if assigned {
		return order, nil
	}

	order.Status = models.OrderUnassigned
	order.UpdatedAt = s.clock()
	if err := s.Orders.UpdateOrder(ctx, order); err != nil {
		return nil, err
	}
	s.parkLocked(order)
	s.Logger.Info("order parked, no waiting driver",
		"order_id", orderID, "region_id", regionID)
	return order, nil
}

// OnOrderCancelled withdraws an order. A parked order is simply removed; an
// assigned order releases its driver back to the queue exactly once.
// Terminal orders are a no-op, which is what prevents a double release.
func (s *Service) OnOrderCancelled(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, err := s.Orders.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}

	switch order.Status {
	case models.OrderCreated, models.OrderUnassigned, models.OrderEscalated:
		s.unparkLocked(order.RegionID, orderID)
	case models.OrderAssigned:
		if err := s.releaseDriverLocked(ctx, order, "order_cancelled"); err != nil {
			return err
		}
	default:
		// already delivered or cancelled: nothing to release
		return nil
	}

	order.Status = models.OrderCancelled
	order.UpdatedAt = s.clock()
	return s.Orders.UpdateOrder(ctx, order)
}

// OnDeliveryCompleted closes an assigned order: the driver is requeued with
// a fresh login time (fairness resets on completion) and becomes eligible
// for parked orders in its region.
func (s *Service) OnDeliveryCompleted(ctx context.Context, orderID, driverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, err := s.Orders.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != models.OrderAssigned {
		return ErrOrderNotAssigned
	}
	if order.AssignedDriverID != driverID {
		return ErrDriverMismatch
	}

	if err := s.releaseDriverLocked(ctx, order, "delivery_completed"); err != nil {
		return err
	}
	order.Status = models.OrderDelivered
	order.UpdatedAt = s.clock()
	if err := s.Orders.UpdateOrder(ctx, order); err != nil {
		return err
	}
	if err := s.appendEvent(ctx, models.EventOrderDelivered, driverID, map[string]any{
		"order_id":  orderID,
		"region_id": order.RegionID,
	}); err != nil {
		return err
	}
	observability.DeliveriesTotal.Inc()

	s.retryPendingLocked(ctx, order.RegionID)
	return nil
}

// releaseDriverLocked returns an order's driver to the waiting pool: status
// machine transition to waiting, requeue at the back of the line, order id
// cleared. A driver who force-logged-out mid-order stays offline; closing
// the order must not put them back in the queue. Call with s.mu held and
// order.Status == assigned.
func (s *Service) releaseDriverLocked(ctx context.Context, order *models.Order, reason string) error {
	driverID := order.AssignedDriverID
	cur := models.StatusAssigned
	if rec, err := s.Locations.Get(ctx, driverID); err == nil {
		cur = rec.Status
	}
	if cur == models.StatusOffline {
		s.Logger.Info("driver offline at release, not requeued",
			"driver_id", driverID, "order_id", order.ID, "reason", reason)
		return nil
	}
	if _, err := status.Transition(cur, models.StatusWaiting); err != nil {
		return err
	}
	entry, err := s.Queue.Requeue(ctx, driverID)
	if err != nil {
		return err
	}
	if err := s.Locations.SetStatus(ctx, driverID, entry.RegionID, models.StatusWaiting, ""); err != nil {
		return err
	}
	if err := s.appendEvent(ctx, models.EventStatusChange, driverID, map[string]any{
		"status": string(models.StatusWaiting),
		"reason": reason,
	}); err != nil {
		return err
	}
	s.refreshWaitingGauge(ctx, entry.RegionID)
	return nil
}

// tryAssignLocked pops the oldest waiting driver for the order's region.
// Returns false on an empty queue. Call with s.mu held.
func (s *Service) tryAssignLocked(ctx context.Context, order *models.Order) (bool, error) {
	entry, err := s.Queue.DequeueNext(ctx, order.RegionID)
	if errors.Is(err, queue.ErrEmpty) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if _, err := status.Transition(models.StatusWaiting, models.StatusAssigned); err != nil {
		return false, err
	}
	if err := s.Locations.SetStatus(ctx, entry.DriverID, entry.RegionID, models.StatusAssigned, order.ID); err != nil {
		return false, err
	}

	order.Status = models.OrderAssigned
	order.AssignedDriverID = entry.DriverID
	order.UpdatedAt = s.clock()
	if err := s.Orders.UpdateOrder(ctx, order); err != nil {
		return false, err
	}
	if err := s.appendEvent(ctx, models.EventOrderAssigned, entry.DriverID, map[string]any{
		"order_id":  order.ID,
		"region_id": order.RegionID,
		"login_at":  entry.LoginAt,
	}); err != nil {
		return false, err
	}
	observability.AssignmentsTotal.Inc()
	s.refreshWaitingGauge(ctx, order.RegionID)
	s.Logger.Info("order assigned",
		"order_id", order.ID, "driver_id", entry.DriverID, "region_id", order.RegionID)
	return true, nil
}

// parkLocked holds an unassigned order for retry and arms its escalation
// timer. Call with s.mu held.
func (s *Service) parkLocked(order *models.Order) {
	if s.pending == nil {
		s.pending = make(map[string][]*pendingOrder)
	}
	po := &pendingOrder{orderID: order.ID}
	wait := s.AssignWait
	if wait <= 0 {
		wait = 30 * time.Second
	}
	po.timer = time.AfterFunc(wait, func() { s.escalate(order.RegionID, order.ID) })
	s.pending[order.RegionID] = append(s.pending[order.RegionID], po)
}

// unparkLocked removes a parked order, stopping its escalation timer.
func (s *Service) unparkLocked(regionID, orderID string) {
	list := s.pending[regionID]
	for i, po := range list {
		if po.orderID == orderID {
			po.timer.Stop()
			s.pending[regionID] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// retryPendingLocked matches parked orders against newly available drivers,
// oldest order first. Call with s.mu held.
func (s *Service) retryPendingLocked(ctx context.Context, regionID string) {
	for len(s.pending[regionID]) > 0 {
		po := s.pending[regionID][0]
		order, err := s.Orders.GetOrder(ctx, po.orderID)
		if err != nil {
			s.Logger.Error("pending order lookup failed", "order_id", po.orderID, "error", err)
			s.unparkLocked(regionID, po.orderID)
			continue
		}
		assigned, err := s.tryAssignLocked(ctx, order)
		if err != nil {
			s.Logger.Error("pending order retry failed", "order_id", po.orderID, "error", err)
			return
		}
		if !assigned {
			return // queue drained again
		}
		s.unparkLocked(regionID, po.orderID)
	}
}

// escalate runs from the pending timer: the order is surfaced to the
// dashboard as requiring manual assignment, not dropped.
func (s *Service) escalate(regionID, orderID string) {
	ctx := context.Background()
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	for _, po := range s.pending[regionID] {
		if po.orderID == orderID {
			found = true
			break
		}
	}
	if !found {
		return // assigned or cancelled in the meantime
	}
	s.unparkLocked(regionID, orderID)

	order, err := s.Orders.GetOrder(ctx, orderID)
	if err != nil {
		s.Logger.Error("escalation lookup failed", "order_id", orderID, "error", err)
		return
	}
	order.Status = models.OrderEscalated
	order.UpdatedAt = s.clock()
	if err := s.Orders.UpdateOrder(ctx, order); err != nil {
		s.Logger.Error("escalation update failed", "order_id", orderID, "error", err)
		return
	}
	observability.EscalationsTotal.Inc()
	s.Logger.Warn("order escalated for manual assignment",
		"order_id", orderID, "region_id", regionID)
}

// UnassignedOrders lists orders needing attention on the dashboard.
func (s *Service) UnassignedOrders(ctx context.Context) ([]*models.Order, error) {
	escalated, err := s.Orders.ListByStatus(ctx, models.OrderEscalated)
	if err != nil {
		return nil, err
	}
	unassigned, err := s.Orders.ListByStatus(ctx, models.OrderUnassigned)
	if err != nil {
		return nil, err
	}
	return append(escalated, unassigned...), nil
}

func (s *Service) appendEvent(ctx context.Context, t models.EventType, driverID string, payload map[string]any) error {
	ev := models.TrackingEvent{
		Type:      t,
		DriverID:  driverID,
		Timestamp: s.clock(),
		Payload:   payload,
	}
	s.evMu.Lock()
	defer s.evMu.Unlock()
	id, err := s.Events.Append(ctx, ev)
	if err != nil {
		return fmt.Errorf("append %s event: %w", t, err)
	}
	ev.ID = id
	observability.EventsAppended.Inc()
	if s.Feed != nil {
		s.Feed.Publish(ev)
	}
	return nil
}

func (s *Service) refreshWaitingGauge(ctx context.Context, regionID string) {
	if n, err := s.Queue.WaitingCount(ctx, regionID); err == nil {
		observability.DriversWaiting.WithLabelValues(regionID).Set(float64(n))
	}
}
