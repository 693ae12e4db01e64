package models

import "time"

// Region is immutable reference data describing one service area.
type Region struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Driver records are owned by user management; the dispatch core only
// references drivers by id.
type Driver struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	VehicleType string `json:"vehicle_type"`
	HomeRegion  string `json:"home_region"`
}

type Location struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Address string  `json:"address,omitempty"`
}

type QueueStatus string

const (
	QueueWaiting  QueueStatus = "waiting"
	QueueAssigned QueueStatus = "assigned"
	QueueOffline  QueueStatus = "offline"
)

// QueueEntry is one driver's declared availability within one region.
// A driver holds at most one non-offline entry at a time.
type QueueEntry struct {
	DriverID string      `json:"driver_id"`
	RegionID string      `json:"region_id"`
	LoginAt  time.Time   `json:"login_at"`
	Status   QueueStatus `json:"status"`
}

type DriverStatus string

const (
	StatusWaiting    DriverStatus = "waiting"
	StatusAssigned   DriverStatus = "assigned"
	StatusEnRoute    DriverStatus = "en_route"
	StatusPickingUp  DriverStatus = "picking_up"
	StatusDelivering DriverStatus = "delivering"
	StatusOffline    DriverStatus = "offline"
)

// DriverLocationRecord is the latest known position and vehicle metadata for
// one tracked driver. Position writes are last-write-wins keyed by LastUpdated.
type DriverLocationRecord struct {
	DriverID       string       `json:"driver_id"`
	RegionID       string       `json:"region_id"`
	Location       Location     `json:"location"`
	VehicleType    string       `json:"vehicle_type"`
	Status         DriverStatus `json:"status"`
	LastUpdated    time.Time    `json:"last_updated"`
	CurrentOrderID string       `json:"current_order_id,omitempty"`
}

type EventType string

const (
	EventLocationUpdate EventType = "location_update"
	EventStatusChange   EventType = "status_change"
	EventOrderAssigned  EventType = "order_assigned"
	EventOrderDelivered EventType = "order_delivered"
)

// TrackingEvent is one row of the append-only dispatch log. IDs are strictly
// increasing in append order and rows are never mutated.
type TrackingEvent struct {
	ID        int64          `json:"id"`
	Type      EventType      `json:"type"`
	DriverID  string         `json:"driver_id"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

type OrderStatus string

const (
	OrderCreated    OrderStatus = "created"
	OrderAssigned   OrderStatus = "assigned"
	OrderUnassigned OrderStatus = "unassigned"
	OrderEscalated  OrderStatus = "escalated"
	OrderDelivered  OrderStatus = "delivered"
	OrderCancelled  OrderStatus = "cancelled"
)

// Order is the external order record this subsystem writes assignment
// results into. Everything else about orders lives with the collaborator.
type Order struct {
	ID               string      `json:"id"`
	RegionID         string      `json:"region_id"`
	Status           OrderStatus `json:"status"`
	AssignedDriverID string      `json:"assigned_driver_id,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// Heartbeat is a driver client location push, expected every few seconds.
// Status is optional; when set it drives a driver status transition.
type Heartbeat struct {
	DriverID    string       `json:"driver_id"`
	RegionID    string       `json:"region_id,omitempty"`
	Location    Location     `json:"location"`
	VehicleType string       `json:"vehicle_type,omitempty"`
	Status      DriverStatus `json:"status,omitempty"`
	SentAt      time.Time    `json:"sent_at"`
}
