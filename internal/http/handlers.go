package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/driver-dispatch/internal/assign"
	"github.com/example/driver-dispatch/internal/config"
	"github.com/example/driver-dispatch/internal/eventlog"
	"github.com/example/driver-dispatch/internal/feed"
	"github.com/example/driver-dispatch/internal/ingest"
	"github.com/example/driver-dispatch/internal/location"
	"github.com/example/driver-dispatch/internal/logging"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/queue"
	"github.com/example/driver-dispatch/internal/region"
	"github.com/example/driver-dispatch/internal/status"
	"github.com/example/driver-dispatch/internal/storage"
)

type Server struct {
	Assigner *assign.Service
	Feed     *feed.Publisher
	Regions  *region.Registry

	eventQueryMax int
	logger        *slog.Logger
	mux           *mux.Router
}

// NewServer wires the dispatch core from its parts. Adapter selection
// happens in NewServerFromConfig; tests construct the memory variant here.
func NewServer(a *assign.Service, f *feed.Publisher, regions *region.Registry, eventQueryMax int, logger *slog.Logger) *Server {
	if eventQueryMax <= 0 {
		eventQueryMax = 500
	}
	s := &Server{
		Assigner:      a,
		Feed:          f,
		Regions:       regions,
		eventQueryMax: eventQueryMax,
		logger:        logger,
		mux:           mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

// NewServerFromConfig selects storage adapters by configuration: Postgres
// for queue/events/orders when PG_DSN is set, Redis for locations when
// REDIS_ADDR is set, memory otherwise. Kafka mirroring of heartbeats is on
// when brokers are configured.
func NewServerFromConfig(cfg config.ServerConfig) (*Server, error) {
	logger := logging.NewLogger(cfg.LogLevel)

	var q queue.Queue
	var events eventlog.Log
	var orders storage.OrderStore
	if cfg.PGDSN != "" {
		pq, err := queue.NewPostgres(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		q = pq
		pl, err := eventlog.NewPostgres(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		events = pl
		po, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		orders = po
	} else {
		q = queue.NewMemory()
		events = eventlog.NewMemory()
		orders = storage.NewMemoryStore()
	}

	var locs location.Store
	if cfg.RedisAddr != "" {
		locs = location.NewRedis(cfg.RedisAddr, cfg.RedisPassword)
	} else {
		locs = location.NewMemory()
	}

	var producer assign.HeartbeatProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	regions := region.NewRegistry(cfg.Regions)
	pub := feed.NewPublisher(events, locs, logger, cfg.FeedBufferSize)
	a := &assign.Service{
		Regions:    regions,
		Queue:      q,
		Locations:  locs,
		Events:     events,
		Orders:     orders,
		Feed:       pub,
		Producer:   producer,
		Logger:     logger,
		AssignWait: cfg.AssignWait,
	}
	return NewServer(a, pub, regions, cfg.EventQueryMax, logger), nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/available", s.handleDeclareAvailable).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/offline", s.handleDeclareOffline).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/heartbeat", s.handleHeartbeat).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/active", s.handleActiveDrivers).Methods("GET")
	s.mux.HandleFunc("/api/v1/orders", s.handleOrderCreated).Methods("POST")
	s.mux.HandleFunc("/api/v1/orders/unassigned", s.handleUnassignedOrders).Methods("GET")
	s.mux.HandleFunc("/api/v1/orders/{order_id}/cancel", s.handleOrderCancelled).Methods("POST")
	s.mux.HandleFunc("/api/v1/orders/{order_id}/delivered", s.handleDeliveryCompleted).Methods("POST")
	s.mux.HandleFunc("/api/v1/events", s.handleRecentEvents).Methods("GET")
	s.mux.HandleFunc("/api/v1/regions", s.handleRegions).Methods("GET")
	s.mux.HandleFunc("/ws/feed", s.handleFeedWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// Logger exposes the server logger for auxiliary tasks owned by main.
func (s *Server) Logger() *slog.Logger { return s.logger }

func (s *Server) handleDeclareAvailable(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	var body struct {
		RegionID string `json:"region_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	entry, err := s.Assigner.DeclareAvailable(r.Context(), driverID, body.RegionID)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleDeclareOffline(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	if err := s.Assigner.DeclareOffline(r.Context(), driverID); err != nil {
		s.writeDispatchError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	var hb models.Heartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	hb.DriverID = driverID
	if err := s.Assigner.PushHeartbeat(r.Context(), hb); err != nil {
		s.writeDispatchError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActiveDrivers(w http.ResponseWriter, r *http.Request) {
	regionID := r.URL.Query().Get("region_id")
	if regionID != "" {
		drivers, err := s.Feed.ActiveDrivers(r.Context(), regionID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, drivers)
		return
	}
	// no region given: list every configured region
	all := make(map[string][]models.DriverLocationRecord)
	for _, reg := range s.Regions.All() {
		drivers, err := s.Feed.ActiveDrivers(r.Context(), reg.ID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		all[reg.ID] = drivers
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) handleOrderCreated(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OrderID  string `json:"order_id"`
		RegionID string `json:"region_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.OrderID == "" {
		body.OrderID = newID()
	}
	order, err := s.Assigner.OnOrderCreated(r.Context(), body.OrderID, body.RegionID)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (s *Server) handleOrderCancelled(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["order_id"]
	if err := s.Assigner.OnOrderCancelled(r.Context(), orderID); err != nil {
		s.writeDispatchError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeliveryCompleted(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["order_id"]
	var body struct {
		DriverID string `json:"driver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Assigner.OnDeliveryCompleted(r.Context(), orderID, body.DriverID); err != nil {
		s.writeDispatchError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnassignedOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.Assigner.UnassignedOrders(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	if limit > s.eventQueryMax {
		limit = s.eventQueryMax
	}
	regionID := r.URL.Query().Get("region_id")
	snap, err := s.Feed.Snapshot(r.Context(), limit, regionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRegions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Regions.All())
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleFeedWS(w http.ResponseWriter, r *http.Request) {
	sinceID := int64(queryInt(r, "since_id", 0))
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	// the connection outlives the request; teardown is driven by the peer
	// closing or a failed write, not the request context
	feed.ServeWS(context.Background(), s.Feed, conn, sinceID, s.logger)
}

// writeDispatchError maps domain errors onto HTTP statuses per the error
// handling contract: duplicates and bad transitions are client errors,
// unknown ids are 404s, storage failures are 500s the caller retries.
func (s *Server) writeDispatchError(w http.ResponseWriter, err error) {
	var dup *queue.DuplicateEnqueueError
	var badTransition *status.InvalidTransitionError
	var unknownRegion *region.UnknownRegionError
	switch {
	case errors.As(err, &dup), errors.As(err, &badTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.As(err, &unknownRegion),
		errors.Is(err, storage.ErrOrderNotFound),
		errors.Is(err, queue.ErrNotQueued),
		errors.Is(err, location.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, assign.ErrOrderNotAssigned), errors.Is(err, assign.ErrDriverMismatch):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.logger.Error("dispatch operation failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
