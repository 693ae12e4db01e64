package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/driver-dispatch/internal/assign"
	"github.com/example/driver-dispatch/internal/eventlog"
	"github.com/example/driver-dispatch/internal/feed"
	"github.com/example/driver-dispatch/internal/location"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/queue"
	"github.com/example/driver-dispatch/internal/region"
	"github.com/example/driver-dispatch/internal/storage"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	regions := region.NewRegistry([]models.Region{
		{ID: "downtown", Name: "Downtown"},
		{ID: "uptown", Name: "Uptown"},
	})
	events := eventlog.NewMemory()
	locs := location.NewMemory()
	pub := feed.NewPublisher(events, locs, logger, 64)
	a := &assign.Service{
		Regions:    regions,
		Queue:      queue.NewMemory(),
		Locations:  locs,
		Events:     events,
		Orders:     storage.NewMemoryStore(),
		Feed:       pub,
		Logger:     logger,
		AssignWait: time.Minute,
	}
	return NewServer(a, pub, regions, 500, logger)
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	return rr
}

func TestAvailableThenOrderAssigns(t *testing.T) {
	srv := newTestServer(t)

	rr := doJSON(t, srv, "POST", "/api/v1/drivers/d1/available", map[string]string{"region_id": "downtown"})
	if rr.Code != http.StatusOK {
		t.Fatalf("available: status %d body %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, srv, "POST", "/api/v1/orders", map[string]string{"order_id": "o1", "region_id": "downtown"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("order: status %d body %s", rr.Code, rr.Body.String())
	}
	var order models.Order
	if err := json.Unmarshal(rr.Body.Bytes(), &order); err != nil {
		t.Fatal(err)
	}
	if order.Status != models.OrderAssigned || order.AssignedDriverID != "d1" {
		t.Fatalf("unexpected order: %+v", order)
	}
}

func TestOrderWithNoDriversParksUnassigned(t *testing.T) {
	srv := newTestServer(t)

	rr := doJSON(t, srv, "POST", "/api/v1/orders", map[string]string{"order_id": "o1", "region_id": "uptown"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("order: status %d", rr.Code)
	}
	var order models.Order
	if err := json.Unmarshal(rr.Body.Bytes(), &order); err != nil {
		t.Fatal(err)
	}
	if order.Status != models.OrderUnassigned {
		t.Fatalf("expected unassigned, got %s", order.Status)
	}

	rr = doJSON(t, srv, "GET", "/api/v1/orders/unassigned", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("unassigned list: status %d", rr.Code)
	}
	var orders []*models.Order
	if err := json.Unmarshal(rr.Body.Bytes(), &orders); err != nil {
		t.Fatal(err)
	}
	if len(orders) != 1 || orders[0].ID != "o1" {
		t.Fatalf("unexpected unassigned orders: %+v", orders)
	}
}

func TestDuplicateAvailableConflicts(t *testing.T) {
	srv := newTestServer(t)

	if rr := doJSON(t, srv, "POST", "/api/v1/drivers/d1/available", map[string]string{"region_id": "downtown"}); rr.Code != http.StatusOK {
		t.Fatalf("first available: %d", rr.Code)
	}
	rr := doJSON(t, srv, "POST", "/api/v1/drivers/d1/available", map[string]string{"region_id": "uptown"})
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for cross-region re-login, got %d", rr.Code)
	}
}

func TestUnknownRegionIs404(t *testing.T) {
	srv := newTestServer(t)
	rr := doJSON(t, srv, "POST", "/api/v1/drivers/d1/available", map[string]string{"region_id": "suburbs"})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown region, got %d", rr.Code)
	}
}

func TestCancelUnknownOrderIs404(t *testing.T) {
	srv := newTestServer(t)
	rr := doJSON(t, srv, "POST", "/api/v1/orders/nope/cancel", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestEventsEndpointReturnsSnapshot(t *testing.T) {
	srv := newTestServer(t)

	doJSON(t, srv, "POST", "/api/v1/drivers/d1/available", map[string]string{"region_id": "downtown"})
	doJSON(t, srv, "POST", "/api/v1/orders", map[string]string{"order_id": "o1", "region_id": "downtown"})

	rr := doJSON(t, srv, "GET", "/api/v1/events?limit=10", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("events: status %d", rr.Code)
	}
	var snap struct {
		Events []models.TrackingEvent `json:"events"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if len(snap.Events) == 0 {
		t.Fatal("expected events after login and assignment")
	}
	// newest first, strictly decreasing ids
	for i := 1; i < len(snap.Events); i++ {
		if snap.Events[i].ID >= snap.Events[i-1].ID {
			t.Fatalf("events out of order at %d: %d then %d", i, snap.Events[i-1].ID, snap.Events[i].ID)
		}
	}
}

func TestHeartbeatTransitionGuard(t *testing.T) {
	srv := newTestServer(t)

	doJSON(t, srv, "POST", "/api/v1/drivers/d1/available", map[string]string{"region_id": "downtown"})
	doJSON(t, srv, "POST", "/api/v1/orders", map[string]string{"order_id": "o1", "region_id": "downtown"})

	// assigned driver may report en_route via heartbeat
	hb := models.Heartbeat{
		RegionID: "downtown",
		Location: models.Location{Lat: 1, Lon: 2},
		Status:   models.StatusEnRoute,
		SentAt:   time.Now().Add(time.Second),
	}
	rr := doJSON(t, srv, "POST", "/api/v1/drivers/d1/heartbeat", hb)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("heartbeat: %d %s", rr.Code, rr.Body.String())
	}

	// a waiting driver cannot jump straight to delivering
	doJSON(t, srv, "POST", "/api/v1/drivers/d2/available", map[string]string{"region_id": "downtown"})
	hb.Status = models.StatusDelivering
	hb.SentAt = time.Now().Add(2 * time.Second)
	rr = doJSON(t, srv, "POST", "/api/v1/drivers/d2/heartbeat", hb)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for illegal status jump, got %d", rr.Code)
	}
}

func TestRegionsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	rr := doJSON(t, srv, "GET", "/api/v1/regions", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("regions: status %d", rr.Code)
	}
	var regions []models.Region
	if err := json.Unmarshal(rr.Body.Bytes(), &regions); err != nil {
		t.Fatal(err)
	}
	if len(regions) != 2 || regions[0].ID != "downtown" {
		t.Fatalf("unexpected regions: %+v", regions)
	}
}
