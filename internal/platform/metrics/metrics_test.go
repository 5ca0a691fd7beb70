package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewCollector_Independent(t *testing.T) {
	a := NewCollector("clinicq")
	b := NewCollector("clinicq")

	a.AllocationRetry()
	if got := testutil.ToFloat64(b.AllocationRetries); got != 0 {
		t.Errorf("expected collectors not to share state, got %v", got)
	}
	if got := testutil.ToFloat64(a.AllocationRetries); got != 1 {
		t.Errorf("expected 1 retry, got %v", got)
	}
}

func TestCollector_DomainCounters(t *testing.T) {
	c := NewCollector("clinicq")
	c.BookingOutcome("online", "booked")
	c.BookingOutcome("online", "booked")
	c.BookingOutcome("walk_in", "capacity_exceeded")
	c.CapacityOverride()
	c.Transition("waiting")
	c.PaymentEvent("settled")

	if got := testutil.ToFloat64(c.BookingsTotal.WithLabelValues("online", "booked")); got != 2 {
		t.Errorf("expected 2 online bookings, got %v", got)
	}
	if got := testutil.ToFloat64(c.BookingsTotal.WithLabelValues("walk_in", "capacity_exceeded")); got != 1 {
		t.Errorf("expected 1 rejected walk-in, got %v", got)
	}
	if got := testutil.ToFloat64(c.CapacityOverrides); got != 1 {
		t.Errorf("expected 1 override, got %v", got)
	}
	if got := testutil.ToFloat64(c.TransitionsTotal.WithLabelValues("waiting")); got != 1 {
		t.Errorf("expected 1 transition, got %v", got)
	}
	if got := testutil.ToFloat64(c.PaymentEventsTotal.WithLabelValues("settled")); got != 1 {
		t.Errorf("expected 1 payment event, got %v", got)
	}
}

func TestMiddleware_RecordsRoute(t *testing.T) {
	c := NewCollector("clinicq")
	e := echo.New()
	e.Use(c.Middleware())
	e.GET("/api/v1/reservations/:id", func(ctx echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "reservation not found")
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/reservations/abc", nil))

	got := testutil.ToFloat64(c.RequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/reservations/:id", "404"))
	if got != 1 {
		t.Errorf("expected 1 request recorded under route label, got %v", got)
	}
	if testutil.ToFloat64(c.InFlightGauge) != 0 {
		t.Error("expected in-flight gauge back to zero")
	}
}

func TestHandler_ExposesMetrics(t *testing.T) {
	c := NewCollector("clinicq")
	c.CapacityOverride()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "clinicq_queue_capacity_overrides_total 1") {
		t.Error("expected capacity override counter in exposition")
	}
}
