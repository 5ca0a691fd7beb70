package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func TestRequestTimeout_CompletesWithinDeadline(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil), httptest.NewRecorder())

	called := false
	handler := func(c echo.Context) error {
		called = true
		if _, ok := c.Request().Context().Deadline(); !ok {
			t.Error("expected context to have a deadline")
		}
		return c.String(http.StatusOK, "ok")
	}

	if err := RequestTimeout(5 * time.Second)(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected handler to be called")
	}
}

func TestRequestTimeout_ReturnsGatewayTimeout(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil), httptest.NewRecorder())

	handler := func(c echo.Context) error {
		select {
		case <-time.After(5 * time.Second):
			return c.String(http.StatusOK, "ok")
		case <-c.Request().Context().Done():
			return c.Request().Context().Err()
		}
	}

	err := RequestTimeout(20 * time.Millisecond)(handler)(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != http.StatusGatewayTimeout {
		t.Errorf("expected 504, got %d", httpErr.Code)
	}
}

func TestRequestTimeout_PropagatesHandlerError(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/reservations/x", nil), httptest.NewRecorder())

	handler := func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}

	err := RequestTimeout(5 * time.Second)(handler)(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", httpErr.Code)
	}
}
