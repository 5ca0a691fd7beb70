package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func TestRequestID_GeneratesNew(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		rid := c.Get("request_id").(string)
		if rid == "" {
			t.Error("expected request_id to be generated")
		}
		return c.String(http.StatusOK, "ok")
	}

	if err := RequestID()(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected X-Request-ID response header")
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "my-custom-id")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		rid := c.Get("request_id").(string)
		if rid != "my-custom-id" {
			t.Errorf("expected my-custom-id, got %s", rid)
		}
		return c.String(http.StatusOK, "ok")
	}

	_ = RequestID()(handler)(c)

	if rec.Header().Get(RequestIDHeader) != "my-custom-id" {
		t.Errorf("expected my-custom-id in response header, got %s", rec.Header().Get(RequestIDHeader))
	}
}

func TestRequestID_ReplacesOversized(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("x", 500))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	_ = RequestID()(func(c echo.Context) error { return nil })(c)

	if got := rec.Header().Get(RequestIDHeader); len(got) != 36 {
		t.Errorf("expected generated uuid, got %q", got)
	}
}

func TestLogger_LogsRequest(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("request_id", "req-1")

	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}

	if err := Logger(logger)(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected one JSON log line, got %q", buf.String())
	}
	if line["level"] != "info" || line["request_id"] != "req-1" || line["status"] != float64(200) {
		t.Errorf("unexpected log line: %v", line)
	}
}

func TestLogger_ErrorLevels(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		level string
	}{
		{"client error", echo.NewHTTPError(http.StatusConflict, "capacity exceeded"), "warn"},
		{"server error", echo.NewHTTPError(http.StatusServiceUnavailable, "try later"), "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			e := echo.New()
			c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), httptest.NewRecorder())

			err := Logger(zerolog.New(&buf))(func(echo.Context) error { return tt.err })(c)
			if !errors.Is(err, tt.err) {
				t.Fatalf("expected handler error to pass through, got %v", err)
			}
			var line map[string]interface{}
			if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
				t.Fatalf("decode log: %v", err)
			}
			if line["level"] != tt.level {
				t.Errorf("expected level %s, got %v", tt.level, line["level"])
			}
		})
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	logger := zerolog.Nop()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		panic("test panic")
	}

	err := Recovery(logger)(handler)(c)
	if err == nil {
		t.Fatal("expected error from recovered panic")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", httpErr.Code)
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/ok", nil), httptest.NewRecorder())

	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}

	if err := Recovery(zerolog.Nop())(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
