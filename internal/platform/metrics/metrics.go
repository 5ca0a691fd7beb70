package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns its registry so that independent instances (tests, a second
// server in-process) never collide on registration.
type Collector struct {
	Registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	InFlightGauge   prometheus.Gauge

	BookingsTotal      *prometheus.CounterVec
	AllocationRetries  prometheus.Counter
	CapacityOverrides  prometheus.Counter
	TransitionsTotal   *prometheus.CounterVec
	PaymentEventsTotal *prometheus.CounterVec
}

func NewCollector(serviceName string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		Registry: reg,

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, route, and status code.",
		}, []string{"method", "route", "status"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: serviceName,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency distribution.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"method", "route"}),

		InFlightGauge: f.NewGauge(prometheus.GaugeOpts{
			Namespace: serviceName,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),

		BookingsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "queue",
			Name:      "bookings_total",
			Help:      "Booking attempts by kind (online, walk_in, reschedule) and outcome.",
		}, []string{"kind", "outcome"}),

		AllocationRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "queue",
			Name:      "allocation_retries_total",
			Help:      "Allocation transactions retried after a serialization failure or deadlock.",
		}),

		CapacityOverrides: f.NewCounter(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "queue",
			Name:      "capacity_overrides_total",
			Help:      "Emergency walk-ins admitted beyond daily capacity.",
		}),

		TransitionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "reservation",
			Name:      "transitions_total",
			Help:      "Reservation status transitions by target status.",
		}, []string{"to"}),

		PaymentEventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "payments",
			Name:      "events_total",
			Help:      "Payment-completed events consumed by result.",
		}, []string{"result"}),
	}
}

// RegisterPool exports pgxpool connection gauges.
func (c *Collector) RegisterPool(pool *pgxpool.Pool) {
	c.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "db_pool_acquired_conns",
		Help: "Connections currently acquired from the pool.",
	}, func() float64 { return float64(pool.Stat().AcquiredConns()) }))
	c.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "db_pool_total_conns",
		Help: "Total connections held by the pool.",
	}, func() float64 { return float64(pool.Stat().TotalConns()) }))
}

func (c *Collector) BookingOutcome(kind, outcome string) {
	c.BookingsTotal.WithLabelValues(kind, outcome).Inc()
}

func (c *Collector) AllocationRetry() { c.AllocationRetries.Inc() }

func (c *Collector) CapacityOverride() { c.CapacityOverrides.Inc() }

func (c *Collector) Transition(to string) {
	c.TransitionsTotal.WithLabelValues(to).Inc()
}

func (c *Collector) PaymentEvent(result string) {
	c.PaymentEventsTotal.WithLabelValues(result).Inc()
}

// Middleware records request counts and latency keyed by the matched route
// so path parameters do not explode label cardinality.
func (c *Collector) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			c.InFlightGauge.Inc()
			defer c.InFlightGauge.Dec()

			start := time.Now()
			err := next(ctx)

			status := ctx.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := ctx.Path()
			if route == "" {
				route = "unmatched"
			}
			method := ctx.Request().Method
			c.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			c.RequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{Registry: c.Registry})
}
