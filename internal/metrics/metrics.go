// Package metrics exposes the Prometheus collectors of the API.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Audit outcomes.
const (
	AuditWritten      = "written"
	AuditFailed       = "failed"
	AuditSyncFallback = "sync_fallback"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	authDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_denials_total",
			Help: "Requests rejected by session or access gates, by error code.",
		},
		[]string{"code"},
	)

	auditEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_entries_total",
			Help: "Audit entries handled by the recorder, by outcome.",
		},
		[]string{"outcome"},
	)

	auditQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "audit_queue_depth",
		Help: "Audit entries waiting for a worker.",
	})

	registerOnce sync.Once
)

// Init registers the collectors in the default registry. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpInFlight, httpRequestsTotal, httpRequestDuration,
			authDenials, auditEntries, auditQueueDepth)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func AuthDenied(code string) { authDenials.WithLabelValues(code).Inc() }

func AuditOutcome(outcome string) { auditEntries.WithLabelValues(outcome).Inc() }

func SetAuditQueueDepth(n int) { auditQueueDepth.Set(float64(n)) }

// statusError is implemented by errors that carry their own HTTP status,
// such as middleware.APIError.
type statusError interface {
	HTTPStatus() int
}

// Instrument records RPS, latency and in-flight requests per matched route.
func Instrument() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			httpInFlight.Inc()
			defer httpInFlight.Dec()

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				var se statusError
				if errors.As(err, &he) {
					status = he.Code
				} else if errors.As(err, &se) {
					status = se.HTTPStatus()
				} else if !c.Response().Committed {
					status = http.StatusInternalServerError
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			httpRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			return err
		}
	}
}
