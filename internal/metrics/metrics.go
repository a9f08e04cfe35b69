// Package metrics provides Prometheus instrumentation for the commitment engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CommitmentsTotal counts committed commitment operations by op
	// (create, update, remove) and path (free, penalty).
	CommitmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ce_commitments_total",
		Help: "Total commitment operations committed",
	}, []string{"op", "path"})

	// CommitmentFailures counts operations rejected or rolled back, by error kind.
	CommitmentFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ce_commitment_failures_total",
		Help: "Commitment operations that did not commit",
	}, []string{"op", "kind"})

	// CUBurned accumulates CU burned by exit and side-switch penalties.
	CUBurned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ce_penalty_cu_burned_total",
		Help: "CU burned by locked-pool penalties",
	})

	// ResolutionsTotal counts settled forecasts by outcome.
	ResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ce_resolutions_total",
		Help: "Total forecasts resolved",
	}, []string{"outcome"})

	// SettlementLatency tracks the duration of the settlement transaction.
	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ce_settlement_latency_seconds",
		Help:    "Resolution settlement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	// CUPaidOut accumulates CU credited at resolution, by kind
	// (payout, bonus, burn_refund).
	CUPaidOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ce_settlement_cu_paid_total",
		Help: "CU credited to users at resolution",
	}, []string{"kind"})

	// DeadlineSweeps counts forecasts moved to PENDING by the deadline sweep.
	DeadlineSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ce_deadline_sweep_pending_total",
		Help: "Forecasts moved to PENDING after their deadline",
	})

	// NotificationFailures counts sink publish failures by sink.
	NotificationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ce_notification_failures_total",
		Help: "Post-commit notifications that failed to publish",
	}, []string{"sink"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ce_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ce_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ce_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern returns the matched chi route (e.g. /api/v1/predictions/{predictionID})
// so ids do not blow up label cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrade pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
