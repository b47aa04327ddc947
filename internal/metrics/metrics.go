// Package metrics provides Prometheus instrumentation for the pool ledger.
package metrics

import (
	"bufio"
	"fmt"
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
	// DepositsTotal counts deposit attempts by currency and outcome
	// (credited, duplicate, timeout, not_found, failed, rejected).
	DepositsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_deposits_total",
		Help: "Deposit credit attempts by outcome",
	}, []string{"currency", "outcome"})

	// WithdrawalsTotal counts withdrawal debits by currency and outcome.
	WithdrawalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_withdrawals_total",
		Help: "Withdrawal debits by outcome",
	}, []string{"currency", "outcome"})

	// ConfirmationWait tracks how long transfer confirmation took, by verdict.
	ConfirmationWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_confirmation_wait_seconds",
		Help:    "Time spent waiting for transfer confirmation",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 20, 30, 60, 120},
	}, []string{"verdict"})

	// RebalanceBatches counts allocation and deallocation batches.
	RebalanceBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_rebalance_batches_total",
		Help: "Allocation/deallocation batches executed",
	}, []string{"op", "pool"})

	// RebalanceUserFailures counts per-user steps that failed inside a batch.
	RebalanceUserFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_rebalance_user_failures_total",
		Help: "Per-user batch steps that failed and were skipped",
	}, []string{"op", "pool"})

	// RebalanceLatency tracks batch duration including lock wait.
	RebalanceLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_rebalance_latency_seconds",
		Help:    "Allocation/deallocation batch latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// AuditViolations is the number of violations found by the last audit.
	AuditViolations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_audit_violations",
		Help: "Invariant violations found by the most recent audit",
	})

	// ExternalCalls counts calls to external collaborators by target and result.
	ExternalCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_external_calls_total",
		Help: "Calls to the external pool, swap router and payout",
	}, []string{"target", "op", "result"})

	// SnapshotsArchived counts snapshot uploads by result.
	SnapshotsArchived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_snapshots_archived_total",
		Help: "Ledger snapshots uploaded to object storage",
	}, []string{"result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5, 30, 60},
	}, []string{"method", "path"})
)

// Result maps an error to the "ok"/"error" label used by ExternalCalls.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
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

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack lets the websocket upgrade pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
