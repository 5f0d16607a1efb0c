// Package metrics exposes Prometheus instrumentation for the ledger engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequests counts requests by method, path pattern and status code.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests processed.",
	}, []string{"method", "path", "status"})

	// HTTPDuration observes request latency by path pattern.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	// Transfers counts completed wallet transfers by direction.
	Transfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_transfers_total",
		Help: "Completed wallet transfers by direction.",
	}, []string{"direction"})

	// LocksCreated counts funds locked by lock type.
	LocksCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_locks_created_total",
		Help: "Funds locks created by lock type.",
	}, []string{"lock_type"})

	// LocksReleased counts lock releases by outcome.
	LocksReleased = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_locks_released_total",
		Help: "Funds locks released by outcome.",
	}, []string{"outcome"})

	// Settlements counts trade settlements by status and outcome source.
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_settlements_total",
		Help: "Trade settlements by final status and outcome source.",
	}, []string{"status", "source"})

	// ActiveTrades tracks trades currently in ACTIVE status.
	ActiveTrades = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_active_trades",
		Help: "Trades currently in ACTIVE status.",
	})

	// SweepDuration observes one settlement sweep pass.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_sweep_duration_seconds",
		Help:    "Duration of one settlement sweeper pass.",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
	})

	// WSClients tracks currently connected websocket clients.
	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_ws_clients",
		Help: "Currently connected websocket clients.",
	})

	// VersionConflicts counts optimistic-concurrency retries in the ledger.
	VersionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_version_conflicts_total",
		Help: "Wallet version conflicts that triggered a retry.",
	})
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and latency for every handler it wraps.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		path := r.URL.Path
		HTTPRequests.WithLabelValues(r.Method, path, strconv.Itoa(sw.status)).Inc()
		HTTPDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
