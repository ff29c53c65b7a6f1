// Package metrics provides Prometheus instrumentation for the ledger core.
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
	// BetsPlaced counts accepted bets, partitioned by provider count.
	BetsPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_bets_placed_total",
		Help: "Total number of bets accepted",
	}, []string{"providers"})

	// BetsCancelled counts cancelled bets.
	BetsCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_bets_cancelled_total",
		Help: "Total number of bets cancelled from PENDING",
	})

	// LimitRejections counts reservations rejected by the weekly limit.
	LimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_limit_rejections_total",
		Help: "Reservations rejected because the weekly limit would be exceeded",
	})

	// BetsSettled counts settled bets by final status.
	BetsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_bets_settled_total",
		Help: "Total number of bets settled",
	}, []string{"status"})

	// SettlementFailures counts bets whose settlement failed and was skipped.
	SettlementFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_settlement_failures_total",
		Help: "Bets whose settlement transaction failed",
	})

	// SettlementLatency tracks one settle pass over a draw result.
	SettlementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_settlement_latency_seconds",
		Help:    "Duration of one settlement pass in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// CommissionRows counts commission rows appended.
	CommissionRows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_commission_rows_total",
		Help: "Commission rows appended to the ledger",
	})

	// LedgerInconsistencies counts cascades aborted by a reconciliation mismatch.
	LedgerInconsistencies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_inconsistencies_total",
		Help: "Commission cascades aborted by a reconciliation mismatch",
	})

	// HierarchyWarnings counts upline walks cut short by the depth ceiling or a cycle.
	HierarchyWarnings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_hierarchy_warnings_total",
		Help: "Upline walks cut short",
	}, []string{"reason"})

	// TenantViolations counts rejected cross-tenant accesses.
	TenantViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_tenant_violations_total",
		Help: "Rejected cross-tenant reads or writes",
	})

	// WeeklyResets counts reset runs by outcome.
	WeeklyResets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_weekly_resets_total",
		Help: "Weekly reset runs",
	}, []string{"outcome"})

	// AuditDropped counts audit events that could not be delivered.
	AuditDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_audit_dropped_total",
		Help: "Audit events dropped or failed",
	})

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

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
