// Package metrics provides Prometheus instrumentation for the position engine.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loanbook/position-engine/internal/apperr"
)

var (
	// SettlementsTotal counts trades closed and applied to the ledger.
	SettlementsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loanpos_settlements_total",
		Help: "Total number of trades settled into facility positions",
	})

	// SettledPar accumulates par amount transferred by settled trades.
	SettledPar = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loanpos_settled_par_total",
		Help: "Cumulative par amount transferred by trade settlement",
	})

	// PaydownsTotal counts applied paydowns, partitioned by what triggered them.
	PaydownsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loanpos_paydowns_total",
		Help: "Total number of paydowns applied",
	}, []string{"source"})

	// CommandLatency tracks end-to-end latency of ledger commands.
	CommandLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "loanpos_command_latency_seconds",
		Help:    "Ledger command latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"command"})

	// RejectionsTotal counts commands rejected with a typed error.
	RejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loanpos_rejections_total",
		Help: "Commands rejected, by command and error kind",
	}, []string{"command", "reason"})

	// HistoryRowsTotal counts appended position history rows by change type.
	HistoryRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loanpos_history_rows_total",
		Help: "Facility position history rows appended",
	}, []string{"change_type"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "loanpos_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// FeedPublishFailures counts post-commit events that could not be published.
	FeedPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loanpos_feed_publish_failures_total",
		Help: "Post-commit events that failed to publish",
	}, []string{"sink"})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loanpos_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "loanpos_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveCommand records latency for command since start and, when err is
// non-nil, a rejection labelled with the error kind.
func ObserveCommand(command string, start time.Time, err error) {
	CommandLatency.WithLabelValues(command).Observe(time.Since(start).Seconds())
	if err != nil {
		RejectionsTotal.WithLabelValues(command, Reason(err)).Inc()
	}
}

// Reason maps an error to a low-cardinality label.
func Reason(err error) string {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return "validation"
	case errors.Is(err, apperr.ErrNotFound):
		return "not_found"
	case errors.Is(err, apperr.ErrStateTransition):
		return "state_transition"
	case errors.Is(err, apperr.ErrExceedsOutstanding):
		return "exceeds_outstanding"
	case errors.Is(err, apperr.ErrInsufficientPosition):
		return "insufficient_position"
	case errors.Is(err, apperr.ErrConsistency):
		return "consistency"
	default:
		return "internal"
	}
}

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

		// Route pattern, not raw path, to keep label cardinality bounded.
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
