// Package metrics provides Prometheus instrumentation for the prediction engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BetsTotal counts bets placed, partitioned by position.
	BetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quadmarket_bets_total",
		Help: "Total number of bets placed",
	}, []string{"position"})

	// BetLatency is the bet placement latency distribution.
	BetLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quadmarket_bet_latency_seconds",
		Help:    "Bet placement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"position"})

	// MarketsCreated counts markets created.
	MarketsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quadmarket_markets_created_total",
		Help: "Total number of markets created",
	})

	// MarketsResolved counts resolved markets, partitioned by outcome.
	MarketsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quadmarket_markets_resolved_total",
		Help: "Total number of markets resolved",
	}, []string{"outcome"})

	// SimilarityRejections counts market creations rejected as duplicates.
	SimilarityRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quadmarket_similarity_rejections_total",
		Help: "Market creations rejected by the duplicate check",
	})

	// ModerationFailures counts moderation oracle calls that errored.
	ModerationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quadmarket_moderation_failures_total",
		Help: "Moderation oracle calls that failed",
	})

	// PayoutsDistributed tracks total tokens paid out at resolution.
	PayoutsDistributed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quadmarket_payouts_distributed_total",
		Help: "Cumulative tokens distributed to winning bettors",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quadmarket_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quadmarket_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quadmarket_http_request_duration_seconds",
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
