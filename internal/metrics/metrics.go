// Package metrics provides Prometheus instrumentation for the settlement engine.
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
	// CommandsTotal counts engine commands by operation and result code.
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_commands_total",
		Help: "Total engine commands by operation and outcome",
	}, []string{"op", "code"})

	// CommandLatency tracks end-to-end command latency including commit.
	CommandLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_command_latency_seconds",
		Help:    "Engine command latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// OpenDeals tracks deals currently open across all markets.
	OpenDeals = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_open_deals",
		Help: "Number of currently open deals",
	})

	// Liquidations counts liquidations by mode (full, partial).
	Liquidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_liquidations_total",
		Help: "Liquidations executed",
	}, []string{"mode"})

	// BreakerTrips counts NAV posts rejected for jumping too far.
	BreakerTrips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_circuit_breaker_trips_total",
		Help: "NAV posts rejected by the jump bound",
	})

	// SocializedLosses counts settlements that paused a market on a deficit.
	SocializedLosses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_socialized_losses_total",
		Help: "Settlements whose shortfall paused the market",
	})

	// Notional tracks cumulative opened notional per market, in quote units.
	Notional = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_opened_notional_total",
		Help: "Cumulative opened notional in quote base units",
	}, []string{"market_id"})

	// PublishFailures counts events that could not be handed to a publisher.
	PublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_publish_failures_total",
		Help: "Events dropped by a post-commit publisher",
	}, []string{"publisher"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_http_request_duration_seconds",
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

// routePattern labels by the matched chi pattern, so IDs in the path do not
// blow up cardinality.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
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

// Hijack passes through so WebSocket upgrades survive the wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
