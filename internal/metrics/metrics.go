// Package metrics provides Prometheus instrumentation for the market engine.
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
	// TradesTotal counts executed trades, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridprix_trades_total",
		Help: "Total number of trades executed",
	}, []string{"side"})

	// TradeLatency tracks trade execution latency.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gridprix_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// TradeRetries counts serialization conflicts that forced a retry.
	TradeRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridprix_trade_retries_total",
		Help: "Trade executions retried after a store conflict",
	})

	// RiskRejections counts trades rejected by the exposure limiter.
	RiskRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridprix_risk_rejections_total",
		Help: "Trades rejected by the exposure limiter",
	}, []string{"limit"})

	// MarketVolume tracks cumulative trade volume in shares per market.
	MarketVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridprix_market_volume_total",
		Help: "Cumulative trade volume in shares",
	}, []string{"market_id", "side"})

	// ActiveMarkets tracks the number of open markets.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gridprix_active_markets",
		Help: "Number of currently open markets",
	})

	// MarketsSettled counts markets settled, partitioned by outcome source.
	MarketsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridprix_markets_settled_total",
		Help: "Markets settled",
	}, []string{"source"})

	// SettlementPayouts sums credits paid out at settlement.
	SettlementPayouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridprix_settlement_payout_credits_total",
		Help: "Total credits paid out by settlements",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gridprix_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridprix_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gridprix_http_request_duration_seconds",
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
