package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gridbot/logger"
)

// Order lifecycle counters
var (
	OrdersPlaced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gridbot",
			Subsystem: "grid",
			Name:      "orders_placed_total",
			Help:      "Total grid orders placed",
		},
		[]string{"symbol", "side"},
	)

	OrdersFilled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gridbot",
			Subsystem: "grid",
			Name:      "orders_filled_total",
			Help:      "Total grid order fills detected",
		},
		[]string{"symbol", "side"},
	)

	OrdersCancelled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gridbot",
			Subsystem: "grid",
			Name:      "orders_cancelled_total",
			Help:      "Total grid orders cancelled",
		},
		[]string{"symbol"},
	)
)

// Risk and protection counters
var (
	CyclesClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gridbot",
			Subsystem: "risk",
			Name:      "cycles_closed_total",
			Help:      "Risk cycles closed, by outcome",
		},
		[]string{"symbol", "reason"},
	)

	ProtectionTriggers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gridbot",
			Subsystem: "risk",
			Name:      "protection_triggers_total",
			Help:      "Protective actions fired, by layer and action",
		},
		[]string{"layer", "action"},
	)
)

// Account gauges, refreshed each tick
var (
	MarginPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gridbot",
			Subsystem: "account",
			Name:      "margin_percent",
			Help:      "Available margin as a fraction of balance",
		},
	)

	AccumulatedPnL = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gridbot",
			Subsystem: "risk",
			Name:      "session_accumulated_pnl_usd",
			Help:      "Session realized PnL across closed cycles",
		},
	)

	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "gridbot",
			Subsystem: "loop",
			Name:      "tick_duration_ms",
			Help:      "Control loop tick duration in milliseconds",
			Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2500, 5000},
		},
	)
)

// Serve starts the /metrics listener on the given port. Runs in its own
// goroutine as a read-only consumer; it never touches core state.
func Serve(port int) {
	if port <= 0 {
		return
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		logger.Infof("[Metrics] serving /metrics on :%d", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warnf("[Metrics] listener stopped: %v", err)
		}
	}()
}
