package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// METRICS - Prometheus instrumentation
// ═══════════════════════════════════════════════════════════════════════════════

var (
	TicksDecoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "niftybot_ticks_decoded_total",
		Help: "Ticks decoded from the market-data feed.",
	})

	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "niftybot_feed_frames_dropped_total",
		Help: "Malformed feed frames dropped.",
	})

	FeedReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "niftybot_feed_reconnects_total",
		Help: "Feed reconnect attempts.",
	})

	TicksShed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "niftybot_ticks_shed_total",
		Help: "Ticks shed because a lane queue was full.",
	})

	SignalsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "niftybot_signals_total",
		Help: "Signals emitted by kind.",
	}, []string{"kind"})

	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "niftybot_orders_total",
		Help: "Orders submitted by backend and outcome.",
	}, []string{"backend", "outcome"})

	Spot = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "niftybot_spot",
		Help: "Last underlying index price.",
	})

	DailyPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "niftybot_daily_pnl",
		Help: "Realised P&L for the current session.",
	})

	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "niftybot_open_positions",
		Help: "Currently open positions.",
	})
)

// Serve exposes /metrics on addr. No-op when addr is empty.
func Serve(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error().Err(err).Str("addr", addr).Msg("Metrics server stopped")
		}
	}()
	log.Info().Str("addr", addr).Msg("📊 Metrics server started")
}
