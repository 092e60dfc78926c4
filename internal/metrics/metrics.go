package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SignalsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "signals_created_total", Help: "Signals created"},
		[]string{"symbol", "direction"},
	)
	SignalRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "signal_rejections_total", Help: "Signal creations rejected by the lifecycle manager"},
		[]string{"reason"},
	)
	TouchSkips = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "touch_skips_total", Help: "Touch evaluations that produced no candidate"},
		[]string{"reason"},
	)
	PositionUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "position_updates_total", Help: "Position transitions emitted"},
		[]string{"level"},
	)
	FetchErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fetch_errors_total", Help: "Market data requests that failed after retries"},
		[]string{"endpoint"},
	)
	NotifyErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "notify_errors_total", Help: "Notification deliveries that failed"},
		[]string{"notifier"},
	)
	ActiveSignals = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "active_signals", Help: "Signals currently OPEN or PARTIAL"},
	)
	TrackedSymbols = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "tracked_symbols", Help: "Symbols in the current universe"},
	)
	CycleSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "poll_cycle_seconds", Help: "Duration of one poll cycle", Buckets: prometheus.DefBuckets},
	)
)

func init() {
	prometheus.MustRegister(SignalsCreated, SignalRejections, TouchSkips, PositionUpdates,
		FetchErrors, NotifyErrors, ActiveSignals, TrackedSymbols, CycleSeconds)
}

// Handler exposes the default registry for mounting on another router.
func Handler() http.Handler { return promhttp.Handler() }

func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
