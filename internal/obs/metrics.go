package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	BarsInjectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "bars_injected_total", Help: "Bars written into the quote store"},
	)
	BarsDuplicateTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "bars_duplicate_total", Help: "Bars skipped as already applied"},
	)
	ScansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "scans_total", Help: "Strategy evaluation runs"},
		[]string{"outcome"},
	)
	ScanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scan_duration_seconds",
			Help:    "Strategy evaluation wall time",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)
	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "signals_total", Help: "Signals detected"},
		[]string{"type"},
	)
	AlertsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "alerts_dispatched_total", Help: "Alert channel deliveries"},
		[]string{"channel", "outcome"},
	)
	TradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "trades_total", Help: "Trade requests by terminal status"},
		[]string{"status"},
	)
	FeedReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "feed_reconnects_total", Help: "Feed connection drops"},
	)
)

func init() {
	prometheus.MustRegister(
		BarsInjectedTotal,
		BarsDuplicateTotal,
		ScansTotal,
		ScanDuration,
		SignalsTotal,
		AlertsDispatchedTotal,
		TradesTotal,
		FeedReconnectsTotal,
	)
}

// Outcome labels an attempt counter by result.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
