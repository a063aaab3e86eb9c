// Package telemetry exposes the engine's Prometheus metrics. The registry
// is self-contained so several runners can carry independent metric sets
// in one process.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	PeriodsStepped  prometheus.Counter
	ScoringDuration prometheus.Histogram
	CacheHits       *prometheus.CounterVec
	CacheMisses     *prometheus.CounterVec
	ActiveRuns      prometheus.Gauge
}

// NewMetrics creates and registers the engine's metric set.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		PeriodsStepped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "altshort_periods_stepped_total",
			Help: "Total number of backtest periods stepped",
		}),
		ScoringDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "altshort_scoring_duration_seconds",
			Help:    "Duration of per-period candidate scoring",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "altshort_cache_hits_total",
			Help: "Score cache hits by cache type",
		}, []string{"cache"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "altshort_cache_misses_total",
			Help: "Score cache misses by cache type",
		}, []string{"cache"}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "altshort_active_runs",
			Help: "Number of backtest runs currently stepping",
		}),
	}
	m.registry.MustRegister(m.PeriodsStepped, m.ScoringDuration, m.CacheHits, m.CacheMisses, m.ActiveRuns)
	return m
}

// ObserveScoring records one scoring pass duration.
func (m *Metrics) ObserveScoring(d time.Duration) {
	m.ScoringDuration.Observe(d.Seconds())
}

// Handler serves the metric set over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
