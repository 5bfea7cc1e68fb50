package reconciler

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records sweep activity. A nil *Metrics records nothing.
type Metrics struct {
	registry       *prometheus.Registry
	sweeps         *prometheus.CounterVec
	entries        *prometheus.CounterVec
	oracleFailures *prometheus.CounterVec
	sweepDuration  prometheus.Histogram
	lastSweep      prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	sweeps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_sweeps_total",
		Help: "Total sweeps",
	}, []string{"result"})

	entries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_entries_total",
		Help: "Total entry actions taken by sweeps",
	}, []string{"action"})

	oracleFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_oracle_failures_total",
		Help: "Total failed oracle calls",
	}, []string{"op"})

	sweepDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "reconciler_sweep_duration_seconds",
		Help:    "Sweep duration",
		Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
	})

	lastSweep := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reconciler_last_sweep_timestamp_seconds",
		Help: "Finish time of the last sweep",
	})

	registry.MustRegister(sweeps, entries, oracleFailures, sweepDuration, lastSweep)

	return &Metrics{
		registry:       registry,
		sweeps:         sweeps,
		entries:        entries,
		oracleFailures: oracleFailures,
		sweepDuration:  sweepDuration,
		lastSweep:      lastSweep,
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveSweep(result string, started, finished time.Time) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(result).Inc()
	m.sweepDuration.Observe(finished.Sub(started).Seconds())
	m.lastSweep.Set(float64(finished.Unix()))
}

func (m *Metrics) ObserveEntry(action string) {
	if m == nil {
		return
	}
	m.entries.WithLabelValues(action).Inc()
}

func (m *Metrics) ObserveOracleFailure(op string) {
	if m == nil {
		return
	}
	m.oracleFailures.WithLabelValues(op).Inc()
}
