// Package metrics provides Prometheus instrumentation for the pipeline
// daemon: per-stage latencies, cycle and skipped-tick counters, error
// counters by component, cleaning-action counters by tag, and the current
// process phase.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the pipeline.
type Metrics struct {
	fetchDuration   prometheus.Histogram
	cleanDuration   prometheus.Histogram
	computeDuration prometheus.Histogram
	publishDuration prometheus.Histogram

	cyclesTotal  prometheus.Counter
	ticksSkipped prometheus.Counter
	errorsTotal  *prometheus.CounterVec

	cleaningActions *prometheus.CounterVec
	alertsTotal     *prometheus.CounterVec

	phase       prometheus.Gauge
	lastCycleTS prometheus.Gauge
}

// New creates and registers all pipeline metrics with the default
// registry. All metrics carry the vessel as a const label so multiple
// pipeline instances can share a registry.
func New(vessel string) *Metrics {
	labels := prometheus.Labels{"vessel": vessel}

	return &Metrics{
		fetchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:        "biopipe_fetch_duration_seconds",
			Help:        "Time spent fetching raw windows from the source.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		cleanDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:        "biopipe_clean_duration_seconds",
			Help:        "Time spent cleaning raw windows.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		computeDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:        "biopipe_compute_duration_seconds",
			Help:        "Time spent computing feature vectors.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		publishDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:        "biopipe_publish_duration_seconds",
			Help:        "Time spent publishing feature records to the store.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		cyclesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "biopipe_cycles_total",
			Help:        "Completed processing cycles.",
			ConstLabels: labels,
		}),
		ticksSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "biopipe_ticks_skipped_total",
			Help:        "Scheduler ticks skipped because a cycle was still in flight.",
			ConstLabels: labels,
		}),
		errorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "biopipe_errors_total",
			Help:        "Errors by pipeline component.",
			ConstLabels: labels,
		}, []string{"component"}),
		cleaningActions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "biopipe_cleaning_actions_total",
			Help:        "Cleaning actions applied, by tag and action.",
			ConstLabels: labels,
		}, []string{"tag", "action"}),
		alertsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "biopipe_alerts_total",
			Help:        "Alerts raised, by level and category.",
			ConstLabels: labels,
		}, []string{"level", "category"}),
		phase: promauto.NewGauge(prometheus.GaugeOpts{
			Name:        "biopipe_process_phase",
			Help:        "Current process phase (0=lag, 1=exponential, 2=stationary).",
			ConstLabels: labels,
		}),
		lastCycleTS: promauto.NewGauge(prometheus.GaugeOpts{
			Name:        "biopipe_last_cycle_timestamp_seconds",
			Help:        "Unix time of the last completed cycle.",
			ConstLabels: labels,
		}),
	}
}

// ObserveFetch records the duration of a window fetch in seconds.
func (m *Metrics) ObserveFetch(seconds float64) { m.fetchDuration.Observe(seconds) }

// ObserveClean records the duration of a cleaning pass in seconds.
func (m *Metrics) ObserveClean(seconds float64) { m.cleanDuration.Observe(seconds) }

// ObserveCompute records the duration of feature computation in seconds.
func (m *Metrics) ObserveCompute(seconds float64) { m.computeDuration.Observe(seconds) }

// ObservePublish records the duration of a store publish in seconds.
func (m *Metrics) ObservePublish(seconds float64) { m.publishDuration.Observe(seconds) }

// IncCycles increments the completed-cycle counter and stamps the
// last-cycle gauge.
func (m *Metrics) IncCycles(unixSeconds float64) {
	m.cyclesTotal.Inc()
	m.lastCycleTS.Set(unixSeconds)
}

// IncSkippedTick increments the skipped-tick counter.
func (m *Metrics) IncSkippedTick() { m.ticksSkipped.Inc() }

// IncError increments the error counter for a component ("fetch", "clean",
// "compute", "publish").
func (m *Metrics) IncError(component string) {
	m.errorsTotal.WithLabelValues(component).Inc()
}

// AddCleaningAction adds to the per-tag cleaning action counter. Action is
// one of "missing", "interpolated", "kalman_filtered", "outlier", "invalid".
func (m *Metrics) AddCleaningAction(tag, action string, n int) {
	if n <= 0 {
		return
	}
	m.cleaningActions.WithLabelValues(tag, action).Add(float64(n))
}

// IncAlert increments the alert counter for a level/category pair.
func (m *Metrics) IncAlert(level, category string) {
	m.alertsTotal.WithLabelValues(level, category).Inc()
}

// SetPhase records the current process phase.
func (m *Metrics) SetPhase(phase int) { m.phase.Set(float64(phase)) }
