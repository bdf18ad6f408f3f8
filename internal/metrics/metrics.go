package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// States reported by the experiment state gauge.
var states = []string{"idle", "running", "aborting", "done"}

// Metrics holds the driver's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	// Pool metrics
	workersLive   prometheus.Gauge
	workersTarget prometheus.Gauge
	phase         prometheus.Gauge
	degradedSlots prometheus.Counter

	// Worker metrics
	launches       *prometheus.CounterVec
	exits          *prometheus.CounterVec
	workerLifetime prometheus.Histogram

	// Experiment metrics
	experimentState *prometheus.GaugeVec
	experiments     *prometheus.CounterVec
}

// New creates the collectors. Call Register to expose them.
func New() *Metrics {
	return &Metrics{
		workersLive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "loaddriver_workers_live",
				Help: "Number of worker processes currently running",
			},
		),

		workersTarget: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "loaddriver_workers_target",
				Help: "Concurrency target of the current phase",
			},
		),

		phase: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "loaddriver_phase_index",
				Help: "Index of the phase currently in effect",
			},
		),

		degradedSlots: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "loaddriver_degraded_slots_total",
				Help: "Worker slots abandoned after repeated launch failures",
			},
		),

		launches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loaddriver_worker_launches_total",
				Help: "Worker launch attempts by result",
			},
			[]string{"result"},
		),

		exits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loaddriver_worker_exits_total",
				Help: "Worker exits by outcome",
			},
			[]string{"outcome"},
		),

		workerLifetime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "loaddriver_worker_lifetime_seconds",
				Help:    "Time from worker launch to exit",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
			},
		),

		experimentState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "loaddriver_experiment_state",
				Help: "1 for the state the experiment slot is in, 0 otherwise",
			},
			[]string{"state"},
		),

		experiments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loaddriver_experiments_total",
				Help: "Finished experiments by end reason",
			},
			[]string{"reason"},
		),
	}
}

// Register registers all metrics with Prometheus
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		m.workersLive,
		m.workersTarget,
		m.phase,
		m.degradedSlots,
		m.launches,
		m.exits,
		m.workerLifetime,
		m.experimentState,
		m.experiments,
	}

	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			// Ignore already registered errors
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.SetState("idle")
	return nil
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// --- Metric update methods ---

func (m *Metrics) SetLive(n int) {
	if m == nil {
		return
	}
	m.workersLive.Set(float64(n))
}

// SetPhase records the phase index and its concurrency target.
func (m *Metrics) SetPhase(index, target int) {
	if m == nil {
		return
	}
	m.phase.Set(float64(index))
	m.workersTarget.Set(float64(target))
}

// RecordLaunch counts one launch attempt.
func (m *Metrics) RecordLaunch(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.launches.WithLabelValues(result).Inc()
}

// RecordExit counts a worker exit. Outcome is "ok", "error" or "killed".
func (m *Metrics) RecordExit(outcome string, lifetime time.Duration) {
	if m == nil {
		return
	}
	m.exits.WithLabelValues(outcome).Inc()
	m.workerLifetime.Observe(lifetime.Seconds())
}

func (m *Metrics) RecordDegraded() {
	if m == nil {
		return
	}
	m.degradedSlots.Inc()
}

// SetState marks state as the current experiment state.
func (m *Metrics) SetState(state string) {
	if m == nil {
		return
	}
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		m.experimentState.WithLabelValues(s).Set(v)
	}
}

// RecordExperiment counts a finished experiment.
func (m *Metrics) RecordExperiment(reason string) {
	if m == nil {
		return
	}
	m.experiments.WithLabelValues(reason).Inc()
}
