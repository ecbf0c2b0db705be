// Package pipeline provides the recipe execution engine for RecipeFlow-Go.
package pipeline

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics exposes engine health through a Prometheus registry.
//
// All recording methods are no-ops until the collector is enabled, so an
// engine can carry a metrics handle unconditionally and leave the decision
// to deploy-time configuration. The zero value is not usable; construct
// with NewPrometheusMetrics.
type PrometheusMetrics struct {
	activeRuns         prometheus.Gauge
	nodeLatency        *prometheus.HistogramVec
	gateRetries        *prometheus.CounterVec
	escalations        *prometheus.CounterVec
	runsTotal          *prometheus.CounterVec
	checkpointFailures prometheus.Counter

	registry prometheus.Registerer
	mu       sync.RWMutex
	enabled  bool
}

// NewPrometheusMetrics registers the engine metric set on the given
// registerer. Passing nil uses prometheus.DefaultRegisterer so the metrics
// surface through the default promhttp handler.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	pm := &PrometheusMetrics{
		registry: registry,
		enabled:  true,
	}

	factory := promauto.With(registry)

	pm.activeRuns = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "recipeflow",
		Name:      "active_runs",
		Help:      "Number of runs currently executing or suspended awaiting review",
	})

	pm.nodeLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "recipeflow",
		Name:      "node_latency_ms",
		Help:      "Node dispatch duration in milliseconds (agent call through checkpoint)",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000}, // 1ms to 10s
	}, []string{"recipe_id", "node_id", "status"}) // status mirrors the history outcome

	pm.gateRetries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recipeflow",
		Name:      "gate_retries_total",
		Help:      "Cumulative retry verdicts issued by quality gates",
	}, []string{"recipe_id", "gate_id"})

	pm.escalations = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recipeflow",
		Name:      "escalations_total",
		Help:      "Gate escalations to human review, split by voluntary vs budget-forced",
	}, []string{"recipe_id", "gate_id", "forced"}) // forced: true, false

	pm.runsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recipeflow",
		Name:      "runs_total",
		Help:      "Runs reaching a terminal status",
	}, []string{"recipe_id", "status"}) // status: completed, failed

	pm.checkpointFailures = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "recipeflow",
		Name:      "checkpoint_failures_total",
		Help:      "Checkpoint saves that failed and fell back to the in-process store",
	})

	return pm
}

// RecordNodeLatency records one node dispatch in the latency histogram.
// Status carries the history outcome of the dispatch, such as "done",
// "failed", or a gate's decision label.
func (pm *PrometheusMetrics) RecordNodeLatency(recipeID, nodeID string, latency time.Duration, status string) {
	if !pm.isEnabled() {
		return
	}

	latencyMs := float64(latency.Milliseconds())
	pm.nodeLatency.WithLabelValues(recipeID, nodeID, status).Observe(latencyMs)
}

// IncrementGateRetries counts a retry verdict issued by a gate.
func (pm *PrometheusMetrics) IncrementGateRetries(recipeID, gateID string) {
	if !pm.isEnabled() {
		return
	}

	pm.gateRetries.WithLabelValues(recipeID, gateID).Inc()
}

// IncrementEscalations counts a gate escalation. forced is true when the
// retry budget ran out and the engine escalated on the gate's behalf.
func (pm *PrometheusMetrics) IncrementEscalations(recipeID, gateID string, forced bool) {
	if !pm.isEnabled() {
		return
	}

	label := "false"
	if forced {
		label = "true"
	}
	pm.escalations.WithLabelValues(recipeID, gateID, label).Inc()
}

// RunStarted bumps the active-run gauge when a run is created. The
// gauge counts non-terminal runs, so suspension and resumption leave
// it unchanged.
func (pm *PrometheusMetrics) RunStarted() {
	if !pm.isEnabled() {
		return
	}

	pm.activeRuns.Inc()
}

// RunFinished decrements the active-run gauge and counts the terminal
// status ("completed" or "failed").
func (pm *PrometheusMetrics) RunFinished(recipeID, status string) {
	if !pm.isEnabled() {
		return
	}

	pm.activeRuns.Dec()
	pm.runsTotal.WithLabelValues(recipeID, status).Inc()
}

// IncrementCheckpointFailures counts a failed checkpoint save.
func (pm *PrometheusMetrics) IncrementCheckpointFailures() {
	if !pm.isEnabled() {
		return
	}

	pm.checkpointFailures.Inc()
}

// Disable turns all recording methods into no-ops.
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable re-activates recording after a Disable.
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

func (pm *PrometheusMetrics) isEnabled() bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}
