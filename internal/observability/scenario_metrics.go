package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ScenarioCollector tracks simulator progress: injected events, simulated
// time and how long each control-loop step takes on the host.
type ScenarioCollector struct {
	gatherer prometheus.Gatherer

	Events       *prometheus.CounterVec
	SimSeconds   prometheus.Gauge
	StepDuration prometheus.Histogram
	Nodes        prometheus.Gauge
}

// NewScenarioCollector registers simulator metrics against reg, defaulting
// to the global Prometheus registry when nil.
func NewScenarioCollector(reg prometheus.Registerer) (*ScenarioCollector, error) {
	reg, gatherer := registryPair(reg)

	events, err := registerOrExisting(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scenario_events_total",
		Help: "Scripted scenario events applied, labeled by kind.",
	}, []string{"kind"}), "scenario_events_total")
	if err != nil {
		return nil, err
	}
	simSeconds, err := registerOrExisting(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scenario_sim_seconds",
		Help: "Simulated seconds elapsed since the scenario started.",
	}), "scenario_sim_seconds")
	if err != nil {
		return nil, err
	}
	step, err := registerOrExisting(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "scenario_step_duration_seconds",
		Help:    "Host time spent ticking every simulated node once.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
	}), "scenario_step_duration_seconds")
	if err != nil {
		return nil, err
	}
	nodes, err := registerOrExisting(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scenario_nodes",
		Help: "Simulated nodes attached to the medium.",
	}), "scenario_nodes")
	if err != nil {
		return nil, err
	}

	return &ScenarioCollector{
		gatherer:     gatherer,
		Events:       events,
		SimSeconds:   simSeconds,
		StepDuration: step,
		Nodes:        nodes,
	}, nil
}

// ObserveEvent counts one applied event.
func (c *ScenarioCollector) ObserveEvent(kind string) {
	if c == nil {
		return
	}
	c.Events.WithLabelValues(kind).Inc()
}

// ObserveStep records one simulation step.
func (c *ScenarioCollector) ObserveStep(elapsed time.Duration, took time.Duration) {
	if c == nil {
		return
	}
	c.SimSeconds.Set(elapsed.Seconds())
	c.StepDuration.Observe(took.Seconds())
}

// SetNodes records the simulated population.
func (c *ScenarioCollector) SetNodes(n int) {
	if c == nil {
		return
	}
	c.Nodes.Set(float64(n))
}

// Handler exposes a ready-to-use /metrics handler.
func (c *ScenarioCollector) Handler() http.Handler {
	return Handler(c.gatherer)
}
