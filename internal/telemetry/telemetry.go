package telemetry

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the process counters exposed on /metrics. Each Metrics
// instance owns its registry so tests can create isolated instances.
type Metrics struct {
	registry *prometheus.Registry
	logger   *log.Logger

	ModelCalls        *prometheus.CounterVec
	ModelCallDuration *prometheus.HistogramVec
	EventsPublished   *prometheus.CounterVec
	RunsTotal         *prometheus.CounterVec
	StepsTotal        prometheus.Counter
	TurnsTotal        prometheus.Counter
	ReasoningActions  *prometheus.CounterVec
	ClarificationWait *prometheus.CounterVec
	Interventions     prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		logger:   log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		ModelCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "webpilot_model_calls_total",
			Help: "Model invocations by phase.",
		}, []string{"phase"}),
		ModelCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "webpilot_model_call_duration_seconds",
			Help:    "Model invocation latency by phase.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"phase"}),
		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "webpilot_events_published_total",
			Help: "Events published on the bus by type.",
		}, []string{"type"}),
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "webpilot_runs_total",
			Help: "Completed agent runs by outcome.",
		}, []string{"outcome"}),
		StepsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "webpilot_plan_steps_total",
			Help: "Plan steps executed.",
		}),
		TurnsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "webpilot_browser_turns_total",
			Help: "Turns taken by the browser sub-agent.",
		}),
		ReasoningActions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "webpilot_reasoning_actions_total",
			Help: "Classified reasoning traces by action tag.",
		}, []string{"action"}),
		ClarificationWait: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "webpilot_clarification_waits_total",
			Help: "Clarification handshakes by outcome (answered, timeout).",
		}, []string{"outcome"}),
		Interventions: factory.NewCounter(prometheus.CounterOpts{
			Name: "webpilot_monitor_interventions_total",
			Help: "Guidance injections from the monitoring pass.",
		}),
	}
}

// Handler serves this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveModelCall records one model invocation.
func (m *Metrics) ObserveModelCall(phase string, elapsed time.Duration, err error) {
	m.ModelCalls.WithLabelValues(phase).Inc()
	m.ModelCallDuration.WithLabelValues(phase).Observe(elapsed.Seconds())
	if err != nil {
		m.logger.Printf("model call failed: phase=%s elapsed=%v err=%v", phase, elapsed, err)
	}
}
