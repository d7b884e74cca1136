// Package observability exposes the Prometheus instruments of the service.
package observability

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/mnemo/internal/engine"
)

const namespace = "mnemo"

// Metrics groups all Prometheus instruments used by the service. It
// implements the observer interfaces of the engine guard, the injector and
// the persist queue.
type Metrics struct {
	registry *prometheus.Registry

	Answers        *prometheus.CounterVec
	AnswerLatency  prometheus.Histogram
	ModelCalls     *prometheus.CounterVec
	ModelLatency   *prometheus.HistogramVec
	Summarizations *prometheus.CounterVec
	Flushes        *prometheus.CounterVec
	PersistTasks   *prometheus.CounterVec
	PersistFailure *prometheus.CounterVec
	Evictions      *prometheus.CounterVec
}

// NewMetrics registers every instrument on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Answers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answers_total",
			Help:      "Answered questions by outcome.",
		}, []string{"outcome"}),
		AnswerLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "answer_latency_seconds",
			Help:      "Time to answer a question, memory assembly included.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60},
		}),
		ModelCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_calls_total",
			Help:      "Model calls by operation and outcome.",
		}, []string{"op", "outcome"}),
		ModelLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_call_seconds",
			Help:      "Model call latency by operation.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"op"}),
		Summarizations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summarizations_total",
			Help:      "Budget summarizations by resource and outcome.",
		}, []string{"resource", "outcome"}),
		Flushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "injector_flushes_total",
			Help:      "Intermediate responses generated to recover from overflow, by resource.",
		}, []string{"resource"}),
		PersistTasks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_tasks_total",
			Help:      "Background persistence task events by status.",
		}, []string{"status"}),
		PersistFailure: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Background persistence failures by stage.",
		}, []string{"stage"}),
		Evictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Records evicted and folded into the semantic index, by kind.",
		}, []string{"kind"}),
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, engine.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, engine.ErrModelUnavailable):
		return "unavailable"
	case errors.Is(err, engine.ErrInvalidModel):
		return "invalid_model"
	default:
		return "error"
	}
}

// ObserveAnswer records one answered (or failed) question.
func (m *Metrics) ObserveAnswer(d time.Duration, err error) {
	m.Answers.WithLabelValues(outcome(err)).Inc()
	if err == nil {
		m.AnswerLatency.Observe(d.Seconds())
	}
}

// ObserveModelCall implements engine.CallObserver.
func (m *Metrics) ObserveModelCall(op string, d time.Duration, err error) {
	m.ModelCalls.WithLabelValues(op, outcome(err)).Inc()
	m.ModelLatency.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveSummarization implements composer.Observer.
func (m *Metrics) ObserveSummarization(resource string, err error) {
	o := "ok"
	if err != nil {
		o = "error"
	}
	m.Summarizations.WithLabelValues(resource, o).Inc()
}

// ObserveFlush implements composer.Observer.
func (m *Metrics) ObserveFlush(resource string) {
	m.Flushes.WithLabelValues(resource).Inc()
}

// ObserveTask implements persist.Observer.
func (m *Metrics) ObserveTask(status string) {
	m.PersistTasks.WithLabelValues(status).Inc()
}

// ObserveStageFailure implements persist.StageObserver.
func (m *Metrics) ObserveStageFailure(stage string) {
	m.PersistFailure.WithLabelValues(stage).Inc()
}

// ObserveEviction implements persist.StageObserver.
func (m *Metrics) ObserveEviction(kind string) {
	m.Evictions.WithLabelValues(kind).Inc()
}

// Registry returns the registry the instruments live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
