package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the Prometheus collectors of the studio server. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	stepTotal    *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	activeSteps  prometheus.Gauge

	providerRequests *prometheus.CounterVec
	providerLatency  *prometheus.HistogramVec
	providerRetries  *prometheus.CounterVec
	providerCost     prometheus.Counter

	storageOps      *prometheus.CounterVec
	rehostFallbacks *prometheus.CounterVec

	staleRecords prometheus.Counter
	progressSent *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	stepTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "studio_workflow_steps_total",
		Help: "Workflow step executions by outcome.",
	}, []string{"step", "outcome"})

	stepDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "studio_workflow_step_duration_seconds",
		Help:    "Wall time of workflow steps.",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"step"})

	activeSteps := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "studio_workflow_active_steps",
		Help: "Workflow steps currently running.",
	})

	providerRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "studio_provider_requests_total",
		Help: "AI provider task requests by operation and outcome.",
	}, []string{"operation", "outcome"})

	providerLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "studio_provider_request_duration_seconds",
		Help:    "Latency of single AI provider HTTP calls.",
		Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60},
	}, []string{"operation"})

	providerRetries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "studio_provider_retries_total",
		Help: "AI provider attempts that were retried.",
	}, []string{"operation"})

	providerCost := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "studio_provider_cost_total",
		Help: "Accumulated provider cost reported by successful tasks.",
	})

	storageOps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "studio_storage_operations_total",
		Help: "Artifact store operations by kind and outcome.",
	}, []string{"op", "outcome"})

	rehostFallbacks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "studio_rehost_fallbacks_total",
		Help: "Results kept on the provider URL because re-hosting failed.",
	}, []string{"artifact"})

	staleRecords := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "studio_stale_records_failed_total",
		Help: "Image records moved to error by the stale job sweeper.",
	})

	progressSent := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "studio_progress_events_total",
		Help: "Progress events published by outcome.",
	}, []string{"outcome"})

	registry.MustRegister(stepTotal, stepDuration, activeSteps, providerRequests, providerLatency,
		providerRetries, providerCost, storageOps, rehostFallbacks, staleRecords, progressSent)

	return &Metrics{
		registry:         registry,
		stepTotal:        stepTotal,
		stepDuration:     stepDuration,
		activeSteps:      activeSteps,
		providerRequests: providerRequests,
		providerLatency:  providerLatency,
		providerRetries:  providerRetries,
		providerCost:     providerCost,
		storageOps:       storageOps,
		rehostFallbacks:  rehostFallbacks,
		staleRecords:     staleRecords,
		progressSent:     progressSent,
	}
}

// Handler exposes the registry via HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveStep records one finished step.
func (m *Metrics) ObserveStep(step, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepTotal.WithLabelValues(step, outcome).Inc()
	m.stepDuration.WithLabelValues(step).Observe(d.Seconds())
}

func (m *Metrics) IncActiveSteps() {
	if m == nil {
		return
	}
	m.activeSteps.Inc()
}

func (m *Metrics) DecActiveSteps() {
	if m == nil {
		return
	}
	m.activeSteps.Dec()
}

// ObserveProviderCall records a single HTTP attempt against the provider.
func (m *Metrics) ObserveProviderCall(operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.providerRequests.WithLabelValues(operation, outcome).Inc()
	m.providerLatency.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *Metrics) IncProviderRetry(operation string) {
	if m == nil {
		return
	}
	m.providerRetries.WithLabelValues(operation).Inc()
}

func (m *Metrics) AddProviderCost(cost float64) {
	if m == nil || cost <= 0 {
		return
	}
	m.providerCost.Add(cost)
}

func (m *Metrics) IncStorageOp(op, outcome string) {
	if m == nil {
		return
	}
	m.storageOps.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) IncRehostFallback(artifact string) {
	if m == nil {
		return
	}
	m.rehostFallbacks.WithLabelValues(artifact).Inc()
}

func (m *Metrics) AddStaleRecords(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.staleRecords.Add(float64(n))
}

func (m *Metrics) IncProgressEvent(outcome string) {
	if m == nil {
		return
	}
	m.progressSent.WithLabelValues(outcome).Inc()
}
