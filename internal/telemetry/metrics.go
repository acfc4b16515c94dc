package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var workerStates = []string{"disconnected", "connecting", "ready", "draining"}

// Metrics implements Hooks on a private Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests  *prometheus.CounterVec
	httpLatency   *prometheus.HistogramVec
	httpInflight  prometheus.Gauge
	batches       *prometheus.CounterVec
	batchSize     prometheus.Histogram
	groupSize     prometheus.Histogram
	inferenceTime prometheus.Histogram
	itemErrors    *prometheus.CounterVec
	workerState   *prometheus.GaugeVec
	workerChanges *prometheus.CounterVec
	ready         prometheus.Gauge
	probeLatency  prometheus.Histogram
	probeFailures prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "ventu"
	}
	registry := prometheus.NewRegistry()
	sizeBuckets := prometheus.ExponentialBuckets(1, 2, 10)
	m := &Metrics{
		registry: registry,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		httpInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_inflight_requests",
			Help:      "HTTP requests currently being served.",
		}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Grouped inference calls by outcome.",
		}, []string{"status"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Items received per batch.",
			Buckets:   sizeBuckets,
		}),
		groupSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_group_size",
			Help:      "Items that reached inference per batch.",
			Buckets:   sizeBuckets,
		}),
		inferenceTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_duration_seconds",
			Help:      "Latency of grouped inference calls.",
			Buckets:   prometheus.DefBuckets,
		}),
		itemErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "item_errors_total",
			Help:      "Per-item errors by kind.",
		}, []string{"kind"}),
		workerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_state",
			Help:      "1 for the current broker connection state.",
		}, []string{"state"}),
		workerChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_state_transitions_total",
			Help:      "Broker connection state transitions by target state.",
		}, []string{"state"}),
		ready: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ready",
			Help:      "1 when example traffic passed the full pipeline.",
		}),
		probeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_duration_seconds",
			Help:      "Readiness probe latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		probeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_failures_total",
			Help:      "Failed readiness probes.",
		}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpLatency,
		m.httpInflight,
		m.batches,
		m.batchSize,
		m.groupSize,
		m.inferenceTime,
		m.itemErrors,
		m.workerState,
		m.workerChanges,
		m.ready,
		m.probeLatency,
		m.probeFailures,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) OnHTTPRequestStart(_ context.Context, _ string, _ string) {
	m.httpInflight.Inc()
}

func (m *Metrics) OnHTTPRequestDone(
	_ context.Context,
	route string,
	_ string,
	statusCode int,
	duration time.Duration,
	_ error,
) {
	m.httpInflight.Dec()
	m.httpRequests.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	m.httpLatency.WithLabelValues(route).Observe(duration.Seconds())
}

func (m *Metrics) OnBatch(
	_ context.Context,
	batchSize int,
	groupSize int,
	inferenceTime time.Duration,
	err error,
) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.batches.WithLabelValues(status).Inc()
	m.batchSize.Observe(float64(max(batchSize, 0)))
	m.groupSize.Observe(float64(max(groupSize, 0)))
	if inferenceTime > 0 {
		m.inferenceTime.Observe(inferenceTime.Seconds())
	}
}

func (m *Metrics) OnItemError(_ context.Context, kind string) {
	m.itemErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) OnWorkerState(state string) {
	for _, known := range workerStates {
		value := 0.0
		if known == state {
			value = 1.0
		}
		m.workerState.WithLabelValues(known).Set(value)
	}
	m.workerChanges.WithLabelValues(state).Inc()
}

func (m *Metrics) OnProbe(ready bool, latency time.Duration, err error) {
	if ready {
		m.ready.Set(1)
	} else {
		m.ready.Set(0)
	}
	if latency > 0 {
		m.probeLatency.Observe(latency.Seconds())
	}
	if err != nil {
		m.probeFailures.Inc()
	}
}
