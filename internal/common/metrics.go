package common

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "landmarks"

var modelStates = []string{"uninitialized", "loading", "ready", "failed"}

// Metrics owns a private registry so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	predictions       *prometheus.CounterVec
	metadataMisses    prometheus.Counter
	modelLoads        *prometheus.CounterVec
	modelLoadDuration prometheus.Histogram
	inferenceDuration *prometheus.HistogramVec
	modelState        *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "predictions_total",
			Help:      "Classification requests by outcome.",
		}, []string{"outcome"}),
		metadataMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "metadata_misses_total",
			Help:      "Ranked classes that had no record in the metadata store.",
		}),
		modelLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "model_loads_total",
			Help:      "Model load attempts by result.",
		}, []string{"result"}),
		modelLoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "model_load_duration_seconds",
			Help:      "Time spent loading the model.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		inferenceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "inference_duration_seconds",
			Help:      "Forward pass latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),
		modelState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "model_state",
			Help:      "1 for the current model lifecycle state, 0 otherwise.",
		}, []string{"state"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.predictions,
		m.metadataMisses,
		m.modelLoads,
		m.modelLoadDuration,
		m.inferenceDuration,
		m.modelState,
	)
	m.StateChanged("uninitialized")
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) PredictionServed(outcome string) {
	m.predictions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) MetadataMiss() {
	m.metadataMisses.Inc()
}

func (m *Metrics) ModelLoaded(d time.Duration, err error) {
	m.modelLoads.WithLabelValues(resultLabel(err)).Inc()
	m.modelLoadDuration.Observe(d.Seconds())
}

func (m *Metrics) ForwardPass(d time.Duration, err error) {
	m.inferenceDuration.WithLabelValues(resultLabel(err)).Observe(d.Seconds())
}

func (m *Metrics) StateChanged(state string) {
	for _, s := range modelStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.modelState.WithLabelValues(s).Set(v)
	}
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
