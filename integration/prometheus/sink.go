package prometheus

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sink adapts the pipeline metrics stream to Prometheus collectors.
// Pipeline metric names follow "messages.{type}.{outcome}"; the sink maps
// them onto labeled vectors so cardinality stays per message type instead
// of per metric name. Anything outside that shape lands on generic
// name-labeled collectors.
type Sink struct {
	messages  *prometheus.CounterVec
	durations *prometheus.HistogramVec
	retries   *prometheus.HistogramVec

	counters *prometheus.CounterVec
	timings  *prometheus.HistogramVec
	values   *prometheus.GaugeVec
}

// Option configures a Sink.
type Option func(*options)

type options struct {
	namespace  string
	registerer prometheus.Registerer
}

// WithNamespace overrides the metric namespace. Default "heromessaging".
func WithNamespace(ns string) Option {
	return func(o *options) {
		if ns != "" {
			o.namespace = ns
		}
	}
}

// WithRegisterer registers the collectors somewhere other than the default
// registry. Tests pass prometheus.NewRegistry here.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) {
		if r != nil {
			o.registerer = r
		}
	}
}

// NewSink creates a Prometheus-backed metrics sink.
func NewSink(opts ...Option) *Sink {
	o := &options{
		namespace:  "heromessaging",
		registerer: prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(o)
	}

	factory := promauto.With(o.registerer)
	return &Sink{
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "messages_total",
			Help:      "Messages by type and outcome",
		}, []string{"message_type", "outcome"}),
		durations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: o.namespace,
			Name:      "processing_duration_seconds",
			Help:      "Time to process a message through the pipeline",
			Buckets:   prometheus.DefBuckets,
		}, []string{"message_type"}),
		retries: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: o.namespace,
			Name:      "retries",
			Help:      "Retry count observed on failed processing",
			Buckets:   []float64{1, 2, 3, 5, 8, 13},
		}, []string{"message_type"}),
		counters: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "counter_total",
			Help:      "Counters that do not follow the per-message naming",
		}, []string{"name"}),
		timings: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: o.namespace,
			Name:      "duration_seconds",
			Help:      "Durations that do not follow the per-message naming",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"}),
		values: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: o.namespace,
			Name:      "value",
			Help:      "Values that do not follow the per-message naming",
		}, []string{"name"}),
	}
}

func (s *Sink) IncrementCounter(name string, delta int64) {
	if msgType, outcome, ok := splitMessageMetric(name); ok {
		s.messages.WithLabelValues(msgType, outcome).Add(float64(delta))
		return
	}
	s.counters.WithLabelValues(name).Add(float64(delta))
}

func (s *Sink) RecordDuration(name string, d time.Duration) {
	if msgType, outcome, ok := splitMessageMetric(name); ok && outcome == "duration" {
		s.durations.WithLabelValues(msgType).Observe(d.Seconds())
		return
	}
	s.timings.WithLabelValues(name).Observe(d.Seconds())
}

func (s *Sink) RecordValue(name string, v float64) {
	if msgType, outcome, ok := splitMessageMetric(name); ok && outcome == "retries" {
		s.retries.WithLabelValues(msgType).Observe(v)
		return
	}
	s.values.WithLabelValues(name).Set(v)
}

func splitMessageMetric(name string) (msgType, outcome string, ok bool) {
	rest, found := strings.CutPrefix(name, "messages.")
	if !found {
		return "", "", false
	}
	idx := strings.LastIndexByte(rest, '.')
	if idx <= 0 || idx == len(rest)-1 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}
