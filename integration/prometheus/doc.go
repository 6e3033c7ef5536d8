// Package prometheus exposes the pipeline metrics stream as Prometheus
// collectors: message counters by type and outcome, processing duration
// histograms, and retry distributions.
//
//	sink := prometheus.NewSink()
//	b, err := bus.New(reg, bus.WithMetrics(sink))
package prometheus
