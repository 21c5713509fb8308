// Package telemetry exposes the connector's Prometheus metrics. Every metric
// is a no-op until InitializeTelemetry and InitMetrics have run, so packages
// can record unconditionally.
package telemetry

import (
	"net/http"

	"github.com/maxpert/oplogcdc/cfg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const namespace = "oplogcdc"

var registry *prometheus.Registry

type Counter interface {
	Inc()
	Add(float64)
}

type Gauge interface {
	Set(float64)
}

type Histogram interface {
	Observe(float64)
}

// Labeled metrics take label values in declaration order
type CounterVec interface {
	With(labels ...string) Counter
}

type GaugeVec interface {
	With(labels ...string) Gauge
}

type HistogramVec interface {
	With(labels ...string) Histogram
}

// NoopStat satisfies Counter, Gauge and Histogram and discards everything
type NoopStat struct{}

func (NoopStat) Inc()            {}
func (NoopStat) Add(float64)     {}
func (NoopStat) Set(float64)     {}
func (NoopStat) Observe(float64) {}

type noopCounterVec struct{}
type noopGaugeVec struct{}
type noopHistogramVec struct{}

func (noopCounterVec) With(...string) Counter     { return NoopStat{} }
func (noopGaugeVec) With(...string) Gauge         { return NoopStat{} }
func (noopHistogramVec) With(...string) Histogram { return NoopStat{} }

type counterVec struct{ vec *prometheus.CounterVec }
type gaugeVec struct{ vec *prometheus.GaugeVec }
type histogramVec struct{ vec *prometheus.HistogramVec }

func (c counterVec) With(labels ...string) Counter     { return c.vec.WithLabelValues(labels...) }
func (g gaugeVec) With(labels ...string) Gauge         { return g.vec.WithLabelValues(labels...) }
func (h histogramVec) With(labels ...string) Histogram { return h.vec.WithLabelValues(labels...) }

// opts fills the fields shared by every metric. The connector label carries
// the logical server name so several connectors can share one scrape target.
func opts(name, help string) prometheus.Opts {
	return prometheus.Opts{
		Namespace:   namespace,
		Name:        name,
		Help:        help,
		ConstLabels: prometheus.Labels{"connector": cfg.Config.Name},
	}
}

func histogramOpts(name, help string, buckets []float64) prometheus.HistogramOpts {
	o := opts(name, help)
	return prometheus.HistogramOpts{
		Namespace:   o.Namespace,
		Name:        o.Name,
		Help:        o.Help,
		ConstLabels: o.ConstLabels,
		Buckets:     buckets,
	}
}

func register[T prometheus.Collector](c T) T {
	registry.MustRegister(c)
	return c
}

func NewCounter(name, help string) Counter {
	if registry == nil {
		return NoopStat{}
	}
	return register(prometheus.NewCounter(prometheus.CounterOpts(opts(name, help))))
}

func NewGauge(name, help string) Gauge {
	if registry == nil {
		return NoopStat{}
	}
	return register(prometheus.NewGauge(prometheus.GaugeOpts(opts(name, help))))
}

// NewHistogram creates a histogram; nil buckets use the Prometheus defaults
func NewHistogram(name, help string, buckets []float64) Histogram {
	if registry == nil {
		return NoopStat{}
	}
	return register(prometheus.NewHistogram(histogramOpts(name, help, buckets)))
}

func NewCounterVec(name, help string, labels []string) CounterVec {
	if registry == nil {
		return noopCounterVec{}
	}
	return counterVec{register(prometheus.NewCounterVec(prometheus.CounterOpts(opts(name, help)), labels))}
}

func NewGaugeVec(name, help string, labels []string) GaugeVec {
	if registry == nil {
		return noopGaugeVec{}
	}
	return gaugeVec{register(prometheus.NewGaugeVec(prometheus.GaugeOpts(opts(name, help)), labels))}
}

func NewHistogramVec(name, help string, labels []string, buckets []float64) HistogramVec {
	if registry == nil {
		return noopHistogramVec{}
	}
	return histogramVec{register(prometheus.NewHistogramVec(histogramOpts(name, help, buckets), labels))}
}

// InitializeTelemetry creates the registry when Prometheus is enabled. Call
// InitMetrics afterwards to replace the no-op metrics.
func InitializeTelemetry() {
	if !cfg.Config.Prometheus.Enabled {
		return
	}

	registry = prometheus.NewRegistry()
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewGoCollector())

	log.Info().Str("connector", cfg.Config.Name).Msg("Prometheus metrics enabled")
}

// GetMetricsHandler returns the /metrics handler, or nil when Prometheus is
// not enabled
func GetMetricsHandler() http.Handler {
	if registry == nil {
		return nil
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
