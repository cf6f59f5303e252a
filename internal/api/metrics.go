package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ongoingai/tracebridge/internal/bridge"
)

const metricsNamespace = "tracebridge"

type metricValue struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	value     func(bridge.Diagnostics) float64
}

// diagnosticsCollector reads one diagnostics snapshot per scrape.
type diagnosticsCollector struct {
	reader  DiagnosticsReader
	metrics []metricValue
	up      *prometheus.Desc
}

func newDiagnosticsCollector(reader DiagnosticsReader) *diagnosticsCollector {
	counter := func(name, help string, value func(bridge.Diagnostics) float64) metricValue {
		return metricValue{
			desc:      prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", name), help, nil, nil),
			valueType: prometheus.CounterValue,
			value:     value,
		}
	}
	gauge := func(name, help string, value func(bridge.Diagnostics) float64) metricValue {
		m := counter(name, help, value)
		m.valueType = prometheus.GaugeValue
		return m
	}

	return &diagnosticsCollector{
		reader: reader,
		up: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "bridge_active"),
			"1 while the bridge accepts invocations.",
			nil, nil,
		),
		metrics: []metricValue{
			gauge("invocation_queue_depth", "Invocations waiting for correlation.", func(d bridge.Diagnostics) float64 {
				return float64(d.InvocationQueueDepth)
			}),
			gauge("invocation_queue_capacity", "Capacity of the invocation queue.", func(d bridge.Diagnostics) float64 {
				return float64(d.InvocationQueueCapacity)
			}),
			counter("invocations_received_total", "Invocations handed to the bridge.", func(d bridge.Diagnostics) float64 {
				return float64(d.InvocationsReceived)
			}),
			counter("invocations_dropped_total", "Invocations rejected without processing.", func(d bridge.Diagnostics) float64 {
				return float64(d.InvocationsDropped)
			}),
			counter("invocations_processed_total", "Invocations turned into queued runs.", func(d bridge.Diagnostics) float64 {
				return float64(d.InvocationsProcessed)
			}),
			counter("invocations_failed_total", "Invocations that failed assembly or enqueue.", func(d bridge.Diagnostics) float64 {
				return float64(d.InvocationsFailed)
			}),
			gauge("run_queue_depth", "Runs waiting for delivery.", func(d bridge.Diagnostics) float64 {
				return float64(d.Pipeline.QueueDepth)
			}),
			gauge("run_queue_capacity", "Maximum runs held for delivery.", func(d bridge.Diagnostics) float64 {
				return float64(d.Pipeline.QueueCapacity)
			}),
			gauge("run_queue_high_watermark", "Deepest run queue observed.", func(d bridge.Diagnostics) float64 {
				return float64(d.Pipeline.QueueDepthHighWatermark)
			}),
			counter("runs_enqueued_total", "Runs accepted into the delivery queue.", func(d bridge.Diagnostics) float64 {
				return float64(d.Pipeline.EnqueuedTotal)
			}),
			counter("runs_delivered_total", "Runs accepted by LangSmith.", func(d bridge.Diagnostics) float64 {
				return float64(d.Pipeline.DeliveredTotal)
			}),
			counter("runs_requeued_total", "Runs put back after a failed flush.", func(d bridge.Diagnostics) float64 {
				return float64(d.Pipeline.RequeuedTotal)
			}),
			counter("runs_dropped_total", "Runs discarded because the queue was full.", func(d bridge.Diagnostics) float64 {
				return float64(d.Pipeline.DroppedTotal)
			}),
			counter("runs_abandoned_total", "Runs left undelivered at shutdown.", func(d bridge.Diagnostics) float64 {
				return float64(d.Pipeline.AbandonedTotal)
			}),
			counter("runs_spooled_total", "Abandoned runs persisted to the spool.", func(d bridge.Diagnostics) float64 {
				return float64(d.Pipeline.SpooledTotal)
			}),
			counter("flushes_total", "Flush attempts.", func(d bridge.Diagnostics) float64 {
				return float64(d.Pipeline.FlushesTotal)
			}),
			counter("flush_failures_total", "Flush attempts that failed.", func(d bridge.Diagnostics) float64 {
				return float64(d.Pipeline.FlushFailuresTotal)
			}),
			gauge("consecutive_flush_failures", "Failed flushes since the last success.", func(d bridge.Diagnostics) float64 {
				return float64(d.Pipeline.ConsecutiveFlushFailures)
			}),
			counter("correlation_cache_hits_total", "Anchor lookups that found an entry.", func(d bridge.Diagnostics) float64 {
				return float64(d.Correlation.Hits)
			}),
			counter("correlation_cache_misses_total", "Anchor lookups that found nothing.", func(d bridge.Diagnostics) float64 {
				return float64(d.Correlation.Misses)
			}),
		},
	}
}

func (c *diagnosticsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.up
	for _, m := range c.metrics {
		ch <- m.desc
	}
}

func (c *diagnosticsCollector) Collect(ch chan<- prometheus.Metric) {
	diagnostics := c.reader.Diagnostics()
	active := 0.0
	if diagnostics.State == bridge.StateActive {
		active = 1
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, active)
	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.valueType, m.value(diagnostics))
	}
}

// MetricsHandler exposes the bridge diagnostics and the Go runtime
// collectors in the Prometheus text format.
func MetricsHandler(reader DiagnosticsReader) http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if reader != nil {
		registry.MustRegister(newDiagnosticsCollector(reader))
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
