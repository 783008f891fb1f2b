// Package metrics exposes pollbus counters on a private Prometheus registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pollbus"

// Metrics implements the observer interfaces of the bus, the connection
// manager, the Pebble wrapper and the proxy.
type Metrics struct {
	reg *prometheus.Registry

	published    prometheus.Counter
	responses    *prometheus.CounterVec
	waiting      prometheus.Gauge
	fanoutErrors prometheus.Counter

	storeCommit *prometheus.HistogramVec
	storeBytes  *prometheus.CounterVec

	upstream  *prometheus.CounterVec
	consumers prometheus.Gauge
}

// New registers every collector on a fresh registry. With process set, the
// Go runtime and process collectors are added too.
func New(process bool) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "published_total",
			Help: "Messages appended to the backlog.",
		}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "responses_total",
			Help: "Poll responses by outcome.",
		}, []string{"outcome"}),
		waiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "waiting_connections",
			Help: "Long-poll connections currently parked.",
		}),
		fanoutErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "fanout_errors_total",
			Help: "Per-connection failures during notification fan-out.",
		}),
		storeCommit: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "store_commit_seconds",
			Help:    "Latency of storage operations.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"op"}),
		storeBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "store_bytes_total",
			Help: "Bytes moved through storage operations.",
		}, []string{"op"}),
		upstream: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "proxy_upstream_requests_total",
			Help: "Upstream poll requests issued by the proxy, by result.",
		}, []string{"result"}),
		consumers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "proxy_waiting_consumers",
			Help: "Local consumers waiting on the proxy.",
		}),
	}
	m.reg.MustRegister(m.published, m.responses, m.waiting, m.fanoutErrors,
		m.storeCommit, m.storeBytes, m.upstream, m.consumers)
	if process {
		m.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) ObservePublish(string) { m.published.Inc() }

func (m *Metrics) ObserveResponse(outcome string) { m.responses.WithLabelValues(outcome).Inc() }
func (m *Metrics) SetWaiting(n int)               { m.waiting.Set(float64(n)) }
func (m *Metrics) IncFanoutError()                { m.fanoutErrors.Inc() }

func (m *Metrics) ObserveWrite(elapsed time.Duration, bytes int) {
	m.storeCommit.WithLabelValues("write").Observe(elapsed.Seconds())
	m.storeBytes.WithLabelValues("write").Add(float64(bytes))
}

func (m *Metrics) ObserveRead(elapsed time.Duration, bytes int) {
	m.storeCommit.WithLabelValues("read").Observe(elapsed.Seconds())
	m.storeBytes.WithLabelValues("read").Add(float64(bytes))
}

func (m *Metrics) ObserveBatchCommit(elapsed time.Duration, _ int, bytes int) {
	m.storeCommit.WithLabelValues("batch").Observe(elapsed.Seconds())
	m.storeBytes.WithLabelValues("batch").Add(float64(bytes))
}

func (m *Metrics) ObserveUpstream(result string) { m.upstream.WithLabelValues(result).Inc() }
func (m *Metrics) SetConsumers(n int)            { m.consumers.Set(float64(n)) }
