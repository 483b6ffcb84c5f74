// Package metrics holds the Prometheus collectors of the service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "orderengine"

var buckets = []float64{0.5, 1, 2, 5, 10, 30}

type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestDuration     *prometheus.HistogramVec
	OrderProcessingDuration *prometheus.HistogramVec
	OrdersSubmitted         *prometheus.CounterVec
	RouterExecutions        *prometheus.CounterVec
	QueueJobs               *prometheus.CounterVec
	QueueDepth              *prometheus.GaugeVec
	Subscribers             prometheus.Gauge
}

// New registers all collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   buckets,
		}, []string{"method", "route", "status"}),
		OrderProcessingDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "order_processing_duration_seconds",
			Help:      "Duration of one order processing attempt",
			Buckets:   buckets,
		}, []string{"status"}),
		OrdersSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_submitted_total",
			Help:      "Order submissions by outcome",
		}, []string{"result"}),
		RouterExecutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_executions_total",
			Help:      "Execution attempts by venue and outcome",
		}, []string{"venue", "result"}),
		QueueJobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_jobs_total",
			Help:      "Processed queue jobs by outcome",
		}, []string{"result"}),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Jobs per queue state",
		}, []string{"state"}),
		Subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_subscribers",
			Help:      "Open order subscriptions",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
