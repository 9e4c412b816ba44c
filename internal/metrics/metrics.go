// Package metrics holds the Prometheus collectors shared by the server
// components.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	MessagesAppended  prometheus.Counter
	EventsPublished   *prometheus.CounterVec
	EventsDropped     *prometheus.CounterVec
	ActiveConnections prometheus.Gauge
	RequestDuration   *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New registers the collectors on reg. Passing nil uses a private registry,
// which keeps tests independent of each other.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		MessagesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mentorchat",
			Name:      "messages_appended_total",
			Help:      "Messages persisted by the message store.",
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mentorchat",
			Name:      "live_events_published_total",
			Help:      "Live events handed to the delivery channel, by type.",
		}, []string{"type"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mentorchat",
			Name:      "live_events_dropped_total",
			Help:      "Live events that could not be delivered, by reason.",
		}, []string{"reason"}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mentorchat",
			Name:      "live_connections",
			Help:      "Currently open live channel connections.",
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mentorchat",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.MessagesAppended,
		m.EventsPublished,
		m.EventsDropped,
		m.ActiveConnections,
		m.RequestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
