package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cascade-search/rlm/pkg/services"
)

// Metrics owns the process registry and the search counters.
type Metrics struct {
	registry *prometheus.Registry

	searchesStarted   prometheus.Counter
	searchesCancelled prometheus.Counter
	searchesRejected  *prometheus.CounterVec
	streamClients     prometheus.Gauge
}

// NewMetrics builds the registry. Active searches are sampled from the
// service at scrape time.
func NewMetrics(svc *services.SearchService) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		searchesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rlm_searches_started_total",
			Help: "Searches accepted and scheduled on the worker pool.",
		}),
		searchesCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rlm_searches_cancelled_total",
			Help: "Searches cancelled via the cancel endpoint.",
		}),
		searchesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rlm_searches_rejected_total",
			Help: "Search submissions rejected before scheduling.",
		}, []string{"reason"}),
		streamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rlm_stream_clients",
			Help: "Currently connected SSE clients.",
		}),
	}

	m.registry.MustRegister(
		m.searchesStarted,
		m.searchesCancelled,
		m.searchesRejected,
		m.streamClients,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "rlm_active_searches",
			Help: "Searches currently scheduled or running.",
		}, func() float64 { return float64(svc.ActiveSearches()) }),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Started()               { m.searchesStarted.Inc() }
func (m *Metrics) Cancelled()             { m.searchesCancelled.Inc() }
func (m *Metrics) Rejected(reason string) { m.searchesRejected.WithLabelValues(reason).Inc() }
func (m *Metrics) StreamOpened()          { m.streamClients.Inc() }
func (m *Metrics) StreamClosed()          { m.streamClients.Dec() }
