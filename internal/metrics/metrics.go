// Package metrics exposes the gateway's Prometheus instruments.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set bundles every instrument so wiring stays explicit and tests can build
// isolated registries.
type Set struct {
	registry *prometheus.Registry

	WSConnectionsByAPIKey *prometheus.GaugeVec
	WSEventsTotal         *prometheus.CounterVec
	TicksParsedTotal      prometheus.Counter
	TickFanoutLatency     prometheus.Histogram
	TickDropsTotal        *prometheus.CounterVec
	UpstreamReconnects    prometheus.Counter
	HTTPRequestDuration   *prometheus.HistogramVec
	FOSearchTotal         *prometheus.CounterVec
	FOSearchLatency       prometheus.Histogram
	SnapshotWindowSize    prometheus.Histogram
}

// New builds a Set on a fresh registry.
func New() *Set {
	registry := prometheus.NewRegistry()
	s := &Set{
		registry: registry,
		WSConnectionsByAPIKey: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ws_connections_by_api_key",
			Help: "Live websocket connections per API key.",
		}, []string{"api_key"}),
		WSEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_events_total",
			Help: "Client websocket events by API key and event name.",
		}, []string{"api_key", "event"}),
		TicksParsedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ticks_parsed_total",
			Help: "Upstream binary packets parsed into ticks.",
		}),
		TickFanoutLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tick_fanout_latency_seconds",
			Help:    "Latency from tick receipt to room broadcast.",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
		}),
		TickDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tick_drops_total",
			Help: "Ticks dropped per connection due to write backpressure.",
		}, []string{"api_key"}),
		UpstreamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "upstream_reconnects_total",
			Help: "Completed upstream websocket reconnect cycles.",
		}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "REST request latency by route and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
		FOSearchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fo_search_requests_total",
			Help: "Instrument searches by parse outcome.",
		}, []string{"parsed"}),
		FOSearchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fo_search_latency_seconds",
			Help:    "Instrument search latency.",
			Buckets: prometheus.DefBuckets,
		}),
		SnapshotWindowSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "snapshot_window_pairs",
			Help:    "Distinct pairs coalesced per snapshot window.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
	}
	registry.MustRegister(
		s.WSConnectionsByAPIKey, s.WSEventsTotal, s.TicksParsedTotal,
		s.TickFanoutLatency, s.TickDropsTotal, s.UpstreamReconnects,
		s.HTTPRequestDuration, s.FOSearchTotal, s.FOSearchLatency,
		s.SnapshotWindowSize,
	)
	return s
}

// Handler serves the registry in Prometheus exposition format.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for test assertions.
func (s *Set) Registry() *prometheus.Registry {
	return s.registry
}
