// Package metrics exports the integration's prometheus metrics on a private
// registry.
package metrics

import (
	"net/http"

	"octoprintpsu/internal/entity"
	"octoprintpsu/internal/octoprint"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "octoprint_psu"

// Collector holds every metric of the process
type Collector struct {
	registry *prometheus.Registry

	requestsTotal *prometheus.CounterVec
	eventsTotal   *prometheus.CounterVec
	connected     *prometheus.GaugeVec
	psuOn         *prometheus.GaugeVec
	available     *prometheus.GaugeVec
}

// NewCollector registers the metrics on a fresh registry
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,

		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of OctoPrint REST requests",
			},
			[]string{"entry", "endpoint", "result"},
		),

		eventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Total number of socket events dispatched",
			},
			[]string{"entry", "type"},
		),

		connected: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "socket_connected",
				Help:      "Whether the socket of an entry is open",
			},
			[]string{"entry"},
		),

		psuOn: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "psu_on",
				Help:      "Last known power supply state",
			},
			[]string{"entry"},
		),

		available: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "switch_available",
				Help:      "Whether the switch of an entry is available",
			},
			[]string{"entry"},
		),
	}
}

// Handler serves the registry in the prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ForEntry returns a request recorder labelled with entryID
func (c *Collector) ForEntry(entryID string) octoprint.Recorder {
	return &entryRecorder{collector: c, entry: entryID}
}

// WriteState records a switch state write
func (c *Collector) WriteState(state entity.State) {
	c.psuOn.WithLabelValues(state.UniqueID).Set(boolToFloat(state.IsOn))
	c.available.WithLabelValues(state.UniqueID).Set(boolToFloat(state.Available))
}

// Forget drops every series of entryID
func (c *Collector) Forget(entryID string) {
	labels := prometheus.Labels{"entry": entryID}
	c.requestsTotal.DeletePartialMatch(labels)
	c.eventsTotal.DeletePartialMatch(labels)
	c.connected.DeleteLabelValues(entryID)
	c.psuOn.DeleteLabelValues(entryID)
	c.available.DeleteLabelValues(entryID)
}

type entryRecorder struct {
	collector *Collector
	entry     string
}

func (r *entryRecorder) ObserveRequest(endpoint string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	r.collector.requestsTotal.WithLabelValues(r.entry, endpoint, result).Inc()
}

func (r *entryRecorder) ObserveEvent(eventType string) {
	r.collector.eventsTotal.WithLabelValues(r.entry, eventType).Inc()
}

func (r *entryRecorder) SetConnected(connected bool) {
	r.collector.connected.WithLabelValues(r.entry).Set(boolToFloat(connected))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
