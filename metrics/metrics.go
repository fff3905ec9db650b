// Package metrics exposes link and registry counters on a private Prometheus
// registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "devlink"

// Metrics collects packet, handshake and dial counters.
type Metrics struct {
	registry *prometheus.Registry

	packetsIn  *prometheus.CounterVec
	packetsOut *prometheus.CounterVec
	handshakes *prometheus.CounterVec
	dials      *prometheus.CounterVec
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		packetsIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Packets read from peer links, by packet type.",
		}, []string{"type"}),
		packetsOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Packets written to peer links, by packet type.",
		}, []string{"type"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Link handshakes, by result.",
		}, []string{"result"}),
		dials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dials_total",
			Help:      "Outbound dial attempts, by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(m.packetsIn, m.packetsOut, m.handshakes, m.dials)
	return m
}

// ObservePeers registers one gauge per list name. count is called on every
// scrape and must be safe for concurrent use.
func (m *Metrics) ObservePeers(lists []string, count func(list string) int) error {
	if m == nil {
		return nil
	}
	for _, list := range lists {
		list := list
		gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "peers",
			Help:        "Peers currently in each derived list.",
			ConstLabels: prometheus.Labels{"list": list},
		}, func() float64 { return float64(count(list)) })
		if err := m.registry.Register(gauge); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) PacketIn(packetType string) {
	if m == nil {
		return
	}
	m.packetsIn.WithLabelValues(packetType).Inc()
}

func (m *Metrics) PacketOut(packetType string) {
	if m == nil {
		return
	}
	m.packetsOut.WithLabelValues(packetType).Inc()
}

func (m *Metrics) Handshake(result string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(result).Inc()
}

func (m *Metrics) Dial(result string) {
	if m == nil {
		return
	}
	m.dials.WithLabelValues(result).Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
