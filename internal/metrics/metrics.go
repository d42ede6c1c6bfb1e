package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "guess_signaling"

// Metrics holds the rendezvous server collectors. Every instance has its
// own registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	rooms    prometheus.Gauge
	peers    prometheus.Gauge
	relayed  *prometheus.CounterVec
	rejected *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms_active",
			Help:      "Rooms with a connected initiator.",
		}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_connected",
			Help:      "Open signaling websockets.",
		}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_relayed_total",
			Help:      "Messages forwarded between room members.",
		}, []string{"event"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "joins_rejected_total",
			Help:      "Join requests refused by the server.",
		}, []string{"reason"}),
	}
	m.registry.MustRegister(
		m.rooms, m.peers, m.relayed, m.rejected,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) RoomOpened() { m.rooms.Inc() }

func (m *Metrics) RoomClosed() { m.rooms.Dec() }

func (m *Metrics) PeerConnected() { m.peers.Inc() }

func (m *Metrics) PeerDisconnected() { m.peers.Dec() }

func (m *Metrics) Relayed(event string) { m.relayed.WithLabelValues(event).Inc() }

func (m *Metrics) Rejected(reason string) { m.rejected.WithLabelValues(reason).Inc() }

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mostly for tests
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
