package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	rooms       prometheus.Gauge
	clients     prometheus.Gauge
	messages    *prometheus.CounterVec
	throttled   prometheus.Counter
	compactions prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &metrics{
		rooms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "collabtext",
			Subsystem: "relay",
			Name:      "rooms",
			Help:      "Rooms with at least one connected client.",
		}),
		clients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "collabtext",
			Subsystem: "relay",
			Name:      "clients",
			Help:      "Connected websocket clients.",
		}),
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collabtext",
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Messages received from clients, by type.",
		}, []string{"type"}),
		throttled: f.NewCounter(prometheus.CounterOpts{
			Namespace: "collabtext",
			Subsystem: "relay",
			Name:      "throttled_total",
			Help:      "Messages delayed by the per-connection rate limit.",
		}),
		compactions: f.NewCounter(prometheus.CounterOpts{
			Namespace: "collabtext",
			Subsystem: "relay",
			Name:      "compactions_total",
			Help:      "Room logs replaced by a snapshot on load.",
		}),
	}
}
