// Package metrics holds the prometheus collectors exported by the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mesh_signaling"

// Relay counts room presence and signal routing outcomes.
type Relay struct {
	Rooms     prometheus.Gauge
	Members   prometheus.Gauge
	Delivered prometheus.Counter
	Buffered  prometheus.Counter
	Evicted   prometheus.Counter
	Flushed   prometheus.Counter
	Dropped   prometheus.Counter
}

// NewRelay registers the relay collectors with reg.
func NewRelay(reg prometheus.Registerer) *Relay {
	factory := promauto.With(reg)
	return &Relay{
		Rooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "rooms",
			Help:      "Rooms with at least one joined connection.",
		}),
		Members: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "members",
			Help:      "Peers present across all rooms.",
		}),
		Delivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "signals_delivered_total",
			Help:      "Signals handed straight to a present recipient.",
		}),
		Buffered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "signals_buffered_total",
			Help:      "Signals held for a recipient that has not joined.",
		}),
		Evicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "signals_evicted_total",
			Help:      "Buffered signals dropped because the recipient buffer was full.",
		}),
		Flushed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "signals_flushed_total",
			Help:      "Buffered signals delivered when their recipient joined.",
		}),
		Dropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "signals_dropped_total",
			Help:      "Signals lost because the recipient's send queue was full.",
		}),
	}
}
