package broker

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the hub's Prometheus collectors.
type Metrics struct {
	Connections      prometheus.Gauge
	ConnectionsTotal prometheus.Counter
	Removals         *prometheus.CounterVec
	Channels         prometheus.Gauge
	Published        prometheus.Counter
	Delivered        prometheus.Counter
	DecodeErrors     prometheus.Counter
	Dropped          prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wshub",
			Subsystem: "connections",
			Name:      "active",
			Help:      "Number of registered connections",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wshub",
			Subsystem: "connections",
			Name:      "accepted_total",
			Help:      "Total number of accepted connections",
		}),
		Removals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wshub",
				Subsystem: "connections",
				Name:      "removed_total",
				Help:      "Total number of removed connections by reason",
			},
			[]string{"reason"},
		),
		Channels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wshub",
			Subsystem: "channels",
			Name:      "count",
			Help:      "Number of channels",
		}),
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wshub",
			Subsystem: "messages",
			Name:      "published_total",
			Help:      "Total number of messages published to channels",
		}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wshub",
			Subsystem: "messages",
			Name:      "delivered_total",
			Help:      "Total number of channel messages queued to subscribers",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wshub",
			Subsystem: "frames",
			Name:      "decode_errors_total",
			Help:      "Total number of inbound frames that failed to decode",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wshub",
			Subsystem: "frames",
			Name:      "dropped_total",
			Help:      "Total number of outbound frames dropped on full send buffers",
		}),
	}
	reg.MustRegister(
		m.Connections,
		m.ConnectionsTotal,
		m.Removals,
		m.Channels,
		m.Published,
		m.Delivered,
		m.DecodeErrors,
		m.Dropped,
	)
	return m
}

// removalReason maps a removal cause onto a low-cardinality label.
func removalReason(err error) string {
	switch {
	case err == nil:
		return "closed"
	case errors.Is(err, ErrHeartbeatTimeout):
		return "heartbeat_timeout"
	case errors.Is(err, ErrSlowConsumer):
		return "slow_consumer"
	case errors.Is(err, ErrShuttingDown):
		return "shutdown"
	default:
		return "closed"
	}
}
