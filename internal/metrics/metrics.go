package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the Prometheus collectors of the chat gateway.
type Registry struct {
	Connections gauges
	Events      counters

	gatherer prometheus.Gatherer
}

type gauges struct {
	Active prometheus.Gauge
	Rooms  prometheus.Gauge
}

type counters struct {
	AuthFailures        prometheus.Counter
	MessagesPersisted   prometheus.Counter
	PersistenceFailures prometheus.Counter
	ProtocolViolations  prometheus.Counter
	Dropped             *prometheus.CounterVec
	SlowConsumers       prometheus.Counter
}

// Drop reasons for Events.Dropped.
const (
	DropRateLimited = "rate_limited"
	DropValidation  = "validation"
)

// NewRegistry registers the collectors on reg. Pass prometheus.NewRegistry()
// in tests so repeated construction does not collide.
func NewRegistry(reg *prometheus.Registry) *Registry {
	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if reg != nil {
		registerer, gatherer = reg, reg
	}
	factory := promauto.With(registerer)

	return &Registry{
		gatherer: gatherer,
		Connections: gauges{
			Active: factory.NewGauge(prometheus.GaugeOpts{
				Name: "thoth_ws_connections_active",
				Help: "Number of authenticated WebSocket connections",
			}),
			Rooms: factory.NewGauge(prometheus.GaugeOpts{
				Name: "thoth_rooms_active",
				Help: "Number of rooms with at least one member",
			}),
		},
		Events: counters{
			AuthFailures: factory.NewCounter(prometheus.CounterOpts{
				Name: "thoth_auth_failures_total",
				Help: "Handshakes and REST calls rejected for a bad credential",
			}),
			MessagesPersisted: factory.NewCounter(prometheus.CounterOpts{
				Name: "thoth_messages_persisted_total",
				Help: "Chat messages appended to history and broadcast",
			}),
			PersistenceFailures: factory.NewCounter(prometheus.CounterOpts{
				Name: "thoth_persistence_failures_total",
				Help: "History store calls that failed",
			}),
			ProtocolViolations: factory.NewCounter(prometheus.CounterOpts{
				Name: "thoth_protocol_violations_total",
				Help: "Inbound events dropped as malformed or out of state",
			}),
			Dropped: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "thoth_events_dropped_total",
				Help: "Inbound events dropped without a reply, by reason",
			}, []string{"reason"}),
			SlowConsumers: factory.NewCounter(prometheus.CounterOpts{
				Name: "thoth_slow_consumers_total",
				Help: "Connections closed because their send queue was full",
			}),
		},
	}
}

// Handler returns an HTTP handler exposing the registered metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}
