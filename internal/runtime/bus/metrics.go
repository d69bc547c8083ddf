package bus

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes connection manager statistics. A nil *Metrics is a no-op.
type Metrics struct {
	mu sync.Mutex

	state      prometheus.Gauge
	reconnects prometheus.Counter
	publishes  *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

// NewMetrics creates the collectors; call Register to expose them.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer: registerer,
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "objectbridge",
			Subsystem: "bus",
			Name:      "connection_state",
			Help:      "Current connection state (0 disconnected, 1 connecting, 2 connected, 3 backoff)",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "objectbridge",
			Subsystem: "bus",
			Name:      "reconnects_total",
			Help:      "Number of successful connects after the first one",
		}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "objectbridge",
			Subsystem: "bus",
			Name:      "publishes_total",
			Help:      "Publish attempts by outcome",
		}, []string{"outcome"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}
	for _, c := range []prometheus.Collector{m.state, m.reconnects, m.publishes} {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

func (m *Metrics) setState(s State) {
	if m == nil {
		return
	}
	m.state.Set(float64(s))
}

func (m *Metrics) reconnected() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) published(outcome string) {
	if m == nil {
		return
	}
	m.publishes.WithLabelValues(outcome).Inc()
}
