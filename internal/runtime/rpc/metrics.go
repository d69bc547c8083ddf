package rpc

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Call outcomes used as metric labels.
const (
	OutcomeOK        = "ok"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
	OutcomeAccepted  = "accepted"
)

// Metrics tracks correlator calls. A nil *Metrics is a no-op.
type Metrics struct {
	mu sync.Mutex

	calls     *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	pending   prometheus.Gauge
	discarded prometheus.Counter

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
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "objectbridge",
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "Calls by event type and outcome",
		}, []string{"event_type", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "objectbridge",
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "Time from publish to reply or timeout",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"event_type"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "objectbridge",
			Subsystem: "rpc",
			Name:      "pending_calls",
			Help:      "Calls waiting for a reply",
		}),
		discarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "objectbridge",
			Subsystem: "rpc",
			Name:      "discarded_replies_total",
			Help:      "Replies acknowledged and dropped because no call was waiting for them",
		}),
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
	for _, c := range []prometheus.Collector{m.calls, m.duration, m.pending, m.discarded} {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

func (m *Metrics) observe(eventType, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(eventType, outcome).Inc()
	if outcome != OutcomeAccepted {
		m.duration.WithLabelValues(eventType).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *Metrics) replyDiscarded() {
	if m == nil {
		return
	}
	m.discarded.Inc()
}
