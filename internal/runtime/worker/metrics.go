package worker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Dispatch outcomes used as metric labels.
const (
	OutcomeOK           = "ok"
	OutcomeFault        = "fault"
	OutcomeUnknownEvent = "unknown_event"
	OutcomeDecodeFailed = "decode_failed"
	OutcomeReplyFailed  = "reply_failed"
)

// Metrics tracks dispatched messages. A nil *Metrics is a no-op.
type Metrics struct {
	mu sync.Mutex

	messages *prometheus.CounterVec
	duration *prometheus.HistogramVec

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
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "objectbridge",
			Subsystem: "worker",
			Name:      "messages_total",
			Help:      "Messages handled by queue and outcome",
		}, []string{"queue", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "objectbridge",
			Subsystem: "worker",
			Name:      "handler_duration_seconds",
			Help:      "Time spent in handlers by event type",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue", "event_type"}),
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
	for _, c := range []prometheus.Collector{m.messages, m.duration} {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

func (m *Metrics) message(queue, outcome string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(queue, outcome).Inc()
}

func (m *Metrics) handled(queue, eventType string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(queue, eventType).Observe(elapsed.Seconds())
}
