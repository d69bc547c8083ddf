package bus

import (
	"context"
	"sync"
	"time"

	wamqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/objectbridge/internal/runtime/errors"
	"github.com/drblury/objectbridge/internal/runtime/logging"
)

// Subscriber is a Watermill subscriber that consumes durable queues through a
// Manager. Each message is acked or nacked on the broker only after the
// handler acks or nacks the Watermill message, and the next delivery is not
// handed out before that. A lost connection resubscribes once the manager has
// reconnected.
type Subscriber struct {
	manager   *Manager
	marshaler wamqp.Marshaler
	log       logging.ServiceLogger

	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ message.Subscriber = (*Subscriber)(nil)

const cancelTimeout = 5 * time.Second

// NewSubscriber wraps manager. The manager should be created with Prefetch 1
// and be dedicated to consuming.
func NewSubscriber(manager *Manager, logger logging.ServiceLogger) (*Subscriber, error) {
	if manager == nil {
		return nil, errors.ErrSubscriberRequired
	}
	return &Subscriber{
		manager:   manager,
		marshaler: manager.marshaler,
		log:       logging.OrNop(logger).With(logging.LogFields{"component": "bus_subscriber"}),
		closing:   make(chan struct{}),
	}, nil
}

// Subscribe implements message.Subscriber. topic is the queue name.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if topic == "" {
		return nil, errors.ErrQueueRequired
	}
	select {
	case <-s.closing:
		return nil, errors.ErrBusClosed
	default:
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan *message.Message)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(out)
		defer cancel()

		go func() {
			select {
			case <-s.closing:
				cancel()
			case <-ctx.Done():
			}
		}()

		s.run(ctx, topic, out)
	}()
	return out, nil
}

func (s *Subscriber) run(ctx context.Context, queue string, out chan<- *message.Message) {
	tag := "objectbridge-" + queue
	for {
		consumer, err := s.manager.Consume(ctx, queue, tag)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Error("Subscribing failed", err, logging.LogFields{"queue": queue})
			}
			return
		}
		s.log.Debug("Consuming queue", logging.LogFields{"queue": queue})

		if stop := s.drain(ctx, consumer, out); stop {
			cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
			_ = s.manager.Cancel(cancelCtx, consumer)
			cancel()
			return
		}
		s.log.Info("Consumer lost its connection, resubscribing", logging.LogFields{"queue": queue})
	}
}

// drain forwards deliveries until ctx ends (true) or the delivery channel is
// closed by a connection loss (false).
func (s *Subscriber) drain(ctx context.Context, consumer *Consumer, out chan<- *message.Message) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case d, ok := <-consumer.Deliveries:
			if !ok {
				return false
			}
			if stop := s.forward(ctx, d, out); stop {
				return true
			}
		}
	}
}

func (s *Subscriber) forward(ctx context.Context, d amqp.Delivery, out chan<- *message.Message) bool {
	msg, err := s.marshaler.Unmarshal(d)
	if err != nil {
		s.log.Error("Cannot unmarshal delivery", err, logging.LogFields{"delivery_tag": d.DeliveryTag})
		_ = d.Nack(false, true)
		return false
	}
	msg.SetContext(ctx)

	select {
	case out <- msg:
	case <-ctx.Done():
		_ = d.Nack(false, true)
		return true
	}

	select {
	case <-msg.Acked():
		if err := d.Ack(false); err != nil {
			s.log.Error("Ack failed", err, logging.LogFields{"message_uuid": msg.UUID})
		}
	case <-msg.Nacked():
		if err := d.Nack(false, true); err != nil {
			s.log.Error("Nack failed", err, logging.LogFields{"message_uuid": msg.UUID})
		}
	case <-ctx.Done():
		_ = d.Nack(false, true)
		return true
	}
	return false
}

// Close stops all subscriptions and waits for them to finish. The manager is
// not closed.
func (s *Subscriber) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
	})
	s.wg.Wait()
	return nil
}
