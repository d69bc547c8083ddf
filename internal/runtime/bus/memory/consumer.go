package memory

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

type consumer struct {
	ch      *Channel
	queue   *queue
	tag     string
	autoAck bool

	inflight int
	pending  []amqp.Delivery
	stopped  bool

	notify chan struct{}
	stop   chan struct{}
	out    chan amqp.Delivery
}

func newConsumer(ch *Channel, q *queue, tag string, autoAck bool) *consumer {
	return &consumer{
		ch:      ch,
		queue:   q,
		tag:     tag,
		autoAck: autoAck,
		notify:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		out:     make(chan amqp.Delivery),
	}
}

func (c *consumer) readyLocked() bool {
	if c.stopped || c.ch.closing || c.ch.closed {
		return false
	}
	return c.autoAck || c.ch.prefetch <= 0 || c.inflight < c.ch.prefetch
}

func (c *consumer) deliverLocked(msg storedMessage) {
	c.ch.nextTag++
	tag := c.ch.nextTag

	d := amqp.Delivery{
		Acknowledger:  c.ch,
		Headers:       msg.pub.Headers,
		ContentType:   msg.pub.ContentType,
		DeliveryMode:  msg.pub.DeliveryMode,
		CorrelationId: msg.pub.CorrelationId,
		ReplyTo:       msg.pub.ReplyTo,
		MessageId:     msg.pub.MessageId,
		Timestamp:     msg.pub.Timestamp,
		Type:          msg.pub.Type,
		ConsumerTag:   c.tag,
		DeliveryTag:   tag,
		Redelivered:   msg.redelivered,
		RoutingKey:    c.queue.name,
		Body:          msg.pub.Body,
	}
	if !c.autoAck {
		c.ch.unacked[tag] = &inflight{queue: c.queue, consumer: c, msg: msg}
		c.inflight++
	}
	c.pending = append(c.pending, d)

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// stopLocked ends the delivery goroutine and requeues what the client has
// not received yet.
func (c *consumer) stopLocked() {
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.stop)

	pending := c.pending
	c.pending = nil
	for _, d := range pending {
		c.ch.requeueTagLocked(d.DeliveryTag)
	}
}

// run hands pending deliveries to the client one at a time and closes out
// when the consumer stops.
func (c *consumer) run() {
	defer close(c.out)

	b := c.ch.broker
	for {
		select {
		case <-c.notify:
		case <-c.stop:
			return
		}

		for {
			b.mu.Lock()
			if c.stopped || len(c.pending) == 0 {
				b.mu.Unlock()
				break
			}
			d := c.pending[0]
			c.pending = c.pending[1:]
			b.mu.Unlock()

			select {
			case c.out <- d:
			case <-c.stop:
				b.mu.Lock()
				c.ch.requeueTagLocked(d.DeliveryTag)
				b.mu.Unlock()
				return
			}
		}
	}
}
