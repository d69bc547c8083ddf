package memory

import (
	"context"
	"fmt"
	"sort"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/objectbridge/internal/runtime/bus"
)

// Channel is a channel on a memory Connection. It is also the Acknowledger of
// every delivery it hands out.
type Channel struct {
	broker *Broker
	conn    *Connection
	closing bool
	closed  bool

	prefetch  int
	nextTag   uint64
	consumers map[string]*consumer
	unacked   map[uint64]*inflight
	notify    []chan *amqp.Error
}

var (
	_ bus.Channel       = (*Channel)(nil)
	_ amqp.Acknowledger = (*Channel)(nil)
)

// QueueDeclare declares the queue, or returns the existing one.
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if name == "" {
		name = fmt.Sprintf("amq.gen-%d", len(b.queues)+b.dials)
	}

	if q, ok := b.queues[name]; ok {
		if q.owner != nil && q.owner != ch.conn {
			return amqp.Queue{}, channelError(amqp.ResourceLocked, "RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s'", name)
		}
		return amqp.Queue{Name: name, Messages: len(q.messages), Consumers: len(q.consumers)}, nil
	}

	q := &queue{name: name, durable: durable, autoDelete: autoDelete}
	if exclusive {
		q.owner = ch.conn
	}
	b.queues[name] = q
	return amqp.Queue{Name: name}, nil
}

// QueueDelete removes the queue and returns the number of ready messages it
// held. Deleting a missing queue is not an error.
func (ch *Channel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return 0, amqp.ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		return 0, nil
	}
	if q.owner != nil && q.owner != ch.conn {
		return 0, channelError(amqp.ResourceLocked, "RESOURCE_LOCKED - queue '%s' is exclusive to another connection", name)
	}
	if ifUnused && len(q.consumers) > 0 {
		return 0, channelError(amqp.PreconditionFailed, "PRECONDITION_FAILED - queue '%s' in use", name)
	}
	if ifEmpty && len(q.messages) > 0 {
		return 0, channelError(amqp.PreconditionFailed, "PRECONDITION_FAILED - queue '%s' not empty", name)
	}
	return b.deleteQueueLocked(q), nil
}

// Qos sets the per-consumer prefetch limit. Zero means unlimited.
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	for _, c := range ch.consumers {
		b.dispatchLocked(c.queue)
	}
	return nil
}

// Consume attaches a consumer to the queue.
func (ch *Channel) Consume(queueName, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := b.queues[queueName]
	if !ok {
		return nil, channelError(amqp.NotFound, "NOT_FOUND - no queue '%s'", queueName)
	}
	if q.owner != nil && q.owner != ch.conn {
		return nil, channelError(amqp.ResourceLocked, "RESOURCE_LOCKED - queue '%s' is exclusive to another connection", queueName)
	}
	if exclusive && len(q.consumers) > 0 {
		return nil, channelError(amqp.AccessRefused, "ACCESS_REFUSED - queue '%s' in exclusive use", queueName)
	}
	if tag == "" {
		tag = fmt.Sprintf("ctag-%d", len(ch.consumers)+1)
	}
	if _, dup := ch.consumers[tag]; dup {
		return nil, channelError(amqp.NotAllowed, "NOT_ALLOWED - attempt to reuse consumer tag '%s'", tag)
	}

	c := newConsumer(ch, q, tag, autoAck)
	ch.consumers[tag] = c
	q.consumers = append(q.consumers, c)
	go c.run()

	b.dispatchLocked(q)
	return c.out, nil
}

// Cancel detaches the consumer. Deliveries not yet received by the client go
// back to the queue; received but unacknowledged ones stay pending until
// they are acked or the channel closes.
func (ch *Channel) Cancel(tag string, noWait bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	c, ok := ch.consumers[tag]
	if !ok {
		return nil
	}
	b.removeConsumerLocked(c)
	return nil
}

// PublishWithContext routes msg through the default exchange to the queue
// named key. Unroutable messages are dropped.
func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if b.failPublishes > 0 {
		b.failPublishes--
		ch.conn.shutdownLocked(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - publish interrupted", Server: true})
		return amqp.ErrClosed
	}
	if exchange != "" {
		return channelError(amqp.NotFound, "NOT_FOUND - no exchange '%s'", exchange)
	}

	q, ok := b.queues[key]
	if !ok {
		b.dropped++
		return nil
	}

	body := make([]byte, len(msg.Body))
	copy(body, msg.Body)
	msg.Body = body
	q.messages = append(q.messages, storedMessage{pub: msg})
	b.dispatchLocked(q)
	return nil
}

// NotifyClose registers receiver for the channel close error.
func (ch *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notify = append(ch.notify, receiver)
	return receiver
}

// Close closes the channel and requeues its unacknowledged deliveries.
func (ch *Channel) Close() error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.shutdownLocked(nil)
	delete(ch.conn.channels, ch)
	return nil
}

// Ack implements amqp.Acknowledger.
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	items, err := ch.settleLocked(tag, multiple)
	if err != nil {
		return err
	}
	for _, item := range items {
		b.dispatchLocked(item.queue)
	}
	return nil
}

// Nack implements amqp.Acknowledger.
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	items, err := ch.settleLocked(tag, multiple)
	if err != nil {
		return err
	}
	if requeue {
		b.requeueLocked(items)
		return nil
	}
	for _, item := range items {
		b.dispatchLocked(item.queue)
	}
	return nil
}

// Reject implements amqp.Acknowledger.
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

// settleLocked removes tag (and every lower tag when multiple is set) from
// the unacked set.
func (ch *Channel) settleLocked(tag uint64, multiple bool) ([]*inflight, error) {
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	var tags []uint64
	if multiple {
		for t := range ch.unacked {
			if t <= tag {
				tags = append(tags, t)
			}
		}
		sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	} else {
		if _, ok := ch.unacked[tag]; !ok {
			return nil, channelError(amqp.PreconditionFailed, "PRECONDITION_FAILED - unknown delivery tag %d", tag)
		}
		tags = []uint64{tag}
	}

	items := make([]*inflight, 0, len(tags))
	for _, t := range tags {
		item := ch.unacked[t]
		delete(ch.unacked, t)
		item.consumer.inflight--
		items = append(items, item)
	}
	return items, nil
}

// requeueTagLocked returns a single delivery to its queue if it is still
// unacknowledged.
func (ch *Channel) requeueTagLocked(tag uint64) {
	if _, ok := ch.unacked[tag]; !ok {
		return
	}
	items, _ := ch.settleLocked(tag, false)
	ch.broker.requeueLocked(items)
}

func (ch *Channel) shutdownLocked(reason *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closing = true
	for _, c := range ch.consumers {
		ch.broker.removeConsumerLocked(c)
	}

	tags := make([]uint64, 0, len(ch.unacked))
	for t := range ch.unacked {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	items := make([]*inflight, 0, len(tags))
	for _, t := range tags {
		items = append(items, ch.unacked[t])
		delete(ch.unacked, t)
	}
	ch.closed = true
	ch.broker.requeueLocked(items)

	notifyLocked(ch.notify, reason)
	ch.notify = nil
}
