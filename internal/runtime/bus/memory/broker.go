// Package memory is an in-process AMQP broker that satisfies bus.Connection
// and bus.Channel. It models the default exchange, durable, exclusive and
// auto-delete queues, per-consumer prefetch and manual acknowledgement, and
// can simulate connection failures.
package memory

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/objectbridge/internal/runtime/bus"
)

// ErrDialRefused is returned by Dial while dial failures are injected.
var ErrDialRefused = errors.New("memory broker: connection refused")

// Broker holds queues shared by every connection dialled from it.
type Broker struct {
	mu sync.Mutex

	queues map[string]*queue
	conns  map[*Connection]struct{}

	dialErr       error
	failDials     int
	failPublishes int

	dials   int
	dropped int
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{
		queues: make(map[string]*queue),
		conns:  make(map[*Connection]struct{}),
	}
}

// Dial opens a connection. It satisfies bus.Dialer; url is ignored.
func (b *Broker) Dial(url string) (bus.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.failDials > 0 {
		b.failDials--
		return nil, ErrDialRefused
	}
	if b.dialErr != nil {
		return nil, b.dialErr
	}

	conn := &Connection{broker: b, channels: make(map[*Channel]struct{})}
	b.conns[conn] = struct{}{}
	return conn, nil
}

// FailNextDials makes the next n dials fail.
func (b *Broker) FailNextDials(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failDials = n
}

// SetDialError makes every dial fail with err until it is reset with nil.
func (b *Broker) SetDialError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// FailNextPublishes makes the next n publishes fail. Each failure also drops
// the publishing connection, as a broker going away mid-write would.
func (b *Broker) FailNextPublishes(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failPublishes = n
}

// DropConnections force-closes every open connection.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for conn := range b.conns {
		conn.shutdownLocked(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker forced connection closure", Server: true})
	}
}

// QueueExists reports whether a queue called name is declared.
func (b *Broker) QueueExists(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// QueueNames returns the declared queues in sorted order.
func (b *Broker) QueueNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Depth returns the number of ready messages in the queue.
func (b *Broker) Depth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.messages)
	}
	return 0
}

// Consumers returns the number of consumers attached to the queue.
func (b *Broker) Consumers(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.consumers)
	}
	return 0
}

// Unacked returns the number of deliveries from the queue that are waiting
// for an acknowledgement.
func (b *Broker) Unacked(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for conn := range b.conns {
		for ch := range conn.channels {
			for _, item := range ch.unacked {
				if item.queue.name == name {
					n++
				}
			}
		}
	}
	return n
}

// Dropped counts publishes that were routed to a queue that did not exist.
func (b *Broker) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Dials counts dial attempts, including failed ones.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Connections returns the number of open connections.
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

type storedMessage struct {
	pub         amqp.Publishing
	redelivered bool
}

type queue struct {
	name       string
	durable    bool
	autoDelete bool
	owner      *Connection

	messages  []storedMessage
	consumers []*consumer
	next      int
	deleted   bool
}

type inflight struct {
	queue    *queue
	consumer *consumer
	msg      storedMessage
}

func (b *Broker) deleteQueueLocked(q *queue) int {
	if q.deleted {
		return 0
	}
	q.deleted = true
	delete(b.queues, q.name)
	for _, c := range q.consumers {
		c.stopLocked()
		delete(c.ch.consumers, c.tag)
	}
	q.consumers = nil
	n := len(q.messages)
	q.messages = nil
	return n
}

func (b *Broker) removeConsumerLocked(c *consumer) {
	q := c.queue
	for i, other := range q.consumers {
		if other == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	delete(c.ch.consumers, c.tag)
	c.stopLocked()
	if q.autoDelete && len(q.consumers) == 0 {
		b.deleteQueueLocked(q)
	}
}

// requeueLocked puts messages back at the head of their queue in tag order.
func (b *Broker) requeueLocked(items []*inflight) {
	for i := len(items) - 1; i >= 0; i-- {
		item := items[i]
		if item.queue.deleted {
			continue
		}
		msg := item.msg
		msg.redelivered = true
		item.queue.messages = append([]storedMessage{msg}, item.queue.messages...)
	}
	for _, item := range items {
		b.dispatchLocked(item.queue)
	}
}

// dispatchLocked hands ready messages to consumers that have prefetch room,
// round robin.
func (b *Broker) dispatchLocked(q *queue) {
	if q.deleted {
		return
	}
	for len(q.messages) > 0 {
		c := q.nextReadyLocked()
		if c == nil {
			return
		}
		msg := q.messages[0]
		q.messages = q.messages[1:]
		c.deliverLocked(msg)
	}
}

func (q *queue) nextReadyLocked() *consumer {
	n := len(q.consumers)
	for i := 0; i < n; i++ {
		c := q.consumers[(q.next+i)%n]
		if c.readyLocked() {
			q.next = (q.next + i + 1) % n
			return c
		}
	}
	return nil
}

func channelError(code int, format string, args ...any) *amqp.Error {
	return &amqp.Error{Code: code, Reason: fmt.Sprintf(format, args...), Server: true}
}
