package memory

import (
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/objectbridge/internal/runtime/bus"
)

// Connection is a client connection to a Broker.
type Connection struct {
	broker   *Broker
	closed   bool
	channels map[*Channel]struct{}
	notify   []chan *amqp.Error
}

var _ bus.Connection = (*Connection)(nil)

// Channel opens a channel on the connection.
func (c *Connection) Channel() (bus.Channel, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{
		broker:    c.broker,
		conn:      c,
		consumers: make(map[string]*consumer),
		unacked:   make(map[uint64]*inflight),
	}
	c.channels[ch] = struct{}{}
	return ch, nil
}

// NotifyClose registers receiver for the close error. The receiver is closed
// once the connection shuts down, right away if it already has.
func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

// Close closes the connection and every channel opened on it.
func (c *Connection) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	c.shutdownLocked(nil)
	return nil
}

// IsClosed reports whether the connection is closed.
func (c *Connection) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

func (c *Connection) shutdownLocked(reason *amqp.Error) {
	if c.closed {
		return
	}
	c.closed = true
	delete(c.broker.conns, c)

	for ch := range c.channels {
		ch.shutdownLocked(reason)
	}
	for _, q := range c.broker.queues {
		if q.owner == c {
			c.broker.deleteQueueLocked(q)
		}
	}
	notifyLocked(c.notify, reason)
	c.notify = nil
}

func notifyLocked(receivers []chan *amqp.Error, reason *amqp.Error) {
	for _, receiver := range receivers {
		if reason != nil {
			select {
			case receiver <- reason:
			default:
			}
		}
		close(receiver)
	}
}
