package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	wamqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/objectbridge/internal/runtime/envelope"
	"github.com/drblury/objectbridge/internal/runtime/errors"
	"github.com/drblury/objectbridge/internal/runtime/logging"
)

const (
	DefaultInitialInterval = time.Second
	DefaultMaxInterval     = 30 * time.Second
)

// Options configures a Manager.
type Options struct {
	URL    string
	Dialer Dialer
	// Queues are declared durable on every successful connect.
	Queues []string
	// InitialInterval and MaxInterval bound the reconnect backoff.
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Jitter is the backoff randomization factor; zero gives 1,2,4,...,cap.
	Jitter float64
	// Prefetch sets the channel QoS when positive.
	Prefetch  int
	Marshaler wamqp.Marshaler
	Logger    logging.ServiceLogger
	Metrics   *Metrics
	// OnStateChange observes every transition. For Backoff the delay about to
	// be slept is passed along; it is zero otherwise.
	OnStateChange func(state State, delay time.Duration)
}

// Consumer is an active consumer on a queue. Deliveries is closed when the
// connection it was opened on goes away.
type Consumer struct {
	Queue      string
	Tag        string
	Deliveries <-chan amqp.Delivery

	generation uint64
}

// Manager owns one connection and one channel. Every operation on the
// channel, including connecting, runs while holding the ops slot so writes
// never interleave.
type Manager struct {
	opts      Options
	log       logging.ServiceLogger
	marshaler wamqp.Marshaler
	backoff   *backoff.ExponentialBackOff

	// ops is a one-slot semaphore; it can be awaited with a context.
	ops       chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	mu         sync.RWMutex
	conn       Connection
	ch         Channel
	generation uint64
	connects   uint64
	state      State
	delay      time.Duration
}

var _ message.Publisher = (*Manager)(nil)

// NewManager validates opts and returns a disconnected manager. It does not
// dial; the first operation or EnsureConnected does.
func NewManager(opts Options) (*Manager, error) {
	if opts.Dialer == nil {
		return nil, errors.ErrDialerRequired
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = DefaultInitialInterval
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = DefaultMaxInterval
	}
	if opts.MaxInterval < opts.InitialInterval {
		opts.MaxInterval = opts.InitialInterval
	}
	if opts.Marshaler == nil {
		opts.Marshaler = envelope.Marshaler{}
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     opts.InitialInterval,
		RandomizationFactor: opts.Jitter,
		Multiplier:          2,
		MaxInterval:         opts.MaxInterval,
	}
	b.Reset()

	return &Manager{
		opts:      opts,
		log:       logging.OrNop(opts.Logger).With(logging.LogFields{"component": "bus"}),
		marshaler: opts.Marshaler,
		backoff:   b,
		ops:       make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}, nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Status returns the current state together with the pending backoff delay,
// which is zero unless the state is Backoff.
func (m *Manager) Status() (State, time.Duration) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state, m.delay
}

// Generation increments on every successful connect.
func (m *Manager) Generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

// EnsureConnected blocks until the manager is connected, ctx is done or the
// manager is closed.
func (m *Manager) EnsureConnected(ctx context.Context) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()

	_, _, err := m.connectLocked(ctx)
	return err
}

// Publish implements message.Publisher. topic is the queue name. It only
// returns early when the manager is closed.
func (m *Manager) Publish(topic string, messages ...*message.Message) error {
	return m.PublishContext(context.Background(), topic, messages...)
}

// PublishContext sends messages to queue through the default exchange. A
// transport failure drops the connection and the publish is retried after
// reconnecting, for as long as ctx allows.
func (m *Manager) PublishContext(ctx context.Context, queue string, messages ...*message.Message) error {
	if queue == "" {
		return errors.ErrQueueRequired
	}

	publishings := make([]amqp.Publishing, 0, len(messages))
	for _, msg := range messages {
		p, err := m.marshaler.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal message %s: %w", msg.UUID, err)
		}
		publishings = append(publishings, p)
	}

	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()

	for i := 0; i < len(publishings); {
		ch, gen, err := m.connectLocked(ctx)
		if err != nil {
			m.opts.Metrics.published("aborted")
			return err
		}
		if err := ch.PublishWithContext(ctx, "", queue, false, false, publishings[i]); err != nil {
			if ctxErr := m.done(ctx); ctxErr != nil {
				m.opts.Metrics.published("aborted")
				return ctxErr
			}
			m.opts.Metrics.published("retried")
			m.log.Error("Publish failed, reconnecting", err, logging.LogFields{"queue": queue})
			m.invalidate(gen, err)
			continue
		}
		m.opts.Metrics.published("ok")
		i++
	}
	return nil
}

// PublishWithReply publishes msg to queue once the reply queue of rq is
// consumed on the connection the publish goes out on. When rq was declared on
// an earlier connection the queue is declared and consumed again under the
// same name, and the returned consumer replaces rq. On error the last live
// consumer is returned so the caller can still clean it up.
func (m *Manager) PublishWithReply(ctx context.Context, queue string, rq *Consumer, msg *message.Message) (*Consumer, error) {
	if queue == "" {
		return rq, errors.ErrQueueRequired
	}
	if rq == nil {
		return nil, errors.ErrReplyQueueRequired
	}
	p, err := m.marshaler.Marshal(msg)
	if err != nil {
		return rq, fmt.Errorf("marshal message %s: %w", msg.UUID, err)
	}

	if err := m.acquire(ctx); err != nil {
		return rq, err
	}
	defer m.release()

	for {
		ch, gen, err := m.connectLocked(ctx)
		if err != nil {
			m.opts.Metrics.published("aborted")
			return rq, err
		}
		if rq.generation != gen {
			deliveries, err := declareAndConsume(ch, rq.Queue, rq.Tag, true)
			if err != nil {
				m.log.Error("Declaring reply queue failed, reconnecting", err, logging.LogFields{"queue": rq.Queue})
				m.invalidate(gen, err)
				continue
			}
			m.log.Info("Reply queue declared again after reconnect", logging.LogFields{"queue": rq.Queue, "generation": gen})
			rq = &Consumer{Queue: rq.Queue, Tag: rq.Tag, Deliveries: deliveries, generation: gen}
		}
		if err := ch.PublishWithContext(ctx, "", queue, false, false, p); err != nil {
			if ctxErr := m.done(ctx); ctxErr != nil {
				m.opts.Metrics.published("aborted")
				return rq, ctxErr
			}
			m.opts.Metrics.published("retried")
			m.log.Error("Publish failed, reconnecting", err, logging.LogFields{"queue": queue})
			m.invalidate(gen, err)
			continue
		}
		m.opts.Metrics.published("ok")
		return rq, nil
	}
}

// OpenReplyQueue declares an exclusive, auto-deleting queue called name and
// starts consuming it with manual acknowledgement.
func (m *Manager) OpenReplyQueue(ctx context.Context, name string) (*Consumer, error) {
	return m.consume(ctx, name, "ctag-"+name, true)
}

// CloseReplyQueue cancels the consumer and deletes the queue. When the
// connection the queue was declared on is already gone the broker has
// removed the queue and nothing is done.
func (m *Manager) CloseReplyQueue(ctx context.Context, c *Consumer) error {
	return m.cancel(ctx, c, true)
}

// Consume starts a manual-ack consumer on the durable queue.
func (m *Manager) Consume(ctx context.Context, queue, tag string) (*Consumer, error) {
	return m.consume(ctx, queue, tag, false)
}

// Cancel stops a consumer started with Consume.
func (m *Manager) Cancel(ctx context.Context, c *Consumer) error {
	return m.cancel(ctx, c, false)
}

func (m *Manager) consume(ctx context.Context, queue, tag string, ephemeral bool) (*Consumer, error) {
	if queue == "" {
		return nil, errors.ErrQueueRequired
	}
	if err := m.acquire(ctx); err != nil {
		return nil, err
	}
	defer m.release()

	for {
		ch, gen, err := m.connectLocked(ctx)
		if err != nil {
			return nil, err
		}
		deliveries, err := declareAndConsume(ch, queue, tag, ephemeral)
		if err != nil {
			m.log.Error("Consuming queue failed, reconnecting", err, logging.LogFields{"queue": queue})
			m.invalidate(gen, err)
			continue
		}
		return &Consumer{Queue: queue, Tag: tag, Deliveries: deliveries, generation: gen}, nil
	}
}

// declareAndConsume declares queue (exclusive and auto-deleting when
// ephemeral, durable otherwise) and starts a manual-ack consumer on it.
func declareAndConsume(ch Channel, queue, tag string, ephemeral bool) (<-chan amqp.Delivery, error) {
	if _, err := ch.QueueDeclare(queue, !ephemeral, ephemeral, ephemeral, false, nil); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	deliveries, err := ch.Consume(queue, tag, false, ephemeral, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume queue %s: %w", queue, err)
	}
	return deliveries, nil
}

func (m *Manager) cancel(ctx context.Context, c *Consumer, deleteQueue bool) error {
	if c == nil {
		return errors.ErrReplyQueueRequired
	}
	// A consumer dies with its connection; nothing to wait for the ops slot for.
	if !m.live(c) {
		return nil
	}
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()

	m.mu.RLock()
	ch, gen := m.ch, m.generation
	m.mu.RUnlock()
	if ch == nil || gen != c.generation {
		return nil
	}

	if err := ch.Cancel(c.Tag, false); err != nil {
		m.invalidate(gen, err)
		return fmt.Errorf("cancel consumer %s: %w", c.Tag, err)
	}
	if !deleteQueue {
		return nil
	}
	if _, err := ch.QueueDelete(c.Queue, false, false, false); err != nil {
		m.invalidate(gen, err)
		return fmt.Errorf("delete queue %s: %w", c.Queue, err)
	}
	return nil
}

// live reports whether c was opened on the current connection.
func (m *Manager) live(c *Consumer) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ch != nil && m.generation == c.generation
}

// Close drops the connection and makes every pending and future operation
// fail with ErrBusClosed.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.closed)

		m.mu.Lock()
		conn := m.conn
		m.conn, m.ch = nil, nil
		m.mu.Unlock()

		if conn != nil {
			err = conn.Close()
		}
		m.setState(Disconnected, 0)
	})
	return err
}

func (m *Manager) acquire(ctx context.Context) error {
	select {
	case <-m.closed:
		return errors.ErrBusClosed
	default:
	}
	select {
	case m.ops <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.closed:
		return errors.ErrBusClosed
	}
}

func (m *Manager) release() {
	<-m.ops
}

func (m *Manager) done(ctx context.Context) error {
	select {
	case <-m.closed:
		return errors.ErrBusClosed
	default:
	}
	return ctx.Err()
}

// connectLocked returns the live channel, dialing with backoff when there is
// none. The caller must hold the ops slot.
func (m *Manager) connectLocked(ctx context.Context) (Channel, uint64, error) {
	for {
		m.mu.RLock()
		ch, gen := m.ch, m.generation
		m.mu.RUnlock()
		if ch != nil {
			return ch, gen, nil
		}
		if err := m.done(ctx); err != nil {
			return nil, 0, err
		}

		m.setState(Connecting, 0)
		ch, gen, err := m.dial()
		if err == nil {
			m.backoff.Reset()
			return ch, gen, nil
		}

		delay := m.backoff.NextBackOff()
		m.log.Error("Bus connection failed", err, logging.LogFields{"retry_in": delay.String()})
		m.setState(Backoff, delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			m.setState(Disconnected, 0)
			return nil, 0, ctx.Err()
		case <-m.closed:
			timer.Stop()
			return nil, 0, errors.ErrBusClosed
		}
	}
}

func (m *Manager) dial() (Channel, uint64, error) {
	conn, err := m.opts.Dialer(m.opts.URL)
	if err != nil {
		return nil, 0, fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, 0, fmt.Errorf("open channel: %w", err)
	}
	if m.opts.Prefetch > 0 {
		if err := ch.Qos(m.opts.Prefetch, 0, false); err != nil {
			_ = conn.Close()
			return nil, 0, fmt.Errorf("set qos: %w", err)
		}
	}
	for _, queue := range m.opts.Queues {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			_ = conn.Close()
			return nil, 0, fmt.Errorf("declare queue %s: %w", queue, err)
		}
	}

	connCloses := conn.NotifyClose(make(chan *amqp.Error, 1))
	chCloses := ch.NotifyClose(make(chan *amqp.Error, 1))

	m.mu.Lock()
	select {
	case <-m.closed:
		m.mu.Unlock()
		_ = conn.Close()
		return nil, 0, errors.ErrBusClosed
	default:
	}
	m.generation++
	m.connects++
	gen, connects := m.generation, m.connects
	m.conn, m.ch = conn, ch
	m.mu.Unlock()

	if connects > 1 {
		m.opts.Metrics.reconnected()
	}
	m.setState(Connected, 0)
	m.log.Info("Bus connected", logging.LogFields{"generation": gen})

	go m.watch(gen, connCloses, chCloses)
	return ch, gen, nil
}

// watch drops generation gen as soon as the broker closes its connection or
// channel, so idle losses are noticed before the next publish.
func (m *Manager) watch(gen uint64, connCloses, chCloses chan *amqp.Error) {
	var reason *amqp.Error
	select {
	case reason = <-connCloses:
	case reason = <-chCloses:
	case <-m.closed:
		return
	}
	var err error
	if reason != nil {
		err = reason
	}
	m.invalidate(gen, err)
}

func (m *Manager) invalidate(gen uint64, cause error) {
	m.mu.Lock()
	if m.generation != gen || m.conn == nil {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn, m.ch = nil, nil
	m.mu.Unlock()

	m.setState(Disconnected, 0)
	if cause != nil {
		m.log.Error("Bus connection lost", cause, logging.LogFields{"generation": gen})
	} else {
		m.log.Info("Bus connection closed", logging.LogFields{"generation": gen})
	}
	_ = conn.Close()
}

func (m *Manager) setState(state State, delay time.Duration) {
	m.mu.Lock()
	m.state = state
	m.delay = delay
	m.mu.Unlock()

	m.opts.Metrics.setState(state)
	if m.opts.OnStateChange != nil {
		m.opts.OnStateChange(state, delay)
	}
}
