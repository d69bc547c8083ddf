// Package rpc turns one-way work queues into call-and-wait operations. Each
// call gets its own reply queue named after its correlation id, and a
// pending-call table routes replies to the caller waiting for them.
package rpc

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/objectbridge/internal/runtime/bus"
	"github.com/drblury/objectbridge/internal/runtime/envelope"
	"github.com/drblury/objectbridge/internal/runtime/errors"
	"github.com/drblury/objectbridge/internal/runtime/ids"
	"github.com/drblury/objectbridge/internal/runtime/logging"
)

const (
	DefaultTimeout          = 10 * time.Second
	DefaultReplyQueuePrefix = "response_"
	DefaultCleanupTimeout   = 5 * time.Second
)

// Bus is what the correlator needs from the connection manager.
type Bus interface {
	PublishContext(ctx context.Context, queue string, messages ...*message.Message) error
	OpenReplyQueue(ctx context.Context, name string) (*bus.Consumer, error)
	PublishWithReply(ctx context.Context, queue string, rq *bus.Consumer, msg *message.Message) (*bus.Consumer, error)
	CloseReplyQueue(ctx context.Context, c *bus.Consumer) error
}

var _ Bus = (*bus.Manager)(nil)

// Options configures a Correlator.
type Options struct {
	// Timeout applies when CallAndWait is given a non-positive timeout.
	Timeout          time.Duration
	ReplyQueuePrefix string
	// CleanupTimeout bounds reply queue teardown, which runs even when the
	// caller's context is already done.
	CleanupTimeout time.Duration
	// WriteQueue and ReadQueue are used by Write and Read.
	WriteQueue string
	ReadQueue  string
	Logger     logging.ServiceLogger
	Metrics    *Metrics
	Tracer     trace.Tracer
}

type result struct {
	resp *envelope.Response
	err  error
}

type call struct {
	replyTo string
	done    chan result
}

// Correlator issues requests and matches replies to them. It is safe for
// concurrent use.
type Correlator struct {
	bus    Bus
	opts   Options
	log    logging.ServiceLogger
	tracer trace.Tracer

	mu      sync.Mutex
	pending map[string]*call
}

// NewCorrelator builds a correlator publishing through b.
func NewCorrelator(b Bus, opts Options) (*Correlator, error) {
	if b == nil {
		return nil, errors.ErrPublisherRequired
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.ReplyQueuePrefix == "" {
		opts.ReplyQueuePrefix = DefaultReplyQueuePrefix
	}
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = DefaultCleanupTimeout
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("objectbridge/rpc")
	}
	return &Correlator{
		bus:     b,
		opts:    opts,
		log:     logging.OrNop(opts.Logger).With(logging.LogFields{"component": "rpc"}),
		tracer:  tracer,
		pending: make(map[string]*call),
	}, nil
}

// Pending returns the number of calls waiting for a reply.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Write publishes to the write queue without waiting for a reply.
func (c *Correlator) Write(ctx context.Context, eventType string, payload envelope.Payload) (string, error) {
	return c.CallNoWait(ctx, c.opts.WriteQueue, eventType, payload)
}

// Read calls the read queue and waits for the reply with the default timeout.
func (c *Correlator) Read(ctx context.Context, eventType string, payload envelope.Payload) (*envelope.Response, error) {
	return c.CallAndWait(ctx, c.opts.ReadQueue, eventType, payload, 0)
}

// CallNoWait publishes a request without a reply address and returns its
// request id.
func (c *Correlator) CallNoWait(ctx context.Context, queue, eventType string, payload envelope.Payload) (string, error) {
	if eventType == "" {
		return "", errors.ErrEventTypeRequired
	}
	id := ids.CreateULID()

	ctx, span := c.tracer.Start(ctx, "rpc.CallNoWait", trace.WithSpanKind(trace.SpanKindProducer), trace.WithAttributes(
		attribute.String("messaging.destination.name", queue),
		attribute.String("objectbridge.event_type", eventType),
		attribute.String("objectbridge.request_id", id),
	))
	defer span.End()

	msg, err := envelope.NewRequestMessage(envelope.NewRequest(eventType, payload, id), "")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	if err := c.bus.PublishContext(ctx, queue, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.opts.Metrics.observe(eventType, OutcomeError, 0)
		return "", fmt.Errorf("publish %s: %w", eventType, err)
	}

	c.opts.Metrics.observe(eventType, OutcomeAccepted, 0)
	c.log.Debug("Request published", logging.LogFields{"event_type": eventType, "request_id": id, "queue": queue})
	return id, nil
}

// CallAndWait publishes a request and blocks until the matching reply
// arrives, the timeout elapses (*TimeoutError) or ctx ends (ctx.Err()). The
// reply queue is removed on every path. A non-positive timeout uses the
// configured default. When the connection drops before the reply arrives the
// reply queue is declared again on the new connection and the request is
// resent, so the caller only sees added latency.
func (c *Correlator) CallAndWait(ctx context.Context, queue, eventType string, payload envelope.Payload, timeout time.Duration) (resp *envelope.Response, err error) {
	if eventType == "" {
		return nil, errors.ErrEventTypeRequired
	}
	if timeout <= 0 {
		timeout = c.opts.Timeout
	}

	id := ids.CreateULID()
	replyTo := c.opts.ReplyQueuePrefix + id
	start := time.Now()
	log := c.log.With(logging.LogFields{"event_type": eventType, "request_id": id})

	ctx, span := c.tracer.Start(ctx, "rpc.CallAndWait", trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(
		attribute.String("messaging.destination.name", queue),
		attribute.String("objectbridge.event_type", eventType),
		attribute.String("objectbridge.request_id", id),
	))
	defer func() {
		outcome := OutcomeOK
		switch {
		case stderrors.Is(err, ErrTimeout):
			outcome = OutcomeTimeout
		case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
			outcome = OutcomeCancelled
		case err != nil:
			outcome = OutcomeError
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("objectbridge.outcome", outcome))
		span.End()
		c.opts.Metrics.observe(eventType, outcome, time.Since(start))
	}()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fail := func(stage string, cause error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if waitCtx.Err() != nil {
			log.Info("Request timed out", logging.LogFields{"stage": stage, "timeout": timeout.String()})
			return &TimeoutError{EventType: eventType, RequestID: id, Timeout: timeout}
		}
		return fmt.Errorf("%s %s: %w", stage, eventType, cause)
	}

	pending := &call{replyTo: replyTo, done: make(chan result, 1)}
	c.register(id, pending)
	defer c.unregister(id)

	rq, err := c.bus.OpenReplyQueue(waitCtx, replyTo)
	if err != nil {
		return nil, fail("open reply queue for", err)
	}

	pump := c.startPump(rq)
	defer func() {
		pump.halt()
		cleanupCtx, cancelCleanup := context.WithTimeout(context.WithoutCancel(ctx), c.opts.CleanupTimeout)
		defer cancelCleanup()
		if cerr := c.bus.CloseReplyQueue(cleanupCtx, pump.rq); cerr != nil {
			log.Error("Removing reply queue failed", cerr, logging.LogFields{"queue": replyTo})
		}
	}()

	msg, err := envelope.NewRequestMessage(envelope.NewRequest(eventType, payload, id), replyTo)
	if err != nil {
		return nil, err
	}

	lost := false
	for {
		next, err := c.bus.PublishWithReply(waitCtx, queue, pump.rq, msg)
		redeclared := next != nil && next != pump.rq
		if redeclared {
			pump.halt()
			pump = c.startPump(next)
		}
		if err != nil {
			return nil, fail("publish", err)
		}
		if lost && !redeclared {
			return nil, fmt.Errorf("wait for %s: %w", eventType, ErrReplyConsumerCancelled)
		}
		lost = false
		log.Debug("Request published, waiting for reply", logging.LogFields{"queue": queue})

		select {
		case r := <-pending.done:
			return r.resp, r.err
		case <-pump.done:
			// The reply queue went away with its connection. A reply that made
			// it in before that is still taken; otherwise the request is sent
			// again once the queue is back.
			select {
			case r := <-pending.done:
				return r.resp, r.err
			default:
			}
			log.Info("Reply queue lost, sending request again", logging.LogFields{"queue": replyTo})
			lost = true
		case <-waitCtx.Done():
			return nil, fail("wait for", waitCtx.Err())
		}
	}
}

// replyPump drains one reply queue consumer.
type replyPump struct {
	rq   *bus.Consumer
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func (c *Correlator) startPump(rq *bus.Consumer) *replyPump {
	p := &replyPump{rq: rq, stop: make(chan struct{}), done: make(chan struct{})}
	go c.pump(rq, p.stop, p.done)
	return p
}

// halt stops the pump and waits for it to return.
func (p *replyPump) halt() {
	p.once.Do(func() { close(p.stop) })
	<-p.done
}

func (c *Correlator) register(id string, pending *call) {
	c.mu.Lock()
	c.pending[id] = pending
	n := len(c.pending)
	c.mu.Unlock()
	c.opts.Metrics.setPending(n)
}

func (c *Correlator) unregister(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	n := len(c.pending)
	c.mu.Unlock()
	c.opts.Metrics.setPending(n)
}

// pump drains one reply queue until stop is closed or the queue's delivery
// channel closes with its connection.
func (c *Correlator) pump(rq *bus.Consumer, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case d, ok := <-rq.Deliveries:
			if !ok {
				return
			}
			c.deliver(rq.Queue, d)
		}
	}
}

// deliver hands d to the call waiting on queue under d's correlation id.
// Anything else is acknowledged and dropped.
func (c *Correlator) deliver(queue string, d amqp.Delivery) {
	c.mu.Lock()
	pending, ok := c.pending[d.CorrelationId]
	c.mu.Unlock()

	if !ok || pending.replyTo != queue {
		_ = d.Ack(false)
		c.opts.Metrics.replyDiscarded()
		c.log.Debug("Discarding reply with unexpected correlation id", logging.LogFields{"queue": queue, "correlation_id": d.CorrelationId})
		return
	}

	resp, err := envelope.UnmarshalResponse(d.Body)
	if err != nil {
		err = fmt.Errorf("decode reply: %w", err)
	}
	if ackErr := d.Ack(false); ackErr != nil {
		c.log.Error("Acknowledging reply failed", ackErr, logging.LogFields{"queue": queue})
	}

	select {
	case pending.done <- result{resp: resp, err: err}:
	default:
	}
}
