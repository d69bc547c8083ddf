// Package worker consumes the durable work queues. Every queue gets its own
// Watermill router handler which processes one message at a time: decode,
// look up the handler for the event type, run it, reply when the request
// carries a reply address, then ack. Only messages that cannot be decoded, or
// whose reply cannot be published, are nacked.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/objectbridge/internal/runtime/envelope"
	"github.com/drblury/objectbridge/internal/runtime/errors"
	"github.com/drblury/objectbridge/internal/runtime/logging"
	"github.com/drblury/objectbridge/internal/runtime/metadata"
)

// Handler runs one operation. Business failures are returned either as an
// error response or as an error; both are replied as {error} and acked.
type Handler func(ctx context.Context, payload envelope.Payload) (*envelope.Response, error)

// Registry is the closed set of operations served on one queue.
type Registry map[string]Handler

// Replier publishes replies. *bus.Manager implements it.
type Replier interface {
	PublishContext(ctx context.Context, queue string, messages ...*message.Message) error
}

// Options configures a Dispatcher.
type Options struct {
	Subscriber message.Subscriber
	Replier    Replier
	Logger     logging.ServiceLogger
	Metrics    *Metrics
	Tracer     trace.Tracer
	// Registerer enables Watermill's router metrics when set.
	Registerer prometheus.Registerer
	// Middlewares run after DefaultMiddlewares unless DisableDefaultMiddlewares is set.
	Middlewares               []MiddlewareRegistration
	DisableDefaultMiddlewares bool
	// CloseTimeout bounds how long Close waits for in-flight handlers.
	CloseTimeout time.Duration
	// HandleSignals stops the router on SIGINT and SIGTERM.
	HandleSignals bool
}

// Dispatcher routes work queue messages to handlers.
type Dispatcher struct {
	router     *message.Router
	subscriber message.Subscriber
	replier    Replier
	log        logging.ServiceLogger
	metrics    *Metrics
	tracer     trace.Tracer
	registerer prometheus.Registerer

	mu     sync.Mutex
	queues map[string]Registry
}

// NewDispatcher builds a dispatcher. Register queues with Handle before Run.
func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Subscriber == nil {
		return nil, errors.ErrSubscriberRequired
	}
	if opts.Replier == nil {
		return nil, errors.ErrPublisherRequired
	}
	log := logging.OrNop(opts.Logger).With(logging.LogFields{"component": "worker"})

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: opts.CloseTimeout}, logging.NewWatermillAdapter(log))
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}
	if opts.HandleSignals {
		router.AddPlugin(plugin.SignalsHandler)
	}

	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("objectbridge/worker")
	}

	d := &Dispatcher{
		router:     router,
		subscriber: opts.Subscriber,
		replier:    opts.Replier,
		log:        log,
		metrics:    opts.Metrics,
		tracer:     tracer,
		registerer: opts.Registerer,
		queues:     make(map[string]Registry),
	}

	var registrations []MiddlewareRegistration
	if !opts.DisableDefaultMiddlewares {
		registrations = append(registrations, DefaultMiddlewares()...)
	}
	registrations = append(registrations, opts.Middlewares...)
	for _, reg := range registrations {
		if err := d.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return nil, fmt.Errorf("register middleware %s: %w", name, err)
		}
	}
	return d, nil
}

// Handle consumes queue and serves the operations in handlers.
func (d *Dispatcher) Handle(queue string, handlers Registry) error {
	if queue == "" {
		return errors.ErrQueueRequired
	}
	if len(handlers) == 0 {
		return errors.ErrHandlerRequired
	}
	for eventType, h := range handlers {
		if eventType == "" {
			return errors.ErrEventTypeRequired
		}
		if h == nil {
			return fmt.Errorf("%w: %s", errors.ErrHandlerRequired, eventType)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.queues[queue]; ok {
		return fmt.Errorf("queue %s is already handled", queue)
	}
	registry := make(Registry, len(handlers))
	for eventType, h := range handlers {
		registry[eventType] = h
	}
	d.queues[queue] = registry

	d.router.AddNoPublisherHandler(
		"objectbridge-"+queue,
		queue,
		d.subscriber,
		func(msg *message.Message) error {
			return d.Dispatch(queue, registry, msg)
		},
	)
	d.log.Info("Handling queue", logging.LogFields{"queue": queue, "event_types": len(registry)})
	return nil
}

// Run blocks until ctx is cancelled or Close is called.
func (d *Dispatcher) Run(ctx context.Context) error {
	return d.router.Run(ctx)
}

// Running is closed once all queue handlers are subscribed.
func (d *Dispatcher) Running() chan struct{} {
	return d.router.Running()
}

// Close stops consuming and waits for in-flight handlers.
func (d *Dispatcher) Close() error {
	return d.router.Close()
}

// Dispatch processes one message. The returned error makes the router nack it.
func (d *Dispatcher) Dispatch(queue string, handlers Registry, msg *message.Message) error {
	ctx := msg.Context()
	log := d.log.With(logging.LogFields{"queue": queue, "message_uuid": msg.UUID})

	req, err := envelope.UnmarshalRequest(msg.Payload)
	if err != nil {
		d.metrics.message(queue, OutcomeDecodeFailed)
		log.Error("Cannot decode request, requesting redelivery", err, nil)
		return &DecodeError{Queue: queue, MessageID: msg.UUID, Err: err}
	}
	log = log.With(logging.LogFields{"event_type": req.EventType, "request_id": req.RequestID})
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("objectbridge.event_type", req.EventType))

	outcome := OutcomeOK
	var resp *envelope.Response
	handler, ok := handlers[req.EventType]
	if !ok {
		outcome = OutcomeUnknownEvent
		resp = envelope.NewErrorResponse(UnknownEventType)
		log.Info("Unknown event type", nil)
	} else {
		start := time.Now()
		resp, err = invoke(ctx, req.EventType, handler, req.Payload)
		d.metrics.handled(queue, req.EventType, time.Since(start))
		switch {
		case err != nil:
			outcome = OutcomeFault
			resp = envelope.NewErrorResponse(err.Error())
			log.Error("Handler failed", err, nil)
		case resp.IsError():
			outcome = OutcomeFault
			log.Info("Handler returned an error response", logging.LogFields{"error": resp.Error})
		default:
			log.Debug("Handler succeeded", nil)
		}
	}

	if replyTo := metadata.FromWatermill(msg.Metadata).ReplyTo(); replyTo != "" {
		if err := d.reply(ctx, replyTo, correlationID(msg, req), resp); err != nil {
			d.metrics.message(queue, OutcomeReplyFailed)
			log.Error("Publishing reply failed, requesting redelivery", err, logging.LogFields{"reply_to": replyTo})
			return err
		}
		log.Debug("Reply published", logging.LogFields{"reply_to": replyTo})
	}

	d.metrics.message(queue, outcome)
	return nil
}

func (d *Dispatcher) reply(ctx context.Context, replyTo, correlationID string, resp *envelope.Response) error {
	msg, err := envelope.NewResponseMessage(resp, correlationID)
	if err != nil {
		return err
	}
	if err := d.replier.PublishContext(ctx, replyTo, msg); err != nil {
		return fmt.Errorf("publish reply to %s: %w", replyTo, err)
	}
	return nil
}

// invoke runs h, turning a panic into a *PanicError.
func invoke(ctx context.Context, eventType string, h Handler, payload envelope.Payload) (resp *envelope.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, &PanicError{EventType: eventType, Value: r}
		}
	}()
	resp, err = h(ctx, payload)
	if err == nil && resp == nil {
		err = ErrNoResponse
	}
	return resp, err
}

// correlationID prefers the transport correlation id over the envelope's
// request id.
func correlationID(msg *message.Message, req envelope.Request) string {
	if id := metadata.FromWatermill(msg.Metadata).CorrelationID(); id != "" {
		return id
	}
	if req.RequestID != "" {
		return req.RequestID
	}
	return msg.UUID
}
