package worker

import (
	stderrors "errors"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/objectbridge/internal/runtime/jsoncodec"
	"github.com/drblury/objectbridge/internal/runtime/logging"
	"github.com/drblury/objectbridge/internal/runtime/metadata"
)

// MiddlewareBuilder constructs a handler middleware for a dispatcher.
type MiddlewareBuilder func(*Dispatcher) (message.HandlerMiddleware, error)

// MiddlewareRegistration captures how a middleware is added to a dispatcher's router.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the chain used by NewDispatcher.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		RecovererMiddleware(),
	}
}

// CorrelationIDMiddleware fills the correlation id when the publisher did not
// set one: the envelope's request_id first, then the message UUID.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "correlation_id",
		Middleware: func(h message.HandlerFunc) message.HandlerFunc {
			return func(msg *message.Message) ([]*message.Message, error) {
				if msg.Metadata.Get(metadata.KeyCorrelationID) == "" {
					msg.Metadata.Set(metadata.KeyCorrelationID, requestIDOf(msg))
				}
				return h(msg)
			}
		},
	}
}

func requestIDOf(msg *message.Message) string {
	var head struct {
		RequestID string `json:"request_id"`
	}
	if err := jsoncodec.Unmarshal(msg.Payload, &head); err == nil && head.RequestID != "" {
		return head.RequestID
	}
	return msg.UUID
}

// LogMessagesMiddleware logs the metadata of every handled message at debug level.
func LogMessagesMiddleware(logger logging.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(d *Dispatcher) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = d.log
			}
			return func(h message.HandlerFunc) message.HandlerFunc {
				return func(msg *message.Message) ([]*message.Message, error) {
					l.Debug("Processing message", logging.LogFields{
						"message_uuid": msg.UUID,
						"metadata":     msg.Metadata,
						"size":         len(msg.Payload),
					})
					return h(msg)
				}
			}, nil
		},
	}
}

// TracerMiddleware wraps handling in a consumer span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(d *Dispatcher) (message.HandlerMiddleware, error) {
			return func(h message.HandlerFunc) message.HandlerFunc {
				return func(msg *message.Message) ([]*message.Message, error) {
					ctx, span := d.tracer.Start(msg.Context(), "worker.Dispatch",
						trace.WithSpanKind(trace.SpanKindConsumer),
						trace.WithAttributes(
							attribute.String("messaging.message.id", msg.UUID),
							attribute.String("messaging.destination.name", message.SubscribeTopicFromCtx(msg.Context())),
							attribute.String("objectbridge.correlation_id", msg.Metadata.Get(metadata.KeyCorrelationID)),
							attribute.Bool("objectbridge.redelivered", msg.Metadata.Get(metadata.KeyRedelivered) == "true"),
						),
					)
					defer span.End()
					msg.SetContext(ctx)

					out, err := h(msg)
					if err != nil {
						span.RecordError(err)
						span.SetStatus(codes.Error, err.Error())
					}
					return out, err
				}
			}, nil
		},
	}
}

// MetricsMiddleware adds Watermill's Prometheus router metrics when the
// dispatcher has a registerer.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(d *Dispatcher) (message.HandlerMiddleware, error) {
			if d.registerer == nil {
				return nil, nil
			}
			metricsBuilder := metrics.NewPrometheusMetricsBuilder(d.registerer, "objectbridge", "router")
			metricsBuilder.AddPrometheusRouterMetrics(d.router)
			return nil, nil
		},
	}
}

// RecovererMiddleware turns panics outside handlers into errors, which nack
// the message.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

// RegisterMiddleware attaches the middleware to the router. Builders may
// return a nil middleware to opt out.
func (d *Dispatcher) RegisterMiddleware(cfg MiddlewareRegistration) error {
	var mw message.HandlerMiddleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(d)
		if err != nil {
			return err
		}
	default:
		return stderrors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}
	d.router.AddMiddleware(mw)
	return nil
}
