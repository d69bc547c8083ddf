package worker

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/objectbridge/internal/runtime/logging"
	"github.com/drblury/objectbridge/internal/runtime/metadata"
)

// JobContext describes one message passing through a dispatcher handler.
type JobContext struct {
	HandlerName   string
	Queue         string
	EventType     string
	MessageUUID   string
	CorrelationID string
	// Redelivered is set when the broker delivered the message before.
	Redelivered bool
	Context     context.Context
	StartedAt   time.Time
	// Duration is only set in OnJobDone and OnJobError.
	Duration time.Duration
}

// JobHooks are called around every handled message. Nil hooks are skipped.
// OnJobError sees the errors that make the router nack the message; business
// failures replied as {error} count as done.
type JobHooks struct {
	OnJobStart func(ctx JobContext)
	OnJobDone  func(ctx JobContext)
	OnJobError func(ctx JobContext, err error)
}

// Merge returns hooks calling h first, then other.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainJobHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainJobHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func chainJobHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// JobHooksMiddleware invokes hooks around each handler call.
func JobHooksMiddleware(hooks JobHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "job_hooks",
		Middleware: jobHooksMiddleware(hooks),
	}
}

func jobHooksMiddleware(hooks JobHooks) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			ctx := msg.Context()
			job := JobContext{
				HandlerName:   message.HandlerNameFromCtx(ctx),
				Queue:         message.SubscribeTopicFromCtx(ctx),
				EventType:     msg.Metadata.Get(metadata.KeyEventType),
				MessageUUID:   msg.UUID,
				CorrelationID: msg.Metadata.Get(metadata.KeyCorrelationID),
				Redelivered:   msg.Metadata.Get(metadata.KeyRedelivered) == "true",
				Context:       ctx,
				StartedAt:     time.Now(),
			}

			if hooks.OnJobStart != nil {
				hooks.OnJobStart(job)
			}

			msgs, err := h(msg)
			job.Duration = time.Since(job.StartedAt)

			if err != nil {
				if hooks.OnJobError != nil {
					hooks.OnJobError(job, err)
				}
			} else if hooks.OnJobDone != nil {
				hooks.OnJobDone(job)
			}
			return msgs, err
		}
	}
}

// LoggingHooks logs every job at debug level and failures at error level.
func LoggingHooks(logger logging.ServiceLogger) JobHooks {
	logger = logging.OrNop(logger)
	fields := func(ctx JobContext) logging.LogFields {
		return logging.LogFields{
			"handler":        ctx.HandlerName,
			"queue":          ctx.Queue,
			"event_type":     ctx.EventType,
			"message_uuid":   ctx.MessageUUID,
			"correlation_id": ctx.CorrelationID,
			"redelivered":    ctx.Redelivered,
		}
	}
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Debug("Job started", fields(ctx))
		},
		OnJobDone: func(ctx JobContext) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Debug("Job completed", f)
		},
		OnJobError: func(ctx JobContext, err error) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Error("Job failed", err, f)
		},
	}
}

// AlertingHooks calls alert for every failed job.
func AlertingHooks(alert func(ctx JobContext, err error)) JobHooks {
	return JobHooks{OnJobError: alert}
}
