// Package transport defines how objectbridge connects to a message bus. Each
// backend (rabbitmq, memory) lives in its own sub-package and registers a
// Builder with the registry.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/objectbridge/internal/runtime/bus"
	"github.com/drblury/objectbridge/internal/runtime/logging"
)

// Transport is what a process needs from the bus.
type Transport struct {
	// Publisher carries requests and replies and hosts the reply queues of
	// pending calls.
	Publisher *bus.Manager
	// Subscriber consumes the durable work queues one message at a time.
	Subscriber message.Subscriber
}

// Close releases the subscriber and the publisher.
func (t Transport) Close() error {
	var errs []error
	if t.Subscriber != nil {
		errs = append(errs, t.Subscriber.Close())
	}
	if t.Publisher != nil {
		errs = append(errs, t.Publisher.Close())
	}
	return errors.Join(errs...)
}

// Dependencies are the collaborators shared by every transport.
type Dependencies struct {
	Logger  watermill.LoggerAdapter
	Metrics *bus.Metrics
	// OnStateChange observes the publisher's connection state.
	OnStateChange func(state bus.State, delay time.Duration)
}

func (d Dependencies) serviceLogger() logging.ServiceLogger {
	if d.Logger == nil {
		return logging.NewNopServiceLogger()
	}
	return logging.NewWatermillServiceLogger(d.Logger)
}

// ManagerOptions derives connection manager options from cfg and deps.
func ManagerOptions(cfg Config, deps Dependencies, dialer bus.Dialer) bus.Options {
	return bus.Options{
		URL:             cfg.GetBusURL(),
		Dialer:          dialer,
		Queues:          cfg.GetWorkQueues(),
		InitialInterval: cfg.GetReconnectInitialInterval(),
		MaxInterval:     cfg.GetReconnectMaxInterval(),
		Jitter:          cfg.GetReconnectJitter(),
		Logger:          deps.serviceLogger(),
		Metrics:         deps.Metrics,
		OnStateChange:   deps.OnStateChange,
	}
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, deps Dependencies) (Transport, error)

// Config provides the values transports read. config.Config implements it.
type Config interface {
	// GetBusSystem returns the transport name.
	GetBusSystem() string
	GetBusURL() string
	// GetWorkQueues lists the durable queues declared on every connect.
	GetWorkQueues() []string

	GetReconnectInitialInterval() time.Duration
	GetReconnectMaxInterval() time.Duration
	GetReconnectJitter() float64
}
