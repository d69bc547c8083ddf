// Package rabbitmq connects objectbridge to RabbitMQ. Requests and replies go
// through the bus connection manager; work queues are consumed with the
// Watermill AMQP subscriber.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/objectbridge/internal/runtime/bus"
	"github.com/drblury/objectbridge/internal/runtime/envelope"
	"github.com/drblury/objectbridge/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// Dialer allows overriding how the publisher connects, for testing.
var Dialer bus.Dialer = bus.DialAMQP

// ConnectionFactory allows overriding the subscriber connection for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

func init() {
	Register()
}

// Register registers the RabbitMQ transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// SubscriberConfig consumes durable queues named after the topic, one
// unacknowledged message at a time, requeueing on nack.
func SubscriberConfig(url string) amqp.Config {
	cfg := amqp.NewDurableQueueConfig(url)
	cfg.Marshaler = envelope.Marshaler{}
	cfg.Consume.Qos.PrefetchCount = 1
	cfg.Consume.NoRequeueOnNack = false
	return cfg
}

// ReconnectConfig applies the configured backoff to the subscriber connection.
func ReconnectConfig(cfg transport.Config) *amqp.ReconnectConfig {
	reconnect := amqp.DefaultReconnectConfig()
	if d := cfg.GetReconnectInitialInterval(); d > 0 {
		reconnect.BackoffInitialInterval = d
	}
	if d := cfg.GetReconnectMaxInterval(); d > 0 {
		reconnect.BackoffMaxInterval = d
	}
	reconnect.BackoffRandomizationFactor = cfg.GetReconnectJitter()
	return reconnect
}

// Build creates a RabbitMQ transport.
func Build(ctx context.Context, cfg transport.Config, deps transport.Dependencies) (transport.Transport, error) {
	url := cfg.GetBusURL()
	if url == "" {
		return transport.Transport{}, errors.New("rabbitmq: URL is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	publisher, err := bus.NewManager(transport.ManagerOptions(cfg, deps, Dialer))
	if err != nil {
		return transport.Transport{}, err
	}

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		TLSConfig: nil,
		Reconnect: ReconnectConfig(cfg),
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, fmt.Errorf("rabbitmq: connect subscriber: %w", err)
	}

	subscriber, err := SubscriberFactory(SubscriberConfig(url), logger, conn)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, fmt.Errorf("rabbitmq: create subscriber: %w", err)
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}
