// Package memory provides an in-process broker transport for objectbridge.
// Gateway and worker must run in the same process to share it, which makes
// it suitable for tests and the standalone mode.
package memory

import (
	"context"
	"errors"

	"github.com/drblury/objectbridge/internal/runtime/bus"
	membus "github.com/drblury/objectbridge/internal/runtime/bus/memory"
	"github.com/drblury/objectbridge/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "memory"

// Broker is the process-wide broker every memory transport dials.
var Broker = membus.NewBroker()

func init() {
	Register()
}

// Register registers the memory transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.MemoryCapabilities)
}

// Build creates a transport on Broker. Publishing and consuming use separate
// connection managers; the consuming one takes one delivery at a time.
func Build(ctx context.Context, cfg transport.Config, deps transport.Dependencies) (transport.Transport, error) {
	return BuildOn(Broker, cfg, deps)
}

// BuildOn creates a transport on broker.
func BuildOn(broker *membus.Broker, cfg transport.Config, deps transport.Dependencies) (transport.Transport, error) {
	opts := transport.ManagerOptions(cfg, deps, broker.Dial)
	publisher, err := bus.NewManager(opts)
	if err != nil {
		return transport.Transport{}, err
	}

	consumeOpts := opts
	consumeOpts.Prefetch = 1
	consumeOpts.OnStateChange = nil
	consumeOpts.Metrics = nil
	consumer, err := bus.NewManager(consumeOpts)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	sub, err := bus.NewSubscriber(consumer, opts.Logger)
	if err != nil {
		_ = publisher.Close()
		_ = consumer.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: &subscriber{Subscriber: sub, manager: consumer},
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.MemoryCapabilities
}

type subscriber struct {
	*bus.Subscriber
	manager *bus.Manager
}

func (s *subscriber) Close() error {
	return errors.Join(s.Subscriber.Close(), s.manager.Close())
}
