package transport

// Capabilities describes what a transport backend guarantees.
type Capabilities struct {
	// Name is the registered transport name.
	Name string

	// Durable indicates work queues and persistent messages survive a broker restart.
	Durable bool

	// InProcess indicates the broker lives inside the process, so gateway and
	// worker must share it.
	InProcess bool

	// SupportsReplyQueues indicates exclusive auto-delete reply queues can be declared.
	SupportsReplyQueues bool

	// SupportsNack indicates nacked messages are requeued for redelivery.
	SupportsNack bool

	// SupportsPrefetch indicates consumer QoS limits in-flight deliveries.
	SupportsPrefetch bool
}

// SupportsCallAndWait reports whether synchronous calls can be made over the transport.
func (c Capabilities) SupportsCallAndWait() bool {
	return c.SupportsReplyQueues
}

// SupportsReliableDelivery reports at-least-once delivery with redelivery on nack.
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsNack && c.SupportsPrefetch
}

// Predefined capability sets.
var (
	RabbitMQCapabilities = Capabilities{
		Name:                "rabbitmq",
		Durable:             true,
		SupportsReplyQueues: true,
		SupportsNack:        true,
		SupportsPrefetch:    true,
	}

	MemoryCapabilities = Capabilities{
		Name:                "memory",
		InProcess:           true,
		SupportsReplyQueues: true,
		SupportsNack:        true,
		SupportsPrefetch:    true,
	}
)
