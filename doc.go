// Package objectbridge turns a durable AMQP work queue into call-and-wait
// operations and serves object storage requests from workers on the other
// side of the queue.
//
// A gateway publishes requests through a Correlator. Fire-and-forget writes
// return as soon as the broker has the message; reads declare a private reply
// queue named after the request's correlation id, publish with reply_to set
// and wait for the matching reply or a timeout. All outbound traffic goes
// through one BusManager, which serializes channel use and reconnects with
// exponential backoff after the broker goes away.
//
// Workers consume the write and read queues with a Dispatcher, one message at
// a time. A decoded message is always acknowledged after its handler runs and
// its reply, if any, is published; business failures travel back as {error}
// replies. Messages that cannot be decoded, or whose reply cannot be sent, are
// negatively acknowledged and redelivered.
//
// # Roles
//
// Service wires everything from Config:
//   - gateway: HTTP routes under /objects backed by a Correlator
//   - worker: a Dispatcher serving the object handlers over a BlobStore
//   - standalone: both in one process
//
// # Transports
//
// Transports register with the transport registry and are selected by
// Config.BusSystem:
//   - rabbitmq: durable queues on a RabbitMQ broker
//   - memory: an in-process broker for tests and the standalone role
//
// Import github.com/drblury/objectbridge/transport/transports to register both.
package objectbridge
