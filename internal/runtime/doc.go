/*
Package runtime wires the objectbridge components into a runnable service.

# Architecture Overview

A gateway turns HTTP requests into bus messages and, for reads, waits for the
matching reply. Workers consume the durable work queues, run the object
operations against the blob store and reply on the caller's reply queue.

# Package Structure

## Core Service (service.go)

The Service struct builds what the configured role needs:
  - gateway: the rpc correlator and the chi HTTP gateway
  - worker: the blob store, the object handlers and the dispatcher
  - standalone: both, sharing one transport

Start runs the dispatcher and the HTTP servers in an errgroup and shuts the
servers down once the context is cancelled.

# Sub-packages

  - blobstore/: object storage (in-memory and S3 compatible)
  - bus/: AMQP connection manager with reconnect backoff, plus an in-memory broker
  - config/: environment driven configuration with validation
  - envelope/: request and response envelopes and the AMQP marshaler
  - errors/: sentinel errors and error types
  - ids/: ULID and UUID identifiers
  - jsoncodec/: JSON marshaling backed by sonic
  - logging/: logger interface and Watermill adapters
  - metadata/: message metadata keys
  - rpc/: request correlator for fire-and-forget and call-and-wait
  - worker/: dispatcher, middleware, job hooks and object handlers

# Usage Example

	cfg, err := objectbridge.LoadConfig()
	if err != nil {
		return err
	}

	svc, err := objectbridge.NewService(ctx, cfg, logger, objectbridge.ServiceDependencies{})
	if err != nil {
		return err
	}
	defer svc.Close()

	return svc.Start(ctx)
*/
package runtime
