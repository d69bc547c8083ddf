package worker

import (
	"errors"
	"fmt"
)

// UnknownEventType is the error text replied for event types without a handler.
const UnknownEventType = "Unknown event type"

// ErrNoResponse is reported when a handler returns neither a response nor an error.
var ErrNoResponse = errors.New("handler returned no response")

// DecodeError is returned for messages whose body is not a request envelope.
// The message is negatively acknowledged and redelivered.
type DecodeError struct {
	Queue     string
	MessageID string
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode message %s from %s: %v", e.MessageID, e.Queue, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// PanicError carries the value recovered from a panicking handler.
type PanicError struct {
	EventType string
	Value     any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler for %s panicked: %v", e.EventType, e.Value)
}
