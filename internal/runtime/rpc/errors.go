package rpc

import (
	"errors"
	"fmt"
	"time"
)

// ErrTimeout matches every *TimeoutError with errors.Is.
var ErrTimeout = errors.New("objectbridge: call timed out")

// ErrReplyConsumerCancelled is returned when the broker cancels the reply
// consumer while its connection stays up.
var ErrReplyConsumerCancelled = errors.New("objectbridge: reply consumer cancelled by the broker")

// TimeoutError reports that no reply arrived before the deadline. The worker
// may still process the request; its late reply is dropped by the broker.
type TimeoutError struct {
	EventType string
	RequestID string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("objectbridge: %s request %s got no reply within %s", e.EventType, e.RequestID, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}
