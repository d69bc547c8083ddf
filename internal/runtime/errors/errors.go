package errors

import sterrors "errors"

var (
	ErrBusClosed            = sterrors.New("objectbridge: bus connection manager is closed")
	ErrDialerRequired       = sterrors.New("objectbridge: bus dialer is required")
	ErrQueueRequired        = sterrors.New("objectbridge: queue name is required")
	ErrEventTypeRequired    = sterrors.New("objectbridge: event type is required")
	ErrPublisherRequired    = sterrors.New("objectbridge: publisher is required")
	ErrSubscriberRequired   = sterrors.New("objectbridge: subscriber is required")
	ErrHandlerRequired      = sterrors.New("objectbridge: handler function is required")
	ErrBlobStoreRequired    = sterrors.New("objectbridge: blob store is required")
	ErrBridgeRequired       = sterrors.New("objectbridge: rpc bridge is required")
	ErrConfigRequired       = sterrors.New("objectbridge: config is required")
	ErrLoggerRequired       = sterrors.New("objectbridge: logger is required")
	ErrReplyQueueRequired   = sterrors.New("objectbridge: reply queue is required")
	ErrUnknownTransport     = sterrors.New("objectbridge: unknown transport")
	ErrMalformedEnvelope    = sterrors.New("objectbridge: malformed envelope")
	ErrCorrelationIDMissing = sterrors.New("objectbridge: correlation id is missing")
)

// ConfigValidationError wraps the problems reported by Config.Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "objectbridge: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
