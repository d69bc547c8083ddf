package envelope

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/objectbridge/internal/runtime/errors"
	"github.com/drblury/objectbridge/internal/runtime/metadata"
)

// NewRequestMessage wraps req in a Watermill message. The message UUID and the
// correlation id both carry req.RequestID; replyTo is optional.
func NewRequestMessage(req Request, replyTo string) (*message.Message, error) {
	if req.EventType == "" {
		return nil, errors.ErrEventTypeRequired
	}
	if req.RequestID == "" {
		return nil, errors.ErrCorrelationIDMissing
	}
	body, err := MarshalRequest(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	md := metadata.New(
		metadata.KeyCorrelationID, req.RequestID,
		metadata.KeyEventType, req.EventType,
	)
	if replyTo != "" {
		md = md.With(metadata.KeyReplyTo, replyTo)
	}

	msg := message.NewMessage(req.RequestID, body)
	msg.Metadata = metadata.ToWatermill(md)
	return msg, nil
}

// NewResponseMessage wraps resp in a Watermill message tagged with the
// correlation id of the request it answers.
func NewResponseMessage(resp *Response, correlationID string) (*message.Message, error) {
	if correlationID == "" {
		return nil, errors.ErrCorrelationIDMissing
	}
	body, err := MarshalResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}

	msg := message.NewMessage(correlationID, body)
	msg.Metadata = metadata.ToWatermill(metadata.New(metadata.KeyCorrelationID, correlationID))
	return msg, nil
}

// CorrelationID returns the correlation id of msg, falling back to its UUID.
func CorrelationID(msg *message.Message) string {
	if id := msg.Metadata.Get(metadata.KeyCorrelationID); id != "" {
		return id
	}
	return msg.UUID
}
