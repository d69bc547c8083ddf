package envelope

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	wamqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/objectbridge/internal/runtime/metadata"
)

// ContentTypeJSON is set on every publishing.
const ContentTypeJSON = "application/json"

// Marshaler maps Watermill metadata onto AMQP message properties so the
// correlation id and reply address travel where AMQP clients expect them
// instead of in the headers table.
type Marshaler struct {
	// Transient disables persistent delivery mode. Reply messages may use it.
	Transient bool
}

var _ wamqp.Marshaler = Marshaler{}

// Marshal implements wamqp.Marshaler.
func (m Marshaler) Marshal(msg *message.Message) (amqp.Publishing, error) {
	headers := make(amqp.Table, len(msg.Metadata))
	for key, value := range msg.Metadata {
		switch key {
		case metadata.KeyCorrelationID, metadata.KeyReplyTo, metadata.KeyRedelivered:
			continue
		}
		headers[key] = value
	}

	mode := amqp.Persistent
	if m.Transient {
		mode = amqp.Transient
	}

	return amqp.Publishing{
		Headers:       headers,
		ContentType:   ContentTypeJSON,
		DeliveryMode:  mode,
		CorrelationId: msg.Metadata.Get(metadata.KeyCorrelationID),
		ReplyTo:       msg.Metadata.Get(metadata.KeyReplyTo),
		MessageId:     msg.UUID,
		Body:          msg.Payload,
	}, nil
}

// Unmarshal implements wamqp.Marshaler.
func (m Marshaler) Unmarshal(delivery amqp.Delivery) (*message.Message, error) {
	id := delivery.MessageId
	if id == "" {
		id = delivery.CorrelationId
	}
	if id == "" {
		id = watermill.NewUUID()
	}

	msg := message.NewMessage(id, delivery.Body)
	for key, value := range delivery.Headers {
		if s, ok := value.(string); ok {
			msg.Metadata.Set(key, s)
			continue
		}
		msg.Metadata.Set(key, fmt.Sprint(value))
	}
	if delivery.CorrelationId != "" {
		msg.Metadata.Set(metadata.KeyCorrelationID, delivery.CorrelationId)
	}
	if delivery.ReplyTo != "" {
		msg.Metadata.Set(metadata.KeyReplyTo, delivery.ReplyTo)
	}
	if delivery.Redelivered {
		msg.Metadata.Set(metadata.KeyRedelivered, "true")
	}
	return msg, nil
}
