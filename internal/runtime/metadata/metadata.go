package metadata

// Transport metadata keys. They travel as AMQP message properties on the wire
// and as Watermill metadata inside the process; they are never part of the
// JSON envelope body.
const (
	// KeyCorrelationID links a reply to the request that caused it.
	KeyCorrelationID = "correlation_id"
	// KeyReplyTo names the reply address a worker answers on.
	KeyReplyTo = "reply_to"
	// KeyEventType mirrors the envelope event type for logging and routing.
	KeyEventType = "event_type"
	// KeyRedelivered is set to "true" when the bus redelivered the message.
	KeyRedelivered = "redelivered"
)

// Metadata represents the transport headers carried alongside an envelope.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// CorrelationID returns the correlation id, if present.
func (m Metadata) CorrelationID() string {
	return m[KeyCorrelationID]
}

// ReplyTo returns the reply address, if present.
func (m Metadata) ReplyTo() string {
	return m[KeyReplyTo]
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
