// Package envelope defines the JSON bodies exchanged over the bus and the
// helpers that turn them into Watermill messages and AMQP publishings.
package envelope

import (
	"bytes"
	"fmt"

	"github.com/drblury/objectbridge/internal/runtime/errors"
	"github.com/drblury/objectbridge/internal/runtime/jsoncodec"
)

// Event types understood by the workers.
const (
	EventCreateObject = "create_object"
	EventUploadImage  = "upload_image"
	EventUploadPDF    = "upload_pdf"
	EventListObjects  = "list_objects"
	EventGetObject    = "get_object"
)

// Response kinds.
const (
	TypeJSON   = "json"
	TypeImage  = "image"
	TypePDF    = "pdf"
	TypeBinary = "binary"
)

// Payload is the opaque body of a request. Handlers decode it into their own
// structs with Decode.
type Payload map[string]any

// Decode converts the payload into v.
func (p Payload) Decode(v any) error {
	if p == nil {
		return jsoncodec.Convert(map[string]any{}, v)
	}
	return jsoncodec.Convert(p, v)
}

// Request is the body of every message published to a work queue.
// RequestID doubles as the AMQP correlation id.
type Request struct {
	EventType string  `json:"event_type"`
	Payload   Payload `json:"payload"`
	RequestID string  `json:"request_id"`
}

// Response is either a result ({type, data, mime_type?, filename?}) or an
// error ({error}).
type Response struct {
	Type     string               `json:"type,omitempty"`
	Data     jsoncodec.RawMessage `json:"data,omitempty"`
	MimeType string               `json:"mime_type,omitempty"`
	Filename string               `json:"filename,omitempty"`
	Error    string               `json:"error,omitempty"`
}

// NewRequest builds a request envelope. A nil payload becomes an empty map.
func NewRequest(eventType string, payload Payload, requestID string) Request {
	if payload == nil {
		payload = Payload{}
	}
	return Request{EventType: eventType, Payload: payload, RequestID: requestID}
}

// NewJSONResponse wraps data as a {type:"json"} response.
func NewJSONResponse(data any) (*Response, error) {
	raw, err := jsoncodec.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode response data: %w", err)
	}
	return &Response{Type: TypeJSON, Data: raw}, nil
}

// NewBinaryResponse carries raw bytes as a hex string together with the
// declared MIME type and filename.
func NewBinaryResponse(kind string, content []byte, mimeType, filename string) *Response {
	raw, _ := jsoncodec.Marshal(EncodeHex(content))
	return &Response{Type: kind, Data: raw, MimeType: mimeType, Filename: filename}
}

// NewErrorResponse builds an {error: msg} response.
func NewErrorResponse(msg string) *Response {
	return &Response{Error: msg}
}

// IsError reports whether the response carries a business error.
func (r *Response) IsError() bool {
	return r != nil && r.Error != ""
}

// IsBinary reports whether Data holds hex encoded bytes.
func (r *Response) IsBinary() bool {
	if r == nil {
		return false
	}
	switch r.Type {
	case TypeImage, TypePDF, TypeBinary:
		return true
	default:
		return false
	}
}

// DecodeData unmarshals Data into v.
func (r *Response) DecodeData(v any) error {
	if r == nil || len(r.Data) == 0 {
		return fmt.Errorf("%w: response has no data", errors.ErrMalformedEnvelope)
	}
	return jsoncodec.Unmarshal(r.Data, v)
}

// Bytes returns the raw bytes of a binary response.
func (r *Response) Bytes() ([]byte, error) {
	var encoded string
	if err := r.DecodeData(&encoded); err != nil {
		return nil, err
	}
	return DecodeHex(encoded)
}

// MarshalRequest encodes a request envelope.
func MarshalRequest(req Request) ([]byte, error) {
	return jsoncodec.Marshal(req)
}

// UnmarshalRequest decodes a request envelope. Anything that is not a JSON
// object is reported as ErrMalformedEnvelope.
func UnmarshalRequest(data []byte) (Request, error) {
	var req Request
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return req, fmt.Errorf("%w: request body is not a JSON object", errors.ErrMalformedEnvelope)
	}
	if err := jsoncodec.Unmarshal(trimmed, &req); err != nil {
		return req, fmt.Errorf("%w: %v", errors.ErrMalformedEnvelope, err)
	}
	if req.Payload == nil {
		req.Payload = Payload{}
	}
	return req, nil
}

// MarshalResponse encodes a response envelope.
func MarshalResponse(resp *Response) ([]byte, error) {
	if resp == nil {
		resp = &Response{}
	}
	return jsoncodec.Marshal(resp)
}

// UnmarshalResponse decodes a response envelope.
func UnmarshalResponse(data []byte) (*Response, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: response body is not a JSON object", errors.ErrMalformedEnvelope)
	}
	var resp Response
	if err := jsoncodec.Unmarshal(trimmed, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrMalformedEnvelope, err)
	}
	return &resp, nil
}
