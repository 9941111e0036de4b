package contracts

import "context"

// Message is a decoded inbound unit handed to handlers and returned by
// Node.Request. Payload stays raw bytes; String honors the text mode of
// the endpoint that received it.
type Message struct {
	// Topic is the concrete topic the message was addressed to.
	Topic string

	// CorrelationID pairs a request with its response. Empty for
	// publish/subscribe traffic.
	CorrelationID string

	// Payload is the raw payload bytes.
	Payload []byte

	// Text reports whether the receiving endpoint decodes payloads as
	// UTF-8 text.
	Text bool

	// Peer is the opaque peer identity for router-style endpoints; nil
	// otherwise. It must be threaded back into any response.
	Peer []byte
}

// String returns the payload as text.
func (m *Message) String() string {
	return string(m.Payload)
}

// Body returns the payload in the endpoint's decoding mode: string when
// the endpoint is in text mode, []byte otherwise.
func (m *Message) Body() any {
	if m.Text {
		return string(m.Payload)
	}
	return m.Payload
}

// Handler processes an inbound message. The returned value, when not
// nil, is the response payload for reply-style endpoints; it passes
// through the same coercion rules as Send payloads.
type Handler interface {
	Handle(ctx context.Context, msg *Message) (any, error)
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(ctx context.Context, msg *Message) (any, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, msg *Message) (any, error) {
	return f(ctx, msg)
}
