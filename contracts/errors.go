package contracts

import "errors"

// Error kinds surfaced by the messaging layer. Callers branch with
// errors.Is; wrapped forms carry the topic or endpoint involved.
var (
	// ErrTopicNotConfigured means no endpoint is registered for a topic
	// a caller tried to send on.
	ErrTopicNotConfigured = errors.New("topic not configured")

	// ErrUnsupportedOperation means the resolved endpoint's messaging
	// pattern does not support the attempted operation.
	ErrUnsupportedOperation = errors.New("operation not supported by endpoint pattern")

	// ErrMalformedMessage means an inbound message did not have the frame
	// count its endpoint's pattern requires, or a frame was undecodable.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrRequestTimeout means no matching response arrived within the
	// caller's timeout.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrInvalidPayload means the payload is not one of the coercible
	// types (string, []byte, integer, float or nil).
	ErrInvalidPayload = errors.New("invalid payload type")

	// ErrEndpointClosed means an operation was attempted on a closed
	// endpoint or provider.
	ErrEndpointClosed = errors.New("endpoint closed")
)
