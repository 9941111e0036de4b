package contracts

import (
	"fmt"
	"strconv"
)

// Envelope is the unit exchanged with the transport: a topic, an
// optional correlation id and a payload. On the wire it is a multipart
// byte message, [topic][payload] or [topic][correlation_id][payload].
type Envelope struct {
	Topic         string
	CorrelationID string
	Payload       []byte
}

// CoercePayload converts a payload value to its byte representation.
// Text encodes as UTF-8, bytes pass through unchanged, integers and
// floats render as ASCII decimal text, nil becomes an empty byte
// string. Any other type is ErrInvalidPayload, never stringified.
func CoercePayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case nil:
		return []byte{}, nil
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	case int:
		return strconv.AppendInt(nil, int64(v), 10), nil
	case int32:
		return strconv.AppendInt(nil, int64(v), 10), nil
	case int64:
		return strconv.AppendInt(nil, v, 10), nil
	case uint:
		return strconv.AppendUint(nil, uint64(v), 10), nil
	case uint32:
		return strconv.AppendUint(nil, uint64(v), 10), nil
	case uint64:
		return strconv.AppendUint(nil, v, 10), nil
	case float32:
		return strconv.AppendFloat(nil, float64(v), 'g', -1, 32), nil
	case float64:
		return strconv.AppendFloat(nil, v, 'g', -1, 64), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrInvalidPayload, payload)
	}
}

// EncodeFrames builds the wire frames for a topic, payload and optional
// correlation id. With a correlation id the layout is three frames,
// without it two.
func EncodeFrames(topic string, payload any, correlationID string) ([][]byte, error) {
	body, err := CoercePayload(payload)
	if err != nil {
		return nil, err
	}
	if correlationID != "" {
		return [][]byte{[]byte(topic), []byte(correlationID), body}, nil
	}
	return [][]byte{[]byte(topic), body}, nil
}

// Frames encodes the envelope itself.
func (e *Envelope) Frames() [][]byte {
	if e.CorrelationID != "" {
		return [][]byte{[]byte(e.Topic), []byte(e.CorrelationID), e.Payload}
	}
	return [][]byte{[]byte(e.Topic), e.Payload}
}

// DecodeFrames parses wire frames into an envelope. want is the frame
// count the receiving endpoint's pattern requires; any other count is
// ErrMalformedMessage.
func DecodeFrames(frames [][]byte, want int) (*Envelope, error) {
	if len(frames) != want {
		return nil, fmt.Errorf("%w: got %d frames, want %d", ErrMalformedMessage, len(frames), want)
	}
	env := &Envelope{Topic: string(frames[0])}
	switch want {
	case 2:
		env.Payload = frames[1]
	case 3:
		env.CorrelationID = string(frames[1])
		env.Payload = frames[2]
	default:
		return nil, fmt.Errorf("%w: unsupported frame count %d", ErrMalformedMessage, want)
	}
	return env, nil
}
