package events

import (
	"errors"
	"fmt"

	"github.com/darams4863/escape-room-with-ai/internal/runtime/jsoncodec"
)

// DecodeError marks a body or payload that can never be processed. Workers
// dead-letter these instead of retrying.
type DecodeError struct {
	Queue string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Queue == "" {
		return fmt.Sprintf("decode event: %v", e.Err)
	}
	return fmt.Sprintf("decode event from %s: %v", e.Queue, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err carries a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// Decode parses a delivery body into an Envelope. The body must be
// non-empty UTF-8 JSON; the data payload is left raw for the handler to decode.
func Decode(queue string, body []byte) (Envelope, error) {
	var env Envelope
	if err := jsoncodec.UnmarshalStrict(body, &env); err != nil {
		return Envelope{}, &DecodeError{Queue: queue, Err: err}
	}
	return env, nil
}

// DecodeData unmarshals the envelope's data payload into T. A missing
// payload yields the zero value.
func DecodeData[T any](env Envelope) (T, error) {
	var out T
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return out, nil
	}
	if err := jsoncodec.Unmarshal(env.Data, &out); err != nil {
		return out, &DecodeError{Err: fmt.Errorf("%s payload: %w", env.Action, err)}
	}
	return out, nil
}

// Encode renders the envelope as JSON.
func Encode(env Envelope) ([]byte, error) {
	return jsoncodec.Marshal(env)
}

// NewEnvelope builds an envelope with data marshalled from payload.
func NewEnvelope(userID int64, sessionID, action string, payload any) (Envelope, error) {
	env := Envelope{UserID: userID, SessionID: sessionID, Action: action}
	if payload != nil {
		raw, err := jsoncodec.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s payload: %w", action, err)
		}
		env.Data = raw
	}
	return env, nil
}
