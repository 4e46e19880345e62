// Package protocol holds the wire format shared by the coordination server,
// the media relay and their clients.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Envelope is one signaling message. ID is set on ack-bearing requests and
// echoed back on the matching ack.
type Envelope struct {
	Event string          `json:"event"`
	ID    uint64          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type Ack struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

func NewEnvelope(event string, id uint64, payload any) (Envelope, error) {
	env := Envelope{Event: event, ID: id}
	if payload == nil {
		return env, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", event, err)
	}
	env.Data = b
	return env, nil
}

// Encode marshals a whole envelope for the wire.
func Encode(event string, id uint64, payload any) ([]byte, error) {
	env, err := NewEnvelope(event, id, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty payload", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%s: %w", e.Event, err)
	}
	return nil
}

func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, err
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("missing event")
	}
	return env, nil
}
