// Package protocol holds the wire vocabulary shared by the realtime gateway and its clients.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame is the envelope of every websocket text frame. Requests that expect an
// acknowledgement carry an ID; the server answers with an ack frame echoing it.
type Frame struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Ack is the payload of an ack frame.
type Ack struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewFrame encodes payload into a frame for event.
func NewFrame(event, id string, payload any) (Frame, error) {
	frame := Frame{Event: event, ID: id}
	if payload == nil {
		return frame, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	frame.Data = raw
	return frame, nil
}

// NewAckFrame builds the acknowledgement for request id. A non-nil err produces a failed ack.
func NewAckFrame(id string, data any, err error) (Frame, error) {
	ack := Ack{Success: err == nil}
	if err != nil {
		ack.Error = err.Error()
	} else if data != nil {
		raw, marshalErr := json.Marshal(data)
		if marshalErr != nil {
			return Frame{}, fmt.Errorf("encode ack payload: %w", marshalErr)
		}
		ack.Data = raw
	}
	return NewFrame(EventAck, id, ack)
}

// Decode unmarshals the frame data into out. Empty data leaves out untouched.
func (f Frame) Decode(out any) error {
	if len(f.Data) == 0 || out == nil {
		return nil
	}
	if err := json.Unmarshal(f.Data, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Event, err)
	}
	return nil
}
