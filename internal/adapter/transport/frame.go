package transport

import (
	"encoding/json"
	"fmt"

	"cvmlink/internal/domain"
)

// FrameType identifies the kind of frame sent over the WebSocket connection.
type FrameType string

const (
	FrameTypeAction   FrameType = "action"
	FrameTypeEvent    FrameType = "event"
	FrameTypeResponse FrameType = "response"
)

// Frame is the envelope exchanged with the daemon.
type Frame struct {
	Type FrameType       `json:"type"`
	Name string          `json:"name"`
	ID   string          `json:"id,omitempty"`   // correlation id, request and response frames only
	Data json.RawMessage `json:"data,omitempty"` // keyed for actions, positional for events
}

// NewActionFrame builds an action frame. data may be nil.
func NewActionFrame(id, name string, data any) (Frame, error) {
	f := Frame{Type: FrameTypeAction, Name: name, ID: id}
	if data == nil {
		return f, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: encode %q: %v", domain.ErrInvalidFrame, name, err)
	}
	f.Data = raw
	return f, nil
}

// DecodeFrame parses one inbound message. Frames without a name are
// rejected; an empty type is treated as an event.
func DecodeFrame(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", domain.ErrInvalidFrame, err)
	}
	if f.Name == "" {
		return Frame{}, fmt.Errorf("%w: missing name", domain.ErrInvalidFrame)
	}
	if f.Type == "" {
		f.Type = FrameTypeEvent
	}
	return f, nil
}

// Args expands the frame payload into positional arguments.
func (f Frame) Args() (domain.Args, error) {
	return domain.ArgsFrom(f.Data)
}
