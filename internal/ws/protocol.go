package ws

import (
	"encoding/json"
	"fmt"
)

// Event names carried in the frame envelope.
const (
	EventJoinRoom   = "joinRoom"
	EventLeaveRoom  = "leaveRoom"
	EventRoomJoined = "roomJoined"
	EventRoomLeft   = "roomLeft"
	EventLog        = "log"
	EventStatus     = "status"
	EventError      = "error"
)

// Frame is the JSON envelope of every websocket text message. Room is set
// on frames that belong to a project room so a client listening to several
// rooms over one connection can route them.
type Frame struct {
	Event string          `json:"event"`
	Room  string          `json:"room,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals data into a frame of the given event.
func Encode(event string, data any) ([]byte, error) {
	return EncodeRoom(event, "", data)
}

// EncodeRoom marshals data into a frame addressed to room.
func EncodeRoom(event, room string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s data: %w", event, err)
	}
	return json.Marshal(Frame{Event: event, Room: room, Data: raw})
}

// Decode parses a received frame.
func Decode(payload []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("decode frame: missing event")
	}
	return f, nil
}

// Text decodes a frame whose data is a JSON string.
func (f Frame) Text() (string, error) {
	var s string
	if err := json.Unmarshal(f.Data, &s); err != nil {
		return "", fmt.Errorf("%s data must be a string", f.Event)
	}
	return s, nil
}
