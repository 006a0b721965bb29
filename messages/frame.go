package messages

import (
	"context"
	"encoding/json"
)

// Frame types exchanged over the relay socket.
const (
	WelcomeType = "welcome"
	JoinType    = "join"
	JoinAckType = "join_ack"
	ChatType    = "chat"
	ChatAckType = "chat_ack"
	// MessageType is the broadcast of an accepted envelope to room members.
	MessageType = "message"
	// ErrorType is used for frames the relay could not route.
	ErrorType = "error"
)

// Frame is the wire wrapper around every payload sent over the socket.
// CorrelationID on a reply copies the ID of the request frame, when the
// request carried one.
type Frame struct {
	Type          string          `json:"type"`
	ID            string          `json:"id,omitempty"`
	CorrelationID string          `json:"cid,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals payload into a frame of the given type.
func NewFrame(typeName string, payload any) (Frame, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: typeName, Data: b}, nil
}

// Encode marshals a frame carrying payload, ready to be written to a socket.
func Encode(typeName, cid string, payload any) ([]byte, error) {
	f, err := NewFrame(typeName, payload)
	if err != nil {
		return nil, err
	}
	f.CorrelationID = cid
	return json.Marshal(f)
}

// Payload is any message body that can be carried by a frame.
type Payload any

// Factory creates a new instance of a registered payload type.
type Factory func() Payload

// Handler processes one decoded payload.
type Handler func(ctx context.Context, msg Payload) error

// Welcome is sent once after the connection is admitted.
type Welcome struct {
	ID    string   `json:"id"`
	Rooms []string `json:"rooms,omitempty"`
}

// Error is the payload of an error frame.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}
