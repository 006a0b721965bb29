package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/sethfduke/roomrelay/messages"
)

// Envelope bounds. Lengths are in characters except MaxIDLen, which is in bytes.
const (
	MaxIDLen     = 128
	MaxSenderLen = 64
	MaxBodyLen   = 2000
)

// ValidationError describes the first constraint a chat payload violated.
// ID carries the payload's id when it could be read, so the sender can
// still be acknowledged.
type ValidationError struct {
	ID     string
	Detail string
}

func (e *ValidationError) Error() string {
	return messages.ReasonInvalidMessage + ": " + e.Detail
}

// Ack returns the failed acknowledgment for this error.
func (e *ValidationError) Ack() messages.ChatAck {
	return messages.ChatAck{ID: e.ID, Reason: messages.ReasonInvalidMessage, Detail: e.Detail}
}

// ValidateEnvelope checks a raw chat payload and returns the normalized
// envelope. On failure the error is a *ValidationError.
func ValidateEnvelope(raw json.RawMessage) (messages.Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return messages.Envelope{}, &ValidationError{Detail: "payload must be a JSON object"}
	}

	id, idOK := stringField(fields, "id")
	fail := func(format string, args ...any) (messages.Envelope, error) {
		ve := &ValidationError{Detail: fmt.Sprintf(format, args...)}
		if idOK {
			ve.ID = id
		}
		return messages.Envelope{}, ve
	}

	if !idOK || id == "" {
		return fail("id must be a non-empty string")
	}
	if len(id) > MaxIDLen {
		return fail("id exceeds %d bytes", MaxIDLen)
	}

	roomRaw, ok := stringField(fields, "room")
	room := NormalizeRoom(roomRaw)
	if !ok || room == "" {
		return fail("room must be a non-empty string")
	}
	if utf8.RuneCountInString(room) > MaxRoomLen {
		return fail("room exceeds %d characters", MaxRoomLen)
	}

	sender, ok := stringField(fields, "sender")
	sender = strings.TrimSpace(sender)
	if !ok || sender == "" {
		return fail("sender must be a non-empty string")
	}
	if utf8.RuneCountInString(sender) > MaxSenderLen {
		return fail("sender exceeds %d characters", MaxSenderLen)
	}

	createdAt, ok := intField(fields, "createdAt")
	if !ok || createdAt < 0 {
		return fail("createdAt must be a non-negative integer")
	}

	body, ok := stringField(fields, "body")
	if !ok || strings.TrimSpace(body) == "" {
		return fail("body must be a non-empty string")
	}
	if utf8.RuneCountInString(body) > MaxBodyLen {
		return fail("body exceeds %d characters", MaxBodyLen)
	}

	return messages.Envelope{
		ID:        id,
		Room:      room,
		Sender:    sender,
		CreatedAt: createdAt,
		Body:      body,
	}, nil
}

func stringField(fields map[string]json.RawMessage, key string) (string, bool) {
	v, ok := fields[key]
	if !ok || isNull(v) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", false
	}
	return s, true
}

func intField(fields map[string]json.RawMessage, key string) (int64, bool) {
	v, ok := fields[key]
	if !ok || isNull(v) {
		return 0, false
	}
	// json.Number also accepts quoted numbers.
	if t := bytes.TrimSpace(v); len(t) > 0 && t[0] == '"' {
		return 0, false
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err != nil {
		return 0, false
	}
	i, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return 0, false
	}
	return i, true
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}
