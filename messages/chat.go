package messages

// Failure reasons carried by acknowledgments and error frames.
const (
	ReasonUnauthorized   = "unauthorized"
	ReasonInvalidRoom    = "invalid_room"
	ReasonRoomNotAllowed = "room_not_allowed"
	ReasonInvalidMessage = "invalid_message"
	ReasonNotInRoom      = "not_in_room"
	ReasonRateLimited    = "rate_limited"
	ReasonNoAck          = "no_ack"
	ReasonRetryLimit     = "retry_limit"
	ReasonBadFrame       = "bad_frame"
	ReasonUnknownType    = "unknown_type"

	// ReasonDisconnected is returned for work on a connection that has already gone away.
	ReasonDisconnected = "disconnected"
)

// Envelope is one chat message. ID is generated by the client and reused
// verbatim on every retransmission of the same logical message.
type Envelope struct {
	ID        string `json:"id"`
	Room      string `json:"room"`
	Sender    string `json:"sender"`
	CreatedAt int64  `json:"createdAt"`
	Body      string `json:"body"`
}

// ChatAck is the relay's reply to one chat submission.
type ChatAck struct {
	ID     string `json:"id"`
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// JoinRequest asks the relay to add the connection to a room.
type JoinRequest struct {
	Room string `json:"room"`
}

// JoinAck is the relay's reply to a join request. AllowedRooms is
// populated on every failure and never on success.
type JoinAck struct {
	Room         string   `json:"room"`
	OK           bool     `json:"ok"`
	Reason       string   `json:"reason,omitempty"`
	AllowedRooms []string `json:"allowedRooms,omitempty"`
}

// Transient reports whether a failed chat ack may succeed if the same
// envelope is sent again later.
func (a ChatAck) Transient() bool {
	return !a.OK && (a.Reason == ReasonRateLimited || a.Reason == ReasonNoAck)
}
