package client

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// Option configures a Client.
type Option func(*Client)

// WithCredential presents token as a bearer credential when connecting.
func WithCredential(token string) Option {
	return func(c *Client) {
		if token != "" {
			c.header.Set("Authorization", "Bearer "+token)
		}
	}
}

// WithDialer sets the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithJoinTimeout bounds the wait for a join_ack.
func WithJoinTimeout(d time.Duration) Option {
	return func(c *Client) { c.joinTimeout = d }
}

// WithAckTimeout bounds the wait for a chat_ack before the envelope is
// resent.
func WithAckTimeout(d time.Duration) Option {
	return func(c *Client) { c.ackTimeout = d }
}

// WithBackoff sets the reconnect delay bounds.
func WithBackoff(min, max time.Duration) Option {
	return func(c *Client) {
		c.minBackoff = min
		c.maxBackoff = max
	}
}

// WithMaxRetries sets the resend ceiling per envelope.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithRoom sets the room joined on every (re)connect.
func WithRoom(room string) Option {
	return func(c *Client) { c.room = normalizeRoom(room) }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}
