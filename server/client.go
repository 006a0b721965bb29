package server

import (
	"errors"
	"sync"
	"time"

	"github.com/sethfduke/roomrelay/messages"
	"github.com/sethfduke/roomrelay/relay"

	"github.com/gorilla/websocket"
)

// ErrSendBufferFull is returned when a client's send buffer is at capacity.
var ErrSendBufferFull = errors.New("client send buffer full")

const writeWait = 10 * time.Second

// Client is one admitted WebSocket connection. Outbound frames are queued on
// a bounded channel and written by writePump, the only goroutine that
// writes data frames to Conn.
type Client struct {
	ID   string `json:"id"`
	Conn *websocket.Conn

	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once

	pingInterval time.Duration
	pingTimeout  time.Duration
}

// NewClient creates a Client with a send buffer of buf frames and no pings.
func NewClient(id string, conn *websocket.Conn, buf int) *Client {
	return NewClientWithPing(id, conn, buf, 0, 0)
}

// NewClientWithPing creates a Client that pings the peer every pingInterval.
func NewClientWithPing(id string, conn *websocket.Conn, buf int, pingInterval, pingTimeout time.Duration) *Client {
	if buf <= 0 {
		buf = 1
	}
	return &Client{
		ID:           id,
		Conn:         conn,
		sendCh:       make(chan []byte, buf),
		done:         make(chan struct{}),
		pingInterval: pingInterval,
		pingTimeout:  pingTimeout,
	}
}

// Deliver queues an encoded frame. It never blocks: a full buffer returns
// ErrSendBufferFull and a closed client returns relay.ErrClosed.
func (c *Client) Deliver(frame []byte) error {
	select {
	case <-c.done:
		return relay.ErrClosed
	default:
	}
	select {
	case c.sendCh <- frame:
		return nil
	case <-c.done:
		return relay.ErrClosed
	default:
		return ErrSendBufferFull
	}
}

// Send encodes payload as a frame of type typeName and queues it.
func (c *Client) Send(typeName, cid string, payload any) error {
	b, err := messages.Encode(typeName, cid, payload)
	if err != nil {
		return err
	}
	return c.Deliver(b)
}

// writePump drains the send channel to the socket and sends periodic pings.
// It returns when the client is closed or a write fails, closing Conn.
func (c *Client) writePump() {
	defer func() {
		_ = c.Conn.Close()
	}()

	var tick <-chan time.Time
	if c.pingInterval > 0 {
		t := time.NewTicker(c.pingInterval)
		defer t.Stop()
		tick = t.C
	}
	pingTimeout := c.pingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}

	for {
		select {
		case msg := <-c.sendCh:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-tick:
			if err := c.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingTimeout)); err != nil {
				return
			}
		case <-c.done:
			_ = c.Conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

// Close stops the write pump, which sends a close frame and closes the
// socket. It is safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Done is closed when the client is closed.
func (c *Client) Done() <-chan struct{} { return c.done }
