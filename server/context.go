package server

import (
	"context"
	"time"

	"github.com/sethfduke/roomrelay/relay"
)

// ctxKey is a custom type for context keys to avoid collisions.
type ctxKey string

const (
	// ctxKeyClientID is the context key used to store client IDs.
	ctxKeyClientID ctxKey = "clientID"
	// ctxKeyClaims is the context key used to store JWT claims.
	ctxKeyClaims ctxKey = "claims"
	// ctxKeyToken is the context key for the credential the client connected with.
	ctxKeyToken ctxKey = "token"
)

// MessagingContext is the context handed to frame handlers. Besides the
// request context it carries the sending connection and the correlation id
// replies should echo.
type MessagingContext interface {
	context.Context
	ClientID() string
	Conn() *relay.Conn
	CorrelationID() string
	// Reply queues a frame for the sending connection, correlated with the
	// request frame.
	Reply(typeName string, v any) error
}

// Messaging returns the MessagingContext a handler was invoked with.
func Messaging(ctx context.Context) (MessagingContext, bool) {
	mc, ok := ctx.(MessagingContext)
	return mc, ok
}

// mctx is the concrete implementation of MessagingContext.
type mctx struct {
	base   context.Context
	client *Client
	conn   *relay.Conn
	cid    string
}

func newMctx(base context.Context, client *Client, conn *relay.Conn, cid string) *mctx {
	return &mctx{base: base, client: client, conn: conn, cid: cid}
}

func (m *mctx) Deadline() (time.Time, bool) { return m.base.Deadline() }
func (m *mctx) Done() <-chan struct{}       { return m.base.Done() }
func (m *mctx) Err() error                  { return m.base.Err() }
func (m *mctx) Value(key any) any           { return m.base.Value(key) }

func (m *mctx) ClientID() string      { return m.client.ID }
func (m *mctx) Conn() *relay.Conn     { return m.conn }
func (m *mctx) CorrelationID() string { return m.cid }

func (m *mctx) Reply(typeName string, v any) error {
	return m.client.Send(typeName, m.cid, v)
}
