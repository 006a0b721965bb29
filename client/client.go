// Package client is a relay client that keeps sends reliable across
// dropped connections. A Reconciler tracks every envelope until the relay
// acknowledges it; Client drives the Reconciler over a WebSocket.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sethfduke/roomrelay/auth"
	"github.com/sethfduke/roomrelay/messages"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNoAck is returned when the relay does not answer a join in time.
	ErrNoAck = errors.New(messages.ReasonNoAck)
	// ErrNotConnected is returned when an operation needs a live connection.
	ErrNotConnected = errors.New("not connected")
)

const (
	DefaultJoinTimeout = 1500 * time.Millisecond
	DefaultAckTimeout  = 5 * time.Second

	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
	writeWait         = 10 * time.Second
)

// Handler receives client events. Methods may be called from different
// goroutines but never while the client holds its lock.
type Handler interface {
	// HandleMessage is called once per envelope id broadcast to a joined room.
	HandleMessage(env messages.Envelope)
	// HandleStatus is called whenever a sent envelope changes state.
	HandleStatus(ps PendingSend)
	// HandleJoin is called with every join acknowledgment.
	HandleJoin(ack messages.JoinAck)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	Message func(messages.Envelope)
	Status  func(PendingSend)
	Join    func(messages.JoinAck)
}

// HandleMessage calls h.Message.
func (h HandlerFuncs) HandleMessage(env messages.Envelope) {
	if h.Message != nil {
		h.Message(env)
	}
}

// HandleStatus calls h.Status.
func (h HandlerFuncs) HandleStatus(ps PendingSend) {
	if h.Status != nil {
		h.Status(ps)
	}
}

// HandleJoin calls h.Join.
func (h HandlerFuncs) HandleJoin(ack messages.JoinAck) {
	if h.Join != nil {
		h.Join(ack)
	}
}

type ackTimer struct{ t *time.Timer }

// Client is a reconnecting relay client.
type Client struct {
	url     string
	handler Handler
	header  http.Header
	dialer  *websocket.Dialer

	joinTimeout time.Duration
	ackTimeout  time.Duration
	minBackoff  time.Duration
	maxBackoff  time.Duration
	maxRetries  int
	log         *slog.Logger

	joins   singleflight.Group
	writeMu sync.Mutex

	mu      sync.Mutex
	rec     *Reconciler
	conn    *websocket.Conn
	id      string
	room    string
	joined  map[string]bool
	waiters map[string]chan messages.JoinAck
	timers  map[string]*ackTimer
}

// New returns a client for the relay WebSocket at url. Nothing happens
// until Run is called.
func New(url string, h Handler, opts ...Option) *Client {
	c := &Client{
		url:         url,
		handler:     h,
		header:      http.Header{},
		dialer:      websocket.DefaultDialer,
		joinTimeout: DefaultJoinTimeout,
		ackTimeout:  DefaultAckTimeout,
		minBackoff:  defaultMinBackoff,
		maxBackoff:  defaultMaxBackoff,
		log:         slog.Default(),
		joined:      make(map[string]bool),
		waiters:     make(map[string]chan messages.JoinAck),
		timers:      make(map[string]*ackTimer),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.handler == nil {
		c.handler = HandlerFuncs{}
	}
	if c.maxBackoff < c.minBackoff {
		c.maxBackoff = c.minBackoff
	}
	c.rec = NewReconciler(c.maxRetries)
	return c
}

func normalizeRoom(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// ID returns the connection id assigned by the relay, or "" before the
// first welcome.
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Connected reports whether a connection is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Room returns the current room: the last one joined through Join.
func (c *Client) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// Pending returns the envelopes still awaiting acknowledgment.
func (c *Client) Pending() []PendingSend {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec.Pending()
}

// Run connects to the relay and keeps reconnecting with capped exponential
// backoff until ctx is done. It returns early if the relay rejects the
// credential.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.minBackoff
	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, auth.ErrUnauthorized) {
			return err
		}
		if connected {
			backoff = c.minBackoff
		}

		wait := jitter(backoff)
		c.log.Warn("relay connection lost", "err", err, "retry_in", wait)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff = min(backoff*2, c.maxBackoff)
	}
}

// jitter returns a duration in [d/2, d].
func jitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	return d/2 + rand.N(d/2+1)
}

// session runs one connection until it drops. connected reports whether
// the dial succeeded.
func (c *Client) session(ctx context.Context) (connected bool, err error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return false, fmt.Errorf("dial %s: %w", c.url, auth.ErrUnauthorized)
		}
		return false, fmt.Errorf("dial %s: %w", c.url, err)
	}

	// The replay plan is taken together with publishing the connection, so
	// envelopes submitted from here on are sent by Send and not replayed.
	c.mu.Lock()
	c.conn = conn
	c.joined = make(map[string]bool)
	plan := c.rec.Replay()
	current := c.room
	c.mu.Unlock()
	c.log.Info("connected to relay", "url", c.url, "replay", len(plan.Resend))

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.readLoop(conn) }()
	go c.resume(sctx, conn, plan, current)

	select {
	case err = <-done:
	case <-ctx.Done():
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
		err = <-done
	}
	cancel()
	c.disconnect(conn)
	return true, err
}

// disconnect forgets everything tied to conn. Pending envelopes stay for
// the next replay.
func (c *Client) disconnect(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.joined = make(map[string]bool)
	for id, at := range c.timers {
		at.t.Stop()
		delete(c.timers, id)
	}
	waiters := c.waiters
	c.waiters = make(map[string]chan messages.JoinAck)
	c.mu.Unlock()

	for _, ch := range waiters {
		select {
		case ch <- messages.JoinAck{Reason: messages.ReasonDisconnected}:
		default:
		}
	}
	_ = conn.Close()
}

// resume carries out a replay plan on conn: rooms with pending traffic and
// the current room are joined concurrently, then envelopes whose room was
// joined are resent. It stops once conn is no longer the live connection;
// whatever was not resent stays pending for the next plan.
func (c *Client) resume(ctx context.Context, conn *websocket.Conn, plan ReplayPlan, current string) {
	for _, ps := range plan.Exhausted {
		c.handler.HandleStatus(ps)
	}
	if !c.live(ctx, conn) {
		return
	}

	rooms := plan.Rooms
	if current != "" && !slices.Contains(rooms, current) {
		rooms = append(rooms, current)
	}

	acks := make([]messages.JoinAck, len(rooms))
	var g errgroup.Group
	for i, room := range rooms {
		g.Go(func() error {
			ack, err := c.joinRoom(ctx, room)
			acks[i] = ack
			if err != nil {
				return fmt.Errorf("rejoin %s: %w", room, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.log.Warn("rejoin incomplete", "err", err)
	}

	byRoom := make(map[string]messages.JoinAck, len(rooms))
	for i, room := range rooms {
		byRoom[room] = acks[i]
	}

	for _, ps := range plan.Resend {
		if !c.live(ctx, conn) {
			return
		}
		c.handler.HandleStatus(ps)
		env := ps.Envelope
		ack := byRoom[env.Room]
		switch {
		case ack.OK:
			_ = c.transmit(conn, env)
		case permanentJoinFailure(ack.Reason):
			c.handleAck(messages.ChatAck{ID: env.ID, Reason: ack.Reason})
		default:
			c.arm(env.ID, false)
		}
	}
}

// live reports whether conn is still the client's connection and ctx is
// still running.
func (c *Client) live(ctx context.Context, conn *websocket.Conn) bool {
	if ctx.Err() != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn == conn
}

func permanentJoinFailure(reason string) bool {
	return reason == messages.ReasonInvalidRoom || reason == messages.ReasonRoomNotAllowed
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var f messages.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn("undecodable frame from relay", "err", err)
			continue
		}
		c.handleFrame(f)
	}
}

func (c *Client) handleFrame(f messages.Frame) {
	switch f.Type {
	case messages.WelcomeType:
		var w messages.Welcome
		if err := json.Unmarshal(f.Data, &w); err != nil {
			c.log.Warn("bad welcome", "err", err)
			return
		}
		c.mu.Lock()
		c.id = w.ID
		c.mu.Unlock()
		c.log.Debug("welcome", "conn", w.ID, "rooms", w.Rooms)

	case messages.JoinAckType:
		var ack messages.JoinAck
		if err := json.Unmarshal(f.Data, &ack); err != nil {
			c.log.Warn("bad join_ack", "err", err)
			return
		}
		c.mu.Lock()
		ch := c.waiters[f.CorrelationID]
		delete(c.waiters, f.CorrelationID)
		c.mu.Unlock()
		if ch != nil {
			ch <- ack
		}

	case messages.ChatAckType:
		var ack messages.ChatAck
		if err := json.Unmarshal(f.Data, &ack); err != nil {
			c.log.Warn("bad chat_ack", "err", err)
			return
		}
		c.handleAck(ack)

	case messages.MessageType:
		var env messages.Envelope
		if err := json.Unmarshal(f.Data, &env); err != nil {
			c.log.Warn("bad message", "err", err)
			return
		}
		c.mu.Lock()
		fresh := c.rec.MarkRendered(env.ID)
		c.mu.Unlock()
		if fresh {
			c.handler.HandleMessage(env)
		}

	case messages.ErrorType:
		var e messages.Error
		_ = json.Unmarshal(f.Data, &e)
		c.log.Warn("relay error", "code", e.Code, "msg", e.Msg, "cid", f.CorrelationID)

	default:
		c.log.Debug("ignoring frame", "type", f.Type)
	}
}

func (c *Client) handleAck(ack messages.ChatAck) {
	c.mu.Lock()
	c.stopTimer(ack.ID)
	ps, ok := c.rec.HandleAck(ack)
	c.mu.Unlock()
	if !ok {
		return
	}
	c.handler.HandleStatus(ps)
	if !Terminal(ps.Status) {
		c.arm(ack.ID, false)
	}
}

// Join joins room and makes it the current room, which is re-joined on
// every reconnect. Concurrent joins of the same room share one request.
func (c *Client) Join(ctx context.Context, room string) (messages.JoinAck, error) {
	ack, err := c.joinRoom(ctx, room)
	if err == nil && ack.OK {
		c.mu.Lock()
		c.room = ack.Room
		c.mu.Unlock()
	}
	return ack, err
}

func (c *Client) joinRoom(ctx context.Context, room string) (messages.JoinAck, error) {
	room = normalizeRoom(room)
	v, err, _ := c.joins.Do(room, func() (any, error) {
		return c.join(ctx, room)
	})
	ack, _ := v.(messages.JoinAck)
	return ack, err
}

func (c *Client) join(ctx context.Context, room string) (messages.JoinAck, error) {
	cid := "join-" + uuid.NewString()
	ch := make(chan messages.JoinAck, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return messages.JoinAck{Room: room, Reason: messages.ReasonDisconnected}, ErrNotConnected
	}
	c.waiters[cid] = ch
	c.mu.Unlock()

	if err := c.writeFrame(conn, messages.JoinType, cid, messages.JoinRequest{Room: room}); err != nil {
		c.dropWaiter(cid)
		return messages.JoinAck{Room: room, Reason: messages.ReasonDisconnected}, err
	}

	t := time.NewTimer(c.joinTimeout)
	defer t.Stop()

	select {
	case ack := <-ch:
		if !ack.OK && ack.Reason == messages.ReasonDisconnected {
			return ack, ErrNotConnected
		}
		if ack.OK {
			c.mu.Lock()
			if c.conn == conn {
				c.joined[ack.Room] = true
			}
			c.mu.Unlock()
		}
		c.handler.HandleJoin(ack)
		return ack, nil
	case <-t.C:
		c.dropWaiter(cid)
		c.log.Warn("join timed out", "room", room, "timeout", c.joinTimeout)
		return messages.JoinAck{Room: room, Reason: messages.ReasonNoAck}, ErrNoAck
	case <-ctx.Done():
		c.dropWaiter(cid)
		return messages.JoinAck{Room: room}, ctx.Err()
	}
}

func (c *Client) dropWaiter(cid string) {
	c.mu.Lock()
	delete(c.waiters, cid)
	c.mu.Unlock()
}

// Send submits a new envelope to room and returns its id. The envelope is
// tracked until the relay acknowledges it, resent on ack timeout and
// replayed after reconnects. If the client is not connected the id is
// returned with ErrNotConnected and the envelope waits for the next
// connection.
func (c *Client) Send(ctx context.Context, room, sender, body string) (string, error) {
	env := messages.Envelope{
		ID:        uuid.NewString(),
		Room:      normalizeRoom(room),
		Sender:    sender,
		CreatedAt: time.Now().UnixMilli(),
		Body:      body,
	}

	c.mu.Lock()
	ps := c.rec.Submit(env)
	// Shown optimistically through HandleStatus; the echo is not rendered again.
	c.rec.MarkRendered(env.ID)
	connected := c.conn != nil
	c.mu.Unlock()

	c.handler.HandleStatus(ps)
	if !connected {
		return env.ID, ErrNotConnected
	}
	return env.ID, c.deliver(ctx, env)
}

// deliver makes sure the room is joined, then transmits env.
func (c *Client) deliver(ctx context.Context, env messages.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	joined := c.joined[env.Room]
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	if !joined {
		ack, err := c.joinRoom(ctx, env.Room)
		if err != nil {
			c.arm(env.ID, false)
			return err
		}
		if !ack.OK {
			c.handleAck(messages.ChatAck{ID: env.ID, Reason: ack.Reason})
			return nil
		}
	}
	return c.transmit(conn, env)
}

func (c *Client) transmit(conn *websocket.Conn, env messages.Envelope) error {
	if err := c.writeFrame(conn, messages.ChatType, env.ID, env); err != nil {
		c.log.Debug("chat write failed", "id", env.ID, "err", err)
		return err
	}
	c.arm(env.ID, true)
	return nil
}

// arm schedules a retry of id after the ack timeout. With noAck the missing
// acknowledgment is reported first.
func (c *Client) arm(id string, noAck bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return
	}
	c.stopTimer(id)
	at := &ackTimer{}
	c.timers[id] = at
	at.t = time.AfterFunc(c.ackTimeout, func() { c.expire(id, at, noAck) })
}

// stopTimer must be called with c.mu held.
func (c *Client) stopTimer(id string) {
	if at, ok := c.timers[id]; ok {
		at.t.Stop()
		delete(c.timers, id)
	}
}

func (c *Client) expire(id string, at *ackTimer, noAck bool) {
	c.mu.Lock()
	if c.timers[id] != at {
		c.mu.Unlock()
		return
	}
	delete(c.timers, id)
	if c.conn == nil {
		c.mu.Unlock()
		return
	}
	var timedOut []PendingSend
	if noAck {
		if ps, ok := c.rec.Timeout(id); ok {
			timedOut = append(timedOut, ps)
		}
	}
	ps, resend, ok := c.rec.Retry(id)
	c.mu.Unlock()

	for _, t := range timedOut {
		c.handler.HandleStatus(t)
	}
	if !ok {
		return
	}
	if !resend {
		c.handler.HandleStatus(ps)
		return
	}
	_ = c.deliver(context.Background(), ps.Envelope)
}

// writeFrame writes one frame on conn. It fails with ErrNotConnected if
// conn has been replaced or dropped.
func (c *Client) writeFrame(conn *websocket.Conn, typeName, id string, payload any) error {
	f, err := messages.NewFrame(typeName, payload)
	if err != nil {
		return err
	}
	f.ID = id

	c.mu.Lock()
	current := conn != nil && c.conn == conn
	c.mu.Unlock()
	if !current {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(f)
}
