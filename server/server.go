package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sethfduke/roomrelay/auth"
	"github.com/sethfduke/roomrelay/messages"
	"github.com/sethfduke/roomrelay/relay"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	defaultSendBuffer = 128
	// maxFrameBytes bounds a single inbound frame. A maximal chat envelope
	// is well under this.
	maxFrameBytes = 64 << 10
)

var errNoMessagingContext = errors.New("handler invoked without messaging context")

// rateLimiter tracks message rate for a client
type rateLimiter struct {
	count     int
	resetTime time.Time
	mu        sync.Mutex
}

// Server exposes a relay.Relay over WebSocket. It admits connections
// through the gate, decodes frames, routes them through the registry and
// queues replies on each connection's write pump.
type Server struct {
	Upgrader websocket.Upgrader
	Log      Logger

	MessageRegistry map[string]messages.RegEntry
	regMu           sync.RWMutex

	relay *relay.Relay

	gate         *auth.Gate
	credentials  []string
	jwtValidator auth.TokenValidator

	allowedOrigins map[string]struct{}

	clients   map[string]*Client
	clientsMu sync.RWMutex

	Port     int
	Host     string
	LogLevel int

	tlsEnabled bool
	tlsDev     bool
	tlsCert    string
	tlsKey     string
	tlsConfig  *tls.Config

	pingInterval time.Duration
	pingTimeout  time.Duration

	healthEndpoint string
	healthInfo     map[string]func() any

	maxConnections   int
	messageRateLimit int // frames per minute per client
	sendBuffer       int

	clientRateMap map[string]*rateLimiter
	rateMu        sync.RWMutex

	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration

	started  time.Time
	httpMu   sync.Mutex
	httpSrv  *http.Server
	quit     chan struct{}
	stopOnce sync.Once
}

// NewServer creates a Server for rl with the provided options. The join and
// chat frame handlers are registered before it is returned.
func NewServer(rl *relay.Relay, opts ...Option) *Server {
	s := &Server{
		Upgrader:        websocket.Upgrader{EnableCompression: true},
		MessageRegistry: make(map[string]messages.RegEntry),
		relay:           rl,
		clients:         make(map[string]*Client),
		clientRateMap:   make(map[string]*rateLimiter),
		LogLevel:        int(slog.LevelInfo),
		sendBuffer:      defaultSendBuffer,
		readTimeout:     15 * time.Second,
		writeTimeout:    15 * time.Second,
		idleTimeout:     60 * time.Second,
		started:         time.Now(),
		quit:            make(chan struct{}),
	}
	s.Upgrader.CheckOrigin = s.checkOrigin
	for _, opt := range opts {
		opt(s)
	}

	if s.Log == nil {
		s.Log = &slogLogger{l: NewJSONLogger(os.Stdout, slog.Level(s.LogLevel))}
	}
	if s.gate == nil {
		var gopts []auth.GateOption
		if s.jwtValidator != nil {
			gopts = append(gopts, auth.WithJWT(s.jwtValidator))
		}
		s.gate = auth.NewGate(s.credentials, gopts...)
	}

	s.Register(
		messages.Message(messages.JoinType, s.handleJoin),
		messages.Message(messages.ChatType, s.handleChat, messages.WithRateLimit()),
	)

	if s.messageRateLimit > 0 {
		go func() {
			ticker := time.NewTicker(5 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					s.cleanupRateLimiters()
				case <-s.quit:
					return
				}
			}
		}()
	}

	return s
}

// NewDefaultServer creates a Server on localhost:8080 with compression, a
// /health endpoint and default pings.
func NewDefaultServer(rl *relay.Relay) *Server {
	return NewServer(rl,
		Host("localhost"),
		WithPort(8080),
		WithCompression(true),
		WithLogLevel(int(slog.LevelInfo)),
		WithHealthEndpoint("/health"),
		WithDefaultPing(),
	)
}

// Relay returns the relay the server fronts.
func (s *Server) Relay() *relay.Relay { return s.relay }

// Handler returns the HTTP handler serving /ws and, when enabled, the
// health endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.wsHandler)
	if s.healthEndpoint != "" {
		mux.HandleFunc(s.healthEndpoint, s.healthHandler)
	}
	return mux
}

// Serve starts the HTTP server and blocks until it stops. After Shutdown it
// returns http.ErrServerClosed.
func (s *Server) Serve() error {
	addr := net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
		IdleTimeout:  s.idleTimeout,
	}
	s.httpMu.Lock()
	s.httpSrv = httpSrv
	s.httpMu.Unlock()
	select {
	case <-s.quit:
		return http.ErrServerClosed
	default:
	}

	if s.gate.Open() {
		s.Log.Warn("connection gate open: no credentials configured")
	}

	if !s.tlsEnabled {
		s.Log.Info("http listen", "addr", addr, "rooms", s.relay.Rooms())
		return httpSrv.ListenAndServe()
	}

	if s.tlsDev {
		cert, err := GenerateDevCert(365 * 24 * time.Hour)
		if err != nil {
			s.Log.Error("dev tls cert generation failed", "err", err)
			return err
		}
		s.tlsConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
	}

	if s.tlsConfig != nil {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.Log.Error("listen failed", "addr", addr, "err", err)
			return err
		}
		s.Log.Info("https listen", "addr", addr, "dev", s.tlsDev, "rooms", s.relay.Rooms())
		return httpSrv.Serve(tls.NewListener(ln, s.tlsConfig))
	}

	s.Log.Info("https listen", "addr", addr, "cert", s.tlsCert, "key", s.tlsKey, "rooms", s.relay.Rooms())
	return httpSrv.ListenAndServeTLS(s.tlsCert, s.tlsKey)
}

// Shutdown stops accepting connections and closes every open one.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.quit) })

	s.httpMu.Lock()
	httpSrv := s.httpSrv
	s.httpMu.Unlock()

	var err error
	if httpSrv != nil {
		err = httpSrv.Shutdown(ctx)
	}

	s.clientsMu.RLock()
	for _, cl := range s.clients {
		cl.Close()
	}
	s.clientsMu.RUnlock()
	return err
}

// ClientCount returns the number of open connections.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	_, ok := s.allowedOrigins[strings.TrimRight(origin, "/")]
	return ok
}

// healthHandler handles health check requests
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"clients":   s.ClientCount(),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"rooms":     s.relay.Rooms(),
		"metrics":   s.relay.Metrics(),
	}
	if s.maxConnections > 0 {
		response["max_connections"] = s.maxConnections
	}
	for name, fn := range s.healthInfo {
		response[name] = fn()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

// checkRateLimit checks if a client has exceeded their message rate limit
func (s *Server) checkRateLimit(clientID string) bool {
	if s.messageRateLimit <= 0 {
		return true
	}

	now := time.Now()
	s.rateMu.RLock()
	limiter, exists := s.clientRateMap[clientID]
	s.rateMu.RUnlock()
	if !exists {
		s.rateMu.Lock()
		limiter, exists = s.clientRateMap[clientID]
		if !exists {
			s.clientRateMap[clientID] = &rateLimiter{
				count:     1,
				resetTime: now.Add(time.Minute),
			}
		}
		s.rateMu.Unlock()
		if !exists {
			return true
		}
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	if now.After(limiter.resetTime) {
		limiter.count = 1
		limiter.resetTime = now.Add(time.Minute)
		return true
	}

	if limiter.count >= s.messageRateLimit {
		return false
	}

	limiter.count++
	return true
}

// cleanupRateLimiters removes old rate limiters to prevent memory leaks
func (s *Server) cleanupRateLimiters() {
	s.rateMu.Lock()
	defer s.rateMu.Unlock()

	now := time.Now()
	for clientID, limiter := range s.clientRateMap {
		limiter.mu.Lock()
		if now.After(limiter.resetTime.Add(5 * time.Minute)) {
			delete(s.clientRateMap, clientID)
		}
		limiter.mu.Unlock()
	}
}

// wsHandler admits, upgrades and serves one connection. Credentials are
// checked before the upgrade so rejected clients never get a socket.
func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	s.Log.Debug("received request", "method", r.Method, "path", r.URL.Path)

	if s.maxConnections > 0 {
		if current := s.ClientCount(); current >= s.maxConnections {
			s.Log.Warn("connection limit reached", "current", current, "max", s.maxConnections)
			http.Error(w, "Service Unavailable: Connection limit reached", http.StatusServiceUnavailable)
			return
		}
	}

	token, _ := auth.CredentialFromRequest(r)
	if err := s.gate.Admit(token); err != nil {
		s.Log.Warn("connection rejected", "remote", r.RemoteAddr, "err", err)
		http.Error(w, messages.ReasonUnauthorized, http.StatusUnauthorized)
		return
	}

	c, err := s.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Error("upgrade failed", "err", err)
		return
	}
	c.SetReadLimit(maxFrameBytes)

	id := uuid.NewString()
	client := NewClientWithPing(id, c, s.sendBuffer, s.pingInterval, s.pingTimeout)

	if s.pingInterval > 0 {
		pongWait := s.pingTimeout
		if pongWait <= 0 {
			pongWait = 5 * time.Second
		}
		// Allow time for the next ping cycle plus the pong timeout.
		deadline := s.pingInterval + pongWait
		_ = c.SetReadDeadline(time.Now().Add(deadline))
		c.SetPongHandler(func(string) error {
			return c.SetReadDeadline(time.Now().Add(deadline))
		})
	}

	conn := s.relay.Connect(id, client)
	s.addClient(id, client)
	go client.writePump()

	defer func() {
		s.Log.Debug("unregistering client", "conn", id)
		s.relay.Disconnect(conn)
		client.Close()
		s.removeClient(id)
	}()

	if err := client.Send(messages.WelcomeType, "", messages.Welcome{ID: id, Rooms: s.relay.Rooms()}); err != nil {
		s.Log.Error("failed to send welcome", "conn", id, "err", err)
	}

	ctx := WithClientID(r.Context(), id)
	if token != "" {
		ctx = WithToken(ctx, token)
		if s.jwtValidator != nil {
			if claims, err := s.jwtValidator.Validate(token); err == nil {
				ctx = WithClaims(ctx, claims)
			}
		}
	}

	for {
		mt, data, err := c.ReadMessage()
		if err != nil {
			if !isNormalDisconnect(err) {
				s.Log.Error("ws read error", "conn", id, "err", err)
			}
			return
		}
		if mt != websocket.TextMessage {
			s.Log.Debug("non-text frame", "conn", id)
			_ = client.Send(messages.ErrorType, "", messages.Error{Code: messages.ReasonBadFrame, Msg: "frames must be text"})
			continue
		}
		s.dispatch(ctx, client, conn, data)
	}
}

// dispatch decodes one inbound frame, routes it to its registered handler and
// makes sure the sender gets a reply even when routing fails.
func (s *Server) dispatch(ctx context.Context, client *Client, conn *relay.Conn, raw []byte) {
	var f messages.Frame
	if err := json.Unmarshal(raw, &f); err != nil || f.Type == "" {
		s.Log.Debug("bad frame", "conn", client.ID, "err", err)
		_ = client.Send(messages.ErrorType, "", messages.Error{
			Code: messages.ReasonBadFrame,
			Msg:  "frame must be a JSON object with a type",
		})
		return
	}

	s.regMu.RLock()
	entry, ok := s.MessageRegistry[f.Type]
	s.regMu.RUnlock()
	if !ok {
		s.Log.Debug("unknown frame type", "conn", client.ID, "type", f.Type)
		s.reject(client, f, messages.ReasonUnknownType, fmt.Sprintf("unknown frame type %q", f.Type))
		return
	}

	if entry.Limited && !s.checkRateLimit(client.ID) {
		s.Log.Warn("rate limit exceeded", "conn", client.ID, "limit", s.messageRateLimit)
		s.reject(client, f, messages.ReasonRateLimited, "rate limit exceeded")
		return
	}

	data := f.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	msg := entry.New()
	if err := json.Unmarshal(data, msg); err != nil {
		s.Log.Debug("decode failed", "conn", client.ID, "type", f.Type, "err", err)
		s.reject(client, f, decodeReason(f.Type), err.Error())
		return
	}

	s.Log.Debug("dispatching frame", "conn", client.ID, "type", f.Type)
	if err := entry.Handler(newMctx(ctx, client, conn, f.ID), msg); err != nil {
		s.Log.Error("handler failed", "conn", client.ID, "type", f.Type, "err", err)
		if f.Type != messages.ChatType && f.Type != messages.JoinType {
			s.reject(client, f, messages.ReasonBadFrame, err.Error())
		}
	}
}

// reject sends the failure reply matching the request frame's type.
func (s *Server) reject(client *Client, f messages.Frame, reason, detail string) {
	var err error
	switch f.Type {
	case messages.ChatType:
		err = client.Send(messages.ChatAckType, f.ID, messages.ChatAck{ID: payloadString(f.Data, "id"), Reason: reason, Detail: detail})
	case messages.JoinType:
		err = client.Send(messages.JoinAckType, f.ID, messages.JoinAck{
			Room:         relay.NormalizeRoom(payloadString(f.Data, "room")),
			Reason:       reason,
			AllowedRooms: s.relay.Rooms(),
		})
	default:
		err = client.Send(messages.ErrorType, f.ID, messages.Error{Code: reason, Msg: detail})
	}
	if err != nil {
		s.Log.Debug("reject not delivered", "conn", client.ID, "type", f.Type, "err", err)
	}
}

func decodeReason(frameType string) string {
	switch frameType {
	case messages.ChatType:
		return messages.ReasonInvalidMessage
	case messages.JoinType:
		return messages.ReasonInvalidRoom
	default:
		return messages.ReasonBadFrame
	}
}

// payloadString reads one string field of a request payload without
// validating the rest of it.
func payloadString(data json.RawMessage, field string) string {
	var p map[string]any
	if err := json.Unmarshal(data, &p); err != nil {
		return ""
	}
	v, _ := p[field].(string)
	return v
}

func (s *Server) handleJoin(ctx context.Context, req *messages.JoinRequest) error {
	mc, ok := Messaging(ctx)
	if !ok {
		return errNoMessagingContext
	}
	return mc.Reply(messages.JoinAckType, s.relay.Join(mc.Conn(), req.Room))
}

func (s *Server) handleChat(ctx context.Context, raw *json.RawMessage) error {
	mc, ok := Messaging(ctx)
	if !ok {
		return errNoMessagingContext
	}
	return mc.Reply(messages.ChatAckType, s.relay.Submit(mc.Conn(), *raw))
}

// addClient registers a new client connection with the server.
func (s *Server) addClient(id string, client *Client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[id] = client
	s.Log.Info("client connected", "conn", id, "clients", len(s.clients))
}

// removeClient unregisters a client connection from the server.
func (s *Server) removeClient(id string) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, id)

	s.rateMu.Lock()
	delete(s.clientRateMap, id)
	s.rateMu.Unlock()

	s.Log.Info("client disconnected", "conn", id, "clients", len(s.clients))
}

// Register adds one or more frame types to the registry. Registering a type
// again replaces its handler.
func (s *Server) Register(specs ...messages.MessageSpec) {
	s.regMu.Lock()
	defer s.regMu.Unlock()
	for _, sp := range specs {
		s.MessageRegistry[sp.Type] = sp.Reg
	}
}

// isNormalDisconnect checks if an error represents a normal WebSocket disconnection
// that doesn't require error logging.
func isNormalDisconnect(err error) bool {
	if err == nil {
		return false
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure,
	) {
		return true
	}

	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.EPIPE) {
		return true
	}

	var ne *net.OpError
	if errors.As(err, &ne) {
		return true
	}

	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "unexpected EOF")
}

// WithClientID returns a child context that carries the client id.
func WithClientID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyClientID, id)
}

// ClientIDFrom extracts the client id from context.
func ClientIDFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKeyClientID).(string)
	return v, ok
}

// WithClaims returns a child context that carries the JWT claims.
func WithClaims(ctx context.Context, c *auth.Claims) context.Context {
	return context.WithValue(ctx, ctxKeyClaims, c)
}

// ClaimsFrom extracts the JWT claims from context.
func ClaimsFrom(ctx context.Context) (*auth.Claims, bool) {
	v, ok := ctx.Value(ctxKeyClaims).(*auth.Claims)
	return v, ok
}

// WithToken returns a child context that carries the connection credential.
func WithToken(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, ctxKeyToken, t)
}

// TokenFrom extracts the connection credential from the context.
func TokenFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKeyToken).(string)
	return v, ok
}
