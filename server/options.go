package server

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sethfduke/roomrelay/auth"
)

// Option is a function type used to configure Server instances.
type Option func(*Server)

// WithCheckOrigin sets a function to check the origin of WebSocket upgrade
// requests. It replaces any allowed-origin set.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(s *Server) {
		s.Upgrader.CheckOrigin = fn
	}
}

// WithAllowedOrigins restricts upgrades to requests whose Origin header is in
// origins. Requests without an Origin header are allowed. An empty list
// allows every origin.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		s.allowedOrigins = make(map[string]struct{}, len(origins))
		for _, o := range origins {
			if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
				s.allowedOrigins[o] = struct{}{}
			}
		}
		s.Upgrader.CheckOrigin = s.checkOrigin
	}
}

// WithCompression enables or disables WebSocket compression.
func WithCompression(enabled bool) Option {
	return func(s *Server) {
		s.Upgrader.EnableCompression = enabled
	}
}

// Host sets the host address for the server to bind to.
func Host(host string) Option {
	return func(s *Server) {
		s.Host = host
	}
}

// WithPort sets the port number for the server to listen on.
func WithPort(port int) Option {
	return func(s *Server) {
		s.Port = port
	}
}

// WithLogLevel sets the logging level for the server's default logger.
func WithLogLevel(logLevel int) Option {
	return func(s *Server) {
		s.LogLevel = logLevel
	}
}

// WithCredentials admits connections presenting one of the given static
// credentials. Ignored when WithGate is used.
func WithCredentials(credentials ...string) Option {
	return func(s *Server) {
		s.credentials = append(s.credentials, credentials...)
	}
}

// WithHS256JWT admits connections presenting a JWT signed with secret.
// Ignored when WithGate is used.
func WithHS256JWT(secret []byte) Option {
	return func(s *Server) {
		s.jwtValidator = auth.NewHS256(secret)
	}
}

// WithJWTValidator admits connections presenting a token v accepts.
// Ignored when WithGate is used.
func WithJWTValidator(v auth.TokenValidator) Option {
	return func(s *Server) {
		s.jwtValidator = v
	}
}

// WithGate sets the connection gate directly.
func WithGate(g *auth.Gate) Option {
	return func(s *Server) {
		s.gate = g
	}
}

// WithTLS enables TLS. If dev==true, a self-signed cert is generated at runtime.
// If dev==false, certFile/keyFile must point to valid PEM files.
func WithTLS(certFile, keyFile string, dev bool) Option {
	return func(s *Server) {
		s.tlsEnabled = true
		s.tlsDev = dev
		s.tlsCert = certFile
		s.tlsKey = keyFile
	}
}

// WithTLSConfig is to allow injecting a ready tls.Config (e.g., for mTLS/custom ciphers)
func WithTLSConfig(cfg *tls.Config) Option {
	return func(s *Server) {
		s.tlsEnabled = true
		s.tlsDev = false
		s.tlsConfig = cfg
	}
}

// WithLogger sets a custom logger implementation for the server.
func WithLogger(l Logger) Option {
	return func(s *Server) { s.Log = l }
}

// WithSlog sets an slog.Logger instance as the server's logger.
func WithSlog(l *slog.Logger) Option {
	return func(s *Server) { s.Log = &slogLogger{l: l} }
}

// WithDefaultPing pings every 30 seconds and waits 5 seconds for the pong.
func WithDefaultPing() Option {
	return func(s *Server) {
		s.pingInterval = 30 * time.Second
		s.pingTimeout = 5 * time.Second
	}
}

// WithPing pings every interval; a connection that does not answer within
// interval plus timeout is dropped.
func WithPing(interval, timeout time.Duration) Option {
	return func(s *Server) {
		s.pingInterval = interval
		s.pingTimeout = timeout
	}
}

// WithHealthEndpoint enables a health check endpoint at the specified path.
// The endpoint reports connection count, rooms and relay counters.
func WithHealthEndpoint(path string) Option {
	return func(s *Server) {
		s.healthEndpoint = path
	}
}

// WithHealthInfo adds a field to the health response, filled by calling fn
// on every request.
func WithHealthInfo(name string, fn func() any) Option {
	return func(s *Server) {
		if s.healthInfo == nil {
			s.healthInfo = make(map[string]func() any)
		}
		s.healthInfo[name] = fn
	}
}

// WithMaxConnections sets the maximum number of concurrent WebSocket connections.
// When the limit is reached, new connections will be rejected with a 503 Service Unavailable response.
func WithMaxConnections(max int) Option {
	return func(s *Server) {
		s.maxConnections = max
	}
}

// WithMessageRateLimit sets the maximum number of rate-limited frames per
// minute per connection. Chat frames over the limit are acknowledged with
// reason rate_limited.
func WithMessageRateLimit(messagesPerMinute int) Option {
	return func(s *Server) {
		s.messageRateLimit = messagesPerMinute
	}
}

// WithSendBuffer sets the number of outbound frames queued per connection.
func WithSendBuffer(n int) Option {
	return func(s *Server) {
		s.sendBuffer = n
	}
}

// WithReadTimeout sets the read timeout for the HTTP server.
func WithReadTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = timeout
	}
}

// WithWriteTimeout sets the write timeout for the HTTP server.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.writeTimeout = timeout
	}
}

// WithIdleTimeout sets the idle timeout for the HTTP server.
func WithIdleTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.idleTimeout = timeout
	}
}
