// Package config reads relay daemon settings from the environment.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/sethfduke/roomrelay/relay"
)

// ErrMissingCredentials is returned when RELAY_REQUIRE_TOKENS is set but no
// credential source is configured.
var ErrMissingCredentials = errors.New("credentials required but none configured")

const (
	DefaultPort         = 8080
	DefaultRoom         = "general"
	DefaultRedisChannel = "roomrelay:broadcast"
	DefaultLogLevel     = "info"
)

// Config holds everything the relay daemon needs to start.
type Config struct {
	Host           string
	Port           int
	AllowedOrigins []string

	Tokens        []string
	RequireTokens bool
	JWTSecret     string
	JWTIssuer     string
	JWTAudience   string

	Rooms          []string
	DedupCapacity  int
	RateLimit      int
	MaxConnections int
	LogLevel       string

	RedisURL     string
	RedisChannel string

	TLSCert string
	TLSKey  string
	TLSDev  bool
}

// Gated reports whether any credential source is configured.
func (c Config) Gated() bool {
	return len(c.Tokens) > 0 || c.JWTSecret != ""
}

// TLS reports whether the daemon should serve TLS.
func (c Config) TLS() bool {
	return c.TLSDev || c.TLSCert != ""
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// FromEnv builds a Config from getenv, which is usually os.Getenv. Every
// invalid variable is reported in the returned error.
func FromEnv(getenv func(string) string) (Config, error) {
	cfg := Config{
		Host:           strings.TrimSpace(getenv("RELAY_HOST")),
		AllowedOrigins: list(getenv("RELAY_ALLOWED_ORIGINS")),
		Tokens:         list(getenv("RELAY_TOKENS")),
		JWTSecret:      getenv("RELAY_JWT_SECRET"),
		JWTIssuer:      strings.TrimSpace(getenv("RELAY_JWT_ISSUER")),
		JWTAudience:    strings.TrimSpace(getenv("RELAY_JWT_AUDIENCE")),
		Rooms:          list(getenv("RELAY_ROOMS")),
		LogLevel:       strings.ToLower(strings.TrimSpace(getenv("RELAY_LOG_LEVEL"))),
		RedisURL:       strings.TrimSpace(getenv("RELAY_REDIS_URL")),
		RedisChannel:   strings.TrimSpace(getenv("RELAY_REDIS_CHANNEL")),
		TLSCert:        strings.TrimSpace(getenv("RELAY_TLS_CERT")),
		TLSKey:         strings.TrimSpace(getenv("RELAY_TLS_KEY")),
	}

	var errs []error
	p := parser{getenv: getenv, errs: &errs}
	cfg.Port = p.intVar("PORT", DefaultPort)
	cfg.DedupCapacity = p.intVar("RELAY_DEDUP_CAPACITY", relay.DefaultDedupCapacity)
	cfg.RateLimit = p.intVar("RELAY_RATE_LIMIT", 0)
	cfg.MaxConnections = p.intVar("RELAY_MAX_CONNECTIONS", 0)
	cfg.RequireTokens = p.boolVar("RELAY_REQUIRE_TOKENS")
	cfg.TLSDev = p.boolVar("RELAY_TLS_DEV")

	if cfg.Port < 1 || cfg.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT: %d out of range", cfg.Port))
	}
	if cfg.DedupCapacity < 1 {
		errs = append(errs, fmt.Errorf("RELAY_DEDUP_CAPACITY: must be positive"))
	}
	if cfg.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("RELAY_RATE_LIMIT: must not be negative"))
	}
	if cfg.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("RELAY_MAX_CONNECTIONS: must not be negative"))
	}

	switch cfg.LogLevel {
	case "":
		cfg.LogLevel = DefaultLogLevel
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("RELAY_LOG_LEVEL: unknown level %q", cfg.LogLevel))
	}

	rooms, err := normalizeRooms(cfg.Rooms)
	if err != nil {
		errs = append(errs, fmt.Errorf("RELAY_ROOMS: %w", err))
	}
	cfg.Rooms = rooms

	if cfg.RedisChannel == "" {
		cfg.RedisChannel = DefaultRedisChannel
	}
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		errs = append(errs, errors.New("RELAY_TLS_CERT and RELAY_TLS_KEY must be set together"))
	}
	if cfg.RequireTokens && !cfg.Gated() {
		errs = append(errs, ErrMissingCredentials)
	}

	if len(errs) > 0 {
		return cfg, fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return cfg, nil
}

func normalizeRooms(raw []string) ([]string, error) {
	if len(raw) == 0 {
		return []string{DefaultRoom}, nil
	}
	seen := make(map[string]struct{}, len(raw))
	var rooms []string
	for _, r := range raw {
		name := relay.NormalizeRoom(r)
		if utf8.RuneCountInString(name) > relay.MaxRoomLen {
			return nil, fmt.Errorf("room %q exceeds %d characters", name, relay.MaxRoomLen)
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		rooms = append(rooms, name)
	}
	return rooms, nil
}

// list splits a comma-separated value, dropping blank entries.
func list(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

type parser struct {
	getenv func(string) string
	errs   *[]error
}

func (p parser) intVar(key string, def int) int {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (p parser) boolVar(key string) bool {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s: %w", key, err))
		return false
	}
	return b
}
