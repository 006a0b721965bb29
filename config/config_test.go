package config

import (
	"errors"
	"strings"
	"testing"
)

func env(vars map[string]string) func(string) string {
	return func(key string) string { return vars[key] }
}

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv(env(nil))
	if err != nil {
		t.Fatalf("expected defaults to be valid, got %v", err)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("expected port %d, got %d", DefaultPort, cfg.Port)
	}
	if strings.Join(cfg.Rooms, ",") != DefaultRoom {
		t.Errorf("expected rooms [%s], got %v", DefaultRoom, cfg.Rooms)
	}
	if cfg.DedupCapacity != 5000 {
		t.Errorf("expected dedup capacity 5000, got %d", cfg.DedupCapacity)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected info, got %s", cfg.LogLevel)
	}
	if cfg.RedisChannel != DefaultRedisChannel {
		t.Errorf("expected %s, got %s", DefaultRedisChannel, cfg.RedisChannel)
	}
	if cfg.Gated() || cfg.TLS() || cfg.RateLimit != 0 || cfg.MaxConnections != 0 {
		t.Errorf("expected an open plain relay, got %+v", cfg)
	}
	if cfg.Addr() != ":8080" {
		t.Errorf("expected :8080, got %s", cfg.Addr())
	}
}

func TestFromEnv(t *testing.T) {
	cfg, err := FromEnv(env(map[string]string{
		"RELAY_HOST":            "127.0.0.1",
		"PORT":                  "9000",
		"RELAY_ALLOWED_ORIGINS": "https://a.example, https://b.example,",
		"RELAY_TOKENS":          "one, two",
		"RELAY_REQUIRE_TOKENS":  "true",
		"RELAY_ROOMS":           " Family ,general,FAMILY",
		"RELAY_DEDUP_CAPACITY":  "100",
		"RELAY_RATE_LIMIT":      "60",
		"RELAY_MAX_CONNECTIONS": "10",
		"RELAY_LOG_LEVEL":       "DEBUG",
		"RELAY_REDIS_URL":       "redis://localhost:6379/0",
		"RELAY_REDIS_CHANNEL":   "chat",
		"RELAY_TLS_DEV":         "1",
		"RELAY_JWT_AUDIENCE":    "chat",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Addr() != "127.0.0.1:9000" {
		t.Errorf("expected 127.0.0.1:9000, got %s", cfg.Addr())
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Errorf("expected 2 origins, got %v", cfg.AllowedOrigins)
	}
	if strings.Join(cfg.Tokens, ",") != "one,two" {
		t.Errorf("expected tokens one,two, got %v", cfg.Tokens)
	}
	if strings.Join(cfg.Rooms, ",") != "family,general" {
		t.Errorf("expected normalized unique rooms, got %v", cfg.Rooms)
	}
	if cfg.DedupCapacity != 100 || cfg.RateLimit != 60 || cfg.MaxConnections != 10 {
		t.Errorf("unexpected limits %+v", cfg)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected debug, got %s", cfg.LogLevel)
	}
	if cfg.RedisURL == "" || cfg.RedisChannel != "chat" {
		t.Errorf("unexpected redis settings %q %q", cfg.RedisURL, cfg.RedisChannel)
	}
	if cfg.JWTAudience != "chat" || cfg.JWTIssuer != "" {
		t.Errorf("unexpected jwt settings %q %q", cfg.JWTIssuer, cfg.JWTAudience)
	}
	if !cfg.TLS() || !cfg.Gated() || !cfg.RequireTokens {
		t.Errorf("expected gated TLS relay, got %+v", cfg)
	}
}

func TestFromEnvCredentials(t *testing.T) {
	t.Run("required but missing", func(t *testing.T) {
		_, err := FromEnv(env(map[string]string{"RELAY_REQUIRE_TOKENS": "true"}))
		if !errors.Is(err, ErrMissingCredentials) {
			t.Errorf("expected ErrMissingCredentials, got %v", err)
		}
	})

	t.Run("jwt secret satisfies requirement", func(t *testing.T) {
		cfg, err := FromEnv(env(map[string]string{"RELAY_REQUIRE_TOKENS": "true", "RELAY_JWT_SECRET": "s3cret"}))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !cfg.Gated() {
			t.Error("expected gated relay")
		}
	})
}

func TestFromEnvInvalid(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]string
		want string
	}{
		{"bad port", map[string]string{"PORT": "http"}, "PORT"},
		{"port range", map[string]string{"PORT": "70000"}, "out of range"},
		{"bad dedup", map[string]string{"RELAY_DEDUP_CAPACITY": "0"}, "RELAY_DEDUP_CAPACITY"},
		{"negative rate", map[string]string{"RELAY_RATE_LIMIT": "-1"}, "RELAY_RATE_LIMIT"},
		{"negative max", map[string]string{"RELAY_MAX_CONNECTIONS": "-5"}, "RELAY_MAX_CONNECTIONS"},
		{"bad bool", map[string]string{"RELAY_TLS_DEV": "maybe"}, "RELAY_TLS_DEV"},
		{"bad level", map[string]string{"RELAY_LOG_LEVEL": "loud"}, "RELAY_LOG_LEVEL"},
		{"long room", map[string]string{"RELAY_ROOMS": strings.Repeat("r", 65)}, "RELAY_ROOMS"},
		{"cert without key", map[string]string{"RELAY_TLS_CERT": "cert.pem"}, "RELAY_TLS_KEY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromEnv(env(tt.vars))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %s, got %v", tt.want, err)
			}
		})
	}

	_, err := FromEnv(env(map[string]string{"PORT": "x", "RELAY_LOG_LEVEL": "loud"}))
	if err == nil || !strings.Contains(err.Error(), "PORT") || !strings.Contains(err.Error(), "RELAY_LOG_LEVEL") {
		t.Errorf("expected every invalid variable to be reported, got %v", err)
	}
}
