// Command relay runs the chat relay daemon. It is configured entirely from
// the environment; see the config package for the variables it reads.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sethfduke/roomrelay/auth"
	"github.com/sethfduke/roomrelay/bridge"
	"github.com/sethfduke/roomrelay/config"
	"github.com/sethfduke/roomrelay/relay"
	"github.com/sethfduke/roomrelay/server"

	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Getenv, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "relay:", err)
		os.Exit(1)
	}
}

// run starts the relay and blocks until ctx is done or the listener fails.
func run(ctx context.Context, getenv func(string) string, logOut io.Writer) error {
	cfg, err := config.FromEnv(getenv)
	if err != nil {
		return err
	}
	log := server.NewJSONLogger(logOut, server.ParseLevel(cfg.LogLevel))

	rl := relay.New(relay.Config{Rooms: cfg.Rooms, DedupCapacity: cfg.DedupCapacity}, relay.WithLogger(log))
	opts := serverOptions(cfg, log)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.RedisURL != "" {
		rdb, err := bridge.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()

		br := bridge.New(bridge.NewRedisTransport(rdb), rl,
			bridge.WithChannel(cfg.RedisChannel),
			bridge.WithLogger(log.With("component", "bridge")),
		)
		rl.SetPeer(br)
		opts = append(opts, server.WithHealthInfo("bridge", func() any { return br.Stats() }))
		g.Go(func() error { return br.Run(gctx) })
	}

	srv := server.NewServer(rl, opts...)
	log.Info("relay starting", "addr", cfg.Addr(), "tls", cfg.TLS(), "gated", cfg.Gated(), "bridge", cfg.RedisURL != "")

	g.Go(func() error {
		if err := srv.Serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(sctx)
	})

	return g.Wait()
}

func serverOptions(cfg config.Config, log *slog.Logger) []server.Option {
	opts := []server.Option{
		server.Host(cfg.Host),
		server.WithPort(cfg.Port),
		server.WithSlog(log),
		server.WithCompression(true),
		server.WithHealthEndpoint("/health"),
		server.WithDefaultPing(),
		server.WithAllowedOrigins(cfg.AllowedOrigins),
		server.WithCredentials(cfg.Tokens...),
		server.WithMessageRateLimit(cfg.RateLimit),
		server.WithMaxConnections(cfg.MaxConnections),
	}
	if cfg.JWTSecret != "" {
		v := auth.NewHS256([]byte(cfg.JWTSecret), auth.WithIssuer(cfg.JWTIssuer), auth.WithAudience(cfg.JWTAudience))
		opts = append(opts, server.WithJWTValidator(v))
	}
	switch {
	case cfg.TLSDev:
		opts = append(opts, server.WithTLS("", "", true))
	case cfg.TLSCert != "":
		opts = append(opts, server.WithTLS(cfg.TLSCert, cfg.TLSKey, false))
	}
	return opts
}
