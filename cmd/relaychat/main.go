// Command relaychat is a terminal chat client for the relay. Lines read from
// stdin are sent to the current room; "/join <room>" switches rooms.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sethfduke/roomrelay/client"
	"github.com/sethfduke/roomrelay/messages"
)

func main() {
	var (
		serverURL = flag.String("server", "ws://localhost:8080/ws", "relay websocket URL")
		token     = flag.String("token", "", "credential presented to the relay")
		room      = flag.String("room", "general", "room to join")
		name      = flag.String("name", "", "display name (required)")
		verbose   = flag.Bool("v", false, "log connection events")
	)
	flag.Parse()

	if strings.TrimSpace(*name) == "" {
		fmt.Fprintln(os.Stderr, "--name is required")
		os.Exit(2)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := &printer{out: os.Stdout}
	c := client.New(*serverURL, p,
		client.WithCredential(*token),
		client.WithRoom(*room),
		client.WithLogger(logger),
	)

	runErr := make(chan error, 1)
	go func() {
		runErr <- c.Run(ctx)
		cancel()
	}()

	go func() {
		if err := inputLoop(ctx, os.Stdin, os.Stderr, c, strings.TrimSpace(*name)); err != nil {
			fmt.Fprintf(os.Stderr, "input error: %v\n", err)
		}
		cancel()
	}()

	<-ctx.Done()
	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(1)
	}
}

// chatClient is the part of client.Client the input loop drives.
type chatClient interface {
	Join(ctx context.Context, room string) (messages.JoinAck, error)
	Send(ctx context.Context, room, sender, body string) (string, error)
	Room() string
}

// inputLoop sends each non-empty line of in until in is exhausted or ctx is
// done. Errors that only affect one line are written to errOut.
func inputLoop(ctx context.Context, in io.Reader, errOut io.Writer, c chatClient, name string) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if room, ok := strings.CutPrefix(line, "/join "); ok {
			ack, err := c.Join(ctx, room)
			switch {
			case err != nil:
				fmt.Fprintf(errOut, "join %s: %v\n", room, err)
			case !ack.OK:
				fmt.Fprintf(errOut, "join %s refused: %s\n", room, ack.Reason)
			}
			continue
		}

		room := c.Room()
		if room == "" {
			fmt.Fprintln(errOut, "not in a room, use /join <room>")
			continue
		}
		if _, err := c.Send(ctx, room, name, line); err != nil && !errors.Is(err, client.ErrNotConnected) {
			fmt.Fprintf(errOut, "send: %v\n", err)
		}
	}
	return scanner.Err()
}

// printer renders client events as terminal lines.
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

func (p *printer) HandleMessage(env messages.Envelope) {
	ts := time.UnixMilli(env.CreatedAt).Format(time.Kitchen)
	p.printf("[%s][%s] %s: %s\n", env.Room, ts, env.Sender, env.Body)
}

func (p *printer) HandleStatus(ps client.PendingSend) {
	env := ps.Envelope
	switch st := ps.Status.(type) {
	case client.Pending:
		if st.Attempts == 0 && st.Reason == "" {
			ts := time.UnixMilli(env.CreatedAt).Format(time.Kitchen)
			p.printf("[%s][%s] %s: %s\n", env.Room, ts, env.Sender, env.Body)
			return
		}
		if st.Reason != "" {
			p.printf("[system] %s pending (%s)\n", env.ID, st.Reason)
		}
	case client.Rejected, client.Exhausted:
		p.printf("[system] message %q not delivered: %s\n", env.Body, client.Reason(st))
	}
}

func (p *printer) HandleJoin(ack messages.JoinAck) {
	if ack.OK {
		p.printf("[system] joined %s\n", ack.Room)
		return
	}
	if len(ack.AllowedRooms) > 0 {
		p.printf("[system] cannot join %s: %s (rooms: %s)\n", ack.Room, ack.Reason, strings.Join(ack.AllowedRooms, ", "))
		return
	}
	p.printf("[system] cannot join %s: %s\n", ack.Room, ack.Reason)
}
