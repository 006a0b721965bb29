package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/sethfduke/roomrelay/client"
	"github.com/sethfduke/roomrelay/messages"
)

type fakeChat struct {
	room  string
	joins []string
	sent  []string
}

func (f *fakeChat) Join(ctx context.Context, room string) (messages.JoinAck, error) {
	f.joins = append(f.joins, room)
	if room == "secret" {
		return messages.JoinAck{Room: room, Reason: messages.ReasonRoomNotAllowed}, nil
	}
	f.room = room
	return messages.JoinAck{Room: room, OK: true}, nil
}

func (f *fakeChat) Send(ctx context.Context, room, sender, body string) (string, error) {
	f.sent = append(f.sent, room+"|"+sender+"|"+body)
	return "id", nil
}

func (f *fakeChat) Room() string { return f.room }

func TestInputLoop(t *testing.T) {
	in := strings.NewReader("hello\n/join family\n\n  hi all  \n/join secret\nstill here\n")
	var errOut bytes.Buffer
	fc := &fakeChat{}

	if err := inputLoop(context.Background(), in, &errOut, fc, "ana"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(errOut.String(), "not in a room") {
		t.Errorf("expected a hint before joining, got %q", errOut.String())
	}
	if !strings.Contains(errOut.String(), "join secret refused: room_not_allowed") {
		t.Errorf("expected refused join to be reported, got %q", errOut.String())
	}
	if strings.Join(fc.joins, ",") != "family,secret" {
		t.Errorf("expected joins family,secret, got %v", fc.joins)
	}
	want := "family|ana|hi all,family|ana|still here"
	if got := strings.Join(fc.sent, ","); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestPrinter(t *testing.T) {
	var out bytes.Buffer
	p := &printer{out: &out}
	created := time.Date(2024, 1, 1, 15, 4, 0, 0, time.Local).UnixMilli()
	env := messages.Envelope{ID: "m1", Room: "family", Sender: "ana", CreatedAt: created, Body: "hi"}

	p.HandleMessage(env)
	p.HandleStatus(client.PendingSend{Envelope: env, Status: client.Pending{}})
	p.HandleStatus(client.PendingSend{Envelope: env, Status: client.Pending{Attempts: 1, Reason: messages.ReasonNoAck}})
	p.HandleStatus(client.PendingSend{Envelope: env, Status: client.Acknowledged{}})
	p.HandleStatus(client.PendingSend{Envelope: env, Status: client.Exhausted{Attempts: 6}})
	p.HandleJoin(messages.JoinAck{Room: "family", OK: true})
	p.HandleJoin(messages.JoinAck{Room: "secret", Reason: messages.ReasonRoomNotAllowed, AllowedRooms: []string{"family"}})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	want := []string{
		"[family][3:04PM] ana: hi",
		"[family][3:04PM] ana: hi",
		"[system] m1 pending (no_ack)",
		`[system] message "hi" not delivered: retry_limit`,
		"[system] joined family",
		"[system] cannot join secret: room_not_allowed (rooms: family)",
	}
	if len(lines) != len(want) {
		t.Fatalf("expected %d lines, got %d: %q", len(want), len(lines), lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d: expected %q, got %q", i, want[i], lines[i])
		}
	}
}
