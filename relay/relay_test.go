package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/sethfduke/roomrelay/messages"
)

// recordingSink collects delivered frames.
type recordingSink struct {
	mu     sync.Mutex
	frames []messages.Frame
	fail   error
}

func (s *recordingSink) Deliver(b []byte) error {
	if s.fail != nil {
		return s.fail
	}
	var f messages.Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) envelopes(t *testing.T) []messages.Envelope {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]messages.Envelope, 0, len(s.frames))
	for _, f := range s.frames {
		if f.Type != messages.MessageType {
			t.Fatalf("expected %q frame, got %q", messages.MessageType, f.Type)
		}
		var env messages.Envelope
		if err := json.Unmarshal(f.Data, &env); err != nil {
			t.Fatalf("failed to decode envelope: %v", err)
		}
		out = append(out, env)
	}
	return out
}

type recordingPeer struct {
	mu  sync.Mutex
	got []messages.Envelope
}

func (p *recordingPeer) Publish(env messages.Envelope) {
	p.mu.Lock()
	p.got = append(p.got, env)
	p.mu.Unlock()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRelay(opts ...Option) *Relay {
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	return New(Config{Rooms: []string{"family", "general"}, DedupCapacity: 100}, opts...)
}

func chat(id, room, body string) json.RawMessage {
	b, _ := json.Marshal(messages.Envelope{ID: id, Room: room, Sender: "ana", CreatedAt: 1, Body: body})
	return b
}

func TestRelayScenario(t *testing.T) {
	r := newTestRelay()
	sinkA, sinkB := &recordingSink{}, &recordingSink{}
	a := r.Connect("a", sinkA)
	b := r.Connect("b", sinkB)

	if ack := r.Join(a, "family"); !ack.OK {
		t.Fatalf("expected a to join family, got %+v", ack)
	}
	if ack := r.Join(b, "family"); !ack.OK {
		t.Fatalf("expected b to join family, got %+v", ack)
	}

	ack := r.Submit(a, json.RawMessage(`{"id":"m1","room":"family","sender":"a","createdAt":1,"body":"hi"}`))
	if !ack.OK || ack.ID != "m1" {
		t.Fatalf("expected {id:m1 ok:true}, got %+v", ack)
	}

	for name, s := range map[string]*recordingSink{"a": sinkA, "b": sinkB} {
		envs := s.envelopes(t)
		if len(envs) != 1 || envs[0].ID != "m1" {
			t.Errorf("expected %s to receive m1 once, got %+v", name, envs)
		}
	}
}

func TestRelaySenderEcho(t *testing.T) {
	// The sender receives its own broadcast; delivery confirmation and echo
	// share one path.
	r := newTestRelay()
	sink := &recordingSink{}
	a := r.Connect("a", sink)
	r.Join(a, "general")

	r.Submit(a, chat("solo", "general", "just me"))
	envs := sink.envelopes(t)
	if len(envs) != 1 || envs[0].ID != "solo" {
		t.Errorf("expected sender to receive its own envelope, got %+v", envs)
	}
}

func TestRelayIdempotentRedelivery(t *testing.T) {
	r := newTestRelay()
	sinkA, sinkB := &recordingSink{}, &recordingSink{}
	a := r.Connect("a", sinkA)
	b := r.Connect("b", sinkB)
	r.Join(a, "family")
	r.Join(b, "family")

	first := r.Submit(a, chat("m1", "family", "hi"))
	second := r.Submit(a, chat("m1", "family", "hi"))
	if !first.OK || !second.OK {
		t.Fatalf("expected two successful acks, got %+v and %+v", first, second)
	}

	if n := len(sinkB.envelopes(t)); n != 1 {
		t.Errorf("expected exactly one broadcast to b, got %d", n)
	}
	if n := len(sinkA.envelopes(t)); n != 1 {
		t.Errorf("expected exactly one broadcast to a, got %d", n)
	}
	if m := r.Metrics(); m.Chat.DropDuplicate != 1 || m.Chat.Broadcast != 1 {
		t.Errorf("expected 1 broadcast and 1 duplicate, got %+v", m.Chat)
	}
}

func TestRelayMembershipGate(t *testing.T) {
	r := newTestRelay()
	sinkA, sinkB := &recordingSink{}, &recordingSink{}
	a := r.Connect("a", sinkA)
	b := r.Connect("b", sinkB)
	r.Join(b, "family")

	ack := r.Submit(a, chat("m1", "family", "hi"))
	if ack.OK || ack.Reason != messages.ReasonNotInRoom || ack.ID != "m1" {
		t.Fatalf("expected not_in_room for m1, got %+v", ack)
	}
	if n := len(sinkB.envelopes(t)); n != 0 {
		t.Errorf("expected no broadcast, got %d", n)
	}

	// The rejected id was not recorded, so the same envelope goes through
	// once the sender joins.
	r.Join(a, "family")
	if ack := r.Submit(a, chat("m1", "family", "hi")); !ack.OK {
		t.Fatalf("expected ok after joining, got %+v", ack)
	}
	if n := len(sinkB.envelopes(t)); n != 1 {
		t.Errorf("expected one broadcast after joining, got %d", n)
	}
}

func TestRelayValidationBoundary(t *testing.T) {
	r := newTestRelay()
	a := r.Connect("a", &recordingSink{})
	r.Join(a, "family")

	ack := r.Submit(a, json.RawMessage(`{"id":"m9","room":"family","sender":"a","createdAt":1,"body":""}`))
	if ack.OK || ack.Reason != messages.ReasonInvalidMessage {
		t.Fatalf("expected invalid_message, got %+v", ack)
	}
	if ack.ID != "m9" {
		t.Errorf("expected ack to carry id m9, got %q", ack.ID)
	}
	if ack.Detail == "" {
		t.Error("expected ack to describe the violated constraint")
	}
	if r.Dedup().HasSeen("m9") {
		t.Error("expected rejected id not to be recorded")
	}
}

func TestRelayRoomIsolation(t *testing.T) {
	r := newTestRelay()
	sinkA, sinkB := &recordingSink{}, &recordingSink{}
	a := r.Connect("a", sinkA)
	b := r.Connect("b", sinkB)
	r.Join(a, "family")
	r.Join(a, "general")
	r.Join(b, "general")

	r.Submit(a, chat("f1", "family", "family only"))
	if n := len(sinkB.envelopes(t)); n != 0 {
		t.Errorf("expected b not to receive family traffic, got %d", n)
	}

	r.Submit(a, chat("g1", "GENERAL", "to everyone"))
	envs := sinkB.envelopes(t)
	if len(envs) != 1 || envs[0].Room != "general" {
		t.Errorf("expected b to receive g1 with normalized room, got %+v", envs)
	}
}

func TestRelayDisconnect(t *testing.T) {
	r := newTestRelay()
	sinkA, sinkB := &recordingSink{}, &recordingSink{}
	a := r.Connect("a", sinkA)
	b := r.Connect("b", sinkB)
	r.Join(a, "family")
	r.Join(b, "family")

	r.Disconnect(b)
	r.Disconnect(b)
	if got := r.Metrics().Connections; got != 1 {
		t.Errorf("expected 1 connection after double disconnect, got %d", got)
	}

	r.Submit(a, chat("m1", "family", "anyone?"))
	if n := len(sinkB.envelopes(t)); n != 0 {
		t.Errorf("expected disconnected b to receive nothing, got %d", n)
	}

	// A reconnect is a new connection with no rooms.
	b2 := r.Connect("b", &recordingSink{})
	if r.Membership().IsMember(b2, "family") {
		t.Error("expected a new connection to start with no rooms")
	}
}

func TestRelayDeliveryFailureIsNotFatal(t *testing.T) {
	r := newTestRelay()
	good := &recordingSink{}
	a := r.Connect("a", good)
	broken := r.Connect("broken", &recordingSink{fail: errors.New("buffer full")})
	r.Join(a, "family")
	r.Join(broken, "family")

	if ack := r.Submit(a, chat("m1", "family", "hi")); !ack.OK {
		t.Fatalf("expected ok ack despite a failing member, got %+v", ack)
	}
	if n := len(good.envelopes(t)); n != 1 {
		t.Errorf("expected healthy member to receive the envelope, got %d", n)
	}
	if m := r.Metrics(); m.Chat.DeliveryFailed != 1 {
		t.Errorf("expected 1 failed delivery, got %d", m.Chat.DeliveryFailed)
	}
}

func TestRelayBroadcastOrderPerRoom(t *testing.T) {
	r := newTestRelay()
	sinks := make([]*recordingSink, 4)
	conns := make([]*Conn, 4)
	for i := range sinks {
		sinks[i] = &recordingSink{}
		conns[i] = r.Connect(fmt.Sprintf("c%d", i), sinks[i])
		r.Join(conns[i], "general")
	}

	var wg sync.WaitGroup
	for i, c := range conns {
		wg.Add(1)
		go func(i int, c *Conn) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				r.Submit(c, chat(fmt.Sprintf("c%d-%d", i, j), "general", "x"))
			}
		}(i, c)
	}
	wg.Wait()

	want := sinks[0].envelopes(t)
	if len(want) != 100 {
		t.Fatalf("expected 100 envelopes, got %d", len(want))
	}
	for i := 1; i < len(sinks); i++ {
		got := sinks[i].envelopes(t)
		if len(got) != len(want) {
			t.Fatalf("sink %d: expected %d envelopes, got %d", i, len(want), len(got))
		}
		for k := range want {
			if got[k].ID != want[k].ID {
				t.Fatalf("sink %d: order differs at %d: expected %s, got %s", i, k, want[k].ID, got[k].ID)
			}
		}
	}
}

func TestRelayPeer(t *testing.T) {
	peer := &recordingPeer{}
	r := newTestRelay(WithPeer(peer))
	a := r.Connect("a", &recordingSink{})
	r.Join(a, "family")

	r.Submit(a, chat("m1", "family", "hi"))
	r.Submit(a, chat("m1", "family", "hi"))
	r.Submit(a, chat("m2", "general", "not a member"))

	if len(peer.got) != 1 || peer.got[0].ID != "m1" {
		t.Errorf("expected only the fresh accepted envelope to be published, got %+v", peer.got)
	}
}

func TestRelayDeliverRemote(t *testing.T) {
	r := newTestRelay()
	sink := &recordingSink{}
	a := r.Connect("a", sink)
	r.Join(a, "family")

	env := messages.Envelope{ID: "r1", Room: "Family", Sender: "remote", CreatedAt: 1, Body: "from afar"}
	if n := r.DeliverRemote(env); n != 1 {
		t.Errorf("expected 1 local delivery, got %d", n)
	}
	if n := r.DeliverRemote(env); n != 0 {
		t.Errorf("expected duplicate remote envelope to be dropped, got %d", n)
	}
	if n := r.DeliverRemote(messages.Envelope{ID: "r2", Room: "elsewhere", Body: "x"}); n != 0 {
		t.Errorf("expected envelope for an unknown room to be dropped, got %d", n)
	}

	// A local retry of an id first seen remotely is acknowledged but not rebroadcast.
	ack := r.Submit(a, chat("r1", "family", "from afar"))
	if !ack.OK {
		t.Errorf("expected ok ack, got %+v", ack)
	}
	if n := len(sink.envelopes(t)); n != 1 {
		t.Errorf("expected a single delivery of r1, got %d", n)
	}
}
