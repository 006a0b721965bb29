package messages

import (
	"context"
	"encoding/json"
	"testing"
)

// Test payload types
type TestMsg struct {
	Text string `json:"text"`
	ID   int    `json:"id"`
}

type AnotherMsg struct {
	Value float64 `json:"value"`
	Name  string  `json:"name"`
}

func TestFrame(t *testing.T) {
	t.Run("new frame wraps payload", func(t *testing.T) {
		f, err := NewFrame(JoinType, JoinRequest{Room: "family"})
		if err != nil {
			t.Fatalf("failed to build frame: %v", err)
		}
		if f.Type != JoinType {
			t.Errorf("expected type %q, got %q", JoinType, f.Type)
		}

		var req JoinRequest
		if err := json.Unmarshal(f.Data, &req); err != nil {
			t.Fatalf("failed to decode data: %v", err)
		}
		if req.Room != "family" {
			t.Errorf("expected room 'family', got %q", req.Room)
		}
	})

	t.Run("encode sets correlation id", func(t *testing.T) {
		b, err := Encode(ChatAckType, "req-1", ChatAck{ID: "m1", OK: true})
		if err != nil {
			t.Fatalf("failed to encode: %v", err)
		}

		var f Frame
		if err := json.Unmarshal(b, &f); err != nil {
			t.Fatalf("failed to decode frame: %v", err)
		}
		if f.CorrelationID != "req-1" {
			t.Errorf("expected cid 'req-1', got %q", f.CorrelationID)
		}

		var ack ChatAck
		if err := json.Unmarshal(f.Data, &ack); err != nil {
			t.Fatalf("failed to decode ack: %v", err)
		}
		if ack.ID != "m1" || !ack.OK {
			t.Errorf("expected ok ack for m1, got %+v", ack)
		}
	})

	t.Run("encode rejects unmarshalable payload", func(t *testing.T) {
		if _, err := Encode(MessageType, "", make(chan int)); err == nil {
			t.Error("expected marshal error")
		}
	})

	t.Run("omitempty behavior", func(t *testing.T) {
		b, err := json.Marshal(Frame{Type: WelcomeType, Data: json.RawMessage(`{}`)})
		if err != nil {
			t.Fatalf("failed to marshal frame: %v", err)
		}

		var raw map[string]interface{}
		if err := json.Unmarshal(b, &raw); err != nil {
			t.Fatalf("failed to unmarshal to map: %v", err)
		}
		if _, exists := raw["id"]; exists {
			t.Error("expected id to be omitted when empty")
		}
		if _, exists := raw["cid"]; exists {
			t.Error("expected cid to be omitted when empty")
		}
	})
}

func TestEnvelopeWireNames(t *testing.T) {
	b, err := json.Marshal(Envelope{ID: "m1", Room: "family", Sender: "ana", CreatedAt: 42, Body: "hi"})
	if err != nil {
		t.Fatalf("failed to marshal envelope: %v", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("failed to unmarshal to map: %v", err)
	}
	for _, key := range []string{"id", "room", "sender", "createdAt", "body"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("expected key %q in %s", key, b)
		}
	}
}

func TestAcks(t *testing.T) {
	t.Run("reason omitted on success", func(t *testing.T) {
		b, _ := json.Marshal(ChatAck{ID: "m1", OK: true})
		var raw map[string]interface{}
		_ = json.Unmarshal(b, &raw)
		if _, exists := raw["reason"]; exists {
			t.Error("expected reason to be omitted on ok ack")
		}
	})

	t.Run("allowed rooms only on failure", func(t *testing.T) {
		b, _ := json.Marshal(JoinAck{Room: "family", OK: true})
		var raw map[string]interface{}
		_ = json.Unmarshal(b, &raw)
		if _, exists := raw["allowedRooms"]; exists {
			t.Error("expected allowedRooms to be omitted on ok join")
		}
	})

	t.Run("transient reasons", func(t *testing.T) {
		cases := map[string]bool{
			ReasonRateLimited:    true,
			ReasonNoAck:          true,
			ReasonNotInRoom:      false,
			ReasonInvalidMessage: false,
		}
		for reason, want := range cases {
			ack := ChatAck{ID: "m1", Reason: reason}
			if got := ack.Transient(); got != want {
				t.Errorf("reason %q: expected transient=%v, got %v", reason, want, got)
			}
		}
		if (ChatAck{ID: "m1", OK: true}).Transient() {
			t.Error("expected ok ack not to be transient")
		}
	})
}

func TestMessage(t *testing.T) {
	t.Run("basic message registration", func(t *testing.T) {
		handlerCalled := false
		var receivedMessage *TestMsg

		handler := func(ctx context.Context, msg *TestMsg) error {
			handlerCalled = true
			receivedMessage = msg
			return nil
		}

		spec := Message("test", handler)

		if spec.Type != "test" {
			t.Errorf("expected type 'test', got %q", spec.Type)
		}

		msg := spec.Reg.New()
		if _, ok := msg.(*TestMsg); !ok {
			t.Errorf("expected *TestMsg, got %T", msg)
		}

		testMsg := &TestMsg{Text: "hello", ID: 123}
		if err := spec.Reg.Handler(context.Background(), testMsg); err != nil {
			t.Fatalf("handler failed: %v", err)
		}

		if !handlerCalled {
			t.Error("expected handler to be called")
		}
		if receivedMessage == nil || receivedMessage.Text != "hello" {
			t.Errorf("expected text 'hello', got %+v", receivedMessage)
		}
		if spec.Reg.Limited {
			t.Error("expected registration not to be rate limited by default")
		}
	})

	t.Run("message with rate limit option", func(t *testing.T) {
		handler := func(ctx context.Context, msg *TestMsg) error { return nil }
		spec := Message("limited", handler, WithRateLimit())

		if !spec.Reg.Limited {
			t.Error("expected registration to be rate limited")
		}
	})

	t.Run("raw json payload", func(t *testing.T) {
		var got json.RawMessage
		spec := Message("raw", func(ctx context.Context, msg *json.RawMessage) error {
			got = *msg
			return nil
		})

		msg := spec.Reg.New()
		if err := json.Unmarshal([]byte(`{"id":"m1"}`), msg); err != nil {
			t.Fatalf("failed to decode into factory value: %v", err)
		}
		if err := spec.Reg.Handler(context.Background(), msg); err != nil {
			t.Fatalf("handler failed: %v", err)
		}
		if string(got) != `{"id":"m1"}` {
			t.Errorf("expected raw payload to pass through, got %s", got)
		}
	})
}

func TestDifferentMessageTypes(t *testing.T) {
	var receivedTest *TestMsg
	var receivedAnother *AnotherMsg

	testSpec := Message("test", func(ctx context.Context, msg *TestMsg) error {
		receivedTest = msg
		return nil
	})
	anotherSpec := Message("another", func(ctx context.Context, msg *AnotherMsg) error {
		receivedAnother = msg
		return nil
	})

	if err := testSpec.Reg.Handler(context.Background(), &TestMsg{Text: "hello", ID: 42}); err != nil {
		t.Fatalf("test handler failed: %v", err)
	}
	if err := anotherSpec.Reg.Handler(context.Background(), &AnotherMsg{Value: 3.14, Name: "test"}); err != nil {
		t.Fatalf("another handler failed: %v", err)
	}

	if receivedTest == nil || receivedTest.ID != 42 {
		t.Errorf("expected test message id 42, got %+v", receivedTest)
	}
	if receivedAnother == nil || receivedAnother.Name != "test" {
		t.Errorf("expected another message name 'test', got %+v", receivedAnother)
	}
}
