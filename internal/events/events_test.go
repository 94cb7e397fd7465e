package events

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/campswap/messaging/internal/apperr"
	"github.com/campswap/messaging/internal/model"
)

func TestDecodeInbound_Variants(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
		want Inbound
	}{
		{
			name: "send_message",
			raw:  `{"type":"send_message","payload":{"receiverId":"bob","content":"hi","messageType":"text","clientMsgId":"c1"}}`,
			want: SendMessage{ReceiverID: "bob", Content: "hi", MessageType: model.MessageText, ClientMsgID: "c1"},
		},
		{
			name: "send_message into conversation",
			raw:  `{"type":"send_message","payload":{"conversationId":"conv-1","content":"hi"}}`,
			want: SendMessage{ConversationID: "conv-1", Content: "hi"},
		},
		{
			name: "mark_messages_read",
			raw:  `{"type":"mark_messages_read","payload":{"conversationId":"conv-1"}}`,
			want: MarkMessagesRead{ConversationID: "conv-1"},
		},
		{
			name: "typing_start",
			raw:  `{"type":"typing_start","payload":{"conversationId":"conv-1","receiverId":"bob"}}`,
			want: TypingStart{ConversationID: "conv-1", ReceiverID: "bob"},
		},
		{
			name: "typing_stop",
			raw:  `{"type":"typing_stop","payload":{"conversationId":"conv-1","receiverId":"bob"}}`,
			want: TypingStop{ConversationID: "conv-1", ReceiverID: "bob"},
		},
		{
			name: "ping without payload",
			raw:  `{"type":"ping"}`,
			want: Ping{},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := DecodeInbound([]byte(tc.raw))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got != tc.want {
				t.Fatalf("decode: want %#v got %#v", tc.want, got)
			}
		})
	}
}

func TestDecodeInbound_Rejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		raw      string
		wantType string
	}{
		{"not json", `{`, ""},
		{"missing type", `{"payload":{}}`, ""},
		{"unknown type", `{"type":"delete_everything","payload":{}}`, "delete_everything"},
		{"send without receiver", `{"type":"send_message","payload":{"content":"hi"}}`, TypeSendMessage},
		{"send without payload", `{"type":"send_message"}`, TypeSendMessage},
		{"send with bad payload", `{"type":"send_message","payload":"hi"}`, TypeSendMessage},
		{"read without conversation", `{"type":"mark_messages_read","payload":{}}`, TypeMarkMessagesRead},
		{"typing without receiver", `{"type":"typing_start","payload":{"conversationId":"c"}}`, TypeTypingStart},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := DecodeInbound([]byte(tc.raw))
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("expected DecodeError, got %v", err)
			}
			if de.Type != tc.wantType {
				t.Fatalf("type: want %q got %q", tc.wantType, de.Type)
			}
			if !apperr.Is(err, apperr.KindValidation) {
				t.Fatalf("expected validation kind, got %v", apperr.KindOf(err))
			}
		})
	}
}

func TestErrorTypeFor(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		TypeSendMessage:      TypeMessageError,
		TypeMarkMessagesRead: TypeMessagesReadError,
		TypeTypingStart:      TypeTypingError,
		TypeTypingStop:       TypeTypingError,
		TypePing:             TypeError,
		"":                   TypeError,
	}
	for in, want := range cases {
		if got := ErrorTypeFor(in); got != want {
			t.Fatalf("ErrorTypeFor(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEncode_ReceiveMessageFlattensMessage(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	ev := ReceiveMessage{
		Message: model.Message{
			ID:             "m1",
			ConversationID: "c1",
			SenderID:       "alice",
			ReceiverID:     "bob",
			Content:        "hi",
			MessageType:    model.MessageText,
			Timestamp:      ts,
			Seq:            7,
		},
		UnreadCount: 1,
	}

	raw, err := Encode(ev, ts)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var env struct {
		Type    string         `json:"type"`
		TS      time.Time      `json:"ts"`
		Payload map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Type != TypeReceiveMessage || !env.TS.Equal(ts) {
		t.Fatalf("envelope: %+v", env)
	}
	if env.Payload["content"] != "hi" || env.Payload["conversationId"] != "c1" || env.Payload["id"] != "m1" {
		t.Fatalf("payload fields: %v", env.Payload)
	}
	if env.Payload["unreadCount"] != float64(1) {
		t.Fatalf("unreadCount: %v", env.Payload["unreadCount"])
	}
	if _, leaked := env.Payload["Seq"]; leaked {
		t.Fatalf("internal sequence must not be serialized")
	}
}

func TestNewErrorEvent(t *testing.T) {
	t.Parallel()

	ev := NewErrorEvent(TypeSendMessage, apperr.Unavailable("store timed out", errors.New("deadline")))
	if ev.Type() != TypeMessageError || ev.Code != "unavailable" || !ev.Retryable {
		t.Fatalf("unexpected event: %+v", ev)
	}

	ev = NewErrorEvent(TypeMarkMessagesRead, errors.New("boom"))
	if ev.Type() != TypeMessagesReadError || ev.Code != "internal" || ev.Message != "internal error" {
		t.Fatalf("internal errors must not leak: %+v", ev)
	}
}
