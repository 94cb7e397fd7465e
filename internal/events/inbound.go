package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/campswap/messaging/internal/apperr"
	"github.com/campswap/messaging/internal/model"
)

// Inbound is a decoded client event. The set of implementations is closed.
type Inbound interface {
	Type() string
	inbound()
}

// SendMessage asks the server to persist and deliver a message.
type SendMessage struct {
	ConversationID string            `json:"conversationId,omitempty"`
	ReceiverID     string            `json:"receiverId"`
	AdvertID       string            `json:"advertId,omitempty"`
	Content        string            `json:"content"`
	MessageType    model.MessageType `json:"messageType,omitempty"`
	ClientMsgID    string            `json:"clientMsgId,omitempty"`
}

// MarkMessagesRead marks every message addressed to the caller as read.
type MarkMessagesRead struct {
	ConversationID string `json:"conversationId"`
}

// TypingStart signals the caller started typing to ReceiverID.
type TypingStart struct {
	ConversationID string `json:"conversationId"`
	ReceiverID     string `json:"receiverId"`
}

// TypingStop signals the caller stopped typing.
type TypingStop struct {
	ConversationID string `json:"conversationId"`
	ReceiverID     string `json:"receiverId"`
}

// Ping is a client liveness check.
type Ping struct{}

func (SendMessage) Type() string      { return TypeSendMessage }
func (MarkMessagesRead) Type() string { return TypeMarkMessagesRead }
func (TypingStart) Type() string      { return TypeTypingStart }
func (TypingStop) Type() string       { return TypeTypingStop }
func (Ping) Type() string             { return TypePing }

func (SendMessage) inbound()      {}
func (MarkMessagesRead) inbound() {}
func (TypingStart) inbound()      {}
func (TypingStop) inbound()       {}
func (Ping) inbound()             {}

// DecodeError reports a frame that could not be decoded. Type is the
// envelope type when it was readable, so the caller can pick the matching
// error event.
type DecodeError struct {
	Type   string
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Type == "" {
		return "decode: " + e.Reason
	}
	return fmt.Sprintf("decode %s: %s", e.Type, e.Reason)
}

// Unwrap exposes the error as a validation failure.
func (e *DecodeError) Unwrap() error {
	return apperr.Validation(e.Reason)
}

// DecodeInbound parses and structurally validates one client frame.
func DecodeInbound(data []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Reason: "invalid json"}
	}
	typ := strings.TrimSpace(env.Type)
	if typ == "" {
		return nil, &DecodeError{Reason: "missing field: type"}
	}

	switch typ {
	case TypeSendMessage:
		var p SendMessage
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, &DecodeError{Type: typ, Reason: err.Error()}
		}
		if strings.TrimSpace(p.ReceiverID) == "" && strings.TrimSpace(p.ConversationID) == "" {
			return nil, &DecodeError{Type: typ, Reason: "missing field: receiverId"}
		}
		return p, nil

	case TypeMarkMessagesRead:
		var p MarkMessagesRead
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, &DecodeError{Type: typ, Reason: err.Error()}
		}
		if strings.TrimSpace(p.ConversationID) == "" {
			return nil, &DecodeError{Type: typ, Reason: "missing field: conversationId"}
		}
		return p, nil

	case TypeTypingStart, TypeTypingStop:
		var p TypingStart
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, &DecodeError{Type: typ, Reason: err.Error()}
		}
		if strings.TrimSpace(p.ConversationID) == "" {
			return nil, &DecodeError{Type: typ, Reason: "missing field: conversationId"}
		}
		if strings.TrimSpace(p.ReceiverID) == "" {
			return nil, &DecodeError{Type: typ, Reason: "missing field: receiverId"}
		}
		if typ == TypeTypingStop {
			return TypingStop(p), nil
		}
		return p, nil

	case TypePing:
		return Ping{}, nil

	default:
		return nil, &DecodeError{Type: typ, Reason: fmt.Sprintf("unknown type: %q", typ)}
	}
}

func decodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return errors.New("missing field: payload")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errors.New("invalid payload")
	}
	return nil
}
