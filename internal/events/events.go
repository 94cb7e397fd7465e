// Package events defines the realtime wire protocol.
//
// Every frame is an Envelope. Inbound frames decode into exactly one of the
// Inbound variants; outbound frames are built from Outbound variants. Nothing
// past the gateway sees raw JSON.
package events

import (
	"encoding/json"
	"time"
)

// Inbound event names (client -> server).
const (
	TypeSendMessage      = "send_message"
	TypeMarkMessagesRead = "mark_messages_read"
	TypeTypingStart      = "typing_start"
	TypeTypingStop       = "typing_stop"
	TypePing             = "ping"
)

// Outbound event names (server -> client).
const (
	TypeReceiveMessage    = "receive_message"
	TypeMessageSent       = "message_sent"
	TypeMessagesRead      = "messages_read"
	TypeUserTyping        = "user_typing"
	TypeUserStoppedTyping = "user_stopped_typing"
	TypePong              = "pong"
	TypeUserOnline        = "user_online"
	TypeUserOffline       = "user_offline"

	TypeMessageError      = "message_error"
	TypeMessagesReadError = "messages_read_error"
	TypeTypingError       = "typing_error"
	TypeError             = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	Type    string          `json:"type"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorTypeFor returns the error event name reported for a failed inbound event.
func ErrorTypeFor(inboundType string) string {
	switch inboundType {
	case TypeSendMessage:
		return TypeMessageError
	case TypeMarkMessagesRead:
		return TypeMessagesReadError
	case TypeTypingStart, TypeTypingStop:
		return TypeTypingError
	default:
		return TypeError
	}
}
