package events

import (
	"encoding/json"
	"time"

	"github.com/campswap/messaging/internal/apperr"
	"github.com/campswap/messaging/internal/model"
)

// Outbound is a server event. The set of implementations is closed.
type Outbound interface {
	Type() string
	outbound()
}

// ReceiveMessage delivers a new message to a receiving participant.
type ReceiveMessage struct {
	model.Message
	UnreadCount int `json:"unreadCount"`
}

// MessageSent acknowledges a send to the sender.
type MessageSent struct {
	MessageID      string         `json:"messageId"`
	ConversationID string         `json:"conversationId"`
	Timestamp      time.Time      `json:"timestamp"`
	Message        *model.Message `json:"message,omitempty"`
	ClientMsgID    string         `json:"clientMsgId,omitempty"`
}

// MessagesRead tells the other participants that ReadBy caught up.
type MessagesRead struct {
	ConversationID string `json:"conversationId"`
	ReadBy         string `json:"readBy"`
}

// UserTyping is forwarded to the typing target.
type UserTyping struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// UserStoppedTyping is forwarded to the typing target.
type UserStoppedTyping struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// Pong answers Ping.
type Pong struct{}

// UserOnline announces a user's first live connection.
type UserOnline struct {
	UserID string `json:"userId"`
}

// UserOffline announces that a user's grace window elapsed with no connection.
type UserOffline struct {
	UserID   string    `json:"userId"`
	LastSeen time.Time `json:"lastSeen"`
}

// ErrorEvent reports a failed inbound event to its originator only.
type ErrorEvent struct {
	Name        string `json:"-"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	Retryable   bool   `json:"retryable,omitempty"`
	ClientMsgID string `json:"clientMsgId,omitempty"`
}

func (ReceiveMessage) Type() string    { return TypeReceiveMessage }
func (MessageSent) Type() string       { return TypeMessageSent }
func (MessagesRead) Type() string      { return TypeMessagesRead }
func (UserTyping) Type() string        { return TypeUserTyping }
func (UserStoppedTyping) Type() string { return TypeUserStoppedTyping }
func (Pong) Type() string              { return TypePong }
func (UserOnline) Type() string        { return TypeUserOnline }
func (UserOffline) Type() string       { return TypeUserOffline }

func (e ErrorEvent) Type() string {
	if e.Name == "" {
		return TypeError
	}
	return e.Name
}

func (ReceiveMessage) outbound()    {}
func (MessageSent) outbound()       {}
func (MessagesRead) outbound()      {}
func (UserTyping) outbound()        {}
func (UserStoppedTyping) outbound() {}
func (Pong) outbound()              {}
func (UserOnline) outbound()        {}
func (UserOffline) outbound()       {}
func (ErrorEvent) outbound()        {}

// NewErrorEvent builds the error event for a failed inbound event of type inboundType.
func NewErrorEvent(inboundType string, err error) ErrorEvent {
	return ErrorEvent{
		Name:      ErrorTypeFor(inboundType),
		Code:      apperr.KindOf(err).String(),
		Message:   apperr.Message(err),
		Retryable: apperr.IsRetryable(err),
	}
}

// Encode wraps ev in an Envelope stamped with now.
func Encode(ev Outbound, now time.Time) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		Type:    ev.Type(),
		TS:      now.UTC(),
		Payload: payload,
	})
}
