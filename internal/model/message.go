package model

import (
	"time"
)

// MessageType is the kind of content a message carries.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageSystem MessageType = "system"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageSystem:
		return true
	}
	return false
}

// Message is an immutable entry in a conversation log. Only IsRead changes, false to true.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	ReceiverID     string      `json:"receiverId,omitempty"`
	Content        string      `json:"content"`
	MessageType    MessageType `json:"messageType"`
	Timestamp      time.Time   `json:"timestamp"`
	IsRead         bool        `json:"isRead"`

	// Seq is the store-assigned insertion order.
	Seq int64 `json:"-"`
}

// Snapshot returns the LastMessage view of m.
func (m *Message) Snapshot() LastMessage {
	return LastMessage{
		MessageID: m.ID,
		Content:   m.Content,
		Timestamp: m.Timestamp,
		SenderID:  m.SenderID,
		Seq:       m.Seq,
	}
}

// SendMessageRequest is the request to send a new message.
type SendMessageRequest struct {
	ReceiverID     string      `json:"receiverId"`
	ConversationID string      `json:"conversationId,omitempty"`
	AdvertID       string      `json:"advertId,omitempty"`
	Content        string      `json:"content"`
	MessageType    MessageType `json:"messageType,omitempty"`
}

// SendMessageResponse is the response after sending a message.
type SendMessageResponse struct {
	Message      *Message      `json:"message"`
	Conversation *Conversation `json:"conversation"`
}

// ListMessagesResponse is the response for listing messages.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
	Total    int       `json:"total"`
	Page     int       `json:"page"`
	Limit    int       `json:"limit"`
	HasMore  bool      `json:"hasMore"`
}
