// Package model defines data structures for the messaging core.
package model

import (
	"slices"
	"time"
)

// ConversationType distinguishes one-to-one from multi-party conversations.
type ConversationType string

const (
	ConversationPrivate ConversationType = "private"
	ConversationGroup   ConversationType = "group"
)

// Valid reports whether t is a known conversation type.
func (t ConversationType) Valid() bool {
	return t == ConversationPrivate || t == ConversationGroup
}

// LastMessage is the denormalized snapshot of the newest message in a conversation.
type LastMessage struct {
	MessageID string    `json:"messageId,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	SenderID  string    `json:"senderId"`

	// Seq breaks timestamp ties; it mirrors Message.Seq.
	Seq int64 `json:"-"`
}

// After reports whether l is strictly newer than other.
func (l LastMessage) After(other LastMessage) bool {
	if l.Timestamp.Equal(other.Timestamp) {
		return l.Seq > other.Seq
	}
	return l.Timestamp.After(other.Timestamp)
}

// Conversation represents a conversation thread between participants.
type Conversation struct {
	ID               string           `json:"id"`
	Participants     []string         `json:"participants"`
	AdvertID         string           `json:"advertId,omitempty"`
	LastMessage      *LastMessage     `json:"lastMessage,omitempty"`
	UnreadCount      map[string]int   `json:"unreadCount"`
	ConversationType ConversationType `json:"conversationType"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// HasParticipant reports whether userID is a member.
func (c *Conversation) HasParticipant(userID string) bool {
	return slices.Contains(c.Participants, userID)
}

// UnreadFor returns the unread counter for userID. A missing key is zero.
func (c *Conversation) UnreadFor(userID string) int {
	return c.UnreadCount[userID]
}

// OtherParticipants returns every participant except userID.
func (c *Conversation) OtherParticipants(userID string) []string {
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p != userID {
			out = append(out, p)
		}
	}
	return out
}

// Clone returns a deep copy safe to hand to callers.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Participants = slices.Clone(c.Participants)
	out.UnreadCount = make(map[string]int, len(c.UnreadCount))
	for k, v := range c.UnreadCount {
		out.UnreadCount[k] = v
	}
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	return &out
}

// CreateConversationRequest starts a private conversation with an initial message.
type CreateConversationRequest struct {
	ReceiverID  string      `json:"receiverId"`
	AdvertID    string      `json:"advertId,omitempty"`
	Content     string      `json:"content"`
	MessageType MessageType `json:"messageType,omitempty"`
}

// CreateGroupRequest creates a group conversation. The caller is always included.
type CreateGroupRequest struct {
	Participants []string `json:"participants"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	TotalUnread   int            `json:"totalUnread"`
}

// MarkReadResponse reports how many messages a read flipped.
type MarkReadResponse struct {
	ConversationID string `json:"conversationId"`
	Updated        int64  `json:"updated"`
}
