// Package service provides business logic for the messaging core.
package service

import (
	"context"

	"github.com/campswap/messaging/internal/events"
	"github.com/campswap/messaging/internal/model"
)

// Broadcaster pushes an event to every live connection of a user.
// Delivery is fire-and-forget.
type Broadcaster interface {
	SendToUser(userID string, ev events.Outbound)
}

// EventPublisher hands domain events to the bus for out-of-process consumers
// such as the push notifier.
type EventPublisher interface {
	PublishMessageCreated(ctx context.Context, msg *model.Message, conv *model.Conversation) error
	PublishMessagesRead(ctx context.Context, conversationID, readerID string, updated int64) error
}

type nopBroadcaster struct{}

func (nopBroadcaster) SendToUser(string, events.Outbound) {}

type nopPublisher struct{}

func (nopPublisher) PublishMessageCreated(context.Context, *model.Message, *model.Conversation) error {
	return nil
}

func (nopPublisher) PublishMessagesRead(context.Context, string, string, int64) error {
	return nil
}
