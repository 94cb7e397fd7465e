package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/campswap/messaging/internal/model"
	"github.com/campswap/messaging/pkg/logger"
)

const (
	// StreamName is the name of the messaging events stream.
	StreamName = "MESSAGING"

	// SubjectPrefix is the prefix for all messaging subjects.
	SubjectPrefix = "messaging"
)

// Event names, appended to the subject prefix.
const (
	EventMessageCreated = "message.created"
	EventMessagesRead   = "messages.read"
)

// Subject returns the subject for an event name.
func Subject(event string) string {
	return SubjectPrefix + "." + event
}

// MessageCreated is published after a message is persisted. The push
// notification worker uses Recipients and their unread counters.
type MessageCreated struct {
	Message          model.Message          `json:"message"`
	ConversationType model.ConversationType `json:"conversationType"`
	AdvertID         string                 `json:"advertId,omitempty"`
	Recipients       []string               `json:"recipients"`
	UnreadCount      map[string]int         `json:"unreadCount"`
	OccurredAt       time.Time              `json:"occurredAt"`
}

// MessagesRead is published when a reader caught up on a conversation.
type MessagesRead struct {
	ConversationID string    `json:"conversationId"`
	ReadBy         string    `json:"readBy"`
	Updated        int64     `json:"updated"`
	OccurredAt     time.Time `json:"occurredAt"`
}

// Publisher implements service.EventPublisher over JetStream.
type Publisher struct {
	js     jetstream.JetStream
	logger *logger.Logger
	now    func() time.Time
}

// NewPublisher creates a publisher on client's JetStream context.
func NewPublisher(client *Client, log *logger.Logger) *Publisher {
	return &Publisher{
		js:     client.JetStream(),
		logger: log.Named("nats_publisher"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// EnsureStream ensures the messaging stream exists with proper configuration.
func (p *Publisher) EnsureStream(ctx context.Context) error {
	_, err := p.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Duplicates:  2 * time.Minute,
		Description: "Messaging domain events for notification consumers",
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream: %w", err)
	}
	return nil
}

// PublishMessageCreated publishes message.created. The message id doubles as
// the JetStream dedupe id so a retried publish is stored once.
func (p *Publisher) PublishMessageCreated(ctx context.Context, msg *model.Message, conv *model.Conversation) error {
	ev := MessageCreated{
		Message:     *msg,
		Recipients:  []string{},
		UnreadCount: map[string]int{},
		OccurredAt:  p.now(),
	}
	if conv != nil {
		ev.ConversationType = conv.ConversationType
		ev.AdvertID = conv.AdvertID
		ev.Recipients = conv.OtherParticipants(msg.SenderID)
		for _, r := range ev.Recipients {
			ev.UnreadCount[r] = conv.UnreadFor(r)
		}
	}
	return p.publish(ctx, EventMessageCreated, msg.ID, ev)
}

// PublishMessagesRead publishes messages.read.
func (p *Publisher) PublishMessagesRead(ctx context.Context, conversationID, readerID string, updated int64) error {
	return p.publish(ctx, EventMessagesRead, "", MessagesRead{
		ConversationID: conversationID,
		ReadBy:         readerID,
		Updated:        updated,
		OccurredAt:     p.now(),
	})
}

func (p *Publisher) publish(ctx context.Context, event, msgID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", event, err)
	}

	var opts []jetstream.PublishOpt
	if msgID != "" {
		opts = append(opts, jetstream.WithMsgID(msgID))
	}

	ack, err := p.js.Publish(ctx, Subject(event), data, opts...)
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", event, err)
	}

	p.logger.Debug("published event",
		logger.Event(event),
		zap.Uint64("sequence", ack.Sequence),
		zap.Bool("duplicate", ack.Duplicate),
	)
	return nil
}
