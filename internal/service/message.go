package service

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/campswap/messaging/internal/apperr"
	"github.com/campswap/messaging/internal/events"
	"github.com/campswap/messaging/internal/model"
	"github.com/campswap/messaging/internal/store"
	"github.com/campswap/messaging/pkg/logger"
	"github.com/campswap/messaging/pkg/metrics"
	"github.com/campswap/messaging/pkg/tracing"
)

// MaxContentRunes is the longest message body accepted.
const MaxContentRunes = 4000

// Send paths, used as a metrics label.
const (
	PathHTTP     = "http"
	PathRealtime = "realtime"
)

// SendInput is a request to send one message.
type SendInput struct {
	SenderID   string
	ReceiverID string

	// ConversationID targets an existing conversation (private or group).
	// When empty the private conversation for (SenderID, ReceiverID, AdvertID)
	// is found or created.
	ConversationID string
	AdvertID       string

	Content     string
	MessageType model.MessageType
	ClientMsgID string

	Path string
}

// SendResult is what the caller needs to acknowledge and broadcast a send.
type SendResult struct {
	Message      *model.Message
	Conversation *model.Conversation
	Created      bool
}

// MessageService is the only writer of messages.
type MessageService struct {
	conversations store.ConversationStore
	messages      store.MessageStore
	users         store.UserDirectory

	broadcaster Broadcaster
	publisher   EventPublisher
	timeout     time.Duration
	now         func() time.Time
	logger      *logger.Logger
}

// Option configures a MessageService.
type Option func(*MessageService)

// WithBroadcaster sets the realtime fan-out target.
func WithBroadcaster(b Broadcaster) Option {
	return func(s *MessageService) {
		if b != nil {
			s.broadcaster = b
		}
	}
}

// WithPublisher sets the domain event bus.
func WithPublisher(p EventPublisher) Option {
	return func(s *MessageService) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithStoreTimeout bounds each store call.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *MessageService) { s.timeout = d }
}

// WithClock overrides the time source for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *MessageService) { s.now = now }
}

// NewMessageService creates a new message service.
func NewMessageService(
	conversations store.ConversationStore,
	messages store.MessageStore,
	users store.UserDirectory,
	log *logger.Logger,
	opts ...Option,
) *MessageService {
	s := &MessageService{
		conversations: conversations,
		messages:      messages,
		users:         users,
		broadcaster:   nopBroadcaster{},
		publisher:     nopPublisher{},
		timeout:       DefaultStoreTimeout,
		now:           func() time.Time { return time.Now().UTC() },
		logger:        log.Named("message_service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send persists a message and fans it out to the receiving participants.
//
// Writes happen in order: message append, last-message snapshot, unread
// increments. Once the append succeeds the remaining writes run detached from
// the caller's cancellation, each still bounded by the store timeout. A store
// failure after the append leaves the message persisted and returns the error.
func (s *MessageService) Send(ctx context.Context, in SendInput) (res *SendResult, err error) {
	ctx, span := tracing.Start(ctx, "MessageService.Send",
		attribute.String("sender.id", in.SenderID),
		attribute.String("conversation.id", in.ConversationID),
	)
	defer func() { endSpan(span, err) }()

	content, mtype, err := validateContent(in.Content, in.MessageType)
	if err != nil {
		return nil, err
	}

	conv, created, receivers, err := s.resolveConversation(ctx, in)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("conversation.id", conv.ID))

	receiverID := ""
	if conv.ConversationType == model.ConversationPrivate && len(receivers) == 1 {
		receiverID = receivers[0]
	}

	msg, err := storeValue(ctx, s.timeout, "message.append", func(ctx context.Context) (*model.Message, error) {
		return s.messages.Append(ctx, &model.Message{
			ConversationID: conv.ID,
			SenderID:       in.SenderID,
			ReceiverID:     receiverID,
			Content:        content,
			MessageType:    mtype,
			Timestamp:      s.now(),
		})
	})
	if err != nil {
		return nil, err
	}

	// An abandoned request must not leave a message without its snapshot and counters.
	ctx = context.WithoutCancel(ctx)

	if err := storeCall(ctx, s.timeout, "conversation.append_last_message", func(ctx context.Context) error {
		return s.conversations.AppendLastMessage(ctx, conv.ID, msg.Snapshot())
	}); err != nil {
		return nil, err
	}

	for _, r := range receivers {
		if err := storeCall(ctx, s.timeout, "conversation.increment_unread", func(ctx context.Context) error {
			return s.conversations.IncrementUnread(ctx, conv.ID, r, 1)
		}); err != nil {
			return nil, err
		}
	}

	fresh, err := storeValue(ctx, s.timeout, "conversation.get", func(ctx context.Context) (*model.Conversation, error) {
		return s.conversations.Get(ctx, conv.ID)
	})
	if err != nil {
		return nil, err
	}

	path := in.Path
	if path == "" {
		path = PathHTTP
	}
	metrics.MessagesTotal.WithLabelValues(path, string(msg.MessageType)).Inc()
	if created {
		metrics.ConversationsTotal.WithLabelValues(string(fresh.ConversationType)).Inc()
	}

	for _, r := range receivers {
		s.broadcaster.SendToUser(r, events.ReceiveMessage{
			Message:     *msg,
			UnreadCount: fresh.UnreadFor(r),
		})
	}

	if perr := s.publisher.PublishMessageCreated(ctx, msg, fresh); perr != nil {
		metrics.EventPublishFailures.WithLabelValues("message.created").Inc()
		s.logger.ForConversation(fresh.ID).Warn("publish message.created failed",
			logger.MessageID(msg.ID),
			zap.Error(perr),
		)
	}

	s.logger.Debug("message sent",
		logger.MessageID(msg.ID),
		logger.ConversationID(fresh.ID),
		logger.UserID(in.SenderID),
		zap.String("path", path),
		zap.Bool("conversation_created", created),
	)

	return &SendResult{Message: msg, Conversation: fresh, Created: created}, nil
}

// resolveConversation returns the target conversation and the participants that receive the message.
func (s *MessageService) resolveConversation(ctx context.Context, in SendInput) (*model.Conversation, bool, []string, error) {
	sender := strings.TrimSpace(in.SenderID)
	if sender == "" {
		return nil, false, nil, apperr.Unauthenticated("missing sender")
	}

	if id := strings.TrimSpace(in.ConversationID); id != "" {
		if err := checkConversationID(id); err != nil {
			return nil, false, nil, err
		}
		conv, err := storeValue(ctx, s.timeout, "conversation.get", func(ctx context.Context) (*model.Conversation, error) {
			return s.conversations.Get(ctx, id)
		})
		if err != nil {
			return nil, false, nil, err
		}
		if !conv.HasParticipant(sender) {
			return nil, false, nil, apperr.Forbidden("not a participant of this conversation")
		}
		if in.ReceiverID != "" && !conv.HasParticipant(in.ReceiverID) {
			return nil, false, nil, apperr.Validation("receiver is not a participant of this conversation")
		}
		return conv, false, conv.OtherParticipants(sender), nil
	}

	receiver := strings.TrimSpace(in.ReceiverID)
	if receiver == "" {
		return nil, false, nil, apperr.Validation("receiverId is required")
	}
	if receiver == sender {
		return nil, false, nil, apperr.Validation("cannot send a message to yourself")
	}

	exists, err := storeValue(ctx, s.timeout, "user.exists", func(ctx context.Context) (bool, error) {
		return s.users.UserExists(ctx, receiver)
	})
	if err != nil {
		return nil, false, nil, err
	}
	if !exists {
		return nil, false, nil, apperr.NotFound("receiver not found")
	}

	var created bool
	conv, err := storeValue(ctx, s.timeout, "conversation.create", func(ctx context.Context) (*model.Conversation, error) {
		c, ok, err := s.conversations.Create(ctx, store.CreateConversationInput{
			Participants: []string{sender, receiver},
			AdvertID:     strings.TrimSpace(in.AdvertID),
			Type:         model.ConversationPrivate,
		})
		created = ok
		return c, err
	})
	if err != nil {
		return nil, false, nil, err
	}
	return conv, created, []string{receiver}, nil
}

// MarkConversationRead flips the reader's unread messages and resets their counter.
// It returns how many messages changed; a repeated call returns zero.
func (s *MessageService) MarkConversationRead(ctx context.Context, conversationID, readerID string) (n int64, err error) {
	ctx, span := tracing.Start(ctx, "MessageService.MarkConversationRead",
		attribute.String("conversation.id", conversationID),
		attribute.String("reader.id", readerID),
	)
	defer func() { endSpan(span, err) }()

	if err := checkConversationID(conversationID); err != nil {
		return 0, err
	}

	conv, err := storeValue(ctx, s.timeout, "conversation.get", func(ctx context.Context) (*model.Conversation, error) {
		return s.conversations.Get(ctx, conversationID)
	})
	if err != nil {
		return 0, err
	}
	if !conv.HasParticipant(readerID) {
		return 0, apperr.Forbidden("not a participant of this conversation")
	}

	// The flip and the reset are separate atomic writes. A message appended
	// between them stays unread while its increment is cleared; the next
	// read of the conversation flips it.
	n, err = storeValue(ctx, s.timeout, "message.mark_read", func(ctx context.Context) (int64, error) {
		return s.messages.MarkRead(ctx, conversationID, readerID)
	})
	if err != nil {
		return 0, err
	}

	if err := storeCall(ctx, s.timeout, "conversation.reset_unread", func(ctx context.Context) error {
		return s.conversations.ResetUnread(ctx, conversationID, readerID)
	}); err != nil {
		return 0, err
	}

	if n == 0 && conv.UnreadFor(readerID) == 0 {
		return 0, nil
	}

	for _, p := range conv.OtherParticipants(readerID) {
		s.broadcaster.SendToUser(p, events.MessagesRead{
			ConversationID: conversationID,
			ReadBy:         readerID,
		})
	}

	if perr := s.publisher.PublishMessagesRead(ctx, conversationID, readerID, n); perr != nil {
		metrics.EventPublishFailures.WithLabelValues("messages.read").Inc()
		s.logger.ForConversation(conversationID).Warn("publish messages.read failed", zap.Error(perr))
	}

	return n, nil
}

func validateContent(content string, mtype model.MessageType) (string, model.MessageType, error) {
	if !utf8.ValidString(content) {
		return "", "", apperr.Validation("content must be valid UTF-8")
	}
	if strings.TrimSpace(content) == "" {
		return "", "", apperr.Validation("content is required")
	}
	if utf8.RuneCountInString(content) > MaxContentRunes {
		return "", "", apperr.Validation("content is too long")
	}
	if mtype == "" {
		mtype = model.MessageText
	}
	if !mtype.Valid() {
		return "", "", apperr.Validation("unknown messageType")
	}
	return content, mtype, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// IsClientError reports whether err is the caller's fault rather than ours.
func IsClientError(err error) bool {
	if err == nil {
		return false
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindForbidden, apperr.KindNotFound, apperr.KindUnauthenticated:
		return true
	}
	return errors.Is(err, context.Canceled)
}
