package service

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/campswap/messaging/internal/apperr"
	"github.com/campswap/messaging/internal/model"
	"github.com/campswap/messaging/internal/store"
	"github.com/campswap/messaging/pkg/logger"
	"github.com/campswap/messaging/pkg/metrics"
)

// Message page bounds.
const (
	DefaultPageLimit = 50
	MaxPageLimit     = 100
)

// ConversationService serves conversation reads and group creation.
type ConversationService struct {
	conversations store.ConversationStore
	messages      store.MessageStore
	users         store.UserDirectory
	timeout       time.Duration
	logger        *logger.Logger
}

// NewConversationService creates a new conversation service.
func NewConversationService(
	conversations store.ConversationStore,
	messages store.MessageStore,
	users store.UserDirectory,
	timeout time.Duration,
	log *logger.Logger,
) *ConversationService {
	return &ConversationService{
		conversations: conversations,
		messages:      messages,
		users:         users,
		timeout:       timeout,
		logger:        log.Named("conversation_service"),
	}
}

// List returns the user's conversations, newest first, with the total unread count.
func (s *ConversationService) List(ctx context.Context, userID string) (*model.ListConversationsResponse, error) {
	convs, err := storeValue(ctx, s.timeout, "conversation.list", func(ctx context.Context) ([]model.Conversation, error) {
		return s.conversations.ListForUser(ctx, userID)
	})
	if err != nil {
		return nil, err
	}

	total := 0
	for i := range convs {
		total += convs[i].UnreadFor(userID)
	}
	return &model.ListConversationsResponse{
		Conversations: convs,
		TotalUnread:   total,
	}, nil
}

// UnreadTotal sums the user's unread counters across conversations.
func (s *ConversationService) UnreadTotal(ctx context.Context, userID string) (int, error) {
	resp, err := s.List(ctx, userID)
	if err != nil {
		return 0, err
	}
	return resp.TotalUnread, nil
}

// Get retrieves a conversation the user participates in.
func (s *ConversationService) Get(ctx context.Context, conversationID, userID string) (*model.Conversation, error) {
	if err := checkConversationID(conversationID); err != nil {
		return nil, err
	}
	conv, err := storeValue(ctx, s.timeout, "conversation.get", func(ctx context.Context) (*model.Conversation, error) {
		return s.conversations.Get(ctx, conversationID)
	})
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, apperr.Forbidden("not a participant of this conversation")
	}
	return conv, nil
}

// Messages returns one page of the conversation in chronological order.
func (s *ConversationService) Messages(ctx context.Context, conversationID, userID string, page, limit int) (*model.ListMessagesResponse, error) {
	if _, err := s.Get(ctx, conversationID, userID); err != nil {
		return nil, err
	}

	if page < 1 {
		page = 1
	}
	switch {
	case limit <= 0:
		limit = DefaultPageLimit
	case limit > MaxPageLimit:
		limit = MaxPageLimit
	}

	res, err := storeValue(ctx, s.timeout, "message.list", func(ctx context.Context) (store.MessagePage, error) {
		return s.messages.ListByConversation(ctx, conversationID, page, limit)
	})
	if err != nil {
		return nil, err
	}

	return &model.ListMessagesResponse{
		Messages: res.Messages,
		Total:    res.Total,
		Page:     page,
		Limit:    limit,
		HasMore:  page*limit < res.Total,
	}, nil
}

// CreateGroup creates a group conversation. The creator is always a participant.
func (s *ConversationService) CreateGroup(ctx context.Context, creatorID string, participantIDs []string) (*model.Conversation, error) {
	participants := []string{creatorID}
	for _, p := range participantIDs {
		p = strings.TrimSpace(p)
		if p == "" || p == creatorID {
			continue
		}
		participants = append(participants, p)
	}
	if len(participants) < 2 {
		return nil, apperr.Validation("a group needs at least one other participant")
	}

	for _, p := range participants[1:] {
		exists, err := storeValue(ctx, s.timeout, "user.exists", func(ctx context.Context) (bool, error) {
			return s.users.UserExists(ctx, p)
		})
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, apperr.NotFound("participant " + p + " not found")
		}
	}

	conv, err := storeValue(ctx, s.timeout, "conversation.create", func(ctx context.Context) (*model.Conversation, error) {
		c, _, err := s.conversations.Create(ctx, store.CreateConversationInput{
			Participants: participants,
			Type:         model.ConversationGroup,
		})
		return c, err
	})
	if err != nil {
		return nil, err
	}

	metrics.ConversationsTotal.WithLabelValues(string(model.ConversationGroup)).Inc()
	s.logger.Info("group conversation created",
		logger.ConversationID(conv.ID),
		logger.UserID(creatorID),
		zap.Int("participants", len(conv.Participants)),
	)
	return conv, nil
}
