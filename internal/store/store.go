// Package store persists conversations and messages.
//
// Two backends implement the same contracts: MemoryStore for development and
// tests, PostgresStore for production. Both guarantee that private
// conversation creation is an atomic upsert on (PairKey, advert id) and that
// unread counters change by atomic increments.
package store

import (
	"context"
	"strconv"

	"github.com/campswap/messaging/internal/apperr"
	"github.com/campswap/messaging/internal/model"
)

var (
	// ErrNotFound is returned when a conversation does not exist.
	ErrNotFound = apperr.NotFound("conversation not found")

	defaultPageSize = 50
)

// CreateConversationInput describes a conversation to create.
type CreateConversationInput struct {
	Participants  []string
	AdvertID      string
	Type          model.ConversationType
	InitialUnread map[string]int
}

// MessagePage is one page of a conversation log plus the total count.
type MessagePage struct {
	Messages []model.Message
	Total    int
}

// ConversationStore owns the Conversation entity.
type ConversationStore interface {
	// FindPrivate returns the private conversation for the unordered pair, or ErrNotFound.
	FindPrivate(ctx context.Context, userA, userB, advertID string) (*model.Conversation, error)

	// Create inserts a conversation. For the private type it is a find-or-create keyed by
	// (PairKey, advert id): concurrent calls for the same key return the same conversation
	// and exactly one of them reports created=true.
	Create(ctx context.Context, in CreateConversationInput) (conv *model.Conversation, created bool, err error)

	Get(ctx context.Context, id string) (*model.Conversation, error)

	// ListForUser returns the user's conversations, newest last message first.
	ListForUser(ctx context.Context, userID string) ([]model.Conversation, error)

	// AppendLastMessage moves the snapshot forward. Older snapshots are ignored.
	AppendLastMessage(ctx context.Context, id string, snapshot model.LastMessage) error

	// IncrementUnread atomically adds delta to the participant's counter, flooring at zero.
	IncrementUnread(ctx context.Context, id, participantID string, delta int) error

	// ResetUnread sets the participant's counter to zero. Idempotent.
	ResetUnread(ctx context.Context, id, participantID string) error
}

// MessageStore owns the append-only message log.
type MessageStore interface {
	// Append persists msg, assigning ID, Timestamp and Seq when absent.
	Append(ctx context.Context, msg *model.Message) (*model.Message, error)

	// ListByConversation returns page (1-based) ordered by timestamp then Seq.
	ListByConversation(ctx context.Context, conversationID string, page, pageSize int) (MessagePage, error)

	// MarkRead flips unread messages addressed to readerID and returns how many changed.
	MarkRead(ctx context.Context, conversationID, readerID string) (int64, error)
}

// UserDirectory answers whether a user id is known to the identity provider.
type UserDirectory interface {
	UserExists(ctx context.Context, userID string) (bool, error)
}

// Pinger reports backend readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PairKey is the canonical key of an unordered pair of user ids.
// PairKey(a, b) == PairKey(b, a) for all inputs. Lengths are prefixed so
// ids containing the separator cannot collide.
func PairKey(userA, userB string) string {
	lo, hi := userA, userB
	if hi < lo {
		lo, hi = hi, lo
	}
	return strconv.Itoa(len(lo)) + ":" + lo + ":" + hi
}

// ConversationKey extends a pair key with the optional advert scope.
func ConversationKey(pairKey, advertID string) string {
	return pairKey + "#" + advertID
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return page, pageSize
}

func validateCreate(in CreateConversationInput) ([]string, error) {
	if !in.Type.Valid() {
		return nil, apperr.Validation("unknown conversation type")
	}

	seen := make(map[string]struct{}, len(in.Participants))
	participants := make([]string, 0, len(in.Participants))
	for _, p := range in.Participants {
		if p == "" {
			return nil, apperr.Validation("participant id cannot be empty")
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		participants = append(participants, p)
	}

	switch {
	case len(participants) < 2:
		return nil, apperr.Validation("a conversation needs at least two participants")
	case in.Type == model.ConversationPrivate && len(participants) != 2:
		return nil, apperr.Validation("a private conversation has exactly two participants")
	}
	return participants, nil
}
