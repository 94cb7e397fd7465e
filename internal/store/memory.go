package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/campswap/messaging/internal/apperr"
	"github.com/campswap/messaging/internal/model"
)

// MemoryStore is a dev and test backend. All mutations run under one mutex,
// which makes find-or-create and counter increments atomic.
type MemoryStore struct {
	mu            sync.Mutex
	conversations map[string]*model.Conversation
	privateIndex  map[string]string // ConversationKey -> conversation id
	messages      map[string][]*model.Message
	seq           int64

	users         map[string]struct{}
	openDirectory bool

	now   func() time.Time
	newID func() string
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithUsers registers known user ids in the directory.
func WithUsers(ids ...string) MemoryOption {
	return func(s *MemoryStore) {
		for _, id := range ids {
			s.users[id] = struct{}{}
		}
	}
}

// WithOpenDirectory makes every non-empty user id resolve. Development only.
func WithOpenDirectory() MemoryOption {
	return func(s *MemoryStore) { s.openDirectory = true }
}

// WithMemoryClock overrides the time source used for timestamps.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		conversations: make(map[string]*model.Conversation),
		privateIndex:  make(map[string]string),
		messages:      make(map[string][]*model.Message),
		users:         make(map[string]struct{}),
		now:           func() time.Time { return time.Now().UTC() },
		newID:         newID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddUser registers a user id in the directory.
func (s *MemoryStore) AddUser(id string) {
	s.mu.Lock()
	s.users[id] = struct{}{}
	s.mu.Unlock()
}

// UpsertUser implements auth.Directory.
func (s *MemoryStore) UpsertUser(ctx context.Context, userID, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.AddUser(userID)
	return nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

// UserExists implements UserDirectory.
func (s *MemoryStore) UserExists(ctx context.Context, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if userID == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openDirectory {
		return true, nil
	}
	_, ok := s.users[userID]
	return ok, nil
}

// FindPrivate implements ConversationStore.
func (s *MemoryStore) FindPrivate(ctx context.Context, userA, userB, advertID string) (*model.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.privateIndex[ConversationKey(PairKey(userA, userB), advertID)]
	if !ok {
		return nil, ErrNotFound
	}
	return s.conversations[id].Clone(), nil
}

// Create implements ConversationStore.
func (s *MemoryStore) Create(ctx context.Context, in CreateConversationInput) (*model.Conversation, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	participants, err := validateCreate(in)
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var key string
	if in.Type == model.ConversationPrivate {
		slices.Sort(participants)
		key = ConversationKey(PairKey(participants[0], participants[1]), in.AdvertID)
		if id, ok := s.privateIndex[key]; ok {
			return s.conversations[id].Clone(), false, nil
		}
	}

	now := s.now()
	conv := &model.Conversation{
		ID:               s.newID(),
		Participants:     participants,
		AdvertID:         in.AdvertID,
		UnreadCount:      make(map[string]int, len(participants)),
		ConversationType: in.Type,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	for _, p := range participants {
		conv.UnreadCount[p] = max(0, in.InitialUnread[p])
	}

	s.conversations[conv.ID] = conv
	if key != "" {
		s.privateIndex[key] = conv.ID
	}
	return conv.Clone(), true, nil
}

// Get implements ConversationStore.
func (s *MemoryStore) Get(ctx context.Context, id string) (*model.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return conv.Clone(), nil
}

// ListForUser implements ConversationStore.
func (s *MemoryStore) ListForUser(ctx context.Context, userID string) ([]model.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]model.Conversation, 0)
	for _, conv := range s.conversations {
		if conv.HasParticipant(userID) {
			out = append(out, *conv.Clone())
		}
	}
	s.mu.Unlock()

	sortConversations(out)
	return out, nil
}

// AppendLastMessage implements ConversationStore.
func (s *MemoryStore) AppendLastMessage(ctx context.Context, id string, snapshot model.LastMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if conv.LastMessage != nil && !snapshot.After(*conv.LastMessage) {
		return nil
	}
	conv.LastMessage = &snapshot
	conv.UpdatedAt = s.now()
	return nil
}

// IncrementUnread implements ConversationStore.
func (s *MemoryStore) IncrementUnread(ctx context.Context, id, participantID string, delta int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	conv.UnreadCount[participantID] = max(0, conv.UnreadCount[participantID]+delta)
	conv.UpdatedAt = s.now()
	return nil
}

// ResetUnread implements ConversationStore.
func (s *MemoryStore) ResetUnread(ctx context.Context, id, participantID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	conv.UnreadCount[participantID] = 0
	return nil
}

// Append implements MessageStore.
func (s *MemoryStore) Append(ctx context.Context, msg *model.Message) (*model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if msg == nil || msg.ConversationID == "" || msg.SenderID == "" {
		return nil, apperr.Validation("invalid message")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[msg.ConversationID]; !ok {
		return nil, ErrNotFound
	}

	stored := *msg
	if stored.ID == "" {
		stored.ID = s.newID()
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = s.now()
	}
	if stored.MessageType == "" {
		stored.MessageType = model.MessageText
	}
	s.seq++
	stored.Seq = s.seq
	stored.IsRead = false

	s.messages[stored.ConversationID] = append(s.messages[stored.ConversationID], &stored)
	out := stored
	return &out, nil
}

// ListByConversation implements MessageStore.
func (s *MemoryStore) ListByConversation(ctx context.Context, conversationID string, page, pageSize int) (MessagePage, error) {
	if err := ctx.Err(); err != nil {
		return MessagePage{}, err
	}
	page, pageSize = normalizePage(page, pageSize)

	s.mu.Lock()
	log := s.messages[conversationID]
	snap := make([]model.Message, len(log))
	for i, m := range log {
		snap[i] = *m
	}
	s.mu.Unlock()

	sort.SliceStable(snap, func(i, j int) bool {
		return messageLess(snap[i], snap[j])
	})

	start := (page - 1) * pageSize
	if start >= len(snap) {
		return MessagePage{Messages: []model.Message{}, Total: len(snap)}, nil
	}
	end := min(start+pageSize, len(snap))
	return MessagePage{Messages: snap[start:end], Total: len(snap)}, nil
}

// MarkRead implements MessageStore.
func (s *MemoryStore) MarkRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, m := range s.messages[conversationID] {
		if addressedUnread(m, readerID) {
			m.IsRead = true
			n++
		}
	}
	return n, nil
}

func addressedUnread(m *model.Message, readerID string) bool {
	if m.IsRead || m.SenderID == readerID {
		return false
	}
	return m.ReceiverID == readerID || m.ReceiverID == ""
}

func messageLess(a, b model.Message) bool {
	if a.Timestamp.Equal(b.Timestamp) {
		return a.Seq < b.Seq
	}
	return a.Timestamp.Before(b.Timestamp)
}

func sortConversations(convs []model.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		a, b := convs[i].LastMessage, convs[j].LastMessage
		switch {
		case a != nil && b != nil:
			return a.After(*b)
		case a != nil:
			return true
		case b != nil:
			return false
		}
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
