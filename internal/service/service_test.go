package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campswap/messaging/internal/apperr"
	"github.com/campswap/messaging/internal/events"
	"github.com/campswap/messaging/internal/model"
	"github.com/campswap/messaging/internal/store"
	"github.com/campswap/messaging/pkg/logger"
)

type sentEvent struct {
	userID string
	ev     events.Outbound
}

type recordingBroadcaster struct {
	mu   sync.Mutex
	sent []sentEvent
}

func (b *recordingBroadcaster) SendToUser(userID string, ev events.Outbound) {
	b.mu.Lock()
	b.sent = append(b.sent, sentEvent{userID: userID, ev: ev})
	b.mu.Unlock()
}

func (b *recordingBroadcaster) to(userID, typ string) []events.Outbound {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []events.Outbound
	for _, s := range b.sent {
		if s.userID == userID && s.ev.Type() == typ {
			out = append(out, s.ev)
		}
	}
	return out
}

type recordingPublisher struct {
	mu      sync.Mutex
	created []string
	read    []string
	fail    bool
}

func (p *recordingPublisher) PublishMessageCreated(_ context.Context, msg *model.Message, _ *model.Conversation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("bus down")
	}
	p.created = append(p.created, msg.ID)
	return nil
}

func (p *recordingPublisher) PublishMessagesRead(_ context.Context, conversationID, _ string, _ int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("bus down")
	}
	p.read = append(p.read, conversationID)
	return nil
}

type fixture struct {
	store *store.MemoryStore
	bc    *recordingBroadcaster
	pub   *recordingPublisher
	msgs  *MessageService
	convs *ConversationService
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	st := store.NewMemoryStore(store.WithUsers("alice", "bob", "carol"))
	bc := &recordingBroadcaster{}
	pub := &recordingPublisher{}
	log := logger.NewNop()

	opts = append([]Option{WithBroadcaster(bc), WithPublisher(pub)}, opts...)
	return &fixture{
		store: st,
		bc:    bc,
		pub:   pub,
		msgs:  NewMessageService(st, st, st, log, opts...),
		convs: NewConversationService(st, st, st, time.Second, log),
	}
}

func (f *fixture) send(t *testing.T, from, to, content string) *SendResult {
	t.Helper()
	res, err := f.msgs.Send(context.Background(), SendInput{SenderID: from, ReceiverID: to, Content: content})
	require.NoError(t, err, "send %s->%s", from, to)
	return res
}

const unknownConversationID = "0190a1b2-0000-7000-8000-000000000000"

func TestSend_EndToEnd(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res := f.send(t, "alice", "bob", "hi")

	require.False(t, res.Message.IsRead, "new message must be unread")
	require.Equal(t, "hi", res.Message.Content)
	require.Equal(t, model.MessageText, res.Message.MessageType)
	require.True(t, res.Created, "first send must create the conversation")
	require.NotNil(t, res.Conversation.LastMessage)
	require.Equal(t, "hi", res.Conversation.LastMessage.Content)
	require.Equal(t, 1, res.Conversation.UnreadFor("bob"))
	require.Equal(t, 0, res.Conversation.UnreadFor("alice"))

	recv := f.bc.to("bob", events.TypeReceiveMessage)
	require.Len(t, recv, 1)
	rm := recv[0].(events.ReceiveMessage)
	require.Equal(t, res.Message.ID, rm.ID)
	require.Equal(t, res.Conversation.ID, rm.ConversationID)
	require.Equal(t, "hi", rm.Content)
	require.Equal(t, 1, rm.UnreadCount)

	require.Empty(t, f.bc.to("alice", events.TypeReceiveMessage), "sender must not receive its own message")
	require.Equal(t, []string{res.Message.ID}, f.pub.created)
}

func TestSend_UnreadAccounting(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	const n = 7
	var last *SendResult
	for i := 0; i < n; i++ {
		last = f.send(t, "alice", "bob", "msg")
	}
	require.Equal(t, n, last.Conversation.UnreadFor("bob"))
}

func TestSend_ConcurrentUnreadNoLostIncrements(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	first := f.send(t, "alice", "bob", "first")
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.msgs.Send(context.Background(), SendInput{SenderID: "alice", ReceiverID: "bob", Content: "x"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	conv, err := f.convs.Get(context.Background(), first.Conversation.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, n+1, conv.UnreadFor("bob"))
}

func TestSend_NoDuplicateConversationUnderRace(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
	)
	for i := 0; i < 20; i++ {
		from, to := "alice", "bob"
		if i%2 == 1 {
			from, to = to, from
		}
		wg.Add(1)
		go func(from, to string) {
			defer wg.Done()
			<-start
			_, err := f.msgs.Send(context.Background(), SendInput{SenderID: from, ReceiverID: to, Content: "hey"})
			assert.NoError(t, err)
		}(from, to)
	}
	close(start)
	wg.Wait()

	list, err := f.convs.List(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, list.Conversations, 1, "expected exactly one conversation")
	conv := list.Conversations[0]
	require.Equal(t, 20, conv.UnreadFor("alice")+conv.UnreadFor("bob"), "unread counters lost increments: %v", conv.UnreadCount)
}

func TestSend_AdvertScopesConversation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	general := f.send(t, "alice", "bob", "hi")
	scoped, err := f.msgs.Send(context.Background(), SendInput{SenderID: "bob", ReceiverID: "alice", AdvertID: "tent-1", Content: "is the tent available?"})
	require.NoError(t, err)
	require.NotEqual(t, general.Conversation.ID, scoped.Conversation.ID, "advert-scoped send must use its own conversation")
	require.Equal(t, "tent-1", scoped.Conversation.AdvertID)
}

func TestSend_Validation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   SendInput
		kind apperr.Kind
	}{
		{"empty content", SendInput{SenderID: "alice", ReceiverID: "bob", Content: ""}, apperr.KindValidation},
		{"blank content", SendInput{SenderID: "alice", ReceiverID: "bob", Content: "  \n\t"}, apperr.KindValidation},
		{"too long", SendInput{SenderID: "alice", ReceiverID: "bob", Content: strings.Repeat("é", MaxContentRunes+1)}, apperr.KindValidation},
		{"invalid utf8", SendInput{SenderID: "alice", ReceiverID: "bob", Content: "\xff\xfe"}, apperr.KindValidation},
		{"bad type", SendInput{SenderID: "alice", ReceiverID: "bob", Content: "hi", MessageType: "video"}, apperr.KindValidation},
		{"empty receiver", SendInput{SenderID: "alice", Content: "hi"}, apperr.KindValidation},
		{"self", SendInput{SenderID: "alice", ReceiverID: "alice", Content: "hi"}, apperr.KindValidation},
		{"unknown receiver", SendInput{SenderID: "alice", ReceiverID: "mallory", Content: "hi"}, apperr.KindNotFound},
		{"malformed conversation id", SendInput{SenderID: "alice", ConversationID: "nope", Content: "hi"}, apperr.KindValidation},
		{"unknown conversation", SendInput{SenderID: "alice", ConversationID: unknownConversationID, Content: "hi"}, apperr.KindNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			_, err := f.msgs.Send(context.Background(), tc.in)
			require.Truef(t, apperr.Is(err, tc.kind), "want %s, got %v", tc.kind, err)
			require.Empty(t, f.bc.sent, "failed send must not broadcast")
		})
	}
}

func TestSend_MaxLengthAccepted(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.msgs.Send(context.Background(), SendInput{SenderID: "alice", ReceiverID: "bob", Content: strings.Repeat("é", MaxContentRunes)})
	require.NoError(t, err, "content at the limit must be accepted")
}

func TestSend_IntoConversationRequiresParticipant(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res := f.send(t, "alice", "bob", "hi")

	_, err := f.msgs.Send(context.Background(), SendInput{SenderID: "carol", ConversationID: res.Conversation.ID, Content: "let me in"})
	require.Truef(t, apperr.Is(err, apperr.KindForbidden), "want forbidden, got %v", err)

	reply, err := f.msgs.Send(context.Background(), SendInput{SenderID: "bob", ConversationID: res.Conversation.ID, Content: "hello"})
	require.NoError(t, err)
	require.Equal(t, "alice", reply.Message.ReceiverID, "private reply must address the other participant")
}

func TestSend_GroupFanOut(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	group, err := f.convs.CreateGroup(ctx, "alice", []string{"bob", "carol"})
	require.NoError(t, err)

	res, err := f.msgs.Send(ctx, SendInput{SenderID: "alice", ConversationID: group.ID, Content: "camp meeting at 6"})
	require.NoError(t, err)
	require.Equal(t, 1, res.Conversation.UnreadFor("bob"))
	require.Equal(t, 1, res.Conversation.UnreadFor("carol"))
	require.Equal(t, 0, res.Conversation.UnreadFor("alice"))
	require.Len(t, f.bc.to("bob", events.TypeReceiveMessage), 1)
	require.Len(t, f.bc.to("carol", events.TypeReceiveMessage), 1)

	n, err := f.msgs.MarkConversationRead(ctx, group.ID, "bob")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	// The read bit is shared by the group; carol's counter is still hers.
	_, err = f.msgs.MarkConversationRead(ctx, group.ID, "carol")
	require.NoError(t, err)
	conv, err := f.convs.Get(ctx, group.ID, "carol")
	require.NoError(t, err)
	require.Equal(t, 0, conv.UnreadFor("carol"))
	require.Len(t, f.bc.to("alice", events.TypeMessagesRead), 2, "alice should see both members catch up")
}

// cancelAfterAppend cancels the caller's context as soon as an append has
// been stored, like a client that disconnects mid-send.
type cancelAfterAppend struct {
	*store.MemoryStore
	cancel context.CancelFunc
}

func (s cancelAfterAppend) Append(ctx context.Context, m *model.Message) (*model.Message, error) {
	msg, err := s.MemoryStore.Append(ctx, m)
	s.cancel()
	return msg, err
}

func TestSend_CompletesWritesAfterCallerCancels(t *testing.T) {
	t.Parallel()

	mem := store.NewMemoryStore(store.WithUsers("alice", "bob"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bc := &recordingBroadcaster{}
	pub := &recordingPublisher{}
	svc := NewMessageService(mem, cancelAfterAppend{MemoryStore: mem, cancel: cancel}, mem, logger.NewNop(),
		WithBroadcaster(bc),
		WithPublisher(pub),
	)

	res, err := svc.Send(ctx, SendInput{SenderID: "alice", ReceiverID: "bob", Content: "hi"})
	require.NoError(t, err)
	require.Error(t, ctx.Err(), "caller context should be cancelled by now")

	conv, err := mem.Get(context.Background(), res.Conversation.ID)
	require.NoError(t, err)
	require.NotNil(t, conv.LastMessage, "lastMessage must follow the persisted message")
	require.Equal(t, res.Message.ID, conv.LastMessage.MessageID)
	require.Equal(t, 1, conv.UnreadFor("bob"))
	require.Len(t, bc.to("bob", events.TypeReceiveMessage), 1)
	require.Equal(t, []string{res.Message.ID}, pub.created)
}

func TestMarkConversationRead_Reconciliation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	res := f.send(t, "alice", "bob", "hi")
	convID := res.Conversation.ID

	n, err := f.msgs.MarkConversationRead(ctx, convID, "bob")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	conv, err := f.convs.Get(ctx, convID, "bob")
	require.NoError(t, err)
	require.Equal(t, 0, conv.UnreadFor("bob"))

	page, err := f.convs.Messages(ctx, convID, "bob", 1, 10)
	require.NoError(t, err)
	require.True(t, page.Messages[0].IsRead)

	reads := f.bc.to("alice", events.TypeMessagesRead)
	require.Len(t, reads, 1)
	mr := reads[0].(events.MessagesRead)
	require.Equal(t, convID, mr.ConversationID)
	require.Equal(t, "bob", mr.ReadBy)
	require.Empty(t, f.bc.to("bob", events.TypeMessagesRead), "reader must not get its own messages_read")
}

func TestMarkConversationRead_Idempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res := f.send(t, "alice", "bob", "one")
	f.send(t, "alice", "bob", "two")

	ctx := context.Background()
	n, err := f.msgs.MarkConversationRead(ctx, res.Conversation.ID, "bob")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	n, err = f.msgs.MarkConversationRead(ctx, res.Conversation.ID, "bob")
	require.NoError(t, err)
	require.Zero(t, n, "second read must flip nothing")

	conv, err := f.convs.Get(ctx, res.Conversation.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, 0, conv.UnreadFor("bob"))
	require.Len(t, f.bc.to("alice", events.TypeMessagesRead), 1, "a no-op read must not broadcast again")
}

func TestMarkConversationRead_Errors(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res := f.send(t, "alice", "bob", "hi")
	ctx := context.Background()

	cases := []struct {
		name           string
		conversationID string
		reader         string
		kind           apperr.Kind
	}{
		{"not a participant", res.Conversation.ID, "carol", apperr.KindForbidden},
		{"unknown conversation", unknownConversationID, "bob", apperr.KindNotFound},
		{"malformed id", "missing", "bob", apperr.KindValidation},
		{"empty id", "", "bob", apperr.KindValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.msgs.MarkConversationRead(ctx, tc.conversationID, tc.reader)
			require.Truef(t, apperr.Is(err, tc.kind), "want %s, got %v", tc.kind, err)
		})
	}
}

// sendDuringRead runs a send between the read flip and the counter reset.
type sendDuringRead struct {
	*store.MemoryStore
	during func()
}

func (s *sendDuringRead) MarkRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	n, err := s.MemoryStore.MarkRead(ctx, conversationID, readerID)
	if f := s.during; f != nil {
		s.during = nil
		f()
	}
	return n, err
}

func TestMarkConversationRead_SendBetweenFlipAndResetIsReconciledByNextRead(t *testing.T) {
	t.Parallel()

	mem := store.NewMemoryStore(store.WithUsers("alice", "bob"))
	ctx := context.Background()
	plain := NewMessageService(mem, mem, mem, logger.NewNop())
	racing := &sendDuringRead{MemoryStore: mem}
	bc := &recordingBroadcaster{}
	svc := NewMessageService(mem, racing, mem, logger.NewNop(), WithBroadcaster(bc))

	first, err := plain.Send(ctx, SendInput{SenderID: "alice", ReceiverID: "bob", Content: "one"})
	require.NoError(t, err)
	convID := first.Conversation.ID

	racing.during = func() {
		_, err := plain.Send(ctx, SendInput{SenderID: "alice", ConversationID: convID, Content: "two"})
		require.NoError(t, err)
	}
	n, err := svc.MarkConversationRead(ctx, convID, "bob")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	// The late message is unread but its increment was cleared.
	conv, err := mem.Get(ctx, convID)
	require.NoError(t, err)
	require.Equal(t, 0, conv.UnreadFor("bob"))

	n, err = svc.MarkConversationRead(ctx, convID, "bob")
	require.NoError(t, err)
	require.EqualValues(t, 1, n, "next read flips the late message")
	require.Len(t, bc.to("alice", events.TypeMessagesRead), 2)

	page, err := mem.ListByConversation(ctx, convID, 1, 10)
	require.NoError(t, err)
	for _, m := range page.Messages {
		require.True(t, m.IsRead)
	}
}

func TestConversationIDCheckedBeforeStore(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.convs.Get(ctx, "not-a-uuid", "alice")
	require.Truef(t, apperr.Is(err, apperr.KindValidation), "get: got %v", err)

	_, err = f.convs.Messages(ctx, "not-a-uuid", "alice", 1, 10)
	require.Truef(t, apperr.Is(err, apperr.KindValidation), "messages: got %v", err)

	_, err = f.convs.Get(ctx, unknownConversationID, "alice")
	require.Truef(t, apperr.Is(err, apperr.KindNotFound), "well-formed unknown id: got %v", err)
}

func TestMessages_ChronologicalAcrossPaths(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)
	var (
		mu   sync.Mutex
		tick int
	)
	// Clock that jumps back on every third call; ordering must still follow timestamps.
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		if tick%3 == 0 {
			return t0
		}
		return t0.Add(time.Duration(tick) * time.Second)
	}

	f := newFixture(t, WithClock(clock))
	ctx := context.Background()
	first := f.send(t, "alice", "bob", "0")
	for i := 1; i < 9; i++ {
		in := SendInput{SenderID: "bob", ConversationID: first.Conversation.ID, Content: "x", Path: PathRealtime}
		if i%2 == 0 {
			in = SendInput{SenderID: "alice", ReceiverID: "bob", Content: "x", Path: PathHTTP}
		}
		_, err := f.msgs.Send(ctx, in)
		require.NoError(t, err, "send %d", i)
	}

	page, err := f.convs.Messages(ctx, first.Conversation.ID, "alice", 1, 100)
	require.NoError(t, err)
	require.Equal(t, 9, page.Total)
	for i := 1; i < len(page.Messages); i++ {
		require.False(t, page.Messages[i].Timestamp.Before(page.Messages[i-1].Timestamp), "messages out of order at %d", i)
	}
}

func TestMessages_PagingAndAccess(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	res := f.send(t, "alice", "bob", "m")
	for i := 0; i < 4; i++ {
		f.send(t, "alice", "bob", "m")
	}

	page, err := f.convs.Messages(ctx, res.Conversation.ID, "bob", 1, 2)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	require.True(t, page.HasMore)
	require.Equal(t, 5, page.Total)

	page, err = f.convs.Messages(ctx, res.Conversation.ID, "bob", 3, 2)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	require.False(t, page.HasMore)

	page, err = f.convs.Messages(ctx, res.Conversation.ID, "bob", 0, 1000)
	require.NoError(t, err)
	require.Equal(t, 1, page.Page)
	require.Equal(t, MaxPageLimit, page.Limit)

	_, err = f.convs.Messages(ctx, res.Conversation.ID, "carol", 1, 10)
	require.Truef(t, apperr.Is(err, apperr.KindForbidden), "want forbidden, got %v", err)
}

func TestList_TotalUnread(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.send(t, "alice", "bob", "a")
	f.send(t, "alice", "bob", "b")
	f.send(t, "carol", "bob", "c")

	total, err := f.convs.UnreadTotal(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, 3, total)

	list, err := f.convs.List(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, list.Conversations, 2)
	require.Equal(t, "c", list.Conversations[0].LastMessage.Content, "newest conversation must come first")
}

func TestCreateGroup_Validation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.convs.CreateGroup(ctx, "alice", []string{"alice", ""})
	require.Truef(t, apperr.Is(err, apperr.KindValidation), "want validation, got %v", err)

	_, err = f.convs.CreateGroup(ctx, "alice", []string{"bob", "mallory"})
	require.Truef(t, apperr.Is(err, apperr.KindNotFound), "want not found, got %v", err)
}

func TestPublishFailureDoesNotFailSend(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.pub.fail = true

	res := f.send(t, "alice", "bob", "still delivered")
	require.Len(t, f.bc.to("bob", events.TypeReceiveMessage), 1, "broadcast must happen regardless of the bus")

	_, err := f.msgs.MarkConversationRead(context.Background(), res.Conversation.ID, "bob")
	require.NoError(t, err)
}

// stallingStore blocks message appends until the caller's deadline passes.
type stallingStore struct {
	*store.MemoryStore
}

func (s stallingStore) Append(ctx context.Context, _ *model.Message) (*model.Message, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSend_StoreTimeoutIsRetryable(t *testing.T) {
	t.Parallel()

	mem := store.NewMemoryStore(store.WithUsers("alice", "bob"))
	slow := stallingStore{MemoryStore: mem}
	bc := &recordingBroadcaster{}
	svc := NewMessageService(mem, slow, mem, logger.NewNop(),
		WithBroadcaster(bc),
		WithStoreTimeout(20*time.Millisecond),
	)

	_, err := svc.Send(context.Background(), SendInput{SenderID: "alice", ReceiverID: "bob", Content: "hi"})
	require.Truef(t, apperr.IsRetryable(err), "want retryable unavailable, got %v", err)
	require.ErrorIs(t, err, context.DeadlineExceeded, "cause must be preserved")
	require.Empty(t, bc.sent, "nothing may be broadcast when the append failed")
}

func TestClassifyStoreErr(t *testing.T) {
	t.Parallel()

	require.NoError(t, classifyStoreErr("op", nil))
	require.ErrorIs(t, classifyStoreErr("op", store.ErrNotFound), store.ErrNotFound)
	require.True(t, apperr.IsRetryable(classifyStoreErr("op", context.DeadlineExceeded)))
	require.Equal(t, apperr.KindInternal, apperr.KindOf(classifyStoreErr("op", errors.New("boom"))))
}

func TestIsClientError(t *testing.T) {
	t.Parallel()

	require.True(t, IsClientError(apperr.Validation("x")))
	require.True(t, IsClientError(apperr.Forbidden("x")))
	require.False(t, IsClientError(apperr.Unavailable("x", nil)))
	require.False(t, IsClientError(errors.New("x")))
	require.False(t, IsClientError(nil))
}
