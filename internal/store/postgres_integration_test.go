package store

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campswap/messaging/internal/model"
)

// Integration tests run when MESSAGING_TEST_DATABASE_URL is set.

func TestPostgresStore_CreatePrivate_ConcurrentSingleWinner(t *testing.T) {
	t.Parallel()

	st := mustNewPostgresStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	const n = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = make(map[string]struct{})
		winners int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pair := []string{"alice", "bob"}
			if i%2 == 1 {
				pair = []string{"bob", "alice"}
			}
			conv, created, err := st.Create(ctx, CreateConversationInput{
				Participants: pair,
				AdvertID:     "advert-1",
				Type:         model.ConversationPrivate,
			})
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			mu.Lock()
			ids[conv.ID] = struct{}{}
			if created {
				winners++
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if len(ids) != 1 || winners != 1 {
		t.Fatalf("expected one conversation and one creator, got ids=%d winners=%d", len(ids), winners)
	}
}

func TestPostgresStore_UnreadAndReadFlow(t *testing.T) {
	t.Parallel()

	st := mustNewPostgresStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conv, _, err := st.Create(ctx, CreateConversationInput{
		Participants: []string{"alice", "bob"},
		Type:         model.ConversationPrivate,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := st.IncrementUnread(ctx, conv.ID, "bob", 1); err != nil {
				t.Errorf("increment: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := st.Get(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UnreadFor("bob") != 20 {
		t.Fatalf("unread: want 20 got %d", got.UnreadFor("bob"))
	}

	for i := 0; i < 3; i++ {
		msg, err := st.Append(ctx, &model.Message{ConversationID: conv.ID, SenderID: "alice", ReceiverID: "bob", Content: "hi"})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if err := st.AppendLastMessage(ctx, conv.ID, msg.Snapshot()); err != nil {
			t.Fatalf("append last message: %v", err)
		}
	}

	n, err := st.MarkRead(ctx, conv.ID, "bob")
	if err != nil || n != 3 {
		t.Fatalf("mark read: n=%d err=%v", n, err)
	}
	if err := st.ResetUnread(ctx, conv.ID, "bob"); err != nil {
		t.Fatalf("reset: %v", err)
	}

	got, _ = st.Get(ctx, conv.ID)
	if got.UnreadFor("bob") != 0 {
		t.Fatalf("expected unread reset")
	}
	if got.LastMessage == nil || got.LastMessage.SenderID != "alice" {
		t.Fatalf("expected last message snapshot, got %+v", got.LastMessage)
	}

	page, err := st.ListByConversation(ctx, conv.ID, 1, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 3 || len(page.Messages) != 2 || !page.Messages[0].IsRead {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestPostgresStore_NotFound(t *testing.T) {
	t.Parallel()

	st := mustNewPostgresStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := st.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get: expected ErrNotFound, got %v", err)
	}
	if _, err := st.Append(ctx, &model.Message{ConversationID: "missing", SenderID: "a", Content: "x"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("append: expected ErrNotFound, got %v", err)
	}
	if err := st.AppendLastMessage(ctx, "missing", model.LastMessage{Timestamp: time.Now()}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("append last message: expected ErrNotFound, got %v", err)
	}
}

func mustNewPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("MESSAGING_TEST_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: MESSAGING_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, raw)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	t.Cleanup(pool.Close)

	schema := "messaging_it_" + strings.ReplaceAll(uuid.NewString()[:8], "-", "")
	t.Cleanup(func() {
		dropCtx, dropCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer dropCancel()
		_, _ = pool.Exec(dropCtx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
	})

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	if err := st.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return st
}
