package auth

import (
	"context"
	"sync"
	"time"

	"github.com/campswap/messaging/internal/apperr"
)

// Directory records users that presented a valid credential, so they can be
// addressed as message receivers.
type Directory interface {
	UpsertUser(ctx context.Context, userID, email string) error
}

// UserSync writes each identity to a Directory the first time it is seen.
// Callers run it after Authenticate; a nil *UserSync does nothing.
type UserSync struct {
	directory Directory
	timeout   time.Duration
	synced    sync.Map
}

// NewUserSync returns a UserSync backed by d. Each upsert is bounded by timeout.
func NewUserSync(d Directory, timeout time.Duration) *UserSync {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &UserSync{directory: d, timeout: timeout}
}

// Sync upserts id unless it was already recorded by this process.
// A directory failure is retryable and is not remembered.
func (s *UserSync) Sync(ctx context.Context, id Identity) error {
	if s == nil || s.directory == nil {
		return nil
	}
	if _, ok := s.synced.Load(id.UserID); ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.directory.UpsertUser(ctx, id.UserID, id.Email); err != nil {
		return apperr.Unavailable("user directory unavailable", err)
	}
	s.synced.Store(id.UserID, struct{}{})
	return nil
}
