package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/campswap/messaging/internal/apperr"
	"github.com/campswap/messaging/pkg/metrics"
)

// DefaultStoreTimeout bounds every store call unless overridden.
const DefaultStoreTimeout = 5 * time.Second

// storeCall runs fn under a deadline and normalizes its error.
func storeCall(ctx context.Context, timeout time.Duration, op string, fn func(context.Context) error) error {
	_, err := storeValue(ctx, timeout, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func storeValue[T any](ctx context.Context, timeout time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	v, err := fn(ctx)
	metrics.RecordStoreOp(op, start, err)
	return v, classifyStoreErr(op, err)
}

// classifyStoreErr keeps typed errors and turns deadlines into retryable failures.
func classifyStoreErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Unavailable("store timed out", fmt.Errorf("%s: %w", op, err))
	}
	return fmt.Errorf("%s: %w", op, err)
}
