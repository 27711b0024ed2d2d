package store

import (
	"context"
	"time"

	"agora/api/internal/ledger"
	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds how long transient storage failures are retried.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
	MaxRetries      uint64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     time.Second,
		MaxElapsed:      5 * time.Second,
		MaxRetries:      3,
	}
}

// Retry runs op until it succeeds, fails with a non-transient error, or the
// policy is exhausted. Only errors wrapping ledger.ErrTransient are retried.
func Retry[T any](ctx context.Context, policy RetryPolicy, op func(context.Context) (T, error)) (T, error) {
	var result T

	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(policy.InitialInterval),
		backoff.WithMaxInterval(policy.MaxInterval),
		backoff.WithMaxElapsedTime(policy.MaxElapsed),
	), policy.MaxRetries)

	err := backoff.Retry(func() error {
		var err error
		result, err = op(ctx)
		if err != nil && !ledger.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
	return result, err
}
