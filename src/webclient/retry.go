package webclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
)

const maxRetryDelay = 30 * time.Second

type AttemptFunc func(ctx context.Context) (status int, body []byte, err error)

// DoWithRetry retries the attempt function on transient errors (429/5xx) or
// non-nil errors, backing off exponentially from initialDelay.
func DoWithRetry(ctx context.Context, attempts uint64, initialDelay time.Duration, fn AttemptFunc) (int, []byte, error) {
	if attempts == 0 {
		attempts = 1
	}
	if initialDelay <= 0 {
		initialDelay = 2 * time.Second
	}
	backoff, err := retry.NewExponential(initialDelay)
	if err != nil {
		return 0, nil, fmt.Errorf("create retry backoff: %w", err)
	}
	backoff = retry.WithCappedDuration(maxRetryDelay, backoff)
	backoff = retry.WithMaxRetries(attempts-1, backoff)

	var status int
	var body []byte
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		status, body, err = fn(ctx)
		if err != nil {
			var se *StatusError
			if errors.As(err, &se) && !se.Transient() {
				return err
			}
			return retry.RetryableError(err)
		}
		if se := (&StatusError{Code: status, Body: string(body)}); se.Transient() {
			return retry.RetryableError(se)
		}
		return nil
	})
	return status, body, err
}
