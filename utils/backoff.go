package utils

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// NewExponentialBackoff creates a new exponential backoff configuration
func NewExponentialBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.1
	return b
}

// RetryConnect runs connect until it succeeds, retries are exhausted or ctx
// is done. It is only meant for establishing store connections.
func RetryConnect(ctx context.Context, retries int, connect func() error) error {
	if retries < 0 {
		retries = 0
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(NewExponentialBackoff(), uint64(retries)),
		ctx,
	)
	return backoff.RetryNotify(connect, b, func(err error, d time.Duration) {
		Logger.Warnw("Store connection failed, retrying",
			"error", err,
			"retry_in", d.String(),
		)
	})
}
