package repository

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"

	appErrors "github.com/unclebandit/outreach-orchestrator/internal/errors"
)

// RetryOnConflict reruns fn while it fails with a concurrency conflict, up
// to maxRetries extra times. fn must re-read whatever it writes.
func RetryOnConflict(ctx context.Context, maxRetries int, fn func(ctx context.Context) error) error {
	backoff := retry.NewExponential(5 * time.Millisecond)
	backoff = retry.WithJitterPercent(20, backoff)
	backoff = retry.WithMaxRetries(uint64(maxRetries), backoff)
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if appErrors.Is(err, appErrors.KindConcurrencyConflict) {
			return retry.RetryableError(err)
		}
		return err
	})
}
