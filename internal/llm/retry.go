package llm

import (
	"context"
	"fmt"
	"time"

	"goa.design/clue/log"
)

const (
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = time.Second
)

// RetryPolicy retries transient failures with a fixed delay between attempts.
type RetryPolicy struct {
	// Attempts is the total number of calls, including the first.
	Attempts int
	Delay    time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: DefaultRetryAttempts, Delay: DefaultRetryDelay}
}

// Do runs fn until it succeeds, fails with a non-transient error, or the
// attempts run out. Exhaustion wraps the last error with
// ErrUpstreamUnavailable.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	attempts := max(p.Attempts, 1)
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || !IsTransient(err) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %w", op, ctxErr)
		}
		if attempt >= attempts {
			log.Error(ctx, err, log.KV{K: "msg", V: "model call failed"}, log.KV{K: "op", V: op}, log.KV{K: "attempts", V: attempts})
			return fmt.Errorf("%w: %s failed after %d attempts: %w", ErrUpstreamUnavailable, op, attempts, err)
		}
		log.Warn(ctx,
			log.KV{K: "msg", V: "model call failed, retrying"},
			log.KV{K: "op", V: op},
			log.KV{K: "attempt", V: attempt},
			log.KV{K: "err", V: err.Error()},
		)
		if err := sleep(ctx, p.Delay); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
