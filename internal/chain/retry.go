package chain

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

var ErrInvalidRetryPolicy = errors.New("chain: invalid retry policy")

// RetryPolicy bounds retries of read operations. Writes are never routed
// through it: re-submitting a transaction after an ambiguous failure risks a
// duplicate reservation, so write failures surface to the caller instead.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Sleep is overridable for tests; nil means context-aware sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy suits interactive RPC reads.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:  3,
		BaseDelay: 250 * time.Millisecond,
		MaxDelay:  2 * time.Second,
	}
}

func (p RetryPolicy) validate() error {
	if p.Attempts <= 0 {
		return fmt.Errorf("%w: Attempts must be > 0", ErrInvalidRetryPolicy)
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("%w: delays must be >= 0", ErrInvalidRetryPolicy)
	}
	return nil
}

// Do runs fn up to p.Attempts times with jittered exponential backoff between
// attempts. It stops early when fn succeeds or ctx is cancelled. The last
// error is returned wrapped in ErrQuery so callers can classify it.
func Do(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	if err := p.validate(); err != nil {
		return err
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var last error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, backoffDelay(p, attempt)); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		last = fn(ctx)
		if last == nil {
			return nil
		}
		if errors.Is(last, context.Canceled) || errors.Is(last, context.DeadlineExceeded) {
			return last
		}
	}
	return fmt.Errorf("%w: %d attempts: %v", ErrQuery, p.Attempts, last)
}

func backoffDelay(p RetryPolicy, attempt int) time.Duration {
	d := p.BaseDelay << (attempt - 1)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d <= 0 {
		return 0
	}
	// Jitter keeps concurrent retriers from thundering in step. MaxDelay is
	// re-applied afterwards so it stays a hard ceiling.
	d = time.Duration(rand.Int63n(int64(d))) + d/2
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
