package retry

import (
	"context"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/jpillora/backoff"
	"golang.org/x/xerrors"

	"github.com/cmtidx/cmtidx/lib/outcome"
)

var log = logging.Logger("cmtidx/retry")

// Policy bounds a retry loop. Zero values fall back to DefaultPolicy.
type Policy struct {
	Attempts int
	Min      time.Duration
	Max      time.Duration
}

var DefaultPolicy = Policy{
	Attempts: 5,
	Min:      500 * time.Millisecond,
	Max:      30 * time.Second,
}

func (p Policy) withDefaults() Policy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultPolicy.Attempts
	}
	if p.Min <= 0 {
		p.Min = DefaultPolicy.Min
	}
	if p.Max < p.Min {
		p.Max = p.Min
	}
	return p
}

// Do runs f until it succeeds, returns a non-retryable error, the attempt budget is
// spent, or ctx is done. Only outcome.Retryable errors are retried.
func Do[T any](ctx context.Context, p Policy, what string, f func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()
	b := &backoff.Backoff{Min: p.Min, Max: p.Max, Factor: 2, Jitter: true}
	var zero T

	var lastErr error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, xerrors.Errorf("%s: context done: %w (last error: %v)", what, err, lastErr)
			}
			return zero, xerrors.Errorf("%s: context done: %w", what, err)
		}

		res, err := f(ctx)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if outcome.KindOf(err) != outcome.Retryable {
			return zero, err
		}
		if attempt == p.Attempts {
			break
		}

		wait := b.Duration()
		log.Warnw("operation failed, retrying", "op", what, "attempt", attempt, "error", err, "backoff", wait)

		select {
		case <-ctx.Done():
			return zero, xerrors.Errorf("%s: context done during backoff: %w (last error: %v)", what, ctx.Err(), lastErr)
		case <-time.After(wait):
		}
	}

	return zero, xerrors.Errorf("%s: giving up after %d attempts: %w", what, p.Attempts, lastErr)
}

// Run is Do for functions without a result.
func Run(ctx context.Context, p Policy, what string, f func(ctx context.Context) error) error {
	_, err := Do(ctx, p, what, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, f(ctx)
	})
	return err
}
