package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cmtidx/cmtidx/lib/outcome"
)

var fast = Policy{Attempts: 4, Min: time.Millisecond, Max: 2 * time.Millisecond}

func TestDoRetriesTransientErrors(t *testing.T) {
	calls := 0
	v, err := Do(context.Background(), fast, "flaky", func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("connection reset")
		}
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, v)
	require.Equal(t, 3, calls)
}

func TestDoGivesUp(t *testing.T) {
	calls := 0
	base := errors.New("down")
	err := Run(context.Background(), fast, "down", func(ctx context.Context) error {
		calls++
		return base
	})
	require.ErrorIs(t, err, base)
	require.Equal(t, fast.Attempts, calls)
}

func TestDoDoesNotRetrySkipOrFatal(t *testing.T) {
	for _, kind := range []outcome.Kind{outcome.Skip, outcome.Fatal} {
		calls := 0
		err := Run(context.Background(), fast, "tagged", func(ctx context.Context) error {
			calls++
			return outcome.Wrap(kind, errors.New("nope"))
		})
		require.Error(t, err)
		require.Equal(t, kind, outcome.KindOf(err))
		require.Equal(t, 1, calls)
	}
}

func TestDoStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Run(ctx, fast, "cancelled", func(ctx context.Context) error {
		t.Fatal("must not be called")
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
}
