package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MimeLyc/contentpipe/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_RetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 3}, func(context.Context) error {
		calls++
		if calls < 3 {
			return apperr.Transient(nil, "rate limited")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsAfterBound(t *testing.T) {
	calls := 0
	var retried []int
	err := Do(context.Background(), Policy{
		Attempts: 3,
		OnRetry:  func(attempt int, _ error) { retried = append(retried, attempt) },
	}, func(context.Context) error {
		calls++
		return apperr.Transient(nil, "still down")
	})
	require.Error(t, err)
	assert.True(t, apperr.IsType(err, apperr.ErrTransient))
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{2, 3}, retried)
}

func TestDo_DoesNotRetryFatal(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 5}, func(context.Context) error {
		calls++
		return apperr.Fatal(errors.New("400"), "bad request")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_AttemptTimeoutIsTransient(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 2, Timeout: 10 * time.Millisecond}, func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.True(t, apperr.IsType(err, apperr.ErrTransient))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDo_ParentCancelStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{Attempts: 5, Backoff: time.Millisecond}, func(context.Context) error {
		calls++
		cancel()
		return apperr.Transient(nil, "flaky")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
