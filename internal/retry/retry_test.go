package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff_DoublesAndCaps(t *testing.T) {
	b := New()
	assert.Equal(t, 1*time.Second, b.Next())
	assert.Equal(t, 2*time.Second, b.Next())
	assert.Equal(t, 4*time.Second, b.Next())
	assert.Equal(t, 8*time.Second, b.Next())
	assert.Equal(t, 16*time.Second, b.Next())
	assert.Equal(t, 30*time.Second, b.Next()) // capped, would be 32
	assert.Equal(t, 30*time.Second, b.Next())
}

func TestBackoff_Reset(t *testing.T) {
	b := New()
	b.Next()
	b.Next()
	b.Reset()
	assert.Equal(t, 1*time.Second, b.Next())
}

type retryableErr struct {
	after time.Duration
}

func (e *retryableErr) Error() string             { return "retryable" }
func (e *retryableErr) RetryAfter() time.Duration { return e.after }

func TestDo_SucceedsOnFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, func(error) (bool, time.Duration) { return false, 0 }, func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_GivesUpWhenNotRetryable(t *testing.T) {
	wantErr := errors.New("boom")
	calls := 0
	err := Do(context.Background(), 5, func(error) (bool, time.Duration) { return false, 0 }, func() error {
		calls++
		return wantErr
	})
	assert.Equal(t, wantErr, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesUntilMaxAttempts(t *testing.T) {
	calls := 0
	classify := func(error) (bool, time.Duration) { return true, 1 * time.Millisecond }
	err := Do(context.Background(), 3, classify, func() error {
		calls++
		return errors.New("still failing")
	})
	assert.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_RetryableErrorOverridesDelay(t *testing.T) {
	calls := 0
	rerr := &retryableErr{after: 1 * time.Millisecond}
	classify := func(error) (bool, time.Duration) { return true, -1 }
	err := Do(context.Background(), 2, classify, func() error {
		calls++
		if calls == 1 {
			return rerr
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDo_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	classify := func(error) (bool, time.Duration) { return true, 1 * time.Second }
	err := Do(ctx, 0, classify, func() error {
		return errors.New("still failing")
	})
	assert.ErrorIs(t, err, context.Canceled)
}
