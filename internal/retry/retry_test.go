package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHTTPErr struct{ code int }

func (e fakeHTTPErr) Error() string  { return fmt.Sprintf("http status %d", e.code) }
func (e fakeHTTPErr) StatusCode() int { return e.code }

func TestClassify_RetryableHTTPStatuses(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503} {
		c := Classify(fakeHTTPErr{code: code})
		assert.True(t, c.Retryable, "status %d should be retryable", code)
	}
}

func TestClassify_NonRetryableHTTPStatuses(t *testing.T) {
	for _, code := range []int{400, 401, 403, 404} {
		c := Classify(fakeHTTPErr{code: code})
		assert.False(t, c.Retryable, "status %d should not be retryable", code)
	}
}

func TestClassify_RetryableMessages(t *testing.T) {
	for _, msg := range []string{"connection timeout", "socket hang up", "service temporarily unavailable"} {
		c := Classify(errors.New(msg))
		assert.True(t, c.Retryable, "message %q should be retryable", msg)
	}
}

func TestClassify_NilError(t *testing.T) {
	assert.False(t, Classify(nil).Retryable)
}

func TestDo_SucceedsOnFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, time.Millisecond, func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesOnRetryableError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, time.Millisecond, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("timeout")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsImmediatelyOnNonRetryableError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, time.Millisecond, func(ctx context.Context) error {
		calls++
		return fakeHTTPErr{code: 404}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustsAttemptsAndReturnsLastError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, time.Millisecond, func(ctx context.Context) error {
		calls++
		return errors.New("timeout")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_CancelledContextUnwindsDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, 5, 50*time.Millisecond, func(ctx context.Context) error {
		calls++
		return errors.New("timeout")
	})
	require.Error(t, err)
	assert.True(t, calls < 5)
}
