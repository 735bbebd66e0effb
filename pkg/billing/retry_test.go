package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetry_TransientThenSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{Attempts: 3, BaseWait: time.Millisecond}, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	boom := errors.New("still down")
	err := Retry(context.Background(), RetryConfig{Attempts: 3, BaseWait: time.Millisecond}, func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestRetry_PermanentFailsFast(t *testing.T) {
	calls := 0
	auth := errors.New("invalid api key")
	err := Retry(context.Background(), RetryConfig{Attempts: 5, BaseWait: time.Millisecond}, func() error {
		calls++
		return Permanent(auth)
	})
	// The permanent marker is stripped before returning
	assert.Equal(t, auth, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := Retry(ctx, RetryConfig{Attempts: 5, BaseWait: time.Minute}, func() error {
		calls++
		cancel()
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetry_OnRetryCallback(t *testing.T) {
	var attempts []int
	_ = Retry(context.Background(), RetryConfig{
		Attempts: 3,
		BaseWait: time.Millisecond,
		OnRetry:  func(attempt int) { attempts = append(attempts, attempt) },
	}, func() error {
		return errors.New("transient")
	})
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(Permanent(errors.New("nope"))))
	assert.False(t, IsPermanent(errors.New("nope")))
	assert.NoError(t, Permanent(nil))
}
