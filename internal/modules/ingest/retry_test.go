package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renqi/tradewind/internal/domain"
)

func testPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      time.Millisecond,
		MaxDelay:       4 * time.Millisecond,
		RateLimitDelay: 2 * time.Millisecond,
	}
}

func TestDelayBackoffBounds(t *testing.T) {
	policy := RetryPolicy{
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  time.Second,
	}

	for attempt, base := range map[int]time.Duration{
		1: 100 * time.Millisecond,
		2: 200 * time.Millisecond,
		3: 400 * time.Millisecond,
		5: time.Second, // capped before jitter
	} {
		d := policy.Delay(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(float64(base)*0.8), "attempt %d", attempt)
		assert.LessOrEqual(t, d, time.Duration(float64(base)*1.2), "attempt %d", attempt)
	}
}

func TestIsRateLimited(t *testing.T) {
	assert.False(t, IsRateLimited(nil))
	assert.False(t, IsRateLimited(errors.New("connection refused")))

	assert.True(t, IsRateLimited(fmt.Errorf("%w: status 429", domain.ErrRateLimited)))
	assert.True(t, IsRateLimited(errors.New("抱歉，您每分钟最多访问该接口2次")))
	assert.True(t, IsRateLimited(errors.New("Your request exceeds the maximum allowed")))
	assert.True(t, IsRateLimited(errors.New("Too Many Requests")))
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)

	calls := 0
	err := Retry(context.Background(), log, "fetch", testPolicy(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)

	calls := 0
	err := Retry(context.Background(), log, "fetch", testPolicy(), func() error {
		calls++
		return errors.New("still down")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "fetch failed after 3 attempts")
	assert.Contains(t, err.Error(), "still down")
}

func TestRetryStopsOnCancellation(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retry(ctx, log, "fetch", testPolicy(), func() error {
		calls++
		return errors.New("should not run")
	})

	require.Error(t, err)
	assert.Equal(t, domain.KindCancelled, domain.KindOf(err))
	assert.Zero(t, calls)
}

func TestRetryDoesNotRetryCancelledCalls(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)

	calls := 0
	err := Retry(context.Background(), log, "fetch", testPolicy(), func() error {
		calls++
		return fmt.Errorf("%w: caller went away", domain.ErrCancelled)
	})

	require.Error(t, err)
	assert.Equal(t, domain.KindCancelled, domain.KindOf(err))
	assert.Equal(t, 1, calls)
}

func TestRetryCancelledWhileWaiting(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)

	policy := testPolicy()
	policy.BaseDelay = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Retry(ctx, log, "fetch", policy, func() error {
			calls++
			return errors.New("transient")
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, domain.KindCancelled, domain.KindOf(err))
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not honor cancellation while waiting")
	}
}
