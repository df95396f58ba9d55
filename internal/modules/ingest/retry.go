package ingest

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/renqi/tradewind/internal/domain"
)

// RetryPolicy controls vendor call retries.
type RetryPolicy struct {
	MaxAttempts    int           // total attempts, including the first
	BaseDelay      time.Duration // first backoff step
	MaxDelay       time.Duration // backoff ceiling
	RateLimitDelay time.Duration // flat delay after a rate-limit signal
}

// DefaultRetryPolicy matches the vendor limits we actually hit: three
// attempts, one-second base, sixty-second ceiling, and a full minute after
// a per-minute quota rejection.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		MaxDelay:       60 * time.Second,
		RateLimitDelay: 60 * time.Second,
	}
}

// rateLimitMarkers are substrings vendors use to signal per-minute quotas.
// Tushare answers in Chinese, some mirrors in English.
var rateLimitMarkers = []string{
	"每分钟最多访问",
	"exceeds the maximum",
	"too many requests",
}

// IsRateLimited reports whether err is a vendor throttle signal.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if domain.KindOf(err) == domain.KindRateLimited {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range rateLimitMarkers {
		if strings.Contains(msg, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

// Delay returns the backoff before attempt n (1-based): base × 2^(n-1)
// with ±20% jitter, capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(delay * jitter)
}

// Retry runs fn up to MaxAttempts times with backoff between attempts.
// Rate-limit signals wait RateLimitDelay instead of the exponential step.
// The context is honored while waiting; cancellation surfaces immediately.
func Retry(ctx context.Context, log zerolog.Logger, op string, policy RetryPolicy, fn func() error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %s aborted: %v", domain.ErrCancelled, op, err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		// Cancellation is not a vendor failure; stop immediately
		if domain.KindOf(lastErr) == domain.KindCancelled {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		delay := policy.Delay(attempt)
		if IsRateLimited(lastErr) {
			delay = policy.RateLimitDelay
		}
		log.Warn().
			Err(lastErr).
			Str("op", op).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Dur("delay", delay).
			Msg("Vendor call failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%w: %s aborted while waiting to retry: %v", domain.ErrCancelled, op, ctx.Err())
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, lastErr)
}
