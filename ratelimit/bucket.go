package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-llm-gateway/core"
)

// TokenBucket is the single process-wide limiter in front of every upstream
// dispatch. Capacity and refill rate are both the configured requests per
// second, so a full bucket absorbs a burst of at most one second of traffic.
type TokenBucket struct {
	mu     sync.Mutex
	rate   float64
	burst  float64
	tokens float64
	last   time.Time

	Now   func() time.Time
	Sleep func(ctx context.Context, delay time.Duration) error
}

func NewTokenBucket(rps int) *TokenBucket {
	if rps <= 0 {
		rps = 1
	}
	bucket := &TokenBucket{
		rate:  float64(rps),
		burst: float64(rps),
		Now:   func() time.Time { return time.Now().UTC() },
		Sleep: sleepWithContext,
	}
	bucket.tokens = bucket.burst
	bucket.last = bucket.now()
	return bucket
}

func (b *TokenBucket) Rate() float64 {
	if b == nil {
		return 0
	}
	return b.rate
}

// TryAcquire consumes one token if available without blocking.
func (b *TokenBucket) TryAcquire() bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(b.now())
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Acquire blocks until a token is available or the context is done.
func (b *TokenBucket) Acquire(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if b.TryAcquire() {
			return nil
		}
		if err := b.sleep(ctx, b.pollInterval()); err != nil {
			return err
		}
	}
}

// AcquireWithDeadline blocks up to timeout for a token. It reports false
// without error when the window elapses with the bucket still empty.
func (b *TokenBucket) AcquireWithDeadline(ctx context.Context, timeout time.Duration) (bool, error) {
	if b == nil {
		return false, fmt.Errorf("ratelimit: token bucket is nil")
	}
	deadline := b.now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if b.TryAcquire() {
			return true, nil
		}
		remaining := deadline.Sub(b.now())
		if remaining <= 0 {
			return false, nil
		}
		step := b.pollInterval()
		if step > remaining {
			step = remaining
		}
		if err := b.sleep(ctx, step); err != nil {
			return false, err
		}
	}
}

// Tokens reports the current token balance after refill, for stats surfaces.
func (b *TokenBucket) Tokens() float64 {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(b.now())
	return b.tokens
}

func (b *TokenBucket) refillLocked(now time.Time) {
	if now.Before(b.last) {
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.last = now
}

// pollInterval keeps waiters responsive at high rates without spinning at
// low rates.
func (b *TokenBucket) pollInterval() time.Duration {
	interval := time.Duration(float64(time.Second) / b.rate)
	if interval > 500*time.Millisecond {
		interval = 500 * time.Millisecond
	}
	if interval <= 0 {
		interval = time.Millisecond
	}
	return interval
}

func (b *TokenBucket) now() time.Time {
	if b != nil && b.Now != nil {
		return b.Now().UTC()
	}
	return time.Now().UTC()
}

func (b *TokenBucket) sleep(ctx context.Context, delay time.Duration) error {
	if b != nil && b.Sleep != nil {
		return b.Sleep(ctx, delay)
	}
	return sleepWithContext(ctx, delay)
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ExhaustedError surfaces a saturated limiter to HTTP callers.
type ExhaustedError struct {
	RetryAfter time.Duration
}

func (e ExhaustedError) Error() string {
	return fmt.Sprintf("ratelimit: global budget exhausted, retry in %s", e.RetryAfter)
}

func (e ExhaustedError) ToGatewayError() *goerrors.Error {
	metadata := map[string]any{}
	if e.RetryAfter > 0 {
		metadata["retry_after_ms"] = e.RetryAfter.Milliseconds()
	}
	return goerrors.New(e.Error(), goerrors.CategoryRateLimit).
		WithCode(http.StatusTooManyRequests).
		WithTextCode(core.GatewayErrorRateLimited).
		WithMetadata(metadata)
}
