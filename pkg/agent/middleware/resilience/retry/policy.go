// Package retry wraps remote calls with exponential backoff and jitter, retrying only
// throttling-class failures.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"agentcoder/pkg/agent/llmerrors"
	"agentcoder/pkg/logx"
)

// Defaults matching the architect sessions.
const (
	DefaultMaxAttempts = 6
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxJitter   = 300 * time.Millisecond
)

// Classifier determines if an error should be retried.
type Classifier func(error) bool

// Policy configures Do. Zero-valued hooks fall back to real sleeping, uniform jitter and
// llmerrors.IsThrottling.
//
//nolint:govet // logical grouping preferred
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxJitter   time.Duration
	Classifier  Classifier

	// Sleep waits for d or until ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
	// Jitter returns a value in [0, max).
	Jitter func(max time.Duration) time.Duration
	// OnRetry observes each backoff before it is slept.
	OnRetry func(attempt int, delay time.Duration, err error)

	Logger *logx.Logger
}

// NewPolicy returns a policy with the given attempts and base delay and default hooks.
func NewPolicy(maxAttempts int, baseDelay time.Duration) *Policy {
	return &Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		MaxJitter:   DefaultMaxJitter,
	}
}

// Delay computes base * 2^attempt + jitter for a zero-based attempt. Jitter stays below
// min(MaxJitter, BaseDelay), so successive delays strictly increase whatever MaxJitter is set to.
func (p *Policy) Delay(attempt int) time.Duration {
	return p.BaseDelay*time.Duration(1<<uint(attempt)) + p.jitter()
}

func (p *Policy) jitter() time.Duration {
	limit := p.MaxJitter
	if p.BaseDelay > 0 && limit > p.BaseDelay {
		limit = p.BaseDelay
	}
	if limit <= 0 {
		return 0
	}
	if p.Jitter != nil {
		return min(p.Jitter(limit), limit-1)
	}
	return time.Duration(rand.Int64N(int64(limit)))
}

func (p *Policy) shouldRetry(err error) bool {
	if p.Classifier != nil {
		return p.Classifier(err)
	}
	return llmerrors.IsThrottling(err)
}

func (p *Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do calls op, retrying throttling-class errors up to MaxAttempts times with backoff. Any other
// error returns immediately. Once attempts are exhausted op is called one final time and its
// outcome returned as is. Callers must only pass operations that are safe to repeat.
func Do[T any](ctx context.Context, p *Policy, op func(context.Context) (T, error)) (T, error) {
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if !p.shouldRetry(err) {
			return result, err
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if p.Logger != nil {
			p.Logger.Warn("throttled (attempt %d/%d), backing off %s: %v", attempt+1, p.MaxAttempts, delay, err)
		}
		if sleepErr := p.sleep(ctx, delay); sleepErr != nil {
			var zero T
			return zero, fmt.Errorf("retry cancelled: %w", sleepErr)
		}
	}
	return op(ctx)
}
