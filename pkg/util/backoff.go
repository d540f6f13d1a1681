package util

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	backoffJitter     = 0.1
	backoffMultiplier = 2

	// unboundedMaxDelay caps delays when no MaxDelay is configured
	unboundedMaxDelay = time.Hour
)

// Backoff computes bounded exponential delays with ±10% jitter.
type Backoff struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// MinDelay is a floor applied after jitter (zero means none)
	MinDelay time.Duration
}

// Delay returns the wait before retry number attempt (1-based):
// BaseDelay * 2^(attempt-1), capped at MaxDelay.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	maxDelay := b.MaxDelay
	if maxDelay <= 0 {
		maxDelay = unboundedMaxDelay
	}

	policy := b.policy(maxDelay)
	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = policy.NextBackOff()
	}

	if delay < b.MinDelay {
		delay = b.MinDelay
	}
	// jitter may push past the maximum
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

func (b Backoff) policy(maxDelay time.Duration) *backoff.ExponentialBackOff {
	policy := &backoff.ExponentialBackOff{
		InitialInterval:     b.BaseDelay,
		RandomizationFactor: backoffJitter,
		Multiplier:          backoffMultiplier,
		MaxInterval:         maxDelay,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	policy.Reset()
	return policy
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
