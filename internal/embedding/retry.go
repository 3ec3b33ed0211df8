package embedding

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy controls how remote inference calls are retried. Waits are
// expressed in Units (one second in production) so tests can shrink them.
type RetryPolicy struct {
	MaxAttempts int
	Unit        time.Duration
	// LoadingCap bounds the server supplied estimated_time for a loading model.
	LoadingCap float64
	// Unavailable is the wait after a 503 without an estimate.
	Unavailable float64
	// RateLimited is the wait after a 429.
	RateLimited float64
	// Transport is the base wait after a transport error or timeout; it doubles per attempt.
	Transport float64
}

// DefaultRetryPolicy returns the production retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Unit:        time.Second,
		LoadingCap:  60,
		Unavailable: 10,
		RateLimited: 30,
		Transport:   5,
	}
}

func (p RetryPolicy) duration(units float64) time.Duration {
	return time.Duration(units * float64(p.Unit))
}

// loadingWait returns the wait for a loading model given the server estimate in seconds.
func (p RetryPolicy) loadingWait(estimated float64) time.Duration {
	if estimated <= 0 {
		return p.duration(p.Unavailable)
	}
	if estimated > p.LoadingCap {
		estimated = p.LoadingCap
	}
	return p.duration(estimated)
}

// transportWait returns an exponential backoff with up to 50% jitter.
func (p RetryPolicy) transportWait(attempt int) time.Duration {
	backoff := p.duration(p.Transport)
	limit := p.duration(p.LoadingCap)
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff > limit {
			backoff = limit
			break
		}
	}
	return backoff + time.Duration(rand.Float64()*0.5*float64(backoff))
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
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
