package tracker

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// RetryPolicy bounds retries of transient collaborator errors.
type RetryPolicy struct {
	Attempts  int           // total tries, including the first
	BaseDelay time.Duration // e.g. 500ms
	MaxDelay  time.Duration // e.g. 5s
}

// DefaultRetryPolicy returns the policy used for ledger fetches.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:  3,
		BaseDelay: 500 * time.Millisecond,
		MaxDelay:  5 * time.Second,
	}
}

var (
	jitterMu  sync.Mutex
	jitterRNG = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// Delay computes the wait before retry number attempt (1-based) using
// exponential backoff with full jitter.
func (p RetryPolicy) Delay(attempt int, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}

	// exponential: base * 2^(attempt-1), capped before it can overflow
	delay := p.MaxDelay
	if attempt <= 30 {
		if d := p.BaseDelay << (attempt - 1); d > 0 && d < p.MaxDelay {
			delay = d
		}
	}

	// full jitter: random in [0, delay]
	if rng == nil {
		jitterMu.Lock()
		defer jitterMu.Unlock()
		rng = jitterRNG
	}
	return time.Duration(rng.Int63n(int64(delay) + 1))
}

// Do calls fn until it succeeds, the attempts run out, or ctx is done. The
// last error is returned.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil || attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Delay(attempt, nil)):
		}
	}
	return err
}
