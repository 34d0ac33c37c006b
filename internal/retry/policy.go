package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/akylbek/payment-system/payment-reconciler/internal/apperr"
)

// Policy is an exponential retry schedule shared by every outbound call in the
// payment core. Attempts that fail with an error Retryable rejects are not repeated.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	Retryable   func(error) bool

	// OnRetry, if set, is called before sleeping ahead of attempt+1.
	OnRetry func(err error, attempt int, delay time.Duration)
}

// Default is three attempts, 1s base, doubling, retrying network and 5xx failures.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
		Retryable:   apperr.Retryable,
	}
}

// WithNotify returns a copy of p that reports retries to fn.
func (p Policy) WithNotify(fn func(err error, attempt int, delay time.Duration)) Policy {
	p.OnRetry = fn
	return p
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.Multiplier = p.Multiplier
	if eb.Multiplier < 1 {
		eb.Multiplier = 1
	}
	eb.RandomizationFactor = 0
	eb.MaxInterval = p.MaxDelay
	if eb.MaxInterval <= 0 {
		eb.MaxInterval = backoff.DefaultMaxInterval
	}
	eb.MaxElapsedTime = 0

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

// Do runs op until it succeeds, returns a non-retryable error, the attempts are
// exhausted or ctx is done. The error from the last attempt is returned as is.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, d time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(err, attempt, d)
		}
	}
	return backoff.RetryNotify(operation, p.backOff(ctx), notify)
}
