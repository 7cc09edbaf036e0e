package reliability

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

const jitterFactor = 0.5

// NewBackOff builds a capped exponential schedule from cfg.
func NewBackOff(cfg BackoffConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialDelay
	b.Multiplier = cfg.Multiplier
	if b.Multiplier < 1.0 {
		b.Multiplier = 1.0
	}
	b.MaxInterval = cfg.MaxDelay
	b.RandomizationFactor = 0
	if cfg.Jitter {
		b.RandomizationFactor = jitterFactor
	}
	b.Reset()
	return b
}

// RetryOptions returns the bounded retry policy for one connect cycle.
// notify may be nil.
func RetryOptions(cfg BackoffConfig, notify func(err error, next time.Duration)) []backoff.RetryOption {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	opts := []backoff.RetryOption{
		backoff.WithBackOff(NewBackOff(cfg)),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(notify))
	}
	return opts
}
