package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

type config struct {
	maxRetries int
	baseWait   time.Duration
	maxWait    time.Duration
}

// Option configures a call to Do.
type Option func(*config)

// WithMaxRetries sets how many times the operation is retried after the
// first failure. The operation runs at most maxRetries+1 times.
func WithMaxRetries(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithBaseWait sets the delay before the first retry. Subsequent retries
// double the delay up to the configured maximum.
func WithBaseWait(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.baseWait = d
		}
	}
}

// WithMaxWait caps the backoff delay.
func WithMaxWait(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.maxWait = d
		}
	}
}

// Do runs fn until it succeeds, returns a non-recoverable error, or the
// retries are exhausted. The most recent error from fn is returned
// unchanged. Waits between attempts are exponential with jitter so that
// concurrent writers retrying against the same service spread out rather
// than stampede. Cancellation of ctx stops further attempts.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	cfg := config{
		maxRetries: 3,
		baseWait:   500 * time.Millisecond,
		maxWait:    15 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	var err error
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil && err != nil {
			return err
		}
		if err = fn(); err == nil {
			return nil
		}
		if attempt >= cfg.maxRetries || !IsRecoverable(err) {
			return err
		}
		timer := time.NewTimer(wait(cfg, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

// wait computes the jittered delay before retry number attempt (0-based).
func wait(cfg config, attempt int) time.Duration {
	d := cfg.baseWait
	for i := 0; i < attempt && d < cfg.maxWait; i++ {
		d *= 2
	}
	if d > cfg.maxWait {
		d = cfg.maxWait
	}
	// Half fixed, half jittered.
	half := int64(d / 2)
	if half <= 0 {
		return d
	}
	return time.Duration(half + rand.Int64N(half))
}
