// Package retry provides a bounded exponential backoff, generalized from the
// doubling helper used throughout the component-operator-runtime CLI, plus a
// thin Do wrapper that replaces ad hoc retry loops with a single call site.
package retry

import (
	"context"
	"errors"
	"time"
)

const (
	minBackoff = 1 * time.Second
	maxBackoff = 30 * time.Second
)

// Backoff produces a doubling sequence of delays, capped at maxBackoff.
// Not safe for concurrent use by multiple goroutines; callers own one
// instance per retry loop.
type Backoff struct {
	duration time.Duration
}

// New returns a Backoff starting at minBackoff.
func New() *Backoff {
	return &Backoff{duration: minBackoff}
}

// Next returns the delay to wait before the next attempt and advances the
// sequence.
func (b *Backoff) Next() time.Duration {
	d := b.duration
	b.duration *= 2
	if b.duration > maxBackoff {
		b.duration = maxBackoff
	}
	return d
}

// Reset returns the sequence to its initial delay.
func (b *Backoff) Reset() {
	b.duration = minBackoff
}

// Retryable is satisfied by errors that carry their own suggested delay
// (e.g. a rate-limit response echoing Retry-After).
type Retryable interface {
	error
	RetryAfter() time.Duration
}

// Classify reports whether an error should be retried and, if so, how long
// to wait before the next attempt. A negative duration means "use the
// backoff sequence"; callers pass that through to Backoff.Next().
type Classify func(error) (retry bool, after time.Duration)

// Do calls fn until it succeeds, classify says to give up, ctx is canceled,
// or maxAttempts is exhausted (0 means unlimited). It exists so call sites
// stop hand-rolling "for { ...; if retryable { sleep; continue }; return }"
// loops with slightly different bugs each time.
func Do(ctx context.Context, maxAttempts int, classify Classify, fn func() error) error {
	b := New()
	var lastErr error
	for attempt := 1; maxAttempts == 0 || attempt <= maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		retryable, after := classify(err)
		if !retryable {
			return err
		}

		if after < 0 {
			after = b.Next()
		}

		var rerr Retryable
		if errors.As(err, &rerr) {
			if ra := rerr.RetryAfter(); ra > 0 {
				after = ra
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(after):
		}
	}
	return lastErr
}
