package plugin

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/dshills/warden/internal/sandbox"
)

// CalculateBackoff calculates the backoff duration for a given attempt.
// attempt=0 or attempt=1 returns initial, subsequent attempts use exponential growth.
func CalculateBackoff(attempt int, initial, max time.Duration, multiplier float64) time.Duration {
	if attempt <= 1 {
		return initial
	}

	delay := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if delay > float64(max) {
		return max
	}
	return time.Duration(delay)
}

// transient reports whether err may succeed on retry: a sandbox call or
// creation that ran out of time while the caller's context is still live.
func transient(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return errors.Is(err, sandbox.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// retry runs fn until it succeeds, fails permanently, or exhausts the
// configured retries.
func (m *Manager) retry(ctx context.Context, id, op string, fn func() error) error {
	log := m.logger.WithPlugin(id)
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt > m.cfg.ActivateRetries || !transient(ctx, err) {
			return err
		}
		delay := CalculateBackoff(attempt, m.cfg.RetryInitial, m.cfg.RetryMax, m.cfg.RetryMultiplier)
		log.WithError(err).Warn("%s failed (attempt %d), retrying in %s", op, attempt, delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return err
		}
	}
}
