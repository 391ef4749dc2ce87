package xdispatch

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"
)

// RetryConfig controls in-place retries of a subscriber callback.
type RetryConfig struct {
	// MaxAttempts counts the first call; values below 1 mean a single call.
	MaxAttempts int
	// Backoff returns the wait after the given failed attempt (1-based).
	// Nil retries immediately.
	Backoff func(attempt int) time.Duration
	// Jitter adds a random [0, Jitter) to every wait.
	Jitter time.Duration
	// RetryIf reports whether err is worth another attempt. Nil retries
	// every error.
	RetryIf func(err error) bool
	// OnRetry is called before each wait.
	OnRetry func(msg *Message, attempt int, err error)
}

func (c RetryConfig) wait(attempt int) time.Duration {
	var d time.Duration
	if c.Backoff != nil {
		d = c.Backoff(attempt)
	}
	if c.Jitter > 0 {
		d += rand.N(c.Jitter)
	}
	return d
}

// ExponentialBackoff doubles base after every attempt, capped at ceiling
// when ceiling > 0.
func ExponentialBackoff(base, ceiling time.Duration) func(attempt int) time.Duration {
	return func(attempt int) time.Duration {
		d := base << min(max(attempt-1, 0), 30)
		if ceiling > 0 && (d > ceiling || d <= 0) {
			return ceiling
		}
		return d
	}
}

// RetryMiddleware retries a callback before its outcome reaches the ledger.
// The sweep retries FAILED records independently of this.
func RetryMiddleware(cfg RetryConfig) Middleware {
	attempts := max(cfg.MaxAttempts, 1)
	return func(next Callback) Callback {
		return func(ctx context.Context, msg *Message) error {
			err := next(ctx, msg)
			for attempt := 1; err != nil && attempt < attempts; attempt++ {
				if ctx.Err() != nil || (cfg.RetryIf != nil && !cfg.RetryIf(err)) {
					return err
				}
				if cfg.OnRetry != nil {
					cfg.OnRetry(msg, attempt, err)
				}
				if d := cfg.wait(attempt); d > 0 {
					t := time.NewTimer(d)
					select {
					case <-ctx.Done():
						t.Stop()
						return err
					case <-t.C:
					}
				}
				err = next(ctx, msg)
			}
			return err
		}
	}
}

// TimeoutMiddleware stops waiting on a callback after d and returns the
// context error. The callback keeps running with a cancelled context.
func TimeoutMiddleware(d time.Duration) Middleware {
	return func(next Callback) Callback {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, msg *Message) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			res := make(chan error, 1)
			go func() {
				res <- RecoveryMiddleware()(next)(ctx, msg)
			}()
			select {
			case err := <-res:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// RecoveryMiddleware turns a callback panic into an error wrapping
// ErrCallbackPanic.
func RecoveryMiddleware() Middleware {
	return func(next Callback) Callback {
		return func(ctx context.Context, msg *Message) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = panicError(r)
				}
			}()
			return next(ctx, msg)
		}
	}
}

// LoggingMiddleware logs every callback invocation at debug level, and
// failures at warn.
func LoggingMiddleware(l *zerolog.Logger) Middleware {
	return func(next Callback) Callback {
		if l == nil {
			return next
		}
		return func(ctx context.Context, msg *Message) error {
			start := time.Now()
			err := next(ctx, msg)

			ev := l.Debug()
			if err != nil {
				ev = l.Warn().Err(err)
			}
			if id, ok := SubscriptionIDFromContext(ctx); ok {
				ev = ev.Str("subscription_id", id)
			}
			ev.Str("message_id", msg.ID).
				Str("message_type", string(msg.Type)).
				Dur("dur", time.Since(start)).
				Msg("xdispatch: callback done")
			return err
		}
	}
}

// Chain wraps h so that mws[0] runs first. Nil entries are skipped.
func Chain(h Callback, mws ...Middleware) Callback {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			h = mws[i](h)
		}
	}
	return h
}
