package xdispatch

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoveryMiddleware_ConvertsPanic(t *testing.T) {
	cb := RecoveryMiddleware()(func(context.Context, *Message) error {
		panic("boom")
	})
	err := cb(context.Background(), NewMessage(Alert, nil))
	require.ErrorIs(t, err, ErrCallbackPanic)
	assert.Contains(t, err.Error(), "boom")

	sentinel := errors.New("sentinel")
	cb = RecoveryMiddleware()(func(context.Context, *Message) error {
		panic(sentinel)
	})
	err = cb(context.Background(), NewMessage(Alert, nil))
	assert.ErrorIs(t, err, ErrCallbackPanic)
	assert.ErrorIs(t, err, sentinel)
}

func TestRetryMiddleware_RetriesUntilSuccess(t *testing.T) {
	attempts := 0
	cb := RetryMiddleware(RetryConfig{MaxAttempts: 3})(func(context.Context, *Message) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	assert.NoError(t, cb(context.Background(), NewMessage(Alert, nil)))
	assert.Equal(t, 3, attempts)
}

func TestRetryMiddleware_RespectsRetryIf(t *testing.T) {
	permanent := errors.New("permanent")
	attempts := 0
	cb := RetryMiddleware(RetryConfig{
		MaxAttempts: 5,
		Backoff:     func(int) time.Duration { return time.Millisecond },
		RetryIf:     func(err error) bool { return !errors.Is(err, permanent) },
	})(func(context.Context, *Message) error {
		attempts++
		return permanent
	})
	assert.ErrorIs(t, cb(context.Background(), NewMessage(Alert, nil)), permanent)
	assert.Equal(t, 1, attempts)
}

func TestRetryMiddleware_OnRetryAndBackoff(t *testing.T) {
	var retried []int
	calls := 0
	cb := RetryMiddleware(RetryConfig{
		MaxAttempts: 3,
		Backoff:     ExponentialBackoff(time.Millisecond, 0),
		OnRetry:     func(_ *Message, attempt int, _ error) { retried = append(retried, attempt) },
	})(func(context.Context, *Message) error {
		calls++
		return errors.New("down")
	})
	assert.Error(t, cb(context.Background(), NewMessage(Alert, nil)))
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestExponentialBackoff(t *testing.T) {
	b := ExponentialBackoff(50*time.Millisecond, 300*time.Millisecond)
	assert.Equal(t, 50*time.Millisecond, b(1))
	assert.Equal(t, 100*time.Millisecond, b(2))
	assert.Equal(t, 200*time.Millisecond, b(3))
	assert.Equal(t, 300*time.Millisecond, b(4))
	assert.Equal(t, 300*time.Millisecond, b(40))
	assert.Equal(t, 50*time.Millisecond, b(0))
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(&buf).Level(zerolog.DebugLevel)

	cb := LoggingMiddleware(&l)(func(context.Context, *Message) error { return errors.New("nope") })
	ctx := withSubscriptionID(context.Background(), "sub-1")
	assert.Error(t, cb(ctx, NewMessage(Alert, nil)))

	out := buf.String()
	assert.Contains(t, out, `"level":"warn"`)
	assert.Contains(t, out, `"subscription_id":"sub-1"`)
	assert.Contains(t, out, `"message_type":"ALERT"`)

	assert.NoError(t, LoggingMiddleware(nil)(nopCallback)(ctx, NewMessage(Alert, nil)))
}

func TestTimeoutMiddleware(t *testing.T) {
	slow := TimeoutMiddleware(20 * time.Millisecond)(func(ctx context.Context, _ *Message) error {
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
		}
		return nil
	})
	assert.ErrorIs(t, slow(context.Background(), NewMessage(Alert, nil)), context.DeadlineExceeded)

	fast := TimeoutMiddleware(time.Second)(nopCallback)
	assert.NoError(t, fast(context.Background(), NewMessage(Alert, nil)))

	panicky := TimeoutMiddleware(time.Second)(func(context.Context, *Message) error { panic("x") })
	assert.ErrorIs(t, panicky(context.Background(), NewMessage(Alert, nil)), ErrCallbackPanic)
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next Callback) Callback {
			return func(ctx context.Context, msg *Message) error {
				order = append(order, name)
				return next(ctx, msg)
			}
		}
	}
	h := Chain(func(context.Context, *Message) error {
		order = append(order, "handler")
		return nil
	}, mw("first"), nil, mw("second"))

	require.NoError(t, h(context.Background(), NewMessage(Alert, nil)))
	assert.Equal(t, []string{"first", "second", "handler"}, order)
}
