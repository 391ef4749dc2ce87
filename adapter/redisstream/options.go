package redisstream

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xdispatch"
)

// Option configures the xdispatch.Dispatcher construction when calling Use.
type Option func(*xdispatch.DispatcherBuilder)

// WithLogger injects a custom zerolog logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(b *xdispatch.DispatcherBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *xdispatch.DispatcherBuilder) { b.WithClock(c) }
}

// WithComponentName sets the source stamped on outgoing messages.
func WithComponentName(name string) Option {
	return func(b *xdispatch.DispatcherBuilder) { b.WithComponentName(name) }
}

// WithBatching sets the batch size and flush interval.
func WithBatching(size int, interval time.Duration) Option {
	return func(b *xdispatch.DispatcherBuilder) { b.WithBatchSize(size).WithBatchInterval(interval) }
}

// WithMiddleware adds callback middlewares.
func WithMiddleware(mw ...xdispatch.Middleware) Option {
	return func(b *xdispatch.DispatcherBuilder) { b.WithMiddleware(mw...) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xdispatch.Observer) Option {
	return func(b *xdispatch.DispatcherBuilder) { b.WithObserver(obs...) }
}

// WithValidator installs the inbound validation hook.
func WithValidator(v xdispatch.Validator) Option {
	return func(b *xdispatch.DispatcherBuilder) { b.WithValidator(v) }
}

// WithRemoteCallback sets the callback for bus deliveries of remote subscriptions.
func WithRemoteCallback(cb xdispatch.Callback) Option {
	return func(b *xdispatch.DispatcherBuilder) { b.WithRemoteCallback(cb) }
}

// WithSnapshotter replaces the default file snapshotter.
func WithSnapshotter(s xdispatch.Snapshotter) Option {
	return func(b *xdispatch.DispatcherBuilder) { b.WithSnapshotter(s) }
}
