package memory

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xdispatch"
)

// Use builds a Dispatcher over the in-memory gateway.
// Mirrors redisstream.Use: explicit construction, panics on invalid setup.
//
// Example:
//
//	d := memory.Use(memory.Config{
//	    BufferSize:  4096,
//	    Concurrency: 2,
//	    Loopback:    true,
//	},
//	    memory.WithLogger(logger),
//	    memory.WithBatching(10, time.Second),
//	)
//	gw := d.Gateway().(*memory.Gateway)
func Use(cfg Config, opts ...Option) *xdispatch.Dispatcher {
	db := xdispatch.NewDispatcherBuilder().
		WithGateway(GatewayName, cfg.toMap())

	for _, o := range opts {
		if o != nil {
			o(db)
		}
	}

	d, err := db.Build()
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}
	return d
}

// toMap converts Config to the generic map expected by the gateway factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"buffer_size":      c.BufferSize,
		"concurrency":      c.Concurrency,
		"loopback":         c.Loopback,
		"redelivery_delay": c.RedeliveryDelay,
	}
}

// Option configures the xdispatch.Dispatcher when calling Use.
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

// WithMiddleware adds callback middlewares (retry, timeout, etc).
func WithMiddleware(mw ...xdispatch.Middleware) Option {
	return func(b *xdispatch.DispatcherBuilder) { b.WithMiddleware(mw...) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xdispatch.Observer) Option {
	return func(b *xdispatch.DispatcherBuilder) { b.WithObserver(obs...) }
}

// WithRemoteCallback sets the callback for bus deliveries of remote subscriptions.
func WithRemoteCallback(cb xdispatch.Callback) Option {
	return func(b *xdispatch.DispatcherBuilder) { b.WithRemoteCallback(cb) }
}

// WithoutSnapshot disables the ledger snapshot on Stop.
func WithoutSnapshot() Option {
	return func(b *xdispatch.DispatcherBuilder) { b.WithoutSnapshot() }
}
