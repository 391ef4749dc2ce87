package amqp

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xdispatch"
)

const GatewayName = "amqp"

func init() {
	if err := xdispatch.RegisterGateway(GatewayName, func(cfg map[string]any) (xdispatch.Gateway, error) {
		return NewGateway(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xdispatch: failed to register gateway %q: %w", GatewayName, err))
	}
}

// Use builds a Dispatcher over RabbitMQ. It panics when the broker is
// unreachable or the setup is invalid.
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
		panic(fmt.Errorf("amqp.Use: %w", err))
	}
	return d
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

// WithMiddleware adds callback middlewares.
func WithMiddleware(mw ...xdispatch.Middleware) Option {
	return func(b *xdispatch.DispatcherBuilder) { b.WithMiddleware(mw...) }
}

// WithRemoteCallback sets the callback for bus deliveries of remote subscriptions.
func WithRemoteCallback(cb xdispatch.Callback) Option {
	return func(b *xdispatch.DispatcherBuilder) { b.WithRemoteCallback(cb) }
}
