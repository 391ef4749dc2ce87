package redisstream

import (
	"fmt"

	"github.com/trickstertwo/xdispatch"
)

// Adapter: Redis Streams Gateway (Strategy + Adapter patterns)

const GatewayName = "redis-streams"

func init() {
	if err := xdispatch.RegisterGateway(GatewayName, func(cfg map[string]any) (xdispatch.Gateway, error) {
		return NewGateway(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xdispatch: failed to register gateway %q: %w", GatewayName, err))
	}
}

// Use builds a Dispatcher over Redis Streams and returns it.
//
// It fails fast by panicking if construction fails (production-friendly when
// Redis must be available at startup).
func Use(cfg Config, opts ...Option) *xdispatch.Dispatcher {
	// Prefer typed config; internally go through the factory with a map to avoid extra coupling.
	db := xdispatch.NewDispatcherBuilder().
		WithGateway(GatewayName, cfg.toMap())

	for _, o := range opts {
		if o != nil {
			o(db)
		}
	}
	d, err := db.Build()
	if err != nil {
		panic(fmt.Errorf("redisstream.Use: %w", err))
	}
	return d
}
