package xdispatch

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/trickstertwo/xclock"
)

// ctxKey is the base for all context keys in xdispatch (prevents collisions).
type ctxKey string

const (
	loggerCtxKey       ctxKey = "xdispatch:logger"
	clockCtxKey        ctxKey = "xdispatch:clock"
	componentCtxKey    ctxKey = "xdispatch:component"
	subscriptionCtxKey ctxKey = "xdispatch:subscription"
	codecCtxKey        ctxKey = "xdispatch:codec"
)

func injectCodec(ctx context.Context, c Codec) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, codecCtxKey, c)
}

// CodecFromContext returns the dispatcher codec injected into callback contexts.
func CodecFromContext(ctx context.Context) (Codec, bool) {
	if v := ctx.Value(codecCtxKey); v != nil {
		if c, ok := v.(Codec); ok && c != nil {
			return c, true
		}
	}
	return nil, false
}

// Decode converts msg.Payload into T with the codec found in ctx, falling
// back to JSON.
func Decode[T any](ctx context.Context, msg *Message) (T, error) {
	c, _ := CodecFromContext(ctx)
	return DecodePayload[T](c, msg)
}

func injectLogger(ctx context.Context, l *zerolog.Logger) context.Context {
	if l == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerCtxKey, l)
}

// LoggerFromContext returns the dispatcher logger injected into callback contexts.
func LoggerFromContext(ctx context.Context) (*zerolog.Logger, bool) {
	if v := ctx.Value(loggerCtxKey); v != nil {
		if l, ok := v.(*zerolog.Logger); ok && l != nil {
			return l, true
		}
	}
	return nil, false
}

func injectClock(ctx context.Context, c xclock.Clock) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, clockCtxKey, c)
}

func ClockFromContext(ctx context.Context) (xclock.Clock, bool) {
	if v := ctx.Value(clockCtxKey); v != nil {
		if c, ok := v.(xclock.Clock); ok && c != nil {
			return c, true
		}
	}
	return nil, false
}

func injectComponent(ctx context.Context, name string) context.Context {
	if name == "" {
		return ctx
	}
	return context.WithValue(ctx, componentCtxKey, name)
}

// ComponentFromContext returns the name of the dispatching component.
func ComponentFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(componentCtxKey).(string)
	return s, ok && s != ""
}

func withSubscriptionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, subscriptionCtxKey, id)
}

// SubscriptionIDFromContext returns the id of the subscription a callback runs for.
func SubscriptionIDFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(subscriptionCtxKey).(string)
	return s, ok && s != ""
}

// InjectAll is a convenience helper to inject all standard dependencies.
func InjectAll(ctx context.Context, codec Codec, logger *zerolog.Logger, clock xclock.Clock, component string) context.Context {
	ctx = injectCodec(ctx, codec)
	ctx = injectLogger(ctx, logger)
	ctx = injectClock(ctx, clock)
	ctx = injectComponent(ctx, component)
	return ctx
}
