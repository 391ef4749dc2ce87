package xdispatch

import (
	"github.com/rs/zerolog"
)

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver is an Adapter that emits dispatcher events via zerolog.
type LoggingObserver struct {
	Logger *zerolog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	var ev *zerolog.Event
	switch e.Type {
	case EventError, EventDropped, EventBatchFailed, EventDeliveryFailed, EventExpired:
		ev = o.Logger.Warn().Err(e.Err)
	default:
		ev = o.Logger.Debug()
	}
	ev = ev.Str("type", string(e.Type))
	if e.MessageID != "" {
		ev = ev.Str("message_id", e.MessageID)
	}
	if e.MessageType != "" {
		ev = ev.Str("message_type", string(e.MessageType))
	}
	if e.SubscriptionID != "" {
		ev = ev.Str("subscription_id", e.SubscriptionID)
	}
	if e.BatchID != "" {
		ev = ev.Str("batch_id", e.BatchID).Int("count", e.Count)
	}
	if e.Duration > 0 {
		ev = ev.Dur("duration", e.Duration)
	}
	ev.Msg("xdispatch event")
}
