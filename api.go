package xdispatch

import (
	"context"
)

// Callback processes one delivered message for a subscription. A returned
// error (or a panic) marks the delivery FAILED.
type Callback func(ctx context.Context, msg *Message) error

// Middleware composes processing concerns around a Callback.
type Middleware func(next Callback) Callback

// Validator decides whether an inbound message may be fanned out. Returning
// false drops the message without creating delivery records.
type Validator func(ctx context.Context, msg *Message, vc ValidationContext) bool

// Gateway is the Strategy interface for the remote message bus. Transport,
// wire format and connection retries are its concern, not the dispatcher's.
type Gateway interface {
	// SendMessage delivers a single message to the bus.
	SendMessage(ctx context.Context, msg *Message) error
	// SendBatch delivers a batch. A nil error means every message was accepted;
	// any error means none was.
	SendBatch(ctx context.Context, batch *MessageBatch) error
	// Subscribe registers sub with the bus and returns its opaque id.
	Subscribe(ctx context.Context, sub RemoteSubscription) (string, error)
	// Unsubscribe removes a registration created by Subscribe.
	Unsubscribe(ctx context.Context, id string) error
	// Close releases resources.
	Close(ctx context.Context) error
}

// InboundBinder is implemented by gateways that push bus deliveries into
// the process. The dispatcher binds its Receive method on Start.
type InboundBinder interface {
	BindInbound(receive func(ctx context.Context, msg *Message) error)
}

// Snapshotter persists a diagnostic copy of the delivery ledger.
type Snapshotter interface {
	// Save stores records keyed by RecordKey and returns where they went.
	Save(ctx context.Context, records map[string]DeliveryRecord) (string, error)
}

// Observer receives dispatcher lifecycle events. Implementations should be non-blocking.
type Observer interface {
	OnEvent(e Event)
}

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// API represents the complete dispatcher surface.
type API interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg *Message) error
	SendNow(ctx context.Context, msg *Message) error
	Receive(ctx context.Context, msg *Message) error
	SubscribeLocal(types []MessageType, cb Callback, filterExpr string) (string, error)
	UnsubscribeLocal(id string) bool
	SubscribeRemote(ctx context.Context, sub RemoteSubscription, cb Callback) (string, error)
	UnsubscribeRemote(ctx context.Context, id string) (bool, error)
	RegisterCallback(t MessageType, cb Callback) error
	QueueStats() QueueStats
	DeliveryStats() DeliveryStats
	GetMetrics() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}

var (
	_ API           = (*Dispatcher)(nil)
	_ HealthChecker = (*Dispatcher)(nil)
)
