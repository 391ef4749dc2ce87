package xdispatch

import (
	"time"
)

// EventType enumerates dispatcher lifecycle events for the Observer pattern.
type EventType string

const (
	EventEnqueued       EventType = "enqueued"
	EventDropped        EventType = "dropped"
	EventBatchFlushed   EventType = "batch_flushed"
	EventBatchFailed    EventType = "batch_failed"
	EventRequeued       EventType = "requeued"
	EventReceived       EventType = "received"
	EventRejected       EventType = "rejected"
	EventUnmatched      EventType = "unmatched"
	EventDelivered      EventType = "delivered"
	EventDeliveryFailed EventType = "delivery_failed"
	EventRetried        EventType = "retried"
	EventExpired        EventType = "expired"
	EventEvicted        EventType = "evicted"
	EventError          EventType = "error"
)

// Event carries telemetry for observers.
type Event struct {
	Type           EventType
	MessageID      string
	MessageType    MessageType
	SubscriptionID string
	BatchID        string
	Count          int
	Duration       time.Duration
	Err            error
}
