package xdispatch

import (
	"time"
)

// RemoteSubscription mirrors a registration held by the bus on this
// component's behalf. With an empty CallbackURL the bus pushes matching
// messages back to this process, where a shadow local subscription fans them out.
type RemoteSubscription struct {
	ID               string        `json:"subscription_id,omitempty"`
	Component        string        `json:"component"`
	MessageTypes     []MessageType `json:"message_types"`
	FilterExpression string        `json:"filter_expression,omitempty"`
	CallbackURL      string        `json:"callback_url,omitempty"`
}

// DeliveryStatus is the state of one (message, subscription) delivery.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
	StatusExpired   DeliveryStatus = "expired"
)

// Terminal reports whether no automatic transition leaves the status.
func (s DeliveryStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusExpired
}

// DeliveryRecord audits the delivery of one message to one subscription.
type DeliveryRecord struct {
	MessageID      string         `json:"message_id"`
	SubscriptionID string         `json:"subscription_id"`
	Status         DeliveryStatus `json:"status"`
	AttemptCount   int            `json:"attempt_count"`
	LastAttempt    time.Time      `json:"last_attempt"`
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty"`
	Error          string         `json:"error_message,omitempty"`
}

// RecordKey is the ledger and snapshot key of a delivery record.
func RecordKey(messageID, subscriptionID string) string {
	return messageID + ":" + subscriptionID
}

// ValidationContext is passed to the Validator for every inbound message.
type ValidationContext struct {
	ComponentName string
	MessageType   MessageType
}

// QueueStats reports queue and table occupancy.
type QueueStats struct {
	OutboundQueueSize    int `json:"outbound_queue_size"`
	OutboundQueueMaxSize int `json:"outbound_queue_max_size"`
	InboundQueueSize     int `json:"inbound_queue_size"`
	InboundQueueMaxSize  int `json:"inbound_queue_max_size"`
	CurrentBatchSize     int `json:"current_batch_size"`
	BatchSizeLimit       int `json:"batch_size_limit"`
	DeliveryRecordsCount int `json:"delivery_records_count"`
	LocalSubscriptions   int `json:"local_subscriptions_count"`
	RemoteSubscriptions  int `json:"remote_subscriptions_count"`
}

// DeliveryStats counts ledger records per status.
type DeliveryStats map[DeliveryStatus]int

// PoolStats returns telemetry about the observer pool.
type PoolStats struct {
	Dropped      uint64 // Events dropped due to full buffer
	Processed    uint64 // Events dispatched to their observers
	Panicked     uint64 // Observer calls that panicked
	ActiveEvents int    // Current queue depth
	Workers      int    // Number of dispatch goroutines
	BufferSize   int    // Channel capacity
}

// Metrics defines observable telemetry for the dispatcher.
type Metrics struct {
	Sent           uint64
	Received       uint64
	Dropped        uint64
	BatchesSent    uint64
	BatchesFailed  uint64
	Requeued       uint64
	Rejected       uint64
	Delivered      uint64
	DeliveryFailed uint64
	Expired        uint64
	Evicted        uint64
	EventsDropped  uint64
	AvgFlushTimeMs float64
}

// HealthStatus indicates dispatcher health for probes.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Metrics   Metrics
	Timestamp time.Time
	Message   string
}
