package redisstream

// Field constants (avoid typos/allocs)
const (
	fieldID        = "id"
	fieldType      = "type"
	fieldPriority  = "priority"
	fieldSource    = "source"
	fieldTimestamp = "ts"       // int64 ns
	fieldPayload   = "payload"  // codec-encoded map
	fieldMetadata  = "metadata" // codec-encoded map
	fieldBatchID   = "batch_id"
)

// Key suffixes under Config.Prefix.
const (
	streamSegment   = "stream:"
	subscriptionKey = "subscriptions"
)
