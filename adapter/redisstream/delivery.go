package redisstream

import (
	"fmt"
	"strconv"
	"time"

	"github.com/trickstertwo/xdispatch"
)

// encodeMessage flattens msg into XADD values. Payload and metadata are
// encoded with codec; the other fields are stored as plain strings.
func encodeMessage(codec xdispatch.Codec, msg *xdispatch.Message, batchID string) (map[string]any, error) {
	vals := make(map[string]any, 8)
	vals[fieldID] = msg.ID
	vals[fieldType] = string(msg.Type)
	vals[fieldPriority] = int(msg.Priority)
	vals[fieldSource] = msg.Source
	vals[fieldTimestamp] = msg.Timestamp.UnixNano()

	payload, err := codec.Marshal(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("redisstream: encode payload of %s: %w", msg.ID, err)
	}
	vals[fieldPayload] = payload

	if len(msg.Metadata) > 0 {
		md, err := codec.Marshal(msg.Metadata)
		if err != nil {
			return nil, fmt.Errorf("redisstream: encode metadata of %s: %w", msg.ID, err)
		}
		vals[fieldMetadata] = md
	}
	if batchID != "" {
		vals[fieldBatchID] = batchID
	}
	return vals, nil
}

// decodeMessage reconstructs a Message from Redis stream entry values.
// entryID is used when the entry carries no message id.
func decodeMessage(codec xdispatch.Codec, entryID string, vals map[string]any) (*xdispatch.Message, error) {
	msg := &xdispatch.Message{
		ID:       asString(vals[fieldID]),
		Type:     xdispatch.MessageType(asString(vals[fieldType])),
		Priority: xdispatch.PriorityNormal,
		Source:   asString(vals[fieldSource]),
	}
	if msg.ID == "" {
		msg.ID = entryID
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("redisstream: entry %s has no message type", entryID)
	}

	if p, ok := toInt64(vals[fieldPriority]); ok {
		msg.Priority = xdispatch.Priority(p)
	}
	if ns, ok := toInt64(vals[fieldTimestamp]); ok && ns > 0 {
		msg.Timestamp = time.Unix(0, ns)
	}

	if raw := asBytes(vals[fieldPayload]); len(raw) > 0 {
		if err := codec.Unmarshal(raw, &msg.Payload); err != nil {
			return nil, fmt.Errorf("redisstream: decode payload of %s: %w", entryID, err)
		}
	}
	if msg.Payload == nil {
		msg.Payload = map[string]any{}
	}
	if raw := asBytes(vals[fieldMetadata]); len(raw) > 0 {
		if err := codec.Unmarshal(raw, &msg.Metadata); err != nil {
			return nil, fmt.Errorf("redisstream: decode metadata of %s: %w", entryID, err)
		}
	}
	if msg.Metadata == nil {
		msg.Metadata = map[string]any{}
	}
	return msg, nil
}

// Helper functions for type conversion

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func asBytes(v any) []byte {
	switch b := v.(type) {
	case []byte:
		return b
	case string:
		return []byte(b)
	}
	return nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		if n == "" {
			return 0, false
		}
		// Try integer parsing first (faster)
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
		// Fall back to float parsing for scientific notation
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return int64(f), true
		}
	case []byte:
		return toInt64(string(n))
	}
	return 0, false
}
