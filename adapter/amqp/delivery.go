package amqp

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/trickstertwo/xdispatch"
)

// Header keys carried next to the AMQP properties.
const (
	headerPriority = "x-xdispatch-priority"
	headerBatchID  = "x-xdispatch-batch-id"
)

// envelope is the body of every publishing.
type envelope struct {
	Payload  map[string]any `json:"payload"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// encodeMessage turns msg into a publishing. The exact priority travels in a
// header; the AMQP priority property is clamped to the 0-9 range brokers honor.
func encodeMessage(codec xdispatch.Codec, msg *xdispatch.Message, batchID string) (amqp.Publishing, error) {
	body, err := codec.Marshal(envelope{Payload: msg.Payload, Metadata: msg.Metadata})
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("amqp: encode %s: %w", msg.ID, err)
	}

	headers := amqp.Table{headerPriority: int32(msg.Priority)}
	if batchID != "" {
		headers[headerBatchID] = batchID
	}

	return amqp.Publishing{
		Headers:      headers,
		ContentType:  codec.ContentType(),
		DeliveryMode: amqp.Persistent,
		Priority:     uint8(min(max(int(msg.Priority), 0), 9)),
		MessageId:    msg.ID,
		Timestamp:    msg.Timestamp,
		Type:         string(msg.Type),
		AppId:        msg.Source,
		Body:         body,
	}, nil
}

// decodeDelivery rebuilds a Message from a delivery.
func decodeDelivery(codec xdispatch.Codec, d amqp.Delivery) (*xdispatch.Message, error) {
	msgType := d.Type
	if msgType == "" {
		msgType = d.RoutingKey
	}
	if msgType == "" {
		return nil, fmt.Errorf("amqp: delivery %d has no message type", d.DeliveryTag)
	}

	var env envelope
	if len(d.Body) > 0 {
		if err := codec.Unmarshal(d.Body, &env); err != nil {
			return nil, fmt.Errorf("amqp: decode %s: %w", d.MessageId, err)
		}
	}

	msg := &xdispatch.Message{
		ID:        d.MessageId,
		Type:      xdispatch.MessageType(msgType),
		Priority:  xdispatch.PriorityNormal,
		Source:    d.AppId,
		Timestamp: d.Timestamp,
		Payload:   env.Payload,
		Metadata:  env.Metadata,
	}
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("amqp-%d", d.DeliveryTag)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if p, ok := headerInt(d.Headers, headerPriority); ok {
		msg.Priority = xdispatch.Priority(p)
	}
	if msg.Payload == nil {
		msg.Payload = map[string]any{}
	}
	if msg.Metadata == nil {
		msg.Metadata = map[string]any{}
	}
	return msg, nil
}

func headerInt(h amqp.Table, key string) (int64, bool) {
	switch v := h[key].(type) {
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case int16:
		return int64(v), true
	case int8:
		return int64(v), true
	case uint8:
		return int64(v), true
	case int:
		return int64(v), true
	}
	return 0, false
}
