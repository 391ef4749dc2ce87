package redisstream

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xdispatch"
)

// testGateway returns a gateway backed by an in-process Redis.
func testGateway(t *testing.T) (*Gateway, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := Defaults()
	cfg.Addr = mr.Addr()
	cfg.Group = "test-group"
	cfg.Consumer = "test-consumer"
	cfg.Block = 50 * time.Millisecond

	gw, err := NewGateway(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Close(context.Background()) })

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return gw, client
}

func contextMsg(contextID string) *xdispatch.Message {
	msg := xdispatch.NewContextMessage(xdispatch.ContextUpdate, contextID, map[string]any{"health": 0.9})
	msg.Source = "apollo"
	msg.Timestamp = time.Now()
	return msg
}

func TestEncodeDecode_PreservesMessage(t *testing.T) {
	codec := xdispatch.JSONCodec{}
	msg := contextMsg("ctx1").WithPriority(xdispatch.PriorityHigh).WithMetadata(map[string]any{"trace": "abc"})

	vals, err := encodeMessage(codec, msg, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, "batch-1", vals[fieldBatchID])

	// Redis hands values back as strings.
	wire := make(map[string]any, len(vals))
	for k, v := range vals {
		wire[k] = asString(v)
	}
	got, err := decodeMessage(codec, "1-0", wire)
	require.NoError(t, err)

	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, msg.Type, got.Type)
	assert.Equal(t, xdispatch.PriorityHigh, got.Priority)
	assert.Equal(t, "apollo", got.Source)
	assert.Equal(t, msg.Timestamp.UnixNano(), got.Timestamp.UnixNano())
	assert.Equal(t, "ctx1", got.Payload["context_id"])
	assert.Equal(t, 0.9, got.Payload["health"])
	assert.Equal(t, "abc", got.Metadata["trace"])
}

func TestDecode_RejectsEntryWithoutType(t *testing.T) {
	_, err := decodeMessage(xdispatch.JSONCodec{}, "1-0", map[string]any{fieldID: "x"})
	assert.Error(t, err)
}

func TestSendMessage_WritesTypeStream(t *testing.T) {
	gw, client := testGateway(t)
	ctx := context.Background()

	require.NoError(t, gw.SendMessage(ctx, contextMsg("ctx1")))

	n, err := client.XLen(ctx, gw.StreamKey(xdispatch.ContextUpdate)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, uint64(1), gw.Stats().Sent)
}

func TestSendBatch_WritesEveryMessage(t *testing.T) {
	gw, client := testGateway(t)
	ctx := context.Background()

	budget := xdispatch.NewBudgetMessage(xdispatch.BudgetAlert, "ctx1", "rhetor", map[string]any{"remaining": 10})
	batch := &xdispatch.MessageBatch{
		ID:       "b1",
		Source:   "apollo",
		Messages: []*xdispatch.Message{contextMsg("ctx1"), contextMsg("ctx2"), budget},
	}
	require.NoError(t, gw.SendBatch(ctx, batch))

	n, err := client.XLen(ctx, gw.StreamKey(xdispatch.ContextUpdate)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = client.XLen(ctx, gw.StreamKey(xdispatch.BudgetAlert)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	entries, err := client.XRange(ctx, gw.StreamKey(xdispatch.BudgetAlert), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "b1", entries[0].Values[fieldBatchID])

	stats := gw.Stats()
	assert.Equal(t, uint64(1), stats.Batches)
	assert.Equal(t, uint64(3), stats.Sent)
}

func TestSendBatch_Empty(t *testing.T) {
	gw, _ := testGateway(t)
	assert.NoError(t, gw.SendBatch(context.Background(), &xdispatch.MessageBatch{ID: "empty"}))
	assert.Equal(t, uint64(0), gw.Stats().Batches)
}

func TestSubscribe_StoresSubscription(t *testing.T) {
	gw, client := testGateway(t)
	ctx := context.Background()

	id, err := gw.Subscribe(ctx, xdispatch.RemoteSubscription{
		Component:        "apollo",
		MessageTypes:     []xdispatch.MessageType{xdispatch.ContextUpdate},
		FilterExpression: "context_id=ctx1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	exists, err := client.HExists(ctx, gw.SubscriptionsKey(), id).Result()
	require.NoError(t, err)
	assert.True(t, exists)

	subs, err := gw.Subscriptions(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, id, subs[0].ID)
	assert.Equal(t, "context_id=ctx1", subs[0].FilterExpression)

	// the consumer group exists once the subscription is stored
	pending, err := client.XPending(ctx, gw.StreamKey(xdispatch.ContextUpdate), "test-group").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestSubscribe_RejectsBadFilter(t *testing.T) {
	gw, _ := testGateway(t)
	_, err := gw.Subscribe(context.Background(), xdispatch.RemoteSubscription{
		MessageTypes:     []xdispatch.MessageType{xdispatch.ContextUpdate},
		FilterExpression: "no operator here",
	})
	var fe *xdispatch.FilterError
	assert.ErrorAs(t, err, &fe)
}

func TestUnsubscribe(t *testing.T) {
	gw, client := testGateway(t)
	ctx := context.Background()

	id, err := gw.Subscribe(ctx, xdispatch.RemoteSubscription{
		MessageTypes: []xdispatch.MessageType{xdispatch.Alert},
		CallbackURL:  "http://rhetor/callback",
	})
	require.NoError(t, err)

	require.NoError(t, gw.Unsubscribe(ctx, id))
	exists, err := client.HExists(ctx, gw.SubscriptionsKey(), id).Result()
	require.NoError(t, err)
	assert.False(t, exists)

	assert.ErrorIs(t, gw.Unsubscribe(ctx, id), xdispatch.ErrSubscriptionNotFound)
}

func TestBindInbound_DeliversMatchingEntries(t *testing.T) {
	gw, _ := testGateway(t)
	ctx := context.Background()

	_, err := gw.Subscribe(ctx, xdispatch.RemoteSubscription{
		MessageTypes:     []xdispatch.MessageType{xdispatch.ContextUpdate},
		FilterExpression: "context_id=ctx1",
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var got []*xdispatch.Message
	gw.BindInbound(func(_ context.Context, msg *xdispatch.Message) error {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
		return nil
	})

	want := contextMsg("ctx1")
	require.NoError(t, gw.SendMessage(ctx, want))
	require.NoError(t, gw.SendMessage(ctx, contextMsg("ctx2")))

	require.Eventually(t, func() bool {
		return gw.Stats().Acked == 2
	}, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, want.ID, got[0].ID)
	assert.Equal(t, uint64(1), gw.Stats().Skipped)
}

func TestBindInbound_RefusedEntryStaysPending(t *testing.T) {
	gw, client := testGateway(t)
	ctx := context.Background()

	_, err := gw.Subscribe(ctx, xdispatch.RemoteSubscription{
		MessageTypes: []xdispatch.MessageType{xdispatch.Heartbeat},
	})
	require.NoError(t, err)

	var calls atomic.Int32
	gw.BindInbound(func(context.Context, *xdispatch.Message) error {
		calls.Add(1)
		return xdispatch.ErrQueueFull
	})
	require.NoError(t, gw.SendMessage(ctx, xdispatch.NewMessage(xdispatch.Heartbeat, nil)))

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 3*time.Second, 20*time.Millisecond)

	pending, err := client.XPending(ctx, gw.StreamKey(xdispatch.Heartbeat), "test-group").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count)
	assert.Equal(t, uint64(0), gw.Stats().Acked)
}

func TestDispatcher_RoundTripThroughRedis(t *testing.T) {
	gw, _ := testGateway(t)
	ctx := context.Background()

	d, err := xdispatch.NewDispatcherBuilder().
		WithGatewayInstance(gw).
		WithComponentName("apollo").
		WithBatchSize(2).
		WithBatchInterval(50 * time.Millisecond).
		WithoutSnapshot().
		Build()
	require.NoError(t, err)

	received := make(chan *xdispatch.Message, 4)
	_, err = d.SubscribeRemote(ctx, xdispatch.RemoteSubscription{
		MessageTypes:     []xdispatch.MessageType{xdispatch.ContextUpdate},
		FilterExpression: "context_id=ctx1",
	}, func(_ context.Context, msg *xdispatch.Message) error {
		received <- msg
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, d.Start(ctx))
	defer d.Close(ctx)

	msg := contextMsg("ctx1")
	require.NoError(t, d.Send(ctx, msg))
	require.NoError(t, d.Send(ctx, contextMsg("ctx2")))

	select {
	case got := <-received:
		assert.Equal(t, msg.ID, got.ID)
		assert.Equal(t, "apollo", got.Source)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for bus delivery")
	}

	select {
	case extra := <-received:
		t.Fatalf("unexpected delivery of %s", extra.ID)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestConfigFromMap(t *testing.T) {
	cfg := ConfigFromMap(map[string]any{
		"addr":           "redis:6379",
		"group":          "apollo",
		"block":          "2s",
		"claim_min_idle": time.Minute,
		"batch_size":     64,
	})
	assert.Equal(t, "redis:6379", cfg.Addr)
	assert.Equal(t, "apollo", cfg.Group)
	assert.Equal(t, 2*time.Second, cfg.Block)
	assert.Equal(t, time.Minute, cfg.ClaimMinIdle)
	assert.Equal(t, 64, cfg.BatchSize)
	assert.Equal(t, "xdispatch:", cfg.Prefix)
	assert.NoError(t, cfg.Validate())

	cfg.Group = ""
	assert.Error(t, cfg.Validate())
}

func TestGatewayRegistered(t *testing.T) {
	assert.Contains(t, xdispatch.Gateways(), GatewayName)
}
