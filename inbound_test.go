package xdispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inboundFixture struct {
	subs   *SubscriptionTable
	ledger *DeliveryLedger
	pipe   *InboundPipeline
}

func newInboundFixture(queue int, validator Validator) *inboundFixture {
	subs := NewSubscriptionTable(nil, "apollo", ParseFilter, nil, nil)
	ledger := NewDeliveryLedger(LedgerConfig{MaxRetryCount: 3, HistoryLimit: 100}, nil, nil, nil, nil)
	pipe := NewInboundPipeline(InboundConfig{QueueLimit: queue, Component: "apollo"}, subs, ledger, validator, nil, nil, nil)
	return &inboundFixture{subs: subs, ledger: ledger, pipe: pipe}
}

func TestInbound_ContextFilterSelectsSubscription(t *testing.T) {
	f := newInboundFixture(10, nil)

	var mu sync.Mutex
	var got []string
	record := func(name string) Callback {
		return func(_ context.Context, msg *Message) error {
			mu.Lock()
			got = append(got, name+":"+msg.Payload["context_id"].(string))
			mu.Unlock()
			return nil
		}
	}
	s1, err := f.subs.SubscribeLocal([]MessageType{ContextUpdate}, record("a"), "context_id=ctx1")
	require.NoError(t, err)
	s2, err := f.subs.SubscribeLocal([]MessageType{ContextUpdate}, record("b"), "context_id=ctx2")
	require.NoError(t, err)

	m1 := NewContextMessage(ContextUpdate, "ctx1", nil)
	m2 := NewContextMessage(ContextUpdate, "ctx2", nil)
	assert.Equal(t, 1, f.pipe.HandleInbound(context.Background(), m1))
	assert.Equal(t, 1, f.pipe.HandleInbound(context.Background(), m2))

	assert.Equal(t, []string{"a:ctx1", "b:ctx2"}, got)

	r, ok := f.ledger.Get(m1.ID, s1)
	require.True(t, ok)
	assert.Equal(t, StatusDelivered, r.Status)
	_, ok = f.ledger.Get(m1.ID, s2)
	assert.False(t, ok, "no record for a subscription the filter excluded")
}

func TestInbound_CallbackFailureIsIsolated(t *testing.T) {
	f := newInboundFixture(10, nil)
	var calls []string

	bad, _ := f.subs.SubscribeLocal([]MessageType{Alert}, func(context.Context, *Message) error {
		calls = append(calls, "bad")
		panic("callback exploded")
	}, "")
	failing, _ := f.subs.SubscribeLocal([]MessageType{Alert}, func(context.Context, *Message) error {
		calls = append(calls, "failing")
		return errors.New("nope")
	}, "")
	good, _ := f.subs.SubscribeLocal([]MessageType{Alert}, func(context.Context, *Message) error {
		calls = append(calls, "good")
		return nil
	}, "")

	msg := NewMessage(Alert, nil)
	var n int
	require.NotPanics(t, func() { n = f.pipe.HandleInbound(context.Background(), msg) })
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"bad", "failing", "good"}, calls)

	r, _ := f.ledger.Get(msg.ID, bad)
	assert.Equal(t, StatusFailed, r.Status)
	assert.Contains(t, r.Error, "callback exploded")
	r, _ = f.ledger.Get(msg.ID, failing)
	assert.Equal(t, StatusFailed, r.Status)
	assert.Equal(t, "nope", r.Error)
	r, _ = f.ledger.Get(msg.ID, good)
	assert.Equal(t, StatusDelivered, r.Status)

	stats := f.pipe.Stats()
	assert.Equal(t, uint64(1), stats.Delivered)
	assert.Equal(t, uint64(2), stats.DeliveryFailed)
}

func TestInbound_UnmatchedCreatesNoRecords(t *testing.T) {
	f := newInboundFixture(10, nil)
	_, _ = f.subs.SubscribeLocal([]MessageType{Alert}, nopCallback, "")

	assert.Equal(t, 0, f.pipe.HandleInbound(context.Background(), NewMessage(Heartbeat, nil)))
	assert.Equal(t, 0, f.ledger.Len())
	assert.Equal(t, uint64(1), f.pipe.Stats().Unmatched)
}

func TestInbound_ValidatorRejects(t *testing.T) {
	var seen ValidationContext
	validator := func(_ context.Context, msg *Message, vc ValidationContext) bool {
		seen = vc
		return msg.Source == "trusted"
	}
	f := newInboundFixture(10, validator)
	delivered := make(chan string, 4)
	_, _ = f.subs.SubscribeLocal([]MessageType{Alert}, func(_ context.Context, msg *Message) error {
		delivered <- msg.ID
		return nil
	}, "")

	ctx := context.Background()
	f.pipe.Start(ctx)
	defer f.pipe.Stop()

	bad := NewMessage(Alert, nil).WithSource("mallory")
	good := NewMessage(Alert, nil).WithSource("trusted")
	require.NoError(t, f.pipe.Receive(bad))
	require.NoError(t, f.pipe.Receive(good))

	select {
	case id := <-delivered:
		assert.Equal(t, good.ID, id)
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
	assert.Equal(t, "apollo", seen.ComponentName)
	assert.Equal(t, Alert, seen.MessageType)
	assert.Equal(t, uint64(1), f.pipe.Stats().Rejected)
	_, ok := f.ledger.Get(bad.ID, "")
	assert.False(t, ok)
	assert.Equal(t, 1, f.ledger.Len())
}

func TestInbound_ValidatorPanicRejects(t *testing.T) {
	f := newInboundFixture(10, func(context.Context, *Message, ValidationContext) bool {
		panic("validator bug")
	})
	_, _ = f.subs.SubscribeLocal([]MessageType{Alert}, nopCallback, "")

	require.NotPanics(t, func() { f.pipe.process(context.Background(), NewMessage(Alert, nil)) })
	assert.Equal(t, uint64(1), f.pipe.Stats().Rejected)
	assert.Equal(t, 0, f.ledger.Len())
}

func TestInbound_QueueFullIsNonBlocking(t *testing.T) {
	f := newInboundFixture(1, nil)
	require.NoError(t, f.pipe.Receive(NewMessage(Alert, nil)))
	assert.ErrorIs(t, f.pipe.Receive(NewMessage(Alert, nil)), ErrQueueFull)
	assert.ErrorIs(t, f.pipe.Receive(nil), ErrInvalidMessage)

	stats := f.pipe.Stats()
	assert.Equal(t, uint64(1), stats.Received)
	assert.Equal(t, uint64(1), stats.Dropped)
	assert.Equal(t, 1, f.pipe.QueueLen())
	assert.Equal(t, 1, f.pipe.QueueCap())
}
