package xdispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(cfg LedgerConfig, redeliver Redeliverer, rec *eventRecorder) *DeliveryLedger {
	var notify func(Event)
	if rec != nil {
		notify = rec.OnEvent
	}
	return NewDeliveryLedger(cfg, nil, redeliver, notify, nil)
}

func TestLedger_RecordCreatesAndUpdates(t *testing.T) {
	l := newTestLedger(LedgerConfig{MaxRetryCount: 3, HistoryLimit: 100}, nil, nil)

	l.Record("m1", "s1", StatusFailed, "boom")
	r, ok := l.Get("m1", "s1")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, r.Status)
	assert.Equal(t, 1, r.AttemptCount)
	assert.Equal(t, "boom", r.Error)
	assert.Nil(t, r.DeliveredAt)

	l.Record("m1", "s1", StatusDelivered, "")
	r, _ = l.Get("m1", "s1")
	assert.Equal(t, StatusDelivered, r.Status)
	assert.Equal(t, 2, r.AttemptCount)
	require.NotNil(t, r.DeliveredAt)
	assert.Equal(t, "boom", r.Error, "last error is kept")

	_, ok = l.Get("m1", "other")
	assert.False(t, ok)
}

func TestLedger_GetReturnsCopy(t *testing.T) {
	l := newTestLedger(LedgerConfig{MaxRetryCount: 3}, nil, nil)
	l.Record("m1", "s1", StatusDelivered, "")

	r, _ := l.Get("m1", "s1")
	*r.DeliveredAt = time.Time{}
	r.Status = StatusExpired

	again, _ := l.Get("m1", "s1")
	assert.Equal(t, StatusDelivered, again.Status)
	assert.False(t, again.DeliveredAt.IsZero())
}

func TestLedger_ExpiresAfterMaxRetries(t *testing.T) {
	rec := &eventRecorder{}
	l := newTestLedger(LedgerConfig{MaxRetryCount: 3, HistoryLimit: 100}, nil, rec)
	ctx := context.Background()

	l.Record("m1", "s1", StatusFailed, "boom")

	res := l.Sweep(ctx)
	assert.Equal(t, 1, res.Retried)
	r, _ := l.Get("m1", "s1")
	assert.Equal(t, StatusFailed, r.Status)
	assert.Equal(t, 2, r.AttemptCount)

	res = l.Sweep(ctx)
	assert.Equal(t, 1, res.Expired)

	res = l.Sweep(ctx)
	assert.Equal(t, SweepResult{}, res)

	r, _ = l.Get("m1", "s1")
	assert.Equal(t, StatusExpired, r.Status)
	assert.Equal(t, 3, r.AttemptCount)
	assert.Equal(t, 1, rec.count(EventExpired))
}

func TestLedger_SweepExpiresRecordsAlreadyAtLimit(t *testing.T) {
	var calls atomic.Int32
	redeliver := func(context.Context, string, *Message) (bool, error) {
		calls.Add(1)
		return true, nil
	}
	rec := &eventRecorder{}
	l := newTestLedger(LedgerConfig{MaxRetryCount: 1, HistoryLimit: 100, Redeliver: true}, redeliver, rec)
	ctx := context.Background()

	msg := NewMessage(Alert, nil)
	l.RecordMessage(msg, "s1", StatusFailed, errors.New("down"))
	require.True(t, l.retained(msg.ID, "s1"))

	res := l.Sweep(ctx)
	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, 0, res.Retried)

	r, _ := l.Get(msg.ID, "s1")
	assert.Equal(t, StatusExpired, r.Status)
	assert.Equal(t, 1, r.AttemptCount)
	assert.False(t, l.retained(msg.ID, "s1"))
	assert.Zero(t, calls.Load())

	for range 4 {
		assert.Equal(t, SweepResult{}, l.Sweep(ctx))
	}
	assert.Equal(t, 1, rec.count(EventExpired))
}

func TestLedger_SweepExpiresRecordPushedToLimitByReceipt(t *testing.T) {
	l := newTestLedger(LedgerConfig{MaxRetryCount: 2, HistoryLimit: 100}, nil, nil)
	l.Record("m1", "s1", StatusFailed, "a")
	l.Record("m1", "s1", StatusFailed, "b")

	res := l.Sweep(context.Background())
	assert.Equal(t, 1, res.Expired)
	r, _ := l.Get("m1", "s1")
	assert.Equal(t, StatusExpired, r.Status)
	assert.Equal(t, 2, r.AttemptCount)
}

func TestLedger_SweepIgnoresTerminalRecords(t *testing.T) {
	l := newTestLedger(LedgerConfig{MaxRetryCount: 3}, nil, nil)
	l.Record("m1", "s1", StatusDelivered, "")
	l.Record("m2", "s1", StatusPending, "")

	assert.Equal(t, SweepResult{}, l.Sweep(context.Background()))
	r, _ := l.Get("m1", "s1")
	assert.Equal(t, 1, r.AttemptCount)
	r, _ = l.Get("m2", "s1")
	assert.Equal(t, 1, r.AttemptCount)
}

func TestLedger_RedeliveryMarksDelivered(t *testing.T) {
	var calls atomic.Int32
	redeliver := func(_ context.Context, subID string, msg *Message) (bool, error) {
		calls.Add(1)
		assert.Equal(t, "s1", subID)
		return true, nil
	}
	rec := &eventRecorder{}
	l := newTestLedger(LedgerConfig{MaxRetryCount: 3, HistoryLimit: 100, Redeliver: true}, redeliver, rec)

	msg := NewMessage(Alert, nil)
	l.RecordMessage(msg, "s1", StatusFailed, errors.New("boom"))
	assert.True(t, l.retained(msg.ID, "s1"))

	res := l.Sweep(context.Background())
	assert.Equal(t, 1, res.Retried)
	assert.Equal(t, 1, res.Redelivered)
	assert.Equal(t, int32(1), calls.Load())

	r, _ := l.Get(msg.ID, "s1")
	assert.Equal(t, StatusDelivered, r.Status)
	assert.Equal(t, 2, r.AttemptCount)
	require.NotNil(t, r.DeliveredAt)
	assert.False(t, l.retained(msg.ID, "s1"))
	assert.Equal(t, 1, rec.count(EventRetried))
	assert.Equal(t, 1, rec.count(EventDelivered))
}

func TestLedger_RedeliveryFailuresExpire(t *testing.T) {
	redeliver := func(context.Context, string, *Message) (bool, error) {
		return true, errors.New("still broken")
	}
	l := newTestLedger(LedgerConfig{MaxRetryCount: 3, HistoryLimit: 100, Redeliver: true}, redeliver, nil)
	msg := NewMessage(Alert, nil)
	l.RecordMessage(msg, "s1", StatusFailed, errors.New("boom"))

	l.Sweep(context.Background())
	r, _ := l.Get(msg.ID, "s1")
	assert.Equal(t, StatusFailed, r.Status)
	assert.Equal(t, "still broken", r.Error)

	res := l.Sweep(context.Background())
	assert.Equal(t, 1, res.Expired)
	assert.False(t, l.retained(msg.ID, "s1"))
}

func TestLedger_RedeliveryPanicIsContained(t *testing.T) {
	redeliver := func(context.Context, string, *Message) (bool, error) {
		panic("kaboom")
	}
	l := newTestLedger(LedgerConfig{MaxRetryCount: 5, HistoryLimit: 100, Redeliver: true}, redeliver, nil)
	msg := NewMessage(Alert, nil)
	l.RecordMessage(msg, "s1", StatusFailed, errors.New("boom"))

	require.NotPanics(t, func() { l.Sweep(context.Background()) })
	r, _ := l.Get(msg.ID, "s1")
	assert.Equal(t, StatusFailed, r.Status)
	assert.Contains(t, r.Error, "kaboom")
}

func TestLedger_RedeliveryToMissingSubscription(t *testing.T) {
	redeliver := func(context.Context, string, *Message) (bool, error) { return false, nil }
	l := newTestLedger(LedgerConfig{MaxRetryCount: 3, HistoryLimit: 100, Redeliver: true}, redeliver, nil)
	msg := NewMessage(Alert, nil)
	l.RecordMessage(msg, "gone", StatusFailed, errors.New("boom"))

	l.Sweep(context.Background())
	assert.False(t, l.retained(msg.ID, "gone"))
	r, _ := l.Get(msg.ID, "gone")
	assert.Equal(t, StatusFailed, r.Status)

	l.Sweep(context.Background())
	r, _ = l.Get(msg.ID, "gone")
	assert.Equal(t, StatusExpired, r.Status)
}

func TestLedger_NoRetentionWithoutRedelivery(t *testing.T) {
	l := newTestLedger(LedgerConfig{MaxRetryCount: 3}, nil, nil)
	msg := NewMessage(Alert, nil)
	l.RecordMessage(msg, "s1", StatusFailed, errors.New("boom"))
	assert.False(t, l.retained(msg.ID, "s1"))
}

func TestLedger_EvictsOldestFirst(t *testing.T) {
	rec := &eventRecorder{}
	l := newTestLedger(LedgerConfig{MaxRetryCount: 3, HistoryLimit: 3}, nil, rec)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"m1", "m2", "m3", "m4", "m5"} {
		at := base.Add(time.Duration(i) * time.Second)
		l.now = func() time.Time { return at }
		l.Record(id, "s1", StatusDelivered, "")
	}
	require.Equal(t, 5, l.Len())

	res := l.Sweep(context.Background())
	assert.Equal(t, 2, res.Evicted)
	assert.Equal(t, 3, l.Len())

	for _, id := range []string{"m1", "m2"} {
		_, ok := l.Get(id, "s1")
		assert.False(t, ok, id)
	}
	for _, id := range []string{"m3", "m4", "m5"} {
		_, ok := l.Get(id, "s1")
		assert.True(t, ok, id)
	}
	assert.Equal(t, 1, rec.count(EventEvicted))
}

func TestLedger_StatsAndSnapshot(t *testing.T) {
	l := newTestLedger(LedgerConfig{MaxRetryCount: 3}, nil, nil)
	assert.Equal(t, DeliveryStats{StatusPending: 0, StatusDelivered: 0, StatusFailed: 0, StatusExpired: 0}, l.Stats())

	l.Record("m1", "s1", StatusDelivered, "")
	l.Record("m1", "s2", StatusFailed, "x")
	l.Record("m2", "s1", StatusDelivered, "")

	stats := l.Stats()
	assert.Equal(t, 2, stats[StatusDelivered])
	assert.Equal(t, 1, stats[StatusFailed])
	assert.Equal(t, 0, stats[StatusExpired])

	snap := l.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, StatusFailed, snap[RecordKey("m1", "s2")].Status)
}
