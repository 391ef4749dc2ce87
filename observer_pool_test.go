package xdispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserverPool_DispatchesToAllObservers(t *testing.T) {
	pool := NewObserverPool(context.Background(), 2, 16)
	a, b := &eventRecorder{}, &eventRecorder{}

	for range 5 {
		pool.Notify(Event{Type: EventDelivered}, []Observer{a, b})
	}
	require.NoError(t, pool.Close(time.Second))

	assert.Equal(t, 5, a.count(EventDelivered))
	assert.Equal(t, 5, b.count(EventDelivered))
	assert.Equal(t, uint64(5), pool.Stats().Processed)
}

func TestObserverPool_PanickingObserverIsContained(t *testing.T) {
	pool := NewObserverPool(context.Background(), 1, 4)
	rec := &eventRecorder{}
	bad := ObserverFunc(func(Event) { panic("observer bug") })

	pool.Notify(Event{Type: EventError}, []Observer{bad, rec})
	require.NoError(t, pool.Close(time.Second))
	assert.Equal(t, 1, rec.count(EventError))
	assert.Equal(t, uint64(1), pool.Stats().Panicked)
}

func TestObserverPool_ClosesWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewObserverPool(ctx, 1, 4)
	cancel()

	require.Eventually(t, func() bool {
		pool.mu.RLock()
		defer pool.mu.RUnlock()
		return pool.closed
	}, time.Second, 5*time.Millisecond)

	rec := &eventRecorder{}
	pool.Notify(Event{Type: EventReceived}, []Observer{rec})
	assert.NoError(t, pool.Close(time.Second))
	assert.Equal(t, 0, rec.count(EventReceived))
}

func TestObserverPool_DropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	slow := ObserverFunc(func(Event) { <-block })

	pool := NewObserverPool(context.Background(), 1, 1)
	for range 10 {
		pool.Notify(Event{Type: EventReceived}, []Observer{slow})
	}
	assert.Positive(t, pool.Stats().Dropped)

	close(block)
	require.NoError(t, pool.Close(time.Second))
}

func TestObserverPool_NotifyAfterCloseIsIgnored(t *testing.T) {
	pool := NewObserverPool(context.Background(), 1, 4)
	require.NoError(t, pool.Close(time.Second))

	rec := &eventRecorder{}
	pool.Notify(Event{Type: EventReceived}, []Observer{rec})
	assert.Equal(t, 0, rec.count(EventReceived))
	assert.NoError(t, pool.Close(time.Second))
}
