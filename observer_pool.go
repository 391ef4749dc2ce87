package xdispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ObserverPool fans dispatcher events out to observers on its own
// goroutines, so a slow observer never stalls the outbound or inbound
// workers. Notify never blocks: when the buffer is full the event is dropped
// and counted.
type ObserverPool struct {
	mu     sync.RWMutex
	jobs   chan notification
	closed bool

	workers   int
	wg        sync.WaitGroup
	stopWatch func() bool
	logger    *zerolog.Logger

	dropped   atomic.Uint64
	processed atomic.Uint64
	panicked  atomic.Uint64
}

type notification struct {
	event     Event
	observers []Observer
}

// NewObserverPool starts workers goroutines reading from a buffer of
// bufferSize events. Cancelling ctx shuts the pool down like Close.
func NewObserverPool(ctx context.Context, workers, bufferSize int) *ObserverPool {
	if workers < 1 {
		workers = 2
	}
	if bufferSize < 1 {
		bufferSize = 1000
	}
	op := &ObserverPool{
		jobs:    make(chan notification, bufferSize),
		workers: workers,
	}
	op.wg.Add(workers)
	for range workers {
		go op.run()
	}
	op.stopWatch = context.AfterFunc(ctx, op.shutdown)
	return op
}

// Notify queues e for every observer in observers. The slice is copied.
func (op *ObserverPool) Notify(e Event, observers []Observer) {
	if len(observers) == 0 {
		return
	}
	op.mu.RLock()
	defer op.mu.RUnlock()
	if op.closed {
		return
	}
	select {
	case op.jobs <- notification{event: e, observers: append([]Observer(nil), observers...)}:
	default:
		op.dropped.Add(1)
	}
}

func (op *ObserverPool) run() {
	defer op.wg.Done()
	for n := range op.jobs {
		for _, obs := range n.observers {
			if obs != nil {
				op.deliver(obs, n.event)
			}
		}
		op.processed.Add(1)
	}
}

func (op *ObserverPool) deliver(obs Observer, e Event) {
	defer func() {
		if r := recover(); r != nil {
			op.panicked.Add(1)
			if op.logger != nil {
				op.logger.Error().
					Str("event", string(e.Type)).
					Interface("panic", r).
					Msg("xdispatch: observer panicked")
			}
		}
	}()
	obs.OnEvent(e)
}

func (op *ObserverPool) shutdown() {
	op.mu.Lock()
	defer op.mu.Unlock()
	if !op.closed {
		op.closed = true
		close(op.jobs)
	}
}

// Close stops accepting events and waits up to timeout for the buffered ones
// to be dispatched.
func (op *ObserverPool) Close(timeout time.Duration) error {
	op.stopWatch()
	op.shutdown()

	done := make(chan struct{})
	go func() {
		op.wg.Wait()
		close(done)
	}()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
		return ErrObserverPoolShutdownTimeout
	}
}

// Stats returns current pool statistics.
func (op *ObserverPool) Stats() PoolStats {
	return PoolStats{
		Dropped:      op.dropped.Load(),
		Processed:    op.processed.Load(),
		Panicked:     op.panicked.Load(),
		ActiveEvents: len(op.jobs),
		Workers:      op.workers,
		BufferSize:   cap(op.jobs),
	}
}
