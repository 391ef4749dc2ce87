package xdispatch

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/trickstertwo/xclock"
)

// Dispatcher is the central Facade: it batches outgoing messages to a
// Gateway, fans incoming messages out to local subscriptions and keeps the
// delivery ledger. Build one with NewDispatcherBuilder.
type Dispatcher struct {
	cfg         Config
	gateway     Gateway
	codec       Codec
	clock       xclock.Clock
	logger      *zerolog.Logger
	middlewares []Middleware
	snapshotter Snapshotter

	subs     *SubscriptionTable
	ledger   *DeliveryLedger
	outbound *OutboundPipeline
	inbound  *InboundPipeline

	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer

	lifeMu  sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	cbMu      sync.Mutex
	callbacks map[MessageType][]Callback

	closed    atomic.Bool
	closeOnce sync.Once
	metrics   dispatchMetrics
}

type dispatchMetrics struct {
	sentNow     atomic.Uint64
	sendErrors  atomic.Uint64
	redelivered atomic.Uint64
	expired     atomic.Uint64
	evicted     atomic.Uint64
}

// Codec returns the configured codec (Strategy).
func (d *Dispatcher) Codec() Codec { return d.codec }

// Config returns the effective configuration.
func (d *Dispatcher) Config() Config { return d.cfg }

// Gateway returns the configured gateway.
func (d *Dispatcher) Gateway() Gateway { return d.gateway }

// Start launches the outbound, inbound and retry workers and binds the
// gateway's inbound stream, if it has one. The workers keep ctx's values but
// not its cancellation; they run until Stop or Close.
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.closed.Load() {
		return ErrDispatcherClosed
	}
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()
	if d.running {
		return ErrAlreadyRunning
	}

	base := context.WithoutCancel(ctx)
	wctx, cancel := context.WithCancel(base)
	d.cancel = cancel
	d.outbound.Start(wctx)
	d.inbound.Start(base)
	d.wg.Add(1)
	go d.sweepLoop(wctx)

	if b, ok := d.gateway.(InboundBinder); ok {
		b.BindInbound(d.Receive)
	}
	d.running = true
	d.logger.Info().
		Str("component", d.cfg.ComponentName).
		Int("batch_size", d.cfg.BatchSize).
		Dur("batch_interval", d.cfg.BatchInterval).
		Msg("xdispatch: dispatcher started")
	return nil
}

// Stop stops the workers, flushes what is still queued for the gateway and
// writes a snapshot of the delivery ledger. Callbacks in flight complete.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()
	if !d.running {
		return ErrNotRunning
	}
	d.running = false

	d.cancel()
	d.wg.Wait()
	d.inbound.Stop()
	d.outbound.Stop(ctx)

	if d.snapshotter != nil {
		path, err := d.snapshotter.Save(ctx, d.ledger.Snapshot())
		if err != nil {
			d.logger.Error().Err(err).Msg("xdispatch: delivery record snapshot failed")
		} else {
			d.logger.Info().Str("path", path).Int("records", d.ledger.Len()).Msg("xdispatch: delivery records saved")
		}
	}
	d.logger.Info().Str("component", d.cfg.ComponentName).Msg("xdispatch: dispatcher stopped")
	return nil
}

// Close stops the dispatcher if it is running, then releases the observer
// pool and the gateway. It is idempotent.
func (d *Dispatcher) Close(ctx context.Context) error {
	var closeErr error
	d.closeOnce.Do(func() {
		if err := d.Stop(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
			closeErr = err
		}
		d.closed.Store(true)

		if d.observerPool != nil {
			if err := d.observerPool.Close(5 * time.Second); err != nil {
				d.logger.Warn().Err(err).Msg("xdispatch: observer pool shutdown timeout")
				closeErr = err
			}
		}
		if d.gateway != nil {
			if err := d.gateway.Close(ctx); err != nil {
				d.logger.Error().Err(err).Msg("xdispatch: gateway close failed")
				closeErr = err
			}
		}
	})
	return closeErr
}

// Running reports whether the workers are running.
func (d *Dispatcher) Running() bool {
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()
	return d.running
}

func (d *Dispatcher) sweepLoop(ctx context.Context) {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Msg("xdispatch: retry sweep worker crashed")
			panic(r)
		}
	}()
	t := time.NewTicker(d.cfg.RetryInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.RetrySweep(ctx)
		}
	}
}

// RetrySweep runs one retry sweep over the delivery ledger immediately.
func (d *Dispatcher) RetrySweep(ctx context.Context) SweepResult {
	res := d.ledger.Sweep(ctx)
	d.metrics.redelivered.Add(uint64(res.Redelivered))
	d.metrics.expired.Add(uint64(res.Expired))
	d.metrics.evicted.Add(uint64(res.Evicted))
	return res
}

// Send queues msg for batched delivery to the gateway. Source and Timestamp
// are filled in when empty. It returns ErrQueueFull without blocking when the
// outbound queue is at capacity.
func (d *Dispatcher) Send(ctx context.Context, msg *Message) error {
	if d.closed.Load() {
		return ErrDispatcherClosed
	}
	if msg == nil || msg.Type == "" {
		return ErrInvalidMessage
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.outbound.Enqueue(msg)
}

// SendNow sends msg to the gateway immediately, bypassing the batcher.
func (d *Dispatcher) SendNow(ctx context.Context, msg *Message) error {
	if d.closed.Load() {
		return ErrDispatcherClosed
	}
	if msg == nil || msg.Type == "" {
		return ErrInvalidMessage
	}
	if msg.Source == "" {
		msg.Source = d.cfg.ComponentName
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = d.clock.Now()
	}
	if err := d.gateway.SendMessage(ctx, msg); err != nil {
		d.metrics.sendErrors.Add(1)
		d.notifyAsync(Event{Type: EventError, MessageID: msg.ID, MessageType: msg.Type, Err: err})
		return err
	}
	d.metrics.sentNow.Add(1)
	return nil
}

// SendContext builds a context-scoped message and queues it.
func (d *Dispatcher) SendContext(ctx context.Context, t MessageType, contextID string, payload map[string]any, p Priority) (*Message, error) {
	msg := NewContextMessage(t, contextID, payload).WithPriority(p)
	return msg, d.Send(ctx, msg)
}

// SendCommand builds a COMMAND_EXECUTE message for component and queues it.
func (d *Dispatcher) SendCommand(ctx context.Context, component, command string, params map[string]any, contextID string) (*Message, error) {
	msg := NewCommandMessage(component, command, params, contextID)
	return msg, d.Send(ctx, msg)
}

// SendQuery builds a QUERY_REQUEST message for component and queues it.
func (d *Dispatcher) SendQuery(ctx context.Context, component, query string, params map[string]any, contextID string) (*Message, error) {
	msg := NewQueryMessage(component, query, params, contextID)
	return msg, d.Send(ctx, msg)
}

// Receive queues a message delivered by the bus. It returns ErrQueueFull
// without blocking when the inbound queue is at capacity.
func (d *Dispatcher) Receive(ctx context.Context, msg *Message) error {
	if d.closed.Load() {
		return ErrDispatcherClosed
	}
	if msg == nil {
		return ErrInvalidMessage
	}
	return d.inbound.Receive(msg)
}

// HandleInbound delivers msg synchronously, skipping the queue and the
// validator, and returns the number of successful deliveries.
func (d *Dispatcher) HandleInbound(ctx context.Context, msg *Message) int {
	return d.inbound.HandleInbound(ctx, msg)
}

// SubscribeLocal registers cb for messages of types matching filterExpr.
func (d *Dispatcher) SubscribeLocal(types []MessageType, cb Callback, filterExpr string) (string, error) {
	if d.closed.Load() {
		return "", ErrDispatcherClosed
	}
	return d.subs.SubscribeLocal(types, cb, filterExpr)
}

// UnsubscribeLocal removes a local subscription; false if it does not exist.
func (d *Dispatcher) UnsubscribeLocal(id string) bool {
	return d.subs.UnsubscribeLocal(id)
}

// SubscribeRemote registers a subscription with the bus. Without a
// CallbackURL, bus deliveries reach cb, or the remote callback configured on
// the builder when cb is nil.
func (d *Dispatcher) SubscribeRemote(ctx context.Context, sub RemoteSubscription, cb Callback) (string, error) {
	if d.closed.Load() {
		return "", ErrDispatcherClosed
	}
	return d.subs.SubscribeRemote(ctx, sub, cb)
}

// UnsubscribeRemote removes a subscription from the bus.
func (d *Dispatcher) UnsubscribeRemote(ctx context.Context, id string) (bool, error) {
	return d.subs.UnsubscribeRemote(ctx, id)
}

// RegisterCallback adds cb to the callbacks run for every message of type t.
// All callbacks registered for a type share one local subscription and run
// in registration order; their errors are joined.
func (d *Dispatcher) RegisterCallback(t MessageType, cb Callback) error {
	if t == "" || cb == nil {
		return ErrInvalidSubscription
	}
	d.cbMu.Lock()
	defer d.cbMu.Unlock()

	first := len(d.callbacks[t]) == 0
	d.callbacks[t] = append(d.callbacks[t], cb)
	if !first {
		return nil
	}
	_, err := d.subs.SubscribeLocal([]MessageType{t}, d.typeCallbacks(t), "")
	if err != nil {
		delete(d.callbacks, t)
	}
	return err
}

func (d *Dispatcher) typeCallbacks(t MessageType) Callback {
	return func(ctx context.Context, msg *Message) error {
		d.cbMu.Lock()
		cbs := make([]Callback, len(d.callbacks[t]))
		copy(cbs, d.callbacks[t])
		d.cbMu.Unlock()

		var errs []error
		for _, cb := range cbs {
			if err := RecoveryMiddleware()(cb)(ctx, msg); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}

// invoke runs sub's callback behind panic recovery and the configured
// middlewares, with codec, logger, clock, component and subscription id in ctx.
func (d *Dispatcher) invoke(ctx context.Context, sub *Subscription, msg *Message) error {
	cctx := InjectAll(ctx, d.codec, d.logger, d.clock, d.cfg.ComponentName)
	cctx = withSubscriptionID(cctx, sub.ID)
	base := RecoveryMiddleware()(sub.Callback)
	return Chain(base, d.middlewares...)(cctx, msg)
}

func (d *Dispatcher) redeliver(ctx context.Context, subID string, msg *Message) (bool, error) {
	sub, ok := d.subs.Get(subID)
	if !ok {
		return false, nil
	}
	return true, d.invoke(ctx, sub, msg)
}

// DeliveryRecord returns the ledger record of msgID for subID.
func (d *Dispatcher) DeliveryRecord(msgID, subID string) (DeliveryRecord, bool) {
	return d.ledger.Get(msgID, subID)
}

// QueueStats reports queue and table occupancy.
func (d *Dispatcher) QueueStats() QueueStats {
	return QueueStats{
		OutboundQueueSize:    d.outbound.QueueLen(),
		OutboundQueueMaxSize: d.outbound.QueueCap(),
		InboundQueueSize:     d.inbound.QueueLen(),
		InboundQueueMaxSize:  d.inbound.QueueCap(),
		CurrentBatchSize:     d.outbound.Pending(),
		BatchSizeLimit:       d.cfg.BatchSize,
		DeliveryRecordsCount: d.ledger.Len(),
		LocalSubscriptions:   d.subs.Len(),
		RemoteSubscriptions:  d.subs.RemoteLen(),
	}
}

// DeliveryStats counts delivery records per status.
func (d *Dispatcher) DeliveryStats() DeliveryStats {
	return d.ledger.Stats()
}

// GetMetrics returns current dispatcher metrics.
func (d *Dispatcher) GetMetrics() Metrics {
	out := d.outbound.Stats()
	in := d.inbound.Stats()
	m := Metrics{
		Sent:           out.Sent + d.metrics.sentNow.Load(),
		Received:       in.Received,
		Dropped:        out.Dropped + in.Dropped,
		BatchesSent:    out.BatchesSent,
		BatchesFailed:  out.BatchesFailed,
		Requeued:       out.Requeued,
		Rejected:       in.Rejected,
		Delivered:      in.Delivered + d.metrics.redelivered.Load(),
		DeliveryFailed: in.DeliveryFailed,
		Expired:        d.metrics.expired.Load(),
		Evicted:        d.metrics.evicted.Load(),
		AvgFlushTimeMs: float64(out.AvgFlushNs) / 1e6,
	}
	if d.observerPool != nil {
		m.EventsDropped = d.observerPool.Stats().Dropped
	}
	return m
}

// Health checks dispatcher health for probes.
// Implements HealthChecker interface.
func (d *Dispatcher) Health(ctx context.Context) HealthStatus {
	now := d.clock.Now()
	if d.closed.Load() {
		return HealthStatus{Status: "unhealthy", Timestamp: now, Message: "dispatcher is closed"}
	}

	metrics := d.GetMetrics()
	status := "healthy"
	var msg string

	// Degraded if more than 5% of messages were dropped or batches failed.
	offered := d.outbound.Stats().Enqueued + metrics.Received + metrics.Dropped
	if offered > 0 && float64(metrics.Dropped)/float64(offered) > 0.05 {
		status, msg = "degraded", "queue drops above 5%"
	}
	batches := metrics.BatchesSent + metrics.BatchesFailed
	if batches > 0 && float64(metrics.BatchesFailed)/float64(batches) > 0.05 {
		status, msg = "degraded", "gateway batch failures above 5%"
	}
	if !d.Running() {
		status, msg = "degraded", "dispatcher is not running"
	}

	return HealthStatus{
		Status:    status,
		Metrics:   metrics,
		Timestamp: now,
		Message:   msg,
	}
}

// AddObserver registers an observer (thread-safe).
func (d *Dispatcher) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	d.observersMu.Lock()
	d.observers = append(d.observers, obs)
	d.observersMu.Unlock()
}

// RemoveObserver removes an observer. Observers of uncomparable types, such
// as ObserverFunc, cannot be removed.
func (d *Dispatcher) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	d.observersMu.Lock()
	defer d.observersMu.Unlock()

	if !reflect.TypeOf(obs).Comparable() {
		return
	}
	for i, o := range d.observers {
		if reflect.TypeOf(o) == reflect.TypeOf(obs) && o == obs {
			d.observers = append(d.observers[:i], d.observers[i+1:]...)
			break
		}
	}
}

// notifyAsync dispatches events through the observer pool (non-blocking).
func (d *Dispatcher) notifyAsync(e Event) {
	if d.observerPool == nil || d.closed.Load() {
		return
	}

	d.observersMu.RLock()
	if len(d.observers) == 0 {
		d.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, len(d.observers))
	copy(observers, d.observers)
	d.observersMu.RUnlock()

	d.observerPool.Notify(e, observers)
}
