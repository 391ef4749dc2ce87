package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xdispatch"
)

const GatewayName = "memory"

// ErrInjected is returned by SendBatch and SendMessage while failures are injected.
var ErrInjected = errors.New("memory gateway: injected failure")

func init() {
	if err := xdispatch.RegisterGateway(GatewayName, func(cfg map[string]any) (xdispatch.Gateway, error) {
		return NewGateway(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("xdispatch/memory: failed to register gateway: %w", err))
	}
}

// Config controls memory gateway behavior.
type Config struct {
	// BufferSize is the loopback delivery queue size (default: 1024).
	BufferSize int
	// Concurrency is the number of loopback delivery goroutines (default: 1).
	Concurrency int
	// Loopback pushes sent messages matching a registered subscription to the
	// bound receiver (default: true).
	Loopback bool
	// RedeliveryDelay is the delay before retrying a loopback delivery the
	// receiver refused with a full queue (default: 0 = drop).
	RedeliveryDelay time.Duration
}

func ConfigFromMap(cfg map[string]any) Config {
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		default:
			return d
		}
	}

	getBool := func(k string, d bool) bool {
		if v, ok := cfg[k].(bool); ok {
			return v
		}
		return d
	}

	getDur := func(k string, d time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		}
		return d
	}

	positive := func(v, d int) int {
		if v < 1 {
			return d
		}
		return v
	}

	return Config{
		BufferSize:      positive(getInt("buffer_size", 1024), 1024),
		Concurrency:     positive(getInt("concurrency", 1), 1),
		Loopback:        getBool("loopback", true),
		RedeliveryDelay: getDur("redelivery_delay", 0),
	}
}

// Gateway implements xdispatch.Gateway in memory (dev/testing). It records
// every accepted batch and, with Loopback on, plays the bus: messages that
// match a registered subscription are pushed back to the bound receiver.
type Gateway struct {
	cfg Config

	mu      sync.RWMutex
	subs    map[string]registered
	order   []string
	batches []*xdispatch.MessageBatch
	singles []*xdispatch.Message
	receive func(ctx context.Context, msg *xdispatch.Message) error

	failNext atomic.Int64
	failAll  atomic.Bool

	queue  chan *xdispatch.Message
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	metrics *gatewayMetrics
}

type registered struct {
	sub    xdispatch.RemoteSubscription
	filter *xdispatch.Filter
}

type gatewayMetrics struct {
	batches     atomic.Uint64
	messages    atomic.Uint64
	failures    atomic.Uint64
	looped      atomic.Uint64
	loopDropped atomic.Uint64
	redelivered atomic.Uint64
}

var (
	_ xdispatch.Gateway       = (*Gateway)(nil)
	_ xdispatch.InboundBinder = (*Gateway)(nil)
)

// NewGateway creates a new in-memory gateway and starts its loopback workers.
func NewGateway(cfg Config) *Gateway {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1024
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		cfg:     cfg,
		subs:    make(map[string]registered),
		queue:   make(chan *xdispatch.Message, cfg.BufferSize),
		ctx:     ctx,
		cancel:  cancel,
		metrics: &gatewayMetrics{},
	}
	for i := 0; i < cfg.Concurrency; i++ {
		g.wg.Add(1)
		go g.worker()
	}
	return g
}

// BindInbound implements xdispatch.InboundBinder.
func (g *Gateway) BindInbound(receive func(ctx context.Context, msg *xdispatch.Message) error) {
	g.mu.Lock()
	g.receive = receive
	g.mu.Unlock()
}

// SendMessage records msg as a single send and loops it back.
func (g *Gateway) SendMessage(ctx context.Context, msg *xdispatch.Message) error {
	if err := g.check(); err != nil {
		return err
	}
	g.mu.Lock()
	g.singles = append(g.singles, msg)
	g.mu.Unlock()
	g.metrics.messages.Add(1)
	return g.loop(ctx, msg)
}

// SendBatch records batch and loops its messages back.
func (g *Gateway) SendBatch(ctx context.Context, batch *xdispatch.MessageBatch) error {
	if err := g.check(); err != nil {
		return err
	}
	if batch == nil || len(batch.Messages) == 0 {
		return nil
	}
	g.mu.Lock()
	g.batches = append(g.batches, batch)
	g.mu.Unlock()
	g.metrics.batches.Add(1)
	g.metrics.messages.Add(uint64(len(batch.Messages)))

	for _, m := range batch.Messages {
		if err := g.loop(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) check() error {
	if g.closed.Load() {
		return errors.New("memory gateway is closed")
	}
	if g.failAll.Load() {
		g.metrics.failures.Add(1)
		return ErrInjected
	}
	for {
		n := g.failNext.Load()
		if n <= 0 {
			return nil
		}
		if g.failNext.CompareAndSwap(n, n-1) {
			g.metrics.failures.Add(1)
			return ErrInjected
		}
	}
}

// loop queues msg for the receiver once if any subscription matches it.
func (g *Gateway) loop(ctx context.Context, msg *xdispatch.Message) error {
	if !g.cfg.Loopback || msg == nil || !g.matches(msg) {
		return nil
	}
	select {
	case g.queue <- msg:
		return nil
	default:
		// Queue full: block to preserve ordering
		select {
		case g.queue <- msg:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (g *Gateway) matches(msg *xdispatch.Message) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, id := range g.order {
		r := g.subs[id]
		if r.sub.CallbackURL == "" && slices.Contains(r.sub.MessageTypes, msg.Type) && r.filter.Matches(msg) {
			return true
		}
	}
	return false
}

func (g *Gateway) worker() {
	defer g.wg.Done()
	for {
		select {
		case <-g.ctx.Done():
			return
		case msg := <-g.queue:
			g.deliver(msg)
		}
	}
}

func (g *Gateway) deliver(msg *xdispatch.Message) {
	g.mu.RLock()
	receive := g.receive
	g.mu.RUnlock()
	if receive == nil {
		g.metrics.loopDropped.Add(1)
		return
	}
	err := receive(g.ctx, msg.Clone())
	if err == nil {
		g.metrics.looped.Add(1)
		return
	}
	if !errors.Is(err, xdispatch.ErrQueueFull) || g.cfg.RedeliveryDelay <= 0 {
		g.metrics.loopDropped.Add(1)
		return
	}

	// Delayed best-effort requeue
	timer := time.NewTimer(g.cfg.RedeliveryDelay)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer timer.Stop()
		select {
		case <-timer.C:
			select {
			case g.queue <- msg:
				g.metrics.redelivered.Add(1)
			case <-g.ctx.Done():
			}
		case <-g.ctx.Done():
		}
	}()
}

// Subscribe registers sub and returns a generated id.
func (g *Gateway) Subscribe(_ context.Context, sub xdispatch.RemoteSubscription) (string, error) {
	if g.closed.Load() {
		return "", errors.New("memory gateway is closed")
	}
	f, err := xdispatch.ParseFilter(sub.FilterExpression)
	if err != nil {
		return "", err
	}
	id := nextID()
	sub.ID = id
	sub.MessageTypes = slices.Clone(sub.MessageTypes)

	g.mu.Lock()
	g.subs[id] = registered{sub: sub, filter: f}
	g.order = append(g.order, id)
	g.mu.Unlock()
	return id, nil
}

// Unsubscribe removes a registration.
func (g *Gateway) Unsubscribe(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.subs[id]; !ok {
		return xdispatch.ErrSubscriptionNotFound
	}
	delete(g.subs, id)
	if i := slices.Index(g.order, id); i >= 0 {
		g.order = slices.Delete(g.order, i, i+1)
	}
	return nil
}

// Close stops the loopback workers.
func (g *Gateway) Close(_ context.Context) error {
	if g.closed.Swap(true) {
		return nil // Already closed
	}
	g.cancel()
	g.wg.Wait()
	return nil
}

// FailNext makes the next n sends fail with ErrInjected.
func (g *Gateway) FailNext(n int) { g.failNext.Store(int64(n)) }

// SetFailing makes every send fail with ErrInjected until called with false.
func (g *Gateway) SetFailing(on bool) { g.failAll.Store(on) }

// Batches returns the accepted batches in send order.
func (g *Gateway) Batches() []*xdispatch.MessageBatch {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.batches)
}

// Messages returns the messages accepted through SendMessage.
func (g *Gateway) Messages() []*xdispatch.Message {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.singles)
}

// Subscriptions returns the registered subscriptions in registration order.
func (g *Gateway) Subscriptions() []xdispatch.RemoteSubscription {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]xdispatch.RemoteSubscription, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.subs[id].sub)
	}
	return out
}

// Stats returns gateway telemetry.
type Stats struct {
	Batches     uint64
	Messages    uint64
	Failures    uint64
	Looped      uint64
	LoopDropped uint64
	Redelivered uint64
}

// Stats returns current gateway metrics.
func (g *Gateway) Stats() Stats {
	return Stats{
		Batches:     g.metrics.batches.Load(),
		Messages:    g.metrics.messages.Load(),
		Failures:    g.metrics.failures.Load(),
		Looped:      g.metrics.looped.Load(),
		LoopDropped: g.metrics.loopDropped.Load(),
		Redelivered: g.metrics.redelivered.Load(),
	}
}

// Simple monotonic ID generator (not distributed; dev/testing only).
var idSeq atomic.Uint64

func nextID() string {
	return fmt.Sprintf("mem-sub-%d", idSeq.Add(1))
}
