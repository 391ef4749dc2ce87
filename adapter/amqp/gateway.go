package amqp

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/trickstertwo/xdispatch"
)

// ErrGatewayClosed is returned by operations on a closed gateway.
var ErrGatewayClosed = errors.New("amqp: gateway is closed")

// Gateway implements xdispatch.Gateway over a RabbitMQ topic exchange.
type Gateway struct {
	cfg    Config
	conn   *amqp.Connection
	codec  xdispatch.Codec
	logger *zerolog.Logger

	// pubCh is in transaction mode; pubMu serializes transactions on it.
	pubMu sync.Mutex
	pubCh *amqp.Channel

	consumeCh *amqp.Channel
	queue     string

	mu         sync.RWMutex
	registered map[string]xdispatch.RemoteSubscription
	consumed   map[string]consumed
	bound      map[xdispatch.MessageType]int
	receive    func(ctx context.Context, msg *xdispatch.Message) error

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closed    atomic.Bool

	metrics gatewayMetrics
}

type consumed struct {
	sub    xdispatch.RemoteSubscription
	filter *xdispatch.Filter
}

type gatewayMetrics struct {
	sent         atomic.Uint64
	batches      atomic.Uint64
	sendErrors   atomic.Uint64
	consumed     atomic.Uint64
	acked        atomic.Uint64
	skipped      atomic.Uint64
	requeued     atomic.Uint64
	decodeErrors atomic.Uint64
}

// Stats returns gateway telemetry.
type Stats struct {
	Sent         uint64
	Batches      uint64
	SendErrors   uint64
	Consumed     uint64
	Acked        uint64
	Skipped      uint64
	Requeued     uint64
	DecodeErrors uint64
}

var (
	_ xdispatch.Gateway       = (*Gateway)(nil)
	_ xdispatch.InboundBinder = (*Gateway)(nil)
)

// NewGateway dials the broker and declares the exchange and process queue.
func NewGateway(cfg Config) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Heartbeat:  cfg.Heartbeat,
		Properties: amqp.Table{"connection_name": "xdispatch"},
	})
	if err != nil {
		return nil, fmt.Errorf("amqp: dial: %w", err)
	}
	return NewGatewayWithConnection(conn, cfg)
}

// NewGatewayWithConnection builds a gateway on an open connection. The
// gateway owns the connection afterwards.
func NewGatewayWithConnection(conn *amqp.Connection, cfg Config) (*Gateway, error) {
	fail := func(err error) (*Gateway, error) {
		_ = conn.Close()
		return nil, err
	}

	codec, err := xdispatch.LookupCodec(cfg.Codec)
	if err != nil {
		return fail(err)
	}

	pubCh, err := conn.Channel()
	if err != nil {
		return fail(fmt.Errorf("amqp: open publish channel: %w", err))
	}
	if err := pubCh.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, cfg.Durable, false, false, false, nil); err != nil {
		return fail(fmt.Errorf("amqp: declare exchange %s: %w", cfg.Exchange, err))
	}
	if err := pubCh.Tx(); err != nil {
		return fail(fmt.Errorf("amqp: enable transactions: %w", err))
	}

	consumeCh, err := conn.Channel()
	if err != nil {
		return fail(fmt.Errorf("amqp: open consume channel: %w", err))
	}
	if err := consumeCh.Qos(cfg.Prefetch, 0, false); err != nil {
		return fail(fmt.Errorf("amqp: set qos: %w", err))
	}
	// Exclusive, auto-deleted and server-named: one queue per process.
	q, err := consumeCh.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fail(fmt.Errorf("amqp: declare queue: %w", err))
	}

	logger := cfg.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		cfg:        cfg,
		conn:       conn,
		codec:      codec,
		logger:     logger,
		pubCh:      pubCh,
		consumeCh:  consumeCh,
		queue:      q.Name,
		registered: make(map[string]xdispatch.RemoteSubscription),
		consumed:   make(map[string]consumed),
		bound:      make(map[xdispatch.MessageType]int),
		ctx:        ctx,
		cancel:     cancel,
	}

	closes := conn.NotifyClose(make(chan *amqp.Error, 1))
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err, ok := <-closes; ok && err != nil {
			g.logger.Error().Err(err).Msg("amqp: connection lost")
		}
	}()

	return g, nil
}

// Queue returns the name of the process queue.
func (g *Gateway) Queue() string { return g.queue }

// SendMessage publishes msg in its own transaction.
func (g *Gateway) SendMessage(ctx context.Context, msg *xdispatch.Message) error {
	if err := g.publish(ctx, []*xdispatch.Message{msg}, ""); err != nil {
		return err
	}
	g.metrics.sent.Add(1)
	return nil
}

// SendBatch publishes every message of batch in one transaction.
func (g *Gateway) SendBatch(ctx context.Context, batch *xdispatch.MessageBatch) error {
	if batch == nil || len(batch.Messages) == 0 {
		return nil
	}
	if err := g.publish(ctx, batch.Messages, batch.ID); err != nil {
		return err
	}
	g.metrics.batches.Add(1)
	g.metrics.sent.Add(uint64(len(batch.Messages)))
	return nil
}

func (g *Gateway) publish(ctx context.Context, msgs []*xdispatch.Message, batchID string) error {
	if g.closed.Load() {
		return ErrGatewayClosed
	}

	// Encode everything before touching the broker
	pubs := make([]amqp.Publishing, 0, len(msgs))
	for _, m := range msgs {
		p, err := encodeMessage(g.codec, m, batchID)
		if err != nil {
			return err
		}
		pubs = append(pubs, p)
	}

	g.pubMu.Lock()
	defer g.pubMu.Unlock()

	for i, p := range pubs {
		if err := g.pubCh.PublishWithContext(ctx, g.cfg.Exchange, string(msgs[i].Type), false, false, p); err != nil {
			g.rollback()
			g.metrics.sendErrors.Add(uint64(len(pubs)))
			return fmt.Errorf("amqp: publish %s: %w", msgs[i].ID, err)
		}
	}
	if err := g.pubCh.TxCommit(); err != nil {
		g.metrics.sendErrors.Add(uint64(len(pubs)))
		return fmt.Errorf("amqp: commit: %w", err)
	}
	return nil
}

func (g *Gateway) rollback() {
	if err := g.pubCh.TxRollback(); err != nil {
		g.logger.Warn().Err(err).Msg("amqp: rollback failed")
	}
}

// Subscribe registers sub. Without a callback URL its types are bound to the
// process queue and matching deliveries reach the bound receiver.
func (g *Gateway) Subscribe(_ context.Context, sub xdispatch.RemoteSubscription) (string, error) {
	if g.closed.Load() {
		return "", ErrGatewayClosed
	}
	var f *xdispatch.Filter
	if sub.CallbackURL == "" {
		var err error
		if f, err = xdispatch.ParseFilter(sub.FilterExpression); err != nil {
			return "", err
		}
	}
	sub.ID = uuid.NewString()
	sub.MessageTypes = slices.Clone(sub.MessageTypes)

	g.mu.Lock()
	defer g.mu.Unlock()

	if sub.CallbackURL == "" {
		var bound []xdispatch.MessageType
		for _, t := range sub.MessageTypes {
			if g.bound[t] == 0 {
				if err := g.consumeCh.QueueBind(g.queue, string(t), g.cfg.Exchange, false, nil); err != nil {
					for _, b := range bound {
						g.unbindLocked(b)
					}
					return "", fmt.Errorf("amqp: bind %s: %w", t, err)
				}
			}
			g.bound[t]++
			bound = append(bound, t)
		}
		g.consumed[sub.ID] = consumed{sub: sub, filter: f}
	}
	g.registered[sub.ID] = sub

	g.logger.Debug().Str("subscription_id", sub.ID).Str("component", sub.Component).Msg("amqp: subscription registered")
	return sub.ID, nil
}

// Unsubscribe removes a registration and unbinds types nobody needs anymore.
func (g *Gateway) Unsubscribe(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.registered[id]; !ok {
		return xdispatch.ErrSubscriptionNotFound
	}
	delete(g.registered, id)
	if c, ok := g.consumed[id]; ok {
		delete(g.consumed, id)
		for _, t := range c.sub.MessageTypes {
			g.unbindLocked(t)
		}
	}
	return nil
}

func (g *Gateway) unbindLocked(t xdispatch.MessageType) {
	g.bound[t]--
	if g.bound[t] > 0 {
		return
	}
	delete(g.bound, t)
	if g.closed.Load() {
		return
	}
	if err := g.consumeCh.QueueUnbind(g.queue, string(t), g.cfg.Exchange, nil); err != nil {
		g.logger.Warn().Err(err).Str("type", string(t)).Msg("amqp: unbind failed")
	}
}

// Subscriptions returns every registered subscription ordered by id.
func (g *Gateway) Subscriptions() []xdispatch.RemoteSubscription {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]xdispatch.RemoteSubscription, 0, len(g.registered))
	for _, s := range g.registered {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b xdispatch.RemoteSubscription) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// BindInbound implements xdispatch.InboundBinder and starts consuming.
func (g *Gateway) BindInbound(receive func(ctx context.Context, msg *xdispatch.Message) error) {
	g.mu.Lock()
	g.receive = receive
	g.mu.Unlock()

	g.startOnce.Do(func() {
		deliveries, err := g.consumeCh.Consume(g.queue, "", false, true, false, false, nil)
		if err != nil {
			g.logger.Error().Err(err).Str("queue", g.queue).Msg("amqp: consume failed")
			return
		}
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.consumeLoop(g.ctx, deliveries)
		}()
	})
}

func (g *Gateway) consumeLoop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				if !g.closed.Load() {
					g.logger.Warn().Str("queue", g.queue).Msg("amqp: delivery channel closed")
				}
				return
			}
			g.handle(ctx, d)
		}
	}
}

// handle passes one delivery on. Undecodable and unwanted deliveries are
// acknowledged and dropped; refused ones go back to the queue.
func (g *Gateway) handle(ctx context.Context, d amqp.Delivery) {
	g.metrics.consumed.Add(1)

	msg, err := decodeDelivery(g.codec, d)
	if err != nil {
		g.metrics.decodeErrors.Add(1)
		g.logger.Warn().Err(err).Msg("amqp: dropping undecodable delivery")
		g.ack(d)
		return
	}

	g.mu.RLock()
	receive := g.receive
	g.mu.RUnlock()

	if receive == nil || !g.wanted(msg) {
		g.metrics.skipped.Add(1)
		g.ack(d)
		return
	}

	if err := receive(ctx, msg); err != nil {
		g.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("amqp: receiver refused delivery, requeueing")
		if g.cfg.RequeueDelay > 0 {
			select {
			case <-time.After(g.cfg.RequeueDelay):
			case <-ctx.Done():
			}
		}
		if err := d.Nack(false, true); err != nil {
			g.logger.Warn().Err(err).Msg("amqp: nack failed")
		}
		g.metrics.requeued.Add(1)
		return
	}
	g.ack(d)
}

func (g *Gateway) wanted(msg *xdispatch.Message) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, c := range g.consumed {
		if slices.Contains(c.sub.MessageTypes, msg.Type) && c.filter.Matches(msg) {
			return true
		}
	}
	return false
}

func (g *Gateway) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		g.logger.Warn().Err(err).Msg("amqp: ack failed")
		return
	}
	g.metrics.acked.Add(1)
}

// Close stops consuming and closes the channels and connection.
func (g *Gateway) Close(_ context.Context) error {
	if g.closed.Swap(true) {
		return nil
	}
	g.cancel()
	_ = g.consumeCh.Close()
	g.pubMu.Lock()
	_ = g.pubCh.Close()
	g.pubMu.Unlock()
	err := g.conn.Close()
	g.wg.Wait()
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}

// Stats returns current gateway metrics.
func (g *Gateway) Stats() Stats {
	return Stats{
		Sent:         g.metrics.sent.Load(),
		Batches:      g.metrics.batches.Load(),
		SendErrors:   g.metrics.sendErrors.Load(),
		Consumed:     g.metrics.consumed.Load(),
		Acked:        g.metrics.acked.Load(),
		Skipped:      g.metrics.skipped.Load(),
		Requeued:     g.metrics.requeued.Load(),
		DecodeErrors: g.metrics.decodeErrors.Load(),
	}
}
