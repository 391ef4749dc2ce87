package xdispatch

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Invoker runs the callback of sub for msg.
type Invoker func(ctx context.Context, sub *Subscription, msg *Message) error

// InboundConfig configures an InboundPipeline.
type InboundConfig struct {
	QueueLimit int
	Component  string
}

// InboundStats is a snapshot of the pipeline counters.
type InboundStats struct {
	Received       uint64
	Dropped        uint64
	Rejected       uint64
	Unmatched      uint64
	Delivered      uint64
	DeliveryFailed uint64
}

// InboundPipeline queues messages pushed by the bus, validates them, and fans
// them out to matching local subscriptions, recording each outcome.
type InboundPipeline struct {
	cfg       InboundConfig
	subs      *SubscriptionTable
	ledger    *DeliveryLedger
	validator Validator
	invoke    Invoker
	logger    *zerolog.Logger
	notify    func(Event)

	queue chan *Message

	cancel context.CancelFunc
	wg     sync.WaitGroup

	received  atomic.Uint64
	dropped   atomic.Uint64
	rejected  atomic.Uint64
	unmatched atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

// NewInboundPipeline creates a stopped pipeline. validator, invoke and notify
// may be nil; the default invoker only recovers callback panics.
func NewInboundPipeline(cfg InboundConfig, subs *SubscriptionTable, ledger *DeliveryLedger, validator Validator, invoke Invoker, notify func(Event), logger *zerolog.Logger) *InboundPipeline {
	if invoke == nil {
		invoke = func(ctx context.Context, sub *Subscription, msg *Message) error {
			return RecoveryMiddleware()(sub.Callback)(ctx, msg)
		}
	}
	if notify == nil {
		notify = func(Event) {}
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &InboundPipeline{
		cfg:       cfg,
		subs:      subs,
		ledger:    ledger,
		validator: validator,
		invoke:    invoke,
		logger:    logger,
		notify:    notify,
		queue:     make(chan *Message, cfg.QueueLimit),
	}
}

// Receive queues msg without blocking. It returns ErrQueueFull when the
// queue is at capacity.
func (p *InboundPipeline) Receive(msg *Message) error {
	if msg == nil {
		return ErrInvalidMessage
	}
	select {
	case p.queue <- msg:
		p.received.Add(1)
		p.notify(Event{Type: EventReceived, MessageID: msg.ID, MessageType: msg.Type})
		return nil
	default:
		p.dropped.Add(1)
		p.logger.Warn().Str("message_id", msg.ID).Str("message_type", string(msg.Type)).Msg("xdispatch: inbound queue full, message dropped")
		p.notify(Event{Type: EventDropped, MessageID: msg.ID, MessageType: msg.Type, Err: ErrQueueFull})
		return ErrQueueFull
	}
}

// Start launches the drain worker. Callbacks run with ctx, so stopping the
// worker does not cancel a callback in flight.
func (p *InboundPipeline) Start(ctx context.Context) {
	wctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Add(1)
	go p.drain(wctx, ctx)
}

// Stop cancels the drain worker and waits for the message in hand to finish.
func (p *InboundPipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *InboundPipeline) drain(wctx, cbctx context.Context) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Msg("xdispatch: inbound drain worker crashed")
			panic(r)
		}
	}()
	for {
		select {
		case <-wctx.Done():
			return
		case msg := <-p.queue:
			p.process(cbctx, msg)
		}
	}
}

func (p *InboundPipeline) process(ctx context.Context, msg *Message) {
	if p.validator != nil && !p.validate(ctx, msg) {
		p.rejected.Add(1)
		p.logger.Debug().Str("message_id", msg.ID).Str("message_type", string(msg.Type)).Msg("xdispatch: inbound message rejected by validator")
		p.notify(Event{Type: EventRejected, MessageID: msg.ID, MessageType: msg.Type})
		return
	}
	p.HandleInbound(ctx, msg)
}

func (p *InboundPipeline) validate(ctx context.Context, msg *Message) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn().Interface("panic", r).Str("message_id", msg.ID).Msg("xdispatch: validator panic, message rejected")
			ok = false
		}
	}()
	return p.validator(ctx, msg, ValidationContext{ComponentName: p.cfg.Component, MessageType: msg.Type})
}

// HandleInbound delivers msg to every matching subscription in insertion
// order and returns the number of successful deliveries. A failing or
// panicking callback only affects its own delivery record.
func (p *InboundPipeline) HandleInbound(ctx context.Context, msg *Message) int {
	matches := p.subs.MatchLocal(msg)
	if len(matches) == 0 {
		p.unmatched.Add(1)
		p.logger.Debug().Str("message_id", msg.ID).Str("message_type", string(msg.Type)).Msg("xdispatch: no subscription for message")
		p.notify(Event{Type: EventUnmatched, MessageID: msg.ID, MessageType: msg.Type})
		return 0
	}

	delivered := 0
	for _, sub := range matches {
		err := p.invoke(ctx, sub, msg)
		if err == nil {
			delivered++
			p.delivered.Add(1)
			p.ledger.RecordMessage(msg, sub.ID, StatusDelivered, nil)
			p.notify(Event{Type: EventDelivered, MessageID: msg.ID, MessageType: msg.Type, SubscriptionID: sub.ID})
			continue
		}
		p.failed.Add(1)
		p.ledger.RecordMessage(msg, sub.ID, StatusFailed, err)
		p.logger.Warn().Err(err).Str("message_id", msg.ID).Str("subscription_id", sub.ID).Msg("xdispatch: delivery failed")
		p.notify(Event{Type: EventDeliveryFailed, MessageID: msg.ID, MessageType: msg.Type, SubscriptionID: sub.ID, Err: err})
	}
	return delivered
}

// QueueLen returns the number of queued messages.
func (p *InboundPipeline) QueueLen() int { return len(p.queue) }

// QueueCap returns the queue capacity.
func (p *InboundPipeline) QueueCap() int { return cap(p.queue) }

// Stats returns the pipeline counters.
func (p *InboundPipeline) Stats() InboundStats {
	return InboundStats{
		Received:       p.received.Load(),
		Dropped:        p.dropped.Load(),
		Rejected:       p.rejected.Load(),
		Unmatched:      p.unmatched.Load(),
		Delivered:      p.delivered.Load(),
		DeliveryFailed: p.failed.Load(),
	}
}
