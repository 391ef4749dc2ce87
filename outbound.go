package xdispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/trickstertwo/xclock"
)

// OutboundConfig configures an OutboundPipeline.
type OutboundConfig struct {
	QueueLimit    int
	BatchSize     int
	BatchInterval time.Duration
	// Source fills Message.Source when it is empty.
	Source string
}

// OutboundStats is a snapshot of the pipeline counters.
type OutboundStats struct {
	Enqueued      uint64
	Dropped       uint64
	Sent          uint64
	BatchesSent   uint64
	BatchesFailed uint64
	Requeued      uint64
	AvgFlushNs    int64
}

// OutboundPipeline queues outgoing messages and ships them to the gateway in
// batches of at most BatchSize, flushing early on a BatchInterval tick.
// A batch that fails to send is returned to the queue message by message.
type OutboundPipeline struct {
	cfg     OutboundConfig
	gateway Gateway
	clock   xclock.Clock
	logger  *zerolog.Logger
	notify  func(Event)

	queue chan *Message

	mu    sync.Mutex
	batch []*Message

	// flushMu keeps batches leaving in accumulator order.
	flushMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup

	enqueued      atomic.Uint64
	dropped       atomic.Uint64
	sent          atomic.Uint64
	batchesSent   atomic.Uint64
	batchesFailed atomic.Uint64
	requeued      atomic.Uint64
	flushNs       atomic.Int64
}

// NewOutboundPipeline creates a stopped pipeline. notify may be nil.
func NewOutboundPipeline(cfg OutboundConfig, gateway Gateway, clock xclock.Clock, notify func(Event), logger *zerolog.Logger) *OutboundPipeline {
	if clock == nil {
		clock = xclock.Default()
	}
	if notify == nil {
		notify = func(Event) {}
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = time.Second
	}
	return &OutboundPipeline{
		cfg:     cfg,
		gateway: gateway,
		clock:   clock,
		logger:  logger,
		notify:  notify,
		queue:   make(chan *Message, cfg.QueueLimit),
		batch:   make([]*Message, 0, cfg.BatchSize),
	}
}

// Enqueue fills in Source and Timestamp when absent and queues msg without
// blocking. It returns ErrQueueFull when the queue is at capacity.
func (p *OutboundPipeline) Enqueue(msg *Message) error {
	if msg == nil {
		return ErrInvalidMessage
	}
	if msg.Source == "" {
		msg.Source = p.cfg.Source
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = p.clock.Now()
	}
	select {
	case p.queue <- msg:
		p.enqueued.Add(1)
		p.notify(Event{Type: EventEnqueued, MessageID: msg.ID, MessageType: msg.Type})
		return nil
	default:
		p.dropped.Add(1)
		p.logger.Warn().Str("message_id", msg.ID).Str("message_type", string(msg.Type)).Msg("xdispatch: outbound queue full, message dropped")
		p.notify(Event{Type: EventDropped, MessageID: msg.ID, MessageType: msg.Type, Err: ErrQueueFull})
		return ErrQueueFull
	}
}

// Start launches the drain and timer workers.
func (p *OutboundPipeline) Start(ctx context.Context) {
	wctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Add(2)
	go p.drain(wctx)
	go p.tick(wctx)
}

// Stop cancels the workers, waits for them, and flushes whatever is still
// queued or accumulated using ctx for the final sends.
func (p *OutboundPipeline) Stop(ctx context.Context) {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	// bounded by the current length: failed flushes requeue
	for n := len(p.queue); n > 0; n-- {
		if p.add(<-p.queue) {
			p.Flush(ctx)
		}
	}
	for p.Pending() > 0 {
		p.Flush(ctx)
	}

	if n := len(p.queue); n > 0 {
		p.logger.Warn().Int("count", n).Msg("xdispatch: outbound messages left unsent at shutdown")
	}
}

func (p *OutboundPipeline) drain(ctx context.Context) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Msg("xdispatch: outbound drain worker crashed")
			panic(r)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-p.queue:
			if p.add(msg) {
				p.Flush(ctx)
			}
		}
	}
}

func (p *OutboundPipeline) tick(ctx context.Context) {
	defer p.wg.Done()
	t := time.NewTicker(p.cfg.BatchInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if p.Pending() > 0 {
				p.Flush(ctx)
			}
		}
	}
}

// add appends msg to the accumulator and reports whether it is full.
func (p *OutboundPipeline) add(msg *Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batch = append(p.batch, msg)
	return len(p.batch) >= p.cfg.BatchSize
}

// Pending returns the number of accumulated, not yet flushed messages.
func (p *OutboundPipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.batch)
}

// QueueLen returns the number of queued messages.
func (p *OutboundPipeline) QueueLen() int { return len(p.queue) }

// QueueCap returns the queue capacity.
func (p *OutboundPipeline) QueueCap() int { return cap(p.queue) }

// Flush sends the accumulated messages as one batch. On failure every
// message is put back on the queue; those that no longer fit are dropped.
func (p *OutboundPipeline) Flush(ctx context.Context) {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.mu.Lock()
	if len(p.batch) == 0 {
		p.mu.Unlock()
		return
	}
	n := min(len(p.batch), p.cfg.BatchSize)
	msgs := make([]*Message, n)
	copy(msgs, p.batch[:n])
	p.batch = append(p.batch[:0], p.batch[n:]...)
	p.mu.Unlock()

	batch := &MessageBatch{ID: newID(), Source: p.cfg.Source, Messages: msgs}

	start := p.clock.Now()
	var err error
	if p.gateway == nil {
		err = ErrNoGatewayConfigured
	} else {
		err = p.gateway.SendBatch(ctx, batch)
	}
	dur := p.clock.Since(start)
	p.recordFlushTime(dur.Nanoseconds())

	if err == nil {
		p.batchesSent.Add(1)
		p.sent.Add(uint64(n))
		p.logger.Debug().Str("batch_id", batch.ID).Int("count", n).Msg("xdispatch: batch sent")
		p.notify(Event{Type: EventBatchFlushed, BatchID: batch.ID, Count: n, Duration: dur})
		return
	}

	p.batchesFailed.Add(1)
	p.logger.Error().Err(err).Str("batch_id", batch.ID).Int("count", n).Msg("xdispatch: batch send failed, requeueing")
	p.notify(Event{Type: EventBatchFailed, BatchID: batch.ID, Count: n, Duration: dur, Err: err})

	for _, msg := range msgs {
		select {
		case p.queue <- msg:
			p.requeued.Add(1)
			p.notify(Event{Type: EventRequeued, MessageID: msg.ID, MessageType: msg.Type})
		default:
			p.dropped.Add(1)
			p.logger.Warn().Str("message_id", msg.ID).Msg("xdispatch: outbound queue full on requeue, message dropped")
			p.notify(Event{Type: EventDropped, MessageID: msg.ID, MessageType: msg.Type, Err: ErrQueueFull})
		}
	}
}

// Stats returns the pipeline counters.
func (p *OutboundPipeline) Stats() OutboundStats {
	return OutboundStats{
		Enqueued:      p.enqueued.Load(),
		Dropped:       p.dropped.Load(),
		Sent:          p.sent.Load(),
		BatchesSent:   p.batchesSent.Load(),
		BatchesFailed: p.batchesFailed.Load(),
		Requeued:      p.requeued.Load(),
		AvgFlushNs:    p.flushNs.Load(),
	}
}

// recordFlushTime keeps an exponential moving average of flush latency.
func (p *OutboundPipeline) recordFlushTime(ns int64) {
	const alpha = 0.2
	current := p.flushNs.Load()
	if current == 0 {
		p.flushNs.Store(ns)
		return
	}
	p.flushNs.Store(int64(float64(ns)*alpha + float64(current)*(1-alpha)))
}
