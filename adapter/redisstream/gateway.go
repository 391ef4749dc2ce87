package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/trickstertwo/xdispatch"
)

// Gateway implements xdispatch.Gateway over Redis Streams.
type Gateway struct {
	cfg    Config
	client *redis.Client
	codec  xdispatch.Codec
	logger *zerolog.Logger

	mu      sync.RWMutex
	subs    map[string]consumed
	groups  map[string]struct{}
	receive func(ctx context.Context, msg *xdispatch.Message) error

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closed    atomic.Bool

	// metrics for observability
	metrics *gatewayMetrics
}

// consumed is a subscription whose messages this process consumes.
type consumed struct {
	sub    xdispatch.RemoteSubscription
	filter *xdispatch.Filter
}

// gatewayMetrics tracks performance telemetry
type gatewayMetrics struct {
	sent          atomic.Uint64
	batches       atomic.Uint64
	sendErrors    atomic.Uint64
	consumed      atomic.Uint64
	acked         atomic.Uint64
	skipped       atomic.Uint64
	decodeErrors  atomic.Uint64
	consumeErrors atomic.Uint64
	claimed       atomic.Uint64
}

// Stats returns gateway telemetry.
type Stats struct {
	Sent          uint64
	Batches       uint64
	SendErrors    uint64
	Consumed      uint64
	Acked         uint64
	Skipped       uint64
	DecodeErrors  uint64
	ConsumeErrors uint64
	Claimed       uint64
}

var (
	_ xdispatch.Gateway       = (*Gateway)(nil)
	_ xdispatch.InboundBinder = (*Gateway)(nil)
)

// NewGateway connects to Redis and returns a gateway.
func NewGateway(cfg Config) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	}

	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}

	return NewGatewayWithClient(redis.NewClient(opts), cfg)
}

// NewGatewayWithClient wraps an existing client. The gateway owns it afterwards.
func NewGatewayWithClient(client *redis.Client, cfg Config) (*Gateway, error) {
	if err := ping(client); err != nil {
		_ = client.Close()
		return nil, err
	}
	codec, err := xdispatch.LookupCodec(cfg.Codec)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		cfg:     cfg,
		client:  client,
		codec:   codec,
		logger:  logger,
		subs:    make(map[string]consumed),
		groups:  make(map[string]struct{}),
		ctx:     ctx,
		cancel:  cancel,
		metrics: &gatewayMetrics{},
	}, nil
}

// Client exposes the underlying Redis client.
func (g *Gateway) Client() *redis.Client { return g.client }

// StreamKey returns the stream messages of type t are written to.
func (g *Gateway) StreamKey(t xdispatch.MessageType) string {
	return g.cfg.Prefix + streamSegment + string(t)
}

// SubscriptionsKey returns the hash holding registered subscriptions.
func (g *Gateway) SubscriptionsKey() string {
	return g.cfg.Prefix + subscriptionKey
}

func (g *Gateway) xaddArgs(msg *xdispatch.Message, batchID string) (*redis.XAddArgs, error) {
	vals, err := encodeMessage(g.codec, msg, batchID)
	if err != nil {
		return nil, err
	}
	args := &redis.XAddArgs{
		Stream: g.StreamKey(msg.Type),
		ID:     "*", // Let Redis generate ID
		Values: vals,
	}
	// Approximate trimming to keep stream bounded
	if g.cfg.MaxLenApprox > 0 {
		args.MaxLen = g.cfg.MaxLenApprox
		args.Approx = true
	}
	return args, nil
}

// SendMessage appends msg to the stream of its type.
func (g *Gateway) SendMessage(ctx context.Context, msg *xdispatch.Message) error {
	if g.closed.Load() {
		return errors.New("redisstream: gateway is closed")
	}
	args, err := g.xaddArgs(msg, "")
	if err != nil {
		return err
	}
	if err := g.client.XAdd(ctx, args).Err(); err != nil {
		g.metrics.sendErrors.Add(1)
		return err
	}
	g.metrics.sent.Add(1)
	return nil
}

// SendBatch appends every message of batch inside one MULTI/EXEC
// transaction, so either all entries are written or none.
func (g *Gateway) SendBatch(ctx context.Context, batch *xdispatch.MessageBatch) error {
	if g.closed.Load() {
		return errors.New("redisstream: gateway is closed")
	}
	if batch == nil || len(batch.Messages) == 0 {
		return nil
	}

	// Encode everything before touching Redis (fail-fast)
	args := make([]*redis.XAddArgs, 0, len(batch.Messages))
	for _, m := range batch.Messages {
		a, err := g.xaddArgs(m, batch.ID)
		if err != nil {
			return err
		}
		args = append(args, a)
	}

	_, err := g.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, a := range args {
			pipe.XAdd(ctx, a)
		}
		return nil
	})
	if err != nil {
		g.metrics.sendErrors.Add(uint64(len(args)))
		return err
	}
	g.metrics.batches.Add(1)
	g.metrics.sent.Add(uint64(len(args)))
	return nil
}

// Subscribe stores sub in the subscriptions hash. Without a callback URL the
// consumer group is created on every stream of its types and matching
// entries are pushed to the bound receiver.
func (g *Gateway) Subscribe(ctx context.Context, sub xdispatch.RemoteSubscription) (string, error) {
	if g.closed.Load() {
		return "", errors.New("redisstream: gateway is closed")
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
	data, err := g.codec.Marshal(sub)
	if err != nil {
		return "", fmt.Errorf("redisstream: encode subscription: %w", err)
	}
	if err := g.client.HSet(ctx, g.SubscriptionsKey(), sub.ID, data).Err(); err != nil {
		return "", err
	}

	if sub.CallbackURL == "" {
		for _, t := range sub.MessageTypes {
			if err := g.ensureGroup(ctx, g.StreamKey(t)); err != nil {
				_ = g.client.HDel(ctx, g.SubscriptionsKey(), sub.ID).Err()
				return "", err
			}
		}
		g.mu.Lock()
		g.subs[sub.ID] = consumed{sub: sub, filter: f}
		g.mu.Unlock()
	}

	g.logger.Debug().Str("subscription_id", sub.ID).Str("component", sub.Component).Msg("redisstream: subscription stored")
	return sub.ID, nil
}

// Unsubscribe removes sub from the hash and stops consuming for it.
func (g *Gateway) Unsubscribe(ctx context.Context, id string) error {
	n, err := g.client.HDel(ctx, g.SubscriptionsKey(), id).Result()
	if err != nil {
		return err
	}
	g.mu.Lock()
	_, local := g.subs[id]
	delete(g.subs, id)
	g.mu.Unlock()
	if n == 0 && !local {
		return xdispatch.ErrSubscriptionNotFound
	}
	return nil
}

// Subscriptions reads every subscription stored in the hash.
func (g *Gateway) Subscriptions(ctx context.Context) ([]xdispatch.RemoteSubscription, error) {
	raw, err := g.client.HGetAll(ctx, g.SubscriptionsKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]xdispatch.RemoteSubscription, 0, len(raw))
	for id, data := range raw {
		var sub xdispatch.RemoteSubscription
		if err := g.codec.Unmarshal([]byte(data), &sub); err != nil {
			return nil, fmt.Errorf("redisstream: decode subscription %s: %w", id, err)
		}
		out = append(out, sub)
	}
	return out, nil
}

func (g *Gateway) ensureGroup(ctx context.Context, stream string) error {
	g.mu.RLock()
	_, ok := g.groups[stream]
	g.mu.RUnlock()
	if ok {
		return nil
	}
	// "$" starts from new messages; BUSYGROUP means it already exists.
	err := g.client.XGroupCreateMkStream(ctx, stream, g.cfg.Group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	g.mu.Lock()
	g.groups[stream] = struct{}{}
	g.mu.Unlock()
	return nil
}

// BindInbound implements xdispatch.InboundBinder and starts consuming.
func (g *Gateway) BindInbound(receive func(ctx context.Context, msg *xdispatch.Message) error) {
	g.mu.Lock()
	g.receive = receive
	g.mu.Unlock()

	g.startOnce.Do(func() {
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.pollerLoop(g.ctx)
		}()

		// Optional pending entry recovery loop (claims entries stuck on dead consumers)
		if g.cfg.ClaimMinIdle > 0 && g.cfg.ClaimInterval > 0 && g.cfg.ClaimBatch > 0 {
			g.wg.Add(1)
			go func() {
				defer g.wg.Done()
				g.claimLoop(g.ctx)
			}()
		}
	})
}

// activeStreams returns the streams of all consumed subscriptions, sorted.
func (g *Gateway) activeStreams() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []string
	for _, c := range g.subs {
		for _, t := range c.sub.MessageTypes {
			out = append(out, g.StreamKey(t))
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// pollerLoop reads new entries for the active streams and hands them to the receiver.
func (g *Gateway) pollerLoop(ctx context.Context) {
	backoff := time.Millisecond * 100
	maxBackoff := time.Second * 5

	for {
		// Fast exit on context cancellation
		if ctx.Err() != nil {
			return
		}

		streams := g.activeStreams()
		if len(streams) == 0 {
			select {
			case <-time.After(g.cfg.Block):
			case <-ctx.Done():
				return
			}
			continue
		}

		keys := make([]string, 0, 2*len(streams))
		keys = append(keys, streams...)
		for range streams {
			keys = append(keys, ">")
		}

		res, err := g.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    g.cfg.Group,
			Consumer: g.cfg.Consumer,
			Streams:  keys,
			Count:    int64(max(1, g.cfg.BatchSize)),
			Block:    g.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				// Block timeout (expected), continue polling
				backoff = time.Millisecond * 100
				continue
			}

			// Transient error: exponential backoff
			g.metrics.consumeErrors.Add(1)
			g.logger.Warn().Err(err).Dur("backoff", backoff).Msg("redisstream: read failed")
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
			case <-ctx.Done():
				return
			}
			continue
		}

		// Reset backoff on successful read
		backoff = time.Millisecond * 100

		for _, stream := range res {
			for _, x := range stream.Messages {
				g.handle(ctx, stream.Stream, x)
			}
		}
	}
}

// handle decodes one entry and passes it on. The entry is acknowledged when
// the receiver accepts it, or when it is undecodable or unwanted; otherwise
// it stays pending for the claim loop.
func (g *Gateway) handle(ctx context.Context, stream string, x redis.XMessage) {
	g.metrics.consumed.Add(1)

	msg, err := decodeMessage(g.codec, x.ID, x.Values)
	if err != nil {
		g.metrics.decodeErrors.Add(1)
		g.logger.Warn().Err(err).Str("stream", stream).Str("entry", x.ID).Msg("redisstream: dropping undecodable entry")
		g.ack(ctx, stream, x.ID)
		return
	}

	g.mu.RLock()
	receive := g.receive
	g.mu.RUnlock()

	if receive == nil || !g.wanted(msg) {
		g.metrics.skipped.Add(1)
		g.ack(ctx, stream, x.ID)
		return
	}

	if err := receive(ctx, msg); err != nil {
		g.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("redisstream: receiver refused entry, left pending")
		return
	}
	g.ack(ctx, stream, x.ID)
}

// wanted reports whether any consumed subscription matches msg.
func (g *Gateway) wanted(msg *xdispatch.Message) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, c := range g.subs {
		if slices.Contains(c.sub.MessageTypes, msg.Type) && c.filter.Matches(msg) {
			return true
		}
	}
	return false
}

func (g *Gateway) ack(ctx context.Context, stream, id string) {
	if err := g.client.XAck(ctx, stream, g.cfg.Group, id).Err(); err != nil {
		g.logger.Warn().Err(err).Str("stream", stream).Str("entry", id).Msg("redisstream: ack failed")
		return
	}
	g.metrics.acked.Add(1)
}

// claimLoop periodically claims entries left pending longer than
// ClaimMinIdle and hands them to the receiver again.
func (g *Gateway) claimLoop(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, stream := range g.activeStreams() {
			g.claimStream(ctx, stream)
		}
	}
}

func (g *Gateway) claimStream(ctx context.Context, stream string) {
	pending, err := g.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  g.cfg.Group,
		Start:  "-",
		End:    "+",
		Count:  int64(max(1, g.cfg.ClaimBatch)),
		Idle:   g.cfg.ClaimMinIdle,
	}).Result()
	if err != nil || len(pending) == 0 {
		return
	}

	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}
	msgs, err := g.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    g.cfg.Group,
		Consumer: g.cfg.Consumer,
		MinIdle:  g.cfg.ClaimMinIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		g.logger.Warn().Err(err).Str("stream", stream).Msg("redisstream: claim failed")
		return
	}
	g.metrics.claimed.Add(uint64(len(msgs)))
	for _, x := range msgs {
		g.handle(ctx, stream, x)
	}
}

// Close stops consuming and closes the client.
func (g *Gateway) Close(_ context.Context) error {
	if g.closed.Swap(true) {
		return nil // Already closed
	}
	g.cancel()
	g.wg.Wait()
	return g.client.Close()
}

// Stats returns current gateway metrics.
func (g *Gateway) Stats() Stats {
	return Stats{
		Sent:          g.metrics.sent.Load(),
		Batches:       g.metrics.batches.Load(),
		SendErrors:    g.metrics.sendErrors.Load(),
		Consumed:      g.metrics.consumed.Load(),
		Acked:         g.metrics.acked.Load(),
		Skipped:       g.metrics.skipped.Load(),
		DecodeErrors:  g.metrics.decodeErrors.Load(),
		ConsumeErrors: g.metrics.consumeErrors.Load(),
		Claimed:       g.metrics.claimed.Load(),
	}
}

// Helper functions

func ping(c *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}

	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}

	return nil
}
