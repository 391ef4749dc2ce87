package xdispatch

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/trickstertwo/xclock"
)

// DispatcherBuilder constructs Dispatcher instances (Builder pattern).
type DispatcherBuilder struct {
	gatewayName string
	gatewayCfg  map[string]any
	gatewayInst Gateway

	codecName string
	codecInst Codec

	cfg          Config
	dataDirSet   bool
	middlewares  []Middleware
	observers    []Observer
	observerPool *ObserverPool
	logger       *zerolog.Logger
	clock        xclock.Clock
	validator    Validator
	snapshotter  Snapshotter
	noSnapshot   bool
	lenient      bool
	remoteCB     Callback
}

// NewDispatcherBuilder returns a new builder with sensible defaults.
func NewDispatcherBuilder() *DispatcherBuilder {
	return &DispatcherBuilder{
		codecName: "json",
		cfg:       Defaults(),
	}
}

// WithGateway selects a registered gateway by name.
func (db *DispatcherBuilder) WithGateway(name string, cfg map[string]any) *DispatcherBuilder {
	db.gatewayName = name
	db.gatewayCfg = cfg
	return db
}

// WithGatewayInstance accepts a ready Gateway instance.
func (db *DispatcherBuilder) WithGatewayInstance(g Gateway) *DispatcherBuilder {
	db.gatewayInst = g
	return db
}

// WithConfig replaces the whole configuration.
func (db *DispatcherBuilder) WithConfig(c Config) *DispatcherBuilder {
	db.cfg = c
	db.dataDirSet = c.DataDir != ""
	return db
}

func (db *DispatcherBuilder) WithComponentName(name string) *DispatcherBuilder {
	if name != "" {
		db.cfg.ComponentName = name
	}
	return db
}

func (db *DispatcherBuilder) WithQueueLimit(n int) *DispatcherBuilder {
	if n > 0 {
		db.cfg.QueueLimit = n
	}
	return db
}

// WithBatchSize overrides the batch size; values below 1 keep the current one.
func (db *DispatcherBuilder) WithBatchSize(n int) *DispatcherBuilder {
	if n > 0 {
		db.cfg.BatchSize = n
	}
	return db
}

func (db *DispatcherBuilder) WithBatchInterval(d time.Duration) *DispatcherBuilder {
	if d > 0 {
		db.cfg.BatchInterval = d
	}
	return db
}

func (db *DispatcherBuilder) WithRetryInterval(d time.Duration) *DispatcherBuilder {
	if d > 0 {
		db.cfg.RetryInterval = d
	}
	return db
}

func (db *DispatcherBuilder) WithMaxRetryCount(n int) *DispatcherBuilder {
	if n > 0 {
		db.cfg.MaxRetryCount = n
	}
	return db
}

func (db *DispatcherBuilder) WithHistoryLimit(n int) *DispatcherBuilder {
	if n > 0 {
		db.cfg.HistoryLimit = n
	}
	return db
}

// WithRedelivery toggles callback redelivery in the retry sweep. When off,
// the sweep only counts FAILED records towards expiry.
func (db *DispatcherBuilder) WithRedelivery(on bool) *DispatcherBuilder {
	db.cfg.Redelivery = on
	return db
}

// WithDataDir sets where the default snapshotter writes.
func (db *DispatcherBuilder) WithDataDir(dir string) *DispatcherBuilder {
	db.cfg.DataDir = dir
	db.dataDirSet = dir != ""
	return db
}

func (db *DispatcherBuilder) WithCodec(name string) *DispatcherBuilder {
	db.codecName = name
	return db
}

// WithCodecInstance accepts a ready Codec instance.
func (db *DispatcherBuilder) WithCodecInstance(c Codec) *DispatcherBuilder {
	db.codecInst = c
	return db
}

// WithMiddleware adds callback middlewares, applied in order after panic recovery.
func (db *DispatcherBuilder) WithMiddleware(mw ...Middleware) *DispatcherBuilder {
	if len(mw) == 0 {
		return db
	}
	db.middlewares = append(db.middlewares, mw...)
	return db
}

func (db *DispatcherBuilder) WithObserver(obs ...Observer) *DispatcherBuilder {
	for _, o := range obs {
		if o != nil {
			db.observers = append(db.observers, o)
		}
	}
	return db
}

// WithObserverPool shares an existing pool; the dispatcher closes it on Close.
func (db *DispatcherBuilder) WithObserverPool(p *ObserverPool) *DispatcherBuilder {
	db.observerPool = p
	return db
}

func (db *DispatcherBuilder) WithLogger(l *zerolog.Logger) *DispatcherBuilder {
	db.logger = l
	return db
}

func (db *DispatcherBuilder) WithClock(c xclock.Clock) *DispatcherBuilder {
	db.clock = c
	return db
}

// WithValidator installs the inbound validation hook.
func (db *DispatcherBuilder) WithValidator(v Validator) *DispatcherBuilder {
	db.validator = v
	return db
}

// WithSnapshotter replaces the default file snapshotter.
func (db *DispatcherBuilder) WithSnapshotter(s Snapshotter) *DispatcherBuilder {
	db.snapshotter = s
	db.noSnapshot = false
	return db
}

// WithoutSnapshot disables the ledger snapshot on Stop.
func (db *DispatcherBuilder) WithoutSnapshot() *DispatcherBuilder {
	db.snapshotter = nil
	db.noSnapshot = true
	return db
}

// WithLenientFilters makes invalid filter conditions a logged no-op instead
// of a subscription error.
func (db *DispatcherBuilder) WithLenientFilters() *DispatcherBuilder {
	db.lenient = true
	return db
}

// WithRemoteCallback sets the callback for remote subscriptions registered
// without a callback URL or a callback of their own.
func (db *DispatcherBuilder) WithRemoteCallback(cb Callback) *DispatcherBuilder {
	db.remoteCB = cb
	return db
}

func (db *DispatcherBuilder) Build() (*Dispatcher, error) {
	var gw Gateway
	var err error

	switch {
	case db.gatewayInst != nil:
		gw = db.gatewayInst
	case db.gatewayName != "":
		gw, err = NewGateway(db.gatewayName, db.gatewayCfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoGatewayConfigured
	}

	cfg := db.cfg
	if !db.dataDirSet && cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir(cfg.ComponentName)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var cd Codec
	if db.codecInst != nil {
		cd = db.codecInst
	} else {
		cd, err = LookupCodec(db.codecName)
		if err != nil {
			return nil, err
		}
	}

	clk := db.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := db.logger
	if lg == nil {
		l := log.Logger.With().Str("component", cfg.ComponentName).Logger()
		lg = &l
	}

	pool := db.observerPool
	if pool == nil {
		pool = NewObserverPool(context.Background(), cfg.ObserverWorkers, cfg.ObserverBuffer)
		pool.logger = lg
	}

	d := &Dispatcher{
		cfg:          cfg,
		gateway:      gw,
		codec:        cd,
		clock:        clk,
		logger:       lg,
		middlewares:  db.middlewares,
		observerPool: pool,
		callbacks:    make(map[MessageType][]Callback),
	}

	switch {
	case db.snapshotter != nil:
		d.snapshotter = db.snapshotter
	case !db.noSnapshot:
		d.snapshotter = NewFileSnapshotter(cfg.DataDir, clk)
	}

	parse := ParseFilter
	if db.lenient {
		parse = func(expr string) (*Filter, error) { return ParseFilterLenient(expr, lg), nil }
	}

	d.subs = NewSubscriptionTable(gw, cfg.ComponentName, parse, db.remoteCB, lg)
	d.ledger = NewDeliveryLedger(LedgerConfig{
		MaxRetryCount: cfg.MaxRetryCount,
		HistoryLimit:  cfg.HistoryLimit,
		Redeliver:     cfg.Redelivery,
	}, clk, d.redeliver, d.notifyAsync, lg)
	d.outbound = NewOutboundPipeline(OutboundConfig{
		QueueLimit:    cfg.QueueLimit,
		BatchSize:     cfg.BatchSize,
		BatchInterval: cfg.BatchInterval,
		Source:        cfg.ComponentName,
	}, gw, clk, d.notifyAsync, lg)
	d.inbound = NewInboundPipeline(InboundConfig{
		QueueLimit: cfg.QueueLimit,
		Component:  cfg.ComponentName,
	}, d.subs, d.ledger, db.validator, d.invoke, d.notifyAsync, lg)

	// Attach logging observer first for dependable telemetry unless already supplied externally.
	hasLoggingObserver := false
	for _, o := range db.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		d.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range db.observers {
		d.AddObserver(o)
	}

	return d, nil
}

// New constructs a Dispatcher via Builder and returns a close func for convenience.
func New(init func(b *DispatcherBuilder)) (*Dispatcher, func() error, error) {
	b := NewDispatcherBuilder()
	if init != nil {
		init(b)
	}
	d, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return d.Close(context.Background()) }
	return d, closeFn, nil
}
