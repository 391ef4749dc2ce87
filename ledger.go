package xdispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/trickstertwo/xclock"
)

// Redeliverer re-invokes the callback of subscription subID with msg. found
// is false when the subscription no longer exists.
type Redeliverer func(ctx context.Context, subID string, msg *Message) (found bool, err error)

// LedgerConfig configures a DeliveryLedger.
type LedgerConfig struct {
	MaxRetryCount int
	HistoryLimit  int
	// Redeliver makes Sweep re-invoke callbacks of FAILED records. When false
	// the sweep only advances attempt counts towards expiry.
	Redeliver bool
}

// SweepResult summarizes one retry sweep.
type SweepResult struct {
	Retried     int
	Redelivered int
	Expired     int
	Evicted     int
}

type ledgerEntry struct {
	rec DeliveryRecord
	// msg is retained only while rec.Status is FAILED and redelivery is on.
	msg *Message
}

// DeliveryLedger tracks the delivery state of every (message, subscription)
// pair, drives bounded retries and keeps the history under a size limit.
type DeliveryLedger struct {
	cfg       LedgerConfig
	now       func() time.Time
	redeliver Redeliverer
	notify    func(Event)
	logger    *zerolog.Logger

	mu      sync.Mutex
	records map[string]*ledgerEntry

	// sweepMu serializes sweeps; mu is released while callbacks run.
	sweepMu sync.Mutex
}

// NewDeliveryLedger creates an empty ledger. redeliver and notify may be nil.
func NewDeliveryLedger(cfg LedgerConfig, clock xclock.Clock, redeliver Redeliverer, notify func(Event), logger *zerolog.Logger) *DeliveryLedger {
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
	return &DeliveryLedger{
		cfg:       cfg,
		now:       clock.Now,
		redeliver: redeliver,
		notify:    notify,
		logger:    logger,
		records:   make(map[string]*ledgerEntry),
	}
}

// Record registers a delivery attempt. The first attempt for a key creates
// the record with AttemptCount 1; later attempts increment it.
func (l *DeliveryLedger) Record(messageID, subscriptionID string, status DeliveryStatus, errText string) {
	l.record(messageID, subscriptionID, nil, status, errText)
}

// RecordMessage is Record for a delivery of msg. A FAILED outcome retains
// msg for redelivery by the sweep.
func (l *DeliveryLedger) RecordMessage(msg *Message, subscriptionID string, status DeliveryStatus, err error) {
	var errText string
	if err != nil {
		errText = err.Error()
	}
	l.record(msg.ID, subscriptionID, msg, status, errText)
}

func (l *DeliveryLedger) record(messageID, subscriptionID string, msg *Message, status DeliveryStatus, errText string) {
	now := l.now()
	key := RecordKey(messageID, subscriptionID)

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.records[key]
	if !ok {
		e = &ledgerEntry{rec: DeliveryRecord{
			MessageID:      messageID,
			SubscriptionID: subscriptionID,
		}}
		l.records[key] = e
	}
	e.rec.Status = status
	e.rec.AttemptCount++
	e.rec.LastAttempt = now
	if status == StatusDelivered {
		t := now
		e.rec.DeliveredAt = &t
	}
	if errText != "" {
		e.rec.Error = errText
	}
	if status == StatusFailed && l.cfg.Redeliver && msg != nil {
		e.msg = msg
	} else if status != StatusFailed {
		e.msg = nil
	}
}

type redelivery struct {
	key   string
	subID string
	msg   *Message
}

// Sweep advances every FAILED record that has attempts left: its attempt
// count is incremented and, with redelivery enabled, its callback re-invoked.
// Records still FAILED at MaxRetryCount become EXPIRED, including those that
// reached it before the sweep. The history is then trimmed to HistoryLimit,
// oldest LastAttempt first.
func (l *DeliveryLedger) Sweep(ctx context.Context) SweepResult {
	l.sweepMu.Lock()
	defer l.sweepMu.Unlock()

	var res SweepResult
	var pending []redelivery
	now := l.now()

	l.mu.Lock()
	for key, e := range l.records {
		if e.rec.Status != StatusFailed {
			continue
		}
		if e.rec.AttemptCount >= l.cfg.MaxRetryCount {
			// reached the limit outside a sweep, e.g. on the first attempt or a re-receipt
			if l.expireIfExhausted(e) {
				res.Expired++
			}
			continue
		}
		e.rec.AttemptCount++
		e.rec.LastAttempt = now
		res.Retried++
		if l.cfg.Redeliver && l.redeliver != nil && e.msg != nil {
			pending = append(pending, redelivery{key: key, subID: e.rec.SubscriptionID, msg: e.msg})
			continue
		}
		if l.expireIfExhausted(e) {
			res.Expired++
		}
	}
	l.mu.Unlock()

	for _, p := range pending {
		found, err := l.invoke(ctx, p)
		l.mu.Lock()
		e, ok := l.records[p.key]
		if !ok || e.rec.Status != StatusFailed {
			l.mu.Unlock()
			continue
		}
		switch {
		case found && err == nil:
			t := l.now()
			e.rec.Status = StatusDelivered
			e.rec.DeliveredAt = &t
			e.msg = nil
			res.Redelivered++
			l.notify(Event{Type: EventDelivered, MessageID: p.msg.ID, MessageType: p.msg.Type, SubscriptionID: p.subID})
		case !found:
			// subscription is gone; nothing left to redeliver to
			e.msg = nil
		default:
			e.rec.Error = err.Error()
		}
		if l.expireIfExhausted(e) {
			res.Expired++
		}
		l.mu.Unlock()
	}

	res.Evicted = l.evict()
	if res.Retried > 0 || res.Expired > 0 || res.Evicted > 0 {
		l.logger.Debug().
			Int("retried", res.Retried).
			Int("redelivered", res.Redelivered).
			Int("expired", res.Expired).
			Int("evicted", res.Evicted).
			Msg("xdispatch: retry sweep")
	}
	return res
}

func (l *DeliveryLedger) invoke(ctx context.Context, p redelivery) (found bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			found, err = true, panicError(r)
		}
	}()
	l.notify(Event{Type: EventRetried, MessageID: p.msg.ID, MessageType: p.msg.Type, SubscriptionID: p.subID})
	return l.redeliver(ctx, p.subID, p.msg)
}

// expireIfExhausted must be called with mu held.
func (l *DeliveryLedger) expireIfExhausted(e *ledgerEntry) bool {
	if e.rec.Status != StatusFailed || e.rec.AttemptCount < l.cfg.MaxRetryCount {
		return false
	}
	e.rec.Status = StatusExpired
	e.msg = nil
	l.notify(Event{Type: EventExpired, MessageID: e.rec.MessageID, SubscriptionID: e.rec.SubscriptionID, Count: e.rec.AttemptCount})
	return true
}

func (l *DeliveryLedger) evict() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	excess := len(l.records) - l.cfg.HistoryLimit
	if l.cfg.HistoryLimit <= 0 || excess <= 0 {
		return 0
	}
	keys := make([]string, 0, len(l.records))
	for k := range l.records {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := l.records[keys[i]].rec.LastAttempt, l.records[keys[j]].rec.LastAttempt
		if a.Equal(b) {
			return keys[i] < keys[j]
		}
		return a.Before(b)
	})
	for _, k := range keys[:excess] {
		delete(l.records, k)
	}
	l.notify(Event{Type: EventEvicted, Count: excess})
	return excess
}

// Get returns a copy of the record for (messageID, subscriptionID).
func (l *DeliveryLedger) Get(messageID, subscriptionID string) (DeliveryRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.records[RecordKey(messageID, subscriptionID)]
	if !ok {
		return DeliveryRecord{}, false
	}
	return copyRecord(e.rec), true
}

// Len returns the number of records.
func (l *DeliveryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Stats counts records per status. Every status is present.
func (l *DeliveryLedger) Stats() DeliveryStats {
	stats := DeliveryStats{
		StatusPending:   0,
		StatusDelivered: 0,
		StatusFailed:    0,
		StatusExpired:   0,
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.records {
		stats[e.rec.Status]++
	}
	return stats
}

// Snapshot returns a copy of all records keyed by RecordKey.
func (l *DeliveryLedger) Snapshot() map[string]DeliveryRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]DeliveryRecord, len(l.records))
	for k, e := range l.records {
		out[k] = copyRecord(e.rec)
	}
	return out
}

func (l *DeliveryLedger) retained(messageID, subscriptionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.records[RecordKey(messageID, subscriptionID)]
	return ok && e.msg != nil
}

func copyRecord(r DeliveryRecord) DeliveryRecord {
	if r.DeliveredAt != nil {
		t := *r.DeliveredAt
		r.DeliveredAt = &t
	}
	return r
}
