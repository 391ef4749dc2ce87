package xdispatch

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Subscription is a local registration: messages of one of MessageTypes that
// pass Filter are handed to Callback.
type Subscription struct {
	ID           string
	MessageTypes map[MessageType]struct{}
	Filter       *Filter
	Callback     Callback

	// owners is non-nil for shadow subscriptions created for remote ones.
	owners map[string]struct{}
	shared string
}

// Accepts reports whether t is one of the subscribed types.
func (s *Subscription) Accepts(t MessageType) bool {
	_, ok := s.MessageTypes[t]
	return ok
}

// Matches reports whether msg is routed to this subscription.
func (s *Subscription) Matches(msg *Message) bool {
	return s.Accepts(msg.Type) && s.Filter.Matches(msg)
}

// Types returns the subscribed types in sorted order.
func (s *Subscription) Types() []MessageType {
	out := make([]MessageType, 0, len(s.MessageTypes))
	for t := range s.MessageTypes {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Shadow reports whether the subscription was created for remote subscriptions.
func (s *Subscription) Shadow() bool { return s.owners != nil }

type filterParser func(expr string) (*Filter, error)

// SubscriptionTable holds local subscriptions in insertion order and the
// remote subscriptions registered with the gateway.
//
// A remote subscription without a callback URL is backed by a shadow local
// subscription. Shadows carry an explicit owner set of remote ids and are
// removed when the last owner unsubscribes. Remote subscriptions registered
// without their own callback share one shadow per (types, filter) signature.
type SubscriptionTable struct {
	gateway   Gateway
	component string
	parse     filterParser
	remoteCB  Callback
	logger    *zerolog.Logger

	mu     sync.RWMutex
	local  map[string]*Subscription
	order  []string
	remote map[string]remoteEntry
	shared map[string]string
}

type remoteEntry struct {
	sub      RemoteSubscription
	shadowID string
}

// NewSubscriptionTable creates a table. gateway may be nil when only local
// subscriptions are used. remoteCB is the callback for shared shadow
// subscriptions and may be nil.
func NewSubscriptionTable(gateway Gateway, component string, parse filterParser, remoteCB Callback, logger *zerolog.Logger) *SubscriptionTable {
	if parse == nil {
		parse = ParseFilter
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &SubscriptionTable{
		gateway:   gateway,
		component: component,
		parse:     parse,
		remoteCB:  remoteCB,
		logger:    logger,
		local:     make(map[string]*Subscription),
		remote:    make(map[string]remoteEntry),
		shared:    make(map[string]string),
	}
}

// SubscribeLocal registers cb for messages of the given types that match filterExpr.
func (t *SubscriptionTable) SubscribeLocal(types []MessageType, cb Callback, filterExpr string) (string, error) {
	if len(types) == 0 || cb == nil {
		return "", ErrInvalidSubscription
	}
	f, err := t.parse(filterExpr)
	if err != nil {
		return "", err
	}
	sub := newSubscription(types, f, cb)

	t.mu.Lock()
	t.insert(sub)
	t.mu.Unlock()

	t.logger.Info().Str("subscription_id", sub.ID).Int("types", len(sub.MessageTypes)).Str("filter", filterExpr).Msg("xdispatch: local subscription created")
	return sub.ID, nil
}

// UnsubscribeLocal removes a local subscription. It returns false if id is unknown.
func (t *SubscriptionTable) UnsubscribeLocal(id string) bool {
	t.mu.Lock()
	sub, ok := t.local[id]
	if ok {
		t.remove(sub)
	}
	t.mu.Unlock()

	if !ok {
		t.logger.Warn().Str("subscription_id", id).Msg("xdispatch: local subscription not found")
		return false
	}
	t.logger.Info().Str("subscription_id", id).Msg("xdispatch: local subscription removed")
	return true
}

// MatchLocal returns the subscriptions msg is routed to, in insertion order.
func (t *SubscriptionTable) MatchLocal(msg *Message) []*Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*Subscription
	for _, id := range t.order {
		if sub := t.local[id]; sub.Matches(msg) {
			out = append(out, sub)
		}
	}
	return out
}

// Get returns the local subscription with id.
func (t *SubscriptionTable) Get(id string) (*Subscription, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sub, ok := t.local[id]
	return sub, ok
}

// Len returns the number of local subscriptions, shadows included.
func (t *SubscriptionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.local)
}

// RemoteLen returns the number of remote subscriptions.
func (t *SubscriptionTable) RemoteLen() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.remote)
}

// Remote returns the remote subscription with id and the id of its shadow, if any.
func (t *SubscriptionTable) Remote(id string) (RemoteSubscription, string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.remote[id]
	return e.sub, e.shadowID, ok
}

// SubscribeRemote registers spec with the gateway. With no CallbackURL, bus
// deliveries are fanned out through a shadow local subscription that calls cb,
// or the table's remote callback when cb is nil.
func (t *SubscriptionTable) SubscribeRemote(ctx context.Context, spec RemoteSubscription, cb Callback) (string, error) {
	if t.gateway == nil {
		return "", ErrNoGatewayConfigured
	}
	if len(spec.MessageTypes) == 0 {
		return "", ErrInvalidSubscription
	}
	needShadow := spec.CallbackURL == ""
	if needShadow && cb == nil && t.remoteCB == nil {
		return "", fmt.Errorf("%w: no callback for bus deliveries", ErrInvalidSubscription)
	}
	var f *Filter
	if needShadow {
		var err error
		if f, err = t.parse(spec.FilterExpression); err != nil {
			return "", err
		}
	}
	if spec.Component == "" {
		spec.Component = t.component
	}

	id, err := t.gateway.Subscribe(ctx, spec)
	if err != nil {
		t.logger.Error().Err(err).Msg("xdispatch: remote subscribe failed")
		return "", err
	}
	if id == "" {
		return "", ErrGatewayRejected
	}
	spec.ID = id

	t.mu.Lock()
	entry := remoteEntry{sub: spec}
	if needShadow {
		entry.shadowID = t.attachShadow(id, spec, f, cb)
	}
	t.remote[id] = entry
	t.mu.Unlock()

	t.logger.Info().Str("subscription_id", id).Str("shadow_id", entry.shadowID).Msg("xdispatch: remote subscription created")
	return id, nil
}

// UnsubscribeRemote deregisters id from the gateway and releases its shadow.
// It returns false, nil for unknown ids and false, err when the gateway fails.
func (t *SubscriptionTable) UnsubscribeRemote(ctx context.Context, id string) (bool, error) {
	t.mu.RLock()
	_, ok := t.remote[id]
	t.mu.RUnlock()
	if !ok {
		t.logger.Warn().Str("subscription_id", id).Msg("xdispatch: remote subscription not found")
		return false, nil
	}

	if err := t.gateway.Unsubscribe(ctx, id); err != nil {
		t.logger.Error().Err(err).Str("subscription_id", id).Msg("xdispatch: remote unsubscribe failed")
		return false, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.remote[id]
	if !ok {
		// lost a race with a concurrent unsubscribe
		return false, nil
	}
	delete(t.remote, id)
	if entry.shadowID != "" {
		t.releaseShadow(entry.shadowID, id)
	}
	t.logger.Info().Str("subscription_id", id).Msg("xdispatch: remote subscription removed")
	return true, nil
}

// attachShadow must be called with mu held.
func (t *SubscriptionTable) attachShadow(remoteID string, spec RemoteSubscription, f *Filter, cb Callback) string {
	if cb == nil {
		sig := shadowSignature(spec.MessageTypes, spec.FilterExpression)
		if localID, ok := t.shared[sig]; ok {
			if sub, ok := t.local[localID]; ok {
				sub.owners[remoteID] = struct{}{}
				return localID
			}
		}
		sub := newSubscription(spec.MessageTypes, f, t.remoteCB)
		sub.owners = map[string]struct{}{remoteID: {}}
		sub.shared = sig
		t.shared[sig] = sub.ID
		t.insert(sub)
		return sub.ID
	}
	sub := newSubscription(spec.MessageTypes, f, cb)
	sub.owners = map[string]struct{}{remoteID: {}}
	t.insert(sub)
	return sub.ID
}

// releaseShadow must be called with mu held.
func (t *SubscriptionTable) releaseShadow(localID, remoteID string) {
	sub, ok := t.local[localID]
	if !ok || sub.owners == nil {
		return
	}
	delete(sub.owners, remoteID)
	if len(sub.owners) > 0 {
		return
	}
	t.remove(sub)
	t.logger.Debug().Str("subscription_id", localID).Msg("xdispatch: shadow subscription released")
}

func (t *SubscriptionTable) insert(sub *Subscription) {
	t.local[sub.ID] = sub
	t.order = append(t.order, sub.ID)
}

func (t *SubscriptionTable) remove(sub *Subscription) {
	delete(t.local, sub.ID)
	if i := slices.Index(t.order, sub.ID); i >= 0 {
		t.order = slices.Delete(t.order, i, i+1)
	}
	if sub.shared != "" && t.shared[sub.shared] == sub.ID {
		delete(t.shared, sub.shared)
	}
}

func newSubscription(types []MessageType, f *Filter, cb Callback) *Subscription {
	set := make(map[MessageType]struct{}, len(types))
	for _, mt := range types {
		set[mt] = struct{}{}
	}
	return &Subscription{
		ID:           newID(),
		MessageTypes: set,
		Filter:       f,
		Callback:     cb,
	}
}

func shadowSignature(types []MessageType, filterExpr string) string {
	names := make([]string, 0, len(types))
	for _, mt := range types {
		names = append(names, string(mt))
	}
	sort.Strings(names)
	names = slices.Compact(names)
	return strings.Join(names, ",") + "|" + strings.TrimSpace(filterExpr)
}
