package xdispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var errGatewayDown = errors.New("gateway down")

// stubGateway records what it is sent and can be told to fail.
type stubGateway struct {
	mu      sync.Mutex
	batches []*MessageBatch
	singles []*Message
	subs    map[string]RemoteSubscription
	next    int

	failSend  atomic.Bool
	failUnsub atomic.Bool
	emptyID   atomic.Bool
	closed    atomic.Bool
}

func newStubGateway() *stubGateway {
	return &stubGateway{subs: make(map[string]RemoteSubscription)}
}

func (g *stubGateway) SendMessage(_ context.Context, msg *Message) error {
	if g.failSend.Load() {
		return errGatewayDown
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.singles = append(g.singles, msg)
	return nil
}

func (g *stubGateway) SendBatch(_ context.Context, batch *MessageBatch) error {
	if g.failSend.Load() {
		return errGatewayDown
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.batches = append(g.batches, batch)
	return nil
}

func (g *stubGateway) Subscribe(_ context.Context, sub RemoteSubscription) (string, error) {
	if g.emptyID.Load() {
		return "", nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	id := fmt.Sprintf("remote-%d", g.next)
	g.subs[id] = sub
	return id, nil
}

func (g *stubGateway) Unsubscribe(_ context.Context, id string) error {
	if g.failUnsub.Load() {
		return errGatewayDown
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.subs[id]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(g.subs, id)
	return nil
}

func (g *stubGateway) Close(context.Context) error {
	g.closed.Store(true)
	return nil
}

func (g *stubGateway) Batches() []*MessageBatch {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*MessageBatch, len(g.batches))
	copy(out, g.batches)
	return out
}

func (g *stubGateway) Singles() []*Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Message, len(g.singles))
	copy(out, g.singles)
	return out
}

func (g *stubGateway) sentCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := len(g.singles)
	for _, b := range g.batches {
		n += len(b.Messages)
	}
	return n
}

// eventRecorder is an Observer collecting events.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) OnEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) count(t EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func nopCallback(context.Context, *Message) error { return nil }
