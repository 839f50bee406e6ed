package event

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Handler receives published events.
type Handler func(Event)

// Token identifies a subscription. The zero Token is never issued.
type Token uint64

type subscription struct {
	token   Token
	handler Handler
}

// Bus is a synchronous publish/subscribe channel. Publish calls every
// handler that was subscribed before the call, in subscription order, on
// the publishing goroutine. There is no buffering and no replay.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID Token
	logger *slog.Logger
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{logger: slog.With("component", "event-bus")}
}

// Subscribe registers h and returns the token that removes it.
func (b *Bus) Subscribe(h Handler) Token {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.subs = append(b.subs, subscription{token: b.nextID, handler: h})
	return b.nextID
}

// Unsubscribe removes the subscription for t.
// Returns true if the subscription was found and removed.
func (b *Bus) Unsubscribe(t Token) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub.token == t {
			// A concurrent Publish may still hold the old slice.
			next := make([]subscription, 0, len(b.subs)-1)
			next = append(next, b.subs[:i]...)
			next = append(next, b.subs[i+1:]...)
			b.subs = next
			return true
		}
	}
	return false
}

// Publish dispatches e to the current subscribers. Handlers run outside the
// bus lock, so they may subscribe or unsubscribe (themselves included).
// A panicking handler is logged and skipped.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, sub := range subs {
		b.safeCall(sub.handler, e)
	}
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) safeCall(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"kind", e.Kind,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	h(e)
}
