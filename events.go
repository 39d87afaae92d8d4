package cacheengine

import (
	"sync"
	"time"
)

// EventType enumerates the structured events the engine emits.
type EventType string

const (
	EventHit    EventType = "hit"
	EventMiss   EventType = "miss"
	EventSet    EventType = "set"
	EventDelete EventType = "delete"
	EventError  EventType = "error"
	EventEvict  EventType = "evict"
	EventHealth EventType = "health"
)

// Event is one cache occurrence. Events for the same key are delivered in
// operation order because they are emitted from the operation goroutine.
type Event struct {
	Type   EventType `json:"type"`
	Key    string    `json:"key,omitempty"`
	Tier   string    `json:"tier,omitempty"`
	Reason string    `json:"reason,omitempty"`
	Err    error     `json:"-"`
	At     time.Time `json:"at"`
}

// broadcaster fans events out to bounded subscriber channels. Emission never
// blocks: when a subscriber's buffer is full the event is dropped for that
// subscriber only. Cache operations must not wait on monitoring.
type broadcaster struct {
	mu     sync.RWMutex
	subs   map[chan Event]struct{}
	closed bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[chan Event]struct{})}
}

func (b *broadcaster) subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[ch] = struct{}{}
	return ch
}

func (b *broadcaster) unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if sub == ch {
			delete(b.subs, sub)
			close(sub)
			return
		}
	}
}

func (b *broadcaster) emit(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
	}
	b.subs = make(map[chan Event]struct{})
}
