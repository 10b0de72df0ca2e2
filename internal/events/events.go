// Package events models ambient environment signals (connectivity and
// foreground visibility) as explicit, injectable sources.
package events

import (
	"sync"
	"time"
)

// ─── Kinds ──────────────────────────────────────────────────────────

type Kind string

const (
	KindOnline  Kind = "online"
	KindOffline Kind = "offline"
	KindHidden  Kind = "hidden"
	KindVisible Kind = "visible"
)

// Event is one environment change.
type Event struct {
	Kind Kind      `json:"kind"`
	At   time.Time `json:"at"`
}

// Source delivers events to subscribers. The returned function removes
// the subscription and is safe to call more than once.
type Source interface {
	Subscribe(fn func(Event)) (unsubscribe func())
}

// ─── Bus ────────────────────────────────────────────────────────────

// Bus is an in-process Source. Publish calls subscribers synchronously, in
// subscription order, outside the bus lock, so a subscriber may
// unsubscribe itself.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   []subscriber
}

type subscriber struct {
	id int
	fn func(Event)
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn for every subsequent Publish.
func (b *Bus) Subscribe(fn func(Event)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish delivers e to all current subscribers. A zero At is stamped
// with the current time.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.Lock()
	subs := append([]subscriber(nil), b.subs...)
	b.mu.Unlock()

	for _, s := range subs {
		s.fn(e)
	}
}

// Emit publishes an event of kind k.
func (b *Bus) Emit(k Kind) {
	b.Publish(Event{Kind: k})
}

// Len returns the number of active subscriptions.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Filter returns a Source that forwards only the given kinds from src.
func Filter(src Source, kinds ...Kind) Source {
	return filtered{src: src, kinds: kinds}
}

type filtered struct {
	src   Source
	kinds []Kind
}

func (f filtered) Subscribe(fn func(Event)) func() {
	return f.src.Subscribe(func(e Event) {
		for _, k := range f.kinds {
			if e.Kind == k {
				fn(e)
				return
			}
		}
	})
}
