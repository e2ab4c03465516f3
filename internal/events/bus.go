// Package events carries the typed change notifications that replace
// broadcast-style notification centers: publishers emit domain events, and
// subscribers hold an explicit unsubscribe handle bound to their lifecycle.
package events

import (
	"sync"

	"github.com/google/uuid"
)

// GroupChanged fires whenever the current-group pointer is assigned or
// cleared. GroupID is nil when the device left or lost its group.
type GroupChanged struct {
	GroupID *uuid.UUID
}

// Revoked fires exactly once per revocation of a principal's group access.
type Revoked struct {
	UserID  uuid.UUID
	GroupID uuid.UUID
}

// Event is implemented by all event types on the bus.
type Event interface{ isEvent() }

func (GroupChanged) isEvent() {}
func (Revoked) isEvent()      {}

// Bus is a process-local synchronous event bus. Fan-out happens on the
// publisher's goroutine; handlers must not block.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(Event)
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]func(Event))}
}

// Subscribe registers a handler and returns its unsubscribe handle.
func (b *Bus) Subscribe(handler func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subs[id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Publish delivers the event to every subscriber registered at call time.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	handlers := make([]func(Event), 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}
}
