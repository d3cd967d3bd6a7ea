package gqlcache

import (
	"reflect"
	"sync"
)

// Event names observable through Client.On.
type Event string

const (
	EventRequest      Event = "request"
	EventFetch        Event = "fetch"
	EventSubscription Event = "subscription"
	EventCacheHit     Event = "cache-hit"
	EventCacheMiss    Event = "cache-miss"
	EventError        Event = "error"
)

// EventPayload describes one observable moment of a request. Callbacks
// run synchronously at the suspension points of the pipeline and must
// not block.
type EventPayload struct {
	Event     Event
	RequestID string
	QueryHash string
	Operation string
	Status    string
	Err       error
}

// EventCallback receives event payloads.
type EventCallback func(EventPayload)

type registration struct {
	id EventCallback
	cb EventCallback
}

// emitter is a small synchronous observer registry.
type emitter struct {
	mutex     sync.RWMutex
	callbacks map[Event][]registration
}

func newEmitter() *emitter {
	return &emitter{callbacks: make(map[Event][]registration)}
}

func (e *emitter) on(event Event, cb EventCallback) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.callbacks[event] = append(e.callbacks[event], registration{id: cb, cb: cb})
}

func (e *emitter) off(event Event, cb EventCallback) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	target := reflect.ValueOf(cb).Pointer()
	registered := e.callbacks[event]
	kept := registered[:0]
	for _, reg := range registered {
		if reflect.ValueOf(reg.id).Pointer() != target {
			kept = append(kept, reg)
		}
	}
	e.callbacks[event] = kept
}

func (e *emitter) emit(payload EventPayload) {
	e.mutex.RLock()
	registered := make([]registration, len(e.callbacks[payload.Event]))
	copy(registered, e.callbacks[payload.Event])
	e.mutex.RUnlock()
	for _, reg := range registered {
		reg.cb(payload)
	}
}
