package orm

import (
	"sync"
	"sync/atomic"
)

// Listener receives the arguments of an emitted event.
type Listener func(args ...any)

type listenerEntry struct {
	id int
	fn Listener
}

// EventEmitter is a named-event dispatcher. Listeners run synchronously on the emitting
// goroutine, in registration order. The zero value is ready to use.
type EventEmitter struct {
	mu        sync.Mutex
	nextID    int
	listeners map[string][]listenerEntry
}

// On registers fn for event and returns a function removing it.
func (e *EventEmitter) On(event string, fn Listener) (off func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[string][]listenerEntry)
	}
	id := e.nextID
	e.nextID++
	e.listeners[event] = append(e.listeners[event], listenerEntry{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { e.off(event, id) })
	}
}

// Once registers fn for the next emission of event only.
func (e *EventEmitter) Once(event string, fn Listener) (off func()) {
	var fired atomic.Bool
	registered := make(chan struct{})
	off = e.On(event, func(args ...any) {
		if fired.Swap(true) {
			return
		}
		<-registered
		off()
		fn(args...)
	})
	close(registered)
	return off
}

func (e *EventEmitter) off(event string, id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ls := e.listeners[event]
	for i, l := range ls {
		if l.id == id {
			e.listeners[event] = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(e.listeners[event]) == 0 {
		delete(e.listeners, event)
	}
}

// Emit calls every listener of event. Listeners added or removed during the emission
// take effect from the next one.
func (e *EventEmitter) Emit(event string, args ...any) {
	e.mu.Lock()
	ls := append([]listenerEntry(nil), e.listeners[event]...)
	e.mu.Unlock()
	for _, l := range ls {
		l.fn(args...)
	}
}

// ListenerCount returns the number of listeners registered for event.
func (e *EventEmitter) ListenerCount(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners[event])
}
