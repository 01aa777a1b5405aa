package dispatch

import (
	"reflect"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Listener receives the arguments of an emitted event
type Listener func(args ...any)

// EventSource is implemented by objects that can emit events. Structs that
// embed *Emitter satisfy it through the promoted method.
type EventSource interface {
	EventEmitter() *Emitter
}

// Emitter is the common event-emitter base for hosted objects.
type Emitter struct {
	mu        sync.RWMutex
	listeners map[string][]*Subscription
}

// Subscription is a handle to one registered listener
type Subscription struct {
	ID    string
	Event string

	listener Listener
	once     bool
	cancel   func()
}

// Cancel removes the listener. It is safe to call more than once.
func (s *Subscription) Cancel() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
}

// NewEmitter creates an emitter with no listeners
func NewEmitter() *Emitter {
	return &Emitter{listeners: make(map[string][]*Subscription)}
}

// EventEmitter returns e, which makes any struct embedding *Emitter an EventSource
func (e *Emitter) EventEmitter() *Emitter {
	return e
}

// On registers fn for every future emission of event
func (e *Emitter) On(event string, fn Listener) *Subscription {
	return e.add(event, fn, false)
}

// AddListener is an alias for On
func (e *Emitter) AddListener(event string, fn Listener) *Subscription {
	return e.add(event, fn, false)
}

// Once registers fn for the next emission of event only
func (e *Emitter) Once(event string, fn Listener) *Subscription {
	return e.add(event, fn, true)
}

func (e *Emitter) add(event string, fn Listener, once bool) *Subscription {
	sub := &Subscription{
		ID:       uuid.New().String(),
		Event:    event,
		listener: fn,
		once:     once,
	}
	sub.cancel = func() { e.remove(sub) }
	if fn == nil {
		return sub
	}

	e.mu.Lock()
	if e.listeners == nil {
		e.listeners = make(map[string][]*Subscription)
	}
	e.listeners[event] = append(e.listeners[event], sub)
	e.mu.Unlock()

	return sub
}

func (e *Emitter) remove(sub *Subscription) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	subs := e.listeners[sub.Event]
	for i, s := range subs {
		if s == sub {
			e.listeners[sub.Event] = append(subs[:i:i], subs[i+1:]...)
			if len(e.listeners[sub.Event]) == 0 {
				delete(e.listeners, sub.Event)
			}
			return true
		}
	}
	return false
}

// Emit calls every listener of event, in registration order, with args.
// It reports whether the event had listeners.
func (e *Emitter) Emit(event string, args ...any) bool {
	e.mu.RLock()
	subs := make([]*Subscription, len(e.listeners[event]))
	copy(subs, e.listeners[event])
	e.mu.RUnlock()

	fired := false
	for _, sub := range subs {
		if sub.once && !e.remove(sub) {
			continue
		}
		fired = true
		sub.listener(args...)
	}
	return fired
}

// ListenerCount returns the number of listeners registered for event
func (e *Emitter) ListenerCount(event string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners[event])
}

// EventNames returns the events that currently have listeners, sorted
func (e *Emitter) EventNames() []string {
	e.mu.RLock()
	names := make([]string, 0, len(e.listeners))
	for name := range e.listeners {
		names = append(names, name)
	}
	e.mu.RUnlock()

	sort.Strings(names)
	return names
}

// RemoveAllListeners drops every listener for event and returns how many were removed
func (e *Emitter) RemoveAllListeners(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := len(e.listeners[event])
	delete(e.listeners, event)
	return n
}

// emitterMethods holds the names of the methods owned by *Emitter
var emitterMethods = func() map[string]bool {
	t := reflect.TypeOf(&Emitter{})
	names := make(map[string]bool, t.NumMethod())
	for i := 0; i < t.NumMethod(); i++ {
		names[t.Method(i).Name] = true
	}
	return names
}()

// isBaseMethod checks if a method is from the Emitter base
func isBaseMethod(name string) bool {
	return emitterMethods[name]
}
