package nexus

import (
	"io"
	"log/slog"
	"sync"
)

// Local events raised by the sync components for UI collaborators.
const (
	LocalMessagesChanged      = "messages.changed"
	LocalMessageFailed        = "message.failed"
	LocalLoadingChanged       = "loading.changed"
	LocalTypingChanged        = "typing.changed"
	LocalDegradedChanged      = "degraded.changed"
	LocalConversationsChanged = "conversations.changed"
	LocalStateChanged         = "state.changed"
)

// EventHandler receives a local event and its payload.
type EventHandler func(event string, payload any)

// Subscription is returned by every registration; Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe()
}

type subscriptionFunc struct {
	once sync.Once
	fn   func()
}

func (s *subscriptionFunc) Unsubscribe() { s.once.Do(s.fn) }

func newSubscription(fn func()) Subscription {
	return &subscriptionFunc{fn: fn}
}

// Subscriptions collects handles released together at teardown.
type Subscriptions []Subscription

// Add appends s.
func (ss *Subscriptions) Add(s Subscription) { *ss = append(*ss, s) }

// Release unsubscribes everything collected so far.
func (ss *Subscriptions) Release() {
	for _, s := range *ss {
		s.Unsubscribe()
	}
	*ss = nil
}

type listener struct {
	id uint64
	h  EventHandler
}

// emitter fans local events out to listeners in registration order. Handler
// panics are recovered and logged so one bad callback does not stop the rest.
type emitter struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[string][]listener
	logger    *slog.Logger
}

func newEmitter(logger *slog.Logger) *emitter {
	return &emitter{listeners: make(map[string][]listener), logger: logger}
}

func (e *emitter) On(event string, h EventHandler) Subscription {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.listeners[event] = append(e.listeners[event], listener{id: id, h: h})
	e.mu.Unlock()
	return newSubscription(func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		ls := e.listeners[event]
		for i, l := range ls {
			if l.id == id {
				e.listeners[event] = append(ls[:i:i], ls[i+1:]...)
				break
			}
		}
	})
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := append([]listener(nil), e.listeners[event]...)
	e.mu.RUnlock()
	for _, l := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("event handler panicked", "event", event, "panic", r)
				}
			}()
			l.h(event, payload)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]listener)
}

func orDiscard(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
