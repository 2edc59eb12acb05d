// internal/events/bus.go
//
// Package events is a small in-process publish/subscribe bus. Each named
// topic carries one payload type. Publishing fans out synchronously to the
// subscribers registered at that moment, in subscription order; a panicking
// subscriber is logged and skipped so the rest still receive the event.
package events

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Bus owns the set of topics. The zero value is not usable; call NewBus.
type Bus struct {
	mu     sync.Mutex
	topics map[string]any
	logger *logrus.Logger
}

func NewBus(logger *logrus.Logger) *Bus {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Bus{
		topics: make(map[string]any),
		logger: logger,
	}
}

// Topic is a typed channel on a Bus.
type Topic[T any] struct {
	name   string
	logger *logrus.Logger

	mu     sync.Mutex
	nextID uint64
	subs   []*Subscription[T]
}

// Subscription is the handle returned by Subscribe.
type Subscription[T any] struct {
	id     uint64
	topic  *Topic[T]
	fn     func(T)
	active atomic.Bool
}

// NewTopic returns the topic registered under name, creating it on first use.
// Asking for an existing name with a different payload type panics.
func NewTopic[T any](bus *Bus, name string) *Topic[T] {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	if existing, ok := bus.topics[name]; ok {
		t, ok := existing.(*Topic[T])
		if !ok {
			panic(fmt.Sprintf("events: topic %q registered with a different payload type", name))
		}
		return t
	}
	t := &Topic[T]{name: name, logger: bus.logger}
	bus.topics[name] = t
	return t
}

func (t *Topic[T]) Name() string { return t.name }

// Subscribe registers fn. It receives every event published after this call
// returns and before Release is called.
func (t *Topic[T]) Subscribe(fn func(T)) *Subscription[T] {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	sub := &Subscription[T]{id: t.nextID, topic: t, fn: fn}
	sub.active.Store(true)

	// copy-on-write so Publish can iterate without holding the lock
	subs := make([]*Subscription[T], len(t.subs), len(t.subs)+1)
	copy(subs, t.subs)
	t.subs = append(subs, sub)
	return sub
}

// Publish delivers v to each active subscriber in order.
func (t *Topic[T]) Publish(v T) {
	t.mu.Lock()
	subs := t.subs
	t.mu.Unlock()

	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		t.deliver(sub, v)
	}
}

func (t *Topic[T]) deliver(sub *Subscription[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.WithFields(logrus.Fields{
				"topic":        t.name,
				"subscription": sub.id,
				"panic":        r,
			}).Error("Event subscriber panicked")
		}
	}()
	sub.fn(v)
}

// Subscribers returns the number of active subscriptions.
func (t *Topic[T]) Subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Release stops delivery to this subscription. It is idempotent.
func (s *Subscription[T]) Release() {
	if !s.active.CompareAndSwap(true, false) {
		return
	}
	t := s.topic
	t.mu.Lock()
	defer t.mu.Unlock()

	subs := make([]*Subscription[T], 0, len(t.subs))
	for _, other := range t.subs {
		if other != s {
			subs = append(subs, other)
		}
	}
	t.subs = subs
}
