package events

import (
	"sync"
	"time"

	appLog "switchboard/internal/log"
)

// EventType names a notification topic.
type EventType string

const (
	// ScheduleChanged is published when Lines or their blocks are edited.
	ScheduleChanged EventType = "schedule_changed"
	// SyncCompleted is published after the external task feed refreshed.
	SyncCompleted EventType = "sync_completed"
)

type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
	// Coalesced counts the earlier undelivered events this one replaced.
	Coalesced int
}

// Subscriber receives events on its own goroutine.
type Subscriber func(Event)

// Bus fans change notifications out to subscribers. Publish never blocks:
// each subscription holds at most one undelivered event, and a newer event
// replaces it.
type Bus struct {
	mu     sync.RWMutex
	subs   map[EventType][]*subscription
	closed bool
}

type subscription struct {
	fn   Subscriber
	wake chan struct{}
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	pending *Event
}

func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]*subscription)}
}

// Subscribe registers fn for eventType and returns its unsubscribe function.
// Unsubscribing twice is harmless. Subscribing to a closed bus returns a
// subscription that never fires.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	s := &subscription{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs[eventType] = append(b.subs[eventType], s)
	b.mu.Unlock()

	go s.run()

	return func() {
		b.mu.Lock()
		subs := b.subs[eventType]
		for i, sub := range subs {
			if sub == s {
				b.subs[eventType] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		s.stop()
	}
}

// Publish hands the event to every subscriber of eventType without blocking.
func (b *Bus) Publish(eventType EventType, data map[string]any) {
	ev := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs[eventType] {
		s.offer(ev)
	}
}

// Close stops every subscriber. Undelivered events are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for eventType, subs := range b.subs {
		for _, s := range subs {
			s.stop()
		}
		delete(b.subs, eventType)
	}
}

func (s *subscription) offer(ev Event) {
	s.mu.Lock()
	if s.pending != nil {
		ev.Coalesced = s.pending.Coalesced + 1
		appLog.Debug("event coalesced, subscriber busy", "type", ev.Type, "coalesced", ev.Coalesced)
	}
	s.pending = &ev
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) take() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return Event{}, false
	}
	ev := *s.pending
	s.pending = nil
	return ev, true
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		if ev, ok := s.take(); ok {
			deliver(s.fn, ev)
		}
	}
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func deliver(fn Subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			appLog.Warn("event subscriber panicked", "type", ev.Type, "panic", r)
		}
	}()
	fn(ev)
}
