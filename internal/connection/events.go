package connection

import (
	"encoding/json"
	"sync"
	"time"
)

// EventKind is the discriminator for connection events.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventError        EventKind = "error"
	EventMessage      EventKind = "message"
	EventReconnecting EventKind = "reconnecting"
)

// Event is one notification from the connection manager.
type Event struct {
	Kind EventKind `json:"kind"`
	Time time.Time `json:"time"`

	// Message is the raw payload of an unsolicited message.
	Message json.RawMessage `json:"message,omitempty"`
	// Err is set for error events.
	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`
	// Attempt and Delay describe a scheduled reconnect.
	Attempt int           `json:"attempt,omitempty"`
	Delay   time.Duration `json:"delay,omitempty"`
}

// Subscription receives events of the selected kinds on Ch, in publish
// order. Events queue without bound until read, so a slow subscriber never
// loses one and never blocks the publisher. Ch is closed by Unsubscribe or
// when the broker shuts down; events still queued at that point are dropped.
type Subscription struct {
	ID    uint64
	Kinds []EventKind
	Ch    <-chan Event

	ch     chan Event
	mu     sync.Mutex
	queue  []Event
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newSubscription(id uint64, kinds []EventKind) *Subscription {
	ch := make(chan Event)
	s := &Subscription{
		ID:     id,
		Kinds:  kinds,
		Ch:     ch,
		ch:     ch,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *Subscription) matches(kind EventKind) bool {
	if len(s.Kinds) == 0 {
		return true
	}
	for _, k := range s.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (s *Subscription) push(e Event) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		e := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.ch <- e:
		case <-s.done:
			return
		}
	}
}

func (s *Subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// Broker fans events out to subscribers. Publish never blocks.
type Broker struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// NewBroker creates a ready-to-use broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[uint64]*Subscription)}
}

// Subscribe registers a subscription. No kinds means every kind.
func (b *Broker) Subscribe(kinds ...EventKind) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	sub := newSubscription(id, kinds)
	if b.closed {
		sub.stop()
		return sub
	}
	b.subs[id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		sub.stop()
		delete(b.subs, id)
	}
}

// Publish queues e for every matching subscriber.
func (b *Broker) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	if e.Err != nil && e.Error == "" {
		e.Error = e.Err.Error()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.matches(e.Kind) {
			sub.push(e)
		}
	}
}

// Len reports the number of active subscriptions.
func (b *Broker) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription. Later subscriptions are born closed.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.stop()
		delete(b.subs, id)
	}
}
