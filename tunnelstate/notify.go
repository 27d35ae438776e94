package tunnelstate

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const subscriberQueueSize = 16

// Transition is one published state change.
type Transition struct {
	TunnelState
	At time.Time `json:"at"`
}

// Subscription receives transitions until it is closed or the machine stops.
type Subscription struct {
	ID string
	C  <-chan Transition

	b *broadcaster
}

// Close unsubscribes. C is closed afterwards.
func (s *Subscription) Close() {
	s.b.remove(s.ID)
}

// broadcaster delivers transitions without ever blocking the publisher. A full
// subscriber queue loses its oldest entry.
type broadcaster struct {
	mu     sync.Mutex
	subs   map[string]chan Transition
	last   *Transition
	closed bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[string]chan Transition)}
}

func (b *broadcaster) subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Transition, subscriberQueueSize)
	sub := &Subscription{ID: uuid.NewString(), C: ch, b: b}
	if b.closed {
		close(ch)
		return sub
	}
	if b.last != nil {
		ch <- *b.last
	}
	b.subs[sub.ID] = ch
	return sub
}

func (b *broadcaster) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *broadcaster) publish(t Transition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.last = &t
	for _, ch := range b.subs {
		select {
		case ch <- t:
			continue
		default:
		}
		// Only the publisher sends, so one receive makes room.
		select {
		case <-ch:
			notificationsDropped.Inc()
		default:
		}
		select {
		case ch <- t:
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
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
