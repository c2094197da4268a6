package broadcast

import (
	"sync"

	"github.com/google/uuid"
)

// Subscription is a channel backed observer for consumers that prefer to
// range over events (SSE streams, the CLI renderer).
type Subscription struct {
	ID string

	ch         chan Event
	unregister func()
	once       sync.Once
	mu         sync.Mutex
	closed     bool
}

// Subscribe registers a channel observer holding up to buffer events.
// A subscriber that stops reading is dropped and its channel closed.
func (b *Broadcaster) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultMailbox
	}
	s := &Subscription{ID: uuid.NewString(), ch: make(chan Event, buffer)}
	s.unregister = b.Register(s)
	return s
}

// Events is closed once the subscription ends.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

func (s *Subscription) Notify(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrObserverSlow
	}
	select {
	case s.ch <- ev:
		return nil
	default:
		s.closed = true
		close(s.ch)
		return ErrObserverSlow
	}
}

func (s *Subscription) detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.unregister()
		s.detach()
	})
}
