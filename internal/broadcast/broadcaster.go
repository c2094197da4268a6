// Package broadcast fans engine events out to any number of observers.
// Delivery is best effort: an observer that errors, panics or falls behind
// is dropped without affecting the others or the publisher.
package broadcast

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	DownloadQueued    EventType = "download_queued"
	DownloadProgress  EventType = "download_progress"
	DownloadPaused    EventType = "download_paused"
	DownloadResumed   EventType = "download_resumed"
	DownloadCancelled EventType = "download_cancelled"
	DownloadFailed    EventType = "download_failed"
	DownloadCompleted EventType = "download_completed"
	QueueUpdated      EventType = "queue_updated"
)

// Event is the payload delivered to observers.
type Event struct {
	Type      EventType      `json:"type"`
	PresetID  string         `json:"preset_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

func NewEvent(t EventType, presetID string, data map[string]any) Event {
	return Event{Type: t, PresetID: presetID, Timestamp: time.Now(), Data: data}
}

// Observer receives events. Returning an error unregisters it.
type Observer interface {
	Notify(Event) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event) error

func (f ObserverFunc) Notify(e Event) error { return f(e) }

// detacher is implemented by observers that own resources to release when
// the broadcaster drops them.
type detacher interface {
	detach()
}

// ErrObserverSlow is reported when an observer's mailbox overflows.
var ErrObserverSlow = errors.New("observer mailbox full")

const DefaultMailbox = 256

// DropFunc is told about observers removed for misbehaving.
type DropFunc func(id string, err error)

type Broadcaster struct {
	mu        sync.RWMutex
	observers map[string]*mailbox
	mailbox   int
	onDrop    DropFunc
	closed    bool
}

type Option func(*Broadcaster)

// WithMailbox sets how many undelivered events an observer may hold.
func WithMailbox(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.mailbox = n
		}
	}
}

// WithDropHandler registers a callback for dropped observers.
func WithDropHandler(fn DropFunc) Option {
	return func(b *Broadcaster) { b.onDrop = fn }
}

func New(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		observers: make(map[string]*mailbox),
		mailbox:   DefaultMailbox,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type mailbox struct {
	id       string
	observer Observer
	events   chan Event
	done     chan struct{}
	once     sync.Once
}

func (m *mailbox) close() {
	m.once.Do(func() { close(m.done) })
}

// Register adds an observer and returns a function that removes it.
func (b *Broadcaster) Register(o Observer) func() {
	mb := &mailbox{
		id:       uuid.NewString(),
		observer: o,
		events:   make(chan Event, b.mailbox),
		done:     make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		// Treated like an observer dropped by Close
		if d, ok := o.(detacher); ok {
			d.detach()
		}
		return func() {}
	}
	b.observers[mb.id] = mb
	b.mu.Unlock()

	go b.deliver(mb)

	return func() { b.remove(mb.id, nil) }
}

func (b *Broadcaster) deliver(mb *mailbox) {
	for {
		select {
		case <-mb.done:
			return
		case ev := <-mb.events:
			if err := safeNotify(mb.observer, ev); err != nil {
				b.remove(mb.id, err)
				return
			}
		}
	}
}

func safeNotify(o Observer, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer panic: %v", r)
		}
	}()
	return o.Notify(ev)
}

func (b *Broadcaster) remove(id string, cause error) {
	b.mu.Lock()
	mb, ok := b.observers[id]
	if ok {
		delete(b.observers, id)
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	mb.close()
	if d, ok := mb.observer.(detacher); ok {
		d.detach()
	}
	if cause != nil && b.onDrop != nil {
		b.onDrop(id, cause)
	}
}

// Broadcast queues ev for every observer. It never blocks.
func (b *Broadcaster) Broadcast(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	var slow []string
	b.mu.RLock()
	for id, mb := range b.observers {
		select {
		case mb.events <- ev:
		default:
			slow = append(slow, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range slow {
		b.remove(id, ErrObserverSlow)
	}
}

// Len returns the number of registered observers.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.observers)
}

// Close drops every observer. Later registrations are ignored.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	observers := b.observers
	b.observers = make(map[string]*mailbox)
	b.mu.Unlock()

	for _, mb := range observers {
		mb.close()
		if d, ok := mb.observer.(detacher); ok {
			d.detach()
		}
	}
}
