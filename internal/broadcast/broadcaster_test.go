package broadcast

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Notify(e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestBroadcast_DeliversToAll(t *testing.T) {
	b := New()
	defer b.Close()

	r1, r2 := &recorder{}, &recorder{}
	b.Register(r1)
	b.Register(r2)

	for i := 0; i < 5; i++ {
		b.Broadcast(NewEvent(DownloadProgress, "preset", map[string]any{"i": i}))
	}

	require.Eventually(t, func() bool { return r1.count() == 5 && r2.count() == 5 },
		time.Second, 5*time.Millisecond)

	r1.mu.Lock()
	defer r1.mu.Unlock()
	for i, e := range r1.events {
		assert.Equal(t, i, e.Data["i"], "events keep publish order per observer")
	}
}

func TestBroadcast_FailingObserverIsRemoved(t *testing.T) {
	var dropped atomic.Int32
	b := New(WithDropHandler(func(string, error) { dropped.Add(1) }))
	defer b.Close()

	good := &recorder{}
	b.Register(good)
	b.Register(ObserverFunc(func(Event) error { return errors.New("socket closed") }))
	b.Register(ObserverFunc(func(Event) error { panic("boom") }))

	b.Broadcast(NewEvent(QueueUpdated, "", nil))

	require.Eventually(t, func() bool { return b.Len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), dropped.Load())

	b.Broadcast(NewEvent(QueueUpdated, "", nil))
	require.Eventually(t, func() bool { return good.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestBroadcast_SlowObserverDoesNotBlock(t *testing.T) {
	b := New(WithMailbox(2))
	defer b.Close()

	release := make(chan struct{})
	b.Register(ObserverFunc(func(Event) error {
		<-release
		return nil
	}))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			b.Broadcast(NewEvent(DownloadProgress, "p", nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked on a stalled observer")
	}
	close(release)

	assert.Equal(t, 0, b.Len(), "stalled observer dropped once its mailbox overflowed")
}

func TestRegister_Unregister(t *testing.T) {
	b := New()
	defer b.Close()

	r := &recorder{}
	unregister := b.Register(r)
	assert.Equal(t, 1, b.Len())
	unregister()
	assert.Equal(t, 0, b.Len())

	b.Broadcast(NewEvent(QueueUpdated, "", nil))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, r.count())
}

func TestSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(4)

	b.Broadcast(NewEvent(DownloadQueued, "sdxl", nil))

	select {
	case ev := <-sub.Events():
		assert.Equal(t, DownloadQueued, ev.Type)
		assert.Equal(t, "sdxl", ev.PresetID)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}

	sub.Close()
	_, ok := <-sub.Events()
	assert.False(t, ok, "channel closed after Close")
	assert.Equal(t, 0, b.Len())
	sub.Close()
}

func TestSubscribe_ClosedWhenBroadcasterCloses(t *testing.T) {
	b := New()
	sub := b.Subscribe(1)
	b.Close()

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}

	assert.NotPanics(t, func() { b.Register(&recorder{})() })
}

func TestSubscribe_AfterCloseEndsImmediately(t *testing.T) {
	b := New()
	b.Close()

	sub := b.Subscribe(4)
	done := make(chan struct{})
	go func() {
		for range sub.Events() {
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ranging over a subscription to a closed broadcaster never ended")
	}
	assert.Zero(t, b.Len())
	assert.NotPanics(t, sub.Close)
}
