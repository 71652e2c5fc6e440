// Package pubsub provides a replay-latest broadcast topic.
package pubsub

import "sync"

// Topic broadcasts values to any number of subscribers. A new subscriber
// immediately receives the most recent value. Slow subscribers never block
// the publisher: each subscriber holds at most one pending value and an
// undelivered value is replaced by the newer one.
type Topic[T any] struct {
	subs   map[uint64]chan T
	latest T
	mu     sync.Mutex
	nextID uint64
	has    bool
	closed bool
}

func NewTopic[T any]() *Topic[T] {
	return &Topic[T]{subs: make(map[uint64]chan T)}
}

// Publish records v as the latest value and delivers it to every subscriber.
func (t *Topic[T]) Publish(v T) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.latest = v
	t.has = true
	for _, ch := range t.subs {
		deliver(ch, v)
	}
}

// deliver must be called with the topic lock held; it is the only sender.
func deliver[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	// Drop the stale pending value.
	select {
	case <-ch:
	default:
	}
	ch <- v
}

// Subscribe returns a channel of updates and a cancel func that closes it.
func (t *Topic[T]) Subscribe() (<-chan T, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan T, 1)
	if t.closed {
		close(ch)
		return ch, func() {}
	}
	if t.has {
		ch <- t.latest
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if c, ok := t.subs[id]; ok {
				delete(t.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

// Latest returns the most recently published value.
func (t *Topic[T]) Latest() (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latest, t.has
}

func (t *Topic[T]) SubscriberCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Close closes every subscriber channel. Later publishes are dropped.
func (t *Topic[T]) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
}
