// Package notify fans a content-free "something changed" signal out to observers.
//
// Each subscriber owns a channel with a buffer of one. Publish never blocks:
// when a subscriber has not drained its previous signal the new one is
// coalesced into it, which is enough because observers always re-read state.
package notify

import "sync"

// Bus is a non-blocking broadcast of change signals.
type Bus struct {
	mu     sync.RWMutex
	subs   map[chan struct{}]struct{}
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[chan struct{}]struct{})}
}

// Subscribe registers an observer. The returned function unsubscribes and
// closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
		})
	}
}

// Publish signals every subscriber.
func (b *Bus) Publish() {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subs {
		select {
		case ch <- struct{}{}:
		default:
			// A signal is already pending for this subscriber.
		}
	}
}

// Subscribers returns the number of registered observers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes all subscriber channels. Later subscriptions receive a closed channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
	b.closed = true
}
