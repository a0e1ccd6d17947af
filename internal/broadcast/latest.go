// Package broadcast provides a latest-value-wins publish/subscribe primitive.
//
// Subscribers never see historical values beyond the current one: every
// subscriber channel has a buffer of one, and a slow subscriber only ever
// observes the most recent value published.
package broadcast

import (
	"context"
	"sync"
)

// Latest fans out values to subscribers, keeping only the newest value per subscriber
type Latest[T any] struct {
	mu      sync.Mutex
	current T
	has     bool
	closed  bool
	subs    map[chan T]struct{}
}

// NewLatest creates an empty Latest
func NewLatest[T any]() *Latest[T] {
	return &Latest[T]{
		subs: make(map[chan T]struct{}),
	}
}

// Publish records v as the current value and offers it to every subscriber
func (l *Latest[T]) Publish(v T) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	l.current = v
	l.has = true
	for ch := range l.subs {
		Offer(ch, v)
	}
}

// Current returns the last published value
func (l *Latest[T]) Current() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current, l.has
}

// Subscribe returns a channel that first receives the current value (if any)
// and then every later value. The channel is closed when ctx is done or the
// Latest is closed.
func (l *Latest[T]) Subscribe(ctx context.Context) <-chan T {
	ch := make(chan T, 1)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		close(ch)
		return ch
	}
	if l.has {
		ch <- l.current
	}
	l.subs[ch] = struct{}{}
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.remove(ch)
	}()

	return ch
}

// Close closes every subscriber channel; later publishes are dropped
func (l *Latest[T]) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	for ch := range l.subs {
		delete(l.subs, ch)
		close(ch)
	}
}

// Subscribers returns the number of live subscriptions
func (l *Latest[T]) Subscribers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

func (l *Latest[T]) remove(ch chan T) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.subs[ch]; ok {
		delete(l.subs, ch)
		close(ch)
	}
}

// Offer sends v on a single-slot channel, replacing a value the receiver has
// not taken yet. It must only be called by the channel's single sender.
func Offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}

	select {
	case <-ch:
	default:
	}

	select {
	case ch <- v:
	default:
	}
}
