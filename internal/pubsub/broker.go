// Package pubsub provides a generic fan-out broker used by the event bus.
package pubsub

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 64

// Broker fans out values of type T to any number of subscribers.
// Each subscriber gets its own bounded channel; a slow subscriber only
// loses its own events, it never stalls the publisher.
type Broker[T any] struct {
	subs       map[chan T]struct{}
	mu         sync.RWMutex
	done       chan struct{}
	bufferSize int
	dropped    atomic.Int64
}

// NewBroker creates a broker with the default per-subscriber buffer (64).
func NewBroker[T any]() *Broker[T] {
	return NewBrokerWithBuffer[T](defaultBufferSize)
}

// NewBrokerWithBuffer creates a broker with a custom per-subscriber buffer.
func NewBrokerWithBuffer[T any](size int) *Broker[T] {
	return &Broker[T]{
		subs:       make(map[chan T]struct{}),
		done:       make(chan struct{}),
		bufferSize: size,
	}
}

// Subscribe creates a new subscription channel.
// The channel is automatically closed when ctx is cancelled.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan T {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		ch := make(chan T)
		close(ch)
		return ch
	default:
	}

	sub := make(chan T, b.bufferSize)
	b.subs[sub] = struct{}{}

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()

		select {
		case <-b.done:
			return // already closed
		default:
		}

		delete(b.subs, sub)
		close(sub)
	}()

	return sub
}

// Publish sends v to all subscribers without blocking. Events to a
// subscriber whose buffer is full are counted and dropped.
func (b *Broker[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.done:
		return
	default:
	}

	for sub := range b.subs {
		select {
		case sub <- v:
		default:
			b.dropped.Add(1)
		}
	}
}

// PublishSync sends v to all subscribers, blocking until each one has
// accepted it or ctx is cancelled. Used for events that must not be lost.
func (b *Broker[T]) PublishSync(ctx context.Context, v T) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.done:
		return nil
	default:
	}

	for sub := range b.subs {
		select {
		case sub <- v:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Dropped returns the number of events dropped across all subscribers.
func (b *Broker[T]) Dropped() int64 {
	return b.dropped.Load()
}

// Close shuts down the broker and all subscriber channels.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return // already closed
	default:
	}

	close(b.done)
	for sub := range b.subs {
		close(sub)
	}
	b.subs = nil
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
