package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBroker_Subscribe(t *testing.T) {
	broker := NewBroker[string]()
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := broker.Subscribe(ctx)

	broker.Publish("hello")

	select {
	case v := <-ch:
		require.Equal(t, "hello", v)
	case <-time.After(100 * time.Millisecond):
		require.Fail(t, "timeout waiting for event")
	}
}

func TestBroker_MultipleSubscribers(t *testing.T) {
	broker := NewBroker[int]()
	defer broker.Close()

	ctx := context.Background()

	ch1 := broker.Subscribe(ctx)
	ch2 := broker.Subscribe(ctx)
	ch3 := broker.Subscribe(ctx)

	require.Equal(t, 3, broker.SubscriberCount())

	broker.Publish(42)

	for i, ch := range []<-chan int{ch1, ch2, ch3} {
		select {
		case v := <-ch:
			require.Equal(t, 42, v, "subscriber %d", i)
		case <-time.After(100 * time.Millisecond):
			require.Fail(t, "timeout waiting for event", "subscriber %d", i)
		}
	}
}

func TestBroker_ContextCancellation(t *testing.T) {
	broker := NewBroker[string]()
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())

	ch := broker.Subscribe(ctx)
	require.Equal(t, 1, broker.SubscriberCount())

	cancel()
	time.Sleep(20 * time.Millisecond) // wait for cleanup goroutine

	require.Equal(t, 0, broker.SubscriberCount())

	_, ok := <-ch
	require.False(t, ok, "channel should be closed")
}

func TestBroker_NonBlocking(t *testing.T) {
	broker := NewBrokerWithBuffer[int](1)
	defer broker.Close()

	ctx := context.Background()

	ch := broker.Subscribe(ctx)

	// Fill the buffer.
	broker.Publish(1)

	done := make(chan bool)
	go func() {
		broker.Publish(2)
		broker.Publish(3)
		done <- true
	}()

	select {
	case <-done:
		// Did not block.
	case <-time.After(100 * time.Millisecond):
		require.Fail(t, "Publish blocked")
	}

	v := <-ch
	require.Equal(t, 1, v)
	require.Equal(t, int64(2), broker.Dropped())
}

func TestBroker_PublishSyncBlocksUntilDelivered(t *testing.T) {
	broker := NewBrokerWithBuffer[int](1)
	defer broker.Close()

	ctx := context.Background()
	ch := broker.Subscribe(ctx)

	// Fill the buffer so the next sync publish must wait for a reader.
	broker.Publish(1)

	delivered := make(chan error, 1)
	go func() {
		delivered <- broker.PublishSync(ctx, 2)
	}()

	require.Equal(t, 1, <-ch)
	require.Equal(t, 2, <-ch)
	require.NoError(t, <-delivered)
	require.Equal(t, int64(0), broker.Dropped())
}

func TestBroker_PublishSyncHonorsContext(t *testing.T) {
	broker := NewBrokerWithBuffer[int](1)
	defer broker.Close()

	ch := broker.Subscribe(context.Background())
	broker.Publish(1) // fill buffer, nobody reading

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := broker.PublishSync(ctx, 2)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	_ = ch
}

func TestBroker_Close(t *testing.T) {
	broker := NewBroker[string]()

	ctx := context.Background()

	ch1 := broker.Subscribe(ctx)
	ch2 := broker.Subscribe(ctx)

	require.Equal(t, 2, broker.SubscriberCount())

	broker.Close()

	_, ok1 := <-ch1
	_, ok2 := <-ch2

	require.False(t, ok1, "ch1 should be closed")
	require.False(t, ok2, "ch2 should be closed")
	require.Equal(t, 0, broker.SubscriberCount())

	// Subscribe after close returns an already-closed channel.
	ch3 := broker.Subscribe(ctx)
	_, ok3 := <-ch3
	require.False(t, ok3, "ch3 should be closed immediately")

	broker.Publish("test") // no panic
}

func TestBroker_CloseIdempotent(t *testing.T) {
	broker := NewBroker[string]()

	ctx := context.Background()
	ch := broker.Subscribe(ctx)

	broker.Close()
	broker.Close()
	broker.Close()

	_, ok := <-ch
	require.False(t, ok, "channel should be closed")
}
