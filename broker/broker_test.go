package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func drain[T any](t *testing.T, ch <-chan T) []T {
	t.Helper()
	var received []T
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return received
			}
			received = append(received, v)
		case <-time.After(time.Second):
			require.Fail(t, "channel not closed")
			return received
		}
	}
}

func TestBroker(t *testing.T) {
	b := NewBroker[int]()
	require.ErrorIs(t, b.Publish(0), ErrNoSubscribers)

	fast := b.Subscribe("fast", 10)
	slow := b.Subscribe("slow", 2)
	for i := range 5 {
		require.NoError(t, b.Publish(i))
	}

	for i := range 5 {
		require.Equal(t, i, <-fast)
	}
	for i := range 5 {
		require.Equal(t, i, <-slow)
	}
	require.Eventually(t, func() bool { return b.Pending("slow") == 0 }, time.Second, time.Millisecond)
	require.Zero(t, b.Pending("fast"))

	require.True(t, b.Unsubscribe("slow"))
	require.False(t, b.Unsubscribe("slow"))
	require.Empty(t, drain(t, slow))

	b.Close()
	require.Empty(t, drain(t, fast))
	require.ErrorIs(t, b.Publish(6), ErrNoSubscribers)
}

func TestBrokerNeverDrops(t *testing.T) {
	b := NewBroker[string]()
	events := b.Subscribe("cli", 2)

	published := []string{"sent", "complete", "stream complete"}
	for _, event := range published {
		require.NoError(t, b.Publish(event))
	}
	require.Eventually(t, func() bool { return b.Pending("cli") == 1 }, time.Second, time.Millisecond)

	var received []string
	for range published {
		select {
		case event := <-events:
			received = append(received, event)
		case <-time.After(time.Second):
			require.Fail(t, "event not delivered")
		}
	}
	require.Equal(t, published, received)
	b.Close()
}

func TestBrokerSlowSubscriber(t *testing.T) {
	b := NewBroker[int]()
	slow := b.Subscribe("slow", 1)
	fast := b.Subscribe("fast", 1)

	done := make(chan struct{})
	var publishErr error
	go func() {
		defer close(done)
		for i := range 1000 {
			if err := b.Publish(i); err != nil {
				publishErr = err
				return
			}
		}
	}()
	for i := range 1000 {
		require.Equal(t, i, <-fast)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		require.Fail(t, "publishing blocked on slow subscriber")
	}
	require.NoError(t, publishErr)

	for i := range 1000 {
		require.Equal(t, i, <-slow)
	}
	b.Close()
}

func TestBrokerResubscribe(t *testing.T) {
	b := NewBroker[string]()
	old := b.Subscribe("console", 1)
	current := b.Subscribe("console", 1)
	require.Empty(t, drain(t, old))

	require.NoError(t, b.Publish("ok"))
	require.Equal(t, "ok", <-current)
	b.Close()
	require.Empty(t, drain(t, current))
}
