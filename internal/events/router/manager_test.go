package router

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foremanhq/foreman/internal/common/logger"
	"github.com/foremanhq/foreman/internal/events"
	"github.com/foremanhq/foreman/internal/events/bus"
)

func newTestBus(t *testing.T) *bus.EventBus {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	b := bus.NewEventBus(log)
	t.Cleanup(b.Shutdown)
	return b
}

func TestSubscriptionManager_SubscribeAndDeliver(t *testing.T) {
	b := newTestBus(t)
	m := NewSubscriptionManager(b, logger.Default())

	received := make(chan *bus.Envelope, 1)
	handle, err := m.Subscribe(SubscribeOptions{
		Topic:        "agent:ping",
		SubscriberID: "listener-1",
		Handler: func(ctx context.Context, ev *bus.Envelope) (*bus.Result, error) {
			received <- ev
			return nil, nil
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, handle.ID)
	assert.False(t, handle.SubscribedAt.IsZero())

	_, err = b.Publish(context.Background(), "agent:ping", "hello", bus.WithMode(bus.Sync))
	require.NoError(t, err)

	select {
	case ev := <-received:
		assert.Equal(t, "agent:ping", ev.Topic)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for delivery")
	}
	assert.Equal(t, uint64(1), handle.Invocations())
}

func TestSubscriptionManager_DuplicateDetection(t *testing.T) {
	b := newTestBus(t)
	m := NewSubscriptionManager(b, logger.Default())

	dupEvents := make(chan *bus.Envelope, 2)
	_, err := b.On(events.DuplicateSubscription, func(ctx context.Context, ev *bus.Envelope) (*bus.Result, error) {
		dupEvents <- ev
		return nil, nil
	})
	require.NoError(t, err)

	handler := func(ctx context.Context, ev *bus.Envelope) (*bus.Result, error) { return nil, nil }

	first, err := m.Subscribe(SubscribeOptions{
		Topic:        "test:topic",
		SubscriberID: "same-callback",
		Group:        "workers",
		Handler:      handler,
	})
	require.NoError(t, err)

	second, err := m.Subscribe(SubscribeOptions{
		Topic:        "test:topic",
		SubscriberID: "same-callback",
		Group:        "workers",
		Handler:      handler,
	})
	require.NoError(t, err)

	// Both calls return the same handle and only one listener exists.
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, b.ListenerCount("test:topic"))
	assert.Equal(t, uint64(1), first.Duplicates())

	select {
	case ev := <-dupEvents:
		data := ev.Data.(map[string]any)
		assert.Equal(t, "test:topic", data["topic"])
		assert.Equal(t, "same-callback", data["subscriberId"])
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for duplicate-subscription")
	}

	// A different group is not a duplicate.
	third, err := m.Subscribe(SubscribeOptions{
		Topic:        "test:topic",
		SubscriberID: "same-callback",
		Group:        "other",
		Handler:      handler,
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
	assert.Equal(t, 2, b.ListenerCount("test:topic"))
}

func TestSubscriptionManager_Unsubscribe(t *testing.T) {
	b := newTestBus(t)
	m := NewSubscriptionManager(b, logger.Default())

	var count int32
	handle, err := m.Subscribe(SubscribeOptions{
		Topic:        "target:topic",
		SubscriberID: "victim",
		Handler: func(ctx context.Context, ev *bus.Envelope) (*bus.Result, error) {
			atomic.AddInt32(&count, 1)
			return nil, nil
		},
	})
	require.NoError(t, err)
	require.Equal(t, 1, b.ListenerCount("target:topic"))

	require.NoError(t, m.Unsubscribe(handle.ID))
	assert.Equal(t, 0, b.ListenerCount("target:topic"))

	_, err = b.Publish(context.Background(), "target:topic", nil, bus.WithMode(bus.Sync))
	require.NoError(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&count))

	err = m.Unsubscribe(handle.ID)
	assert.ErrorIs(t, err, ErrHandleNotFound)

	// Re-subscribing after unsubscribe creates a fresh handle, not a duplicate.
	again, err := m.Subscribe(SubscribeOptions{
		Topic:        "target:topic",
		SubscriberID: "victim",
		Handler: func(ctx context.Context, ev *bus.Envelope) (*bus.Result, error) {
			return nil, nil
		},
	})
	require.NoError(t, err)
	assert.NotEqual(t, handle.ID, again.ID)
	assert.Equal(t, uint64(0), again.Duplicates())
}

func TestSubscriptionManager_GroupUnsubscribe(t *testing.T) {
	b := newTestBus(t)
	m := NewSubscriptionManager(b, logger.Default())

	for i := 0; i < 3; i++ {
		_, err := m.Subscribe(SubscribeOptions{
			Topic:        "grouped:topic",
			SubscriberID: fmt.Sprintf("member-%d", i),
			Group:        "squad",
			Handler: func(ctx context.Context, ev *bus.Envelope) (*bus.Result, error) {
				return nil, nil
			},
		})
		require.NoError(t, err)
	}
	outsider, err := m.Subscribe(SubscribeOptions{
		Topic:        "grouped:topic",
		SubscriberID: "outsider",
		Handler: func(ctx context.Context, ev *bus.Envelope) (*bus.Result, error) {
			return nil, nil
		},
	})
	require.NoError(t, err)

	require.Equal(t, 3, m.GroupSize("squad"))
	removed := m.UnsubscribeGroup("squad")
	assert.Equal(t, 3, removed)
	assert.Equal(t, 0, m.GroupSize("squad"))
	assert.Equal(t, 1, b.ListenerCount("grouped:topic"))

	_, ok := m.Handle(outsider.ID)
	assert.True(t, ok, "ungrouped handle must survive group removal")

	assert.Equal(t, 0, m.UnsubscribeGroup("nonexistent"))
}

func TestSubscriptionManager_Once(t *testing.T) {
	b := newTestBus(t)
	m := NewSubscriptionManager(b, logger.Default())

	var count int32
	handle, err := m.Subscribe(SubscribeOptions{
		Topic:        "once:topic",
		SubscriberID: "oneshot",
		Once:         true,
		Handler: func(ctx context.Context, ev *bus.Envelope) (*bus.Result, error) {
			atomic.AddInt32(&count, 1)
			return nil, nil
		},
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := b.Publish(context.Background(), "once:topic", nil, bus.WithMode(bus.Sync))
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&count))
	_, ok := m.Handle(handle.ID)
	assert.False(t, ok, "once handle must be forgotten after delivery")
	assert.Equal(t, 0, b.ListenerCount("once:topic"))
}

func TestSubscriptionManager_TTLExpiry(t *testing.T) {
	b := newTestBus(t)
	m := NewSubscriptionManager(b, logger.Default())

	expired := make(chan *bus.Envelope, 1)
	_, err := b.On(events.SubscriptionExpired, func(ctx context.Context, ev *bus.Envelope) (*bus.Result, error) {
		expired <- ev
		return nil, nil
	})
	require.NoError(t, err)

	var count int32
	handle, err := m.Subscribe(SubscribeOptions{
		Topic:        "ttl:topic",
		SubscriberID: "short-lived",
		TTL:          50 * time.Millisecond,
		Handler: func(ctx context.Context, ev *bus.Envelope) (*bus.Result, error) {
			atomic.AddInt32(&count, 1)
			return nil, nil
		},
	})
	require.NoError(t, err)
	require.NotNil(t, handle.ExpiresAt)

	_, err = b.Publish(context.Background(), "ttl:topic", nil, bus.WithMode(bus.Sync))
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&count))

	select {
	case ev := <-expired:
		data := ev.Data.(map[string]any)
		assert.Equal(t, handle.ID, data["handleId"])
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for subscription-expired")
	}

	_, err = b.Publish(context.Background(), "ttl:topic", nil, bus.WithMode(bus.Sync))
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&count), "no delivery after expiry")

	_, ok := m.Handle(handle.ID)
	assert.False(t, ok)
}

func TestSubscriptionManager_LeakWarning(t *testing.T) {
	b := newTestBus(t)
	m := NewSubscriptionManager(b, logger.Default())

	warnings := make(chan *bus.Envelope, 4)
	_, err := b.On(events.ListenerLeakWarning, func(ctx context.Context, ev *bus.Envelope) (*bus.Result, error) {
		warnings <- ev
		return nil, nil
	})
	require.NoError(t, err)

	for i := 0; i <= listenerLeakThreshold; i++ {
		_, err := m.Subscribe(SubscribeOptions{
			Topic:        "popular:topic",
			SubscriberID: fmt.Sprintf("sub-%d", i),
			Handler: func(ctx context.Context, ev *bus.Envelope) (*bus.Result, error) {
				return nil, nil
			},
		})
		require.NoError(t, err)
	}
	require.Equal(t, listenerLeakThreshold+1, b.ListenerCount("popular:topic"))

	select {
	case ev := <-warnings:
		data := ev.Data.(map[string]any)
		assert.Equal(t, "popular:topic", data["topic"])
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for listener-leak-warning")
	}

	// The warning fires once per crossing, not per subscribe.
	_, err = m.Subscribe(SubscribeOptions{
		Topic:        "popular:topic",
		SubscriberID: "one-more",
		Handler: func(ctx context.Context, ev *bus.Envelope) (*bus.Result, error) {
			return nil, nil
		},
	})
	require.NoError(t, err)

	select {
	case <-warnings:
		t.Fatal("expected no second warning while above threshold")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscriptionManager_Validation(t *testing.T) {
	b := newTestBus(t)
	m := NewSubscriptionManager(b, logger.Default())

	handler := func(ctx context.Context, ev *bus.Envelope) (*bus.Result, error) { return nil, nil }

	_, err := m.Subscribe(SubscribeOptions{Topic: "has space", SubscriberID: "x", Handler: handler})
	assert.True(t, errors.Is(err, bus.ErrInvalidTopic))

	_, err = m.Subscribe(SubscribeOptions{Topic: "", SubscriberID: "x", Handler: handler})
	assert.True(t, errors.Is(err, bus.ErrInvalidTopic))

	_, err = m.Subscribe(SubscribeOptions{Topic: "fine:topic", SubscriberID: "x"})
	assert.True(t, errors.Is(err, bus.ErrNilHandler))

	// The full charset is accepted, including wildcards.
	_, err = m.Subscribe(SubscribeOptions{Topic: "A-Za:z0_9:*:**", SubscriberID: "x", Handler: handler})
	assert.NoError(t, err)
}
