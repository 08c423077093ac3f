package router

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foremanhq/foreman/internal/common/logger"
	"github.com/foremanhq/foreman/internal/events/bus"
	v1 "github.com/foremanhq/foreman/pkg/api/v1"
)

func TestRouter_SendDirect(t *testing.T) {
	b := newTestBus(t)
	r := NewRouter(b, logger.Default())

	var forA, forB int32
	_, err := r.Register("agent-a", "message:direct:agent-a", PriorityNormal,
		func(ctx context.Context, ev *bus.Envelope) (*bus.Result, error) {
			atomic.AddInt32(&forA, 1)
			return nil, nil
		})
	require.NoError(t, err)
	_, err = r.Register("agent-b", "message:direct:agent-b", PriorityNormal,
		func(ctx context.Context, ev *bus.Envelope) (*bus.Result, error) {
			atomic.AddInt32(&forB, 1)
			return nil, nil
		})
	require.NoError(t, err)

	delivered, err := r.SendDirect(context.Background(), "agent-a", "task assignment", bus.WithMode(bus.Sync))
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, int32(1), atomic.LoadInt32(&forA))
	assert.Equal(t, int32(0), atomic.LoadInt32(&forB))
}

func TestRouter_Broadcast(t *testing.T) {
	b := newTestBus(t)
	r := NewRouter(b, logger.Default())

	var count int32
	for _, id := range []string{"one", "two", "three"} {
		_, err := r.Register(id, "message:broadcast", PriorityNormal,
			func(ctx context.Context, ev *bus.Envelope) (*bus.Result, error) {
				atomic.AddInt32(&count, 1)
				return nil, nil
			})
		require.NoError(t, err)
	}

	delivered, err := r.Broadcast(context.Background(), "all hands", bus.WithMode(bus.Sync))
	require.NoError(t, err)
	assert.Equal(t, 3, delivered)
	assert.Equal(t, int32(3), atomic.LoadInt32(&count))
}

func TestRouter_SendToType(t *testing.T) {
	b := newTestBus(t)
	r := NewRouter(b, logger.Default())

	var impl, mgr int32
	_, err := r.Register("impl-pool", "message:type:IMPLEMENTATION", PriorityNormal,
		func(ctx context.Context, ev *bus.Envelope) (*bus.Result, error) {
			atomic.AddInt32(&impl, 1)
			return nil, nil
		})
	require.NoError(t, err)
	_, err = r.Register("mgr-pool", "message:type:MANAGER", PriorityNormal,
		func(ctx context.Context, ev *bus.Envelope) (*bus.Result, error) {
			atomic.AddInt32(&mgr, 1)
			return nil, nil
		})
	require.NoError(t, err)

	_, err = r.SendToType(context.Background(), v1.AgentTypeImplementation, "spin up", bus.WithMode(bus.Sync))
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&impl))
	assert.Equal(t, int32(0), atomic.LoadInt32(&mgr))
}

func TestRouter_NonRouterSubscribersStillReceive(t *testing.T) {
	b := newTestBus(t)
	r := NewRouter(b, logger.Default())

	received := make(chan *bus.Envelope, 1)
	_, err := b.On("message:direct:agent-x", func(ctx context.Context, ev *bus.Envelope) (*bus.Result, error) {
		received <- ev
		return nil, nil
	})
	require.NoError(t, err)

	_, err = r.SendDirect(context.Background(), "agent-x", "hello", bus.WithMode(bus.Sync))
	require.NoError(t, err)

	select {
	case ev := <-received:
		assert.Equal(t, "hello", ev.Data)
	case <-time.After(time.Second):
		t.Fatal("timeout: plain bus subscriber missed routed message")
	}
}

func TestRouter_SubscriberOrdering(t *testing.T) {
	b := newTestBus(t)
	r := NewRouter(b, logger.Default())

	noop := func(ctx context.Context, ev *bus.Envelope) (*bus.Result, error) { return nil, nil }

	_, err := r.Register("low-1", "a:topic", PriorityLow, noop)
	require.NoError(t, err)
	_, err = r.Register("high-1", "a:topic", PriorityHigh, noop)
	require.NoError(t, err)
	_, err = r.Register("normal-1", "a:topic", PriorityNormal, noop)
	require.NoError(t, err)
	_, err = r.Register("high-2", "a:topic", PriorityHigh, noop)
	require.NoError(t, err)

	subs := r.Subscribers()
	require.Len(t, subs, 4)
	// Priority tiers first, FIFO inside a tier.
	assert.Equal(t, "high-1", subs[0].ID)
	assert.Equal(t, "high-2", subs[1].ID)
	assert.Equal(t, "normal-1", subs[2].ID)
	assert.Equal(t, "low-1", subs[3].ID)
}

func TestRouter_InvocationCounters(t *testing.T) {
	b := newTestBus(t)
	r := NewRouter(b, logger.Default())

	sub, err := r.Register("counter", "message:broadcast", PriorityNormal,
		func(ctx context.Context, ev *bus.Envelope) (*bus.Result, error) {
			return nil, nil
		})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := r.Broadcast(context.Background(), i, bus.WithMode(bus.Sync))
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(4), sub.Invocations())
}

func TestRouter_RegisterValidation(t *testing.T) {
	b := newTestBus(t)
	r := NewRouter(b, logger.Default())

	noop := func(ctx context.Context, ev *bus.Envelope) (*bus.Result, error) { return nil, nil }

	_, err := r.Register("dup", "x:topic", PriorityNormal, noop)
	require.NoError(t, err)
	_, err = r.Register("dup", "x:topic", PriorityNormal, noop)
	assert.ErrorIs(t, err, ErrSubscriberExists)

	_, err = r.Register("", "x:topic", PriorityNormal, noop)
	assert.Error(t, err)

	_, err = r.Register("odd", "x:topic", Priority("URGENT"), noop)
	assert.Error(t, err)

	err = r.Deregister("missing")
	assert.ErrorIs(t, err, ErrSubscriberNotFound)

	require.NoError(t, r.Deregister("dup"))
	assert.Equal(t, 0, b.ListenerCount("x:topic"))
}

func TestRouter_RoutingRules(t *testing.T) {
	b := newTestBus(t)
	r := NewRouter(b, logger.Default())

	mirrored := make(chan *bus.Envelope, 2)
	_, err := b.On("audit:direct-traffic", func(ctx context.Context, ev *bus.Envelope) (*bus.Result, error) {
		mirrored <- ev
		return nil, nil
	})
	require.NoError(t, err)

	require.NoError(t, r.AddRule("audit-direct", `^message:direct:`, "audit:direct-traffic"))

	_, err = r.SendDirect(context.Background(), "agent-z", "sensitive", bus.WithMode(bus.Sync))
	require.NoError(t, err)

	select {
	case ev := <-mirrored:
		assert.Equal(t, "sensitive", ev.Data)
	case <-time.After(time.Second):
		t.Fatal("timeout: rule target did not receive mirrored message")
	}

	// Broadcast does not match the rule.
	_, err = r.Broadcast(context.Background(), "public", bus.WithMode(bus.Sync))
	require.NoError(t, err)
	select {
	case <-mirrored:
		t.Fatal("broadcast must not match the direct-message rule")
	case <-time.After(100 * time.Millisecond):
	}

	// Removed rules stop participating.
	assert.True(t, r.RemoveRule("audit-direct"))
	assert.False(t, r.RemoveRule("audit-direct"))
	_, err = r.SendDirect(context.Background(), "agent-z", "again", bus.WithMode(bus.Sync))
	require.NoError(t, err)
	select {
	case <-mirrored:
		t.Fatal("removed rule must not mirror traffic")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRouter_RuleValidation(t *testing.T) {
	b := newTestBus(t)
	r := NewRouter(b, logger.Default())

	assert.Error(t, r.AddRule("bad-regex", `([`, "valid:target"))
	assert.Error(t, r.AddRule("bad-target", `^x`, "not a topic"))
	require.NoError(t, r.AddRule("ok", `^x`, "valid:target"))
	assert.ErrorIs(t, r.AddRule("ok", `^y`, "valid:target"), ErrRuleExists)

	rules := r.Rules()
	require.Len(t, rules, 1)
	assert.Equal(t, "ok", rules[0].ID)
}
