package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/foremanhq/foreman/internal/common/logger"
	"github.com/foremanhq/foreman/internal/events"
	"github.com/foremanhq/foreman/internal/events/bus"
	"github.com/foremanhq/foreman/internal/monitor/bridge"
	v1 "github.com/foremanhq/foreman/pkg/api/v1"
)

func staticDeps(deps ...Dependency) DependencyProvider {
	return DependencyProviderFunc(func(context.Context) ([]Dependency, error) {
		return deps, nil
	})
}

func newTestCoordinator(t *testing.T, provider DependencyProvider) (*Coordinator, *bus.EventBus) {
	t.Helper()
	b := bus.NewEventBus(logger.Default())
	t.Cleanup(b.Shutdown)
	return New(Config{}, provider, b, logger.Default()), b
}

// recordTopics collects deliveries across several topics in arrival order.
func recordTopics(t *testing.T, b *bus.EventBus, topics ...string) func() []*bus.Envelope {
	t.Helper()
	var mu sync.Mutex
	var got []*bus.Envelope
	for _, topic := range topics {
		_, err := b.On(topic, func(_ context.Context, env *bus.Envelope) (*bus.Result, error) {
			mu.Lock()
			got = append(got, env)
			mu.Unlock()
			return nil, nil
		})
		require.NoError(t, err)
	}
	return func() []*bus.Envelope {
		mu.Lock()
		defer mu.Unlock()
		out := make([]*bus.Envelope, len(got))
		copy(out, got)
		return out
	}
}

func dep(producer, producerAgent, consumer, consumerAgent string) Dependency {
	return Dependency{
		ConsumerTask:  consumer,
		ConsumerAgent: consumerAgent,
		ProducerTask:  producer,
		ProducerAgent: producerAgent,
	}
}

func TestCoordinator_InitializeMaterializes(t *testing.T) {
	c, _ := newTestCoordinator(t, staticDeps(
		dep("1.0", "A", "2.1", "B"),
		dep("1.1", "A", "2.1", "B"),
		dep("1.1", "A", "1.0", "A"), // consumer already completed: skipped
	))

	require.NoError(t, c.Initialize(context.Background(), []string{"1.0"}))

	handoffs := c.ListHandoffs()
	require.Len(t, handoffs, 2)

	ready, err := c.GetHandoff(v1.HandoffID("1.0", "2.1"))
	require.NoError(t, err)
	assert.Equal(t, v1.HandoffStatusReady, ready.Status)
	require.NotNil(t, ready.ReadyAt, "readyAt is set at promotion")

	pending, err := c.GetHandoff(v1.HandoffID("1.1", "2.1"))
	require.NoError(t, err)
	assert.Equal(t, v1.HandoffStatusPending, pending.Status)
	assert.Nil(t, pending.ReadyAt)

	_, err = c.GetHandoff(v1.HandoffID("1.1", "1.0"))
	require.ErrorIs(t, err, ErrHandoffNotFound)

	assert.False(t, c.CanTaskProceed("2.1"), "one producer still pending")
}

func TestCoordinator_CreateHandoff(t *testing.T) {
	c, b := newTestCoordinator(t, nil)
	ctx := context.Background()
	got := recordTopics(t, b, events.HandoffCreated)

	created, err := c.CreateHandoff(ctx, dep("1.1", "A", "2.1", "B"))
	require.NoError(t, err)
	assert.Equal(t, "1.1->2.1", created.ID)
	assert.Equal(t, v1.HandoffStatusPending, created.Status)

	envelopes := got()
	require.Len(t, envelopes, 1)
	payload := envelopes[0].Data.(*v1.Handoff)
	assert.Equal(t, "1.1->2.1", payload.ID)
	assert.Equal(t, v1.HandoffStatusPending, payload.Status)

	// Duplicate edges are rejected; the existing handoff comes back.
	existing, err := c.CreateHandoff(ctx, dep("1.1", "A", "2.1", "B"))
	require.ErrorIs(t, err, ErrHandoffExists)
	assert.Equal(t, created.ID, existing.ID)
	require.Len(t, got(), 1)

	// A producer already produced promotes the new handoff immediately.
	c.MarkTaskCompleted(ctx, "1.2", "A")
	promoted, err := c.CreateHandoff(ctx, dep("1.2", "A", "2.2", "B"))
	require.NoError(t, err)
	assert.Equal(t, v1.HandoffStatusReady, promoted.Status)
	require.NotNil(t, promoted.ReadyAt)
}

func TestCoordinator_CreateHandoffValidation(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	ctx := context.Background()

	_, err := c.CreateHandoff(ctx, dep("", "A", "2.1", "B"))
	require.ErrorIs(t, err, ErrInvalidDependency)

	_, err = c.CreateHandoff(ctx, dep("2.1", "B", "2.1", "B"))
	require.ErrorIs(t, err, ErrInvalidDependency)
}

func TestCoordinator_CompletionPromotesAndUnblocks(t *testing.T) {
	c, b := newTestCoordinator(t, nil)
	ctx := context.Background()

	_, err := c.CreateHandoff(ctx, dep("1.1", "A", "2.1", "B"))
	require.NoError(t, err)
	require.False(t, c.CanTaskProceed("2.1"))

	got := recordTopics(t, b, events.HandoffReady, events.TaskUnblocked)

	promoted := c.MarkTaskCompleted(ctx, "1.1", "A")
	require.Len(t, promoted, 1)
	assert.Equal(t, v1.HandoffStatusReady, promoted[0].Status)
	assert.True(t, c.CanTaskProceed("2.1"))

	envelopes := got()
	require.Len(t, envelopes, 2)
	assert.Equal(t, events.HandoffReady, envelopes[0].Topic, "ready precedes unblocked")
	assert.Equal(t, events.TaskUnblocked, envelopes[1].Topic)
	unblocked := envelopes[1].Data.(*TaskUnblockedEvent)
	assert.Equal(t, "2.1", unblocked.ConsumerTask)
}

func TestCoordinator_UnblockWaitsForLastPending(t *testing.T) {
	c, b := newTestCoordinator(t, nil)
	ctx := context.Background()

	_, err := c.CreateHandoff(ctx, dep("1.1", "A", "3.1", "C"))
	require.NoError(t, err)
	_, err = c.CreateHandoff(ctx, dep("2.2", "B", "3.1", "C"))
	require.NoError(t, err)

	got := recordTopics(t, b, events.HandoffReady, events.TaskUnblocked)

	c.MarkTaskCompleted(ctx, "1.1", "A")
	assert.False(t, c.CanTaskProceed("3.1"), "second producer still pending")
	envelopes := got()
	require.Len(t, envelopes, 1)
	assert.Equal(t, events.HandoffReady, envelopes[0].Topic)

	c.MarkTaskCompleted(ctx, "2.2", "B")
	assert.True(t, c.CanTaskProceed("3.1"))
	envelopes = got()
	require.Len(t, envelopes, 3)
	assert.Equal(t, events.TaskUnblocked, envelopes[2].Topic)
}

func TestCoordinator_CompleteHandoff(t *testing.T) {
	c, b := newTestCoordinator(t, nil)
	ctx := context.Background()
	got := recordTopics(t, b, events.HandoffCompleted)

	_, err := c.CreateHandoff(ctx, dep("1.1", "A", "2.1", "B"))
	require.NoError(t, err)

	_, err = c.CompleteHandoff(ctx, "1.1->2.1")
	require.ErrorIs(t, err, ErrHandoffNotReady, "pending handoffs cannot complete")

	c.MarkTaskCompleted(ctx, "1.1", "A")
	completed, err := c.CompleteHandoff(ctx, "1.1->2.1")
	require.NoError(t, err)
	assert.Equal(t, v1.HandoffStatusCompleted, completed.Status)
	require.NotNil(t, completed.CompletedAt)
	require.Len(t, got(), 1)

	_, err = c.CompleteHandoff(ctx, "1.1->2.1")
	require.ErrorIs(t, err, ErrHandoffNotReady, "completion is terminal")

	_, err = c.CompleteHandoff(ctx, "9.9->9.8")
	require.ErrorIs(t, err, ErrHandoffNotFound)
}

func TestCoordinator_GetBlockedTasks(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	ctx := context.Background()

	_, err := c.CreateHandoff(ctx, dep("1.1", "A", "2.2", "B"))
	require.NoError(t, err)
	_, err = c.CreateHandoff(ctx, dep("1.2", "A", "2.1", "B"))
	require.NoError(t, err)
	_, err = c.CreateHandoff(ctx, dep("1.3", "A", "3.1", "C"))
	require.NoError(t, err)

	c.MarkTaskCompleted(ctx, "1.3", "A")

	assert.Equal(t, []string{"2.1", "2.2"}, c.GetBlockedTasks("B"))
	assert.Empty(t, c.GetBlockedTasks("C"), "ready handoffs do not block")
	assert.Empty(t, c.GetBlockedTasks("unknown"))
}

func TestCoordinator_EventLogMostRecentFirst(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	ctx := context.Background()

	_, err := c.CreateHandoff(ctx, dep("1.1", "A", "2.1", "B"))
	require.NoError(t, err)
	c.MarkTaskCompleted(ctx, "1.1", "A")
	_, err = c.CompleteHandoff(ctx, "1.1->2.1")
	require.NoError(t, err)

	log := c.EventLog(0)
	require.NotEmpty(t, log)
	assert.Equal(t, events.HandoffCompleted, log[0].Type, "newest first")
	assert.Equal(t, events.HandoffCreated, log[len(log)-1].Type)

	limited := c.EventLog(2)
	require.Len(t, limited, 2)
	assert.Equal(t, log[0], limited[0])
}

func TestCoordinator_EventLogBounded(t *testing.T) {
	b := bus.NewEventBus(logger.Default())
	t.Cleanup(b.Shutdown)
	c := New(Config{EventLogLimit: 3}, nil, b, logger.Default())
	ctx := context.Background()

	for _, task := range []string{"1.1", "1.2", "1.3", "1.4", "1.5"} {
		c.MarkTaskCompleted(ctx, task, "A")
	}

	log := c.EventLog(0)
	require.Len(t, log, 3)
	assert.Equal(t, "1.5", log[0].Task)
	assert.Equal(t, "1.3", log[2].Task)
}

func TestReadyTasks_PureQuery(t *testing.T) {
	deps := []Dependency{
		dep("1.1", "A", "2.1", "B"),
		dep("1.2", "A", "2.1", "B"),
		dep("1.1", "A", "2.2", "B"),
		dep("2.1", "B", "3.1", "C"),
	}

	assert.Empty(t, ReadyTasks(deps, nil))
	assert.Equal(t, []string{"2.2"}, ReadyTasks(deps, []string{"1.1"}))
	assert.Equal(t, []string{"2.1", "2.2"}, ReadyTasks(deps, []string{"1.1", "1.2"}))
	// Completed consumers drop out even when their producers are done.
	assert.Equal(t, []string{"2.2", "3.1"}, ReadyTasks(deps, []string{"1.1", "1.2", "2.1"}))
	assert.Equal(t, []string{"3.1"}, ReadyTasks(deps, []string{"1.1", "1.2", "2.1", "2.2"}))
}

func TestCoordinator_ReadyTasksTracksProduced(t *testing.T) {
	c, _ := newTestCoordinator(t, staticDeps(
		dep("1.1", "A", "2.1", "B"),
		dep("2.1", "B", "3.1", "C"),
	))
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx, nil))

	ready, err := c.ReadyTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, ready)

	c.MarkTaskCompleted(ctx, "1.1", "A")
	ready, err = c.ReadyTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"2.1"}, ready)
}

func TestCoordinator_BusDrivenCompletion(t *testing.T) {
	c, b := newTestCoordinator(t, nil)
	ctx := context.Background()

	_, err := c.CreateHandoff(ctx, dep("1.1", "A", "2.1", "B"))
	require.NoError(t, err)
	_, err = c.CreateHandoff(ctx, dep("1.2", "A", "2.2", "B"))
	require.NoError(t, err)

	require.NoError(t, c.Start())
	t.Cleanup(c.Stop)

	// Durable commit stream.
	_, err = b.Publish(ctx, events.TaskCompletedDB, &v1.TaskCompletion{
		TaskID: "1.1", AgentID: "A", Status: v1.TaskStatusCompleted,
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.CanTaskProceed("2.1") },
		2*time.Second, 10*time.Millisecond)

	// Bridge detection stream.
	_, err = b.Publish(ctx, events.StateUpdateTaskDone, bridge.StateUpdate{
		Type:      bridge.UpdateTaskCompleted,
		TaskID:    "1.2",
		AgentID:   "A",
		NewStatus: v1.TaskStatusCompleted,
		Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.CanTaskProceed("2.2") },
		2*time.Second, 10*time.Millisecond)

	// Non-completed statuses are ignored.
	_, err = b.Publish(ctx, events.TaskCompletedDB, &v1.TaskCompletion{
		TaskID: "9.9", AgentID: "A", Status: v1.TaskStatusPartial,
	})
	require.NoError(t, err)
	assert.False(t, c.IsProduced("9.9"))
}

// statusRank orders handoff statuses for the monotonicity property.
func statusRank(status v1.HandoffStatus) int {
	switch status {
	case v1.HandoffStatusPending:
		return 0
	case v1.HandoffStatusReady:
		return 1
	case v1.HandoffStatusCompleted:
		return 2
	default:
		return -1
	}
}

func TestCoordinator_StatusMonotonicity(t *testing.T) {
	tasks := []string{"1.1", "1.2", "2.1", "2.2", "3.1"}
	agents := []string{"A", "B", "C"}

	rapid.Check(t, func(rt *rapid.T) {
		b := bus.NewEventBus(logger.Default())
		defer b.Shutdown()
		c := New(Config{}, nil, b, logger.Default())
		ctx := context.Background()

		ranks := make(map[string]int)
		observe := func() {
			for _, handoff := range c.ListHandoffs() {
				rank := statusRank(handoff.Status)
				if prev, ok := ranks[handoff.ID]; ok && rank < prev {
					rt.Fatalf("handoff %s went backwards: rank %d -> %d", handoff.ID, prev, rank)
				}
				ranks[handoff.ID] = rank
				if handoff.Status == v1.HandoffStatusPending && handoff.ReadyAt != nil {
					rt.Fatalf("handoff %s pending with readyAt set", handoff.ID)
				}
				if handoff.Status != v1.HandoffStatusPending && handoff.ReadyAt == nil {
					rt.Fatalf("handoff %s is %s without readyAt", handoff.ID, handoff.Status)
				}
				if handoff.Status == v1.HandoffStatusCompleted && handoff.CompletedAt == nil {
					rt.Fatalf("handoff %s completed without completedAt", handoff.ID)
				}
			}
		}

		numOps := rapid.IntRange(1, 40).Draw(rt, "numOps")
		for i := 0; i < numOps; i++ {
			producer := tasks[rapid.IntRange(0, len(tasks)-1).Draw(rt, "producer")]
			consumer := tasks[rapid.IntRange(0, len(tasks)-1).Draw(rt, "consumer")]
			agent := agents[rapid.IntRange(0, len(agents)-1).Draw(rt, "agent")]

			switch rapid.IntRange(0, 2).Draw(rt, "op") {
			case 0:
				_, _ = c.CreateHandoff(ctx, dep(producer, agent, consumer, agent))
			case 1:
				c.MarkTaskCompleted(ctx, producer, agent)
			case 2:
				_, _ = c.CompleteHandoff(ctx, v1.HandoffID(producer, consumer))
			}
			observe()
		}
	})
}
