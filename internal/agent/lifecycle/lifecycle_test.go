package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/foremanhq/foreman/internal/common/config"
	"github.com/foremanhq/foreman/internal/common/logger"
	"github.com/foremanhq/foreman/internal/store"
	"github.com/foremanhq/foreman/internal/store/migrate"
	v1 "github.com/foremanhq/foreman/pkg/api/v1"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	st, err := store.Open(config.StoreConfig{
		Driver: store.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "lifecycle_test.db"),
	}, logger.Default())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	migrator, err := migrate.New(st, logger.Default())
	if err != nil {
		t.Fatalf("failed to create migrator: %v", err)
	}
	if err := migrator.Up(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return NewManager(st, logger.Default())
}

func TestManager_CreateAgent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	agent, err := m.CreateAgent(ctx, CreateAgentInput{
		ID:   "agent-1",
		Type: v1.AgentTypeImplementation,
		Metadata: v1.AgentMetadata{
			ProcessID: 4242,
			WorkDir:   "/work/agent-1",
		},
	})
	if err != nil {
		t.Fatalf("failed to create agent: %v", err)
	}
	if agent.Status != v1.AgentStatusSpawning {
		t.Errorf("expected Spawning, got %s", agent.Status)
	}

	loaded, err := m.GetAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("failed to load agent: %v", err)
	}
	if loaded.Type != v1.AgentTypeImplementation {
		t.Errorf("expected IMPLEMENTATION, got %s", loaded.Type)
	}
	if loaded.Metadata.ProcessID != 4242 {
		t.Errorf("expected metadata round-trip, got %+v", loaded.Metadata)
	}
	if loaded.CurrentTask != nil {
		t.Errorf("expected no current task, got %v", *loaded.CurrentTask)
	}

	history, err := m.History(ctx, "agent-1")
	if err != nil {
		t.Fatalf("failed to load history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected creation transition, got %d entries", len(history))
	}
	if history[0].FromState != nil {
		t.Errorf("expected nil from-state on creation, got %v", *history[0].FromState)
	}
	if history[0].ToState != string(v1.AgentStatusSpawning) {
		t.Errorf("expected Spawning to-state, got %s", history[0].ToState)
	}

	if _, err := m.CreateAgent(ctx, CreateAgentInput{ID: "agent-1", Type: v1.AgentTypeManager}); !errors.Is(err, ErrAgentExists) {
		t.Errorf("expected ErrAgentExists, got %v", err)
	}
}

func TestManager_GeneratesAgentID(t *testing.T) {
	m := newTestManager(t)

	agent, err := m.CreateAgent(context.Background(), CreateAgentInput{Type: v1.AgentTypeAdHoc})
	if err != nil {
		t.Fatalf("failed to create agent: %v", err)
	}
	if agent.ID == "" {
		t.Error("expected generated id")
	}
}

func TestManager_TransitionChain(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.CreateAgent(ctx, CreateAgentInput{ID: "agent-1", Type: v1.AgentTypeImplementation}); err != nil {
		t.Fatalf("failed to create agent: %v", err)
	}

	task := "3.2"
	steps := []struct {
		to   v1.AgentStatus
		in   TransitionInput
		task *string
	}{
		{v1.AgentStatusActive, TransitionInput{Task: &task, Trigger: v1.TriggerUserAction}, &task},
		{v1.AgentStatusWaiting, TransitionInput{}, nil},
		{v1.AgentStatusActive, TransitionInput{Task: &task}, &task},
		{v1.AgentStatusIdle, TransitionInput{}, nil},
		{v1.AgentStatusActive, TransitionInput{}, nil},
		{v1.AgentStatusTerminated, TransitionInput{Trigger: v1.TriggerRecovery}, nil},
	}
	for i, step := range steps {
		if _, err := m.Transition(ctx, "agent-1", step.to, step.in); err != nil {
			t.Fatalf("step %d to %s failed: %v", i, step.to, err)
		}
		agent, err := m.GetAgent(ctx, "agent-1")
		if err != nil {
			t.Fatalf("step %d reload failed: %v", i, err)
		}
		if agent.Status != step.to {
			t.Errorf("step %d: expected %s, got %s", i, step.to, agent.Status)
		}
		switch {
		case step.task == nil && agent.CurrentTask != nil:
			t.Errorf("step %d: expected nil task, got %v", i, *agent.CurrentTask)
		case step.task != nil && (agent.CurrentTask == nil || *agent.CurrentTask != *step.task):
			t.Errorf("step %d: expected task %s, got %v", i, *step.task, agent.CurrentTask)
		}
	}

	history, err := m.History(ctx, "agent-1")
	if err != nil {
		t.Fatalf("failed to load history: %v", err)
	}
	if len(history) != len(steps)+1 {
		t.Fatalf("expected %d transitions, got %d", len(steps)+1, len(history))
	}
	for i := 1; i < len(history); i++ {
		if history[i].FromState == nil {
			t.Fatalf("entry %d missing from-state", i)
		}
		if *history[i].FromState != history[i-1].ToState {
			t.Errorf("entry %d: from %s does not chain to previous %s", i, *history[i].FromState, history[i-1].ToState)
		}
	}
	last := history[len(history)-1]
	if last.Trigger != v1.TriggerRecovery {
		t.Errorf("expected RECOVERY trigger on final entry, got %s", last.Trigger)
	}
}

func TestManager_InvalidTransitionLeavesNoTrace(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.CreateAgent(ctx, CreateAgentInput{ID: "agent-1", Type: v1.AgentTypeManager}); err != nil {
		t.Fatalf("failed to create agent: %v", err)
	}

	// Spawning cannot go straight to Waiting.
	if _, err := m.Transition(ctx, "agent-1", v1.AgentStatusWaiting, TransitionInput{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	agent, err := m.GetAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("failed to reload agent: %v", err)
	}
	if agent.Status != v1.AgentStatusSpawning {
		t.Errorf("expected status untouched, got %s", agent.Status)
	}
	history, _ := m.History(ctx, "agent-1")
	if len(history) != 1 {
		t.Errorf("expected no transition appended, got %d entries", len(history))
	}
}

func TestManager_TerminatedIsTerminal(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.CreateAgent(ctx, CreateAgentInput{ID: "agent-1", Type: v1.AgentTypeAdHoc}); err != nil {
		t.Fatalf("failed to create agent: %v", err)
	}
	if _, err := m.Transition(ctx, "agent-1", v1.AgentStatusTerminated, TransitionInput{Trigger: v1.TriggerError}); err != nil {
		t.Fatalf("failed to terminate: %v", err)
	}

	for _, to := range []v1.AgentStatus{v1.AgentStatusActive, v1.AgentStatusWaiting, v1.AgentStatusIdle, v1.AgentStatusSpawning} {
		if _, err := m.Transition(ctx, "agent-1", to, TransitionInput{}); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition to %s, got %v", to, err)
		}
	}
}

func TestManager_TransitionUnknownAgent(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.Transition(context.Background(), "ghost", v1.AgentStatusActive, TransitionInput{}); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestManager_Heartbeat(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.CreateAgent(ctx, CreateAgentInput{ID: "agent-1", Type: v1.AgentTypeImplementation}); err != nil {
		t.Fatalf("failed to create agent: %v", err)
	}
	before, _ := m.GetAgent(ctx, "agent-1")

	time.Sleep(10 * time.Millisecond)
	if err := m.UpdateHeartbeat(ctx, "agent-1"); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}

	after, _ := m.GetAgent(ctx, "agent-1")
	if !after.LastActivityAt.After(before.LastActivityAt) {
		t.Errorf("expected heartbeat to advance activity, %v vs %v", before.LastActivityAt, after.LastActivityAt)
	}

	history, _ := m.History(ctx, "agent-1")
	if len(history) != 1 {
		t.Errorf("expected heartbeat to record no transition, got %d entries", len(history))
	}

	if err := m.UpdateHeartbeat(ctx, "ghost"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestManager_ListAgentsByStatus(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	for _, id := range []string{"a-1", "a-2", "a-3"} {
		if _, err := m.CreateAgent(ctx, CreateAgentInput{ID: id, Type: v1.AgentTypeImplementation}); err != nil {
			t.Fatalf("failed to create %s: %v", id, err)
		}
	}
	if _, err := m.Transition(ctx, "a-1", v1.AgentStatusActive, TransitionInput{}); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if _, err := m.Transition(ctx, "a-2", v1.AgentStatusActive, TransitionInput{}); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if _, err := m.Transition(ctx, "a-2", v1.AgentStatusWaiting, TransitionInput{}); err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	live, err := m.ListAgentsByStatus(ctx, v1.AgentStatusActive, v1.AgentStatusWaiting)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(live) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(live))
	}
	if live[0].ID != "a-1" || live[1].ID != "a-2" {
		t.Errorf("unexpected agents: %s, %s", live[0].ID, live[1].ID)
	}

	all, err := m.ListAgents(ctx)
	if err != nil {
		t.Fatalf("list all failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 agents, got %d", len(all))
	}
}

func TestManager_Statistics(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.CreateAgent(ctx, CreateAgentInput{ID: "agent-1", Type: v1.AgentTypeImplementation}); err != nil {
		t.Fatalf("failed to create agent: %v", err)
	}
	task := "1.1"
	if _, err := m.Transition(ctx, "agent-1", v1.AgentStatusActive, TransitionInput{Task: &task, Trigger: v1.TriggerUserAction}); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := m.Transition(ctx, "agent-1", v1.AgentStatusWaiting, TransitionInput{}); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if _, err := m.Transition(ctx, "agent-1", v1.AgentStatusActive, TransitionInput{Task: &task}); err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	stats, err := m.Statistics(ctx, "agent-1")
	if err != nil {
		t.Fatalf("statistics failed: %v", err)
	}
	if stats.TransitionCount != 4 {
		t.Errorf("expected 4 transitions, got %d", stats.TransitionCount)
	}
	if stats.Visits[v1.AgentStatusActive] != 2 {
		t.Errorf("expected 2 Active visits, got %d", stats.Visits[v1.AgentStatusActive])
	}
	if stats.Visits[v1.AgentStatusSpawning] != 1 {
		t.Errorf("expected 1 Spawning visit, got %d", stats.Visits[v1.AgentStatusSpawning])
	}
	if stats.ByTrigger[v1.TriggerUserAction] != 1 {
		t.Errorf("expected 1 USER_ACTION, got %d", stats.ByTrigger[v1.TriggerUserAction])
	}
	if stats.ByTrigger[v1.TriggerAutomatic] != 3 {
		t.Errorf("expected 3 AUTOMATIC, got %d", stats.ByTrigger[v1.TriggerAutomatic])
	}
	if stats.TimeInState[v1.AgentStatusActive] <= 0 {
		t.Error("expected Active dwell time")
	}
	if stats.Lifetime < 20*time.Millisecond {
		t.Errorf("expected lifetime to cover the sleep, got %v", stats.Lifetime)
	}
	if avg := stats.AverageInState[v1.AgentStatusActive]; avg <= 0 || avg > stats.TimeInState[v1.AgentStatusActive] {
		t.Errorf("unexpected Active average %v (total %v)", avg, stats.TimeInState[v1.AgentStatusActive])
	}

	if _, err := m.Statistics(ctx, "ghost"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
}
