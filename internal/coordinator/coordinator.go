// Package coordinator owns the cross-agent handoff set. A handoff is one
// producer→consumer dependency edge; the coordinator promotes edges as
// producer tasks complete and answers whether a consumer task may proceed.
// Handoffs live in memory and are exclusively owned here; the store is not
// involved.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/foremanhq/foreman/internal/common/logger"
	"github.com/foremanhq/foreman/internal/events"
	"github.com/foremanhq/foreman/internal/events/bus"
	"github.com/foremanhq/foreman/internal/monitor/bridge"
	v1 "github.com/foremanhq/foreman/pkg/api/v1"
)

const (
	publisherID = "coordinator"

	defaultEventLogLimit = 1000
)

var (
	// ErrHandoffNotFound is returned for an unknown handoff id.
	ErrHandoffNotFound = errors.New("handoff not found")
	// ErrHandoffNotReady is returned when completing a handoff that is not
	// in Ready.
	ErrHandoffNotReady = errors.New("handoff not ready")
	// ErrHandoffExists is returned when creating a duplicate edge.
	ErrHandoffExists = errors.New("handoff already exists")
	// ErrInvalidDependency is returned for edges missing a task id or
	// depending on themselves.
	ErrInvalidDependency = errors.New("invalid dependency")
)

// Dependency is one cross-agent edge: the consumer task needs the producer
// task's output before it can proceed.
type Dependency struct {
	ConsumerTask  string `json:"consumer_task"`
	ConsumerAgent string `json:"consumer_agent"`
	ProducerTask  string `json:"producer_task"`
	ProducerAgent string `json:"producer_agent"`
}

func (d Dependency) validate() error {
	if d.ProducerTask == "" || d.ConsumerTask == "" {
		return fmt.Errorf("%w: producer and consumer tasks are required", ErrInvalidDependency)
	}
	if d.ProducerTask == d.ConsumerTask {
		return fmt.Errorf("%w: task %s depends on itself", ErrInvalidDependency, d.ConsumerTask)
	}
	return nil
}

// DependencyProvider yields the flat cross-agent dependency list. How the
// graph is stored is the dispatcher's concern; the coordinator only reads
// edges.
type DependencyProvider interface {
	Dependencies(ctx context.Context) ([]Dependency, error)
}

// DependencyProviderFunc adapts a function to DependencyProvider.
type DependencyProviderFunc func(ctx context.Context) ([]Dependency, error)

// Dependencies implements DependencyProvider.
func (f DependencyProviderFunc) Dependencies(ctx context.Context) ([]Dependency, error) {
	return f(ctx)
}

// TaskUnblockedEvent is the payload published on task-unblocked when a
// consumer task's last Pending handoff leaves Pending.
type TaskUnblockedEvent struct {
	ConsumerTask string    `json:"consumer_task"`
	Timestamp    time.Time `json:"timestamp"`
}

// LogEntry is one coordination event retained for introspection.
type LogEntry struct {
	Type      string    `json:"type"`
	HandoffID string    `json:"handoff_id,omitempty"`
	Task      string    `json:"task,omitempty"`
	Agent     string    `json:"agent,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Config controls the coordinator. Zero values fall back to defaults.
type Config struct {
	// EventLogLimit bounds the in-memory introspection log.
	EventLogLimit int
}

// Coordinator tracks handoffs and produced outputs, and publishes handoff
// lifecycle events on the bus.
type Coordinator struct {
	cfg      Config
	provider DependencyProvider
	bus      *bus.EventBus
	logger   *logger.Logger

	mu          sync.Mutex
	handoffs    map[string]*v1.Handoff
	produced    map[string]bool
	eventLog    []LogEntry
	initialized bool

	subs []*bus.Subscription
}

// New creates a coordinator. The provider may be nil for callers that only
// use CreateHandoff; Initialize then materializes nothing.
func New(cfg Config, provider DependencyProvider, b *bus.EventBus, log *logger.Logger) *Coordinator {
	if cfg.EventLogLimit <= 0 {
		cfg.EventLogLimit = defaultEventLogLimit
	}
	return &Coordinator{
		cfg:      cfg,
		provider: provider,
		bus:      b,
		logger:   log.WithComponent("coordinator"),
		handoffs: make(map[string]*v1.Handoff),
		produced: make(map[string]bool),
	}
}

// Initialize materializes handoffs from the dependency provider. Tasks in
// completed are treated as produced outputs: a handoff whose producer is
// already completed starts Ready, and edges whose consumer is already
// completed are skipped entirely. Initialization is silent on the bus; the
// event stream covers only changes after the baseline.
func (c *Coordinator) Initialize(ctx context.Context, completed []string) error {
	var deps []Dependency
	if c.provider != nil {
		var err error
		deps, err = c.provider.Dependencies(ctx)
		if err != nil {
			return fmt.Errorf("failed to load dependencies: %w", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, task := range completed {
		c.produced[task] = true
	}

	now := time.Now().UTC()
	materialized := 0
	for _, dep := range deps {
		if err := dep.validate(); err != nil {
			c.logger.Warn("skipping invalid dependency", zap.Error(err))
			continue
		}
		if c.produced[dep.ConsumerTask] {
			continue
		}
		id := v1.HandoffID(dep.ProducerTask, dep.ConsumerTask)
		if _, ok := c.handoffs[id]; ok {
			continue
		}
		handoff := &v1.Handoff{
			ID:            id,
			ConsumerTask:  dep.ConsumerTask,
			ConsumerAgent: dep.ConsumerAgent,
			ProducerTask:  dep.ProducerTask,
			ProducerAgent: dep.ProducerAgent,
			Status:        v1.HandoffStatusPending,
			CreatedAt:     now,
		}
		if c.produced[dep.ProducerTask] {
			handoff.Status = v1.HandoffStatusReady
			readyAt := now
			handoff.ReadyAt = &readyAt
		}
		c.handoffs[id] = handoff
		materialized++
	}

	c.initialized = true
	c.logger.Info("coordinator initialized",
		zap.Int("handoffs", materialized),
		zap.Int("completed_baseline", len(completed)))
	return nil
}

// CreateHandoff inserts one edge. A producer already known to be produced
// promotes the handoff straight to Ready. The handoff-created event always
// carries the status the handoff starts in.
func (c *Coordinator) CreateHandoff(ctx context.Context, dep Dependency) (*v1.Handoff, error) {
	if err := dep.validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	id := v1.HandoffID(dep.ProducerTask, dep.ConsumerTask)
	if existing, ok := c.handoffs[id]; ok {
		out := *existing
		c.mu.Unlock()
		return &out, fmt.Errorf("%w: %s", ErrHandoffExists, id)
	}

	now := time.Now().UTC()
	handoff := &v1.Handoff{
		ID:            id,
		ConsumerTask:  dep.ConsumerTask,
		ConsumerAgent: dep.ConsumerAgent,
		ProducerTask:  dep.ProducerTask,
		ProducerAgent: dep.ProducerAgent,
		Status:        v1.HandoffStatusPending,
		CreatedAt:     now,
	}
	if c.produced[dep.ProducerTask] {
		handoff.Status = v1.HandoffStatusReady
		readyAt := now
		handoff.ReadyAt = &readyAt
	}
	c.handoffs[id] = handoff
	c.appendLog(LogEntry{
		Type:      events.HandoffCreated,
		HandoffID: id,
		Task:      dep.ConsumerTask,
		Agent:     dep.ConsumerAgent,
		Timestamp: now,
	})
	out := *handoff
	c.mu.Unlock()

	c.publish(ctx, events.HandoffCreated, &out)
	c.logger.Info("handoff created",
		zap.String("handoff_id", id),
		zap.String("status", string(out.Status)))
	return &out, nil
}

// MarkTaskCompleted records a produced output and promotes every Pending
// handoff fed by it. For each promoted handoff a handoff-ready event goes
// out; consumers whose last Pending edge just cleared get one task-unblocked
// each, after the ready events.
func (c *Coordinator) MarkTaskCompleted(ctx context.Context, producerTask, producerAgent string) []*v1.Handoff {
	now := time.Now().UTC()

	c.mu.Lock()
	c.produced[producerTask] = true
	c.appendLog(LogEntry{
		Type:      "task-completed",
		Task:      producerTask,
		Agent:     producerAgent,
		Timestamp: now,
	})

	var promoted []*v1.Handoff
	for _, handoff := range c.handoffs {
		if handoff.ProducerTask != producerTask || handoff.Status != v1.HandoffStatusPending {
			continue
		}
		handoff.Status = v1.HandoffStatusReady
		readyAt := now
		handoff.ReadyAt = &readyAt
		c.appendLog(LogEntry{
			Type:      events.HandoffReady,
			HandoffID: handoff.ID,
			Task:      handoff.ConsumerTask,
			Agent:     handoff.ConsumerAgent,
			Timestamp: now,
		})
		out := *handoff
		promoted = append(promoted, &out)
	}
	sort.Slice(promoted, func(i, j int) bool { return promoted[i].ID < promoted[j].ID })

	var unblocked []string
	seen := make(map[string]bool)
	for _, handoff := range promoted {
		task := handoff.ConsumerTask
		if seen[task] {
			continue
		}
		seen[task] = true
		if !c.pendingRemainLocked(task) {
			unblocked = append(unblocked, task)
			c.appendLog(LogEntry{
				Type:      events.TaskUnblocked,
				Task:      task,
				Timestamp: now,
			})
		}
	}
	sort.Strings(unblocked)
	c.mu.Unlock()

	for _, handoff := range promoted {
		c.publish(ctx, events.HandoffReady, handoff)
	}
	for _, task := range unblocked {
		c.publish(ctx, events.TaskUnblocked, &TaskUnblockedEvent{ConsumerTask: task, Timestamp: now})
	}

	if len(promoted) > 0 {
		c.logger.Info("producer output recorded",
			zap.String("producer_task", producerTask),
			zap.Int("promoted", len(promoted)),
			zap.Strings("unblocked", unblocked))
	}
	return promoted
}

// CompleteHandoff moves one handoff Ready → Completed. Completing an
// unknown or non-Ready handoff fails without side effects.
func (c *Coordinator) CompleteHandoff(ctx context.Context, handoffID string) (*v1.Handoff, error) {
	now := time.Now().UTC()

	c.mu.Lock()
	handoff, ok := c.handoffs[handoffID]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrHandoffNotFound, handoffID)
	}
	if handoff.Status != v1.HandoffStatusReady {
		status := handoff.Status
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrHandoffNotReady, handoffID, status)
	}
	handoff.Status = v1.HandoffStatusCompleted
	completedAt := now
	handoff.CompletedAt = &completedAt
	c.appendLog(LogEntry{
		Type:      events.HandoffCompleted,
		HandoffID: handoffID,
		Task:      handoff.ConsumerTask,
		Agent:     handoff.ConsumerAgent,
		Timestamp: now,
	})
	out := *handoff
	c.mu.Unlock()

	c.publish(ctx, events.HandoffCompleted, &out)
	c.logger.Info("handoff completed", zap.String("handoff_id", handoffID))
	return &out, nil
}

// CanTaskProceed reports whether no Pending handoff blocks the consumer
// task. Ready and Completed handoffs are satisfied.
func (c *Coordinator) CanTaskProceed(consumerTask string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.pendingRemainLocked(consumerTask)
}

func (c *Coordinator) pendingRemainLocked(consumerTask string) bool {
	for _, handoff := range c.handoffs {
		if handoff.ConsumerTask == consumerTask && handoff.Status == v1.HandoffStatusPending {
			return true
		}
	}
	return false
}

// GetBlockedTasks returns the consumer tasks of one agent with at least one
// Pending handoff, sorted.
func (c *Coordinator) GetBlockedTasks(agent string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]bool)
	var blocked []string
	for _, handoff := range c.handoffs {
		if handoff.ConsumerAgent != agent || handoff.Status != v1.HandoffStatusPending {
			continue
		}
		if !seen[handoff.ConsumerTask] {
			seen[handoff.ConsumerTask] = true
			blocked = append(blocked, handoff.ConsumerTask)
		}
	}
	sort.Strings(blocked)
	return blocked
}

// GetHandoff returns a copy of one handoff by id.
func (c *Coordinator) GetHandoff(handoffID string) (*v1.Handoff, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	handoff, ok := c.handoffs[handoffID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHandoffNotFound, handoffID)
	}
	out := *handoff
	return &out, nil
}

// ListHandoffs returns copies of all handoffs ordered by creation time,
// then id.
func (c *Coordinator) ListHandoffs() []*v1.Handoff {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*v1.Handoff, 0, len(c.handoffs))
	for _, handoff := range c.handoffs {
		copied := *handoff
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// IsProduced reports whether a task's output has been recorded.
func (c *Coordinator) IsProduced(task string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.produced[task]
}

// EventLog returns up to limit entries, most recent first. limit <= 0
// returns everything retained.
func (c *Coordinator) EventLog(limit int) []LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.eventLog)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]LogEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, c.eventLog[i])
	}
	return out
}

// appendLog records one entry, dropping the oldest past the limit. Callers
// hold c.mu.
func (c *Coordinator) appendLog(entry LogEntry) {
	c.eventLog = append(c.eventLog, entry)
	if overflow := len(c.eventLog) - c.cfg.EventLogLimit; overflow > 0 {
		c.eventLog = append(c.eventLog[:0], c.eventLog[overflow:]...)
	}
}

// publish sends one coordinator event synchronously so subscribers observe
// emit order, ready before unblocked.
func (c *Coordinator) publish(ctx context.Context, topic string, data any) {
	if c.bus == nil {
		return
	}
	if _, err := c.bus.Publish(ctx, topic, data,
		bus.WithPublisher(publisherID), bus.WithMode(bus.Sync)); err != nil {
		c.logger.Error("failed to publish coordination event",
			zap.String("topic", topic), zap.Error(err))
	}
}

// Start subscribes the coordinator to both completion streams: the durable
// task_completed_db commits and the bridge's state-update:task-completed
// detections. Either one marks the producer output as produced.
func (c *Coordinator) Start() error {
	completionSub, err := c.bus.On(events.TaskCompletedDB, c.handleCompletionCommit)
	if err != nil {
		return fmt.Errorf("failed to subscribe to completion commits: %w", err)
	}
	bridgeSub, err := c.bus.On(events.StateUpdateTaskDone, c.handleBridgeUpdate)
	if err != nil {
		completionSub.Unsubscribe()
		return fmt.Errorf("failed to subscribe to state updates: %w", err)
	}
	c.mu.Lock()
	c.subs = append(c.subs, completionSub, bridgeSub)
	c.mu.Unlock()
	c.logger.Info("coordinator started")
	return nil
}

// Stop removes the bus subscriptions. Handoff state stays queryable.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	c.logger.Info("coordinator stopped")
}

func (c *Coordinator) handleCompletionCommit(ctx context.Context, env *bus.Envelope) (*bus.Result, error) {
	completion, ok := env.Data.(*v1.TaskCompletion)
	if !ok {
		if value, okValue := env.Data.(v1.TaskCompletion); okValue {
			completion = &value
		} else {
			return nil, nil
		}
	}
	if completion.Status != v1.TaskStatusCompleted {
		return nil, nil
	}
	c.MarkTaskCompleted(ctx, completion.TaskID, completion.AgentID)
	return nil, nil
}

func (c *Coordinator) handleBridgeUpdate(ctx context.Context, env *bus.Envelope) (*bus.Result, error) {
	var update bridge.StateUpdate
	switch data := env.Data.(type) {
	case bridge.StateUpdate:
		update = data
	case *bridge.StateUpdate:
		update = *data
	default:
		return nil, nil
	}
	if update.NewStatus != v1.TaskStatusCompleted {
		return nil, nil
	}
	c.MarkTaskCompleted(ctx, update.TaskID, update.AgentID)
	return nil, nil
}
