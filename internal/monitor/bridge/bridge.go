// Package bridge turns debounced file events into ordered task state
// updates. It parses the touched memory log, diffs the reported status
// against a per-path cache, and publishes the resulting update on the
// state-update topics. Updates for one agent are always delivered in
// order; agents drain concurrently only when configured to.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/foremanhq/foreman/internal/common/logger"
	"github.com/foremanhq/foreman/internal/events"
	"github.com/foremanhq/foreman/internal/events/bus"
	"github.com/foremanhq/foreman/internal/memlog"
	"github.com/foremanhq/foreman/internal/monitor/debounce"
	"github.com/foremanhq/foreman/internal/monitor/watcher"
	v1 "github.com/foremanhq/foreman/pkg/api/v1"
)

const (
	defaultQueueSize  = 256
	defaultReplaySize = 100

	// unknownAgent is used when a memory log names no agent.
	unknownAgent = "unknown"

	publisherID = "state-bridge"
)

// ErrQueueFull is reported when an agent's update queue cannot accept
// another event.
var ErrQueueFull = errors.New("agent update queue full")

// UpdateType classifies a task state change.
type UpdateType string

const (
	UpdateTaskStarted   UpdateType = "TASK_STARTED"
	UpdateTaskCompleted UpdateType = "TASK_COMPLETED"
	UpdateTaskBlocked   UpdateType = "TASK_BLOCKED"
	UpdateTaskFailed    UpdateType = "TASK_FAILED"
	UpdateStatusChanged UpdateType = "TASK_STATUS_CHANGED"
)

// UpdateMetadata carries the parsed details alongside a state update.
type UpdateMetadata struct {
	ProgressPercent        *int     `json:"progressPercent,omitempty"`
	Blockers               []string `json:"blockers,omitempty"`
	HasImportantFindings   bool     `json:"hasImportantFindings"`
	HasAdHocDelegation     bool     `json:"hasAdHocDelegation"`
	HasCompatibilityIssues bool     `json:"hasCompatibilityIssues"`
	PlainMode              bool     `json:"plainMode"`
	SourcePath             string   `json:"sourcePath"`
}

// StateUpdate is the payload published on the state-update topics.
// PreviousStatus is nil for the first update observed for a path.
type StateUpdate struct {
	Type           UpdateType     `json:"type"`
	TaskID         string         `json:"taskId"`
	AgentID        string         `json:"agentId"`
	PreviousStatus *v1.TaskStatus `json:"previousStatus,omitempty"`
	NewStatus      v1.TaskStatus  `json:"newStatus"`
	Metadata       UpdateMetadata `json:"metadata"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Config controls one bridge instance. Zero sizes fall back to defaults.
type Config struct {
	QueueSize        int
	ReplayBufferSize int
	Concurrent       bool
}

// Bridge owns the per-path status cache, the per-agent queues, and the
// replay buffer.
type Bridge struct {
	cfg    Config
	bus    *bus.EventBus
	logger *logger.Logger

	mu      sync.Mutex
	sub     *bus.Subscription
	cache   map[string]v1.TaskStatus
	queues  map[string]chan StateUpdate
	replay  replayRing
	stopped bool
	wg      sync.WaitGroup
}

// New creates a bridge publishing on b.
func New(cfg Config, b *bus.EventBus, log *logger.Logger) *Bridge {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.ReplayBufferSize <= 0 {
		cfg.ReplayBufferSize = defaultReplaySize
	}
	return &Bridge{
		cfg:    cfg,
		bus:    b,
		logger: log.WithComponent("state-bridge"),
		cache:  make(map[string]v1.TaskStatus),
		queues: make(map[string]chan StateUpdate),
		replay: replayRing{buf: make([]StateUpdate, 0, cfg.ReplayBufferSize), capacity: cfg.ReplayBufferSize},
	}
}

// Start subscribes the bridge to debounced file events. Starting twice is a
// no-op.
func (b *Bridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		return nil
	}
	b.stopped = false
	sub, err := b.bus.On(events.DebouncedEvent, func(ctx context.Context, env *bus.Envelope) (*bus.Result, error) {
		ev, ok := env.Data.(debounce.Event)
		if !ok {
			return nil, fmt.Errorf("unexpected payload %T on %s", env.Data, env.Topic)
		}
		return nil, b.handleDebounced(ev)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to debounced events: %w", err)
	}
	b.sub = sub
	return nil
}

// Stop unsubscribes, closes every queue, and waits for the workers to
// drain what they already hold.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if b.stopped && b.sub == nil {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	sub := b.sub
	b.sub = nil
	for agentID, queue := range b.queues {
		close(queue)
		delete(b.queues, agentID)
	}
	b.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	b.wg.Wait()
	b.logger.Info("state bridge stopped")
}

// handleDebounced applies one debounced event to the status cache and
// enqueues the resulting update, if any.
func (b *Bridge) handleDebounced(ev debounce.Event) error {
	if ev.Type == watcher.EventUnlink {
		b.mu.Lock()
		delete(b.cache, ev.Path)
		b.mu.Unlock()
		return nil
	}

	parsed, err := memlog.Parse(ev.Path)
	if err != nil {
		// Unreadable logs are dropped; the next write retries naturally.
		b.logger.Warn("failed to parse memory log",
			zap.String("path", ev.Path), zap.Error(err))
		return nil
	}

	b.mu.Lock()
	prev, seen := b.cache[ev.Path]
	b.cache[ev.Path] = parsed.Status

	var updateType UpdateType
	switch ev.Type {
	case watcher.EventAdd:
		updateType = UpdateTaskStarted
	default:
		if seen && prev == parsed.Status {
			b.mu.Unlock()
			return nil
		}
		updateType = classify(parsed.Status)
	}

	update := StateUpdate{
		Type:      updateType,
		TaskID:    parsed.TaskID,
		AgentID:   agentOrUnknown(parsed.AgentID),
		NewStatus: parsed.Status,
		Timestamp: time.Now().UTC(),
		Metadata: UpdateMetadata{
			ProgressPercent:        parsed.ProgressPercent,
			Blockers:               parsed.Blockers,
			HasImportantFindings:   parsed.HasImportantFindings,
			HasAdHocDelegation:     parsed.HasAdHocDelegation,
			HasCompatibilityIssues: parsed.HasCompatibilityIssues,
			PlainMode:              parsed.PlainMode,
			SourcePath:             parsed.SourcePath,
		},
	}
	if seen {
		update.PreviousStatus = &prev
	}

	err = b.enqueueLocked(update)
	b.mu.Unlock()
	return err
}

// classify picks the update type for a status change.
func classify(status v1.TaskStatus) UpdateType {
	switch status {
	case v1.TaskStatusCompleted:
		return UpdateTaskCompleted
	case v1.TaskStatusBlocked:
		return UpdateTaskBlocked
	case v1.TaskStatusFailed:
		return UpdateTaskFailed
	default:
		return UpdateStatusChanged
	}
}

func agentOrUnknown(agentID string) string {
	if agentID == "" {
		return unknownAgent
	}
	return agentID
}

// enqueueLocked places an update on its agent queue, starting the worker
// on first use. In sequential mode every agent shares one queue. Callers
// hold b.mu.
func (b *Bridge) enqueueLocked(update StateUpdate) error {
	if b.stopped {
		return nil
	}
	key := update.AgentID
	if !b.cfg.Concurrent {
		key = ""
	}
	queue, ok := b.queues[key]
	if !ok {
		queue = make(chan StateUpdate, b.cfg.QueueSize)
		b.queues[key] = queue
		b.wg.Add(1)
		go b.drain(queue)
	}
	select {
	case queue <- update:
		return nil
	default:
		return fmt.Errorf("%w: agent %s, task %s", ErrQueueFull, update.AgentID, update.TaskID)
	}
}

// drain delivers queued updates one at a time, preserving queue order.
func (b *Bridge) drain(queue chan StateUpdate) {
	defer b.wg.Done()
	for update := range queue {
		b.deliver(update)
	}
}

func (b *Bridge) deliver(update StateUpdate) {
	b.mu.Lock()
	b.replay.add(update)
	b.mu.Unlock()

	// Sync delivery from the queue worker is what makes the per-agent
	// ordering guarantee hold for subscribers.
	if _, err := b.bus.Publish(context.Background(), topicFor(update.Type), update,
		bus.WithPublisher(publisherID), bus.WithMode(bus.Sync)); err != nil {
		b.logger.Error("failed to publish state update",
			zap.String("task_id", update.TaskID),
			zap.String("agent_id", update.AgentID), zap.Error(err))
		return
	}
	b.logger.Debug("state update",
		zap.String("type", string(update.Type)),
		zap.String("task_id", update.TaskID),
		zap.String("agent_id", update.AgentID),
		zap.String("status", string(update.NewStatus)))
}

// topicFor maps an update type to its publish topic.
func topicFor(t UpdateType) string {
	switch t {
	case UpdateTaskStarted:
		return events.StateUpdateTaskStarted
	case UpdateTaskCompleted:
		return events.StateUpdateTaskDone
	case UpdateTaskBlocked:
		return events.StateUpdateTaskBlocked
	case UpdateTaskFailed:
		return events.StateUpdateTaskFailed
	default:
		return events.StateUpdateTaskStatus
	}
}

// GetRecentEvents returns up to count delivered updates, most recent
// first. A count of zero or less returns the whole buffer.
func (b *Bridge) GetRecentEvents(count int) []StateUpdate {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.replay.recent(count)
}

// ClearReplayBuffer drops the replay history.
func (b *Bridge) ClearReplayBuffer() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.replay.clear()
}

// CachedStatus returns the last parsed status for a path, if any.
func (b *Bridge) CachedStatus(path string) (v1.TaskStatus, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	status, ok := b.cache[path]
	return status, ok
}

// replayRing is a fixed-capacity ring of delivered updates.
type replayRing struct {
	buf      []StateUpdate
	next     int
	capacity int
}

func (r *replayRing) add(u StateUpdate) {
	if len(r.buf) < r.capacity {
		r.buf = append(r.buf, u)
		r.next = len(r.buf) % r.capacity
		return
	}
	r.buf[r.next] = u
	r.next = (r.next + 1) % r.capacity
}

// recent returns up to count entries, newest first.
func (r *replayRing) recent(count int) []StateUpdate {
	n := len(r.buf)
	if count <= 0 || count > n {
		count = n
	}
	out := make([]StateUpdate, 0, count)
	// next-1 is the newest entry once the ring has wrapped.
	newest := r.next - 1
	if len(r.buf) < r.capacity {
		newest = len(r.buf) - 1
	}
	for i := 0; i < count; i++ {
		idx := (newest - i + n) % n
		out = append(out, r.buf[idx])
	}
	return out
}

func (r *replayRing) clear() {
	r.buf = r.buf[:0]
	r.next = 0
}
