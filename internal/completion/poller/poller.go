// Package poller watches declared tasks for completion by re-reading their
// memory logs on per-task timers. Polling cadence follows the declared
// task activity and widens once a task completes; read failures back off
// through a bounded retry ladder before normal polling resumes.
package poller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/foremanhq/foreman/internal/common/logger"
	"github.com/foremanhq/foreman/internal/events"
	"github.com/foremanhq/foreman/internal/events/bus"
	"github.com/foremanhq/foreman/internal/memlog"
	"github.com/foremanhq/foreman/internal/monitor/watcher"
	v1 "github.com/foremanhq/foreman/pkg/api/v1"
)

const (
	defaultActiveInterval    = time.Second
	defaultQueuedInterval    = 5 * time.Second
	defaultCompletedInterval = 30 * time.Second
	defaultMaxRetries        = 3

	// Parsed statuses are memoized by path until the file's mtime moves.
	cacheExpiration      = 5 * time.Minute
	cacheCleanupInterval = 10 * time.Minute

	publisherID = "completion-poller"
)

var (
	// ErrTaskAlreadyPolled is returned when a task is registered twice.
	ErrTaskAlreadyPolled = errors.New("task already polled")
	// ErrTaskNotPolled is returned for operations on an unregistered task.
	ErrTaskNotPolled = errors.New("task not polled")
)

// Cadence declares how hot a task's polling loop starts out.
type Cadence string

const (
	CadenceActive    Cadence = "active"
	CadenceQueued    Cadence = "queued"
	CadenceCompleted Cadence = "completed"
)

// Config controls poll intervals and retry behavior. Zero values fall back
// to defaults.
type Config struct {
	ActiveInterval    time.Duration
	QueuedInterval    time.Duration
	CompletedInterval time.Duration
	RetryDelays       []time.Duration
	MaxRetries        int
}

func (c Config) withDefaults() Config {
	if c.ActiveInterval <= 0 {
		c.ActiveInterval = defaultActiveInterval
	}
	if c.QueuedInterval <= 0 {
		c.QueuedInterval = defaultQueuedInterval
	}
	if c.CompletedInterval <= 0 {
		c.CompletedInterval = defaultCompletedInterval
	}
	if len(c.RetryDelays) == 0 {
		c.RetryDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	return c
}

// PollingState is the per-task polling record.
type PollingState struct {
	TaskID                    string         `json:"taskId"`
	MemoryLogPath             string         `json:"memoryLogPath"`
	LastPollTime              *time.Time     `json:"lastPollTime,omitempty"`
	LastDetectedState         *v1.TaskStatus `json:"lastDetectedState,omitempty"`
	PollCount                 int            `json:"pollCount"`
	ConsecutiveUnchangedPolls int            `json:"consecutiveUnchangedPolls"`
	PollingInterval           time.Duration  `json:"pollingIntervalNs"`
	IsPaused                  bool           `json:"isPaused"`
	RetryAttempt              int            `json:"retryAttempt"`
}

// PollStarted is the payload published on poll_started for every performed
// poll.
type PollStarted struct {
	TaskID    string    `json:"taskId"`
	Timestamp time.Time `json:"timestamp"`
}

// StateDetected is the payload published on state_detected. ChangedFrom is
// nil on the first successful poll. MemoryLogPath lets downstream consumers
// re-read the log without holding poller state.
type StateDetected struct {
	TaskID        string         `json:"taskId"`
	State         v1.TaskStatus  `json:"state"`
	ChangedFrom   *v1.TaskStatus `json:"changedFrom"`
	MemoryLogPath string         `json:"memoryLogPath"`
	Timestamp     time.Time      `json:"timestamp"`
}

// PollError is the payload published on poll_error.
type PollError struct {
	TaskID       string    `json:"taskId"`
	Error        string    `json:"error"`
	RetryAttempt int       `json:"retryAttempt"`
	Timestamp    time.Time `json:"timestamp"`
}

// ExternalChange is the payload published on file_detected when a watcher
// change lands on a polled path.
type ExternalChange struct {
	TaskID    string    `json:"taskId"`
	FilePath  string    `json:"filePath"`
	Timestamp time.Time `json:"timestamp"`
}

type pollTask struct {
	state PollingState
	timer *time.Timer
}

type cachedStatus struct {
	modTime time.Time
	status  v1.TaskStatus
}

// Poller owns the per-task polling records and timers.
type Poller struct {
	cfg    Config
	bus    *bus.EventBus
	logger *logger.Logger
	cache  *gocache.Cache

	mu     sync.Mutex
	tasks  map[string]*pollTask
	sub    *bus.Subscription
	paused bool
}

// New creates a poller publishing on b.
func New(cfg Config, b *bus.EventBus, log *logger.Logger) *Poller {
	return &Poller{
		cfg:    cfg.withDefaults(),
		bus:    b,
		logger: log.WithComponent("completion-poller"),
		cache:  gocache.New(cacheExpiration, cacheCleanupInterval),
		tasks:  make(map[string]*pollTask),
	}
}

// Start subscribes the poller to raw file events so external changes reset
// the quiescence counter. Starting twice is a no-op.
func (p *Poller) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sub != nil {
		return nil
	}
	sub, err := p.bus.On(events.FileEvent, func(ctx context.Context, env *bus.Envelope) (*bus.Result, error) {
		ev, ok := env.Data.(watcher.Event)
		if !ok {
			return nil, fmt.Errorf("unexpected payload %T on %s", env.Data, env.Topic)
		}
		if ev.Type == watcher.EventChange {
			p.NotifyFileChange(ev.Path)
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to file events: %w", err)
	}
	p.sub = sub
	return nil
}

// Stop cancels every poll timer and drops all polling records.
func (p *Poller) Stop() {
	p.mu.Lock()
	sub := p.sub
	p.sub = nil
	for taskID, t := range p.tasks {
		t.timer.Stop()
		delete(p.tasks, taskID)
	}
	p.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

// StartPolling registers a task and arms its first poll one interval out.
func (p *Poller) StartPolling(taskID, memoryLogPath string, cadence Cadence) error {
	interval, err := p.intervalFor(cadence)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.tasks[taskID]; ok {
		return fmt.Errorf("%w: %s", ErrTaskAlreadyPolled, taskID)
	}
	t := &pollTask{
		state: PollingState{
			TaskID:          taskID,
			MemoryLogPath:   memoryLogPath,
			PollingInterval: interval,
		},
	}
	t.timer = time.AfterFunc(interval, func() { p.performPoll(taskID) })
	p.tasks[taskID] = t

	p.logger.Debug("polling started",
		zap.String("task_id", taskID),
		zap.String("path", memoryLogPath),
		zap.Duration("interval", interval))
	return nil
}

// StopPolling cancels and forgets one task.
func (p *Poller) StopPolling(taskID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotPolled, taskID)
	}
	t.timer.Stop()
	delete(p.tasks, taskID)
	return nil
}

// PauseTask suspends one task's polls. Timers keep re-arming so Resume
// needs no re-registration.
func (p *Poller) PauseTask(taskID string) error {
	return p.setTaskPaused(taskID, true)
}

// ResumeTask re-enables one task's polls.
func (p *Poller) ResumeTask(taskID string) error {
	return p.setTaskPaused(taskID, false)
}

func (p *Poller) setTaskPaused(taskID string, paused bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotPolled, taskID)
	}
	t.state.IsPaused = paused
	return nil
}

// PauseAll suspends polling globally without touching per-task flags.
func (p *Poller) PauseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
}

// ResumeAll lifts the global pause.
func (p *Poller) ResumeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
}

// State returns a snapshot of one task's polling record.
func (p *Poller) State(taskID string) (PollingState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[taskID]
	if !ok {
		return PollingState{}, fmt.Errorf("%w: %s", ErrTaskNotPolled, taskID)
	}
	return t.state, nil
}

// States returns snapshots of every polling record, ordered by task ID.
func (p *Poller) States() []PollingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PollingState, 0, len(p.tasks))
	for _, t := range p.tasks {
		out = append(out, t.state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// NotifyFileChange resets the quiescence counter of every task polled at
// path and acknowledges on file_detected.
func (p *Poller) NotifyFileChange(path string) {
	now := time.Now().UTC()
	var acks []ExternalChange

	p.mu.Lock()
	for taskID, t := range p.tasks {
		if t.state.MemoryLogPath != path {
			continue
		}
		t.state.ConsecutiveUnchangedPolls = 0
		acks = append(acks, ExternalChange{TaskID: taskID, FilePath: path, Timestamp: now})
	}
	p.mu.Unlock()

	for _, ack := range acks {
		if _, err := p.bus.Publish(context.Background(), events.FileDetected, ack,
			bus.WithPublisher(publisherID)); err != nil {
			p.logger.Error("failed to publish file_detected", zap.Error(err))
		}
	}
}

func (p *Poller) intervalFor(cadence Cadence) (time.Duration, error) {
	switch cadence {
	case CadenceActive:
		return p.cfg.ActiveInterval, nil
	case CadenceQueued:
		return p.cfg.QueuedInterval, nil
	case CadenceCompleted:
		return p.cfg.CompletedInterval, nil
	default:
		return 0, fmt.Errorf("unknown polling cadence %q", cadence)
	}
}

// performPoll runs one poll cycle for a task and arms the next one.
func (p *Poller) performPoll(taskID string) {
	p.mu.Lock()
	t, ok := p.tasks[taskID]
	if !ok {
		p.mu.Unlock()
		return
	}
	if p.paused || t.state.IsPaused {
		t.timer = time.AfterFunc(t.state.PollingInterval, func() { p.performPoll(taskID) })
		p.mu.Unlock()
		return
	}
	path := t.state.MemoryLogPath
	p.mu.Unlock()

	now := time.Now().UTC()
	p.publish(events.PollStarted, PollStarted{TaskID: taskID, Timestamp: now})

	status, readErr := p.readStatus(path)

	p.mu.Lock()
	t, ok = p.tasks[taskID]
	if !ok {
		p.mu.Unlock()
		return
	}
	t.state.PollCount++
	t.state.LastPollTime = &now

	if readErr != nil {
		t.state.RetryAttempt++
		attempt := t.state.RetryAttempt
		var delay time.Duration
		if attempt >= p.cfg.MaxRetries {
			// Retry budget spent: back to normal polling.
			t.state.RetryAttempt = 0
			delay = t.state.PollingInterval
		} else {
			idx := attempt - 1
			if idx >= len(p.cfg.RetryDelays) {
				idx = len(p.cfg.RetryDelays) - 1
			}
			delay = p.cfg.RetryDelays[idx]
		}
		t.timer = time.AfterFunc(delay, func() { p.performPoll(taskID) })
		p.mu.Unlock()

		p.publish(events.PollError, PollError{
			TaskID:       taskID,
			Error:        readErr.Error(),
			RetryAttempt: attempt,
			Timestamp:    now,
		})
		return
	}

	t.state.RetryAttempt = 0
	prev := t.state.LastDetectedState
	changed := prev == nil || *prev != status
	var detected *StateDetected
	if changed {
		t.state.LastDetectedState = &status
		t.state.ConsecutiveUnchangedPolls = 0
		if status == v1.TaskStatusCompleted {
			// Completed tasks are polled wide to avoid thrashing.
			t.state.PollingInterval = p.cfg.CompletedInterval
		}
		detected = &StateDetected{
			TaskID:        taskID,
			State:         status,
			ChangedFrom:   prev,
			MemoryLogPath: path,
			Timestamp:     now,
		}
	} else {
		t.state.ConsecutiveUnchangedPolls++
	}
	t.timer = time.AfterFunc(t.state.PollingInterval, func() { p.performPoll(taskID) })
	p.mu.Unlock()

	if detected != nil {
		p.publish(events.StateDetected, *detected)
		p.logger.Debug("task state detected",
			zap.String("task_id", taskID),
			zap.String("state", string(status)))
	}
}

// readStatus stats the file and reuses the memoized status while the
// mtime stands still.
func (p *Poller) readStatus(path string) (v1.TaskStatus, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to stat memory log: %w", err)
	}
	if entry, ok := p.cache.Get(path); ok {
		if c, ok := entry.(cachedStatus); ok && c.modTime.Equal(info.ModTime()) {
			return c.status, nil
		}
	}
	status, err := memlog.ParseStatus(path)
	if err != nil {
		return "", err
	}
	p.cache.Set(path, cachedStatus{modTime: info.ModTime(), status: status}, gocache.DefaultExpiration)
	return status, nil
}

func (p *Poller) publish(topic string, data any) {
	if _, err := p.bus.Publish(context.Background(), topic, data,
		bus.WithPublisher(publisherID)); err != nil {
		p.logger.Error("failed to publish poll event",
			zap.String("topic", topic), zap.Error(err))
	}
}
