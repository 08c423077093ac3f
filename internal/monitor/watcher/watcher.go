// Package watcher watches a memory-log directory tree and turns raw
// filesystem notifications into stable file events on the bus. An event is
// emitted only after a write-stability window with no further mutations, so
// downstream consumers never read half-written logs.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/foremanhq/foreman/internal/common/logger"
	"github.com/foremanhq/foreman/internal/events"
	"github.com/foremanhq/foreman/internal/events/bus"
)

const (
	defaultStability    = 200 * time.Millisecond
	defaultRestartDelay = time.Second
	defaultMaxFailures  = 3

	publisherID = "file-watcher"
)

// EventType classifies a file mutation.
type EventType string

const (
	EventAdd    EventType = "add"
	EventChange EventType = "change"
	EventUnlink EventType = "unlink"
)

// FileStats carries the file metadata sampled at emission time.
type FileStats struct {
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// Event is the payload published on the file-event topic.
type Event struct {
	Type      EventType  `json:"eventType"`
	Path      string     `json:"filePath"`
	Stats     *FileStats `json:"stats,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Failure is the payload published on the watcher-error and watcher-failed
// topics.
type Failure struct {
	Error               string    `json:"error"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	Timestamp           time.Time `json:"timestamp"`
}

// State is the watcher lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateActive   State = "active"
	StatePaused   State = "paused"
	StateError    State = "error"
)

// Config controls one watcher instance. Zero values fall back to defaults.
type Config struct {
	Dir                    string
	StabilityThreshold     time.Duration
	RestartDelay           time.Duration
	MaxConsecutiveFailures int
}

type pendingEmit struct {
	event    Event
	timer    *time.Timer
	deadline time.Time
}

// Watcher owns one recursive fsnotify watch over a directory tree.
type Watcher struct {
	cfg    Config
	bus    *bus.EventBus
	logger *logger.Logger

	mu       sync.Mutex
	state    State
	failures int
	fsw      *fsnotify.Watcher
	pending  map[string]*pendingEmit
	restart  *time.Timer
	baseCtx  context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a watcher for cfg.Dir. The watcher starts in Stopped.
func New(cfg Config, b *bus.EventBus, log *logger.Logger) *Watcher {
	if cfg.StabilityThreshold <= 0 {
		cfg.StabilityThreshold = defaultStability
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = defaultRestartDelay
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = defaultMaxFailures
	}
	return &Watcher{
		cfg:     cfg,
		bus:     b,
		logger:  log.WithComponent("file-watcher"),
		state:   StateStopped,
		pending: make(map[string]*pendingEmit),
	}
}

// State returns the current lifecycle state.
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Start opens the watch and begins emitting events. Starting an already
// running watcher is a no-op.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	switch w.state {
	case StateStopped, StateError:
	default:
		w.mu.Unlock()
		return nil
	}
	w.state = StateStarting
	w.baseCtx = ctx
	w.mu.Unlock()

	return w.open()
}

// open creates the fsnotify watcher, walks the tree, and launches the run
// loop. Shared between Start and the auto-restart path.
func (w *Watcher) open() error {
	fsw, err := fsnotify.NewWatcher()
	if err == nil {
		err = addRecursive(fsw, w.cfg.Dir, w.logger)
	}
	if err != nil {
		if fsw != nil {
			_ = fsw.Close()
		}
		w.fail(err)
		return err
	}

	w.mu.Lock()
	w.fsw = fsw
	w.state = StateActive
	// A clean start resets the consecutive-failure counter.
	w.failures = 0
	runCtx, cancel := context.WithCancel(w.baseCtx)
	w.cancel = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(runCtx, fsw)

	w.logger.Info("watcher active",
		zap.String("dir", w.cfg.Dir),
		zap.Duration("stability", w.cfg.StabilityThreshold))
	return nil
}

// Stop tears down the watch, cancels any restart delay, and drops pending
// emissions.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.state == StateStopped {
		w.mu.Unlock()
		return
	}
	w.state = StateStopped
	if w.restart != nil {
		w.restart.Stop()
		w.restart = nil
	}
	for path, p := range w.pending {
		p.timer.Stop()
		delete(w.pending, path)
	}
	cancel := w.cancel
	fsw := w.fsw
	w.fsw = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if fsw != nil {
		_ = fsw.Close()
	}
	w.wg.Wait()
	w.logger.Info("watcher stopped")
}

// Pause suppresses event emission without tearing down the watches.
func (w *Watcher) Pause() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateActive {
		return fmt.Errorf("cannot pause watcher in state %s", w.state)
	}
	w.state = StatePaused
	return nil
}

// Resume re-enables event emission.
func (w *Watcher) Resume() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StatePaused {
		return fmt.Errorf("cannot resume watcher in state %s", w.state)
	}
	w.state = StateActive
	return nil
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				// Closed by Stop or by a failure teardown already counted.
				if ctx.Err() == nil {
					w.fail(errors.New("watch event channel closed"))
				}
				return
			}
			w.handleEvent(fsw, ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				if ctx.Err() == nil {
					w.fail(errors.New("watch error channel closed"))
				}
				return
			}
			w.fail(err)
			return
		}
	}
}

func (w *Watcher) handleEvent(fsw *fsnotify.Watcher, ev fsnotify.Event) {
	// Watch directories created under the tree.
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := addRecursive(fsw, ev.Name, w.logger); err != nil {
				w.logger.Debug("failed to watch new directory",
					zap.String("path", ev.Name), zap.Error(err))
			}
			return
		}
	}

	if !isMarkdown(ev.Name) || isJunk(ev.Name) {
		return
	}

	now := time.Now().UTC()
	switch {
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.cancelPending(ev.Name)
		w.emit(Event{Type: EventUnlink, Path: ev.Name, Timestamp: now})
	case ev.Op&fsnotify.Create != 0:
		w.trackMutation(ev.Name, EventAdd, now)
	case ev.Op&fsnotify.Write != 0:
		w.trackMutation(ev.Name, EventChange, now)
	}
}

// trackMutation arms or re-arms the write-stability timer for a path.
// Mutations inside the window coalesce into the first-seen event type.
func (w *Watcher) trackMutation(path string, typ EventType, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateStopped {
		return
	}
	if p, ok := w.pending[path]; ok {
		p.event.Timestamp = now
		p.deadline = now.Add(w.cfg.StabilityThreshold)
		p.timer.Reset(w.cfg.StabilityThreshold)
		return
	}
	p := &pendingEmit{
		event:    Event{Type: typ, Path: path, Timestamp: now},
		deadline: now.Add(w.cfg.StabilityThreshold),
	}
	p.timer = time.AfterFunc(w.cfg.StabilityThreshold, func() { w.emitStable(path) })
	w.pending[path] = p
}

func (w *Watcher) cancelPending(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.pending[path]; ok {
		p.timer.Stop()
		delete(w.pending, path)
	}
}

// emitStable fires when a path has been quiet for the stability window.
func (w *Watcher) emitStable(path string) {
	w.mu.Lock()
	p, ok := w.pending[path]
	if !ok {
		w.mu.Unlock()
		return
	}
	// A fire that raced a Reset arrives before the re-armed deadline.
	if remaining := time.Until(p.deadline); remaining > 0 {
		p.timer.Reset(remaining)
		w.mu.Unlock()
		return
	}
	delete(w.pending, path)
	w.mu.Unlock()

	if info, err := os.Stat(path); err == nil {
		p.event.Stats = &FileStats{Size: info.Size(), ModTime: info.ModTime().UTC()}
	}
	w.emit(p.event)
}

// emit publishes one file event unless emission is suppressed.
func (w *Watcher) emit(event Event) {
	w.mu.Lock()
	active := w.state == StateActive
	w.mu.Unlock()
	if !active {
		return
	}

	if _, err := w.bus.Publish(context.Background(), events.FileEvent, event,
		bus.WithPublisher(publisherID)); err != nil {
		w.logger.Error("failed to publish file event",
			zap.String("path", event.Path), zap.Error(err))
		return
	}
	w.logger.Debug("file event",
		zap.String("type", string(event.Type)),
		zap.String("path", event.Path))
}

// fail records a watch failure. Below the failure cap the watcher moves to
// Error and arms a restart; at the cap it emits watcher-failed and stops.
func (w *Watcher) fail(cause error) {
	w.mu.Lock()
	if w.state == StateStopped {
		w.mu.Unlock()
		return
	}
	w.failures++
	failures := w.failures
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	if w.fsw != nil {
		go func(fsw *fsnotify.Watcher) { _ = fsw.Close() }(w.fsw)
		w.fsw = nil
	}

	payload := Failure{
		Error:               cause.Error(),
		ConsecutiveFailures: failures,
		Timestamp:           time.Now().UTC(),
	}

	if failures >= w.cfg.MaxConsecutiveFailures {
		w.state = StateStopped
		w.mu.Unlock()

		w.logger.Error("watcher giving up",
			zap.Int("failures", failures), zap.Error(cause))
		w.publishFailure(events.WatcherFailed, payload)
		return
	}

	w.state = StateError
	w.restart = time.AfterFunc(w.cfg.RestartDelay, func() {
		w.mu.Lock()
		if w.state != StateError {
			w.mu.Unlock()
			return
		}
		w.state = StateStarting
		w.mu.Unlock()
		_ = w.open()
	})
	w.mu.Unlock()

	w.logger.Warn("watcher error, restart scheduled",
		zap.Int("failures", failures),
		zap.Duration("delay", w.cfg.RestartDelay),
		zap.Error(cause))
	w.publishFailure(events.WatcherError, payload)
}

func (w *Watcher) publishFailure(topic string, payload Failure) {
	if _, err := w.bus.Publish(context.Background(), topic, payload,
		bus.WithPublisher(publisherID)); err != nil {
		w.logger.Error("failed to publish watcher failure", zap.Error(err))
	}
}

// addRecursive walks dir and watches every non-junk directory under it.
func addRecursive(fsw *fsnotify.Watcher, dir string, log *logger.Logger) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if path != dir && (strings.HasPrefix(name, ".") || name == "node_modules") {
			return filepath.SkipDir
		}
		if err := fsw.Add(path); err != nil {
			log.Debug("failed to watch directory", zap.String("path", path), zap.Error(err))
		}
		return nil
	})
}

// isMarkdown reports whether the path names a memory-log candidate.
func isMarkdown(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".md")
}

// isJunk filters VCS metadata, editor temp files, and system junk.
func isJunk(path string) bool {
	base := filepath.Base(path)
	switch {
	case strings.HasPrefix(base, "."):
		return true
	case strings.HasSuffix(base, "~"), strings.HasSuffix(base, ".tmp"):
		return true
	case strings.HasSuffix(base, ".swp"), strings.HasSuffix(base, ".swx"):
		return true
	case strings.HasPrefix(base, "#") && strings.HasSuffix(base, "#"):
		return true
	}
	for _, part := range strings.Split(filepath.Dir(path), string(filepath.Separator)) {
		if part == ".git" || part == "node_modules" {
			return true
		}
	}
	return false
}
