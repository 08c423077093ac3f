// Package debounce collapses bursts of watcher output into single events.
// Rapid successive mutations of one path re-arm a quiet-period timer and
// merge into one emission whose kind is promoted by destructiveness
// (unlink > change > add). Unlinks and critical paths bypass the window.
package debounce

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/foremanhq/foreman/internal/common/logger"
	"github.com/foremanhq/foreman/internal/events"
	"github.com/foremanhq/foreman/internal/events/bus"
	"github.com/foremanhq/foreman/internal/monitor/watcher"
)

const (
	defaultDelay = 500 * time.Millisecond

	// quietSampleWindow bounds the rolling quiet-period average.
	quietSampleWindow = 100

	publisherID = "debouncer"
)

// Config controls one debouncer instance. Zero values fall back to defaults.
// CriticalPatterns entries match with filepath.Match against the base name,
// or by substring against the full path.
type Config struct {
	Delay            time.Duration
	CriticalPatterns []string
}

// Event is the payload published on the debounced-event topic. One Event
// stands for every raw mutation of Path observed since the previous
// emission for that path.
type Event struct {
	Type                 watcher.EventType `json:"eventType"`
	Path                 string            `json:"filePath"`
	FirstChangeTimestamp time.Time         `json:"firstChangeTimestamp"`
	LastChangeTimestamp  time.Time         `json:"lastChangeTimestamp"`
	ChangesCollapsed     int               `json:"changesCollapsed"`
	EmittedAt            time.Time         `json:"emittedAt"`
}

// Metrics is a point-in-time snapshot of debouncer counters.
type Metrics struct {
	TotalDebounced     uint64        `json:"totalDebounced"`
	TotalEmitted       uint64        `json:"totalEmitted"`
	TotalCollapsed     uint64        `json:"totalCollapsed"`
	ImmediateEmits     uint64        `json:"immediateEmits"`
	PendingCount       int           `json:"pendingCount"`
	AverageQuietPeriod time.Duration `json:"avgQuietPeriodNs"`
}

// eventPriority orders event kinds by destructiveness.
var eventPriority = map[watcher.EventType]int{
	watcher.EventAdd:    1,
	watcher.EventChange: 2,
	watcher.EventUnlink: 3,
}

// entry tracks one path between its first untaken mutation and emission.
// original is the event that opened the entry.
type entry struct {
	typ        watcher.EventType
	original   watcher.Event
	timer      *time.Timer
	lastChange time.Time
	deadline   time.Time
	raw        int
}

// Debouncer owns the per-path pending entries between the watcher and the
// rest of the pipeline.
type Debouncer struct {
	cfg    Config
	bus    *bus.EventBus
	logger *logger.Logger

	mu          sync.Mutex
	sub         *bus.Subscription
	pending     map[string]*entry
	firstChange map[string]time.Time
	debounced   uint64
	emitted     uint64
	collapsed   uint64
	immediate   uint64
	quiet       quietWindow
}

// New creates a debouncer publishing on b.
func New(cfg Config, b *bus.EventBus, log *logger.Logger) *Debouncer {
	if cfg.Delay <= 0 {
		cfg.Delay = defaultDelay
	}
	return &Debouncer{
		cfg:         cfg,
		bus:         b,
		logger:      log.WithComponent("debouncer"),
		pending:     make(map[string]*entry),
		firstChange: make(map[string]time.Time),
	}
}

// Start subscribes the debouncer to raw file events. Starting twice is a
// no-op.
func (d *Debouncer) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sub != nil {
		return nil
	}
	sub, err := d.bus.On(events.FileEvent, func(ctx context.Context, env *bus.Envelope) (*bus.Result, error) {
		ev, ok := env.Data.(watcher.Event)
		if !ok {
			return nil, fmt.Errorf("unexpected payload %T on %s", env.Data, env.Topic)
		}
		d.Observe(ev)
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to file events: %w", err)
	}
	d.sub = sub
	return nil
}

// Stop unsubscribes and drops all pending entries.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	sub := d.sub
	d.sub = nil
	d.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
	d.Clear()
}

// Observe feeds one raw watcher event through the debouncing rules.
func (d *Debouncer) Observe(ev watcher.Event) {
	switch {
	case ev.Type == watcher.EventUnlink:
		// Unlinks invalidate whatever was pending and go out at once. A
		// create arriving later re-enters as a fresh pending entry.
		if d.dropPending(ev.Path) {
			d.logger.Debug("unlink cancelled pending emission", zap.String("path", ev.Path))
		}
		d.emitImmediate(ev)
	case d.isCritical(ev.Path):
		d.emitImmediate(ev)
	default:
		d.arm(ev)
	}
}

// arm starts or re-arms the quiet-period timer for a path, promoting the
// pending event kind by destructiveness.
func (d *Debouncer) arm(ev watcher.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.debounced++
	if _, ok := d.firstChange[ev.Path]; !ok {
		d.firstChange[ev.Path] = ev.Timestamp
	}

	if e, ok := d.pending[ev.Path]; ok {
		if eventPriority[ev.Type] > eventPriority[e.typ] {
			e.typ = ev.Type
		}
		e.raw++
		e.lastChange = ev.Timestamp
		e.deadline = time.Now().Add(d.cfg.Delay)
		e.timer.Reset(d.cfg.Delay)
		return
	}

	e := &entry{
		typ:        ev.Type,
		original:   ev,
		lastChange: ev.Timestamp,
		deadline:   time.Now().Add(d.cfg.Delay),
		raw:        1,
	}
	e.timer = time.AfterFunc(d.cfg.Delay, func() { d.emitExpired(ev.Path) })
	d.pending[ev.Path] = e
}

// dropPending cancels the pending entry for a path. The swallowed raw
// events count as collapsed. Reports whether an entry existed.
func (d *Debouncer) dropPending(path string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.pending[path]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(d.pending, path)
	delete(d.firstChange, path)
	d.collapsed += uint64(e.raw)
	return true
}

// emitImmediate publishes an event that bypasses the quiet window.
func (d *Debouncer) emitImmediate(ev watcher.Event) {
	now := time.Now().UTC()
	d.mu.Lock()
	d.immediate++
	d.emitted++
	d.mu.Unlock()

	d.publish(Event{
		Type:                 ev.Type,
		Path:                 ev.Path,
		FirstChangeTimestamp: ev.Timestamp,
		LastChangeTimestamp:  ev.Timestamp,
		ChangesCollapsed:     1,
		EmittedAt:            now,
	})
}

// emitExpired fires when a path has been quiet for the full delay.
func (d *Debouncer) emitExpired(path string) {
	d.mu.Lock()
	e, ok := d.pending[path]
	if !ok {
		d.mu.Unlock()
		return
	}
	// A fire that raced a Reset arrives before the re-armed deadline.
	if remaining := time.Until(e.deadline); remaining > 0 {
		e.timer.Reset(remaining)
		d.mu.Unlock()
		return
	}
	out := d.takeLocked(path, e, time.Now().UTC())
	d.mu.Unlock()

	d.publish(out)
}

// takeLocked removes a pending entry and builds its emission. Callers hold
// d.mu.
func (d *Debouncer) takeLocked(path string, e *entry, now time.Time) Event {
	delete(d.pending, path)
	first, ok := d.firstChange[path]
	if !ok {
		first = e.original.Timestamp
	}
	delete(d.firstChange, path)

	d.emitted++
	d.collapsed += uint64(e.raw - 1)
	d.quiet.add(now.Sub(e.lastChange))

	return Event{
		Type:                 e.typ,
		Path:                 path,
		FirstChangeTimestamp: first,
		LastChangeTimestamp:  e.lastChange,
		ChangesCollapsed:     estimateCollapsed(e.lastChange.Sub(first), d.cfg.Delay),
		EmittedAt:            now,
	}
}

// estimateCollapsed guesses the burst size from how long the path stayed
// hot relative to the delay. A single untouched event yields exactly 1;
// the estimate is a metric, not a count of raw events.
func estimateCollapsed(span, delay time.Duration) int {
	if span <= 0 {
		return 1
	}
	return int(span/delay) + 1
}

// Flush emits every pending entry immediately, in path order.
func (d *Debouncer) Flush() {
	now := time.Now().UTC()

	d.mu.Lock()
	paths := make([]string, 0, len(d.pending))
	for path := range d.pending {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	out := make([]Event, 0, len(paths))
	for _, path := range paths {
		e := d.pending[path]
		e.timer.Stop()
		out = append(out, d.takeLocked(path, e, now))
	}
	d.mu.Unlock()

	for _, ev := range out {
		d.publish(ev)
	}
}

// Clear drops every pending entry without emitting.
func (d *Debouncer) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for path, e := range d.pending {
		e.timer.Stop()
		delete(d.pending, path)
	}
	d.firstChange = make(map[string]time.Time)
}

// Metrics returns a snapshot of the debouncer counters.
func (d *Debouncer) Metrics() Metrics {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Metrics{
		TotalDebounced:     d.debounced,
		TotalEmitted:       d.emitted,
		TotalCollapsed:     d.collapsed,
		ImmediateEmits:     d.immediate,
		PendingCount:       len(d.pending),
		AverageQuietPeriod: d.quiet.average(),
	}
}

func (d *Debouncer) publish(ev Event) {
	if _, err := d.bus.Publish(context.Background(), events.DebouncedEvent, ev,
		bus.WithPublisher(publisherID)); err != nil {
		d.logger.Error("failed to publish debounced event",
			zap.String("path", ev.Path), zap.Error(err))
		return
	}
	d.logger.Debug("debounced event",
		zap.String("type", string(ev.Type)),
		zap.String("path", ev.Path),
		zap.Int("collapsed", ev.ChangesCollapsed))
}

// isCritical reports whether a path bypasses debouncing.
func (d *Debouncer) isCritical(path string) bool {
	base := filepath.Base(path)
	for _, pattern := range d.cfg.CriticalPatterns {
		if ok, err := filepath.Match(pattern, base); err == nil && ok {
			return true
		}
		if strings.Contains(path, pattern) {
			return true
		}
	}
	return false
}

// quietWindow keeps a fixed-size ring of quiet periods with a running sum.
type quietWindow struct {
	samples []time.Duration
	next    int
	sum     time.Duration
}

func (w *quietWindow) add(d time.Duration) {
	if len(w.samples) < quietSampleWindow {
		w.samples = append(w.samples, d)
		w.sum += d
		return
	}
	w.sum -= w.samples[w.next]
	w.samples[w.next] = d
	w.sum += d
	w.next = (w.next + 1) % quietSampleWindow
}

func (w *quietWindow) average() time.Duration {
	if len(w.samples) == 0 {
		return 0
	}
	return w.sum / time.Duration(len(w.samples))
}
