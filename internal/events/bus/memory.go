package bus

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/foremanhq/foreman/internal/common/logger"
	"github.com/foremanhq/foreman/internal/events"
)

// deliverySampleWindow bounds the rolling delivery-time average.
const deliverySampleWindow = 1000

// EventBus is the in-process coordination bus. All Foreman components
// communicate through a single shared instance.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[string][]*Subscription
	modes  map[string]DeliveryMode
	closed bool
	logger *logger.Logger

	seq    atomic.Uint64 // envelope sequence, ordered across publishers
	regSeq atomic.Uint64 // subscription registration order

	counters counters
}

// Subscription is one registered handler on a topic pattern.
type Subscription struct {
	bus     *EventBus
	pattern string
	regex   *regexp.Regexp // nil for exact topics
	handler Handler
	once    bool
	order   uint64

	mu     sync.Mutex
	active bool
	fired  bool
}

// Pattern returns the pattern this subscription was registered with.
func (s *Subscription) Pattern() string {
	return s.pattern
}

// IsValid reports whether the subscription is still registered.
func (s *Subscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Unsubscribe removes the subscription. The callback is never invoked again
// once Unsubscribe returns.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.mu.Unlock()

	s.bus.remove(s)
}

// claim reserves a delivery slot. For once subscriptions the first claim
// wins and every later one fails, so the callback cannot run twice even
// under concurrent publishes.
func (s *Subscription) claim() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return false
	}
	if s.once {
		if s.fired {
			return false
		}
		s.fired = true
	}
	return true
}

func (s *Subscription) matchesTopic(topic string) bool {
	if s.regex != nil {
		return s.regex.MatchString(topic)
	}
	return s.pattern == topic
}

// NewEventBus creates an event bus with empty subscription tables.
func NewEventBus(log *logger.Logger) *EventBus {
	if log == nil {
		log = logger.Default()
	}
	return &EventBus{
		subs:     make(map[string][]*Subscription),
		modes:    make(map[string]DeliveryMode),
		logger:   log.WithComponent("bus"),
		counters: counters{topics: make(map[string]*TopicStats)},
	}
}

// publishOptions collects the optional arguments of Publish.
type publishOptions struct {
	publisherID string
	mode        DeliveryMode
	modeSet     bool
}

// PublishOption customises a single publish.
type PublishOption func(*publishOptions)

// WithPublisher stamps the publisher id into the envelope metadata.
func WithPublisher(id string) PublishOption {
	return func(o *publishOptions) { o.publisherID = id }
}

// WithMode overrides the delivery mode for this publish only. It wins over
// any per-topic mode set with SetTopicMode.
func WithMode(mode DeliveryMode) PublishOption {
	return func(o *publishOptions) { o.mode = mode; o.modeSet = true }
}

// Publish wraps data in a fresh envelope and delivers it to every matching
// subscription. The returned count is the number of handlers scheduled
// (async) or invoked (sync, parallel).
//
// A malformed topic is reported on the publish-error topic and returned to
// the caller. Handler failures never are: they surface on listener-error.
func (b *EventBus) Publish(ctx context.Context, topic string, data any, opts ...PublishOption) (int, error) {
	var options publishOptions
	for _, opt := range opts {
		opt(&options)
	}

	if err := ValidateTopic(topic); err != nil {
		b.reportPublishError(topic, err)
		return 0, err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return 0, ErrBusClosed
	}

	env := &Envelope{
		Topic: topic,
		Data:  data,
		Metadata: Metadata{
			EventID:        uuid.New().String(),
			Timestamp:      time.Now().UTC(),
			PublisherID:    options.publisherID,
			SequenceNumber: b.seq.Add(1),
		},
	}

	matched := b.matchLocked(topic)
	mode := Async
	if m, ok := b.modes[topic]; ok {
		mode = m
	}
	if options.modeSet {
		mode = options.mode
	}
	b.mu.RUnlock()

	b.counters.recordPublished(topic)

	switch mode {
	case Sync:
		return b.dispatchSync(ctx, env, matched), nil
	case Parallel:
		return b.dispatchParallel(ctx, env, matched), nil
	default:
		b.dispatchAsync(ctx, env, matched)
		return len(matched), nil
	}
}

// matchLocked returns the subscriptions matching topic, sorted by
// registration order. Caller holds at least a read lock.
func (b *EventBus) matchLocked(topic string) []*Subscription {
	var matched []*Subscription
	for _, subs := range b.subs {
		for _, sub := range subs {
			if sub.matchesTopic(topic) {
				matched = append(matched, sub)
			}
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].order < matched[j].order
	})
	return matched
}

func (b *EventBus) dispatchAsync(ctx context.Context, env *Envelope, subs []*Subscription) {
	for _, sub := range subs {
		go func(s *Subscription) {
			b.invoke(ctx, s, env)
		}(sub)
	}
}

func (b *EventBus) dispatchSync(ctx context.Context, env *Envelope, subs []*Subscription) int {
	invoked := 0
	for _, sub := range subs {
		delivered, cancelled := b.invoke(ctx, sub, env)
		if delivered {
			invoked++
		}
		if cancelled {
			break
		}
	}
	return invoked
}

func (b *EventBus) dispatchParallel(ctx context.Context, env *Envelope, subs []*Subscription) int {
	var wg sync.WaitGroup
	var invoked atomic.Int64
	for _, sub := range subs {
		wg.Add(1)
		go func(s *Subscription) {
			defer wg.Done()
			if delivered, _ := b.invoke(ctx, s, env); delivered {
				invoked.Add(1)
			}
		}(sub)
	}
	wg.Wait()
	return int(invoked.Load())
}

// invoke runs a single handler with error containment and cancellation
// bookkeeping. Returns whether the handler ran and whether it cancelled.
func (b *EventBus) invoke(ctx context.Context, sub *Subscription, env *Envelope) (delivered, cancelled bool) {
	if !sub.claim() {
		return false, false
	}
	if sub.once {
		sub.Unsubscribe()
	}

	start := time.Now()
	res, err := sub.handler(ctx, env)
	b.counters.recordDelivered(env.Topic, time.Since(start))

	if err != nil {
		b.reportListenerError(env, err)
	}
	if res != nil && res.Cancel {
		b.counters.recordCancelled()
		b.reportCancelled(env, res.Reason)
		return true, true
	}
	return true, false
}

// reportListenerError contains a handler failure so it never reaches the
// publisher. Failures inside listener-error handlers are only logged.
func (b *EventBus) reportListenerError(env *Envelope, handlerErr error) {
	b.logger.Error("event handler error",
		zap.String("topic", env.Topic),
		zap.String("event_id", env.Metadata.EventID),
		zap.Error(handlerErr))

	if env.Topic == events.ListenerError {
		return
	}
	go func() {
		_, _ = b.Publish(context.Background(), events.ListenerError, map[string]any{
			"topic":   env.Topic,
			"eventId": env.Metadata.EventID,
			"error":   handlerErr.Error(),
		})
	}()
}

// reportCancelled emits the event-cancelled bookkeeping event on its own
// scheduler turn.
func (b *EventBus) reportCancelled(env *Envelope, reason string) {
	if env.Topic == events.EventCancelled {
		return
	}
	go func() {
		_, _ = b.Publish(context.Background(), events.EventCancelled, map[string]any{
			"topic":   env.Topic,
			"eventId": env.Metadata.EventID,
			"reason":  reason,
		})
	}()
}

func (b *EventBus) reportPublishError(topic string, err error) {
	b.logger.Error("rejected publish",
		zap.String("topic", topic),
		zap.Error(err))

	go func() {
		_, _ = b.Publish(context.Background(), events.PublishError, map[string]any{
			"topic": topic,
			"error": err.Error(),
		})
	}()
}

// On registers a handler for every event matching pattern.
func (b *EventBus) On(pattern string, handler Handler) (*Subscription, error) {
	return b.subscribe(pattern, handler, false)
}

// Once registers a handler that is removed before any second invocation.
func (b *EventBus) Once(pattern string, handler Handler) (*Subscription, error) {
	return b.subscribe(pattern, handler, true)
}

func (b *EventBus) subscribe(pattern string, handler Handler, once bool) (*Subscription, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, ErrNilHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	sub := &Subscription{
		bus:     b,
		pattern: pattern,
		regex:   compilePattern(pattern),
		handler: handler,
		once:    once,
		order:   b.regSeq.Add(1),
		active:  true,
	}
	b.subs[pattern] = append(b.subs[pattern], sub)

	b.logger.Debug("subscribed",
		zap.String("pattern", pattern),
		zap.Bool("once", once))
	return sub, nil
}

// Off removes every subscription registered on exactly this pattern and
// returns how many were removed.
func (b *EventBus) Off(pattern string) int {
	b.mu.Lock()
	subs := b.subs[pattern]
	delete(b.subs, pattern)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		sub.active = false
		sub.mu.Unlock()
	}
	return len(subs)
}

func (b *EventBus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[sub.pattern]
	for i, cur := range subs {
		if cur == sub {
			b.subs[sub.pattern] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.pattern]) == 0 {
		delete(b.subs, sub.pattern)
	}
}

// SetTopicMode sets the default delivery mode for a concrete topic.
// Per-publish WithMode overrides still win.
func (b *EventBus) SetTopicMode(topic string, mode DeliveryMode) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	switch mode {
	case Async, Sync, Parallel:
	default:
		return fmt.Errorf("unknown delivery mode %q", mode)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	b.modes[topic] = mode
	return nil
}

// ListenerCount returns the number of subscriptions registered on exactly
// the given pattern, or the total across all patterns when pattern is empty.
func (b *EventBus) ListenerCount(pattern string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if pattern != "" {
		return len(b.subs[pattern])
	}
	total := 0
	for _, subs := range b.subs {
		total += len(subs)
	}
	return total
}

// Shutdown deactivates every subscription and rejects further publishes and
// subscribes. Statistics survive shutdown; use ResetStats to clear them.
func (b *EventBus) Shutdown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*Subscription
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.subs = make(map[string][]*Subscription)
	b.modes = make(map[string]DeliveryMode)
	b.mu.Unlock()

	for _, sub := range all {
		sub.mu.Lock()
		sub.active = false
		sub.mu.Unlock()
	}

	b.logger.Info("event bus shut down")
}

// Stats returns a snapshot of the bus counters.
func (b *EventBus) Stats() Stats {
	return b.counters.snapshot(b.seq.Load())
}

// ResetStats zeroes all counters. Independent of Shutdown.
func (b *EventBus) ResetStats() {
	b.counters.reset()
}

// counters tracks publish and delivery accounting under one mutex.
type counters struct {
	mu        sync.Mutex
	published uint64
	delivered uint64
	cancelled uint64
	topics    map[string]*TopicStats
	window    deliveryWindow
}

func (c *counters) recordPublished(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published++
	c.topicStats(topic).Published++
}

func (c *counters) recordDelivered(topic string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delivered++
	c.topicStats(topic).Delivered++
	c.window.add(d)
}

func (c *counters) recordCancelled() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled++
}

func (c *counters) topicStats(topic string) *TopicStats {
	ts, ok := c.topics[topic]
	if !ok {
		ts = &TopicStats{}
		c.topics[topic] = ts
	}
	return ts
}

func (c *counters) snapshot(seq uint64) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	topics := make(map[string]TopicStats, len(c.topics))
	for topic, ts := range c.topics {
		topics[topic] = *ts
	}
	return Stats{
		TotalPublished:  c.published,
		TotalDelivered:  c.delivered,
		TotalCancelled:  c.cancelled,
		Topics:          topics,
		AvgDeliveryTime: c.window.average(),
		CurrentSequence: seq,
	}
}

func (c *counters) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published, c.delivered, c.cancelled = 0, 0, 0
	c.topics = make(map[string]*TopicStats)
	c.window = deliveryWindow{}
}

// deliveryWindow keeps a fixed-size ring of delivery durations with a
// running sum, so the average is cheap to read.
type deliveryWindow struct {
	samples []time.Duration
	next    int
	sum     time.Duration
}

func (w *deliveryWindow) add(d time.Duration) {
	if len(w.samples) < deliverySampleWindow {
		w.samples = append(w.samples, d)
		w.sum += d
		return
	}
	w.sum -= w.samples[w.next]
	w.samples[w.next] = d
	w.sum += d
	w.next = (w.next + 1) % deliverySampleWindow
}

func (w *deliveryWindow) average() time.Duration {
	if len(w.samples) == 0 {
		return 0
	}
	return w.sum / time.Duration(len(w.samples))
}
