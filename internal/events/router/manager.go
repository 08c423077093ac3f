package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/foremanhq/foreman/internal/common/logger"
	"github.com/foremanhq/foreman/internal/events"
	"github.com/foremanhq/foreman/internal/events/bus"
)

// listenerLeakThreshold is the per-topic subscriber count above which a
// listener-leak-warning is emitted.
const listenerLeakThreshold = 50

// ErrHandleNotFound is returned when unsubscribing an unknown handle.
var ErrHandleNotFound = errors.New("subscription handle not found")

// SubscribeOptions describes one managed subscription.
//
// SubscriberID stands in for callback identity: two subscriptions with the
// same topic, subscriber id and group are treated as duplicates and share a
// single handle. An empty SubscriberID disables duplicate detection for
// that subscription.
type SubscribeOptions struct {
	Topic        string
	SubscriberID string
	Group        string
	Once         bool
	TTL          time.Duration
	Metadata     map[string]string
	Handler      bus.Handler
}

// Handle identifies a managed subscription for targeted unsubscribe.
type Handle struct {
	ID           string
	Topic        string
	SubscriberID string
	Group        string
	Once         bool
	SubscribedAt time.Time
	ExpiresAt    *time.Time
	Metadata     map[string]string

	duplicates  atomic.Uint64
	invocations atomic.Uint64
	sub         *bus.Subscription
	timer       *time.Timer
}

// Duplicates returns how many times this subscription was re-registered.
func (h *Handle) Duplicates() uint64 {
	return h.duplicates.Load()
}

// Invocations returns how many envelopes this subscription has handled.
func (h *Handle) Invocations() uint64 {
	return h.invocations.Load()
}

type subKey struct {
	topic        string
	subscriberID string
	group        string
}

// SubscriptionManager tracks handles, groups, TTLs and duplicates for bus
// subscriptions.
type SubscriptionManager struct {
	bus    *bus.EventBus
	logger *logger.Logger

	mu      sync.Mutex
	handles map[string]*Handle
	byKey   map[subKey]*Handle
	groups  map[string]map[string]*Handle
	warned  map[string]bool
}

// NewSubscriptionManager creates an empty manager on top of the bus.
func NewSubscriptionManager(b *bus.EventBus, log *logger.Logger) *SubscriptionManager {
	if log == nil {
		log = logger.Default()
	}
	return &SubscriptionManager{
		bus:     b,
		logger:  log.WithComponent("subscriptions"),
		handles: make(map[string]*Handle),
		byKey:   make(map[subKey]*Handle),
		groups:  make(map[string]map[string]*Handle),
		warned:  make(map[string]bool),
	}
}

// Subscribe registers a managed subscription and returns its handle.
//
// Registering the same topic, subscriber id and group again returns the
// existing handle, bumps its duplicate counter and emits
// duplicate-subscription instead of adding a listener.
func (m *SubscriptionManager) Subscribe(opts SubscribeOptions) (*Handle, error) {
	if err := bus.ValidatePattern(opts.Topic); err != nil {
		return nil, err
	}
	if opts.Handler == nil {
		return nil, bus.ErrNilHandler
	}

	m.mu.Lock()

	if opts.SubscriberID != "" {
		key := subKey{topic: opts.Topic, subscriberID: opts.SubscriberID, group: opts.Group}
		if existing, ok := m.byKey[key]; ok {
			existing.duplicates.Add(1)
			m.mu.Unlock()
			m.emit(events.DuplicateSubscription, map[string]any{
				"handleId":     existing.ID,
				"topic":        opts.Topic,
				"subscriberId": opts.SubscriberID,
				"group":        opts.Group,
				"count":        existing.Duplicates(),
			})
			return existing, nil
		}
	}

	handle := &Handle{
		ID:           uuid.New().String(),
		Topic:        opts.Topic,
		SubscriberID: opts.SubscriberID,
		Group:        opts.Group,
		Once:         opts.Once,
		SubscribedAt: time.Now().UTC(),
		Metadata:     opts.Metadata,
	}

	wrapped := func(ctx context.Context, ev *bus.Envelope) (*bus.Result, error) {
		handle.invocations.Add(1)
		res, err := opts.Handler(ctx, ev)
		if opts.Once {
			m.forget(handle)
		}
		return res, err
	}

	var busSub *bus.Subscription
	var err error
	if opts.Once {
		busSub, err = m.bus.Once(opts.Topic, wrapped)
	} else {
		busSub, err = m.bus.On(opts.Topic, wrapped)
	}
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	handle.sub = busSub

	if opts.TTL > 0 {
		expires := handle.SubscribedAt.Add(opts.TTL)
		handle.ExpiresAt = &expires
		handle.timer = time.AfterFunc(opts.TTL, func() {
			m.expire(handle)
		})
	}

	m.handles[handle.ID] = handle
	if opts.SubscriberID != "" {
		m.byKey[subKey{topic: opts.Topic, subscriberID: opts.SubscriberID, group: opts.Group}] = handle
	}
	if opts.Group != "" {
		if m.groups[opts.Group] == nil {
			m.groups[opts.Group] = make(map[string]*Handle)
		}
		m.groups[opts.Group][handle.ID] = handle
	}

	listeners := m.bus.ListenerCount(opts.Topic)
	warn := listeners > listenerLeakThreshold && !m.warned[opts.Topic]
	if warn {
		m.warned[opts.Topic] = true
	}
	m.mu.Unlock()

	if warn {
		m.logger.Warn("topic has an unusually high subscriber count",
			zap.String("topic", opts.Topic),
			zap.Int("listeners", listeners))
		m.emit(events.ListenerLeakWarning, map[string]any{
			"topic":     opts.Topic,
			"listeners": listeners,
		})
	}
	return handle, nil
}

// Unsubscribe removes one handle. The callback is never invoked afterwards.
func (m *SubscriptionManager) Unsubscribe(handleID string) error {
	m.mu.Lock()
	handle, ok := m.handles[handleID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrHandleNotFound, handleID)
	}
	m.removeLocked(handle)
	m.mu.Unlock()

	handle.sub.Unsubscribe()
	return nil
}

// UnsubscribeGroup removes every handle in a named group and returns how
// many were removed.
func (m *SubscriptionManager) UnsubscribeGroup(group string) int {
	m.mu.Lock()
	members := m.groups[group]
	removed := make([]*Handle, 0, len(members))
	for _, handle := range members {
		m.removeLocked(handle)
		removed = append(removed, handle)
	}
	m.mu.Unlock()

	for _, handle := range removed {
		handle.sub.Unsubscribe()
	}
	return len(removed)
}

// Handle looks up a handle by id.
func (m *SubscriptionManager) Handle(handleID string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	handle, ok := m.handles[handleID]
	return handle, ok
}

// Handles returns all live handles.
func (m *SubscriptionManager) Handles() []*Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Handle, 0, len(m.handles))
	for _, handle := range m.handles {
		out = append(out, handle)
	}
	return out
}

// GroupSize returns the number of handles in a group.
func (m *SubscriptionManager) GroupSize(group string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.groups[group])
}

// expire fires when a TTL elapses: the subscription is removed and
// subscription-expired is emitted.
func (m *SubscriptionManager) expire(handle *Handle) {
	m.mu.Lock()
	if _, ok := m.handles[handle.ID]; !ok {
		m.mu.Unlock()
		return
	}
	m.removeLocked(handle)
	m.mu.Unlock()

	handle.sub.Unsubscribe()
	m.logger.Debug("subscription expired",
		zap.String("handle_id", handle.ID),
		zap.String("topic", handle.Topic))
	m.emit(events.SubscriptionExpired, map[string]any{
		"handleId": handle.ID,
		"topic":    handle.Topic,
	})
}

// forget drops bookkeeping for a handle whose bus subscription is already
// gone (once subscriptions after their single delivery).
func (m *SubscriptionManager) forget(handle *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handles[handle.ID]; !ok {
		return
	}
	m.removeLocked(handle)
}

// removeLocked deletes a handle from every index. Caller holds m.mu.
func (m *SubscriptionManager) removeLocked(handle *Handle) {
	delete(m.handles, handle.ID)
	if handle.SubscriberID != "" {
		delete(m.byKey, subKey{topic: handle.Topic, subscriberID: handle.SubscriberID, group: handle.Group})
	}
	if handle.Group != "" {
		if members := m.groups[handle.Group]; members != nil {
			delete(members, handle.ID)
			if len(members) == 0 {
				delete(m.groups, handle.Group)
			}
		}
	}
	if handle.timer != nil {
		handle.timer.Stop()
	}
	if m.bus.ListenerCount(handle.Topic) <= listenerLeakThreshold {
		delete(m.warned, handle.Topic)
	}
}

func (m *SubscriptionManager) emit(topic string, payload map[string]any) {
	if _, err := m.bus.Publish(context.Background(), topic, payload, bus.WithPublisher("subscription-manager")); err != nil {
		m.logger.Debug("bookkeeping publish failed",
			zap.String("topic", topic),
			zap.Error(err))
	}
}
