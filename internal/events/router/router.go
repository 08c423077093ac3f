// Package router layers message routing and subscription lifecycle
// management on top of the event bus.
package router

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/foremanhq/foreman/internal/common/logger"
	"github.com/foremanhq/foreman/internal/events"
	"github.com/foremanhq/foreman/internal/events/bus"
	v1 "github.com/foremanhq/foreman/pkg/api/v1"
)

// Priority orders router subscribers for accounting and introspection.
// Actual delivery order within a publish follows the bus delivery mode.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityNormal Priority = "NORMAL"
	PriorityLow    Priority = "LOW"
)

func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityNormal:
		return 1
	default:
		return 2
	}
}

var (
	// ErrSubscriberExists is returned when registering a duplicate subscriber id.
	ErrSubscriberExists = errors.New("subscriber already registered")
	// ErrSubscriberNotFound is returned when deregistering an unknown subscriber.
	ErrSubscriberNotFound = errors.New("subscriber not found")
	// ErrRuleExists is returned when adding a routing rule with a taken id.
	ErrRuleExists = errors.New("routing rule already registered")
)

// Subscriber is a named handler registered through the router. Invocation
// counts are tracked per subscriber.
type Subscriber struct {
	ID           string
	Pattern      string
	Priority     Priority
	RegisteredAt time.Time

	order       uint64
	invocations atomic.Uint64
	sub         *bus.Subscription
}

// Invocations returns how many envelopes this subscriber has handled.
func (s *Subscriber) Invocations() uint64 {
	return s.invocations.Load()
}

// RoutingRule mirrors matching traffic onto a second topic. Rules apply to
// messages sent through the router, not to raw bus publishes.
type RoutingRule struct {
	ID      string
	Pattern *regexp.Regexp
	Target  string
}

// Router provides direct, broadcast and type-addressed messaging between
// agents. Every route goes through the bus, so plain bus subscribers still
// receive routed traffic.
type Router struct {
	bus    *bus.EventBus
	logger *logger.Logger

	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	rules       map[string]*RoutingRule
	regSeq      uint64
}

// NewRouter creates a router on top of the given bus.
func NewRouter(b *bus.EventBus, log *logger.Logger) *Router {
	if log == nil {
		log = logger.Default()
	}
	return &Router{
		bus:         b,
		logger:      log.WithComponent("router"),
		subscribers: make(map[string]*Subscriber),
		rules:       make(map[string]*RoutingRule),
	}
}

// Register adds a named subscriber on a topic pattern. The id must be
// unique across the router.
func (r *Router) Register(id, pattern string, priority Priority, handler bus.Handler) (*Subscriber, error) {
	if id == "" {
		return nil, errors.New("subscriber id is required")
	}
	switch priority {
	case PriorityHigh, PriorityNormal, PriorityLow:
	default:
		return nil, fmt.Errorf("unknown priority %q", priority)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subscribers[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSubscriberExists, id)
	}

	r.regSeq++
	subscriber := &Subscriber{
		ID:           id,
		Pattern:      pattern,
		Priority:     priority,
		RegisteredAt: time.Now().UTC(),
		order:        r.regSeq,
	}

	busSub, err := r.bus.On(pattern, func(ctx context.Context, ev *bus.Envelope) (*bus.Result, error) {
		subscriber.invocations.Add(1)
		return handler(ctx, ev)
	})
	if err != nil {
		return nil, err
	}
	subscriber.sub = busSub
	r.subscribers[id] = subscriber

	r.logger.Debug("subscriber registered",
		zap.String("subscriber_id", id),
		zap.String("pattern", pattern),
		zap.String("priority", string(priority)))
	return subscriber, nil
}

// Deregister removes a subscriber and its bus subscription.
func (r *Router) Deregister(id string) error {
	r.mu.Lock()
	subscriber, ok := r.subscribers[id]
	if ok {
		delete(r.subscribers, id)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSubscriberNotFound, id)
	}
	subscriber.sub.Unsubscribe()
	return nil
}

// Subscribers returns all registered subscribers sorted by priority tier,
// FIFO within a tier.
func (r *Router) Subscribers() []*Subscriber {
	r.mu.RLock()
	out := make([]*Subscriber, 0, len(r.subscribers))
	for _, s := range r.subscribers {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority.rank() != out[j].Priority.rank() {
			return out[i].Priority.rank() < out[j].Priority.rank()
		}
		return out[i].order < out[j].order
	})
	return out
}

// AddRule registers a regex-backed routing rule: any message routed through
// the router whose topic matches pattern is also published to target.
func (r *Router) AddRule(id, pattern, target string) error {
	if err := bus.ValidateTopic(target); err != nil {
		return err
	}
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("invalid rule pattern %q: %w", pattern, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rules[id]; ok {
		return fmt.Errorf("%w: %s", ErrRuleExists, id)
	}
	r.rules[id] = &RoutingRule{ID: id, Pattern: regex, Target: target}
	return nil
}

// RemoveRule deletes a routing rule. Returns false when the id is unknown.
func (r *Router) RemoveRule(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rules[id]; !ok {
		return false
	}
	delete(r.rules, id)
	return true
}

// Rules returns the registered routing rules.
func (r *Router) Rules() []*RoutingRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*RoutingRule, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SendDirect delivers a message to a single agent.
func (r *Router) SendDirect(ctx context.Context, agentID string, payload any, opts ...bus.PublishOption) (int, error) {
	return r.route(ctx, events.BuildDirectMessageTopic(agentID), payload, opts...)
}

// Broadcast delivers a message to every broadcast subscriber.
func (r *Router) Broadcast(ctx context.Context, payload any, opts ...bus.PublishOption) (int, error) {
	return r.route(ctx, events.MessageBroadcast, payload, opts...)
}

// SendToType delivers a message to all agents of one type.
func (r *Router) SendToType(ctx context.Context, agentType v1.AgentType, payload any, opts ...bus.PublishOption) (int, error) {
	return r.route(ctx, events.BuildTypeMessageTopic(string(agentType)), payload, opts...)
}

// route publishes to the primary topic, then applies routing rules. Rule
// targets receive the same payload; rule matches on a target do not recurse.
func (r *Router) route(ctx context.Context, topic string, payload any, opts ...bus.PublishOption) (int, error) {
	delivered, err := r.bus.Publish(ctx, topic, payload, opts...)
	if err != nil {
		return delivered, err
	}

	r.mu.RLock()
	var targets []string
	for _, rule := range r.rules {
		if rule.Pattern.MatchString(topic) && rule.Target != topic {
			targets = append(targets, rule.Target)
		}
	}
	r.mu.RUnlock()

	for _, target := range targets {
		extra, err := r.bus.Publish(ctx, target, payload, opts...)
		if err != nil {
			r.logger.Warn("routing rule publish failed",
				zap.String("target", target),
				zap.Error(err))
			continue
		}
		delivered += extra
	}
	return delivered, nil
}
