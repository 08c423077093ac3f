// Package bus provides the in-process event bus for Foreman.
//
// Topics are ':'-separated segments. Subscription patterns may use '*' to
// match exactly one segment and '**' to match one or more trailing segments.
// Publishes always target concrete topics.
package bus

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DeliveryMode controls how handlers are invoked for a publish.
type DeliveryMode string

const (
	// Async schedules every handler independently and returns immediately.
	Async DeliveryMode = "async"
	// Sync invokes handlers one by one in registration order. A handler
	// returning Cancel stops propagation to later handlers.
	Sync DeliveryMode = "sync"
	// Parallel invokes all handlers concurrently and waits for all of them.
	Parallel DeliveryMode = "parallel"
)

// Metadata is injected by the bus on every publish. Publishers never set it.
type Metadata struct {
	EventID        string    `json:"eventId"`
	Timestamp      time.Time `json:"timestamp"`
	PublisherID    string    `json:"publisherId,omitempty"`
	SequenceNumber uint64    `json:"sequenceNumber"`
}

// Envelope is the wire shape of an event. The same envelope instance is
// delivered to every handler in a dispatch.
type Envelope struct {
	Topic    string   `json:"topic"`
	Data     any      `json:"data"`
	Metadata Metadata `json:"metadata"`
}

// Result is an optional handler return value. Cancel stops propagation in
// sync mode and is tallied in all modes.
type Result struct {
	Cancel bool
	Reason string
}

// Handler processes one delivered envelope. A nil Result means no
// cancellation. Errors are contained by the bus and reported on the
// listener-error topic, never surfaced to the publisher.
type Handler func(ctx context.Context, event *Envelope) (*Result, error)

// TopicStats holds per-topic publish and delivery counts.
type TopicStats struct {
	Published uint64 `json:"published"`
	Delivered uint64 `json:"delivered"`
}

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	TotalPublished  uint64                `json:"totalPublished"`
	TotalDelivered  uint64                `json:"totalDelivered"`
	TotalCancelled  uint64                `json:"totalCancelled"`
	Topics          map[string]TopicStats `json:"topics"`
	AvgDeliveryTime time.Duration         `json:"avgDeliveryTimeNs"`
	CurrentSequence uint64                `json:"currentSequence"`
}

var (
	// ErrBusClosed is returned by operations on a shut-down bus.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrInvalidTopic is returned when a topic or pattern fails validation.
	ErrInvalidTopic = errors.New("invalid topic")
	// ErrNilHandler is returned when subscribing without a callback.
	ErrNilHandler = errors.New("nil handler")
)

// topicCharset is the full set of characters allowed in topics and patterns.
var topicCharset = regexp.MustCompile(`^[A-Za-z0-9:*_-]+$`)

// ValidatePattern checks a subscription pattern: non-empty and restricted to
// the allowed charset. Wildcards are permitted.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("%w: empty topic", ErrInvalidTopic)
	}
	if !topicCharset.MatchString(pattern) {
		return fmt.Errorf("%w: %q contains disallowed characters", ErrInvalidTopic, pattern)
	}
	return nil
}

// ValidateTopic checks a publish topic: same as ValidatePattern but
// wildcards are rejected, publishes must target a concrete topic.
func ValidateTopic(topic string) error {
	if err := ValidatePattern(topic); err != nil {
		return err
	}
	if strings.Contains(topic, "*") {
		return fmt.Errorf("%w: %q contains a wildcard", ErrInvalidTopic, topic)
	}
	return nil
}

// compilePattern converts a wildcard pattern into an anchored regexp.
// Returns nil for exact topics, which match by string equality.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") {
		return nil
	}

	escaped := regexp.QuoteMeta(pattern)

	// '**' matches one or more segments, '*' exactly one.
	escaped = strings.ReplaceAll(escaped, `\*\*`, `.+`)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^:]+`)

	regex, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return regex
}
