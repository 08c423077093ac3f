// Package events defines the topic names and payload helpers shared by the
// Foreman coordination components. Topics are segmented with ':' and matched
// by the bus wildcard rules ('*' for one segment, '**' for a subtree).
package events

// Topics emitted by the file monitoring pipeline
const (
	FileEvent      = "file-event"      // raw watcher output, one per filesystem change
	DebouncedEvent = "debounced-event" // collapsed burst, one per quiet period
	FileDetected   = "file_detected"   // poller notified of an external file change
)

// Topics emitted by the state-integration bridge
const (
	StateUpdate            = "state-update"
	StateUpdateTaskStarted = "state-update:task-started"
	StateUpdateTaskStatus  = "state-update:task-status-changed"
	StateUpdateTaskDone    = "state-update:task-completed"
	StateUpdateTaskBlocked = "state-update:task-blocked"
	StateUpdateTaskFailed  = "state-update:task-failed"
)

// Topics emitted by the completion poller
const (
	PollStarted   = "poll_started"
	PollError     = "poll_error"
	StateDetected = "state_detected"
)

// Topics emitted by the completion state updater after a committed transaction
const (
	TaskCompletedDB         = "task_completed_db"
	AgentStateUpdated       = "agent_state_updated"
	StateTransitionRecorded = "state_transition_recorded"
)

// Topics emitted by the cross-agent coordinator
const (
	HandoffCreated   = "handoff-created"
	HandoffReady     = "handoff-ready"
	HandoffCompleted = "handoff-completed"
	TaskUnblocked    = "task-unblocked"
)

// Message routing topic prefixes
const (
	MessageDirect    = "message:direct"
	MessageBroadcast = "message:broadcast"
	MessageType      = "message:type"
)

// Error and bookkeeping topics
const (
	ListenerError         = "listener-error"
	PublishError          = "publish-error"
	BusError              = "bus-error"
	WatcherError          = "watcher-error"
	WatcherFailed         = "watcher-failed"
	SubscriptionExpired   = "subscription-expired"
	DuplicateSubscription = "duplicate-subscription"
	ListenerLeakWarning   = "listener-leak-warning"
	EventCancelled        = "event-cancelled"
)

// BuildDirectMessageTopic creates a direct message topic for a specific agent.
func BuildDirectMessageTopic(agentID string) string {
	return MessageDirect + ":" + agentID
}

// BuildDirectMessageWildcardTopic creates a wildcard subscription for all direct messages.
func BuildDirectMessageWildcardTopic() string {
	return MessageDirect + ":*"
}

// BuildTypeMessageTopic creates a message topic for all agents of one type.
func BuildTypeMessageTopic(agentType string) string {
	return MessageType + ":" + agentType
}

// BuildTypeMessageWildcardTopic creates a wildcard subscription for all typed messages.
func BuildTypeMessageWildcardTopic() string {
	return MessageType + ":*"
}

// BuildStateUpdateWildcardTopic creates a wildcard subscription for every
// state-update specialisation.
func BuildStateUpdateWildcardTopic() string {
	return StateUpdate + ":**"
}
