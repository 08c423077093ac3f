package events

import (
	"time"

	v1 "github.com/foremanhq/foreman/pkg/api/v1"
)

// AgentStateChange is the payload published on AgentStateUpdated. Both the
// completion updater and the recovery manager emit it, so subscribers see
// every agent status flip on one topic regardless of cause.
type AgentStateChange struct {
	AgentID        string         `json:"agent_id"`
	PreviousStatus v1.AgentStatus `json:"previous_status"`
	NewStatus      v1.AgentStatus `json:"new_status"`
	CurrentTask    *string        `json:"current_task,omitempty"`
	Trigger        v1.Trigger     `json:"trigger"`
	Timestamp      time.Time      `json:"timestamp"`
}
