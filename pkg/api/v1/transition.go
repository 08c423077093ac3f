package v1

import "time"

// EntityType identifies which kind of entity a state transition belongs to.
type EntityType string

const (
	EntityTypeAgent   EntityType = "AGENT"
	EntityTypeTask    EntityType = "TASK"
	EntityTypeSession EntityType = "SESSION"
)

// Trigger describes what caused a state transition.
type Trigger string

const (
	TriggerUserAction Trigger = "USER_ACTION"
	TriggerAutomatic  Trigger = "AUTOMATIC"
	TriggerTimeout    Trigger = "TIMEOUT"
	TriggerError      Trigger = "ERROR"
	TriggerDependency Trigger = "DEPENDENCY"
	TriggerRecovery   Trigger = "RECOVERY"
)

// StateTransition is one append-only entry in an entity's state history.
// FromState is nil for the creation transition.
type StateTransition struct {
	ID         string            `json:"id"`
	EntityType EntityType        `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	FromState  *string           `json:"from_state,omitempty"`
	ToState    string            `json:"to_state"`
	Timestamp  time.Time         `json:"timestamp"`
	Trigger    Trigger           `json:"trigger"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}
