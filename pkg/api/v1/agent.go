// Package v1 defines the shared coordination types exchanged between the
// Foreman core, the introspection API, and external dispatchers.
package v1

import "time"

// AgentType classifies what kind of work an agent performs.
type AgentType string

const (
	AgentTypeManager        AgentType = "MANAGER"
	AgentTypeImplementation AgentType = "IMPLEMENTATION"
	AgentTypeAdHoc          AgentType = "ADHOC"
)

// AgentStatus represents the lifecycle state of an agent process.
type AgentStatus string

const (
	AgentStatusSpawning   AgentStatus = "SPAWNING"
	AgentStatusActive     AgentStatus = "ACTIVE"
	AgentStatusWaiting    AgentStatus = "WAITING"
	AgentStatusIdle       AgentStatus = "IDLE"
	AgentStatusTerminated AgentStatus = "TERMINATED"
)

// Terminal reports whether the status admits no further transitions.
func (s AgentStatus) Terminal() bool {
	return s == AgentStatusTerminated
}

// AgentMetadata is the typed bag of process-level details attached to an agent.
type AgentMetadata struct {
	ProcessID     int    `json:"process_id,omitempty"`
	WorkDir       string `json:"work_dir,omitempty"`
	MemoryLogPath string `json:"memory_log_path,omitempty"`
}

// Agent represents an externally spawned worker process tracked by the core.
// The row in the store is a derived cache; the transition log is authoritative.
type Agent struct {
	ID             string        `json:"id"`
	Type           AgentType     `json:"type"`
	Status         AgentStatus   `json:"status"`
	CurrentTask    *string       `json:"current_task,omitempty"`
	Domain         *string       `json:"domain,omitempty"`
	SpawnedAt      time.Time     `json:"spawned_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	Metadata       AgentMetadata `json:"metadata"`
}
