package api

import (
	"github.com/foremanhq/foreman/internal/agent/lifecycle"
	"github.com/foremanhq/foreman/internal/completion/poller"
	"github.com/foremanhq/foreman/internal/coordinator"
	"github.com/foremanhq/foreman/internal/monitor/bridge"
	v1 "github.com/foremanhq/foreman/pkg/api/v1"
)

// AgentsResponse lists agents.
type AgentsResponse struct {
	Agents []*v1.Agent `json:"agents"`
	Total  int         `json:"total"`
}

// TransitionsResponse lists one agent's state history.
type TransitionsResponse struct {
	AgentID     string                `json:"agentId"`
	Transitions []*v1.StateTransition `json:"transitions"`
	Total       int                   `json:"total"`
}

// StatsResponse wraps per-agent dwell statistics.
type StatsResponse struct {
	Stats *lifecycle.Statistics `json:"stats"`
}

// CompletionsResponse lists committed task completions.
type CompletionsResponse struct {
	Completions []*v1.TaskCompletion `json:"completions"`
	Total       int                  `json:"total"`
}

// HandoffsResponse lists handoffs.
type HandoffsResponse struct {
	Handoffs []*v1.Handoff `json:"handoffs"`
	Total    int           `json:"total"`
}

// BlockedTasksResponse lists an agent's blocked consumer tasks.
type BlockedTasksResponse struct {
	Agent string   `json:"agent"`
	Tasks []string `json:"tasks"`
	Total int      `json:"total"`
}

// HandoffEventsResponse carries the coordinator event log, most recent
// first.
type HandoffEventsResponse struct {
	Events []coordinator.LogEntry `json:"events"`
	Total  int                    `json:"total"`
}

// PollerStatesResponse lists per-task polling state snapshots.
type PollerStatesResponse struct {
	States []poller.PollingState `json:"states"`
	Total  int                   `json:"total"`
}

// ReplayResponse carries recent bridge state updates, oldest first.
type ReplayResponse struct {
	Events []bridge.StateUpdate `json:"events"`
	Total  int                  `json:"total"`
}
