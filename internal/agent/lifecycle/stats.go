package lifecycle

import (
	"context"
	"fmt"
	"time"

	v1 "github.com/foremanhq/foreman/pkg/api/v1"
)

// Statistics summarises an agent's history as derived from the transition
// log. Durations use the current wall-clock as the right endpoint of the
// open interval, so the figures for a live agent keep growing.
type Statistics struct {
	AgentID         string                           `json:"agent_id"`
	Lifetime        time.Duration                    `json:"lifetime_ns"`
	TransitionCount int                              `json:"transition_count"`
	TimeInState     map[v1.AgentStatus]time.Duration `json:"time_in_state_ns"`
	AverageInState  map[v1.AgentStatus]time.Duration `json:"average_in_state_ns"`
	Visits          map[v1.AgentStatus]int           `json:"visits"`
	ByTrigger       map[v1.Trigger]int               `json:"by_trigger"`
}

// Statistics computes per-state dwell times, visit counts, trigger counts
// and total lifetime for one agent.
func (m *Manager) Statistics(ctx context.Context, agentID string) (*Statistics, error) {
	history, err := m.History(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}

	now := time.Now().UTC()
	stats := &Statistics{
		AgentID:         agentID,
		Lifetime:        now.Sub(history[0].Timestamp),
		TransitionCount: len(history),
		TimeInState:     make(map[v1.AgentStatus]time.Duration),
		AverageInState:  make(map[v1.AgentStatus]time.Duration),
		Visits:          make(map[v1.AgentStatus]int),
		ByTrigger:       make(map[v1.Trigger]int),
	}

	for i, tr := range history {
		state := v1.AgentStatus(tr.ToState)
		stats.Visits[state]++
		stats.ByTrigger[tr.Trigger]++

		end := now
		if i+1 < len(history) {
			end = history[i+1].Timestamp
		}
		if dwell := end.Sub(tr.Timestamp); dwell > 0 {
			stats.TimeInState[state] += dwell
		}
	}

	for state, total := range stats.TimeInState {
		if visits := stats.Visits[state]; visits > 0 {
			stats.AverageInState[state] = total / time.Duration(visits)
		}
	}
	return stats, nil
}
