// Package api is the read-only introspection surface: agents and their
// histories, committed completions, handoffs, and the live counters of the
// bus, poller, recovery and bridge. Anything that mutates coordination
// state goes through the bus or the component APIs, never through here.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/foremanhq/foreman/internal/agent/lifecycle"
	"github.com/foremanhq/foreman/internal/agent/recovery"
	apperrors "github.com/foremanhq/foreman/internal/common/errors"
	"github.com/foremanhq/foreman/internal/common/logger"
	"github.com/foremanhq/foreman/internal/completion/poller"
	"github.com/foremanhq/foreman/internal/completion/updater"
	"github.com/foremanhq/foreman/internal/coordinator"
	"github.com/foremanhq/foreman/internal/events/bus"
	"github.com/foremanhq/foreman/internal/monitor/bridge"
	v1 "github.com/foremanhq/foreman/pkg/api/v1"
)

const defaultReplayCount = 100

// Deps holds the components the API reads from. Nil entries are tolerated:
// their routes answer 503 so a trimmed deployment still serves the rest.
type Deps struct {
	Bus         *bus.EventBus
	Agents      *lifecycle.Manager
	Recovery    *recovery.Manager
	Completions *updater.Updater
	Handoffs    *coordinator.Coordinator
	Poller      *poller.Poller
	Bridge      *bridge.Bridge
}

// Handler contains the HTTP handlers for the introspection API.
type Handler struct {
	deps   Deps
	logger *logger.Logger
}

// NewHandler creates an API handler over the given components.
func NewHandler(deps Deps, log *logger.Logger) *Handler {
	return &Handler{
		deps:   deps,
		logger: log.WithComponent("api"),
	}
}

// Healthz answers the liveness probe.
// GET /healthz
func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "foreman",
	})
}

// ListAgents returns all agents, optionally filtered by status.
// GET /api/v1/agents?status=WAITING
func (h *Handler) ListAgents(c *gin.Context) {
	if h.deps.Agents == nil {
		h.fail(c, apperrors.ServiceUnavailable("agent lifecycle"))
		return
	}

	var (
		agents []*v1.Agent
		err    error
	)
	if raw := c.Query("status"); raw != "" {
		status, ok := parseAgentStatus(raw)
		if !ok {
			h.fail(c, apperrors.ValidationError("status", "unknown agent status "+raw))
			return
		}
		agents, err = h.deps.Agents.ListAgentsByStatus(c.Request.Context(), status)
	} else {
		agents, err = h.deps.Agents.ListAgents(c.Request.Context())
	}
	if err != nil {
		h.fail(c, apperrors.Wrap(err, "failed to list agents"))
		return
	}

	c.JSON(http.StatusOK, AgentsResponse{Agents: agents, Total: len(agents)})
}

// GetAgent returns one agent.
// GET /api/v1/agents/:id
func (h *Handler) GetAgent(c *gin.Context) {
	if h.deps.Agents == nil {
		h.fail(c, apperrors.ServiceUnavailable("agent lifecycle"))
		return
	}

	id := c.Param("id")
	agent, err := h.deps.Agents.GetAgent(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, lifecycle.ErrAgentNotFound) {
			h.fail(c, apperrors.NotFound("agent", id))
			return
		}
		h.fail(c, apperrors.Wrap(err, "failed to load agent"))
		return
	}
	c.JSON(http.StatusOK, agent)
}

// GetAgentTransitions returns one agent's state history, oldest first.
// GET /api/v1/agents/:id/transitions
func (h *Handler) GetAgentTransitions(c *gin.Context) {
	if h.deps.Agents == nil {
		h.fail(c, apperrors.ServiceUnavailable("agent lifecycle"))
		return
	}

	id := c.Param("id")
	transitions, err := h.deps.Agents.History(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, lifecycle.ErrAgentNotFound) {
			h.fail(c, apperrors.NotFound("agent", id))
			return
		}
		h.fail(c, apperrors.Wrap(err, "failed to load transitions"))
		return
	}
	c.JSON(http.StatusOK, TransitionsResponse{
		AgentID:     id,
		Transitions: transitions,
		Total:       len(transitions),
	})
}

// GetAgentStats returns per-state dwell statistics for one agent.
// GET /api/v1/agents/:id/stats
func (h *Handler) GetAgentStats(c *gin.Context) {
	if h.deps.Agents == nil {
		h.fail(c, apperrors.ServiceUnavailable("agent lifecycle"))
		return
	}

	id := c.Param("id")
	stats, err := h.deps.Agents.Statistics(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, lifecycle.ErrAgentNotFound) {
			h.fail(c, apperrors.NotFound("agent", id))
			return
		}
		h.fail(c, apperrors.Wrap(err, "failed to compute statistics"))
		return
	}
	c.JSON(http.StatusOK, StatsResponse{Stats: stats})
}

// ListCompletions returns committed completions, optionally for one agent.
// GET /api/v1/completions?agent=backend-2
func (h *Handler) ListCompletions(c *gin.Context) {
	if h.deps.Completions == nil {
		h.fail(c, apperrors.ServiceUnavailable("completion updater"))
		return
	}

	var (
		completions []*v1.TaskCompletion
		err         error
	)
	if agent := c.Query("agent"); agent != "" {
		completions, err = h.deps.Completions.ListCompletionsByAgent(c.Request.Context(), agent)
	} else {
		completions, err = h.deps.Completions.ListCompletions(c.Request.Context())
	}
	if err != nil {
		h.fail(c, apperrors.Wrap(err, "failed to list completions"))
		return
	}
	c.JSON(http.StatusOK, CompletionsResponse{Completions: completions, Total: len(completions)})
}

// GetCompletion returns the committed completion for one task.
// GET /api/v1/completions/:taskId
func (h *Handler) GetCompletion(c *gin.Context) {
	if h.deps.Completions == nil {
		h.fail(c, apperrors.ServiceUnavailable("completion updater"))
		return
	}

	taskID := c.Param("taskId")
	completion, err := h.deps.Completions.GetCompletion(c.Request.Context(), taskID)
	if err != nil {
		if errors.Is(err, updater.ErrCompletionNotFound) {
			h.fail(c, apperrors.NotFound("completion", taskID))
			return
		}
		h.fail(c, apperrors.Wrap(err, "failed to load completion"))
		return
	}
	c.JSON(http.StatusOK, completion)
}

// ListHandoffs returns every handoff.
// GET /api/v1/handoffs
func (h *Handler) ListHandoffs(c *gin.Context) {
	if h.deps.Handoffs == nil {
		h.fail(c, apperrors.ServiceUnavailable("coordinator"))
		return
	}
	handoffs := h.deps.Handoffs.ListHandoffs()
	c.JSON(http.StatusOK, HandoffsResponse{Handoffs: handoffs, Total: len(handoffs)})
}

// GetBlockedTasks returns the consumer tasks an agent cannot start yet.
// GET /api/v1/handoffs/blocked/:agent
func (h *Handler) GetBlockedTasks(c *gin.Context) {
	if h.deps.Handoffs == nil {
		h.fail(c, apperrors.ServiceUnavailable("coordinator"))
		return
	}
	agent := c.Param("agent")
	tasks := h.deps.Handoffs.GetBlockedTasks(agent)
	c.JSON(http.StatusOK, BlockedTasksResponse{Agent: agent, Tasks: tasks, Total: len(tasks)})
}

// GetHandoffEvents returns the coordinator event log, most recent first.
// GET /api/v1/handoffs/events?limit=50
func (h *Handler) GetHandoffEvents(c *gin.Context) {
	if h.deps.Handoffs == nil {
		h.fail(c, apperrors.ServiceUnavailable("coordinator"))
		return
	}
	limit, ok := h.intQuery(c, "limit", 0)
	if !ok {
		return
	}
	events := h.deps.Handoffs.EventLog(limit)
	c.JSON(http.StatusOK, HandoffEventsResponse{Events: events, Total: len(events)})
}

// GetBusStats returns bus delivery counters.
// GET /api/v1/bus/stats
func (h *Handler) GetBusStats(c *gin.Context) {
	if h.deps.Bus == nil {
		h.fail(c, apperrors.ServiceUnavailable("event bus"))
		return
	}
	c.JSON(http.StatusOK, h.deps.Bus.Stats())
}

// GetPollerStates returns the per-task polling snapshots.
// GET /api/v1/poller/states
func (h *Handler) GetPollerStates(c *gin.Context) {
	if h.deps.Poller == nil {
		h.fail(c, apperrors.ServiceUnavailable("completion poller"))
		return
	}
	states := h.deps.Poller.States()
	c.JSON(http.StatusOK, PollerStatesResponse{States: states, Total: len(states)})
}

// GetRecoveryStats returns recovery attempt counters.
// GET /api/v1/recovery/stats
func (h *Handler) GetRecoveryStats(c *gin.Context) {
	if h.deps.Recovery == nil {
		h.fail(c, apperrors.ServiceUnavailable("recovery manager"))
		return
	}
	c.JSON(http.StatusOK, h.deps.Recovery.Stats())
}

// GetBridgeReplay returns recent bridge state updates for late subscribers.
// GET /api/v1/bridge/replay?count=50
func (h *Handler) GetBridgeReplay(c *gin.Context) {
	if h.deps.Bridge == nil {
		h.fail(c, apperrors.ServiceUnavailable("state bridge"))
		return
	}
	count, ok := h.intQuery(c, "count", defaultReplayCount)
	if !ok {
		return
	}
	events := h.deps.Bridge.GetRecentEvents(count)
	c.JSON(http.StatusOK, ReplayResponse{Events: events, Total: len(events)})
}

// intQuery parses a non-negative integer query parameter. On failure it
// writes the error response and reports false.
func (h *Handler) intQuery(c *gin.Context, name string, def int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		h.fail(c, apperrors.ValidationError(name, "must be a non-negative integer"))
		return 0, false
	}
	return n, true
}

func (h *Handler) fail(c *gin.Context, appErr *apperrors.AppError) {
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(appErr))
	}
	c.JSON(appErr.HTTPStatus, appErr)
}

func parseAgentStatus(raw string) (v1.AgentStatus, bool) {
	status := v1.AgentStatus(strings.ToUpper(raw))
	switch status {
	case v1.AgentStatusSpawning, v1.AgentStatusActive, v1.AgentStatusWaiting,
		v1.AgentStatusIdle, v1.AgentStatusTerminated:
		return status, true
	}
	return "", false
}
