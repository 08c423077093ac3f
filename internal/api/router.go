package api

import (
	"github.com/gin-gonic/gin"

	"github.com/foremanhq/foreman/internal/common/logger"
)

// SetupRoutes mounts the introspection API on the engine.
func SetupRoutes(r *gin.Engine, deps Deps, log *logger.Logger) {
	handler := NewHandler(deps, log)

	r.GET("/healthz", handler.Healthz)

	v1 := r.Group("/api/v1")
	{
		agents := v1.Group("/agents")
		{
			agents.GET("", handler.ListAgents)
			agents.GET("/:id", handler.GetAgent)
			agents.GET("/:id/transitions", handler.GetAgentTransitions)
			agents.GET("/:id/stats", handler.GetAgentStats)
		}

		v1.GET("/completions", handler.ListCompletions)
		v1.GET("/completions/:taskId", handler.GetCompletion)

		handoffs := v1.Group("/handoffs")
		{
			handoffs.GET("", handler.ListHandoffs)
			handoffs.GET("/blocked/:agent", handler.GetBlockedTasks)
			handoffs.GET("/events", handler.GetHandoffEvents)
		}

		v1.GET("/bus/stats", handler.GetBusStats)
		v1.GET("/poller/states", handler.GetPollerStates)
		v1.GET("/recovery/stats", handler.GetRecoveryStats)
		v1.GET("/bridge/replay", handler.GetBridgeReplay)
	}
}
