package v1

import (
	"fmt"
	"time"
)

// HandoffStatus tracks a producer→consumer dependency edge.
// Progression is strictly monotone: PENDING → READY → COMPLETED.
type HandoffStatus string

const (
	HandoffStatusPending   HandoffStatus = "PENDING"
	HandoffStatusReady     HandoffStatus = "READY"
	HandoffStatusCompleted HandoffStatus = "COMPLETED"
)

// Handoff is a first-class record of one cross-agent dependency edge.
type Handoff struct {
	ID            string        `json:"id"`
	ConsumerTask  string        `json:"consumer_task"`
	ConsumerAgent string        `json:"consumer_agent"`
	ProducerTask  string        `json:"producer_task"`
	ProducerAgent string        `json:"producer_agent"`
	Status        HandoffStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	ReadyAt       *time.Time    `json:"ready_at,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
}

// HandoffID builds the canonical "{producerTask}->{consumerTask}" identifier.
func HandoffID(producerTask, consumerTask string) string {
	return fmt.Sprintf("%s->%s", producerTask, consumerTask)
}
