package v1

import "time"

// TaskStatus represents the reported progress state of a task.
type TaskStatus string

const (
	TaskStatusCompleted  TaskStatus = "COMPLETED"
	TaskStatusPartial    TaskStatus = "PARTIAL"
	TaskStatusBlocked    TaskStatus = "BLOCKED"
	TaskStatusFailed     TaskStatus = "FAILED"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	TaskStatusNotStarted TaskStatus = "NOT_STARTED"
)

// TestResults summarizes the test outcome documented in a memory log.
type TestResults struct {
	Total           int      `json:"total"`
	Passed          int      `json:"passed"`
	CoveragePercent *float64 `json:"coverage_percent,omitempty"`
}

// AllPassing reports whether every documented test passed.
func (t *TestResults) AllPassing() bool {
	return t != nil && t.Total > 0 && t.Passed == t.Total
}

// QualityGates records which engineering gates the memory log claims were met.
type QualityGates struct {
	TDD      bool `json:"tdd"`
	Commits  bool `json:"commits"`
	Security bool `json:"security"`
	Coverage bool `json:"coverage"`
}

// TaskCompletion is the durable record of a task outcome, keyed by task ID.
// Writes have upsert semantics: the latest completion wins.
type TaskCompletion struct {
	TaskID       string        `json:"task_id"`
	AgentID      string        `json:"agent_id"`
	Status       TaskStatus    `json:"status"`
	CompletedAt  time.Time     `json:"completed_at"`
	Deliverables []string      `json:"deliverables"`
	TestResults  *TestResults  `json:"test_results,omitempty"`
	QualityGates *QualityGates `json:"quality_gates,omitempty"`
}
