package updater

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	v1 "github.com/foremanhq/foreman/pkg/api/v1"
)

// completionRow mirrors the task_completions table.
type completionRow struct {
	TaskID          string          `db:"task_id"`
	AgentID         string          `db:"agent_id"`
	Status          string          `db:"status"`
	CompletedAt     time.Time       `db:"completed_at"`
	Deliverables    string          `db:"deliverables"`
	TestsTotal      sql.NullInt64   `db:"tests_total"`
	TestsPassed     sql.NullInt64   `db:"tests_passed"`
	CoveragePercent sql.NullFloat64 `db:"coverage_percent"`
	GateTDD         sql.NullInt64   `db:"gate_tdd"`
	GateCommits     sql.NullInt64   `db:"gate_commits"`
	GateSecurity    sql.NullInt64   `db:"gate_security"`
	GateCoverage    sql.NullInt64   `db:"gate_coverage"`
}

func (r *completionRow) toCompletion() (*v1.TaskCompletion, error) {
	c := &v1.TaskCompletion{
		TaskID:      r.TaskID,
		AgentID:     r.AgentID,
		Status:      v1.TaskStatus(r.Status),
		CompletedAt: r.CompletedAt,
	}
	if r.Deliverables != "" && r.Deliverables != "[]" {
		if err := json.Unmarshal([]byte(r.Deliverables), &c.Deliverables); err != nil {
			return nil, fmt.Errorf("failed to decode deliverables for task %s: %w", r.TaskID, err)
		}
	}
	if r.TestsTotal.Valid {
		results := &v1.TestResults{
			Total:  int(r.TestsTotal.Int64),
			Passed: int(r.TestsPassed.Int64),
		}
		if r.CoveragePercent.Valid {
			coverage := r.CoveragePercent.Float64
			results.CoveragePercent = &coverage
		}
		c.TestResults = results
	}
	if r.GateTDD.Valid {
		c.QualityGates = &v1.QualityGates{
			TDD:      r.GateTDD.Int64 != 0,
			Commits:  r.GateCommits.Int64 != 0,
			Security: r.GateSecurity.Int64 != 0,
			Coverage: r.GateCoverage.Int64 != 0,
		}
	}
	return c, nil
}

// GetCompletion loads one completion by task id.
func (u *Updater) GetCompletion(ctx context.Context, taskID string) (*v1.TaskCompletion, error) {
	var row completionRow
	err := u.store.Get(ctx, &row, `SELECT * FROM task_completions WHERE task_id = ?`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrCompletionNotFound, taskID)
	}
	if err != nil {
		return nil, err
	}
	return row.toCompletion()
}

// ListCompletions returns all completions, most recent first.
func (u *Updater) ListCompletions(ctx context.Context) ([]*v1.TaskCompletion, error) {
	var rows []completionRow
	err := u.store.Select(ctx, &rows,
		`SELECT * FROM task_completions ORDER BY completed_at DESC, task_id`)
	if err != nil {
		return nil, err
	}
	completions := make([]*v1.TaskCompletion, 0, len(rows))
	for i := range rows {
		c, err := rows[i].toCompletion()
		if err != nil {
			return nil, err
		}
		completions = append(completions, c)
	}
	return completions, nil
}

// ListCompletionsByAgent returns one agent's completions, most recent first.
func (u *Updater) ListCompletionsByAgent(ctx context.Context, agentID string) ([]*v1.TaskCompletion, error) {
	var rows []completionRow
	err := u.store.Select(ctx, &rows,
		`SELECT * FROM task_completions WHERE agent_id = ? ORDER BY completed_at DESC, task_id`, agentID)
	if err != nil {
		return nil, err
	}
	completions := make([]*v1.TaskCompletion, 0, len(rows))
	for i := range rows {
		c, err := rows[i].toCompletion()
		if err != nil {
			return nil, err
		}
		completions = append(completions, c)
	}
	return completions, nil
}
