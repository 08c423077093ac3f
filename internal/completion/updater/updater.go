// Package updater commits task completions to the store. The completion
// record, the agent flip to Waiting and the transition-log append land in
// one transaction; the announcement events go out only after commit.
package updater

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/foremanhq/foreman/internal/agent/lifecycle"
	"github.com/foremanhq/foreman/internal/common/appctx"
	"github.com/foremanhq/foreman/internal/common/logger"
	"github.com/foremanhq/foreman/internal/completion/poller"
	"github.com/foremanhq/foreman/internal/events"
	"github.com/foremanhq/foreman/internal/events/bus"
	"github.com/foremanhq/foreman/internal/memlog"
	"github.com/foremanhq/foreman/internal/store"
	v1 "github.com/foremanhq/foreman/pkg/api/v1"
)

const (
	publisherID = "state-updater"

	// publishTimeout bounds the post-commit announcements.
	publishTimeout = 5 * time.Second
)

var (
	// ErrMissingTaskID is returned when a completion carries no task id.
	ErrMissingTaskID = errors.New("completion has no task id")
	// ErrMissingAgentID is returned when a completion carries no agent id.
	ErrMissingAgentID = errors.New("completion has no agent id")
	// ErrCompletionNotFound is returned when no completion row exists.
	ErrCompletionNotFound = errors.New("completion not found")
	// ErrLogInvalid is returned when a memory log fails validation.
	ErrLogInvalid = errors.New("memory log failed validation")
	// ErrLowConfidence is returned when a parsed report scores below the
	// configured confidence floor.
	ErrLowConfidence = errors.New("completion confidence below threshold")
)

// Config controls the log-driven commit path.
type Config struct {
	// ValidationMode selects the memlog validator strictness. Empty
	// defaults to strict.
	ValidationMode memlog.Mode
	// MinConfidence rejects parsed reports scoring below it. Zero disables
	// the floor.
	MinConfidence float64
}

// Result reports what one commit changed. Transition is nil when the agent
// was already Waiting and only the completion row moved.
type Result struct {
	Completion *v1.TaskCompletion
	Agent      *v1.Agent
	Transition *v1.StateTransition
}

// Updater owns the task_completions table and drives the agent flip that
// accompanies every committed completion.
type Updater struct {
	cfg       Config
	store     *store.Store
	lifecycle *lifecycle.Manager
	bus       *bus.EventBus
	validator *memlog.Validator
	logger    *logger.Logger

	sub *bus.Subscription
}

// New creates an updater. The bus may be nil for callers that only need the
// transactional write path.
func New(cfg Config, st *store.Store, lm *lifecycle.Manager, b *bus.EventBus, log *logger.Logger) *Updater {
	return &Updater{
		cfg:       cfg,
		store:     st,
		lifecycle: lm,
		bus:       b,
		validator: memlog.NewValidator(cfg.ValidationMode),
		logger:    log.WithComponent("updater"),
	}
}

// Start subscribes to state_detected and commits a completion whenever a
// polled log reaches Completed. Callers that invoke UpdateTaskCompletion
// directly can skip it.
func (u *Updater) Start() error {
	sub, err := u.bus.On(events.StateDetected, u.handleStateDetected)
	if err != nil {
		return fmt.Errorf("failed to subscribe to detected states: %w", err)
	}
	u.sub = sub
	u.logger.Info("updater started", zap.String("validation_mode", string(u.validator.Mode())))
	return nil
}

// Stop removes the state_detected subscription.
func (u *Updater) Stop() {
	if u.sub != nil {
		u.sub.Unsubscribe()
		u.sub = nil
	}
	u.logger.Info("updater stopped")
}

func (u *Updater) handleStateDetected(ctx context.Context, env *bus.Envelope) (*bus.Result, error) {
	var detected poller.StateDetected
	switch data := env.Data.(type) {
	case poller.StateDetected:
		detected = data
	case *poller.StateDetected:
		detected = *data
	default:
		return nil, nil
	}
	if detected.State != v1.TaskStatusCompleted || detected.MemoryLogPath == "" {
		return nil, nil
	}
	if _, err := u.ProcessMemoryLog(ctx, detected.TaskID, detected.MemoryLogPath); err != nil {
		return nil, fmt.Errorf("failed to commit completion for task %s: %w", detected.TaskID, err)
	}
	return nil, nil
}

// ProcessMemoryLog validates and parses one memory log, then commits the
// completion it documents. taskID is the caller's hint; the log's own task
// ref wins when the two disagree.
func (u *Updater) ProcessMemoryLog(ctx context.Context, taskID, path string) (*Result, error) {
	validation, err := u.validator.ValidateFile(path)
	if err != nil {
		return nil, err
	}
	if !validation.Valid {
		u.logger.Warn("memory log failed validation",
			zap.String("task_id", taskID),
			zap.String("path", path),
			zap.Strings("errors", validation.Errors))
		return nil, fmt.Errorf("%w: %s", ErrLogInvalid, strings.Join(validation.Errors, "; "))
	}

	report, err := memlog.ParseCompletion(path)
	if err != nil {
		return nil, err
	}
	if u.cfg.MinConfidence > 0 && report.Confidence < u.cfg.MinConfidence {
		return nil, fmt.Errorf("%w: %.2f < %.2f for task %s",
			ErrLowConfidence, report.Confidence, u.cfg.MinConfidence, taskID)
	}

	completion := CompletionFromReport(report)
	if completion.TaskID == "" {
		completion.TaskID = taskID
	} else if taskID != "" && completion.TaskID != taskID {
		u.logger.Warn("memory log task ref differs from polled task",
			zap.String("polled", taskID),
			zap.String("task_ref", completion.TaskID))
	}
	return u.UpdateTaskCompletion(ctx, completion)
}

// CompletionFromReport converts parser output into the durable shape.
func CompletionFromReport(r *memlog.CompletionReport) *v1.TaskCompletion {
	return &v1.TaskCompletion{
		TaskID:       r.TaskRef,
		AgentID:      r.AgentID,
		Status:       r.Status,
		CompletedAt:  r.CompletionTimestamp,
		Deliverables: r.Deliverables,
		TestResults:  r.TestResults,
		QualityGates: r.QualityGates,
	}
}

// UpdateTaskCompletion commits one completion. In a single transaction the
// agent row is loaded, the completion row upserted, and the agent moved to
// Waiting with a transition record. An agent already Waiting keeps its state
// and only the completion row is refreshed; any other state the machine
// rejects rolls the whole commit back.
func (u *Updater) UpdateTaskCompletion(ctx context.Context, completion *v1.TaskCompletion) (*Result, error) {
	if completion == nil || completion.TaskID == "" {
		return nil, ErrMissingTaskID
	}
	if completion.AgentID == "" {
		return nil, ErrMissingAgentID
	}

	c := *completion
	if c.CompletedAt.IsZero() {
		c.CompletedAt = time.Now().UTC()
	}
	if c.Status == "" {
		c.Status = v1.TaskStatusCompleted
	}

	res := &Result{Completion: &c}
	err := u.store.Transaction(ctx, func(tx *sqlx.Tx) error {
		agent, err := u.lifecycle.GetAgentTx(ctx, tx, c.AgentID)
		if err != nil {
			return err
		}
		if err := upsertCompletion(ctx, tx, &c); err != nil {
			return err
		}
		res.Agent = agent
		if agent.Status == v1.AgentStatusWaiting {
			// Replayed completion; the upsert is idempotent and the flip
			// already happened.
			return nil
		}
		tr, err := u.lifecycle.TransitionTx(ctx, tx, agent, v1.AgentStatusWaiting, lifecycle.TransitionInput{
			Trigger: v1.TriggerAutomatic,
			Metadata: map[string]string{
				"reason": "Task completion",
				"taskId": c.TaskID,
			},
		})
		if err != nil {
			return err
		}
		res.Transition = tr
		return nil
	})
	if err != nil {
		return nil, err
	}

	u.publishCommitted(ctx, res)
	u.logger.Info("task completion committed",
		zap.String("task_id", c.TaskID),
		zap.String("agent_id", c.AgentID),
		zap.String("status", string(c.Status)),
		zap.Bool("agent_flipped", res.Transition != nil))
	return res, nil
}

// publishCommitted emits the post-commit events. Failures are logged and
// never unwind the commit. The context is detached: a caller cancelled
// right after the transaction must not silence the announcements.
func (u *Updater) publishCommitted(ctx context.Context, res *Result) {
	ctx, cancel := appctx.Detached(ctx, publishTimeout)
	defer cancel()

	u.publish(ctx, events.TaskCompletedDB, res.Completion)
	if res.Transition == nil {
		return
	}
	change := &events.AgentStateChange{
		AgentID:   res.Agent.ID,
		NewStatus: v1.AgentStatusWaiting,
		Trigger:   res.Transition.Trigger,
		Timestamp: res.Transition.Timestamp,
	}
	if res.Transition.FromState != nil {
		change.PreviousStatus = v1.AgentStatus(*res.Transition.FromState)
	}
	u.publish(ctx, events.AgentStateUpdated, change)
	u.publish(ctx, events.StateTransitionRecorded, res.Transition)
}

func (u *Updater) publish(ctx context.Context, topic string, data any) {
	if u.bus == nil {
		return
	}
	if _, err := u.bus.Publish(ctx, topic, data, bus.WithPublisher(publisherID)); err != nil {
		u.logger.Error("failed to publish commit event",
			zap.String("topic", topic), zap.Error(err))
	}
}

func upsertCompletion(ctx context.Context, tx *sqlx.Tx, c *v1.TaskCompletion) error {
	deliverables := "[]"
	if len(c.Deliverables) > 0 {
		encoded, err := json.Marshal(c.Deliverables)
		if err != nil {
			return fmt.Errorf("failed to encode deliverables: %w", err)
		}
		deliverables = string(encoded)
	}

	var testsTotal, testsPassed, coverage any
	if c.TestResults != nil {
		testsTotal = c.TestResults.Total
		testsPassed = c.TestResults.Passed
		if c.TestResults.CoveragePercent != nil {
			coverage = *c.TestResults.CoveragePercent
		}
	}
	var gateTDD, gateCommits, gateSecurity, gateCoverage any
	if c.QualityGates != nil {
		gateTDD = store.BoolToInt(c.QualityGates.TDD)
		gateCommits = store.BoolToInt(c.QualityGates.Commits)
		gateSecurity = store.BoolToInt(c.QualityGates.Security)
		gateCoverage = store.BoolToInt(c.QualityGates.Coverage)
	}

	_, err := tx.ExecContext(ctx, tx.Rebind(
		`INSERT INTO task_completions
		   (task_id, agent_id, status, completed_at, deliverables,
		    tests_total, tests_passed, coverage_percent,
		    gate_tdd, gate_commits, gate_security, gate_coverage)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (task_id) DO UPDATE SET
		   agent_id = excluded.agent_id,
		   status = excluded.status,
		   completed_at = excluded.completed_at,
		   deliverables = excluded.deliverables,
		   tests_total = excluded.tests_total,
		   tests_passed = excluded.tests_passed,
		   coverage_percent = excluded.coverage_percent,
		   gate_tdd = excluded.gate_tdd,
		   gate_commits = excluded.gate_commits,
		   gate_security = excluded.gate_security,
		   gate_coverage = excluded.gate_coverage`),
		c.TaskID, c.AgentID, string(c.Status), c.CompletedAt, deliverables,
		testsTotal, testsPassed, coverage,
		gateTDD, gateCommits, gateSecurity, gateCoverage)
	return err
}
