// Package lifecycle persists agent state and enforces the transition rules
// between statuses. The transition log is append-only and authoritative; the
// agent row is a derived cache updated in the same transaction.
package lifecycle

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/foremanhq/foreman/internal/common/logger"
	"github.com/foremanhq/foreman/internal/store"
	v1 "github.com/foremanhq/foreman/pkg/api/v1"
)

var (
	// ErrAgentNotFound is returned when no agent row exists for the given id.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrAgentExists is returned when creating an agent with a taken id.
	ErrAgentExists = errors.New("agent already exists")
	// ErrInvalidTransition is returned before any write when the requested
	// status change is not permitted by the state machine.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// validTransitions encodes the permitted status changes. Terminated admits
// none.
var validTransitions = map[v1.AgentStatus]map[v1.AgentStatus]bool{
	v1.AgentStatusSpawning: {
		v1.AgentStatusActive:     true,
		v1.AgentStatusTerminated: true,
	},
	v1.AgentStatusActive: {
		v1.AgentStatusWaiting:    true,
		v1.AgentStatusIdle:       true,
		v1.AgentStatusTerminated: true,
	},
	v1.AgentStatusWaiting: {
		v1.AgentStatusActive:     true,
		v1.AgentStatusTerminated: true,
	},
	v1.AgentStatusIdle: {
		v1.AgentStatusActive:     true,
		v1.AgentStatusTerminated: true,
	},
	v1.AgentStatusTerminated: {},
}

// CanTransition reports whether the state machine permits from → to.
func CanTransition(from, to v1.AgentStatus) bool {
	return validTransitions[from][to]
}

// clearsTask reports whether entering the status forces currentTask to nil.
func clearsTask(status v1.AgentStatus) bool {
	switch status {
	case v1.AgentStatusWaiting, v1.AgentStatusIdle, v1.AgentStatusTerminated:
		return true
	default:
		return false
	}
}

// agentRow mirrors the agents table.
type agentRow struct {
	ID             string         `db:"id"`
	AgentType      string         `db:"agent_type"`
	Status         string         `db:"status"`
	CurrentTask    sql.NullString `db:"current_task"`
	Domain         sql.NullString `db:"domain"`
	SpawnedAt      time.Time      `db:"spawned_at"`
	LastActivityAt time.Time      `db:"last_activity_at"`
	Metadata       string         `db:"metadata"`
}

func (r *agentRow) toAgent() (*v1.Agent, error) {
	agent := &v1.Agent{
		ID:             r.ID,
		Type:           v1.AgentType(r.AgentType),
		Status:         v1.AgentStatus(r.Status),
		SpawnedAt:      r.SpawnedAt,
		LastActivityAt: r.LastActivityAt,
	}
	if r.CurrentTask.Valid {
		task := r.CurrentTask.String
		agent.CurrentTask = &task
	}
	if r.Domain.Valid {
		domain := r.Domain.String
		agent.Domain = &domain
	}
	if r.Metadata != "" {
		if err := json.Unmarshal([]byte(r.Metadata), &agent.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode agent metadata: %w", err)
		}
	}
	return agent, nil
}

// transitionRow mirrors the state_transitions table.
type transitionRow struct {
	ID          string         `db:"id"`
	EntityType  string         `db:"entity_type"`
	EntityID    string         `db:"entity_id"`
	FromState   sql.NullString `db:"from_state"`
	ToState     string         `db:"to_state"`
	OccurredAt  time.Time      `db:"occurred_at"`
	TriggerType string         `db:"trigger_type"`
	Metadata    string         `db:"metadata"`
}

func (r *transitionRow) toTransition() (*v1.StateTransition, error) {
	tr := &v1.StateTransition{
		ID:         r.ID,
		EntityType: v1.EntityType(r.EntityType),
		EntityID:   r.EntityID,
		ToState:    r.ToState,
		Timestamp:  r.OccurredAt,
		Trigger:    v1.Trigger(r.TriggerType),
	}
	if r.FromState.Valid {
		from := r.FromState.String
		tr.FromState = &from
	}
	if r.Metadata != "" && r.Metadata != "{}" {
		if err := json.Unmarshal([]byte(r.Metadata), &tr.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode transition metadata: %w", err)
		}
	}
	return tr, nil
}

// Manager owns agent rows and the agent transition log.
type Manager struct {
	store  *store.Store
	logger *logger.Logger
}

// NewManager creates a lifecycle manager backed by the given store.
func NewManager(st *store.Store, log *logger.Logger) *Manager {
	return &Manager{
		store:  st,
		logger: log.WithComponent("lifecycle"),
	}
}

// CreateAgentInput describes a new agent. ID is generated when empty.
type CreateAgentInput struct {
	ID       string
	Type     v1.AgentType
	Domain   *string
	Metadata v1.AgentMetadata
}

// CreateAgent inserts the agent row in status Spawning and records the
// creation transition (nil → Spawning) in the same transaction.
func (m *Manager) CreateAgent(ctx context.Context, in CreateAgentInput) (*v1.Agent, error) {
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()

	metadata, err := json.Marshal(in.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode agent metadata: %w", err)
	}

	agent := &v1.Agent{
		ID:             id,
		Type:           in.Type,
		Status:         v1.AgentStatusSpawning,
		Domain:         in.Domain,
		SpawnedAt:      now,
		LastActivityAt: now,
		Metadata:       in.Metadata,
	}

	err = m.store.Transaction(ctx, func(tx *sqlx.Tx) error {
		var exists int
		err := tx.GetContext(ctx, &exists,
			tx.Rebind(`SELECT COUNT(*) FROM agents WHERE id = ?`), id)
		if err != nil {
			return err
		}
		if exists > 0 {
			return fmt.Errorf("%w: %s", ErrAgentExists, id)
		}

		var domain any
		if in.Domain != nil {
			domain = *in.Domain
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO agents (id, agent_type, status, current_task, domain, spawned_at, last_activity_at, metadata)
			 VALUES (?, ?, ?, NULL, ?, ?, ?, ?)`),
			id, string(in.Type), string(v1.AgentStatusSpawning), domain, now, now, string(metadata))
		if err != nil {
			return err
		}

		return m.insertTransition(ctx, tx, &v1.StateTransition{
			ID:         uuid.NewString(),
			EntityType: v1.EntityTypeAgent,
			EntityID:   id,
			FromState:  nil,
			ToState:    string(v1.AgentStatusSpawning),
			Timestamp:  now,
			Trigger:    v1.TriggerAutomatic,
		})
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("agent created",
		zap.String("agent_id", id),
		zap.String("agent_type", string(in.Type)))
	return agent, nil
}

// GetAgent loads one agent by id.
func (m *Manager) GetAgent(ctx context.Context, id string) (*v1.Agent, error) {
	var row agentRow
	err := m.store.Get(ctx, &row, `SELECT * FROM agents WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return row.toAgent()
}

// GetAgentTx loads one agent inside an open transaction.
func (m *Manager) GetAgentTx(ctx context.Context, tx *sqlx.Tx, id string) (*v1.Agent, error) {
	var row agentRow
	err := tx.GetContext(ctx, &row, tx.Rebind(`SELECT * FROM agents WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return row.toAgent()
}

// ListAgents returns all agents ordered by spawn time.
func (m *Manager) ListAgents(ctx context.Context) ([]*v1.Agent, error) {
	var rows []agentRow
	err := m.store.Select(ctx, &rows, `SELECT * FROM agents ORDER BY spawned_at, id`)
	if err != nil {
		return nil, err
	}
	return rowsToAgents(rows)
}

// ListAgentsByStatus returns agents in any of the given statuses.
func (m *Manager) ListAgentsByStatus(ctx context.Context, statuses ...v1.AgentStatus) ([]*v1.Agent, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}
	query, args, err := sqlx.In(`SELECT * FROM agents WHERE status IN (?) ORDER BY spawned_at, id`, values)
	if err != nil {
		return nil, err
	}
	var rows []agentRow
	if err := m.store.Select(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return rowsToAgents(rows)
}

func rowsToAgents(rows []agentRow) ([]*v1.Agent, error) {
	agents := make([]*v1.Agent, 0, len(rows))
	for i := range rows {
		agent, err := rows[i].toAgent()
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, nil
}

// TransitionInput carries the cause and side data of a status change.
type TransitionInput struct {
	Trigger  v1.Trigger
	Task     *string
	Metadata map[string]string
}

// Transition validates and applies a status change for the agent. The agent
// row update and the transition-log append happen in one transaction; an
// invalid transition fails before either write.
func (m *Manager) Transition(ctx context.Context, agentID string, to v1.AgentStatus, in TransitionInput) (*v1.StateTransition, error) {
	var recorded *v1.StateTransition
	err := m.store.Transaction(ctx, func(tx *sqlx.Tx) error {
		agent, err := m.GetAgentTx(ctx, tx, agentID)
		if err != nil {
			return err
		}
		recorded, err = m.TransitionTx(ctx, tx, agent, to, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	return recorded, nil
}

// TransitionTx applies a status change inside an open transaction. The
// caller provides the freshly loaded agent; composition with other writes
// (completion upserts) keeps the pairing atomic.
func (m *Manager) TransitionTx(ctx context.Context, tx *sqlx.Tx, agent *v1.Agent, to v1.AgentStatus, in TransitionInput) (*v1.StateTransition, error) {
	if !CanTransition(agent.Status, to) {
		return nil, fmt.Errorf("%w: %s → %s for agent %s", ErrInvalidTransition, agent.Status, to, agent.ID)
	}

	trigger := in.Trigger
	if trigger == "" {
		trigger = v1.TriggerAutomatic
	}
	now := time.Now().UTC()

	var task any
	switch {
	case clearsTask(to):
		task = nil
	case in.Task != nil:
		task = *in.Task
	case agent.CurrentTask != nil:
		task = *agent.CurrentTask
	}

	_, err := tx.ExecContext(ctx, tx.Rebind(
		`UPDATE agents SET status = ?, current_task = ?, last_activity_at = ? WHERE id = ?`),
		string(to), task, now, agent.ID)
	if err != nil {
		return nil, err
	}

	from := string(agent.Status)
	tr := &v1.StateTransition{
		ID:         uuid.NewString(),
		EntityType: v1.EntityTypeAgent,
		EntityID:   agent.ID,
		FromState:  &from,
		ToState:    string(to),
		Timestamp:  now,
		Trigger:    trigger,
		Metadata:   in.Metadata,
	}
	if err := m.insertTransition(ctx, tx, tr); err != nil {
		return nil, err
	}

	agent.Status = to
	agent.LastActivityAt = now
	switch v := task.(type) {
	case string:
		agent.CurrentTask = &v
	default:
		agent.CurrentTask = nil
	}

	m.logger.Debug("agent transitioned",
		zap.String("agent_id", agent.ID),
		zap.String("from", from),
		zap.String("to", string(to)),
		zap.String("trigger", string(trigger)))
	return tr, nil
}

func (m *Manager) insertTransition(ctx context.Context, tx *sqlx.Tx, tr *v1.StateTransition) error {
	metadata := "{}"
	if len(tr.Metadata) > 0 {
		encoded, err := json.Marshal(tr.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode transition metadata: %w", err)
		}
		metadata = string(encoded)
	}
	var from any
	if tr.FromState != nil {
		from = *tr.FromState
	}
	_, err := tx.ExecContext(ctx, tx.Rebind(
		`INSERT INTO state_transitions (id, entity_type, entity_id, from_state, to_state, occurred_at, trigger_type, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		tr.ID, string(tr.EntityType), tr.EntityID, from, tr.ToState, tr.Timestamp, string(tr.Trigger), metadata)
	return err
}

// UpdateHeartbeat sets lastActivityAt to now without recording a transition.
// The column never moves backwards; a stale clock is ignored.
func (m *Manager) UpdateHeartbeat(ctx context.Context, agentID string) error {
	now := time.Now().UTC()
	result, err := m.store.Execute(ctx,
		`UPDATE agents SET last_activity_at = ? WHERE id = ? AND last_activity_at <= ?`,
		now, agentID, now)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Either the agent is missing or its recorded activity is newer.
		if _, err := m.GetAgent(ctx, agentID); err != nil {
			return err
		}
	}
	return nil
}

// History returns the agent's transitions in chronological order.
func (m *Manager) History(ctx context.Context, agentID string) ([]*v1.StateTransition, error) {
	var rows []transitionRow
	err := m.store.Select(ctx, &rows,
		`SELECT * FROM state_transitions WHERE entity_type = ? AND entity_id = ? ORDER BY occurred_at, id`,
		string(v1.EntityTypeAgent), agentID)
	if err != nil {
		return nil, err
	}
	transitions := make([]*v1.StateTransition, 0, len(rows))
	for i := range rows {
		tr, err := rows[i].toTransition()
		if err != nil {
			return nil, err
		}
		transitions = append(transitions, tr)
	}
	return transitions, nil
}
