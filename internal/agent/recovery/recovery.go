// Package recovery detects crashed agents from stale heartbeats and
// terminates them through the lifecycle state machine.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/foremanhq/foreman/internal/agent/lifecycle"
	"github.com/foremanhq/foreman/internal/common/appctx"
	"github.com/foremanhq/foreman/internal/common/logger"
	"github.com/foremanhq/foreman/internal/events"
	"github.com/foremanhq/foreman/internal/events/bus"
	v1 "github.com/foremanhq/foreman/pkg/api/v1"
)

const (
	defaultScanInterval     = 30 * time.Second
	defaultHeartbeatTimeout = 2 * time.Minute
	defaultMaxRetryAttempts = 3
)

// ErrMaxAttempts is returned when an agent has exhausted its recovery budget.
var ErrMaxAttempts = errors.New("max recovery attempts")

// Config controls the scan cadence and crash thresholds. Zero values fall
// back to defaults.
type Config struct {
	ScanInterval     time.Duration
	HeartbeatTimeout time.Duration
	MaxRetryAttempts int
}

func (c Config) withDefaults() Config {
	if c.ScanInterval <= 0 {
		c.ScanInterval = defaultScanInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = defaultMaxRetryAttempts
	}
	return c
}

// Stats summarises recovery activity since startup.
type Stats struct {
	TotalAttempts        uint64                `json:"total_attempts"`
	SuccessfulRecoveries uint64                `json:"successful_recoveries"`
	SuccessRate          float64               `json:"success_rate"`
	LastScanAt           time.Time             `json:"last_scan_at"`
	PerAgent             map[string]AgentStats `json:"per_agent,omitempty"`
}

// AgentStats carries the per-agent recovery counters. Attempts is monotone
// for the life of the process; Consecutive resets on a successful recovery
// and gates the retry budget.
type AgentStats struct {
	Attempts    int `json:"attempts"`
	Consecutive int `json:"consecutive"`
}

// Manager periodically scans live agents and terminates any whose heartbeat
// has gone stale. Each agent carries a bounded attempt counter; a successful
// termination resets it.
type Manager struct {
	lifecycle *lifecycle.Manager
	bus       *bus.EventBus
	logger    *logger.Logger

	mu         sync.Mutex
	cfg        Config
	attempts   map[string]int
	lifetime   map[string]int
	total      uint64
	successful uint64
	lastScan   time.Time

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewManager creates a recovery manager over the given lifecycle manager.
// A nil bus disables outcome publication.
func NewManager(lm *lifecycle.Manager, cfg Config, b *bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		lifecycle: lm,
		bus:       b,
		logger:    log.WithComponent("recovery"),
		cfg:       cfg.withDefaults(),
		attempts:  make(map[string]int),
		lifetime:  make(map[string]int),
	}
}

// Start begins the background scan loop. Calling Start again without Stop
// is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)
	interval := m.cfg.ScanInterval
	m.mu.Unlock()

	m.wg.Add(1)
	go m.scanLoop(ctx)

	m.logger.Info("recovery manager started",
		zap.Duration("scan_interval", interval))
}

// Stop cancels the scan loop and waits for it to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	m.logger.Info("recovery manager stopped")
}

// SetConfig replaces the runtime configuration. The new scan interval takes
// effect on the next tick.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg.withDefaults()
}

// Config returns the current configuration.
func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Stats returns recovery counters and the derived success rate.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Stats{
		TotalAttempts:        m.total,
		SuccessfulRecoveries: m.successful,
		LastScanAt:           m.lastScan,
	}
	if m.total > 0 {
		stats.SuccessRate = float64(m.successful) / float64(m.total)
	}
	if len(m.lifetime) > 0 {
		stats.PerAgent = make(map[string]AgentStats, len(m.lifetime))
		for id, n := range m.lifetime {
			stats.PerAgent[id] = AgentStats{Attempts: n, Consecutive: m.attempts[id]}
		}
	}
	return stats
}

// Attempts returns the consecutive attempt counter for one agent. It resets
// to zero after a successful recovery.
func (m *Manager) Attempts(agentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[agentID]
}

// LifetimeAttempts returns every recovery attempt ever made for one agent,
// successful or not.
func (m *Manager) LifetimeAttempts(agentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lifetime[agentID]
}

func (m *Manager) scanLoop(ctx context.Context) {
	defer m.wg.Done()

	timer := time.NewTimer(m.Config().ScanInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			m.scan(ctx)
			timer.Reset(m.Config().ScanInterval)
		}
	}
}

// scan loads all live agents and recovers any with a stale heartbeat.
func (m *Manager) scan(ctx context.Context) {
	m.mu.Lock()
	timeout := m.cfg.HeartbeatTimeout
	m.lastScan = time.Now().UTC()
	m.mu.Unlock()

	agents, err := m.lifecycle.ListAgentsByStatus(ctx, v1.AgentStatusActive, v1.AgentStatusWaiting)
	if err != nil {
		m.logger.Error("failed to list live agents", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	for _, agent := range agents {
		stale := now.Sub(agent.LastActivityAt)
		if stale <= timeout {
			continue
		}
		if err := m.recover(ctx, agent, stale); err != nil {
			m.logger.Error("recovery failed",
				zap.String("agent_id", agent.ID),
				zap.Duration("stale_for", stale),
				zap.Error(err))
		}
	}
}

// recover terminates one crashed agent. The attempt counter is bumped first;
// an agent past its budget short-circuits to failure without touching the
// store.
func (m *Manager) recover(ctx context.Context, agent *v1.Agent, stale time.Duration) error {
	m.mu.Lock()
	m.total++
	m.attempts[agent.ID]++
	m.lifetime[agent.ID]++
	attempt := m.attempts[agent.ID]
	limit := m.cfg.MaxRetryAttempts
	m.mu.Unlock()

	if attempt > limit {
		return fmt.Errorf("%w: agent %s attempt %d of %d", ErrMaxAttempts, agent.ID, attempt, limit)
	}

	reason := fmt.Sprintf("heartbeat stale for %s", stale.Round(time.Millisecond))
	tr, err := m.lifecycle.Transition(ctx, agent.ID, v1.AgentStatusTerminated, lifecycle.TransitionInput{
		Trigger: v1.TriggerRecovery,
		Metadata: map[string]string{
			"reason": reason,
		},
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.successful++
	m.attempts[agent.ID] = 0
	m.mu.Unlock()

	m.publishOutcome(ctx, tr)
	m.logger.Warn("terminated crashed agent",
		zap.String("agent_id", agent.ID),
		zap.String("reason", reason),
		zap.Int("attempt", attempt))
	return nil
}

// publishOutcome announces a termination on the shared state topics so
// subscribers see recovery-driven flips on the same feed as completion
// ones. The transition is already committed, so the announcement runs on
// a detached context and survives a shutdown arriving mid-scan.
func (m *Manager) publishOutcome(ctx context.Context, tr *v1.StateTransition) {
	if m.bus == nil {
		return
	}
	ctx, cancel := appctx.Detached(ctx, 5*time.Second)
	defer cancel()
	change := &events.AgentStateChange{
		AgentID:   tr.EntityID,
		NewStatus: v1.AgentStatusTerminated,
		Trigger:   v1.TriggerRecovery,
		Timestamp: tr.Timestamp,
	}
	if tr.FromState != nil {
		change.PreviousStatus = v1.AgentStatus(*tr.FromState)
	}
	if _, err := m.bus.Publish(ctx, events.AgentStateUpdated, change, bus.WithPublisher("recovery-manager")); err != nil {
		m.logger.Warn("failed to publish state change", zap.Error(err))
	}
	if _, err := m.bus.Publish(ctx, events.StateTransitionRecorded, tr, bus.WithPublisher("recovery-manager")); err != nil {
		m.logger.Warn("failed to publish transition record", zap.Error(err))
	}
}
