package poller

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/foremanhq/foreman/internal/common/logger"
	"github.com/foremanhq/foreman/internal/events"
	"github.com/foremanhq/foreman/internal/events/bus"
	"github.com/foremanhq/foreman/internal/monitor/watcher"
	v1 "github.com/foremanhq/foreman/pkg/api/v1"
)

type pollFeed struct {
	started  chan PollStarted
	detected chan StateDetected
	errors   chan PollError
	acks     chan ExternalChange
}

func newTestPoller(t *testing.T, cfg Config) (*Poller, *bus.EventBus, *pollFeed) {
	t.Helper()
	b := bus.NewEventBus(logger.Default())
	t.Cleanup(b.Shutdown)

	feed := &pollFeed{
		started:  make(chan PollStarted, 64),
		detected: make(chan StateDetected, 16),
		errors:   make(chan PollError, 16),
		acks:     make(chan ExternalChange, 16),
	}
	subscribe := func(topic string, fn func(env *bus.Envelope)) {
		_, err := b.On(topic, func(ctx context.Context, env *bus.Envelope) (*bus.Result, error) {
			fn(env)
			return nil, nil
		})
		require.NoError(t, err)
	}
	subscribe(events.PollStarted, func(env *bus.Envelope) { feed.started <- env.Data.(PollStarted) })
	subscribe(events.StateDetected, func(env *bus.Envelope) { feed.detected <- env.Data.(StateDetected) })
	subscribe(events.PollError, func(env *bus.Envelope) { feed.errors <- env.Data.(PollError) })
	subscribe(events.FileDetected, func(env *bus.Envelope) { feed.acks <- env.Data.(ExternalChange) })

	p := New(cfg, b, logger.Default())
	t.Cleanup(p.Stop)
	return p, b, feed
}

func writeStatusLog(t *testing.T, path, status string) {
	t.Helper()
	content := fmt.Sprintf(`---
agent: worker-a
task_ref: "1.1"
status: %s
---

## Summary
Polling fixture.
`, status)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func waitDetected(t *testing.T, feed *pollFeed, timeout time.Duration) StateDetected {
	t.Helper()
	select {
	case d := <-feed.detected:
		return d
	case <-time.After(timeout):
		require.FailNow(t, "timed out waiting for state_detected")
		return StateDetected{}
	}
}

func waitError(t *testing.T, feed *pollFeed, timeout time.Duration) PollError {
	t.Helper()
	select {
	case e := <-feed.errors:
		return e
	case <-time.After(timeout):
		require.FailNow(t, "timed out waiting for poll_error")
		return PollError{}
	}
}

func drainStarted(feed *pollFeed) {
	for {
		select {
		case <-feed.started:
		default:
			return
		}
	}
}

func TestPoller_FirstPollEmitsBaseline(t *testing.T) {
	p, _, feed := newTestPoller(t, Config{ActiveInterval: 30 * time.Millisecond})
	path := filepath.Join(t.TempDir(), "Task_1_1_log.md")
	writeStatusLog(t, path, "In Progress")

	require.NoError(t, p.StartPolling("1.1", path, CadenceActive))

	select {
	case <-feed.started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for poll_started")
	}

	d := waitDetected(t, feed, 2*time.Second)
	require.Equal(t, "1.1", d.TaskID)
	require.Equal(t, v1.TaskStatusInProgress, d.State)
	require.Nil(t, d.ChangedFrom, "baseline detection has no previous state")

	state, err := p.State("1.1")
	require.NoError(t, err)
	require.GreaterOrEqual(t, state.PollCount, 1)
	require.NotNil(t, state.LastDetectedState)
	require.Equal(t, v1.TaskStatusInProgress, *state.LastDetectedState)
	require.NotNil(t, state.LastPollTime)
}

func TestPoller_DetectsStatusChange(t *testing.T) {
	p, _, feed := newTestPoller(t, Config{ActiveInterval: 25 * time.Millisecond})
	path := filepath.Join(t.TempDir(), "Task_1_2_log.md")
	writeStatusLog(t, path, "In Progress")

	require.NoError(t, p.StartPolling("1.2", path, CadenceActive))
	waitDetected(t, feed, 2*time.Second)

	writeStatusLog(t, path, "Completed")
	d := waitDetected(t, feed, 2*time.Second)
	require.Equal(t, v1.TaskStatusCompleted, d.State)
	require.NotNil(t, d.ChangedFrom)
	require.Equal(t, v1.TaskStatusInProgress, *d.ChangedFrom)
}

func TestPoller_CompletedWidensInterval(t *testing.T) {
	p, _, feed := newTestPoller(t, Config{
		ActiveInterval:    20 * time.Millisecond,
		CompletedInterval: 500 * time.Millisecond,
	})
	path := filepath.Join(t.TempDir(), "Task_2_1_log.md")
	writeStatusLog(t, path, "Completed")

	require.NoError(t, p.StartPolling("2.1", path, CadenceActive))

	d := waitDetected(t, feed, 2*time.Second)
	require.Equal(t, v1.TaskStatusCompleted, d.State)

	state, err := p.State("2.1")
	require.NoError(t, err)
	require.Equal(t, 500*time.Millisecond, state.PollingInterval)

	// The next poll sits half a second out now.
	drainStarted(feed)
	select {
	case <-feed.started:
		t.Fatal("poll fired during the widened interval")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestPoller_RetryLadderThenRecovery(t *testing.T) {
	p, _, feed := newTestPoller(t, Config{
		ActiveInterval: 30 * time.Millisecond,
		RetryDelays:    []time.Duration{20 * time.Millisecond, 40 * time.Millisecond, 80 * time.Millisecond},
		MaxRetries:     3,
	})
	dir := t.TempDir()
	path := filepath.Join(dir, "Task_3_1_log.md")

	require.NoError(t, p.StartPolling("3.1", path, CadenceActive))

	// Ladder: 1, 2, then 3 resets the counter, then 1 again.
	for _, want := range []int{1, 2, 3, 1} {
		e := waitError(t, feed, 2*time.Second)
		require.Equal(t, "3.1", e.TaskID)
		require.Equal(t, want, e.RetryAttempt)
	}

	writeStatusLog(t, path, "Blocked")
	d := waitDetected(t, feed, 2*time.Second)
	require.Equal(t, v1.TaskStatusBlocked, d.State)

	state, err := p.State("3.1")
	require.NoError(t, err)
	require.Equal(t, 0, state.RetryAttempt)
}

func TestPoller_PauseSkipsWork(t *testing.T) {
	p, _, feed := newTestPoller(t, Config{ActiveInterval: 30 * time.Millisecond})
	path := filepath.Join(t.TempDir(), "Task_4_1_log.md")
	writeStatusLog(t, path, "In Progress")

	require.NoError(t, p.StartPolling("4.1", path, CadenceActive))
	waitDetected(t, feed, 2*time.Second)

	require.NoError(t, p.PauseTask("4.1"))
	time.Sleep(50 * time.Millisecond) // let an in-flight poll finish
	drainStarted(feed)
	select {
	case <-feed.started:
		t.Fatal("paused task still polled")
	case <-time.After(150 * time.Millisecond):
	}

	require.NoError(t, p.ResumeTask("4.1"))
	select {
	case <-feed.started:
	case <-time.After(2 * time.Second):
		t.Fatal("resumed task never polled")
	}

	// Global pause behaves the same without per-task flags.
	p.PauseAll()
	time.Sleep(50 * time.Millisecond)
	drainStarted(feed)
	select {
	case <-feed.started:
		t.Fatal("globally paused poller still polled")
	case <-time.After(150 * time.Millisecond):
	}
	p.ResumeAll()
	select {
	case <-feed.started:
	case <-time.After(2 * time.Second):
		t.Fatal("globally resumed poller never polled")
	}
}

func TestPoller_ExternalChangeResetsQuiescence(t *testing.T) {
	p, b, feed := newTestPoller(t, Config{ActiveInterval: 20 * time.Millisecond})
	require.NoError(t, p.Start())
	path := filepath.Join(t.TempDir(), "Task_5_1_log.md")
	writeStatusLog(t, path, "In Progress")

	require.NoError(t, p.StartPolling("5.1", path, CadenceActive))
	waitDetected(t, feed, 2*time.Second)

	require.Eventually(t, func() bool {
		state, err := p.State("5.1")
		return err == nil && state.ConsecutiveUnchangedPolls >= 2
	}, 2*time.Second, 10*time.Millisecond)

	// Freeze the counter, then reset it through the watcher topic.
	require.NoError(t, p.PauseTask("5.1"))
	_, err := b.Publish(context.Background(), events.FileEvent,
		watcher.Event{Type: watcher.EventChange, Path: path, Timestamp: time.Now().UTC()})
	require.NoError(t, err)

	select {
	case ack := <-feed.acks:
		require.Equal(t, "5.1", ack.TaskID)
		require.Equal(t, path, ack.FilePath)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for file_detected")
	}
	state, err := p.State("5.1")
	require.NoError(t, err)
	require.Equal(t, 0, state.ConsecutiveUnchangedPolls)
}

func TestPoller_StatusCacheFollowsModTime(t *testing.T) {
	p, _, _ := newTestPoller(t, Config{})
	path := filepath.Join(t.TempDir(), "Task_6_1_log.md")
	writeStatusLog(t, path, "In Progress")

	status, err := p.readStatus(path)
	require.NoError(t, err)
	require.Equal(t, v1.TaskStatusInProgress, status)

	// Rewriting but pinning the old mtime serves the memoized status.
	info, err := os.Stat(path)
	require.NoError(t, err)
	writeStatusLog(t, path, "Completed")
	require.NoError(t, os.Chtimes(path, info.ModTime(), info.ModTime()))

	status, err = p.readStatus(path)
	require.NoError(t, err)
	require.Equal(t, v1.TaskStatusInProgress, status)

	// A moving mtime invalidates the memo.
	future := info.ModTime().Add(time.Second)
	require.NoError(t, os.Chtimes(path, future, future))
	status, err = p.readStatus(path)
	require.NoError(t, err)
	require.Equal(t, v1.TaskStatusCompleted, status)
}

func TestPoller_RegistrationErrors(t *testing.T) {
	p, _, _ := newTestPoller(t, Config{ActiveInterval: time.Minute})
	path := filepath.Join(t.TempDir(), "Task_7_1_log.md")

	require.NoError(t, p.StartPolling("7.1", path, CadenceActive))
	require.ErrorIs(t, p.StartPolling("7.1", path, CadenceActive), ErrTaskAlreadyPolled)

	require.ErrorIs(t, p.StopPolling("ghost"), ErrTaskNotPolled)
	require.ErrorIs(t, p.PauseTask("ghost"), ErrTaskNotPolled)
	_, err := p.State("ghost")
	require.ErrorIs(t, err, ErrTaskNotPolled)

	require.Error(t, p.StartPolling("7.2", path, Cadence("bogus")))

	state, err := p.State("7.1")
	require.NoError(t, err)
	require.Equal(t, time.Minute, state.PollingInterval)
}

func TestPoller_CadenceSelectsInterval(t *testing.T) {
	p, _, _ := newTestPoller(t, Config{
		ActiveInterval:    time.Minute,
		QueuedInterval:    2 * time.Minute,
		CompletedInterval: 3 * time.Minute,
	})
	path := filepath.Join(t.TempDir(), "log.md")

	require.NoError(t, p.StartPolling("a", path, CadenceActive))
	require.NoError(t, p.StartPolling("q", path, CadenceQueued))
	require.NoError(t, p.StartPolling("c", path, CadenceCompleted))

	states := p.States()
	require.Len(t, states, 3)
	require.Equal(t, "a", states[0].TaskID)
	require.Equal(t, time.Minute, states[0].PollingInterval)
	require.Equal(t, 2*time.Minute, states[1].PollingInterval)
	require.Equal(t, 3*time.Minute, states[2].PollingInterval)
}

func TestPoller_StopPollingSilencesTask(t *testing.T) {
	p, _, feed := newTestPoller(t, Config{ActiveInterval: 20 * time.Millisecond})
	path := filepath.Join(t.TempDir(), "Task_8_1_log.md")
	writeStatusLog(t, path, "In Progress")

	require.NoError(t, p.StartPolling("8.1", path, CadenceActive))
	waitDetected(t, feed, 2*time.Second)

	require.NoError(t, p.StopPolling("8.1"))
	time.Sleep(50 * time.Millisecond)
	drainStarted(feed)
	select {
	case <-feed.started:
		t.Fatal("stopped task still polled")
	case <-time.After(150 * time.Millisecond):
	}
	require.Empty(t, p.States())
}
