package gitsync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/agentgw/pkg/database"
	"github.com/codeready-toolchain/agentgw/pkg/metrics"
)

func newTestScheduler(t *testing.T, opts Options) *Scheduler {
	t.Helper()
	client, err := database.NewClient(context.Background(), database.Config{
		Path:        ":memory:",
		AutoMigrate: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return NewScheduler(client, opts, nil, nil, nil)
}

func queueOp(t *testing.T, s *Scheduler, repo, branch string, priority int) *Operation {
	t.Helper()
	op, err := s.Queue(context.Background(), Request{
		RepositoryID: repo,
		AgentID:      "agent1",
		Operation:    OpPush,
		Branch:       branch,
		Priority:     priority,
	})
	require.NoError(t, err)
	return op
}

func TestQueueAutoStartsBelowCap(t *testing.T) {
	s := newTestScheduler(t, Options{MaxConcurrentOps: 3})

	op := queueOp(t, s, "repo1", "main", 0)
	assert.Equal(t, StatusRunning, op.Status)
	assert.NotNil(t, op.StartedAt)
}

func TestQueueValidation(t *testing.T) {
	s := newTestScheduler(t, Options{})
	ctx := context.Background()

	_, err := s.Queue(ctx, Request{AgentID: "a", Operation: OpPull, Branch: "b"})
	assert.Error(t, err)
	_, err = s.Queue(ctx, Request{RepositoryID: "r", AgentID: "a", Operation: "clone", Branch: "b"})
	assert.Error(t, err)
}

func TestConcurrencyCapAndDrain(t *testing.T) {
	s := newTestScheduler(t, Options{MaxConcurrentOps: 3})
	ctx := context.Background()

	// Five ops on distinct branches: exactly 3 run, 2 queue.
	ops := make([]*Operation, 5)
	for i, branch := range []string{"b1", "b2", "b3", "b4", "b5"} {
		ops[i] = queueOp(t, s, "repo1", branch, 0)
	}
	assert.Len(t, s.GetRunning("repo1"), 3)
	assert.Len(t, s.GetQueued("repo1"), 2)
	assert.Equal(t, StatusQueued, ops[3].Status)

	// Completing one running op promotes exactly one queued op.
	_, err := s.Complete(ctx, ops[0].ID, json.RawMessage(`{"success":true}`))
	require.NoError(t, err)
	assert.Len(t, s.GetRunning("repo1"), 3)
	assert.Len(t, s.GetQueued("repo1"), 1)
}

func TestOneRunningPerBranch(t *testing.T) {
	s := newTestScheduler(t, Options{MaxConcurrentOps: 3})
	ctx := context.Background()

	first := queueOp(t, s, "repo1", "main", 0)
	second := queueOp(t, s, "repo1", "main", 5)

	// Same branch: the second stays queued despite free slots and higher
	// priority.
	assert.Equal(t, StatusRunning, first.Status)
	assert.Equal(t, StatusQueued, second.Status)
	assert.Len(t, s.GetRunning("repo1"), 1)

	_, err := s.Complete(ctx, first.ID, nil)
	require.NoError(t, err)

	got, err := s.GetOperation(second.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
}

func TestPriorityOrderWithFIFOTieBreak(t *testing.T) {
	s := newTestScheduler(t, Options{MaxConcurrentOps: 1})
	ctx := context.Background()

	blocker := queueOp(t, s, "repo1", "main", 0)
	low := queueOp(t, s, "repo1", "b-low", 1)
	tieA := queueOp(t, s, "repo1", "b-tie-a", 5)
	tieB := queueOp(t, s, "repo1", "b-tie-b", 5)

	// Highest priority first; FIFO within the same priority.
	order := []string{tieA.ID, tieB.ID, low.ID}
	current := blocker.ID
	for _, want := range order {
		_, err := s.Complete(ctx, current, nil)
		require.NoError(t, err)
		running := s.GetRunning("repo1")
		require.Len(t, running, 1)
		assert.Equal(t, want, running[0].ID)
		current = running[0].ID
	}
}

func TestFailRetriesRetryableErrors(t *testing.T) {
	s := newTestScheduler(t, Options{
		MaxConcurrentOps: 1,
		MaxAttempts:      3,
		BaseRetryDelay:   10 * time.Millisecond,
		MaxRetryDelay:    50 * time.Millisecond,
	})
	ctx := context.Background()

	op := queueOp(t, s, "repo1", "feature/x", 0)
	require.Equal(t, StatusRunning, op.Status)

	decision, err := s.Fail(ctx, op.ID, "Connection refused: Could not resolve host")
	require.NoError(t, err)
	assert.True(t, decision.WillRetry)
	require.NotNil(t, decision.NextAttemptAt)
	assert.True(t, decision.NextAttemptAt.After(time.Now().Add(-time.Millisecond)))

	got, err := s.GetOperation(op.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Equal(t, 2, got.Attempt)
	assert.Equal(t, CodeNetwork, got.Error.Code)

	// After the backoff lapses the op starts again and can complete.
	require.Eventually(t, func() bool {
		got, err := s.GetOperation(op.ID)
		return err == nil && got.Status == StatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	completed, err := s.Complete(ctx, op.ID, json.RawMessage(`{"success":true}`))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, completed.Status)

	history, err := s.GetHistory(ctx, "repo1", HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, op.ID, history[0].ID)
	assert.Equal(t, StatusCompleted, history[0].Status)
}

func TestFailDoesNotRetryConflicts(t *testing.T) {
	s := newTestScheduler(t, Options{MaxConcurrentOps: 1})
	ctx := context.Background()

	op := queueOp(t, s, "repo1", "main", 0)
	decision, err := s.Fail(ctx, op.ID, "CONFLICT (content): Automatic merge failed")
	require.NoError(t, err)
	assert.False(t, decision.WillRetry)

	got, err := s.GetOperation(op.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, CodeConflict, got.Error.Code)
}

func TestFailAtMaxAttemptsNeverRetries(t *testing.T) {
	s := newTestScheduler(t, Options{
		MaxConcurrentOps: 1,
		MaxAttempts:      2,
		BaseRetryDelay:   time.Millisecond,
		MaxRetryDelay:    2 * time.Millisecond,
	})
	ctx := context.Background()

	op := queueOp(t, s, "repo1", "main", 0)
	decision, err := s.Fail(ctx, op.ID, "network unreachable")
	require.NoError(t, err)
	require.True(t, decision.WillRetry)

	require.Eventually(t, func() bool {
		got, err := s.GetOperation(op.ID)
		return err == nil && got.Status == StatusRunning
	}, 2*time.Second, 5*time.Millisecond)

	// Retryable error text, but attempt == maxAttempts: terminal.
	decision, err = s.Fail(ctx, op.ID, "network unreachable")
	require.NoError(t, err)
	assert.False(t, decision.WillRetry)

	got, err := s.GetOperation(op.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 2, got.Attempt)
}

func TestCancelSemantics(t *testing.T) {
	s := newTestScheduler(t, Options{MaxConcurrentOps: 1})
	ctx := context.Background()

	running := queueOp(t, s, "repo1", "main", 0)
	queued := queueOp(t, s, "repo1", "other", 0)

	// Wrong agent is refused.
	_, err := s.Cancel(ctx, running.ID, "intruder")
	assert.Error(t, err)

	// Owner cancels the running op; the queued one is promoted.
	ok, err := s.Cancel(ctx, running.ID, "agent1")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetOperation(queued.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)

	// Cancel is a no-op on terminal status.
	ok, err = s.Cancel(ctx, running.ID, "agent1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompleteAfterCancelIsNoOp(t *testing.T) {
	s := newTestScheduler(t, Options{MaxConcurrentOps: 1})
	ctx := context.Background()

	op := queueOp(t, s, "repo1", "main", 0)
	ok, err := s.Cancel(ctx, op.ID, "agent1")
	require.NoError(t, err)
	require.True(t, ok)

	// The cancel committed first; complete loses the race quietly.
	got, err := s.Complete(ctx, op.ID, json.RawMessage(`{"success":true}`))
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestStatsAndRing(t *testing.T) {
	s := newTestScheduler(t, Options{MaxConcurrentOps: 2, HistoryRingSize: 2})
	ctx := context.Background()

	a := queueOp(t, s, "repo1", "b1", 0)
	b := queueOp(t, s, "repo1", "b2", 0)
	c := queueOp(t, s, "repo1", "b3", 0)

	_, err := s.Complete(ctx, a.ID, nil)
	require.NoError(t, err)
	_, err = s.Fail(ctx, b.ID, "permission denied")
	require.NoError(t, err)
	_, err = s.Cancel(ctx, c.ID, "agent1")
	require.NoError(t, err)

	stats := s.GetQueueStats("repo1")
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Cancelled)
	assert.Zero(t, stats.Queued)
	assert.Zero(t, stats.Running)

	// Ring is bounded to the newest two terminal ops.
	recent := s.GetRecent("repo1")
	require.Len(t, recent, 2)

	global := s.GetGlobalStats()
	assert.Equal(t, 1, global.Repositories)
	assert.Equal(t, 1, global.Completed)
}

func TestPurgeHistory(t *testing.T) {
	s := newTestScheduler(t, Options{MaxConcurrentOps: 1})
	ctx := context.Background()

	op := queueOp(t, s, "repo1", "main", 0)
	_, err := s.Complete(ctx, op.ID, nil)
	require.NoError(t, err)

	n, err := s.PurgeHistory(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	history, err := s.GetHistory(ctx, "repo1", HistoryFilter{})
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestTerminalTransitionsRecordMetrics(t *testing.T) {
	s := newTestScheduler(t, Options{MaxConcurrentOps: 2, MaxAttempts: 1})
	m := metrics.New()
	s.SetMetrics(m)

	op1 := queueOp(t, s, "repo1", "main", 0)
	_, err := s.Complete(context.Background(), op1.ID, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SyncOps.WithLabelValues("completed")))

	op2 := queueOp(t, s, "repo1", "dev", 0)
	decision, err := s.Fail(context.Background(), op2.ID, "merge conflict in README.md")
	require.NoError(t, err)
	require.False(t, decision.WillRetry)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SyncOps.WithLabelValues("failed")))

	op3 := queueOp(t, s, "repo2", "main", 0)
	cancelled, err := s.Cancel(context.Background(), op3.ID, "agent1")
	require.NoError(t, err)
	require.True(t, cancelled)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SyncOps.WithLabelValues("cancelled")))
}
