package gitsync

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/codeready-toolchain/agentgw/pkg/correlation"
	"github.com/codeready-toolchain/agentgw/pkg/database"
	"github.com/codeready-toolchain/agentgw/pkg/eventlog"
	"github.com/codeready-toolchain/agentgw/pkg/gatewayerr"
	"github.com/codeready-toolchain/agentgw/pkg/ids"
	"github.com/codeready-toolchain/agentgw/pkg/metrics"
)

// EventPublisher is the hub surface the scheduler needs. Nil disables
// event publication.
type EventPublisher interface {
	Publish(ctx context.Context, channel, messageType string, data json.RawMessage) (eventlog.AppendResult, error)
}

// StartFunc is invoked (on its own goroutine) whenever an operation
// transitions to running. The executor performs the git work and reports
// back through Complete or Fail.
type StartFunc func(op *Operation)

// Options tunes the scheduler.
type Options struct {
	MaxConcurrentOps     int
	MaxAttempts          int
	BaseRetryDelay       time.Duration
	MaxRetryDelay        time.Duration
	RateLimitDelayFactor int
	HistoryRingSize      int
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrentOps <= 0 {
		o.MaxConcurrentOps = 3
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseRetryDelay <= 0 {
		o.BaseRetryDelay = 2 * time.Second
	}
	if o.MaxRetryDelay <= 0 {
		o.MaxRetryDelay = 5 * time.Minute
	}
	if o.RateLimitDelayFactor <= 0 {
		o.RateLimitDelayFactor = 4
	}
	if o.HistoryRingSize <= 0 {
		o.HistoryRingSize = 100
	}
	return o
}

// repoState is one repository's scheduler shard.
type repoState struct {
	queued  []*Operation
	running map[string]*Operation

	ring []*Operation // most recent terminal ops, bounded

	completed int
	failed    int
	cancelled int
}

func (rs *repoState) branchRunning(branch string) bool {
	for _, op := range rs.running {
		if op.Branch == branch {
			return true
		}
	}
	return false
}

// Scheduler is the git-sync queue. All state transitions happen under mu;
// persistence and event publication happen after the lock is released.
type Scheduler struct {
	opts      Options
	history   *historyStore
	publisher EventPublisher
	start     StartFunc
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu    sync.Mutex
	ops   map[string]*Operation
	repos map[string]*repoState
}

// NewScheduler wires the scheduler. start may be nil when an external
// worker polls for running ops instead of being pushed to.
func NewScheduler(client *database.Client, opts Options, publisher EventPublisher, start StartFunc, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		opts:      opts.withDefaults(),
		history:   &historyStore{client: client},
		publisher: publisher,
		start:     start,
		logger:    logger,
		ops:       make(map[string]*Operation),
		repos:     make(map[string]*repoState),
	}
}

// SetMetrics installs the collectors the scheduler records into. Recording
// is skipped while unset.
func (s *Scheduler) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// countTerminal records one terminal transition from its snapshot.
func (s *Scheduler) countTerminal(op *Operation) {
	if s.metrics == nil {
		return
	}
	s.metrics.SyncOps.WithLabelValues(string(op.Status)).Inc()
	if op.CompletedAt != nil {
		s.metrics.SyncDuration.Observe(op.CompletedAt.Sub(op.QueuedAt).Seconds())
	}
}

func (s *Scheduler) repo(repositoryID string) *repoState {
	rs, ok := s.repos[repositoryID]
	if !ok {
		rs = &repoState{running: make(map[string]*Operation)}
		s.repos[repositoryID] = rs
	}
	return rs
}

// Queue enqueues an operation, auto-starting it when the repository's
// running set is below the concurrency cap.
func (s *Scheduler) Queue(ctx context.Context, req Request) (*Operation, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	op := &Operation{
		ID:           ids.New(ids.PrefixSyncOp),
		RepositoryID: req.RepositoryID,
		AgentID:      req.AgentID,
		Operation:    req.Operation,
		Branch:       req.Branch,
		Priority:     req.Priority,
		Status:       StatusQueued,
		Attempt:      1,
		QueuedAt:     time.Now(),
	}

	s.mu.Lock()
	s.ops[op.ID] = op
	rs := s.repo(op.RepositoryID)
	rs.queued = append(rs.queued, op)
	started := s.drainLocked(rs)
	snapshot := op.clone()
	s.mu.Unlock()

	s.publish(ctx, snapshot, "gitsync.queued")
	s.notifyStarted(ctx, started)
	return snapshot, nil
}

// Complete marks the operation completed. A no-op when the operation is
// already terminal (the cancel/complete race goes to whichever committed
// first).
func (s *Scheduler) Complete(ctx context.Context, id string, result json.RawMessage) (*Operation, error) {
	s.mu.Lock()
	op, ok := s.ops[id]
	if !ok {
		s.mu.Unlock()
		return nil, gatewayerr.New(gatewayerr.KindNotFound, "operation %s not found", id)
	}
	if op.Status.Terminal() {
		snapshot := op.clone()
		s.mu.Unlock()
		return snapshot, nil
	}

	now := time.Now()
	op.Status = StatusCompleted
	op.CompletedAt = &now
	op.Result = result
	op.NextAttemptAt = nil
	rs := s.repo(op.RepositoryID)
	s.retireLocked(rs, op)
	rs.completed++
	started := s.drainLocked(rs)
	snapshot := op.clone()
	s.mu.Unlock()

	s.countTerminal(snapshot)
	s.persist(ctx, snapshot)
	s.publish(ctx, snapshot, "gitsync.completed")
	s.notifyStarted(ctx, started)
	return snapshot, nil
}

// Fail classifies the failure and either re-enqueues the operation with
// backoff or marks it failed. A no-op on terminal operations.
func (s *Scheduler) Fail(ctx context.Context, id string, errorText string) (FailDecision, error) {
	s.mu.Lock()
	op, ok := s.ops[id]
	if !ok {
		s.mu.Unlock()
		return FailDecision{}, gatewayerr.New(gatewayerr.KindNotFound, "operation %s not found", id)
	}
	if op.Status.Terminal() {
		s.mu.Unlock()
		return FailDecision{WillRetry: false}, nil
	}

	code, retryable := classify(errorText)
	op.Error = &ErrorInfo{Code: code, Message: errorText}
	rs := s.repo(op.RepositoryID)

	willRetry := retryable && op.Attempt < s.opts.MaxAttempts
	var decision FailDecision
	var snapshot *Operation
	var started []*Operation
	if willRetry {
		delay := retryDelay(s.opts.BaseRetryDelay, s.opts.MaxRetryDelay, op.Attempt, code, s.opts.RateLimitDelayFactor)
		nextAt := time.Now().Add(delay)
		op.Status = StatusQueued
		op.Attempt++
		op.StartedAt = nil
		op.NextAttemptAt = &nextAt
		s.retireLocked(rs, op)
		rs.queued = append(rs.queued, op)
		decision = FailDecision{WillRetry: true, NextAttemptAt: &nextAt}
		snapshot = op.clone()

		// Wake the queue once the backoff lapses.
		repoID := op.RepositoryID
		time.AfterFunc(delay+10*time.Millisecond, func() { s.drain(repoID) })
	} else {
		now := time.Now()
		op.Status = StatusFailed
		op.CompletedAt = &now
		op.NextAttemptAt = nil
		s.retireLocked(rs, op)
		rs.failed++
		decision = FailDecision{WillRetry: false}
		snapshot = op.clone()
	}
	started = s.drainLocked(rs)
	s.mu.Unlock()

	if !decision.WillRetry {
		s.countTerminal(snapshot)
		s.persist(ctx, snapshot)
		s.publish(ctx, snapshot, "gitsync.failed")
	} else {
		s.publish(ctx, snapshot, "gitsync.retrying")
	}
	s.notifyStarted(ctx, started)
	return decision, nil
}

// Cancel cancels a queued or running operation. Only the owning agent (or
// an admin, signalled by an empty agentID from an authenticated admin
// caller) may cancel. Returns false without error when already terminal.
func (s *Scheduler) Cancel(ctx context.Context, id, agentID string) (bool, error) {
	s.mu.Lock()
	op, ok := s.ops[id]
	if !ok {
		s.mu.Unlock()
		return false, gatewayerr.New(gatewayerr.KindNotFound, "operation %s not found", id)
	}
	if agentID != "" && agentID != op.AgentID {
		s.mu.Unlock()
		return false, gatewayerr.New(gatewayerr.KindForbidden,
			"operation %s belongs to a different agent", id)
	}
	if op.Status.Terminal() {
		s.mu.Unlock()
		return false, nil
	}

	now := time.Now()
	op.Status = StatusCancelled
	op.CompletedAt = &now
	op.NextAttemptAt = nil
	rs := s.repo(op.RepositoryID)
	s.retireLocked(rs, op)
	rs.cancelled++
	started := s.drainLocked(rs)
	snapshot := op.clone()
	s.mu.Unlock()

	s.countTerminal(snapshot)
	s.persist(ctx, snapshot)
	s.publish(ctx, snapshot, "gitsync.cancelled")
	s.notifyStarted(ctx, started)
	return true, nil
}

// retireLocked removes the op from the queued slice and running set and,
// when terminal, pushes it onto the repository's history ring.
func (s *Scheduler) retireLocked(rs *repoState, op *Operation) {
	delete(rs.running, op.ID)
	for i, q := range rs.queued {
		if q.ID == op.ID {
			rs.queued = append(rs.queued[:i], rs.queued[i+1:]...)
			break
		}
	}
	if op.Status.Terminal() {
		rs.ring = append(rs.ring, op.clone())
		if len(rs.ring) > s.opts.HistoryRingSize {
			rs.ring = rs.ring[len(rs.ring)-s.opts.HistoryRingSize:]
		}
	}
}

// drainLocked starts queued operations until the running set reaches the
// cap, selecting by (priority desc, queuedAt asc) and skipping operations
// whose backoff has not lapsed or whose (repo, branch) already runs.
// Returns the operations started.
func (s *Scheduler) drainLocked(rs *repoState) []*Operation {
	now := time.Now()
	var started []*Operation
	for len(rs.running) < s.opts.MaxConcurrentOps {
		best := -1
		for i, op := range rs.queued {
			if op.NextAttemptAt != nil && op.NextAttemptAt.After(now) {
				continue
			}
			if rs.branchRunning(op.Branch) {
				continue
			}
			if best == -1 || higherPriority(op, rs.queued[best]) {
				best = i
			}
		}
		if best == -1 {
			break
		}
		op := rs.queued[best]
		rs.queued = append(rs.queued[:best], rs.queued[best+1:]...)
		startedAt := now
		op.Status = StatusRunning
		op.StartedAt = &startedAt
		rs.running[op.ID] = op
		started = append(started, op.clone())
	}
	return started
}

func higherPriority(a, b *Operation) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.QueuedAt.Before(b.QueuedAt)
}

// drain is the timer entry point after a retry backoff lapses.
func (s *Scheduler) drain(repositoryID string) {
	s.mu.Lock()
	rs, ok := s.repos[repositoryID]
	var started []*Operation
	if ok {
		started = s.drainLocked(rs)
	}
	s.mu.Unlock()
	s.notifyStarted(context.Background(), started)
}

func (s *Scheduler) notifyStarted(ctx context.Context, started []*Operation) {
	for _, op := range started {
		s.publish(ctx, op, "gitsync.started")
		if s.start != nil {
			go s.start(op.clone())
		}
	}
}

func (s *Scheduler) persist(ctx context.Context, op *Operation) {
	if err := s.history.record(ctx, op); err != nil {
		s.logger.Error("Failed to persist sync history",
			"operation_id", op.ID, "error", err)
	}
}

func (s *Scheduler) publish(ctx context.Context, op *Operation, messageType string) {
	if s.publisher == nil {
		return
	}
	data, err := json.Marshal(op)
	if err != nil {
		return
	}
	channel := "agent:state:" + op.AgentID
	if _, err := s.publisher.Publish(ctx, channel, messageType, data); err != nil {
		correlation.Logger(ctx).Error("Failed to publish sync event",
			"operation_id", op.ID, "type", messageType, "error", err)
	}
}

// GetOperation returns a copy of the operation.
func (s *Scheduler) GetOperation(id string) (*Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return nil, gatewayerr.New(gatewayerr.KindNotFound, "operation %s not found", id)
	}
	return op.clone(), nil
}

// GetQueued returns the repository's queued operations in start order.
func (s *Scheduler) GetQueued(repositoryID string) []*Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.repos[repositoryID]
	if !ok {
		return nil
	}
	out := make([]*Operation, 0, len(rs.queued))
	for _, op := range rs.queued {
		out = append(out, op.clone())
	}
	sort.Slice(out, func(i, j int) bool { return higherPriority(out[i], out[j]) })
	return out
}

// GetRunning returns the repository's running operations.
func (s *Scheduler) GetRunning(repositoryID string) []*Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.repos[repositoryID]
	if !ok {
		return nil
	}
	out := make([]*Operation, 0, len(rs.running))
	for _, op := range rs.running {
		out = append(out, op.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(*out[j].StartedAt) })
	return out
}

// GetRecent returns the repository's in-memory terminal ring, newest last.
func (s *Scheduler) GetRecent(repositoryID string) []*Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.repos[repositoryID]
	if !ok {
		return nil
	}
	out := make([]*Operation, 0, len(rs.ring))
	for _, op := range rs.ring {
		out = append(out, op.clone())
	}
	return out
}

// GetHistory reads persisted terminal operations.
func (s *Scheduler) GetHistory(ctx context.Context, repositoryID string, filter HistoryFilter) ([]*Operation, error) {
	return s.history.list(ctx, repositoryID, filter)
}

// PurgeHistory drops persisted history older than the cutoff.
func (s *Scheduler) PurgeHistory(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.history.purgeBefore(ctx, cutoff)
}

// GetQueueStats summarises one repository.
func (s *Scheduler) GetQueueStats(repositoryID string) QueueStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := QueueStats{RepositoryID: repositoryID}
	if rs, ok := s.repos[repositoryID]; ok {
		stats.Queued = len(rs.queued)
		stats.Running = len(rs.running)
		stats.Completed = rs.completed
		stats.Failed = rs.failed
		stats.Cancelled = rs.cancelled
	}
	return stats
}

// GetGlobalStats aggregates across repositories.
func (s *Scheduler) GetGlobalStats() GlobalStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := GlobalStats{Repositories: len(s.repos)}
	for _, rs := range s.repos {
		stats.Queued += len(rs.queued)
		stats.Running += len(rs.running)
		stats.Completed += rs.completed
		stats.Failed += rs.failed
		stats.Cancelled += rs.cancelled
	}
	return stats
}
