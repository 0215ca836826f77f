// Package gitsync schedules git synchronisation operations per repository:
// a priority queue with bounded concurrency, retry classification with
// exponential backoff, cancellation, and terminal-state history.
package gitsync

import (
	"encoding/json"
	"time"

	"github.com/codeready-toolchain/agentgw/pkg/gatewayerr"
)

// OpType is the git operation being performed.
type OpType string

const (
	OpPull   OpType = "pull"
	OpPush   OpType = "push"
	OpFetch  OpType = "fetch"
	OpRebase OpType = "rebase"
	OpMerge  OpType = "merge"
)

// OpStatus is an operation's lifecycle state.
type OpStatus string

const (
	StatusQueued    OpStatus = "queued"
	StatusRunning   OpStatus = "running"
	StatusCompleted OpStatus = "completed"
	StatusFailed    OpStatus = "failed"
	StatusCancelled OpStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s OpStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ErrorCode classifies a sync failure.
type ErrorCode string

const (
	CodeAuthError ErrorCode = "AUTH_ERROR"
	CodeConflict  ErrorCode = "CONFLICT"
	CodeNetwork   ErrorCode = "NETWORK"
	CodeRateLimit ErrorCode = "RATE_LIMIT"
	CodeUnknown   ErrorCode = "UNKNOWN"
)

// ErrorInfo carries the classified failure of an operation.
type ErrorInfo struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Request describes an operation to enqueue.
type Request struct {
	RepositoryID string `json:"repositoryId"`
	AgentID      string `json:"agentId"`
	Operation    OpType `json:"operation"`
	Branch       string `json:"branch"`
	Priority     int    `json:"priority"`
}

func (r Request) validate() error {
	if r.RepositoryID == "" {
		return gatewayerr.New(gatewayerr.KindValidation, "repositoryId is required")
	}
	if r.AgentID == "" {
		return gatewayerr.New(gatewayerr.KindValidation, "agentId is required")
	}
	if r.Branch == "" {
		return gatewayerr.New(gatewayerr.KindValidation, "branch is required")
	}
	switch r.Operation {
	case OpPull, OpPush, OpFetch, OpRebase, OpMerge:
		return nil
	}
	return gatewayerr.New(gatewayerr.KindValidation, "unknown operation %q", r.Operation)
}

// Operation is one unit of sync work.
type Operation struct {
	ID            string          `json:"id"`
	RepositoryID  string          `json:"repositoryId"`
	AgentID       string          `json:"agentId"`
	Operation     OpType          `json:"operation"`
	Branch        string          `json:"branch"`
	Priority      int             `json:"priority"`
	Status        OpStatus        `json:"status"`
	Attempt       int             `json:"attempt"`
	QueuedAt      time.Time       `json:"queuedAt"`
	StartedAt     *time.Time      `json:"startedAt,omitempty"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         *ErrorInfo      `json:"error,omitempty"`
	NextAttemptAt *time.Time      `json:"nextAttemptAt,omitempty"`
}

func (o *Operation) clone() *Operation {
	c := *o
	return &c
}

// FailDecision reports whether a failed attempt will be retried.
type FailDecision struct {
	WillRetry     bool       `json:"willRetry"`
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"`
}

// QueueStats summarises one repository's scheduler state.
type QueueStats struct {
	RepositoryID string `json:"repositoryId"`
	Queued       int    `json:"queued"`
	Running      int    `json:"running"`
	Completed    int    `json:"completed"`
	Failed       int    `json:"failed"`
	Cancelled    int    `json:"cancelled"`
}

// GlobalStats aggregates across all repositories.
type GlobalStats struct {
	Repositories int `json:"repositories"`
	Queued       int `json:"queued"`
	Running      int `json:"running"`
	Completed    int `json:"completed"`
	Failed       int `json:"failed"`
	Cancelled    int `json:"cancelled"`
}

// HistoryFilter narrows getHistory results. Zero values match everything.
type HistoryFilter struct {
	Status    OpStatus
	Operation OpType
	Branch    string
	Limit     int
}
