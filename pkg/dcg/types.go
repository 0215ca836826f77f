// Package dcg is the destructive-command guard: pack-based rule
// evaluation over agent commands, severity-mode resolution, allow-once
// exceptions, redaction of persisted commands, and block statistics.
package dcg

import (
	"encoding/json"
	"time"
)

// Severity ranks how dangerous a matched command is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// rank orders severities for highest-wins resolution.
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool { return s.rank() > 0 }

// Mode is the action taken when a rule of a given severity fires.
type Mode string

const (
	ModeDeny Mode = "deny"
	ModeWarn Mode = "warn"
	ModeLog  Mode = "log"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool { return m == ModeDeny || m == ModeWarn || m == ModeLog }

// ContextClassification says where a match is expected to appear.
type ContextClassification string

const (
	ContextExecuted  ContextClassification = "executed"
	ContextData      ContextClassification = "data"
	ContextAmbiguous ContextClassification = "ambiguous"
)

// PatternKind distinguishes how a rule pattern matches.
type PatternKind string

const (
	PatternLiteral PatternKind = "literal"
	PatternGlob    PatternKind = "glob"
	PatternRegex   PatternKind = "regex"
)

// Rule is one guard rule inside a pack.
type Rule struct {
	RuleID                string                `json:"ruleId"`
	Pattern               string                `json:"pattern"`
	Kind                  PatternKind           `json:"kind"`
	Severity              Severity              `json:"severity"`
	Reason                string                `json:"reason"`
	ContextClassification ContextClassification `json:"contextClassification"`
}

// Pack is a named, versioned collection of rules.
type Pack struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Rules   []Rule `json:"rules"`
}

// PackInfo is the enumeration view of a pack.
type PackInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Rules   int    `json:"rules"`
	Enabled bool   `json:"enabled"`
}

// Match is one rule that fired on a command.
type Match struct {
	Pack     string   `json:"pack"`
	Rule     Rule     `json:"rule"`
	Severity Severity `json:"severity"`
}

// Decision is the outcome of evaluating one command.
type Decision struct {
	Allowed     bool     `json:"allowed"`
	Action      Mode     `json:"action,omitempty"`
	Matches     []Match  `json:"matches,omitempty"`
	TopMatch    *Match   `json:"topMatch,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	ByException bool     `json:"byException,omitempty"`
	Event       *BlockEvent `json:"event,omitempty"`
}

// BlockEvent records an intercepted command. Immutable except
// FalsePositive.
type BlockEvent struct {
	ID                    string                `json:"id"`
	Timestamp             time.Time             `json:"timestamp"`
	AgentID               string                `json:"agentId"`
	Command               string                `json:"command"` // redacted
	Pack                  string                `json:"pack"`
	RuleID                string                `json:"ruleId"`
	Pattern               string                `json:"pattern"`
	Severity              Severity              `json:"severity"`
	Reason                string                `json:"reason,omitempty"`
	ContextClassification ContextClassification `json:"contextClassification"`
	FalsePositive         bool                  `json:"falsePositive"`
	Allowlisted           bool                  `json:"allowlisted"`
}

// IngestRequest is the producer-facing block-event input.
type IngestRequest struct {
	AgentID               string                `json:"agentId"`
	Command               string                `json:"command"`
	Pack                  string                `json:"pack"`
	RuleID                string                `json:"ruleId"`
	Pattern               string                `json:"pattern"`
	Severity              Severity              `json:"severity"`
	Reason                string                `json:"reason,omitempty"`
	ContextClassification ContextClassification `json:"contextClassification,omitempty"`
	Allowlisted           bool                  `json:"allowlisted,omitempty"`
}

// AllowlistEntry suppresses matches of one rule.
type AllowlistEntry struct {
	RuleID    string     `json:"ruleId"`
	AddedBy   string     `json:"addedBy"`
	Reason    string     `json:"reason,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// ExceptionStatus is an allow-once exception's lifecycle state.
type ExceptionStatus string

const (
	ExceptionPending  ExceptionStatus = "pending"
	ExceptionApproved ExceptionStatus = "approved"
	ExceptionDenied   ExceptionStatus = "denied"
	ExceptionExpired  ExceptionStatus = "expired"
	ExceptionExecuted ExceptionStatus = "executed"
)

// Exception is a pending/approved allow-once permit for one exact
// command.
type Exception struct {
	ID            string          `json:"id"`
	Code          string          `json:"code"`
	Command       string          `json:"command"` // redacted
	CommandSHA256 string          `json:"commandSha256"`
	RuleID        string          `json:"ruleId"`
	Pack          string          `json:"pack"`
	AgentID       string          `json:"agentId"`
	Status        ExceptionStatus `json:"status"`
	CreatedAt     time.Time       `json:"createdAt"`
	ExpiresAt     time.Time       `json:"expiresAt"`
	ApprovedBy    string          `json:"approvedBy,omitempty"`
	ApprovedAt    *time.Time      `json:"approvedAt,omitempty"`
}

// Config is the singleton guard configuration.
type Config struct {
	EnabledPacks  []string          `json:"enabledPacks"`
	DisabledPacks []string          `json:"disabledPacks"`
	SeverityModes map[Severity]Mode `json:"severityModes"`
	UpdatedBy     string            `json:"updatedBy"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// ConfigPatch is a partial config update.
type ConfigPatch struct {
	EnabledPacks  *[]string          `json:"enabledPacks,omitempty"`
	DisabledPacks *[]string          `json:"disabledPacks,omitempty"`
	SeverityModes *map[Severity]Mode `json:"severityModes,omitempty"`
}

// DefaultSeverityModes is the out-of-the-box severity→mode table.
func DefaultSeverityModes() map[Severity]Mode {
	return map[Severity]Mode{
		SeverityCritical: ModeDeny,
		SeverityHigh:     ModeDeny,
		SeverityMedium:   ModeWarn,
		SeverityLow:      ModeLog,
	}
}

// Trend is a percentage change against the previous same-length window.
type Trend struct {
	Current  int     `json:"current"`
	Previous int     `json:"previous"`
	ChangePct float64 `json:"changePct"`
}

// CountBucket is one (key, count) aggregation row.
type CountBucket struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// DayBucket is one day of the block time-series.
type DayBucket struct {
	Date  string `json:"date"` // YYYY-MM-DD
	Count int    `json:"count"`
}

// Stats is the statistics snapshot.
type Stats struct {
	TotalBlocks            int           `json:"totalBlocks"`
	BlocksLast24h          int           `json:"blocksLast24h"`
	BlocksLast7d           int           `json:"blocksLast7d"`
	BlocksLast30d          int           `json:"blocksLast30d"`
	FalsePositiveCount     int           `json:"falsePositiveCount"`
	FalsePositiveRate      float64       `json:"falsePositiveRate"`
	AllowlistSize          int           `json:"allowlistSize"`
	PendingExceptionsCount int           `json:"pendingExceptionsCount"`
	Trend24h               Trend         `json:"trend24h"`
	Trend7d                Trend         `json:"trend7d"`
	TopPatterns            []CountBucket `json:"topPatterns"`
	TopAgents              []CountBucket `json:"topAgents"`
	TimeSeries7d           []DayBucket   `json:"timeSeries7d"`
	TimeSeries30d          []DayBucket   `json:"timeSeries30d"`
}

// EventPage is one page of block events with cursor pagination.
type EventPage struct {
	Events     []*BlockEvent `json:"events"`
	NextCursor string        `json:"nextCursor,omitempty"`
}

func (c Config) snapshotJSON() ([]byte, error) {
	return json.Marshal(c)
}
