// Package eventlog persists pub/sub events per channel with strictly
// monotonic sequences, stable cursors, and per-channel retention. The hub
// appends here before delivering to any subscriber, which is what makes
// replay-after-reconnect gap-free.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/codeready-toolchain/agentgw/pkg/database"
)

// Entry is one persisted event.
type Entry struct {
	ID            int64
	Channel       string
	Sequence      int64
	Cursor        string
	MessageType   string
	Payload       json.RawMessage
	CorrelationID string
	CreatedAt     time.Time
	ExpiresAt     *time.Time
}

// AppendMeta carries optional metadata for an append.
type AppendMeta struct {
	CorrelationID string
}

// AppendResult identifies the appended entry's position.
type AppendResult struct {
	Cursor   string
	Sequence int64
}

// Log is the durable event log. Safe for concurrent use; appends to the
// same channel serialise on the write transaction.
type Log struct {
	client    *database.Client
	retention *retentionSet

	// mu serialises appends so per-channel sequence assignment and
	// retention enforcement never interleave.
	mu sync.Mutex
}

// NewLog creates a Log with the given retention rules.
func NewLog(client *database.Client, rules []Rule) (*Log, error) {
	rs, err := newRetentionSet(rules)
	if err != nil {
		return nil, err
	}
	return &Log{client: client, retention: rs}, nil
}

// Append persists one event, assigning the channel's next sequence, then
// amortises retention enforcement for that channel. The returned cursor is
// the stable encoding of (channel, sequence).
func (l *Log) Append(ctx context.Context, channel, messageType string, payload json.RawMessage, meta AppendMeta) (AppendResult, error) {
	defer l.client.ObserveQuery("eventlog.append", time.Now())

	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return AppendResult{}, fmt.Errorf("beginning append transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Bump the channel counter. The counter survives pruning, so sequences
	// never restart inside a process or across restarts.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO event_channels (channel, last_sequence) VALUES (?, 1)
		 ON CONFLICT(channel) DO UPDATE SET last_sequence = last_sequence + 1`,
		channel,
	); err != nil {
		return AppendResult{}, fmt.Errorf("advancing channel sequence: %w", err)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT last_sequence FROM event_channels WHERE channel = ?`, channel,
	).Scan(&seq); err != nil {
		return AppendResult{}, fmt.Errorf("reading channel sequence: %w", err)
	}

	now := time.Now()
	rule := l.retention.match(channel)
	var expiresAt any
	if rule != nil && rule.MaxAge > 0 {
		expiresAt = now.Add(rule.MaxAge).UnixNano()
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO event_log (channel, sequence, message_type, payload, correlation_id, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		channel, seq, messageType, string(payload), nullString(meta.CorrelationID), now.UnixNano(), expiresAt,
	); err != nil {
		return AppendResult{}, fmt.Errorf("persisting event: %w", err)
	}

	// Enforce both caps for this channel on every append. Count first so
	// the age sweep operates on the already-trimmed set.
	if rule != nil {
		if rule.MaxEvents > 0 {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM event_log WHERE channel = ? AND sequence <= ?`,
				channel, seq-int64(rule.MaxEvents),
			); err != nil {
				return AppendResult{}, fmt.Errorf("enforcing count cap: %w", err)
			}
		}
		if rule.MaxAge > 0 {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM event_log WHERE channel = ? AND created_at < ?`,
				channel, now.Add(-rule.MaxAge).UnixNano(),
			); err != nil {
				return AppendResult{}, fmt.Errorf("enforcing age cap: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return AppendResult{}, fmt.Errorf("committing append: %w", err)
	}

	return AppendResult{Cursor: EncodeCursor(channel, seq), Sequence: seq}, nil
}

// RangeAfter returns up to limit entries with sequence strictly greater
// than the cursor's, in sequence order. An empty cursor reads from the
// start of the retained window. Returns ErrCursorExpired when the cursor
// points below the retained window.
func (l *Log) RangeAfter(ctx context.Context, channel, cursor string, limit int) ([]Entry, error) {
	defer l.client.ObserveQuery("eventlog.range_after", time.Now())

	var after int64
	if cursor != "" {
		seq, err := DecodeCursor(cursor, channel)
		if err != nil {
			return nil, err
		}
		after = seq
	}

	last, err := l.lastSequence(ctx, channel)
	if err != nil {
		return nil, err
	}
	if after >= last {
		// Up to date (or cursor from the future, which a fresh log treats
		// as up to date rather than guessing at pruned history).
		return nil, nil
	}

	minSeq, hasRows, err := l.minRetained(ctx, channel)
	if err != nil {
		return nil, err
	}
	if !hasRows || after < minSeq-1 {
		return nil, ErrCursorExpired
	}

	rows, err := l.client.DB().QueryContext(ctx,
		`SELECT id, sequence, message_type, payload, correlation_id, created_at, expires_at
		 FROM event_log WHERE channel = ? AND sequence > ?
		 ORDER BY sequence ASC LIMIT ?`,
		channel, after, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying range: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e := Entry{Channel: channel}
		var corr sql.NullString
		var createdAt int64
		var expiresAt sql.NullInt64
		var payload string
		if err := rows.Scan(&e.ID, &e.Sequence, &e.MessageType, &payload, &corr, &createdAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		e.CorrelationID = corr.String
		e.CreatedAt = time.Unix(0, createdAt)
		if expiresAt.Valid {
			t := time.Unix(0, expiresAt.Int64)
			e.ExpiresAt = &t
		}
		e.Cursor = EncodeCursor(channel, e.Sequence)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LatestCursor returns the cursor of the channel's newest event, or false
// when the channel has never seen one.
func (l *Log) LatestCursor(ctx context.Context, channel string) (string, bool, error) {
	last, err := l.lastSequence(ctx, channel)
	if err != nil {
		return "", false, err
	}
	if last == 0 {
		return "", false, nil
	}
	return EncodeCursor(channel, last), true, nil
}

// MinRetainedCursor returns the cursor just below the oldest retained
// entry, suitable as a RangeAfter argument to read the full window.
func (l *Log) MinRetainedCursor(ctx context.Context, channel string) (string, bool, error) {
	minSeq, hasRows, err := l.minRetained(ctx, channel)
	if err != nil || !hasRows {
		return "", false, err
	}
	return EncodeCursor(channel, minSeq-1), true, nil
}

// Expire removes all entries whose expires_at has passed. Called by the
// cleanup sweep; appends already enforce caps amortised per channel.
func (l *Log) Expire(ctx context.Context, now time.Time) (int64, error) {
	defer l.client.ObserveQuery("eventlog.expire", time.Now())

	res, err := l.client.DB().ExecContext(ctx,
		`DELETE FROM event_log WHERE expires_at IS NOT NULL AND expires_at < ?`,
		now.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("expiring events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (l *Log) lastSequence(ctx context.Context, channel string) (int64, error) {
	var last int64
	err := l.client.DB().QueryRowContext(ctx,
		`SELECT last_sequence FROM event_channels WHERE channel = ?`, channel,
	).Scan(&last)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading last sequence: %w", err)
	}
	return last, nil
}

func (l *Log) minRetained(ctx context.Context, channel string) (int64, bool, error) {
	var minSeq sql.NullInt64
	err := l.client.DB().QueryRowContext(ctx,
		`SELECT MIN(sequence) FROM event_log WHERE channel = ?`, channel,
	).Scan(&minSeq)
	if err != nil {
		return 0, false, fmt.Errorf("reading min retained sequence: %w", err)
	}
	return minSeq.Int64, minSeq.Valid, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
