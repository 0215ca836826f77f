package gitsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/codeready-toolchain/agentgw/pkg/database"
	"github.com/codeready-toolchain/agentgw/pkg/ids"
)

// historyStore mirrors terminal operations into sync_history.
type historyStore struct {
	client *database.Client
}

func (h *historyStore) record(ctx context.Context, op *Operation) error {
	var errCode, errMessage any
	if op.Error != nil {
		errCode = string(op.Error.Code)
		errMessage = op.Error.Message
	}
	var result any
	if op.Result != nil {
		result = string(op.Result)
	}
	var startedAt any
	if op.StartedAt != nil {
		startedAt = op.StartedAt.UnixNano()
	}
	completedAt := time.Now()
	if op.CompletedAt != nil {
		completedAt = *op.CompletedAt
	}

	_, err := h.client.DB().ExecContext(ctx,
		`INSERT INTO sync_history (id, operation_id, repository_id, agent_id, operation,
		 branch, priority, status, attempt, error_code, error_message, result,
		 queued_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ids.New(ids.PrefixHistory), op.ID, op.RepositoryID, op.AgentID, op.Operation,
		op.Branch, op.Priority, op.Status, op.Attempt, errCode, errMessage, result,
		op.QueuedAt.UnixNano(), startedAt, completedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("recording sync history: %w", err)
	}
	return nil
}

func (h *historyStore) list(ctx context.Context, repositoryID string, filter HistoryFilter) ([]*Operation, error) {
	query := `SELECT operation_id, repository_id, agent_id, operation, branch, priority,
	          status, attempt, error_code, error_message, result, queued_at, started_at, completed_at
	          FROM sync_history WHERE repository_id = ?`
	args := []any{repositoryID}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.Operation != "" {
		query += ` AND operation = ?`
		args = append(args, filter.Operation)
	}
	if filter.Branch != "" {
		query += ` AND branch = ?`
		args = append(args, filter.Branch)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY completed_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := h.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sync history: %w", err)
	}
	defer rows.Close()

	var out []*Operation
	for rows.Next() {
		var op Operation
		var errCode, errMessage, result sql.NullString
		var queuedAt, completedAt int64
		var startedAt sql.NullInt64
		if err := rows.Scan(&op.ID, &op.RepositoryID, &op.AgentID, &op.Operation,
			&op.Branch, &op.Priority, &op.Status, &op.Attempt,
			&errCode, &errMessage, &result, &queuedAt, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scanning sync history: %w", err)
		}
		if errCode.Valid {
			op.Error = &ErrorInfo{Code: ErrorCode(errCode.String), Message: errMessage.String}
		}
		if result.Valid {
			op.Result = json.RawMessage(result.String)
		}
		op.QueuedAt = time.Unix(0, queuedAt)
		if startedAt.Valid {
			t := time.Unix(0, startedAt.Int64)
			op.StartedAt = &t
		}
		t := time.Unix(0, completedAt)
		op.CompletedAt = &t
		out = append(out, &op)
	}
	return out, rows.Err()
}

// purgeBefore drops history rows older than the cutoff. Used by the
// cleanup sweep.
func (h *historyStore) purgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := h.client.DB().ExecContext(ctx,
		`DELETE FROM sync_history WHERE completed_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purging sync history: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
