package dcg

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/codeready-toolchain/agentgw/pkg/gatewayerr"
	"github.com/codeready-toolchain/agentgw/pkg/ids"
)

// codeAlphabet omits easily-confused characters (0/O, 1/I/L).
const codeAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

const codeLength = 6

func newExceptionCode() string {
	buf := make([]byte, codeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeAlphabet))))
		if err != nil {
			panic(fmt.Sprintf("dcg: crypto/rand failed: %v", err))
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return "DCG-" + string(buf)
}

func commandHash(command string) string {
	sum := sha256.Sum256([]byte(command))
	return hex.EncodeToString(sum[:])
}

// CreateException opens a pending allow-once permit for the exact
// blocked command. The hash is computed over the raw command; the
// stored command text is redacted.
func (s *Service) CreateException(ctx context.Context, agentID, command, ruleID, pack string) (*Exception, error) {
	if agentID == "" || command == "" || ruleID == "" {
		return nil, gatewayerr.New(gatewayerr.KindValidation, "agentId, command and ruleId are required")
	}
	now := time.Now()
	exc := &Exception{
		ID:            ids.New(ids.PrefixException),
		Code:          newExceptionCode(),
		Command:       s.redactor.Redact(command),
		CommandSHA256: commandHash(command),
		RuleID:        ruleID,
		Pack:          pack,
		AgentID:       agentID,
		Status:        ExceptionPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.opts.ExceptionTTL),
	}
	_, err := s.client.DB().ExecContext(ctx,
		`INSERT INTO dcg_exceptions (id, code, command, command_sha256, rule_id, pack,
		 agent_id, status, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exc.ID, exc.Code, exc.Command, exc.CommandSHA256, exc.RuleID, exc.Pack,
		exc.AgentID, exc.Status, exc.CreatedAt.UnixNano(), exc.ExpiresAt.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("creating exception: %w", err)
	}
	s.audit(ctx, agentID, "dcg.exception_create", exc.ID, exc)
	return exc, nil
}

// ApproveException approves a pending exception by its human code.
// Approval is an operator action and requires a non-empty approver.
func (s *Service) ApproveException(ctx context.Context, code, approver string) (*Exception, error) {
	return s.resolveException(ctx, code, approver, ExceptionApproved)
}

// DenyException rejects a pending exception.
func (s *Service) DenyException(ctx context.Context, code, approver string) (*Exception, error) {
	return s.resolveException(ctx, code, approver, ExceptionDenied)
}

func (s *Service) resolveException(ctx context.Context, code, approver string, status ExceptionStatus) (*Exception, error) {
	if approver == "" {
		return nil, gatewayerr.New(gatewayerr.KindUnauthenticated, "exception approval requires an authenticated operator")
	}
	exc, err := s.GetException(ctx, code)
	if err != nil {
		return nil, err
	}
	if exc.Status != ExceptionPending {
		return nil, gatewayerr.New(gatewayerr.KindConflict, "exception %s is %s", code, exc.Status)
	}
	now := time.Now()
	if !exc.ExpiresAt.After(now) {
		return nil, gatewayerr.New(gatewayerr.KindConflict, "exception %s has expired", code)
	}

	res, err := s.client.DB().ExecContext(ctx,
		`UPDATE dcg_exceptions SET status = ?, approved_by = ?, approved_at = ?
		 WHERE code = ? AND status = ?`,
		status, approver, now.UnixNano(), code, ExceptionPending)
	if err != nil {
		return nil, fmt.Errorf("resolving exception: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, gatewayerr.New(gatewayerr.KindConflict, "exception %s was resolved concurrently", code)
	}

	exc.Status = status
	exc.ApprovedBy = approver
	exc.ApprovedAt = &now
	s.audit(ctx, approver, "dcg.exception_"+string(status), exc.ID, exc)
	return exc, nil
}

// GetException loads an exception by its human code.
func (s *Service) GetException(ctx context.Context, code string) (*Exception, error) {
	row := s.client.DB().QueryRowContext(ctx,
		`SELECT id, code, command, command_sha256, rule_id, pack, agent_id, status,
		 created_at, expires_at, approved_by, approved_at
		 FROM dcg_exceptions WHERE code = ?`, code)
	exc, err := scanException(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gatewayerr.New(gatewayerr.KindNotFound, "exception %q not found", code)
	}
	return exc, err
}

// ListPendingExceptions returns unexpired pending exceptions, oldest
// first.
func (s *Service) ListPendingExceptions(ctx context.Context) ([]*Exception, error) {
	rows, err := s.client.DB().QueryContext(ctx,
		`SELECT id, code, command, command_sha256, rule_id, pack, agent_id, status,
		 created_at, expires_at, approved_by, approved_at
		 FROM dcg_exceptions WHERE status = ? AND expires_at > ?
		 ORDER BY created_at ASC`,
		ExceptionPending, time.Now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("listing pending exceptions: %w", err)
	}
	defer rows.Close()

	var out []*Exception
	for rows.Next() {
		exc, err := scanException(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exc)
	}
	return out, rows.Err()
}

// consumeException looks for an approved, unexpired exception matching
// the exact command hash and marks it executed. Exactly one execution
// per approval: the status guard on the update loses gracefully if two
// evaluations race.
func (s *Service) consumeException(ctx context.Context, command string, now time.Time) (bool, error) {
	hash := commandHash(command)
	var id string
	err := s.client.DB().QueryRowContext(ctx,
		`SELECT id FROM dcg_exceptions
		 WHERE status = ? AND command_sha256 = ? AND expires_at > ?
		 ORDER BY created_at ASC LIMIT 1`,
		ExceptionApproved, hash, now.UnixNano()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("finding exception: %w", err)
	}

	res, err := s.client.DB().ExecContext(ctx,
		`UPDATE dcg_exceptions SET status = ? WHERE id = ? AND status = ?`,
		ExceptionExecuted, id, ExceptionApproved)
	if err != nil {
		return false, fmt.Errorf("consuming exception: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ExpireExceptions transitions lapsed pending and approved exceptions
// to expired. Used by the cleanup sweep.
func (s *Service) ExpireExceptions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.client.DB().ExecContext(ctx,
		`UPDATE dcg_exceptions SET status = ?
		 WHERE status IN (?, ?) AND expires_at <= ?`,
		ExceptionExpired, ExceptionPending, ExceptionApproved, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("expiring exceptions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanException(row rowScanner) (*Exception, error) {
	var exc Exception
	var createdAt, expiresAt int64
	var approvedBy *string
	var approvedAt *int64
	if err := row.Scan(&exc.ID, &exc.Code, &exc.Command, &exc.CommandSHA256, &exc.RuleID,
		&exc.Pack, &exc.AgentID, &exc.Status, &createdAt, &expiresAt,
		&approvedBy, &approvedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning exception: %w", err)
	}
	exc.CreatedAt = time.Unix(0, createdAt)
	exc.ExpiresAt = time.Unix(0, expiresAt)
	if approvedBy != nil {
		exc.ApprovedBy = *approvedBy
	}
	if approvedAt != nil {
		t := time.Unix(0, *approvedAt)
		exc.ApprovedAt = &t
	}
	return &exc, nil
}
