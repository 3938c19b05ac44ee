package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/runforge/execore/pkg/models"
)

const approvalColumns = `approval_id, execution_id, tenant_id, approval_level,
	plan_hash, state, approver_id, responded_at, expires_at, created_at`

// Approval decision errors.
var (
	// ErrApprovalNotPending is returned when a decision targets an approval
	// already approved, rejected or expired.
	ErrApprovalNotPending = errors.New("approval not pending")

	// ErrPlanHashMismatch is returned when the plan changed between approval
	// request and decision.
	ErrPlanHashMismatch = errors.New("plan hash mismatch")
)

// CreateApproval inserts a pending approval gate for an execution.
func (c *Client) CreateApproval(ctx context.Context, approval *models.Approval) error {
	_, err := c.db.NamedExecContext(ctx, `
		INSERT INTO approvals (
			approval_id, execution_id, tenant_id, approval_level, plan_hash,
			state, expires_at, created_at
		) VALUES (
			:approval_id, :execution_id, :tenant_id, :approval_level, :plan_hash,
			:state, :expires_at, :created_at
		)`, approval)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create approval: %w", err)
	}
	return nil
}

// GetApproval fetches one approval by id.
func (c *Client) GetApproval(ctx context.Context, approvalID string) (*models.Approval, error) {
	var approval models.Approval
	err := c.db.GetContext(ctx, &approval,
		`SELECT `+approvalColumns+` FROM approvals WHERE approval_id = $1`, approvalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get approval: %w", err)
	}
	return &approval, nil
}

// GetPendingApprovalByExecution fetches the pending approval of an execution,
// if one exists.
func (c *Client) GetPendingApprovalByExecution(ctx context.Context, executionID string) (*models.Approval, error) {
	var approval models.Approval
	err := c.db.GetContext(ctx, &approval,
		`SELECT `+approvalColumns+` FROM approvals
		 WHERE execution_id = $1 AND state = 'pending'
		 ORDER BY created_at DESC LIMIT 1`, executionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending approval: %w", err)
	}
	return &approval, nil
}

// RespondApproval applies an approve/reject decision. The row is locked, must
// still be pending and unexpired, and its stored plan hash must match the
// execution's current plan hash, so a decision never covers a plan the
// approver did not see. Returns the updated approval.
func (c *Client) RespondApproval(ctx context.Context, approvalID, approverID string, approve bool) (*models.Approval, error) {
	var approval models.Approval
	err := c.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &approval,
			`SELECT `+approvalColumns+` FROM approvals
			 WHERE approval_id = $1 FOR UPDATE`, approvalID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock approval: %w", err)
		}
		if approval.State != models.ApprovalPending {
			return ErrApprovalNotPending
		}

		var planHash string
		err = tx.GetContext(ctx, &planHash,
			`SELECT plan_hash FROM executions WHERE execution_id = $1`,
			approval.ExecutionID)
		if err != nil {
			return fmt.Errorf("failed to read execution plan hash: %w", err)
		}
		if planHash != approval.PlanHash {
			return ErrPlanHashMismatch
		}

		state := models.ApprovalRejected
		if approve {
			state = models.ApprovalApproved
		}
		// An expired-but-unswept approval cannot be decided.
		res, err := tx.ExecContext(ctx, `
			UPDATE approvals SET
				state        = $2,
				approver_id  = $3,
				responded_at = now()
			WHERE approval_id = $1 AND expires_at > now()`,
			approvalID, state, approverID)
		if err != nil {
			return fmt.Errorf("failed to update approval: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrApprovalNotPending
		}

		return tx.GetContext(ctx, &approval,
			`SELECT `+approvalColumns+` FROM approvals WHERE approval_id = $1`,
			approvalID)
	})
	if err != nil {
		return nil, err
	}
	return &approval, nil
}

// ExpireApprovals sweeps pending approvals past their deadline and returns
// them so the caller can fail the gated executions and publish events.
func (c *Client) ExpireApprovals(ctx context.Context) ([]*models.Approval, error) {
	expired := []*models.Approval{}
	err := c.db.SelectContext(ctx, &expired, `
		UPDATE approvals SET state = 'expired', responded_at = now()
		WHERE state = 'pending' AND expires_at < now()
		RETURNING `+approvalColumns)
	if err != nil {
		return nil, fmt.Errorf("failed to expire approvals: %w", err)
	}
	return expired, nil
}
