package models

import "time"

// ApprovalState is the lifecycle state of an approval gate.
type ApprovalState string

const (
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalRejected ApprovalState = "rejected"
	ApprovalExpired  ApprovalState = "expired"
)

// Approval gates a high-privilege execution. The stored plan_hash must equal
// the execution's plan_hash at decision time, so nobody approves a plan that
// has since been swapped.
type Approval struct {
	ApprovalID    string        `db:"approval_id" json:"approval_id"`
	ExecutionID   string        `db:"execution_id" json:"execution_id"`
	TenantID      string        `db:"tenant_id" json:"tenant_id"`
	ApprovalLevel int           `db:"approval_level" json:"approval_level"`
	PlanHash      string        `db:"plan_hash" json:"plan_hash"`
	State         ApprovalState `db:"state" json:"state"`
	ApproverID    *string       `db:"approver_id" json:"approver_id,omitempty"`
	RespondedAt   *time.Time    `db:"responded_at" json:"responded_at,omitempty"`
	ExpiresAt     time.Time     `db:"expires_at" json:"expires_at"`
	CreatedAt     time.Time     `db:"created_at" json:"created_at"`
}

// ApprovalDecision is the API payload for deciding a pending approval.
type ApprovalDecision struct {
	Approve bool   `json:"approve"`
	Comment string `json:"comment,omitempty"`
}
