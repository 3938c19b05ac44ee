// Package models defines the domain types shared across the execution core:
// executions, steps, events, queue items, locks, timeout policies and
// approvals, plus the plan snapshot format and its canonical hash.
package models

import (
	"fmt"
	"time"
)

// ExecutionStatus is the lifecycle state of an execution.
type ExecutionStatus string

const (
	StatusPendingApproval ExecutionStatus = "pending_approval"
	StatusApproved        ExecutionStatus = "approved"
	StatusQueued          ExecutionStatus = "queued"
	StatusRunning         ExecutionStatus = "running"
	StatusCompleted       ExecutionStatus = "completed"
	StatusPartial         ExecutionStatus = "partial"
	StatusFailed          ExecutionStatus = "failed"
	StatusCancelled       ExecutionStatus = "cancelled"
	StatusTimedOut        ExecutionStatus = "timed_out"
)

// ExecutionMode selects the execution path at submission time.
type ExecutionMode string

const (
	ModeInline ExecutionMode = "inline"
	ModeQueued ExecutionMode = "queued"
)

// SLAClass groups executions by expected duration and urgency.
type SLAClass string

const (
	SLAFast   SLAClass = "fast"
	SLAMedium SLAClass = "medium"
	SLALong   SLAClass = "long"
)

// ValidSLAClasses lists the accepted sla_class values.
var ValidSLAClasses = []SLAClass{SLAFast, SLAMedium, SLALong}

// IsValid reports whether s is a known SLA class.
func (s SLAClass) IsValid() bool {
	switch s {
	case SLAFast, SLAMedium, SLALong:
		return true
	}
	return false
}

// IsValid reports whether s is a known execution status.
func (s ExecutionStatus) IsValid() bool {
	switch s {
	case StatusPendingApproval, StatusApproved, StatusQueued, StatusRunning,
		StatusCompleted, StatusPartial, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// IsTerminal reports whether the status admits no further transitions.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusPartial, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// validTransitions encodes the execution state machine. Terminal states have
// no outgoing edges. running -> queued is the retry edge: a failed attempt
// with retries left re-pends the queue item and returns the execution to it.
var validTransitions = map[ExecutionStatus][]ExecutionStatus{
	StatusPendingApproval: {StatusApproved, StatusCancelled},
	StatusApproved:        {StatusQueued, StatusRunning, StatusCancelled},
	StatusQueued:          {StatusRunning, StatusCancelled, StatusFailed},
	StatusRunning:         {StatusQueued, StatusCompleted, StatusPartial, StatusFailed, StatusCancelled, StatusTimedOut},
}

// ValidateTransition returns an error when from → to is not an edge of the
// execution state machine.
func ValidateTransition(from, to ExecutionStatus) error {
	for _, next := range validTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("invalid status transition %q -> %q", from, to)
}

// InitialStatus returns the state a new execution starts in, which depends on
// whether the plan requires an approval gate.
func InitialStatus(approvalLevel int) ExecutionStatus {
	if approvalLevel >= 1 {
		return StatusPendingApproval
	}
	return StatusApproved
}

// Execution is a durable record of one submitted plan run.
type Execution struct {
	ExecutionID     string          `db:"execution_id" json:"execution_id"`
	TenantID        string          `db:"tenant_id" json:"tenant_id"`
	ActorID         string          `db:"actor_id" json:"actor_id"`
	IdempotencyKey  string          `db:"idempotency_key" json:"idempotency_key"`
	PlanSnapshot    JSONMap         `db:"plan_snapshot" json:"plan_snapshot"`
	PlanHash        string          `db:"plan_hash" json:"plan_hash"`
	ExecutionMode   ExecutionMode   `db:"execution_mode" json:"execution_mode"`
	SLAClass        SLAClass        `db:"sla_class" json:"sla_class"`
	Priority        int             `db:"priority" json:"priority"`
	ApprovalLevel   int             `db:"approval_level" json:"approval_level"`
	Status          ExecutionStatus `db:"status" json:"status"`
	PreviousStatus  *string         `db:"previous_status" json:"previous_status,omitempty"`
	StatusChangedAt time.Time       `db:"status_changed_at" json:"status_changed_at"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	StartedAt       *time.Time      `db:"started_at" json:"started_at,omitempty"`
	CompletedAt     *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	TimeoutAt       *time.Time      `db:"timeout_at" json:"timeout_at,omitempty"`
	Result          JSONMap         `db:"result" json:"result,omitempty"`
	ErrorMessage    *string         `db:"error_message" json:"error_message,omitempty"`
	ErrorDetails    JSONMap         `db:"error_details" json:"error_details,omitempty"`
	TraceID         *string         `db:"trace_id" json:"trace_id,omitempty"`
	ParentID        *string         `db:"parent_execution_id" json:"parent_execution_id,omitempty"`
	Tags            StringSlice     `db:"tags" json:"tags,omitempty"`
	Metadata        JSONMap         `db:"metadata" json:"metadata,omitempty"`
}

// SubmissionRequest is the API payload for submitting a plan.
type SubmissionRequest struct {
	Plan          *Plan          `json:"plan"`
	ExecutionMode ExecutionMode  `json:"execution_mode,omitempty"`
	SLAClass      SLAClass       `json:"sla_class,omitempty"`
	Priority      int            `json:"priority,omitempty"`
	ApprovalLevel int            `json:"approval_level,omitempty"`
	TraceID       string         `json:"trace_id,omitempty"`
	ParentID      string         `json:"parent_execution_id,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// SubmissionResult is returned by the submission front door. Duplicate is set
// when the idempotency guard matched a prior execution.
type SubmissionResult struct {
	Execution *Execution `json:"execution"`
	Duplicate bool       `json:"duplicate"`
}

// ExecutionFilters narrows list_executions. Zero values mean "no filter".
type ExecutionFilters struct {
	Status        []ExecutionStatus
	SLAClass      SLAClass
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// ExecutionList is a paginated list response.
type ExecutionList struct {
	Executions []*Execution `json:"executions"`
	TotalCount int          `json:"total_count"`
	Limit      int          `json:"limit"`
	Offset     int          `json:"offset"`
}
