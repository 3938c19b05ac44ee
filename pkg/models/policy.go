package models

import "time"

// TimeoutPolicy is one row of the (sla_class, action_class) lookup table.
// Seeded at migration; read-only at runtime.
type TimeoutPolicy struct {
	SLAClass                SLAClass    `db:"sla_class" json:"sla_class"`
	ActionClass             ActionClass `db:"action_class" json:"action_class"`
	ExecutionTimeoutSeconds int         `db:"execution_timeout_seconds" json:"execution_timeout_seconds"`
	StepTimeoutSeconds      int         `db:"step_timeout_seconds" json:"step_timeout_seconds"`
	LeaseTimeoutSeconds     int         `db:"lease_timeout_seconds" json:"lease_timeout_seconds"`
	ApprovalTimeoutSeconds  int         `db:"approval_timeout_seconds" json:"approval_timeout_seconds"`
	MaxAttempts             int         `db:"max_attempts" json:"max_attempts"`
}

// StepTimeout returns the per-step deadline as a duration.
func (p *TimeoutPolicy) StepTimeout() time.Duration {
	return time.Duration(p.StepTimeoutSeconds) * time.Second
}

// ExecutionTimeout returns the whole-execution deadline as a duration.
func (p *TimeoutPolicy) ExecutionTimeout() time.Duration {
	return time.Duration(p.ExecutionTimeoutSeconds) * time.Second
}

// LeaseTimeout returns the queue lease duration as a duration.
func (p *TimeoutPolicy) LeaseTimeout() time.Duration {
	return time.Duration(p.LeaseTimeoutSeconds) * time.Second
}

// ApprovalTimeout returns how long an approval gate stays open.
func (p *TimeoutPolicy) ApprovalTimeout() time.Duration {
	return time.Duration(p.ApprovalTimeoutSeconds) * time.Second
}
