package models

import "time"

// StepStatus is the lifecycle state of a single step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// IsTerminal reports whether the step has finished.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped:
		return true
	}
	return false
}

// StepType identifies which adapter executes a step.
type StepType string

const (
	StepTypeRemoteShell      StepType = "remote_shell"
	StepTypeRemotePowershell StepType = "remote_powershell"
	StepTypeHTTP             StepType = "http"
	StepTypeAssetQuery       StepType = "asset_query"
	StepTypeValidation       StepType = "validation"
	StepTypeLocalCommand     StepType = "local_command"
	StepTypeFileOp           StepType = "file_op"
)

// ActionClass is the coarse risk bucket used to select timeout policies and
// RBAC actions. Derived per step, never supplied by the caller.
type ActionClass string

const (
	ActionRead    ActionClass = "read"
	ActionWrite   ActionClass = "write"
	ActionComplex ActionClass = "complex"
)

// ExecutionStep is a persisted ordered unit inside an execution.
type ExecutionStep struct {
	StepID         string      `db:"step_id" json:"step_id"`
	ExecutionID    string      `db:"execution_id" json:"execution_id"`
	StepIndex      int         `db:"step_index" json:"step_index"`
	Name           string      `db:"name" json:"name"`
	StepType       StepType    `db:"step_type" json:"step_type"`
	ActionClass    ActionClass `db:"action_class" json:"action_class"`
	TargetAssetID  *string     `db:"target_asset_id" json:"target_asset_id,omitempty"`
	TargetHostname *string     `db:"target_hostname" json:"target_hostname,omitempty"`
	InputData      JSONMap     `db:"input_data" json:"input_data,omitempty"`
	Status         StepStatus  `db:"status" json:"status"`
	Attempt        int         `db:"attempt" json:"attempt"`
	MaxRetries     int         `db:"max_retries" json:"max_retries"`
	Critical       bool        `db:"critical" json:"critical"`
	TimeoutSeconds int         `db:"timeout_seconds" json:"timeout_seconds"`
	ErrorMessage   *string     `db:"error_message" json:"error_message,omitempty"`
	OutputData     JSONMap     `db:"output_data" json:"output_data,omitempty"`
	DurationMS     *int64      `db:"duration_ms" json:"duration_ms,omitempty"`
	StartedAt      *time.Time  `db:"started_at" json:"started_at,omitempty"`
	CompletedAt    *time.Time  `db:"completed_at" json:"completed_at,omitempty"`
}

// StepUpdate carries the mutable fields written back after a step attempt.
type StepUpdate struct {
	Status       StepStatus
	Attempt      int
	Output       JSONMap
	ErrorMessage *string
	DurationMS   *int64
}
