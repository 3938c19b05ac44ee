package models

import "time"

// Actor types recorded on audit events.
const (
	ActorTypeUser   = "user"
	ActorTypeSystem = "system"
	ActorTypeWorker = "worker"
)

// Event types written to the audit trail and published to subscribers.
const (
	EventTypeStatusChanged   = "execution.status_changed"
	EventTypeRetrying        = "execution.retrying"
	EventTypeCancelRequested = "execution.cancel_requested"
	EventTypeStepStarted     = "step.started"
	EventTypeStepProgress    = "step.progress"
	EventTypeStepFinished    = "step.finished"
	EventTypeStepCleanup     = "step.cleanup"
	EventTypeApprovalDecided = "approval.decided"
	EventTypeSecretAccessed  = "secret.accessed"
	EventTypeSecretFailed    = "secret.resolution_failed"
)

// ExecutionEvent is an append-only audit entry. ID is the monotonically
// increasing cursor used for catch-up reads; EventID is the stable identity
// carried on the wire.
type ExecutionEvent struct {
	ID           int64     `db:"id" json:"id"`
	EventID      string    `db:"event_id" json:"event_id"`
	ExecutionID  string    `db:"execution_id" json:"execution_id"`
	TenantID     string    `db:"tenant_id" json:"tenant_id"`
	Channel      string    `db:"channel" json:"channel"`
	EventType    string    `db:"event_type" json:"event_type"`
	FromStatus   *string   `db:"from_status" json:"from_status,omitempty"`
	ToStatus     *string   `db:"to_status" json:"to_status,omitempty"`
	ActorID      *string   `db:"actor_id" json:"actor_id,omitempty"`
	ActorType    string    `db:"actor_type" json:"actor_type"`
	Details      JSONMap   `db:"details" json:"details,omitempty"`
	ErrorMessage *string   `db:"error_message" json:"error_message,omitempty"`
	TraceID      *string   `db:"trace_id" json:"trace_id,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}
