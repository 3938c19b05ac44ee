package models

import "time"

// QueueItemStatus is the lifecycle state of a queue item.
type QueueItemStatus string

const (
	QueuePending    QueueItemStatus = "pending"
	QueueProcessing QueueItemStatus = "processing"
	QueueCompleted  QueueItemStatus = "completed"
	QueueFailed     QueueItemStatus = "failed"
)

// Priority bounds: 1 is the most urgent, 10 the least.
const (
	PriorityHighest = 1
	PriorityDefault = 5
	PriorityLowest  = 10
)

// ClampPriority forces p into the valid range, mapping the zero value to the
// default.
func ClampPriority(p int) int {
	if p == 0 {
		return PriorityDefault
	}
	if p < PriorityHighest {
		return PriorityHighest
	}
	if p > PriorityLowest {
		return PriorityLowest
	}
	return p
}

// QueueItem schedules one execution for pickup by a worker. Leases prove
// ownership: every state-changing call matches lease_token.
type QueueItem struct {
	QueueID                  string          `db:"queue_id" json:"queue_id"`
	ExecutionID              string          `db:"execution_id" json:"execution_id"`
	TenantID                 string          `db:"tenant_id" json:"tenant_id"`
	Priority                 int             `db:"priority" json:"priority"`
	SLAClass                 SLAClass        `db:"sla_class" json:"sla_class"`
	Status                   QueueItemStatus `db:"status" json:"status"`
	LeaseToken               *string         `db:"lease_token" json:"lease_token,omitempty"`
	LeaseExpiresAt           *time.Time      `db:"lease_expires_at" json:"lease_expires_at,omitempty"`
	VisibilityTimeoutSeconds int             `db:"visibility_timeout_seconds" json:"visibility_timeout_seconds"`
	AttemptCount             int             `db:"attempt_count" json:"attempt_count"`
	MaxAttempts              int             `db:"max_attempts" json:"max_attempts"`
	LastError                *string         `db:"last_error" json:"last_error,omitempty"`
	WorkerID                 *string         `db:"worker_id" json:"worker_id,omitempty"`
	EnqueuedAt               time.Time       `db:"enqueued_at" json:"enqueued_at"`
	DequeuedAt               *time.Time      `db:"dequeued_at" json:"dequeued_at,omitempty"`
	CompletedAt              *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
}

// DeadLetterItem snapshots a queue item that exhausted its retries.
type DeadLetterItem struct {
	DLQID         string     `db:"dlq_id" json:"dlq_id"`
	QueueID       string     `db:"queue_id" json:"queue_id"`
	ExecutionID   string     `db:"execution_id" json:"execution_id"`
	TenantID      string     `db:"tenant_id" json:"tenant_id"`
	Priority      int        `db:"priority" json:"priority"`
	SLAClass      SLAClass   `db:"sla_class" json:"sla_class"`
	FailureReason string     `db:"failure_reason" json:"failure_reason"`
	AttemptCount  int        `db:"attempt_count" json:"attempt_count"`
	FailedAt      time.Time  `db:"failed_at" json:"failed_at"`
	Requeued      bool       `db:"requeued" json:"requeued"`
	RequeuedAt    *time.Time `db:"requeued_at" json:"requeued_at,omitempty"`
	Archived      bool       `db:"archived" json:"archived"`
	ArchivedAt    *time.Time `db:"archived_at" json:"archived_at,omitempty"`
}

// QueueStats is a point-in-time snapshot of queue depth by status plus DLQ
// size, exposed on the admin API and fed to the gauges.
type QueueStats struct {
	Pending    int `db:"pending" json:"pending"`
	Processing int `db:"processing" json:"processing"`
	Completed  int `db:"completed" json:"completed"`
	Failed     int `db:"failed" json:"failed"`
	DeadLetter int `db:"dead_letter" json:"dead_letter"`
}
