// Package queue implements the durable work queue: the policy layer over the
// database queue primitives, the worker loop that leases and runs executions,
// and the pool that supervises workers and runs periodic maintenance.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/runforge/execore/pkg/cancel"
	"github.com/runforge/execore/pkg/database"
	"github.com/runforge/execore/pkg/models"
)

// Sentinel errors for queue operations.
var (
	// ErrNoItemsAvailable indicates no claimable items are in the queue.
	ErrNoItemsAvailable = errors.New("no queue items available")

	// ErrAtCapacity indicates the global concurrent execution limit has
	// been reached.
	ErrAtCapacity = errors.New("at capacity")
)

// Store is the slice of the database client the queue layer uses.
type Store interface {
	EnqueueItem(ctx context.Context, item *models.QueueItem) error
	DequeueItems(ctx context.Context, workerID string, batch int) ([]*models.QueueItem, error)
	RenewLease(ctx context.Context, queueID, leaseToken string) error
	CompleteQueueItem(ctx context.Context, queueID, leaseToken string) error
	FailQueueItem(ctx context.Context, queueID, leaseToken, failureReason string, retry bool) (bool, error)
	ReapStaleLeases(ctx context.Context) (int, error)
	ReclaimWorkerItems(ctx context.Context, workerIDPrefix string) (int, error)
	QueueStats(ctx context.Context) (*models.QueueStats, float64, error)
	CountProcessingItems(ctx context.Context) (int, error)

	GetExecution(ctx context.Context, executionID string) (*models.Execution, error)
	UpdateExecutionStatus(ctx context.Context, upd database.StatusUpdate) (*database.StatusTransition, error)
	ListExpiredExecutions(ctx context.Context, now time.Time, limit int) ([]*models.Execution, error)
	ExpireApprovals(ctx context.Context) ([]*models.Approval, error)
	ReleaseExecutionLocks(ctx context.Context, executionID string) (int, error)
}

// ExecutionRunner runs one execution to a terminal state.
//
// The runner owns the step loop: it marks steps running, dispatches adapters,
// persists step results and the execution result progressively, and releases
// any asset locks it acquired. The worker only handles claiming, the status
// transitions of the execution record, lease renewal and queue bookkeeping.
type ExecutionRunner interface {
	Run(ctx context.Context, execution *models.Execution, token *cancel.Token) *RunResult
}

// RunResult is the terminal outcome of one run attempt. Step-level detail
// was already written to the database by the runner.
type RunResult struct {
	Status models.ExecutionStatus // completed, partial, failed, cancelled, timed_out
	Err    error                  // cause when Status is failed/cancelled/timed_out
}

// EventSink receives execution status transitions for real-time delivery.
// Implementations must not block the worker; errors are the sink's problem.
type EventSink interface {
	PublishStatusChange(ctx context.Context, tr *database.StatusTransition, errorMessage string)
	PublishRetrying(ctx context.Context, execution *models.Execution, attempt, maxAttempts int, cause string)
}

// DeadlineWatchdog arms one timer per running execution and cancels it when
// the deadline passes, covering runners that do not watch their context.
type DeadlineWatchdog interface {
	Arm(executionID string, deadline time.Time)
	Disarm(executionID string)
}

// MetricsSink receives counters and gauges from the queue layer.
type MetricsSink interface {
	ExecutionStarted(tenantID string, sla models.SLAClass)
	ExecutionFinished(tenantID string, sla models.SLAClass, status models.ExecutionStatus, duration time.Duration)
	DeadLettered(tenantID string)
	ObserveQueueDepth(stats *models.QueueStats)
}

// LockReaper deactivates stale asset locks; the pool calls it on every
// maintenance tick.
type LockReaper interface {
	Reap(ctx context.Context) (int, error)
}

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	IsHealthy        bool               `json:"is_healthy"`
	DBReachable      bool               `json:"db_reachable"`
	DBError          string             `json:"db_error,omitempty"`
	PodID            string             `json:"pod_id"`
	ActiveWorkers    int                `json:"active_workers"`
	TotalWorkers     int                `json:"total_workers"`
	QueueStats       *models.QueueStats `json:"queue_stats,omitempty"`
	AvgAttempts      float64            `json:"avg_attempts"`
	WorkerStats      []WorkerHealth     `json:"worker_stats"`
	LastMaintenance  time.Time          `json:"last_maintenance"`
	LeasesReaped     int                `json:"leases_reaped"`
	LocksReaped      int                `json:"locks_reaped"`
	TimeoutsSwept    int                `json:"timeouts_swept"`
	ApprovalsExpired int                `json:"approvals_expired"`
}

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID                  string       `json:"id"`
	Status              WorkerStatus `json:"status"`
	CurrentExecutionID  string       `json:"current_execution_id,omitempty"`
	ExecutionsProcessed int          `json:"executions_processed"`
	LastActivity        time.Time    `json:"last_activity"`
}
