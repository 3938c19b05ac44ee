package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/runforge/execore/pkg/config"
	"github.com/runforge/execore/pkg/models"
)

// Manager is the policy layer over the database queue primitives: it fills
// in priority clamping, visibility timeouts and attempt budgets so callers
// only say "queue this execution".
type Manager struct {
	store Store
	cfg   *config.QueueConfig
}

// NewManager creates a queue manager.
func NewManager(store Store, cfg *config.QueueConfig) *Manager {
	return &Manager{store: store, cfg: cfg}
}

// Enqueue creates a pending queue item for an execution. maxAttempts comes
// from the execution's timeout plan; zero falls back to a single attempt.
// A second live item for the same execution is rejected by the store with
// database.ErrDuplicate.
func (m *Manager) Enqueue(ctx context.Context, execution *models.Execution, maxAttempts int) (*models.QueueItem, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	item := &models.QueueItem{
		QueueID:                  uuid.New().String(),
		ExecutionID:              execution.ExecutionID,
		TenantID:                 execution.TenantID,
		Priority:                 models.ClampPriority(execution.Priority),
		SLAClass:                 execution.SLAClass,
		Status:                   models.QueuePending,
		VisibilityTimeoutSeconds: m.cfg.VisibilityTimeoutSeconds,
		AttemptCount:             0,
		MaxAttempts:              maxAttempts,
		EnqueuedAt:               time.Now().UTC(),
	}
	if err := m.store.EnqueueItem(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to enqueue execution %s: %w", execution.ExecutionID, err)
	}
	return item, nil
}

// Dequeue claims up to batch items for a worker, respecting the global
// concurrency cap when one is configured.
func (m *Manager) Dequeue(ctx context.Context, workerID string, batch int) ([]*models.QueueItem, error) {
	if max := m.cfg.MaxConcurrentExecutions; max > 0 {
		// Best-effort cap: racy with concurrent workers but bounded by
		// worker count and mitigated by poll jitter.
		processing, err := m.store.CountProcessingItems(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to check processing count: %w", err)
		}
		if processing >= max {
			return nil, ErrAtCapacity
		}
		if remaining := max - processing; batch > remaining {
			batch = remaining
		}
	}

	items, err := m.store.DequeueItems(ctx, workerID, batch)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNoItemsAvailable
	}
	return items, nil
}

// Renew extends the lease on a processing item.
func (m *Manager) Renew(ctx context.Context, item *models.QueueItem) error {
	return m.store.RenewLease(ctx, item.QueueID, leaseToken(item))
}

// Complete finishes a processing item.
func (m *Manager) Complete(ctx context.Context, item *models.QueueItem) error {
	return m.store.CompleteQueueItem(ctx, item.QueueID, leaseToken(item))
}

// Fail records a failed attempt. With retry the item returns to pending
// while attempts remain; otherwise it dead-letters. Returns true when the
// item moved to the DLQ.
func (m *Manager) Fail(ctx context.Context, item *models.QueueItem, cause error, retry bool) (bool, error) {
	reason := "unknown failure"
	if cause != nil {
		reason = cause.Error()
	}
	return m.store.FailQueueItem(ctx, item.QueueID, leaseToken(item), reason, retry)
}

// Stats returns the queue depth snapshot and the average attempt count of
// live items.
func (m *Manager) Stats(ctx context.Context) (*models.QueueStats, float64, error) {
	return m.store.QueueStats(ctx)
}

func leaseToken(item *models.QueueItem) string {
	if item.LeaseToken == nil {
		return ""
	}
	return *item.LeaseToken
}
