package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/runforge/execore/pkg/models"
)

const queueColumns = `queue_id, execution_id, tenant_id, priority, sla_class,
	status, lease_token, lease_expires_at, visibility_timeout_seconds,
	attempt_count, max_attempts, last_error, worker_id, enqueued_at,
	dequeued_at, completed_at`

// EnqueueItem inserts a pending queue item. The partial unique index on
// execution_id rejects a second live item for the same execution.
func (c *Client) EnqueueItem(ctx context.Context, item *models.QueueItem) error {
	_, err := c.db.NamedExecContext(ctx, `
		INSERT INTO queue_items (
			queue_id, execution_id, tenant_id, priority, sla_class, status,
			visibility_timeout_seconds, attempt_count, max_attempts, enqueued_at
		) VALUES (
			:queue_id, :execution_id, :tenant_id, :priority, :sla_class, :status,
			:visibility_timeout_seconds, :attempt_count, :max_attempts, :enqueued_at
		)`, item)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to enqueue item: %w", err)
	}
	return nil
}

// DequeueItems atomically claims up to batch available items for a worker.
// An item is available iff pending, unleased or lease-expired, and under its
// attempt bound. Claiming flips it to processing with a fresh lease token and
// lease_expires_at derived from the item's visibility timeout. SKIP LOCKED
// keeps independent workers from contending on the same rows; ordering is
// priority first, then enqueue time.
func (c *Client) DequeueItems(ctx context.Context, workerID string, batch int) ([]*models.QueueItem, error) {
	if batch <= 0 {
		batch = 1
	}
	items := []*models.QueueItem{}
	err := c.db.SelectContext(ctx, &items, `
		UPDATE queue_items SET
			status           = 'processing',
			lease_token      = gen_random_uuid()::text,
			lease_expires_at = now() + make_interval(secs => visibility_timeout_seconds),
			dequeued_at      = now(),
			worker_id        = $1
		WHERE queue_id IN (
			SELECT queue_id FROM queue_items
			WHERE status = 'pending'
			  AND (lease_expires_at IS NULL OR lease_expires_at < now())
			  AND attempt_count < max_attempts
			ORDER BY priority ASC, enqueued_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+queueColumns,
		workerID, batch)
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue items: %w", err)
	}
	return items, nil
}

// RenewLease extends the lease of a processing item. The extension only
// applies when the token matches, proving the caller still owns the item;
// otherwise ErrLeaseMismatch is returned and the worker must abandon it.
func (c *Client) RenewLease(ctx context.Context, queueID, leaseToken string) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE queue_items SET
			lease_expires_at = now() + make_interval(secs => visibility_timeout_seconds)
		WHERE queue_id = $1 AND lease_token = $2 AND status = 'processing'`,
		queueID, leaseToken)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseMismatch
	}
	return nil
}

// CompleteQueueItem finishes a processing item. Requires proof of ownership
// via the lease token.
func (c *Client) CompleteQueueItem(ctx context.Context, queueID, leaseToken string) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE queue_items SET
			status           = 'completed',
			completed_at     = now(),
			lease_token      = NULL,
			lease_expires_at = NULL
		WHERE queue_id = $1 AND lease_token = $2 AND status = 'processing'`,
		queueID, leaseToken)
	if err != nil {
		return fmt.Errorf("failed to complete queue item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseMismatch
	}
	return nil
}

// FailQueueItem records a failed processing attempt. With retry requested and
// attempts remaining the item goes back to pending with the lease cleared and
// the attempt counted; otherwise it is marked failed and a dead-letter row is
// written in the same transaction. Returns true when the item moved to the
// DLQ.
func (c *Client) FailQueueItem(ctx context.Context, queueID, leaseToken, failureReason string, retry bool) (bool, error) {
	var deadLettered bool
	err := c.withTx(ctx, func(tx *sqlx.Tx) error {
		var item models.QueueItem
		err := tx.GetContext(ctx, &item,
			`SELECT `+queueColumns+` FROM queue_items
			 WHERE queue_id = $1 FOR UPDATE`, queueID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock queue item: %w", err)
		}
		if item.Status != models.QueueProcessing || item.LeaseToken == nil || *item.LeaseToken != leaseToken {
			return ErrLeaseMismatch
		}

		if retry && item.AttemptCount+1 < item.MaxAttempts {
			_, err = tx.ExecContext(ctx, `
				UPDATE queue_items SET
					status           = 'pending',
					attempt_count    = attempt_count + 1,
					last_error       = $2,
					lease_token      = NULL,
					lease_expires_at = NULL,
					worker_id        = NULL
				WHERE queue_id = $1`, queueID, failureReason)
			if err != nil {
				return fmt.Errorf("failed to re-pend queue item: %w", err)
			}
			return nil
		}

		deadLettered = true
		return moveToDeadLetterTx(ctx, tx, &item, failureReason)
	})
	if err != nil {
		return false, err
	}
	return deadLettered, nil
}

// moveToDeadLetterTx marks an item failed and snapshots it into the DLQ in
// the caller's transaction.
func moveToDeadLetterTx(ctx context.Context, tx *sqlx.Tx, item *models.QueueItem, failureReason string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE queue_items SET
			status           = 'failed',
			attempt_count    = attempt_count + 1,
			last_error       = $2,
			lease_token      = NULL,
			lease_expires_at = NULL,
			completed_at     = now()
		WHERE queue_id = $1`, item.QueueID, failureReason)
	if err != nil {
		return fmt.Errorf("failed to mark queue item failed: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO dead_letter_items (
			dlq_id, queue_id, execution_id, tenant_id, priority, sla_class,
			failure_reason, attempt_count, failed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (queue_id) DO NOTHING`,
		uuid.New().String(), item.QueueID, item.ExecutionID, item.TenantID,
		item.Priority, item.SLAClass, failureReason, item.AttemptCount+1)
	if err != nil {
		return fmt.Errorf("failed to write dead-letter row: %w", err)
	}
	return nil
}

// ReapStaleLeases recovers processing items whose lease expired, which means
// the owning worker died or lost connectivity mid-run. Each reap counts as a
// failed attempt so a crash-looping execution still converges on the DLQ:
// items with attempts remaining return to pending, the rest are dead-lettered.
// Returns how many items were touched.
func (c *Client) ReapStaleLeases(ctx context.Context) (int, error) {
	reaped := 0
	err := c.withTx(ctx, func(tx *sqlx.Tx) error {
		stale := []*models.QueueItem{}
		err := tx.SelectContext(ctx, &stale,
			`SELECT `+queueColumns+` FROM queue_items
			 WHERE status = 'processing' AND lease_expires_at < now()
			 FOR UPDATE SKIP LOCKED`)
		if err != nil {
			return fmt.Errorf("failed to query stale leases: %w", err)
		}

		for _, item := range stale {
			if item.AttemptCount+1 < item.MaxAttempts {
				_, err = tx.ExecContext(ctx, `
					UPDATE queue_items SET
						status           = 'pending',
						attempt_count    = attempt_count + 1,
						last_error       = 'lease expired: worker lost',
						lease_token      = NULL,
						lease_expires_at = NULL,
						worker_id        = NULL
					WHERE queue_id = $1`, item.QueueID)
				if err != nil {
					return fmt.Errorf("failed to reap stale lease: %w", err)
				}
			} else {
				if err := moveToDeadLetterTx(ctx, tx, item, "lease expired: worker lost"); err != nil {
					return err
				}
			}
			reaped++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return reaped, nil
}

// ReclaimWorkerItems re-pends processing items claimed by a worker id prefix.
// Called once at startup so a restarted host immediately recovers the items
// it abandoned, without waiting for their leases to expire. The attempt is
// counted for the same reason as in ReapStaleLeases.
func (c *Client) ReclaimWorkerItems(ctx context.Context, workerIDPrefix string) (int, error) {
	res, err := c.db.ExecContext(ctx, `
		UPDATE queue_items SET
			status           = 'pending',
			attempt_count    = attempt_count + 1,
			last_error       = 'reclaimed: worker host restarted',
			lease_token      = NULL,
			lease_expires_at = NULL,
			worker_id        = NULL
		WHERE status = 'processing' AND worker_id LIKE $1 || '%'`,
		workerIDPrefix)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim worker items: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// GetQueueItem fetches one queue item by id.
func (c *Client) GetQueueItem(ctx context.Context, queueID string) (*models.QueueItem, error) {
	var item models.QueueItem
	err := c.db.GetContext(ctx, &item,
		`SELECT `+queueColumns+` FROM queue_items WHERE queue_id = $1`, queueID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue item: %w", err)
	}
	return &item, nil
}

// GetLiveQueueItemByExecution fetches the pending or processing item of an
// execution, if any.
func (c *Client) GetLiveQueueItemByExecution(ctx context.Context, executionID string) (*models.QueueItem, error) {
	var item models.QueueItem
	err := c.db.GetContext(ctx, &item,
		`SELECT `+queueColumns+` FROM queue_items
		 WHERE execution_id = $1 AND status IN ('pending', 'processing')`,
		executionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get live queue item: %w", err)
	}
	return &item, nil
}

// QueueStats returns queue depth per status, current DLQ size and the average
// attempt count over non-completed items.
func (c *Client) QueueStats(ctx context.Context) (*models.QueueStats, float64, error) {
	var stats models.QueueStats
	err := c.db.GetContext(ctx, &stats, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending')    AS pending,
			COUNT(*) FILTER (WHERE status = 'processing') AS processing,
			COUNT(*) FILTER (WHERE status = 'completed')  AS completed,
			COUNT(*) FILTER (WHERE status = 'failed')     AS failed,
			(SELECT COUNT(*) FROM dead_letter_items WHERE NOT archived) AS dead_letter
		FROM queue_items`)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query queue stats: %w", err)
	}

	var avgAttempts sql.NullFloat64
	err = c.db.GetContext(ctx, &avgAttempts,
		`SELECT AVG(attempt_count) FROM queue_items WHERE status != 'completed'`)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query average attempts: %w", err)
	}
	return &stats, avgAttempts.Float64, nil
}

// CountProcessingItems returns how many items are currently being processed.
// Used for the optional global concurrency cap.
func (c *Client) CountProcessingItems(ctx context.Context) (int, error) {
	var n int
	err := c.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM queue_items WHERE status = 'processing'`)
	if err != nil {
		return 0, fmt.Errorf("failed to count processing items: %w", err)
	}
	return n, nil
}

// requeueItemTx resets a failed queue item back to pending with attempts
// cleared, inside the caller's transaction. Used by the dead-letter requeue
// admin flow.
func requeueItemTx(ctx context.Context, tx *sqlx.Tx, queueID string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE queue_items SET
			status           = 'pending',
			attempt_count    = 0,
			last_error       = NULL,
			lease_token      = NULL,
			lease_expires_at = NULL,
			worker_id        = NULL,
			dequeued_at      = NULL,
			completed_at     = NULL,
			enqueued_at      = now()
		WHERE queue_id = $1 AND status = 'failed'`, queueID)
	if err != nil {
		return fmt.Errorf("failed to requeue item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
