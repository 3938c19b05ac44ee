package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/runforge/execore/pkg/models"
)

const dlqColumns = `dlq_id, queue_id, execution_id, tenant_id, priority,
	sla_class, failure_reason, attempt_count, failed_at, requeued,
	requeued_at, archived, archived_at`

// ErrDeadLetterResolved is returned when a requeue or archive targets a
// dead-letter item that was already requeued or archived.
var ErrDeadLetterResolved = errors.New("dead-letter item already resolved")

// DeadLetterFilter narrows ListDeadLetters. Zero values mean no filter.
type DeadLetterFilter struct {
	TenantID        string
	ExecutionID     string
	IncludeResolved bool
	Limit           int
	Offset          int
}

// ListDeadLetters returns dead-letter items newest-first with the total count
// for pagination. Resolved (requeued or archived) items are hidden unless
// asked for.
func (c *Client) ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]*models.DeadLetterItem, int, error) {
	where := "1=1"
	args := map[string]any{
		"tenant_id":    filter.TenantID,
		"execution_id": filter.ExecutionID,
	}
	if !filter.IncludeResolved {
		where += " AND NOT requeued AND NOT archived"
	}
	if filter.TenantID != "" {
		where += " AND tenant_id = :tenant_id"
	}
	if filter.ExecutionID != "" {
		where += " AND execution_id = :execution_id"
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 25
	}
	if limit > 100 {
		limit = 100
	}
	args["limit"] = limit
	args["offset"] = filter.Offset

	var total int
	query, qargs, err := bindNamed(
		`SELECT COUNT(*) FROM dead_letter_items WHERE `+where, args)
	if err != nil {
		return nil, 0, err
	}
	if err := c.db.GetContext(ctx, &total, c.db.Rebind(query), qargs...); err != nil {
		return nil, 0, fmt.Errorf("failed to count dead-letter items: %w", err)
	}

	items := []*models.DeadLetterItem{}
	query, qargs, err = bindNamed(
		`SELECT `+dlqColumns+` FROM dead_letter_items
		 WHERE `+where+`
		 ORDER BY failed_at DESC
		 LIMIT :limit OFFSET :offset`, args)
	if err != nil {
		return nil, 0, err
	}
	if err := c.db.SelectContext(ctx, &items, c.db.Rebind(query), qargs...); err != nil {
		return nil, 0, fmt.Errorf("failed to list dead-letter items: %w", err)
	}
	return items, total, nil
}

// GetDeadLetter fetches one dead-letter item by id.
func (c *Client) GetDeadLetter(ctx context.Context, dlqID string) (*models.DeadLetterItem, error) {
	var item models.DeadLetterItem
	err := c.db.GetContext(ctx, &item,
		`SELECT `+dlqColumns+` FROM dead_letter_items WHERE dlq_id = $1`, dlqID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dead-letter item: %w", err)
	}
	return &item, nil
}

// RequeueDeadLetter puts a dead-lettered execution back on the queue with a
// fresh attempt budget. The queue item and DLQ row flip in one transaction;
// the caller is responsible for resetting the execution status. This is the
// one sanctioned path that revives a failed queue item.
func (c *Client) RequeueDeadLetter(ctx context.Context, dlqID string) (*models.DeadLetterItem, error) {
	var item models.DeadLetterItem
	err := c.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &item,
			`SELECT `+dlqColumns+` FROM dead_letter_items
			 WHERE dlq_id = $1 FOR UPDATE`, dlqID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock dead-letter item: %w", err)
		}
		if item.Requeued || item.Archived {
			return ErrDeadLetterResolved
		}

		if err := requeueItemTx(ctx, tx, item.QueueID); err != nil {
			return err
		}

		err = tx.GetContext(ctx, &item, `
			UPDATE dead_letter_items SET requeued = true, requeued_at = now()
			WHERE dlq_id = $1
			RETURNING `+dlqColumns, dlqID)
		if err != nil {
			return fmt.Errorf("failed to mark dead-letter item requeued: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// ArchiveDeadLetter marks a dead-letter item as inspected and closed without
// reviving the execution.
func (c *Client) ArchiveDeadLetter(ctx context.Context, dlqID string) (*models.DeadLetterItem, error) {
	var item models.DeadLetterItem
	err := c.db.GetContext(ctx, &item, `
		UPDATE dead_letter_items SET archived = true, archived_at = now()
		WHERE dlq_id = $1 AND NOT requeued AND NOT archived
		RETURNING `+dlqColumns, dlqID)
	if errors.Is(err, sql.ErrNoRows) {
		// Distinguish missing from already resolved.
		if _, getErr := c.GetDeadLetter(ctx, dlqID); getErr != nil {
			return nil, getErr
		}
		return nil, ErrDeadLetterResolved
	}
	if err != nil {
		return nil, fmt.Errorf("failed to archive dead-letter item: %w", err)
	}
	return &item, nil
}

// DeleteArchivedDeadLetters removes archived DLQ rows older than the
// retention bound. Returns how many rows were deleted.
func (c *Client) DeleteArchivedDeadLetters(ctx context.Context, olderThanDays int) (int, error) {
	res, err := c.db.ExecContext(ctx, `
		DELETE FROM dead_letter_items
		WHERE archived AND archived_at < now() - make_interval(days => $1)`,
		olderThanDays)
	if err != nil {
		return 0, fmt.Errorf("failed to delete archived dead-letter items: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
