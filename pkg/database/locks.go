package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/runforge/execore/pkg/models"
)

const lockColumns = `lock_id, asset_id, tenant_id, execution_id, owner_tag,
	acquired_at, expires_at, last_heartbeat_at, is_active`

// ErrLockHeld is returned when the lock's active slot is taken by another
// execution.
var ErrLockHeld = errors.New("asset lock held")

// TryAcquireLock inserts an active lock for (asset, tenant). The partial
// unique index enforces single ownership; a conflicting insert maps to
// ErrLockHeld so the caller can back off and retry. Acquisition is
// re-entrant: if the same execution already holds the lock, the existing
// lease is returned with its expiry refreshed.
func (c *Client) TryAcquireLock(ctx context.Context, assetID, tenantID, executionID, ownerTag string, ttl time.Duration) (*models.AssetLock, error) {
	lock := &models.AssetLock{
		LockID:      uuid.New().String(),
		AssetID:     assetID,
		TenantID:    tenantID,
		ExecutionID: executionID,
		OwnerTag:    ownerTag,
	}
	err := c.db.GetContext(ctx, lock, `
		INSERT INTO asset_locks (
			lock_id, asset_id, tenant_id, execution_id, owner_tag,
			acquired_at, expires_at, last_heartbeat_at, is_active
		) VALUES ($1, $2, $3, $4, $5, now(), now() + make_interval(secs => $6), now(), true)
		RETURNING `+lockColumns,
		lock.LockID, assetID, tenantID, executionID, ownerTag, ttl.Seconds())
	if err == nil {
		return lock, nil
	}
	if !isUniqueViolation(err) {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	// Slot taken. Re-entrant refresh if we are the holder.
	var existing models.AssetLock
	getErr := c.db.GetContext(ctx, &existing, `
		UPDATE asset_locks SET
			expires_at        = now() + make_interval(secs => $4),
			last_heartbeat_at = now()
		WHERE asset_id = $1 AND tenant_id = $2 AND execution_id = $3 AND is_active
		RETURNING `+lockColumns,
		assetID, tenantID, executionID, ttl.Seconds())
	if getErr == nil {
		return &existing, nil
	}
	if errors.Is(getErr, sql.ErrNoRows) {
		return nil, ErrLockHeld
	}
	return nil, fmt.Errorf("failed to refresh lock: %w", getErr)
}

// HeartbeatLock extends an active lock's expiry. A zero-row update means the
// lock was reaped or released out from under the holder, which the caller
// must treat as loss of ownership.
func (c *Client) HeartbeatLock(ctx context.Context, lockID string, ttl time.Duration) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE asset_locks SET
			expires_at        = now() + make_interval(secs => $2),
			last_heartbeat_at = now()
		WHERE lock_id = $1 AND is_active`,
		lockID, ttl.Seconds())
	if err != nil {
		return fmt.Errorf("failed to heartbeat lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseLock deactivates a lock. Idempotent: releasing an already released
// or reaped lock is a no-op.
func (c *Client) ReleaseLock(ctx context.Context, lockID string) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE asset_locks SET is_active = false WHERE lock_id = $1 AND is_active`,
		lockID)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// ReleaseExecutionLocks deactivates every active lock held by an execution.
// Used by cleanup after worker crashes.
func (c *Client) ReleaseExecutionLocks(ctx context.Context, executionID string) (int, error) {
	res, err := c.db.ExecContext(ctx,
		`UPDATE asset_locks SET is_active = false WHERE execution_id = $1 AND is_active`,
		executionID)
	if err != nil {
		return 0, fmt.Errorf("failed to release execution locks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ReapStaleLocks deactivates active locks that expired or whose holder has
// been silent past the staleness bound. Returns the reaped locks so callers
// can log and count them.
func (c *Client) ReapStaleLocks(ctx context.Context, staleAfter time.Duration) ([]*models.AssetLock, error) {
	reaped := []*models.AssetLock{}
	err := c.db.SelectContext(ctx, &reaped, `
		UPDATE asset_locks SET is_active = false
		WHERE is_active
		  AND (expires_at < now() OR last_heartbeat_at < now() - make_interval(secs => $1))
		RETURNING `+lockColumns,
		staleAfter.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to reap stale locks: %w", err)
	}
	return reaped, nil
}

// GetActiveLock fetches the active lock on (asset, tenant), if any.
func (c *Client) GetActiveLock(ctx context.Context, assetID, tenantID string) (*models.AssetLock, error) {
	var lock models.AssetLock
	err := c.db.GetContext(ctx, &lock,
		`SELECT `+lockColumns+` FROM asset_locks
		 WHERE asset_id = $1 AND tenant_id = $2 AND is_active`,
		assetID, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active lock: %w", err)
	}
	return &lock, nil
}

// ListActiveLocks returns all active locks, optionally filtered by tenant.
func (c *Client) ListActiveLocks(ctx context.Context, tenantID string) ([]*models.AssetLock, error) {
	locks := []*models.AssetLock{}
	query := `SELECT ` + lockColumns + ` FROM asset_locks WHERE is_active`
	args := []any{}
	if tenantID != "" {
		query += ` AND tenant_id = $1`
		args = append(args, tenantID)
	}
	query += ` ORDER BY acquired_at`
	if err := c.db.SelectContext(ctx, &locks, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list active locks: %w", err)
	}
	return locks, nil
}
