// Package locks provides per-asset mutual exclusion on top of the database
// lock table: sorted multi-asset acquisition with backoff, heartbeat leases
// and stale-lock reaping.
package locks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/runforge/execore/pkg/config"
	"github.com/runforge/execore/pkg/database"
	"github.com/runforge/execore/pkg/models"
)

// ErrLockUnavailable is returned when a lock could not be acquired within
// the acquisition timeout.
var ErrLockUnavailable = errors.New("asset lock unavailable")

// Store is the slice of the database client the lock manager uses.
type Store interface {
	TryAcquireLock(ctx context.Context, assetID, tenantID, executionID, ownerTag string, ttl time.Duration) (*models.AssetLock, error)
	HeartbeatLock(ctx context.Context, lockID string, ttl time.Duration) error
	ReleaseLock(ctx context.Context, lockID string) error
	ReapStaleLocks(ctx context.Context, staleAfter time.Duration) ([]*models.AssetLock, error)
}

// Manager acquires and supervises asset locks for one worker process.
type Manager struct {
	store    Store
	cfg      *config.LockConfig
	ownerTag string
	logger   *slog.Logger
}

// NewManager returns a manager stamping ownerTag on every acquired lock.
func NewManager(store Store, cfg *config.LockConfig, ownerTag string) *Manager {
	return &Manager{
		store:    store,
		cfg:      cfg,
		ownerTag: ownerTag,
		logger:   slog.With("component", "lock_manager", "owner_tag", ownerTag),
	}
}

// Acquire takes locks on all assets for an execution, in sorted order so two
// executions wanting overlapping sets cannot deadlock. On any failure the
// locks already taken are released before returning. onLost, when non-nil,
// fires if a heartbeat later discovers the lease was reaped out from under
// the holder.
func (m *Manager) Acquire(ctx context.Context, tenantID, executionID string, assetIDs []string, onLost func(assetID string)) (*Lease, error) {
	sorted := dedupeSorted(assetIDs)
	if len(sorted) == 0 {
		return newLease(m, nil, onLost), nil
	}

	acquired := make([]*models.AssetLock, 0, len(sorted))
	for _, assetID := range sorted {
		lock, err := m.acquireOne(ctx, assetID, tenantID, executionID)
		if err != nil {
			m.releaseAll(acquired)
			return nil, fmt.Errorf("failed to lock asset %s: %w", assetID, err)
		}
		acquired = append(acquired, lock)
	}

	lease := newLease(m, acquired, onLost)
	lease.startHeartbeat()
	return lease, nil
}

// acquireOne retries a single lock with exponential backoff until the
// acquisition timeout. Every failed attempt first reaps stale locks, so a
// dead holder delays acquisition by at most one backoff interval past its
// staleness bound.
func (m *Manager) acquireOne(ctx context.Context, assetID, tenantID, executionID string) (*models.AssetLock, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.RetryInitialInterval()
	bo.MaxInterval = m.cfg.RetryMaxInterval()
	bo.MaxElapsedTime = m.cfg.AcquireTimeout()

	var lock *models.AssetLock
	operation := func() error {
		var err error
		lock, err = m.store.TryAcquireLock(ctx, assetID, tenantID, executionID, m.ownerTag, m.cfg.LeaseDuration())
		if err == nil {
			return nil
		}
		if !errors.Is(err, database.ErrLockHeld) {
			return backoff.Permanent(err)
		}
		if reaped, reapErr := m.store.ReapStaleLocks(ctx, m.cfg.StaleThreshold()); reapErr == nil && len(reaped) > 0 {
			m.logger.Warn("Reaped stale asset locks during acquisition", "count", len(reaped))
		}
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		if errors.Is(err, database.ErrLockHeld) {
			return nil, fmt.Errorf("%w: held by another execution", ErrLockUnavailable)
		}
		return nil, err
	}
	return lock, nil
}

func (m *Manager) releaseAll(locks []*models.AssetLock) {
	// Release in reverse acquisition order, with a fresh context: the
	// caller's may already be cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(locks) - 1; i >= 0; i-- {
		if err := m.store.ReleaseLock(ctx, locks[i].LockID); err != nil {
			m.logger.Error("Failed to release asset lock",
				"lock_id", locks[i].LockID, "asset_id", locks[i].AssetID, "error", err)
		}
	}
}

// Reap deactivates expired and silent locks. Called from the maintenance
// loop.
func (m *Manager) Reap(ctx context.Context) (int, error) {
	reaped, err := m.store.ReapStaleLocks(ctx, m.cfg.StaleThreshold())
	if err != nil {
		return 0, err
	}
	for _, lock := range reaped {
		m.logger.Warn("Reaped stale asset lock",
			"lock_id", lock.LockID, "asset_id", lock.AssetID,
			"execution_id", lock.ExecutionID, "owner_tag", lock.OwnerTag)
	}
	return len(reaped), nil
}

func dedupeSorted(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
