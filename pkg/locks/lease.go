package locks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/runforge/execore/pkg/database"
	"github.com/runforge/execore/pkg/models"
)

// Lease is the set of locks held for one execution. A background goroutine
// heartbeats every lock until Release; if a heartbeat discovers a lock is
// gone (reaped or released elsewhere), the onLost callback fires once for
// that asset and heartbeating stops.
type Lease struct {
	manager *Manager
	locks   []*models.AssetLock
	onLost  func(assetID string)

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newLease(m *Manager, locks []*models.AssetLock, onLost func(assetID string)) *Lease {
	return &Lease{
		manager: m,
		locks:   locks,
		onLost:  onLost,
		stopCh:  make(chan struct{}),
	}
}

// AssetIDs returns the assets covered by the lease, in acquisition order.
func (l *Lease) AssetIDs() []string {
	ids := make([]string, len(l.locks))
	for i, lock := range l.locks {
		ids[i] = lock.AssetID
	}
	return ids
}

func (l *Lease) startHeartbeat() {
	if len(l.locks) == 0 {
		return
	}
	l.wg.Add(1)
	go l.heartbeatLoop()
}

func (l *Lease) heartbeatLoop() {
	defer l.wg.Done()

	interval := l.manager.cfg.HeartbeatInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			if !l.heartbeatOnce() {
				return
			}
		}
	}
}

// heartbeatOnce renews every lock. Returns false when ownership of any lock
// has been lost, which stops the loop.
func (l *Lease) heartbeatOnce() bool {
	ctx, cancel := context.WithTimeout(context.Background(), l.manager.cfg.HeartbeatInterval())
	defer cancel()

	for _, lock := range l.locks {
		err := l.manager.store.HeartbeatLock(ctx, lock.LockID, l.manager.cfg.LeaseDuration())
		if err == nil {
			continue
		}
		if errors.Is(err, database.ErrNotFound) {
			l.manager.logger.Error("Asset lock ownership lost",
				"lock_id", lock.LockID, "asset_id", lock.AssetID, "execution_id", lock.ExecutionID)
			if l.onLost != nil {
				l.onLost(lock.AssetID)
			}
			return false
		}
		// Transient failure: the lock row is still ours until it goes
		// stale, so keep trying on the next tick.
		l.manager.logger.Warn("Asset lock heartbeat failed",
			"lock_id", lock.LockID, "asset_id", lock.AssetID, "error", err)
	}
	return true
}

// Release stops heartbeating and releases every lock in reverse order.
// Safe to call more than once.
func (l *Lease) Release(ctx context.Context) {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		l.wg.Wait()
		for i := len(l.locks) - 1; i >= 0; i-- {
			lock := l.locks[i]
			if err := l.manager.store.ReleaseLock(ctx, lock.LockID); err != nil {
				l.manager.logger.Error("Failed to release asset lock",
					"lock_id", lock.LockID, "asset_id", lock.AssetID, "error", err)
			}
		}
	})
}
