package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/runforge/execore/pkg/cancel"
	"github.com/runforge/execore/pkg/config"
	"github.com/runforge/execore/pkg/database"
	"github.com/runforge/execore/pkg/models"
	"github.com/runforge/execore/pkg/timeout"
)

// timeoutSweepBatch bounds how many blown deadlines one maintenance tick
// handles.
const timeoutSweepBatch = 100

// WorkerPool manages a set of queue workers plus the periodic maintenance
// loop: stale lease and lock reaping, the execution deadline sweep and
// approval expiry.
type WorkerPool struct {
	podID      string
	store      Store
	cfg        *config.QueueConfig
	runner     ExecutionRunner
	cancels    *cancel.Manager
	watchdog   *timeout.Watchdog
	events     EventSink   // may be nil
	metrics    MetricsSink // may be nil
	lockReaper LockReaper  // may be nil

	mu       sync.RWMutex
	workers  []*Worker
	nextID   int
	started  bool
	ctx      context.Context
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	maint maintenanceState
}

// maintenanceState tracks maintenance metrics (thread-safe).
type maintenanceState struct {
	mu               sync.Mutex
	lastRun          time.Time
	leasesReaped     int
	locksReaped      int
	timeoutsSwept    int
	approvalsExpired int
}

// NewWorkerPool creates a worker pool. events, metrics and lockReaper may
// be nil.
func NewWorkerPool(podID string, store Store, cfg *config.QueueConfig, runner ExecutionRunner, cancels *cancel.Manager, events EventSink, metrics MetricsSink, lockReaper LockReaper) *WorkerPool {
	return &WorkerPool{
		podID:      podID,
		store:      store,
		cfg:        cfg,
		runner:     runner,
		cancels:    cancels,
		watchdog:   timeout.NewWatchdog(cancels),
		events:     events,
		metrics:    metrics,
		lockReaper: lockReaper,
		stopCh:     make(chan struct{}),
	}
}

// Start reclaims items leased by a previous run of this pod, spawns worker
// goroutines and the maintenance loop. Safe to call multiple times;
// subsequent calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return nil
	}
	p.started = true
	p.ctx = ctx

	// Items still leased under this pod's worker IDs belong to a previous
	// process that crashed. Reclaiming them now beats waiting out the
	// visibility timeout.
	reclaimed, err := p.store.ReclaimWorkerItems(ctx, p.podID+"-worker-")
	if err != nil {
		return fmt.Errorf("failed to reclaim items from previous run: %w", err)
	}
	if reclaimed > 0 {
		slog.Warn("Reclaimed queue items from previous run", "pod_id", p.podID, "count", reclaimed)
	}

	slog.Info("Starting worker pool", "pod_id", p.podID, "worker_count", p.cfg.WorkerCount)
	for i := 0; i < p.cfg.WorkerCount; i++ {
		p.spawnWorkerLocked(ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runMaintenance(ctx)
	}()

	slog.Info("Worker pool started")
	return nil
}

// spawnWorkerLocked starts one worker. Caller holds p.mu.
func (p *WorkerPool) spawnWorkerLocked(ctx context.Context) {
	workerID := fmt.Sprintf("%s-worker-%d", p.podID, p.nextID)
	p.nextID++
	worker := NewWorker(workerID, p.podID, p.store, p.cfg, p.runner, p.cancels, p.watchdog, p.events, p.metrics)
	p.workers = append(p.workers, worker)
	worker.Start(ctx)
}

// Stop shuts the pool down: workers stop fetching, in-flight executions are
// cancelled with reason system_shutdown, and the pool waits up to the
// graceful shutdown timeout for them to drain.
func (p *WorkerPool) Stop() {
	slog.Info("Stopping worker pool gracefully", "pod_id", p.podID)

	if n := p.cancels.CancelAll(cancel.ReasonSystemShutdown, "worker pool shutting down"); n > 0 {
		slog.Info("Cancelled in-flight executions for shutdown", "count", n)
	}

	p.mu.RLock()
	workers := append([]*Worker(nil), p.workers...)
	p.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		for _, worker := range workers {
			worker.Stop()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.cfg.GracefulShutdownTimeout()):
		slog.Error("Worker pool drain timed out, abandoning in-flight executions",
			"timeout", p.cfg.GracefulShutdownTimeout())
	}

	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	p.watchdog.Stop()

	slog.Info("Worker pool stopped")
}

// Scale adjusts the number of workers at runtime. Shrinking stops the
// newest workers first and waits for their current executions.
func (p *WorkerPool) Scale(n int) {
	if n < 0 {
		n = 0
	}
	p.mu.Lock()
	current := len(p.workers)
	if !p.started || n == current {
		p.mu.Unlock()
		return
	}

	slog.Info("Scaling worker pool", "pod_id", p.podID, "from", current, "to", n)

	if n > current {
		for i := current; i < n; i++ {
			p.spawnWorkerLocked(p.ctx)
		}
		p.mu.Unlock()
		return
	}

	victims := p.workers[n:]
	p.workers = p.workers[:n]
	p.mu.Unlock()

	for _, worker := range victims {
		worker.Stop()
	}
}

// Cancel cancels an execution running on this pod. Returns false when the
// execution is not in flight here.
func (p *WorkerPool) Cancel(executionID string, reason cancel.Reason, message string) bool {
	return p.cancels.Cancel(executionID, reason, message)
}

// runMaintenance drives the periodic maintenance tick. All pods run it
// independently; the underlying operations are idempotent.
func (p *WorkerPool) runMaintenance(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.MaintenanceInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.maintain(ctx)
		}
	}
}

// maintain runs one maintenance pass.
func (p *WorkerPool) maintain(ctx context.Context) {
	leases, err := p.store.ReapStaleLeases(ctx)
	if err != nil {
		slog.Error("Stale lease reaping failed", "error", err)
	} else if leases > 0 {
		slog.Warn("Reaped stale queue leases", "count", leases)
	}

	var locks int
	if p.lockReaper != nil {
		if locks, err = p.lockReaper.Reap(ctx); err != nil {
			slog.Error("Stale lock reaping failed", "error", err)
		}
	}

	timeouts := p.sweepTimeouts(ctx)
	approvals := p.expireApprovals(ctx)
	p.restartDeadWorkers()

	if p.metrics != nil {
		if stats, _, statsErr := p.store.QueueStats(ctx); statsErr == nil {
			p.metrics.ObserveQueueDepth(stats)
		}
	}

	p.maint.mu.Lock()
	p.maint.lastRun = time.Now()
	p.maint.leasesReaped += leases
	p.maint.locksReaped += locks
	p.maint.timeoutsSwept += timeouts
	p.maint.approvalsExpired += approvals
	p.maint.mu.Unlock()
}

// sweepTimeouts terminates executions whose deadline has passed. An
// execution running on this pod is cancelled cooperatively through its
// token; anything else (stuck queued, or running on a dead pod past its
// lease) gets its status forced directly.
func (p *WorkerPool) sweepTimeouts(ctx context.Context) int {
	expired, err := p.store.ListExpiredExecutions(ctx, time.Now(), timeoutSweepBatch)
	if err != nil {
		slog.Error("Timeout sweep query failed", "error", err)
		return 0
	}

	swept := 0
	for _, execution := range expired {
		msg := fmt.Sprintf("execution deadline %s exceeded",
			execution.TimeoutAt.UTC().Format(time.RFC3339))

		if p.cancels.Cancel(execution.ExecutionID, cancel.ReasonTimeout, msg) {
			// In flight on this pod: the worker writes the terminal
			// status when the runner unwinds.
			swept++
			continue
		}

		// queued/approved executions move to cancelled; only a running
		// one can become timed_out.
		to := models.StatusCancelled
		if execution.Status == models.StatusRunning {
			to = models.StatusTimedOut
		}
		tr, updErr := p.store.UpdateExecutionStatus(ctx, database.StatusUpdate{
			ExecutionID:  execution.ExecutionID,
			To:           to,
			ErrorMessage: &msg,
		})
		if updErr != nil {
			slog.Error("Failed to time out execution",
				"execution_id", execution.ExecutionID, "error", updErr)
			continue
		}
		if p.events != nil {
			p.events.PublishStatusChange(ctx, tr, msg)
		}
		if _, relErr := p.store.ReleaseExecutionLocks(ctx, execution.ExecutionID); relErr != nil {
			slog.Warn("Failed to release locks of timed-out execution",
				"execution_id", execution.ExecutionID, "error", relErr)
		}
		slog.Warn("Execution swept past its deadline",
			"execution_id", execution.ExecutionID, "previous_status", execution.Status, "status", to)
		swept++
	}
	return swept
}

// expireApprovals cancels executions whose approval window closed without a
// decision.
func (p *WorkerPool) expireApprovals(ctx context.Context) int {
	expired, err := p.store.ExpireApprovals(ctx)
	if err != nil {
		slog.Error("Approval expiry failed", "error", err)
		return 0
	}

	for _, approval := range expired {
		msg := "approval window expired without a decision"
		tr, updErr := p.store.UpdateExecutionStatus(ctx, database.StatusUpdate{
			ExecutionID:  approval.ExecutionID,
			To:           models.StatusCancelled,
			ErrorMessage: &msg,
		})
		if updErr != nil {
			slog.Error("Failed to cancel execution for expired approval",
				"execution_id", approval.ExecutionID, "approval_id", approval.ApprovalID, "error", updErr)
			continue
		}
		if p.events != nil {
			p.events.PublishStatusChange(ctx, tr, msg)
		}
		slog.Warn("Approval expired, execution cancelled",
			"execution_id", approval.ExecutionID, "approval_id", approval.ApprovalID)
	}
	return len(expired)
}

// restartDeadWorkers replaces workers whose loop exited without the pool
// stopping (a panic escaping the runner, for instance).
func (p *WorkerPool) restartDeadWorkers() {
	select {
	case <-p.stopCh:
		return
	default:
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for i, worker := range p.workers {
		if !worker.Stopped() {
			continue
		}
		slog.Error("Worker died unexpectedly, replacing it", "worker_id", worker.id)
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, p.nextID)
		p.nextID++
		replacement := NewWorker(workerID, p.podID, p.store, p.cfg, p.runner, p.cancels, p.watchdog, p.events, p.metrics)
		p.workers[i] = replacement
		replacement.Start(p.ctx)
	}
}

// Health returns an aggregate snapshot of the pool, its workers and the
// queue.
func (p *WorkerPool) Health(ctx context.Context) *PoolHealth {
	stats, avgAttempts, err := p.store.QueueStats(ctx)

	p.mu.RLock()
	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		h := worker.Health()
		workerStats[i] = h
		if h.Status == WorkerStatusWorking {
			activeWorkers++
		}
	}
	totalWorkers := len(p.workers)
	p.mu.RUnlock()

	p.maint.mu.Lock()
	lastMaintenance := p.maint.lastRun
	leasesReaped := p.maint.leasesReaped
	locksReaped := p.maint.locksReaped
	timeoutsSwept := p.maint.timeoutsSwept
	approvalsExpired := p.maint.approvalsExpired
	p.maint.mu.Unlock()

	var dbError string
	if err != nil {
		dbError = fmt.Sprintf("queue stats query failed: %v", err)
		slog.Error("Failed to query queue stats for health check", "pod_id", p.podID, "error", err)
	}

	return &PoolHealth{
		IsHealthy:        totalWorkers > 0 && err == nil,
		DBReachable:      err == nil,
		DBError:          dbError,
		PodID:            p.podID,
		ActiveWorkers:    activeWorkers,
		TotalWorkers:     totalWorkers,
		QueueStats:       stats,
		AvgAttempts:      avgAttempts,
		WorkerStats:      workerStats,
		LastMaintenance:  lastMaintenance,
		LeasesReaped:     leasesReaped,
		LocksReaped:      locksReaped,
		TimeoutsSwept:    timeoutsSwept,
		ApprovalsExpired: approvalsExpired,
	}
}
