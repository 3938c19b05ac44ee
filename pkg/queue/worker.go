package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/runforge/execore/pkg/cancel"
	"github.com/runforge/execore/pkg/config"
	"github.com/runforge/execore/pkg/database"
	"github.com/runforge/execore/pkg/models"
)

// Worker is a single queue worker that polls for, leases and runs
// executions.
type Worker struct {
	id      string
	podID   string
	manager *Manager
	store   Store
	cfg     *config.QueueConfig
	runner   ExecutionRunner
	cancels  *cancel.Manager
	watchdog DeadlineWatchdog // may be nil
	events   EventSink        // may be nil
	metrics  MetricsSink      // may be nil

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
	wg       sync.WaitGroup

	// Health tracking
	mu                  sync.RWMutex
	status              WorkerStatus
	currentExecutionID  string
	executionsProcessed int
	lastActivity        time.Time
}

// NewWorker creates a queue worker. watchdog, events and metrics may be nil.
func NewWorker(id, podID string, store Store, cfg *config.QueueConfig, runner ExecutionRunner, cancels *cancel.Manager, watchdog DeadlineWatchdog, events EventSink, metrics MetricsSink) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		manager:      NewManager(store, cfg),
		store:        store,
		cfg:          cfg,
		runner:       runner,
		cancels:      cancels,
		watchdog:     watchdog,
		events:       events,
		metrics:      metrics,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish its current
// executions. Safe to call multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Stopped reports whether the worker loop has exited, for the pool's
// dead-worker check.
func (w *Worker) Stopped() bool {
	select {
	case <-w.doneCh:
		return true
	default:
		return false
	}
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:                  w.id,
		Status:              w.status,
		CurrentExecutionID:  w.currentExecutionID,
		ExecutionsProcessed: w.executionsProcessed,
		LastActivity:        w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	defer close(w.doneCh)

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoItemsAvailable) || errors.Is(err, ErrAtCapacity) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing queue items", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess claims a batch of items and processes them sequentially.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	items, err := w.manager.Dequeue(ctx, w.id, w.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, item := range items {
		select {
		case <-w.stopCh:
			// Shutting down: give the unstarted items back immediately
			// instead of letting their leases run out.
			if _, failErr := w.manager.Fail(ctx, item, errors.New("worker shutdown before start"), true); failErr != nil {
				slog.Warn("Failed to return item on shutdown", "queue_id", item.QueueID, "error", failErr)
			}
			continue
		default:
		}
		w.processItem(ctx, item)
	}
	return nil
}

// processItem runs a single leased execution and settles the outcome. A
// failed attempt with retry budget left goes back to the queue rather than
// to a terminal state.
func (w *Worker) processItem(ctx context.Context, item *models.QueueItem) {
	log := slog.With("worker_id", w.id, "queue_id", item.QueueID, "execution_id", item.ExecutionID)

	execution, err := w.store.GetExecution(ctx, item.ExecutionID)
	if err != nil {
		log.Error("Failed to load execution for queue item", "error", err)
		if errors.Is(err, database.ErrNotFound) {
			_ = w.manager.Complete(ctx, item)
		}
		return
	}

	// The execution may have been cancelled or timed out between enqueue
	// and claim. A terminal record means there is nothing to run.
	if execution.Status.IsTerminal() {
		log.Info("Claimed item for terminal execution, discarding", "status", execution.Status)
		_ = w.manager.Complete(ctx, item)
		return
	}

	tr, err := w.store.UpdateExecutionStatus(ctx, database.StatusUpdate{
		ExecutionID: execution.ExecutionID,
		To:          models.StatusRunning,
	})
	if err != nil {
		if errors.Is(err, database.ErrInvalidTransition) {
			log.Warn("Execution not runnable, discarding item", "status", execution.Status)
			_ = w.manager.Complete(ctx, item)
			return
		}
		log.Error("Failed to mark execution running", "error", err)
		_, _ = w.manager.Fail(ctx, item, fmt.Errorf("failed to mark running: %w", err), true)
		return
	}
	w.publishTransition(ctx, tr, "")
	if w.metrics != nil {
		w.metrics.ExecutionStarted(execution.TenantID, execution.SLAClass)
	}

	w.setStatus(WorkerStatusWorking, execution.ExecutionID)
	defer w.setStatus(WorkerStatusIdle, "")

	log.Info("Execution claimed", "attempt", item.AttemptCount+1, "max_attempts", item.MaxAttempts)
	started := time.Now()

	result := w.runExecution(ctx, item, execution)

	terminal, retried := w.settleRun(item, execution, result)

	// Belt against runner crashes: any asset locks still held by this
	// execution are released here. Normal runs released them already.
	bgCtx, cancelBg := context.WithTimeout(context.Background(), 10*time.Second)
	if n, relErr := w.store.ReleaseExecutionLocks(bgCtx, execution.ExecutionID); relErr == nil && n > 0 {
		log.Warn("Released leftover asset locks after run", "count", n)
	}
	cancelBg()

	w.mu.Lock()
	w.executionsProcessed++
	w.mu.Unlock()

	if w.metrics != nil && !retried {
		w.metrics.ExecutionFinished(execution.TenantID, execution.SLAClass, terminal, time.Since(started))
	}
	log.Info("Execution processing complete", "status", terminal, "duration", time.Since(started).Round(time.Millisecond))
}

// runExecution sets up the cancellation token, deadline and lease renewer,
// then hands the execution to the runner.
func (w *Worker) runExecution(ctx context.Context, item *models.QueueItem, execution *models.Execution) *RunResult {
	token := w.cancels.Register(execution.ExecutionID)
	defer w.cancels.Release(execution.ExecutionID)

	execCtx, cancelExec := context.WithCancel(ctx)
	defer cancelExec()
	if execution.TimeoutAt != nil {
		execCtx, cancelExec = context.WithDeadline(ctx, *execution.TimeoutAt)
		defer cancelExec()
		// The watchdog cancels through the token, reaching runner code
		// that does not watch the context deadline.
		if w.watchdog != nil {
			w.watchdog.Arm(execution.ExecutionID, *execution.TimeoutAt)
			defer w.watchdog.Disarm(execution.ExecutionID)
		}
	}

	// Bridge the token into the context so adapters blocked on I/O unwind
	// when the execution is cancelled through the API or the watchdog.
	token.OnCancel(func(cancel.Reason, string) { cancelExec() })

	// On shutdown, in-flight executions are cancelled cooperatively and
	// drained by the pool's grace period.
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-w.stopCh:
			token.Cancel(cancel.ReasonSystemShutdown, "worker pool shutting down")
		case <-stopWatch:
		}
	}()

	renewerDone := make(chan struct{})
	go w.runLeaseRenewer(execCtx, item, token, renewerDone)
	defer func() { cancelExec(); <-renewerDone }()

	result := w.runner.Run(execCtx, execution, token)
	if result == nil {
		result = w.synthesizeResult(execCtx, execution, token)
	}
	return result
}

// synthesizeResult covers a runner that returned nil: classify from the
// context and token instead of guessing.
func (w *Worker) synthesizeResult(execCtx context.Context, execution *models.Execution, token *cancel.Token) *RunResult {
	switch {
	case token.IsCancelled() && token.Reason() == cancel.ReasonTimeout,
		errors.Is(execCtx.Err(), context.DeadlineExceeded):
		return &RunResult{
			Status: models.StatusTimedOut,
			Err:    fmt.Errorf("execution exceeded its deadline"),
		}
	case token.IsCancelled():
		return &RunResult{
			Status: models.StatusCancelled,
			Err:    fmt.Errorf("execution cancelled: %s", token.Message()),
		}
	default:
		return &RunResult{
			Status: models.StatusFailed,
			Err:    errors.New("runner returned no result"),
		}
	}
}

// runLeaseRenewer extends the queue lease while the execution runs. Losing
// the lease means another worker may claim the item, so the execution is
// cancelled rather than allowed to race.
func (w *Worker) runLeaseRenewer(ctx context.Context, item *models.QueueItem, token *cancel.Token, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.cfg.LeaseRenewalInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.manager.Renew(ctx, item)
			if err == nil {
				continue
			}
			if errors.Is(err, database.ErrLeaseMismatch) {
				slog.Error("Queue lease lost during execution",
					"queue_id", item.QueueID, "execution_id", item.ExecutionID)
				token.Cancel(cancel.ReasonError, "queue lease lost")
				return
			}
			if ctx.Err() != nil {
				return
			}
			slog.Warn("Lease renewal failed, will retry",
				"queue_id", item.QueueID, "error", err)
		}
	}
}

// finalizeExecution writes the terminal execution status and publishes the
// transition. Uses a background context: the execution context is usually
// already cancelled here.
func (w *Worker) finalizeExecution(execution *models.Execution, result *RunResult) models.ExecutionStatus {
	ctx, cancelCtx := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelCtx()

	var errMsg *string
	if result.Err != nil {
		s := result.Err.Error()
		errMsg = &s
	}

	tr, err := w.store.UpdateExecutionStatus(ctx, database.StatusUpdate{
		ExecutionID:  execution.ExecutionID,
		To:           result.Status,
		ErrorMessage: errMsg,
	})
	if err != nil {
		// A concurrent transition (maintenance sweep, cancel) may have
		// beaten us to a terminal state. The queue item is still settled
		// from the runner's result.
		if errors.Is(err, database.ErrInvalidTransition) {
			slog.Warn("Execution already terminal, keeping existing status",
				"execution_id", execution.ExecutionID, "runner_status", result.Status)
			return result.Status
		}
		slog.Error("Failed to write terminal execution status",
			"execution_id", execution.ExecutionID, "status", result.Status, "error", err)
		return result.Status
	}

	msg := ""
	if errMsg != nil {
		msg = *errMsg
	}
	w.publishTransition(ctx, tr, msg)
	return tr.To
}

// settleRun settles the queue item and the execution status from the
// runner's result. Only genuine failures consume a retry; cancellations,
// timeouts and partial results are final for the queue. While attempts
// remain, the execution goes back to queued behind the re-pended item
// instead of going terminal, so the next worker can run it again. The
// terminal failed status is written only once the item dead-letters.
func (w *Worker) settleRun(item *models.QueueItem, execution *models.Execution, result *RunResult) (models.ExecutionStatus, bool) {
	ctx, cancelCtx := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelCtx()

	if result.Status != models.StatusFailed {
		terminal := w.finalizeExecution(execution, result)
		if err := w.manager.Complete(ctx, item); err != nil {
			slog.Error("Failed to complete queue item",
				"queue_id", item.QueueID, "status", terminal, "error", err)
		}
		return terminal, false
	}

	cause := result.Err
	if cause == nil {
		cause = errors.New("execution failed")
	}
	deadLettered, err := w.manager.Fail(ctx, item, cause, true)
	if err != nil {
		slog.Error("Failed to settle queue item after failure",
			"queue_id", item.QueueID, "error", err)
		return w.finalizeExecution(execution, result), false
	}
	if deadLettered {
		slog.Warn("Queue item dead-lettered",
			"queue_id", item.QueueID, "execution_id", item.ExecutionID,
			"attempts", item.AttemptCount+1)
		if w.metrics != nil {
			w.metrics.DeadLettered(execution.TenantID)
		}
		return w.finalizeExecution(execution, result), false
	}

	return w.requeueForRetry(ctx, item, execution, cause.Error()), true
}

// requeueForRetry returns the execution to queued behind its re-pended
// item and records the failed attempt.
func (w *Worker) requeueForRetry(ctx context.Context, item *models.QueueItem, execution *models.Execution, cause string) models.ExecutionStatus {
	attempt := item.AttemptCount + 1
	slog.Warn("Execution attempt failed, returning to queue",
		"queue_id", item.QueueID, "execution_id", item.ExecutionID,
		"attempt", attempt, "max_attempts", item.MaxAttempts, "error", cause)

	tr, err := w.store.UpdateExecutionStatus(ctx, database.StatusUpdate{
		ExecutionID:  execution.ExecutionID,
		To:           models.StatusQueued,
		ErrorMessage: &cause,
	})
	if err != nil {
		// A concurrent cancel or sweep may have gone terminal already; the
		// next claim discards the item in that case.
		slog.Warn("Failed to return execution to queued for retry",
			"execution_id", execution.ExecutionID, "error", err)
	} else {
		w.publishTransition(ctx, tr, cause)
	}
	if w.events != nil {
		w.events.PublishRetrying(ctx, execution, attempt, item.MaxAttempts, cause)
	}
	return models.StatusQueued
}

func (w *Worker) publishTransition(ctx context.Context, tr *database.StatusTransition, errorMessage string) {
	if w.events == nil || tr == nil {
		return
	}
	w.events.PublishStatusChange(ctx, tr, errorMessage)
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.cfg.PollInterval()
	jitter := w.cfg.PollIntervalJitter()
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, executionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentExecutionID = executionID
	w.lastActivity = time.Now()
}
