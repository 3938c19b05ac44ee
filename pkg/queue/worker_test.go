package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runforge/execore/pkg/cancel"
	"github.com/runforge/execore/pkg/config"
	"github.com/runforge/execore/pkg/database"
	"github.com/runforge/execore/pkg/models"
	"github.com/runforge/execore/pkg/timeout"
)

// fakeStore is an in-memory Store for worker and pool tests.
type fakeStore struct {
	mu         sync.Mutex
	executions map[string]*models.Execution
	items      map[string]*models.QueueItem
	completed  []string // queue IDs
	failed     []string // queue IDs
	failRetry  map[string]bool
	deadLetter map[string]bool // queue IDs that should report dead-lettered
	expired    []*models.Execution
	approvals  []*models.Approval
	reclaimed  []string // worker ID prefixes
	renewErr   error
	renewals   int
	released   map[string]int // execution ID -> lock release calls
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		executions: make(map[string]*models.Execution),
		items:      make(map[string]*models.QueueItem),
		failRetry:  make(map[string]bool),
		deadLetter: make(map[string]bool),
		released:   make(map[string]int),
	}
}

func (s *fakeStore) addExecution(status models.ExecutionStatus) (*models.Execution, *models.QueueItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	execution := &models.Execution{
		ExecutionID: uuid.New().String(),
		TenantID:    "tenant-a",
		SLAClass:    models.SLAFast,
		Priority:    models.PriorityDefault,
		Status:      status,
	}
	token := uuid.New().String()
	item := &models.QueueItem{
		QueueID:     uuid.New().String(),
		ExecutionID: execution.ExecutionID,
		TenantID:    execution.TenantID,
		SLAClass:    execution.SLAClass,
		Status:      models.QueueProcessing,
		LeaseToken:  &token,
		MaxAttempts: 3,
	}
	s.executions[execution.ExecutionID] = execution
	s.items[item.QueueID] = item
	return execution, item
}

func (s *fakeStore) EnqueueItem(_ context.Context, item *models.QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.QueueID] = item
	return nil
}

func (s *fakeStore) DequeueItems(context.Context, string, int) ([]*models.QueueItem, error) {
	return nil, nil
}

func (s *fakeStore) RenewLease(context.Context, string, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renewals++
	return s.renewErr
}

func (s *fakeStore) CompleteQueueItem(_ context.Context, queueID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, queueID)
	return nil
}

func (s *fakeStore) FailQueueItem(_ context.Context, queueID, _, _ string, retry bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, queueID)
	s.failRetry[queueID] = retry
	return s.deadLetter[queueID], nil
}

func (s *fakeStore) ReapStaleLeases(context.Context) (int, error) { return 0, nil }

func (s *fakeStore) ReclaimWorkerItems(_ context.Context, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reclaimed = append(s.reclaimed, prefix)
	return 0, nil
}

func (s *fakeStore) QueueStats(context.Context) (*models.QueueStats, float64, error) {
	return &models.QueueStats{}, 0, nil
}

func (s *fakeStore) CountProcessingItems(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, item := range s.items {
		if item.Status == models.QueueProcessing {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) GetExecution(_ context.Context, executionID string) (*models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	execution, ok := s.executions[executionID]
	if !ok {
		return nil, database.ErrNotFound
	}
	copied := *execution
	return &copied, nil
}

func (s *fakeStore) UpdateExecutionStatus(_ context.Context, upd database.StatusUpdate) (*database.StatusTransition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	execution, ok := s.executions[upd.ExecutionID]
	if !ok {
		return nil, database.ErrNotFound
	}
	if !upd.Force {
		if err := models.ValidateTransition(execution.Status, upd.To); err != nil {
			return nil, database.ErrInvalidTransition
		}
	}
	from := execution.Status
	execution.Status = upd.To
	if upd.ErrorMessage != nil {
		execution.ErrorMessage = upd.ErrorMessage
	}
	return &database.StatusTransition{
		ExecutionID: execution.ExecutionID,
		From:        from,
		To:          upd.To,
		TenantID:    execution.TenantID,
	}, nil
}

func (s *fakeStore) ListExpiredExecutions(context.Context, time.Time, int) ([]*models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.Execution(nil), s.expired...), nil
}

func (s *fakeStore) ExpireApprovals(context.Context) ([]*models.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expired := s.approvals
	s.approvals = nil
	return expired, nil
}

func (s *fakeStore) ReleaseExecutionLocks(_ context.Context, executionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released[executionID]++
	return 0, nil
}

func (s *fakeStore) executionStatus(executionID string) models.ExecutionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executions[executionID].Status
}

func (s *fakeStore) completedItems() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.completed...)
}

func (s *fakeStore) failedItems() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.failed...)
}

// fakeQueueEvents records published status changes and retry notices.
type fakeQueueEvents struct {
	mu          sync.Mutex
	transitions []*database.StatusTransition
	retries     []retryNotice
}

type retryNotice struct {
	executionID string
	attempt     int
	maxAttempts int
	cause       string
}

func (f *fakeQueueEvents) PublishStatusChange(_ context.Context, tr *database.StatusTransition, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, tr)
}

func (f *fakeQueueEvents) PublishRetrying(_ context.Context, execution *models.Execution, attempt, maxAttempts int, cause string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries = append(f.retries, retryNotice{
		executionID: execution.ExecutionID,
		attempt:     attempt,
		maxAttempts: maxAttempts,
		cause:       cause,
	})
}

// stubRunner returns a canned result, optionally after observing the token.
type stubRunner struct {
	result *RunResult
	run    func(ctx context.Context, execution *models.Execution, token *cancel.Token) *RunResult
}

func (r *stubRunner) Run(ctx context.Context, execution *models.Execution, token *cancel.Token) *RunResult {
	if r.run != nil {
		return r.run(ctx, execution, token)
	}
	return r.result
}

func testQueueConfig() *config.QueueConfig {
	return &config.QueueConfig{
		WorkerCount:                    2,
		BatchSize:                      3,
		PollIntervalSeconds:            1,
		VisibilityTimeoutSeconds:       30,
		LeaseRenewalIntervalSeconds:    1,
		GracefulShutdownTimeoutSeconds: 5,
		MaintenanceIntervalSeconds:     1,
	}
}

func newTestWorker(store Store, runner ExecutionRunner) *Worker {
	return NewWorker("pod-1-worker-0", "pod-1", store, testQueueConfig(), runner, cancel.NewManager(), nil, nil, nil)
}

func TestProcessItemCompletes(t *testing.T) {
	store := newFakeStore()
	execution, item := store.addExecution(models.StatusQueued)
	worker := newTestWorker(store, &stubRunner{result: &RunResult{Status: models.StatusCompleted}})

	worker.processItem(context.Background(), item)

	assert.Equal(t, models.StatusCompleted, store.executionStatus(execution.ExecutionID))
	assert.Equal(t, []string{item.QueueID}, store.completedItems())
	assert.Empty(t, store.failedItems())
	assert.Equal(t, 1, store.released[execution.ExecutionID])
}

func TestProcessItemPartialCompletesQueueItem(t *testing.T) {
	store := newFakeStore()
	execution, item := store.addExecution(models.StatusQueued)
	worker := newTestWorker(store, &stubRunner{result: &RunResult{
		Status: models.StatusPartial,
		Err:    errors.New("2 of 5 steps failed"),
	}})

	worker.processItem(context.Background(), item)

	assert.Equal(t, models.StatusPartial, store.executionStatus(execution.ExecutionID))
	assert.Equal(t, []string{item.QueueID}, store.completedItems())
}

func TestProcessItemFailureRequeuesExecution(t *testing.T) {
	store := newFakeStore()
	execution, item := store.addExecution(models.StatusQueued)
	events := &fakeQueueEvents{}
	worker := NewWorker("pod-1-worker-0", "pod-1", store, testQueueConfig(), &stubRunner{result: &RunResult{
		Status: models.StatusFailed,
		Err:    errors.New("ssh: connection refused"),
	}}, cancel.NewManager(), nil, events, nil)

	worker.processItem(context.Background(), item)

	// With attempts left the item re-pends and the execution goes back to
	// queued, so the next claim can actually run it again.
	assert.Equal(t, models.StatusQueued, store.executionStatus(execution.ExecutionID))
	assert.Equal(t, []string{item.QueueID}, store.failedItems())
	assert.True(t, store.failRetry[item.QueueID])
	assert.Empty(t, store.completedItems())

	require.Len(t, events.retries, 1)
	assert.Equal(t, execution.ExecutionID, events.retries[0].executionID)
	assert.Equal(t, 1, events.retries[0].attempt)
	assert.Equal(t, 3, events.retries[0].maxAttempts)
	assert.Equal(t, "ssh: connection refused", events.retries[0].cause)
}

func TestProcessItemFailureDeadLettersWhenExhausted(t *testing.T) {
	store := newFakeStore()
	execution, item := store.addExecution(models.StatusQueued)
	item.AttemptCount = 2
	store.deadLetter[item.QueueID] = true
	events := &fakeQueueEvents{}
	worker := NewWorker("pod-1-worker-0", "pod-1", store, testQueueConfig(), &stubRunner{result: &RunResult{
		Status: models.StatusFailed,
		Err:    errors.New("ssh: connection refused"),
	}}, cancel.NewManager(), nil, events, nil)

	worker.processItem(context.Background(), item)

	assert.Equal(t, models.StatusFailed, store.executionStatus(execution.ExecutionID))
	assert.Equal(t, []string{item.QueueID}, store.failedItems())
	assert.Empty(t, events.retries, "the final attempt must not announce a retry")
}

func TestRequeuedExecutionRunsAgain(t *testing.T) {
	store := newFakeStore()
	execution, item := store.addExecution(models.StatusQueued)
	worker := newTestWorker(store, &stubRunner{result: &RunResult{
		Status: models.StatusFailed,
		Err:    errors.New("transient"),
	}})

	worker.processItem(context.Background(), item)
	require.Equal(t, models.StatusQueued, store.executionStatus(execution.ExecutionID))

	// Second attempt on the re-pended item succeeds instead of being
	// discarded as terminal.
	item.AttemptCount++
	second := newTestWorker(store, &stubRunner{result: &RunResult{Status: models.StatusCompleted}})
	second.processItem(context.Background(), item)

	assert.Equal(t, models.StatusCompleted, store.executionStatus(execution.ExecutionID))
	assert.Equal(t, []string{item.QueueID}, store.completedItems())
}

func TestProcessItemTerminalExecutionDiscarded(t *testing.T) {
	store := newFakeStore()
	execution, item := store.addExecution(models.StatusCancelled)
	ran := false
	worker := newTestWorker(store, &stubRunner{run: func(context.Context, *models.Execution, *cancel.Token) *RunResult {
		ran = true
		return &RunResult{Status: models.StatusCompleted}
	}})

	worker.processItem(context.Background(), item)

	assert.False(t, ran, "runner must not run for a terminal execution")
	assert.Equal(t, models.StatusCancelled, store.executionStatus(execution.ExecutionID))
	assert.Equal(t, []string{item.QueueID}, store.completedItems())
}

func TestProcessItemMissingExecutionCompletesItem(t *testing.T) {
	store := newFakeStore()
	token := uuid.New().String()
	item := &models.QueueItem{
		QueueID:     uuid.New().String(),
		ExecutionID: "does-not-exist",
		LeaseToken:  &token,
	}
	worker := newTestWorker(store, &stubRunner{result: &RunResult{Status: models.StatusCompleted}})

	worker.processItem(context.Background(), item)

	assert.Equal(t, []string{item.QueueID}, store.completedItems())
}

func TestProcessItemNilResultSynthesized(t *testing.T) {
	store := newFakeStore()
	execution, item := store.addExecution(models.StatusQueued)
	worker := newTestWorker(store, &stubRunner{run: func(context.Context, *models.Execution, *cancel.Token) *RunResult {
		return nil
	}})

	worker.processItem(context.Background(), item)

	assert.Equal(t, models.StatusQueued, store.executionStatus(execution.ExecutionID))
	assert.Equal(t, []string{item.QueueID}, store.failedItems())
	assert.True(t, store.failRetry[item.QueueID])
}

func TestLeaseLossCancelsExecution(t *testing.T) {
	store := newFakeStore()
	store.renewErr = database.ErrLeaseMismatch
	execution, item := store.addExecution(models.StatusQueued)

	worker := newTestWorker(store, &stubRunner{run: func(ctx context.Context, _ *models.Execution, token *cancel.Token) *RunResult {
		select {
		case <-token.Done():
			return &RunResult{Status: models.StatusCancelled, Err: errors.New(token.Message())}
		case <-time.After(10 * time.Second):
			return &RunResult{Status: models.StatusCompleted}
		}
	}})

	worker.processItem(context.Background(), item)

	assert.Equal(t, models.StatusCancelled, store.executionStatus(execution.ExecutionID))
	assert.Equal(t, []string{item.QueueID}, store.completedItems())
}

func TestWatchdogCancelsDeadlineBlindRunner(t *testing.T) {
	store := newFakeStore()
	execution, item := store.addExecution(models.StatusQueued)
	deadline := time.Now().Add(20 * time.Millisecond)
	execution.TimeoutAt = &deadline

	cancels := cancel.NewManager()
	// The runner ignores its context entirely; only the token can reach it.
	runner := &stubRunner{run: func(_ context.Context, _ *models.Execution, token *cancel.Token) *RunResult {
		select {
		case <-token.Done():
			return &RunResult{Status: models.StatusTimedOut, Err: errors.New(token.Message())}
		case <-time.After(10 * time.Second):
			return &RunResult{Status: models.StatusCompleted}
		}
	}}
	worker := NewWorker("pod-1-worker-0", "pod-1", store, testQueueConfig(), runner,
		cancels, timeout.NewWatchdog(cancels), nil, nil)

	worker.processItem(context.Background(), item)

	assert.Equal(t, models.StatusTimedOut, store.executionStatus(execution.ExecutionID))
	assert.Equal(t, []string{item.QueueID}, store.completedItems())
}

func TestManagerEnqueueDefaults(t *testing.T) {
	store := newFakeStore()
	mgr := NewManager(store, testQueueConfig())

	item, err := mgr.Enqueue(context.Background(), &models.Execution{
		ExecutionID: "exec-1",
		TenantID:    "tenant-a",
		SLAClass:    models.SLAMedium,
		Priority:    0, // zero maps to default
	}, 3)
	require.NoError(t, err)

	assert.Equal(t, models.PriorityDefault, item.Priority)
	assert.Equal(t, models.QueuePending, item.Status)
	assert.Equal(t, 3, item.MaxAttempts)
	assert.Equal(t, 30, item.VisibilityTimeoutSeconds)
	assert.NotEmpty(t, item.QueueID)
}

func TestManagerDequeueCapacity(t *testing.T) {
	store := newFakeStore()
	store.addExecution(models.StatusQueued) // one processing item in the fake
	cfg := testQueueConfig()
	cfg.MaxConcurrentExecutions = 1
	mgr := NewManager(store, cfg)

	_, err := mgr.Dequeue(context.Background(), "pod-1-worker-0", 3)
	assert.ErrorIs(t, err, ErrAtCapacity)
}

func TestPoolTimeoutSweep(t *testing.T) {
	store := newFakeStore()
	running, _ := store.addExecution(models.StatusRunning)
	queued, _ := store.addExecution(models.StatusQueued)
	deadline := time.Now().Add(-time.Minute)
	running.TimeoutAt = &deadline
	queued.TimeoutAt = &deadline
	store.expired = []*models.Execution{running, queued}

	pool := NewWorkerPool("pod-1", store, testQueueConfig(), &stubRunner{}, cancel.NewManager(), nil, nil, nil)
	swept := pool.sweepTimeouts(context.Background())

	assert.Equal(t, 2, swept)
	assert.Equal(t, models.StatusTimedOut, store.executionStatus(running.ExecutionID))
	assert.Equal(t, models.StatusCancelled, store.executionStatus(queued.ExecutionID))
	assert.Equal(t, 1, store.released[running.ExecutionID])
}

func TestPoolTimeoutSweepPrefersLocalCancel(t *testing.T) {
	store := newFakeStore()
	running, _ := store.addExecution(models.StatusRunning)
	deadline := time.Now().Add(-time.Minute)
	running.TimeoutAt = &deadline
	store.expired = []*models.Execution{running}

	cancels := cancel.NewManager()
	token := cancels.Register(running.ExecutionID)

	pool := NewWorkerPool("pod-1", store, testQueueConfig(), &stubRunner{}, cancels, nil, nil, nil)
	swept := pool.sweepTimeouts(context.Background())

	assert.Equal(t, 1, swept)
	assert.True(t, token.IsCancelled())
	assert.Equal(t, cancel.ReasonTimeout, token.Reason())
	// Status stays running: the local worker writes the terminal state.
	assert.Equal(t, models.StatusRunning, store.executionStatus(running.ExecutionID))
}

func TestPoolExpireApprovals(t *testing.T) {
	store := newFakeStore()
	pending, _ := store.addExecution(models.StatusPendingApproval)
	store.approvals = []*models.Approval{{
		ApprovalID:  uuid.New().String(),
		ExecutionID: pending.ExecutionID,
		TenantID:    pending.TenantID,
	}}

	pool := NewWorkerPool("pod-1", store, testQueueConfig(), &stubRunner{}, cancel.NewManager(), nil, nil, nil)
	expired := pool.expireApprovals(context.Background())

	assert.Equal(t, 1, expired)
	assert.Equal(t, models.StatusCancelled, store.executionStatus(pending.ExecutionID))
}

func TestPoolStartStopAndReclaim(t *testing.T) {
	store := newFakeStore()
	pool := NewWorkerPool("pod-1", store, testQueueConfig(), &stubRunner{}, cancel.NewManager(), nil, nil, nil)

	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Start(context.Background())) // duplicate is a no-op

	store.mu.Lock()
	reclaimed := append([]string(nil), store.reclaimed...)
	store.mu.Unlock()
	assert.Equal(t, []string{"pod-1-worker-"}, reclaimed)

	health := pool.Health(context.Background())
	assert.True(t, health.IsHealthy)
	assert.Equal(t, 2, health.TotalWorkers)

	pool.Stop()
	for _, w := range pool.workers {
		assert.True(t, w.Stopped())
	}
}

func TestPoolScale(t *testing.T) {
	store := newFakeStore()
	pool := NewWorkerPool("pod-1", store, testQueueConfig(), &stubRunner{}, cancel.NewManager(), nil, nil, nil)
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	pool.Scale(4)
	assert.Equal(t, 4, pool.Health(context.Background()).TotalWorkers)

	pool.Scale(1)
	assert.Equal(t, 1, pool.Health(context.Background()).TotalWorkers)
}
