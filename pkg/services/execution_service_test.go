package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runforge/execore/pkg/cancel"
	"github.com/runforge/execore/pkg/config"
	"github.com/runforge/execore/pkg/database"
	"github.com/runforge/execore/pkg/models"
	"github.com/runforge/execore/pkg/queue"
)

// fakeStore is an in-memory Store for service tests.
type fakeStore struct {
	mu          sync.Mutex
	executions  map[string]*models.Execution
	steps       map[string][]*models.ExecutionStep
	approvals   map[string]*models.Approval
	deadLetters map[string]*models.DeadLetterItem
	transitions []string

	// duplicateOnCreate makes the next CreateExecution behave like losing a
	// concurrent-submission race: the other writer's row appears and the
	// unique violation is returned.
	duplicateOnCreate bool
	locksReleased     []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		executions:  make(map[string]*models.Execution),
		steps:       make(map[string][]*models.ExecutionStep),
		approvals:   make(map[string]*models.Approval),
		deadLetters: make(map[string]*models.DeadLetterItem),
	}
}

func (s *fakeStore) GetTimeoutPolicy(sla models.SLAClass, action models.ActionClass) (*models.TimeoutPolicy, error) {
	return &models.TimeoutPolicy{
		SLAClass:                sla,
		ActionClass:             action,
		ExecutionTimeoutSeconds: 600,
		StepTimeoutSeconds:      60,
		LeaseTimeoutSeconds:     300,
		ApprovalTimeoutSeconds:  3600,
		MaxAttempts:             3,
	}, nil
}

func (s *fakeStore) CreateExecution(_ context.Context, e *models.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.duplicateOnCreate {
		s.duplicateOnCreate = false
		winner := *e
		winner.ExecutionID = "race-winner"
		s.executions[winner.ExecutionID] = &winner
		return database.ErrDuplicate
	}
	for _, existing := range s.executions {
		// The unique index is partial: failed/cancelled rows release the key.
		if existing.TenantID == e.TenantID && existing.IdempotencyKey == e.IdempotencyKey &&
			existing.Status != models.StatusFailed && existing.Status != models.StatusCancelled {
			return database.ErrDuplicate
		}
	}
	s.executions[e.ExecutionID] = e
	return nil
}

func (s *fakeStore) GetExecution(_ context.Context, executionID string) (*models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[executionID]
	if !ok {
		return nil, database.ErrNotFound
	}
	return e, nil
}

func (s *fakeStore) GetExecutionByIdempotencyKey(_ context.Context, tenantID, key string, createdAfter time.Time) (*models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.executions {
		if e.TenantID == tenantID && e.IdempotencyKey == key && !e.CreatedAt.Before(createdAfter) &&
			e.Status != models.StatusFailed && e.Status != models.StatusCancelled {
			return e, nil
		}
	}
	return nil, database.ErrNotFound
}

func (s *fakeStore) RetireIdempotencyKeys(_ context.Context, tenantID, key string, createdBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	retired := 0
	for _, e := range s.executions {
		if e.TenantID == tenantID && e.IdempotencyKey == key && e.CreatedAt.Before(createdBefore) {
			e.IdempotencyKey = e.IdempotencyKey + ":" + e.ExecutionID
			retired++
		}
	}
	return retired, nil
}

func (s *fakeStore) UpdateExecutionStatus(_ context.Context, upd database.StatusUpdate) (*database.StatusTransition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[upd.ExecutionID]
	if !ok {
		return nil, database.ErrNotFound
	}
	from := e.Status
	if !upd.Force {
		if err := models.ValidateTransition(from, upd.To); err != nil {
			return nil, database.ErrInvalidTransition
		}
	}
	e.Status = upd.To
	e.ErrorMessage = upd.ErrorMessage
	s.transitions = append(s.transitions, fmt.Sprintf("%s->%s", from, upd.To))
	return &database.StatusTransition{
		ExecutionID: e.ExecutionID,
		From:        from,
		To:          upd.To,
		TenantID:    e.TenantID,
		TraceID:     e.TraceID,
	}, nil
}

func (s *fakeStore) ListExecutions(_ context.Context, tenantID string, f models.ExecutionFilters) (*models.ExecutionList, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := &models.ExecutionList{Limit: f.Limit, Offset: f.Offset}
	for _, e := range s.executions {
		if e.TenantID == tenantID {
			list.Executions = append(list.Executions, e)
		}
	}
	list.TotalCount = len(list.Executions)
	return list, nil
}

func (s *fakeStore) CreateSteps(_ context.Context, steps []*models.ExecutionStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, step := range steps {
		s.steps[step.ExecutionID] = append(s.steps[step.ExecutionID], step)
	}
	return nil
}

func (s *fakeStore) ListSteps(_ context.Context, executionID string) ([]*models.ExecutionStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.steps[executionID], nil
}

func (s *fakeStore) ListEvents(_ context.Context, _ string, _, _ int) ([]*models.ExecutionEvent, int, error) {
	return nil, 0, nil
}

func (s *fakeStore) ReleaseExecutionLocks(_ context.Context, executionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locksReleased = append(s.locksReleased, executionID)
	return 0, nil
}

func (s *fakeStore) QueueStats(_ context.Context) (*models.QueueStats, float64, error) {
	return &models.QueueStats{Pending: 2}, 1.5, nil
}

func (s *fakeStore) CreateApproval(_ context.Context, approval *models.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvals[approval.ApprovalID] = approval
	return nil
}

func (s *fakeStore) GetApproval(_ context.Context, approvalID string) (*models.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[approvalID]
	if !ok {
		return nil, database.ErrNotFound
	}
	return a, nil
}

func (s *fakeStore) GetPendingApprovalByExecution(_ context.Context, executionID string) (*models.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.approvals {
		if a.ExecutionID == executionID && a.State == models.ApprovalPending {
			return a, nil
		}
	}
	return nil, database.ErrNotFound
}

func (s *fakeStore) RespondApproval(_ context.Context, approvalID, approverID string, approve bool) (*models.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[approvalID]
	if !ok {
		return nil, database.ErrNotFound
	}
	if a.State != models.ApprovalPending || time.Now().After(a.ExpiresAt) {
		return nil, database.ErrApprovalNotPending
	}
	if e, ok := s.executions[a.ExecutionID]; ok && e.PlanHash != a.PlanHash {
		return nil, database.ErrPlanHashMismatch
	}
	if approve {
		a.State = models.ApprovalApproved
	} else {
		a.State = models.ApprovalRejected
	}
	now := time.Now().UTC()
	a.ApproverID = &approverID
	a.RespondedAt = &now
	return a, nil
}

func (s *fakeStore) ListDeadLetters(_ context.Context, filter database.DeadLetterFilter) ([]*models.DeadLetterItem, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []*models.DeadLetterItem
	for _, item := range s.deadLetters {
		if filter.TenantID != "" && item.TenantID != filter.TenantID {
			continue
		}
		if !filter.IncludeResolved && (item.Requeued || item.Archived) {
			continue
		}
		items = append(items, item)
	}
	return items, len(items), nil
}

func (s *fakeStore) GetDeadLetter(_ context.Context, dlqID string) (*models.DeadLetterItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.deadLetters[dlqID]
	if !ok {
		return nil, database.ErrNotFound
	}
	return item, nil
}

func (s *fakeStore) RequeueDeadLetter(_ context.Context, dlqID string) (*models.DeadLetterItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.deadLetters[dlqID]
	if !ok {
		return nil, database.ErrNotFound
	}
	if item.Requeued || item.Archived {
		return nil, database.ErrDeadLetterResolved
	}
	now := time.Now().UTC()
	item.Requeued = true
	item.RequeuedAt = &now
	return item, nil
}

func (s *fakeStore) ArchiveDeadLetter(_ context.Context, dlqID string) (*models.DeadLetterItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.deadLetters[dlqID]
	if !ok {
		return nil, database.ErrNotFound
	}
	if item.Requeued || item.Archived {
		return nil, database.ErrDeadLetterResolved
	}
	now := time.Now().UTC()
	item.Archived = true
	item.ArchivedAt = &now
	return item, nil
}

// fakeEnqueuer records queue placements.
type fakeEnqueuer struct {
	mu          sync.Mutex
	executions  []string
	maxAttempts []int
	err         error
}

func (q *fakeEnqueuer) Enqueue(_ context.Context, execution *models.Execution, maxAttempts int) (*models.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	q.executions = append(q.executions, execution.ExecutionID)
	q.maxAttempts = append(q.maxAttempts, maxAttempts)
	return &models.QueueItem{ExecutionID: execution.ExecutionID, MaxAttempts: maxAttempts}, nil
}

// fakeEvents records published events.
type fakeEvents struct {
	mu             sync.Mutex
	statusChanges  []string
	cancelRequests []string
	decisions      []models.ApprovalState
}

func (f *fakeEvents) PublishStatusChange(_ context.Context, tr *database.StatusTransition, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusChanges = append(f.statusChanges, fmt.Sprintf("%s->%s", tr.From, tr.To))
}

func (f *fakeEvents) PublishCancelRequested(_ context.Context, execution *models.Execution, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelRequests = append(f.cancelRequests, execution.ExecutionID)
	return nil
}

func (f *fakeEvents) PublishApprovalDecision(_ context.Context, approval *models.Approval) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decisions = append(f.decisions, approval.State)
	return nil
}

// stubRunner returns a canned result and records invocations.
type stubRunner struct {
	mu     sync.Mutex
	result *queue.RunResult
	runs   []string
}

func (r *stubRunner) Run(_ context.Context, execution *models.Execution, _ *cancel.Token) *queue.RunResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, execution.ExecutionID)
	return r.result
}

func testServiceConfig() *config.Config {
	return &config.Config{
		Engine: config.DefaultEngineConfig(),
		Dedup:  config.DefaultDedupConfig(),
		SLA:    config.DefaultSLAConfig(),
	}
}

type serviceFixture struct {
	store   *fakeStore
	queue   *fakeEnqueuer
	events  *fakeEvents
	runner  *stubRunner
	cancels *cancel.Manager
	cfg     *config.Config
	svc     *ExecutionService
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		store:   newFakeStore(),
		queue:   &fakeEnqueuer{},
		events:  &fakeEvents{},
		runner:  &stubRunner{result: &queue.RunResult{Status: models.StatusCompleted}},
		cancels: cancel.NewManager(),
		cfg:     testServiceConfig(),
	}
	f.svc = NewExecutionService(f.store, f.queue, f.runner, f.cancels, f.events, f.cfg)
	return f
}

func commandPlan(name string) *models.Plan {
	return &models.Plan{
		Name: name,
		Steps: []models.PlanStep{
			{
				Name:          "restart service",
				TargetAssetID: "asset-1",
				Input:         map[string]any{"command": "systemctl restart nginx"},
			},
		},
	}
}

func queryPlan(name string) *models.Plan {
	return &models.Plan{
		Name: name,
		Steps: []models.PlanStep{
			{
				Name:  "fetch inventory",
				Input: map[string]any{"query": map[string]any{"kind": "vm"}},
			},
		},
	}
}

func TestSubmitQueuesWriteExecution(t *testing.T) {
	f := newServiceFixture(t)

	result, err := f.svc.Submit(context.Background(), "tenant-a", "alice", &models.SubmissionRequest{
		Plan: commandPlan("restart"),
	})
	require.NoError(t, err)
	require.NotNil(t, result.Execution)
	assert.False(t, result.Duplicate)

	e := result.Execution
	assert.Equal(t, models.StatusQueued, e.Status)
	assert.Equal(t, models.SLAMedium, e.SLAClass)
	assert.Equal(t, models.ModeQueued, e.ExecutionMode)
	assert.NotEmpty(t, e.IdempotencyKey)
	assert.Equal(t, e.IdempotencyKey, e.PlanHash)
	require.NotNil(t, e.TimeoutAt)

	require.Len(t, f.queue.executions, 1)
	assert.Equal(t, 3, f.queue.maxAttempts[0])
	assert.Contains(t, f.store.transitions, "approved->queued")
	assert.Contains(t, f.events.statusChanges, "approved->queued")

	steps, err := f.store.ListSteps(context.Background(), e.ExecutionID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, models.ActionWrite, steps[0].ActionClass)
	assert.Greater(t, steps[0].TimeoutSeconds, 0)
	require.NotNil(t, steps[0].TargetAssetID)
	assert.Equal(t, "asset-1", *steps[0].TargetAssetID)
}

func TestSubmitDeduplicatesWithinWindow(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	first, err := f.svc.Submit(ctx, "tenant-a", "alice", &models.SubmissionRequest{Plan: commandPlan("restart")})
	require.NoError(t, err)
	second, err := f.svc.Submit(ctx, "tenant-a", "alice", &models.SubmissionRequest{Plan: commandPlan("restart")})
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Execution.ExecutionID, second.Execution.ExecutionID)
	assert.Len(t, f.store.executions, 1)
	assert.Len(t, f.queue.executions, 1)
}

func TestSubmitDifferentActorsDoNotDedupe(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	first, err := f.svc.Submit(ctx, "tenant-a", "alice", &models.SubmissionRequest{Plan: commandPlan("restart")})
	require.NoError(t, err)
	second, err := f.svc.Submit(ctx, "tenant-a", "bob", &models.SubmissionRequest{Plan: commandPlan("restart")})
	require.NoError(t, err)

	assert.False(t, second.Duplicate)
	assert.NotEqual(t, first.Execution.ExecutionID, second.Execution.ExecutionID)
}

func TestSubmitLosesCreationRace(t *testing.T) {
	f := newServiceFixture(t)
	f.store.duplicateOnCreate = true

	result, err := f.svc.Submit(context.Background(), "tenant-a", "alice", &models.SubmissionRequest{
		Plan: commandPlan("restart"),
	})
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.Equal(t, "race-winner", result.Execution.ExecutionID)
	assert.Empty(t, f.queue.executions)
}

func TestSubmitAfterFailedPriorCreatesFresh(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	first, err := f.svc.Submit(ctx, "tenant-a", "alice", &models.SubmissionRequest{Plan: commandPlan("restart")})
	require.NoError(t, err)
	f.store.executions[first.Execution.ExecutionID].Status = models.StatusFailed

	second, err := f.svc.Submit(ctx, "tenant-a", "alice", &models.SubmissionRequest{Plan: commandPlan("restart")})
	require.NoError(t, err)
	assert.False(t, second.Duplicate, "a failed prior must not count as a duplicate")
	assert.NotEqual(t, first.Execution.ExecutionID, second.Execution.ExecutionID)
	assert.Len(t, f.queue.executions, 2)
}

func TestSubmitAfterCancelledPriorCreatesFresh(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	first, err := f.svc.Submit(ctx, "tenant-a", "alice", &models.SubmissionRequest{Plan: commandPlan("restart")})
	require.NoError(t, err)
	f.store.executions[first.Execution.ExecutionID].Status = models.StatusCancelled

	second, err := f.svc.Submit(ctx, "tenant-a", "alice", &models.SubmissionRequest{Plan: commandPlan("restart")})
	require.NoError(t, err)
	assert.False(t, second.Duplicate)
	assert.NotEqual(t, first.Execution.ExecutionID, second.Execution.ExecutionID)
}

func TestSubmitOutsideWindowCreatesFresh(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	first, err := f.svc.Submit(ctx, "tenant-a", "alice", &models.SubmissionRequest{Plan: commandPlan("restart")})
	require.NoError(t, err)

	// Age the prior past the deduplication window. It is still live (queued),
	// so the insert collides and the stale key must be retired, not surfaced
	// as an error.
	stale := f.store.executions[first.Execution.ExecutionID]
	stale.CreatedAt = time.Now().UTC().Add(-time.Duration(f.cfg.Dedup.WindowHours+1) * time.Hour)
	originalKey := stale.IdempotencyKey

	second, err := f.svc.Submit(ctx, "tenant-a", "alice", &models.SubmissionRequest{Plan: commandPlan("restart")})
	require.NoError(t, err)
	assert.False(t, second.Duplicate)
	assert.NotEqual(t, first.Execution.ExecutionID, second.Execution.ExecutionID)
	assert.Equal(t, originalKey+":"+stale.ExecutionID, stale.IdempotencyKey,
		"the expired holder's key should have been rotated")
	assert.Equal(t, originalKey, second.Execution.IdempotencyKey)
}

func TestSubmitValidation(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, "tenant-a", "alice", &models.SubmissionRequest{})
	assert.True(t, IsValidationError(err), "missing plan: %v", err)

	_, err = f.svc.Submit(ctx, "", "alice", &models.SubmissionRequest{Plan: commandPlan("p")})
	assert.True(t, IsValidationError(err), "missing tenant: %v", err)

	plan := commandPlan("p")
	plan.Steps[0].Type = "teleport"
	_, err = f.svc.Submit(ctx, "tenant-a", "alice", &models.SubmissionRequest{Plan: plan})
	assert.True(t, IsValidationError(err), "unknown step type: %v", err)

	_, err = f.svc.Submit(ctx, "tenant-a", "alice", &models.SubmissionRequest{
		Plan:     commandPlan("p"),
		SLAClass: "hyperfast",
	})
	assert.True(t, IsValidationError(err), "unknown sla class: %v", err)

	_, err = f.svc.Submit(ctx, "tenant-a", "alice", &models.SubmissionRequest{
		Plan:          commandPlan("p"),
		ApprovalLevel: -1,
	})
	assert.True(t, IsValidationError(err), "negative approval level: %v", err)
}

func TestClassifySLA(t *testing.T) {
	tests := []struct {
		name     string
		plan     *models.Plan
		override models.SLAClass
		want     models.SLAClass
	}{
		{"read only defaults to fast", queryPlan("q"), "", models.SLAFast},
		{"write escalates to medium", commandPlan("w"), "", models.SLAMedium},
		{
			"multi-asset escalates to long",
			&models.Plan{Name: "fanout", Steps: []models.PlanStep{{
				Name:           "patch fleet",
				TargetAssetIDs: []string{"a", "b"},
				Input:          map[string]any{"command": "apt upgrade"},
			}}},
			"", models.SLALong,
		},
		{"request override wins over derived", queryPlan("q"), models.SLALong, models.SLALong},
		{
			"plan class beats request override",
			&models.Plan{Name: "pinned", SLAClass: models.SLAMedium, Steps: queryPlan("q").Steps},
			models.SLALong, models.SLAMedium,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifySLA(tt.plan, tt.override))
		})
	}
}

func TestSubmitInlineRunsSynchronously(t *testing.T) {
	f := newServiceFixture(t)

	result, err := f.svc.Submit(context.Background(), "tenant-a", "alice", &models.SubmissionRequest{
		Plan: queryPlan("lookup"),
	})
	require.NoError(t, err)

	e := result.Execution
	assert.Equal(t, models.ModeInline, e.ExecutionMode)
	assert.Equal(t, models.StatusCompleted, e.Status)
	assert.Equal(t, []string{e.ExecutionID}, f.runner.runs)
	assert.Empty(t, f.queue.executions)
	assert.Contains(t, f.store.transitions, "approved->running")
	assert.Contains(t, f.store.transitions, "running->completed")
	assert.Equal(t, 0, f.cancels.Active(), "inline token must be released")
}

func TestSubmitInlineFailureRecordsError(t *testing.T) {
	f := newServiceFixture(t)
	f.runner.result = &queue.RunResult{Status: models.StatusFailed, Err: fmt.Errorf("boom")}

	result, err := f.svc.Submit(context.Background(), "tenant-a", "alice", &models.SubmissionRequest{
		Plan: queryPlan("lookup"),
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, result.Execution.Status)
	require.NotNil(t, result.Execution.ErrorMessage)
	assert.Equal(t, "boom", *result.Execution.ErrorMessage)
}

func TestSubmitExplicitQueuedModeSkipsInline(t *testing.T) {
	f := newServiceFixture(t)

	result, err := f.svc.Submit(context.Background(), "tenant-a", "alice", &models.SubmissionRequest{
		Plan:          queryPlan("lookup"),
		ExecutionMode: models.ModeQueued,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, result.Execution.Status)
	assert.Empty(t, f.runner.runs)
	assert.Len(t, f.queue.executions, 1)
}

func TestSubmitApprovalGateHoldsExecution(t *testing.T) {
	f := newServiceFixture(t)

	result, err := f.svc.Submit(context.Background(), "tenant-a", "alice", &models.SubmissionRequest{
		Plan:          commandPlan("dangerous"),
		ApprovalLevel: 1,
	})
	require.NoError(t, err)

	e := result.Execution
	assert.Equal(t, models.StatusPendingApproval, e.Status)
	assert.Empty(t, f.queue.executions)
	assert.Empty(t, f.runner.runs)

	approval, err := f.store.GetPendingApprovalByExecution(context.Background(), e.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalPending, approval.State)
	assert.Equal(t, e.PlanHash, approval.PlanHash)
	assert.True(t, approval.ExpiresAt.After(time.Now()))
}

func TestGetEnforcesTenant(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	result, err := f.svc.Submit(ctx, "tenant-a", "alice", &models.SubmissionRequest{Plan: commandPlan("p")})
	require.NoError(t, err)

	_, err = f.svc.Get(ctx, "tenant-b", result.Execution.ExecutionID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.Get(ctx, "tenant-a", "no-such-execution")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := f.svc.Get(ctx, "tenant-a", result.Execution.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, result.Execution.ExecutionID, got.ExecutionID)
}

func TestGetWithProgress(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	result, err := f.svc.Submit(ctx, "tenant-a", "alice", &models.SubmissionRequest{Plan: commandPlan("p")})
	require.NoError(t, err)

	got, err := f.svc.GetWithProgress(ctx, "tenant-a", result.Execution.ExecutionID)
	require.NoError(t, err)
	require.NotNil(t, got.Progress)
	assert.Equal(t, 1, got.Progress.TotalSteps)
	assert.Equal(t, float64(0), got.Progress.Percent)
}

func TestCancelQueuedExecution(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	result, err := f.svc.Submit(ctx, "tenant-a", "alice", &models.SubmissionRequest{Plan: commandPlan("p")})
	require.NoError(t, err)

	cancelled, err := f.svc.Cancel(ctx, "tenant-a", result.Execution.ExecutionID, "alice", "no longer needed")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	assert.Contains(t, f.store.transitions, "queued->cancelled")
	assert.Contains(t, f.events.cancelRequests, result.Execution.ExecutionID)
	assert.Contains(t, f.store.locksReleased, result.Execution.ExecutionID)
}

func TestCancelRunningExecutionSignalsToken(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	result, err := f.svc.Submit(ctx, "tenant-a", "alice", &models.SubmissionRequest{Plan: commandPlan("p")})
	require.NoError(t, err)
	executionID := result.Execution.ExecutionID

	// Simulate a worker holding the execution.
	_, err = f.store.UpdateExecutionStatus(ctx, database.StatusUpdate{ExecutionID: executionID, To: models.StatusRunning})
	require.NoError(t, err)
	token := f.cancels.Register(executionID)

	got, err := f.svc.Cancel(ctx, "tenant-a", executionID, "alice", "")
	require.NoError(t, err)

	assert.True(t, token.IsCancelled())
	assert.Equal(t, cancel.ReasonUserInitiated, token.Reason())
	// The worker owns the terminal write; the service must not race it.
	assert.Equal(t, models.StatusRunning, got.Status)
	assert.NotContains(t, f.store.transitions, "running->cancelled")
}

func TestCancelTerminalExecution(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	result, err := f.svc.Submit(ctx, "tenant-a", "alice", &models.SubmissionRequest{Plan: queryPlan("q")})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, result.Execution.Status)

	_, err = f.svc.Cancel(ctx, "tenant-a", result.Execution.ExecutionID, "alice", "")
	assert.ErrorIs(t, err, ErrNotCancellable)
}
