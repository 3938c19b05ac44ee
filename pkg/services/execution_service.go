package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/runforge/execore/pkg/cancel"
	"github.com/runforge/execore/pkg/config"
	"github.com/runforge/execore/pkg/database"
	"github.com/runforge/execore/pkg/engine"
	"github.com/runforge/execore/pkg/models"
	"github.com/runforge/execore/pkg/monitoring"
	"github.com/runforge/execore/pkg/queue"
	"github.com/runforge/execore/pkg/timeout"
)

// Store is the slice of the database client the service layer uses.
// *database.Client satisfies it.
type Store interface {
	timeout.PolicyLookup

	CreateExecution(ctx context.Context, e *models.Execution) error
	GetExecution(ctx context.Context, executionID string) (*models.Execution, error)
	GetExecutionByIdempotencyKey(ctx context.Context, tenantID, key string, createdAfter time.Time) (*models.Execution, error)
	RetireIdempotencyKeys(ctx context.Context, tenantID, key string, createdBefore time.Time) (int, error)
	UpdateExecutionStatus(ctx context.Context, upd database.StatusUpdate) (*database.StatusTransition, error)
	ListExecutions(ctx context.Context, tenantID string, f models.ExecutionFilters) (*models.ExecutionList, error)

	CreateSteps(ctx context.Context, steps []*models.ExecutionStep) error
	ListSteps(ctx context.Context, executionID string) ([]*models.ExecutionStep, error)

	ListEvents(ctx context.Context, executionID string, limit, offset int) ([]*models.ExecutionEvent, int, error)
	ReleaseExecutionLocks(ctx context.Context, executionID string) (int, error)
	QueueStats(ctx context.Context) (*models.QueueStats, float64, error)

	CreateApproval(ctx context.Context, approval *models.Approval) error
	GetApproval(ctx context.Context, approvalID string) (*models.Approval, error)
	GetPendingApprovalByExecution(ctx context.Context, executionID string) (*models.Approval, error)
	RespondApproval(ctx context.Context, approvalID, approverID string, approve bool) (*models.Approval, error)

	ListDeadLetters(ctx context.Context, filter database.DeadLetterFilter) ([]*models.DeadLetterItem, int, error)
	GetDeadLetter(ctx context.Context, dlqID string) (*models.DeadLetterItem, error)
	RequeueDeadLetter(ctx context.Context, dlqID string) (*models.DeadLetterItem, error)
	ArchiveDeadLetter(ctx context.Context, dlqID string) (*models.DeadLetterItem, error)
}

// Enqueuer places executions on the durable queue. *queue.Manager
// satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, execution *models.Execution, maxAttempts int) (*models.QueueItem, error)
}

// EventSink publishes audit and status events.
type EventSink interface {
	PublishStatusChange(ctx context.Context, tr *database.StatusTransition, errorMessage string)
	PublishCancelRequested(ctx context.Context, execution *models.Execution, actorID, reason string) error
	PublishApprovalDecision(ctx context.Context, approval *models.Approval) error
}

// ExecutionService is the submission front door: it validates plans,
// deduplicates, classifies, expands steps, and routes the execution inline
// or onto the queue.
type ExecutionService struct {
	store   Store
	enqueue Enqueuer
	runner  queue.ExecutionRunner
	cancels *cancel.Manager
	events  EventSink
	cfg     *config.Config
}

// NewExecutionService wires the front door. runner is used for inline
// execution and may be nil to force queued routing.
func NewExecutionService(store Store, enqueue Enqueuer, runner queue.ExecutionRunner, cancels *cancel.Manager, events EventSink, cfg *config.Config) *ExecutionService {
	return &ExecutionService{
		store:   store,
		enqueue: enqueue,
		runner:  runner,
		cancels: cancels,
		events:  events,
		cfg:     cfg,
	}
}

// ExecutionWithProgress pairs an execution with its derived step progress.
type ExecutionWithProgress struct {
	Execution *models.Execution    `json:"execution"`
	Progress  *monitoring.Progress `json:"progress"`
}

// Submit runs the full submission pipeline. A plan that hashes to an
// execution submitted inside the deduplication window returns that
// execution with Duplicate set instead of creating a new one.
func (s *ExecutionService) Submit(ctx context.Context, tenantID, actorID string, req *models.SubmissionRequest) (*models.SubmissionResult, error) {
	if err := s.validateSubmission(tenantID, actorID, req); err != nil {
		return nil, err
	}
	plan := req.Plan

	hash, err := models.CanonicalPlanHash(plan, tenantID, actorID)
	if err != nil {
		return nil, fmt.Errorf("failed to hash plan: %w", err)
	}

	now := time.Now().UTC()
	windowStart := now.Add(-s.cfg.Dedup.Window())
	if existing, err := s.store.GetExecutionByIdempotencyKey(ctx, tenantID, hash, windowStart); err == nil {
		slog.Info("Submission deduplicated",
			"tenant_id", tenantID, "execution_id", existing.ExecutionID)
		return &models.SubmissionResult{Execution: existing, Duplicate: true}, nil
	} else if !errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("idempotency lookup failed: %w", err)
	}

	slaClass := classifySLA(plan, req.SLAClass)
	tplan, err := timeout.Compute(s.store, slaClass, plan.Steps, s.cfg.Engine.TimeoutBufferFraction)
	if err != nil {
		return nil, err
	}

	snapshot, err := plan.Snapshot()
	if err != nil {
		return nil, err
	}

	execution := &models.Execution{
		ExecutionID:     uuid.New().String(),
		TenantID:        tenantID,
		ActorID:         actorID,
		IdempotencyKey:  hash,
		PlanSnapshot:    snapshot,
		PlanHash:        hash,
		ExecutionMode:   s.routeMode(req, slaClass, plan),
		SLAClass:        slaClass,
		Priority:        models.ClampPriority(req.Priority),
		ApprovalLevel:   req.ApprovalLevel,
		Status:          models.InitialStatus(req.ApprovalLevel),
		StatusChangedAt: now,
		CreatedAt:       now,
		Tags:            req.Tags,
		Metadata:        req.Metadata,
	}
	timeoutAt := tplan.TimeoutAt(now)
	execution.TimeoutAt = &timeoutAt
	if req.TraceID != "" {
		execution.TraceID = &req.TraceID
	}
	if req.ParentID != "" {
		execution.ParentID = &req.ParentID
	}

	winner, err := s.createWithKeyRecovery(ctx, execution, windowStart)
	if err != nil {
		return nil, err
	}
	if winner != nil {
		return &models.SubmissionResult{Execution: winner, Duplicate: true}, nil
	}

	steps := expandSteps(execution, plan, tplan)
	if err := s.store.CreateSteps(ctx, steps); err != nil {
		return nil, fmt.Errorf("failed to persist steps: %w", err)
	}

	if req.ApprovalLevel >= 1 {
		approval := &models.Approval{
			ApprovalID:    uuid.New().String(),
			ExecutionID:   execution.ExecutionID,
			TenantID:      tenantID,
			ApprovalLevel: req.ApprovalLevel,
			PlanHash:      hash,
			State:         models.ApprovalPending,
			ExpiresAt:     now.Add(tplan.ApprovalTimeout),
			CreatedAt:     now,
		}
		if err := s.store.CreateApproval(ctx, approval); err != nil {
			return nil, fmt.Errorf("failed to create approval gate: %w", err)
		}
		slog.Info("Execution awaiting approval",
			"execution_id", execution.ExecutionID, "approval_id", approval.ApprovalID)
		return &models.SubmissionResult{Execution: execution}, nil
	}

	return s.route(ctx, execution, tplan.MaxAttempts)
}

// createWithKeyRecovery inserts the execution, resolving idempotency-key
// collisions. The unique index only covers live rows, so a conflict means
// either a concurrent in-window submission (the winner is returned) or a
// live holder older than the window, whose key is retired before one retry.
func (s *ExecutionService) createWithKeyRecovery(ctx context.Context, execution *models.Execution, windowStart time.Time) (*models.Execution, error) {
	err := s.store.CreateExecution(ctx, execution)
	if err == nil {
		return nil, nil
	}
	if !errors.Is(err, database.ErrDuplicate) {
		return nil, err
	}

	existing, lookupErr := s.store.GetExecutionByIdempotencyKey(ctx, execution.TenantID, execution.IdempotencyKey, windowStart)
	if lookupErr == nil {
		return existing, nil
	}
	if !errors.Is(lookupErr, database.ErrNotFound) {
		return nil, fmt.Errorf("duplicate execution lookup failed: %w", lookupErr)
	}

	retired, retireErr := s.store.RetireIdempotencyKeys(ctx, execution.TenantID, execution.IdempotencyKey, windowStart)
	if retireErr != nil {
		return nil, fmt.Errorf("failed to retire expired idempotency key: %w", retireErr)
	}
	slog.Info("Retired idempotency key of expired submission",
		"tenant_id", execution.TenantID, "count", retired)

	if err := s.store.CreateExecution(ctx, execution); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			// A concurrent submitter slipped in during the retirement.
			existing, lookupErr := s.store.GetExecutionByIdempotencyKey(ctx, execution.TenantID, execution.IdempotencyKey, windowStart)
			if lookupErr != nil {
				return nil, fmt.Errorf("duplicate execution lookup failed: %w", lookupErr)
			}
			return existing, nil
		}
		return nil, err
	}
	return nil, nil
}

// route sends an approved execution down the inline or queued path.
func (s *ExecutionService) route(ctx context.Context, execution *models.Execution, maxAttempts int) (*models.SubmissionResult, error) {
	if execution.ExecutionMode == models.ModeInline && s.runner != nil {
		final, err := s.runInline(ctx, execution)
		if err != nil {
			return nil, err
		}
		return &models.SubmissionResult{Execution: final}, nil
	}

	if err := s.enqueueExecution(ctx, execution, maxAttempts); err != nil {
		return nil, err
	}
	refreshed, err := s.store.GetExecution(ctx, execution.ExecutionID)
	if err != nil {
		return &models.SubmissionResult{Execution: execution}, nil
	}
	return &models.SubmissionResult{Execution: refreshed}, nil
}

// enqueueExecution creates the queue item, then records the queued status.
// The enqueue happens first so a crash in between leaves a claimable item
// rather than a queued execution nothing will ever pick up.
func (s *ExecutionService) enqueueExecution(ctx context.Context, execution *models.Execution, maxAttempts int) error {
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.SLA.MaxAttemptsFor(string(execution.SLAClass))
	}
	if _, err := s.enqueue.Enqueue(ctx, execution, maxAttempts); err != nil {
		return err
	}

	tr, err := s.store.UpdateExecutionStatus(ctx, database.StatusUpdate{
		ExecutionID: execution.ExecutionID,
		To:          models.StatusQueued,
	})
	if err != nil {
		// A fast worker may have moved the execution to running already.
		if errors.Is(err, database.ErrInvalidTransition) {
			return nil
		}
		return err
	}
	s.events.PublishStatusChange(ctx, tr, "")
	return nil
}

// runInline executes synchronously on the caller's request path, bounded by
// the execution deadline.
func (s *ExecutionService) runInline(ctx context.Context, execution *models.Execution) (*models.Execution, error) {
	tr, err := s.store.UpdateExecutionStatus(ctx, database.StatusUpdate{
		ExecutionID: execution.ExecutionID,
		To:          models.StatusRunning,
	})
	if err != nil {
		return nil, err
	}
	execution.Status = models.StatusRunning
	s.events.PublishStatusChange(ctx, tr, "")

	token := s.cancels.Register(execution.ExecutionID)
	defer s.cancels.Release(execution.ExecutionID)

	runCtx := ctx
	var cancelRun context.CancelFunc
	if execution.TimeoutAt != nil {
		runCtx, cancelRun = context.WithDeadline(ctx, *execution.TimeoutAt)
		defer cancelRun()
	}

	result := s.runner.Run(runCtx, execution, token)
	status := models.StatusFailed
	var errMsg string
	if result != nil {
		status = result.Status
		if result.Err != nil {
			errMsg = result.Err.Error()
		}
	}

	finalCtx, cancelFinal := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelFinal()

	upd := database.StatusUpdate{ExecutionID: execution.ExecutionID, To: status}
	if errMsg != "" {
		upd.ErrorMessage = &errMsg
	}
	tr, err = s.store.UpdateExecutionStatus(finalCtx, upd)
	if err != nil {
		slog.Error("Failed to record inline execution result",
			"execution_id", execution.ExecutionID, "status", status, "error", err)
	} else {
		s.events.PublishStatusChange(finalCtx, tr, errMsg)
	}

	if n, err := s.store.ReleaseExecutionLocks(finalCtx, execution.ExecutionID); err == nil && n > 0 {
		slog.Warn("Released leftover asset locks after inline run",
			"execution_id", execution.ExecutionID, "count", n)
	}

	return s.store.GetExecution(finalCtx, execution.ExecutionID)
}

// Get returns one execution scoped to the tenant.
func (s *ExecutionService) Get(ctx context.Context, tenantID, executionID string) (*models.Execution, error) {
	execution, err := s.store.GetExecution(ctx, executionID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if execution.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return execution, nil
}

// GetWithProgress returns the execution plus progress derived from its
// steps.
func (s *ExecutionService) GetWithProgress(ctx context.Context, tenantID, executionID string) (*ExecutionWithProgress, error) {
	execution, err := s.Get(ctx, tenantID, executionID)
	if err != nil {
		return nil, err
	}
	steps, err := s.store.ListSteps(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return &ExecutionWithProgress{
		Execution: execution,
		Progress:  monitoring.DeriveProgress(steps),
	}, nil
}

// List returns the tenant's executions with filters and pagination.
func (s *ExecutionService) List(ctx context.Context, tenantID string, f models.ExecutionFilters) (*models.ExecutionList, error) {
	return s.store.ListExecutions(ctx, tenantID, f)
}

// ListSteps returns the ordered steps of a tenant's execution.
func (s *ExecutionService) ListSteps(ctx context.Context, tenantID, executionID string) ([]*models.ExecutionStep, error) {
	if _, err := s.Get(ctx, tenantID, executionID); err != nil {
		return nil, err
	}
	return s.store.ListSteps(ctx, executionID)
}

// ListEvents returns the paginated audit trail of a tenant's execution.
func (s *ExecutionService) ListEvents(ctx context.Context, tenantID, executionID string, limit, offset int) ([]*models.ExecutionEvent, int, error) {
	if _, err := s.Get(ctx, tenantID, executionID); err != nil {
		return nil, 0, err
	}
	return s.store.ListEvents(ctx, executionID, limit, offset)
}

// QueueStats returns the queue depth snapshot and the average attempt count.
func (s *ExecutionService) QueueStats(ctx context.Context) (*models.QueueStats, float64, error) {
	return s.store.QueueStats(ctx)
}

// Cancel requests a user-initiated cancellation. A locally running
// execution is cancelled through its token so the worker winds it down and
// writes the terminal status; anything else transitions directly.
func (s *ExecutionService) Cancel(ctx context.Context, tenantID, executionID, actorID, reason string) (*models.Execution, error) {
	execution, err := s.Get(ctx, tenantID, executionID)
	if err != nil {
		return nil, err
	}
	if execution.Status.IsTerminal() {
		return nil, ErrNotCancellable
	}
	if reason == "" {
		reason = "cancelled by user"
	}

	if err := s.events.PublishCancelRequested(ctx, execution, actorID, reason); err != nil {
		slog.Warn("Failed to record cancel request",
			"execution_id", executionID, "error", err)
	}

	if s.cancels != nil && s.cancels.Cancel(executionID, cancel.ReasonUserInitiated, reason) {
		slog.Info("Cancellation signalled to running execution",
			"execution_id", executionID, "actor_id", actorID)
		return execution, nil
	}

	tr, err := s.store.UpdateExecutionStatus(ctx, database.StatusUpdate{
		ExecutionID:  executionID,
		To:           models.StatusCancelled,
		ErrorMessage: &reason,
	})
	if err != nil {
		if errors.Is(err, database.ErrInvalidTransition) {
			return nil, ErrNotCancellable
		}
		return nil, err
	}
	s.events.PublishStatusChange(ctx, tr, reason)

	if _, err := s.store.ReleaseExecutionLocks(ctx, executionID); err != nil {
		slog.Warn("Failed to release locks after cancellation",
			"execution_id", executionID, "error", err)
	}
	return s.store.GetExecution(ctx, executionID)
}

// validateSubmission checks the request before any storage work.
func (s *ExecutionService) validateSubmission(tenantID, actorID string, req *models.SubmissionRequest) error {
	if tenantID == "" {
		return NewValidationError("tenant_id", "required")
	}
	if actorID == "" {
		return NewValidationError("actor_id", "required")
	}
	if req == nil || req.Plan == nil {
		return NewValidationError("plan", "required")
	}
	if err := req.Plan.Validate(); err != nil {
		return NewValidationError("plan", err.Error())
	}
	if req.SLAClass != "" && !req.SLAClass.IsValid() {
		return NewValidationError("sla_class", fmt.Sprintf("unknown value %q", req.SLAClass))
	}
	if req.ExecutionMode != "" && req.ExecutionMode != models.ModeInline && req.ExecutionMode != models.ModeQueued {
		return NewValidationError("execution_mode", fmt.Sprintf("unknown value %q", req.ExecutionMode))
	}
	if req.ApprovalLevel < 0 {
		return NewValidationError("approval_level", "must be >= 0")
	}
	for i, step := range req.Plan.Steps {
		if step.Type == "" {
			continue
		}
		if _, ok := engine.ResolveDeclaredType(step.Type); !ok {
			return NewValidationError(
				fmt.Sprintf("plan.steps[%d].type", i),
				fmt.Sprintf("unknown step type %q", step.Type))
		}
	}
	return nil
}

// routeMode decides inline vs queued. Inline is reserved for fast-class
// plans whose estimate fits the inline budget; an explicit queued request
// always wins.
func (s *ExecutionService) routeMode(req *models.SubmissionRequest, slaClass models.SLAClass, plan *models.Plan) models.ExecutionMode {
	if req.ExecutionMode == models.ModeQueued {
		return models.ModeQueued
	}
	if slaClass != models.SLAFast {
		return models.ModeQueued
	}
	if s.estimateSeconds(plan) > s.cfg.Engine.InlineMaxEstimatedSeconds {
		return models.ModeQueued
	}
	return models.ModeInline
}

func (s *ExecutionService) estimateSeconds(plan *models.Plan) int {
	total := 0
	for _, step := range plan.Steps {
		if step.EstimatedDurationSeconds > 0 {
			total += step.EstimatedDurationSeconds
		} else {
			total += s.cfg.Engine.StepEstimateSeconds
		}
	}
	return total
}

// classifySLA picks the SLA class: the plan's own declaration wins, then the
// submission override, then the heaviest action class present.
func classifySLA(plan *models.Plan, override models.SLAClass) models.SLAClass {
	if plan.SLAClass != "" {
		return plan.SLAClass
	}
	if override != "" {
		return override
	}

	slaClass := models.SLAFast
	for _, step := range plan.Steps {
		switch timeout.ClassifyAction(step) {
		case models.ActionComplex:
			return models.SLALong
		case models.ActionWrite:
			slaClass = models.SLAMedium
		}
	}
	return slaClass
}

// expandSteps materializes the ordered step rows for a plan. Steps with a
// declared type persist it; target-dependent classification is left to the
// engine, which sees the resolved asset OS.
func expandSteps(execution *models.Execution, plan *models.Plan, tplan *timeout.Plan) []*models.ExecutionStep {
	steps := make([]*models.ExecutionStep, len(plan.Steps))
	for i, ps := range plan.Steps {
		input := models.JSONMap{}
		for k, v := range ps.Input {
			input[k] = v
		}
		if ps.Validation != nil {
			input["validation"] = ps.Validation
		}
		if len(ps.TargetAssetIDs) > 0 {
			input["target_asset_ids"] = ps.TargetAssetIDs
		}

		step := &models.ExecutionStep{
			StepID:         uuid.New().String(),
			ExecutionID:    execution.ExecutionID,
			StepIndex:      i,
			Name:           ps.Name,
			ActionClass:    timeout.ClassifyAction(ps),
			InputData:      input,
			Status:         models.StepPending,
			MaxRetries:     ps.MaxRetries,
			Critical:       ps.Critical,
			TimeoutSeconds: int(tplan.StepTimeouts[i].Seconds()),
		}
		if t, ok := engine.ResolveDeclaredType(ps.Type); ok {
			step.StepType = t
		}
		if ps.TargetAssetID != "" {
			id := ps.TargetAssetID
			step.TargetAssetID = &id
		}
		if ps.TargetHostname != "" {
			host := ps.TargetHostname
			step.TargetHostname = &host
		}
		steps[i] = step
	}
	return steps
}
