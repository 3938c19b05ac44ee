// Package engine runs execution plans: it walks the persisted steps in
// order, resolves targets and secrets, enforces RBAC and asset locks,
// dispatches the step adapters and aggregates the outcome.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/runforge/execore/pkg/adapters"
	"github.com/runforge/execore/pkg/assets"
	"github.com/runforge/execore/pkg/cancel"
	"github.com/runforge/execore/pkg/config"
	"github.com/runforge/execore/pkg/locks"
	"github.com/runforge/execore/pkg/masking"
	"github.com/runforge/execore/pkg/models"
	"github.com/runforge/execore/pkg/queue"
	"github.com/runforge/execore/pkg/rbac"
	"github.com/runforge/execore/pkg/secrets"
)

// Store is the slice of the database client the engine writes through.
type Store interface {
	ListSteps(ctx context.Context, executionID string) ([]*models.ExecutionStep, error)
	UpdateStepStatus(ctx context.Context, stepID string, upd models.StepUpdate) error
	UpdateExecutionResult(ctx context.Context, executionID string, result models.JSONMap, errorDetails models.JSONMap) error
}

// LockManager acquires asset locks for one step. The returned lease is
// released when the step finishes.
type LockManager interface {
	Acquire(ctx context.Context, tenantID, executionID string, assetIDs []string, onLost func(assetID string)) (Lease, error)
}

// Lease is the releasable handle a LockManager hands out.
type Lease interface {
	Release(ctx context.Context)
}

// SecretResolver substitutes secret markers in step input.
type SecretResolver interface {
	ResolveInput(ctx context.Context, executionID string, input map[string]any) (map[string]any, error)
}

// StepAuthorizer is the per-step RBAC check.
type StepAuthorizer interface {
	ValidateStep(ctx context.Context, exec *models.Execution, step *models.ExecutionStep, environment string) error
}

// EventSink receives step events. Progress frames are transient; the
// lifecycle and cleanup events land in the audit trail. May be nil.
type EventSink interface {
	PublishStepProgress(ctx context.Context, execution *models.Execution, step *models.ExecutionStep)
	PublishStepStarted(ctx context.Context, execution *models.Execution, step *models.ExecutionStep)
	PublishStepFinished(ctx context.Context, execution *models.Execution, step *models.ExecutionStep)
	PublishStepCleanup(ctx context.Context, execution *models.Execution, step *models.ExecutionStep, errorMessage string)
}

// Engine is the plan runner. It implements the queue's ExecutionRunner.
type Engine struct {
	store    Store
	registry *adapters.Registry
	locks    LockManager
	secrets  SecretResolver
	rbac     StepAuthorizer
	assets   assets.Resolver
	masker   *masking.Service
	events   EventSink
	cfg      *config.EngineConfig
}

// New creates an execution engine. events may be nil.
func New(store Store, registry *adapters.Registry, lockMgr LockManager, secretResolver SecretResolver, authorizer StepAuthorizer, resolver assets.Resolver, masker *masking.Service, events EventSink, cfg *config.EngineConfig) *Engine {
	return &Engine{
		store:    store,
		registry: registry,
		locks:    lockMgr,
		secrets:  secretResolver,
		rbac:     authorizer,
		assets:   resolver,
		masker:   masker,
		events:   events,
		cfg:      cfg,
	}
}

// cleanupEntry is a compensating action registered when its step enters
// running, run in reverse order on cancellation. A step that failed
// mid-run may have left partial side effects, so it is compensated too.
type cleanupEntry struct {
	step *models.ExecutionStep
	spec map[string]any
}

// Run executes all steps of an execution and returns the terminal outcome.
func (e *Engine) Run(ctx context.Context, execution *models.Execution, token *cancel.Token) *queue.RunResult {
	log := slog.With("execution_id", execution.ExecutionID, "tenant_id", execution.TenantID)

	steps, err := e.store.ListSteps(ctx, execution.ExecutionID)
	if err != nil {
		return &queue.RunResult{Status: models.StatusFailed,
			Err: fmt.Errorf("failed to load steps: %w", err)}
	}
	if len(steps) == 0 {
		return &queue.RunResult{Status: models.StatusFailed,
			Err: errors.New("execution has no steps")}
	}

	environment := planEnvironment(execution)

	var (
		completed, failed, skipped int
		cleanups                   []cleanupEntry
		abortErr                   error
		interrupted                bool
	)

	for _, step := range steps {
		if step.Status.IsTerminal() {
			// Re-dispatch after a retry: earlier finished steps stand.
			countStep(step.Status, &completed, &failed, &skipped)
			continue
		}

		if token.IsCancelled() || ctx.Err() != nil {
			interrupted = true
		}
		if interrupted || abortErr != nil {
			e.skipStep(step)
			skipped++
			continue
		}

		if spec := cleanupSpec(step); spec != nil {
			cleanups = append(cleanups, cleanupEntry{step: step, spec: spec})
		}

		outcome := e.runStep(ctx, execution, step, environment, token)
		switch outcome.status {
		case models.StepCompleted:
			completed++
		case models.StepSkipped:
			skipped++
		default:
			failed++
			if step.Critical {
				abortErr = fmt.Errorf("critical step %q failed: %w", step.Name, outcome.err)
				log.Error("Critical step failed, aborting plan",
					"step", step.Name, "error", outcome.err)
			}
		}

		if token.IsCancelled() || ctx.Err() != nil {
			interrupted = true
		}
	}

	result := e.aggregate(ctx, steps, completed, failed, skipped, interrupted, abortErr, token)

	// Cleanup hooks run only when the plan was interrupted, compensating
	// completed steps in reverse order under their own deadline.
	if interrupted && len(cleanups) > 0 {
		if cleanupErr := e.runCleanups(execution, cleanups); cleanupErr != nil {
			log.Error("Cleanup hooks failed, promoting status to failed", "error", cleanupErr)
			result = &queue.RunResult{Status: models.StatusFailed,
				Err: fmt.Errorf("cleanup after cancellation failed: %w", cleanupErr)}
		}
	}

	e.persistResult(execution, len(steps), completed, failed, skipped, result)
	return result
}

// aggregate maps step counts and interruption state to a terminal status.
func (e *Engine) aggregate(ctx context.Context, steps []*models.ExecutionStep, completed, failed, skipped int, interrupted bool, abortErr error, token *cancel.Token) *queue.RunResult {
	switch {
	case interrupted:
		if token.Reason() == cancel.ReasonTimeout || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &queue.RunResult{Status: models.StatusTimedOut,
				Err: errors.New("execution exceeded its deadline")}
		}
		msg := token.Message()
		if msg == "" {
			msg = "execution cancelled"
		}
		return &queue.RunResult{Status: models.StatusCancelled, Err: errors.New(msg)}
	case abortErr != nil:
		return &queue.RunResult{Status: models.StatusFailed, Err: abortErr}
	case failed == 0 && skipped == 0:
		return &queue.RunResult{Status: models.StatusCompleted}
	case completed == 0:
		return &queue.RunResult{Status: models.StatusFailed,
			Err: fmt.Errorf("all %d steps failed", len(steps))}
	default:
		return &queue.RunResult{Status: models.StatusPartial,
			Err: fmt.Errorf("%d of %d steps failed", failed+skipped, len(steps))}
	}
}

// runCleanups executes registered cleanup specs newest-first under the
// cleanup timeout. The first error aborts the rest.
func (e *Engine) runCleanups(execution *models.Execution, cleanups []cleanupEntry) error {
	ctx, cancelCtx := context.WithTimeout(context.Background(), e.cfg.CleanupTimeout())
	defer cancelCtx()

	for i := len(cleanups) - 1; i >= 0; i-- {
		entry := cleanups[i]
		if ctx.Err() != nil {
			return fmt.Errorf("cleanup deadline exceeded before %q", entry.step.Name)
		}
		if err := e.runCleanup(ctx, execution, entry); err != nil {
			e.publishCleanup(ctx, execution, entry.step, e.maskText(err.Error()))
			return fmt.Errorf("cleanup of step %q failed: %w", entry.step.Name, err)
		}
		e.publishCleanup(ctx, execution, entry.step, "")
		slog.Info("Cleanup hook completed",
			"execution_id", execution.ExecutionID, "step", entry.step.Name)
	}
	return nil
}

func (e *Engine) publishCleanup(ctx context.Context, execution *models.Execution, step *models.ExecutionStep, errorMessage string) {
	if e.events == nil {
		return
	}
	e.events.PublishStepCleanup(ctx, execution, step, errorMessage)
}

// runCleanup dispatches one compensating action through the same adapter
// machinery as a regular step, against the original step's target.
func (e *Engine) runCleanup(ctx context.Context, execution *models.Execution, entry cleanupEntry) error {
	input, err := e.secrets.ResolveInput(ctx, execution.ExecutionID, entry.spec)
	if err != nil {
		return err
	}

	planStep := models.PlanStep{Name: entry.step.Name + " cleanup", Input: input}
	stepType := ClassifyStepType(planStep, "")

	adapter, err := e.registry.For(stepType)
	if err != nil {
		return err
	}

	hostname := ""
	if entry.step.TargetHostname != nil {
		hostname = *entry.step.TargetHostname
	}
	timeout := e.cfg.CleanupTimeout()
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	_, err = adapter.Execute(ctx, adapters.Request{
		Step:     entry.step,
		Input:    input,
		Hostname: hostname,
		Timeout:  timeout,
	})
	return err
}

// skipStep marks a pending step skipped.
func (e *Engine) skipStep(step *models.ExecutionStep) {
	ctx, cancelCtx := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCtx()
	if err := e.store.UpdateStepStatus(ctx, step.StepID, models.StepUpdate{
		Status:  models.StepSkipped,
		Attempt: step.Attempt,
	}); err != nil {
		slog.Error("Failed to mark step skipped", "step_id", step.StepID, "error", err)
	}
	step.Status = models.StepSkipped
}

// persistResult writes the aggregated result onto the execution record.
func (e *Engine) persistResult(execution *models.Execution, total, completed, failed, skipped int, result *queue.RunResult) {
	ctx, cancelCtx := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCtx()

	summary := models.JSONMap{
		"steps_total":     total,
		"steps_completed": completed,
		"steps_failed":    failed,
		"steps_skipped":   skipped,
		"status":          string(result.Status),
	}
	var details models.JSONMap
	if result.Err != nil {
		details = models.JSONMap{"message": e.maskText(result.Err.Error())}
	}
	if err := e.store.UpdateExecutionResult(ctx, execution.ExecutionID, summary, details); err != nil {
		slog.Error("Failed to persist execution result",
			"execution_id", execution.ExecutionID, "error", err)
	}
}

func (e *Engine) maskText(s string) string {
	if e.masker == nil {
		return s
	}
	return e.masker.MaskText(s)
}

func (e *Engine) maskValue(v models.JSONMap) models.JSONMap {
	if e.masker == nil || v == nil {
		return v
	}
	if masked, ok := e.masker.MaskValue(map[string]any(v)).(map[string]any); ok {
		return masked
	}
	return v
}

func countStep(status models.StepStatus, completed, failed, skipped *int) {
	switch status {
	case models.StepCompleted:
		*completed++
	case models.StepFailed:
		*failed++
	case models.StepSkipped:
		*skipped++
	}
}

// cleanupSpec extracts a step's cleanup hook, if declared.
func cleanupSpec(step *models.ExecutionStep) map[string]any {
	if spec, ok := step.InputData["cleanup"].(map[string]any); ok && len(spec) > 0 {
		return spec
	}
	return nil
}

// planEnvironment pulls the RBAC environment label from the plan snapshot.
func planEnvironment(execution *models.Execution) string {
	if env, ok := execution.PlanSnapshot["environment"].(string); ok {
		return env
	}
	return ""
}

// ManagerLocks adapts the concrete lock manager to the engine's interface.
type ManagerLocks struct {
	Manager *locks.Manager
}

func (l ManagerLocks) Acquire(ctx context.Context, tenantID, executionID string, assetIDs []string, onLost func(string)) (Lease, error) {
	lease, err := l.Manager.Acquire(ctx, tenantID, executionID, assetIDs, onLost)
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// Compile-time checks that the production types satisfy the engine seams.
var (
	_ SecretResolver = (*secrets.Walker)(nil)
	_ StepAuthorizer = (*rbac.Validator)(nil)
	_ LockManager    = ManagerLocks{}
)
