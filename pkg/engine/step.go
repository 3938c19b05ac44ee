package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/runforge/execore/pkg/adapters"
	"github.com/runforge/execore/pkg/assets"
	"github.com/runforge/execore/pkg/cancel"
	"github.com/runforge/execore/pkg/models"
)

// stepOutcome is the terminal state of one step.
type stepOutcome struct {
	status models.StepStatus
	err    error
}

// runStep drives one step from pending to a terminal state: target
// resolution, locking, secret resolution, RBAC, adapter dispatch with
// bounded retries, then validation and persistence.
func (e *Engine) runStep(ctx context.Context, execution *models.Execution, step *models.ExecutionStep, environment string, token *cancel.Token) stepOutcome {
	log := slog.With("execution_id", execution.ExecutionID, "step_id", step.StepID, "step", step.Name)

	started := time.Now()
	step.Attempt++
	if err := e.store.UpdateStepStatus(ctx, step.StepID, models.StepUpdate{
		Status:  models.StepRunning,
		Attempt: step.Attempt,
	}); err != nil {
		return e.failStep(execution, step, started, fmt.Errorf("failed to mark step running: %w", err))
	}
	step.Status = models.StepRunning
	if e.events != nil {
		e.events.PublishStepStarted(ctx, execution, step)
	}
	e.publishProgress(ctx, execution, step)

	target, err := e.resolveTarget(ctx, step)
	if err != nil {
		return e.failStep(execution, step, started, fmt.Errorf("target resolution failed: %w", err))
	}

	if step.StepType == "" {
		step.StepType = e.classifyPersisted(step, target)
	}

	// Only steps that can mutate their target serialize on asset locks;
	// read steps run concurrently.
	var lease Lease
	if step.ActionClass != models.ActionRead {
		if assetIDs := lockTargets(step); len(assetIDs) > 0 {
			lease, err = e.locks.Acquire(ctx, execution.TenantID, execution.ExecutionID, assetIDs,
				func(assetID string) {
					token.Cancel(cancel.ReasonError,
						fmt.Sprintf("lost lock on asset %s during execution", assetID))
				})
			if err != nil {
				return e.failStep(execution, step, started, fmt.Errorf("lock acquisition failed: %w", err))
			}
			defer func() {
				releaseCtx, cancelCtx := context.WithTimeout(context.Background(), 10*time.Second)
				lease.Release(releaseCtx)
				cancelCtx()
			}()
		}
	}

	input, err := e.secrets.ResolveInput(ctx, execution.ExecutionID, step.InputData)
	if err != nil {
		return e.failStep(execution, step, started, fmt.Errorf("secret resolution failed: %w", err))
	}

	if err := e.rbac.ValidateStep(ctx, execution, step, environment); err != nil {
		return e.failStep(execution, step, started, err)
	}

	if token.IsCancelled() {
		e.skipStep(step)
		return stepOutcome{status: models.StepSkipped}
	}

	result, err := e.dispatch(ctx, step, input, target, token)
	if err == nil {
		err = applyValidation(step, result)
	}

	return e.finishStep(execution, step, started, result, err, log)
}

// dispatch invokes the step's adapter with the per-attempt timeout and
// bounded retries. Only transport-level errors retry; a result with a bad
// exit code is final and judged by validation.
func (e *Engine) dispatch(ctx context.Context, step *models.ExecutionStep, input models.JSONMap, target *assets.Asset, token *cancel.Token) (*adapters.Result, error) {
	adapter, err := e.registry.For(step.StepType)
	if err != nil {
		return nil, err
	}

	req := adapters.Request{
		Step:    step,
		Input:   input,
		Timeout: time.Duration(step.TimeoutSeconds) * time.Second,
	}
	if req.Timeout <= 0 {
		req.Timeout = time.Minute
	}
	if target != nil {
		req.Hostname = target.Hostname
		req.OS = target.OS
	}
	if step.TargetHostname != nil && req.Hostname == "" {
		req.Hostname = *step.TargetHostname
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.StepRetryInitialInterval()
	bo.MaxInterval = e.cfg.StepRetryMaxInterval()
	// MaxRetries bounds retries, so attempts = retries + 1. The elapsed
	// bound is off: attempts count toward the step duration instead.
	bo.MaxElapsedTime = 0

	var result *adapters.Result
	attempts := 0
	operation := func() error {
		if token.IsCancelled() {
			return backoff.Permanent(errors.New("cancelled"))
		}
		attempts++
		var attemptErr error
		result, attemptErr = adapter.Execute(ctx, req)
		if attemptErr == nil {
			return nil
		}
		if ctx.Err() != nil || attempts > step.MaxRetries {
			return backoff.Permanent(attemptErr)
		}
		slog.Warn("Step attempt failed, retrying",
			"step_id", step.StepID, "attempt", attempts, "max_retries", step.MaxRetries,
			"error", attemptErr)
		return attemptErr
	}

	err = backoff.Retry(operation, backoff.WithContext(bo, ctx))
	return result, err
}

// finishStep persists the outcome of a dispatched step.
func (e *Engine) finishStep(execution *models.Execution, step *models.ExecutionStep, started time.Time, result *adapters.Result, dispatchErr error, log *slog.Logger) stepOutcome {
	output := stepOutput(result)
	status := models.StepCompleted
	var errMsg *string
	if dispatchErr != nil {
		status = models.StepFailed
		masked := e.maskText(dispatchErr.Error())
		errMsg = &masked
	}

	duration := time.Since(started).Milliseconds()
	ctx, cancelCtx := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCtx()
	if err := e.store.UpdateStepStatus(ctx, step.StepID, models.StepUpdate{
		Status:       status,
		Attempt:      step.Attempt,
		Output:       e.maskValue(output),
		ErrorMessage: errMsg,
		DurationMS:   &duration,
	}); err != nil {
		log.Error("Failed to persist step result", "error", err)
	}
	step.Status = status
	step.ErrorMessage = errMsg
	step.DurationMS = &duration
	if e.events != nil {
		e.events.PublishStepFinished(ctx, execution, step)
	}
	e.publishProgress(ctx, execution, step)

	if status == models.StepFailed {
		log.Warn("Step failed", "error", *errMsg, "duration_ms", duration)
		return stepOutcome{status: status, err: dispatchErr}
	}
	log.Info("Step completed", "duration_ms", duration)
	return stepOutcome{status: status}
}

// failStep persists a failure that happened before or around dispatch.
func (e *Engine) failStep(execution *models.Execution, step *models.ExecutionStep, started time.Time, cause error) stepOutcome {
	return e.finishStep(execution, step, started, nil, cause, slog.With(
		"execution_id", execution.ExecutionID, "step_id", step.StepID, "step", step.Name))
}

// resolveTarget looks the step's target up in the asset inventory. A step
// with no target reference is targetless (local command, HTTP, validation).
func (e *Engine) resolveTarget(ctx context.Context, step *models.ExecutionStep) (*assets.Asset, error) {
	switch {
	case step.TargetAssetID != nil && *step.TargetAssetID != "":
		return e.assets.GetByID(ctx, *step.TargetAssetID)
	case step.TargetHostname != nil && *step.TargetHostname != "":
		return e.assets.GetByHostname(ctx, *step.TargetHostname)
	default:
		return nil, nil
	}
}

// classifyPersisted classifies a step that reached the engine untyped.
func (e *Engine) classifyPersisted(step *models.ExecutionStep, target *assets.Asset) models.StepType {
	planStep := models.PlanStep{Name: step.Name, Input: step.InputData}
	if step.TargetAssetID != nil {
		planStep.TargetAssetID = *step.TargetAssetID
	}
	if step.TargetHostname != nil {
		planStep.TargetHostname = *step.TargetHostname
	}
	targetOS := ""
	if target != nil {
		targetOS = target.OS
	}
	return ClassifyStepType(planStep, targetOS)
}

// lockTargets lists the assets a step must hold locks on: its primary
// target plus any fan-out targets declared in the input.
func lockTargets(step *models.ExecutionStep) []string {
	var ids []string
	if step.TargetAssetID != nil && *step.TargetAssetID != "" {
		ids = append(ids, *step.TargetAssetID)
	}
	if raw, ok := step.InputData["target_asset_ids"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok && s != "" {
				ids = append(ids, s)
			}
		}
	}
	return ids
}

// applyValidation judges an adapter result against the step's validation
// rules. Without explicit rules, command-like results must exit zero.
func applyValidation(step *models.ExecutionStep, result *adapters.Result) error {
	if result == nil {
		return errors.New("adapter returned no result")
	}
	rules := validationRules(step)

	if result.ExitCode != nil {
		expected := 0
		if rules != nil && rules.ExpectedExitCode != nil {
			expected = *rules.ExpectedExitCode
		}
		if *result.ExitCode != expected {
			return fmt.Errorf("exit code %d, expected %d (stderr: %s)",
				*result.ExitCode, expected, truncate(result.Stderr, 500))
		}
	}

	if rules == nil {
		return nil
	}
	combined := result.Stdout + "\n" + result.Stderr
	for _, want := range rules.OutputContains {
		if !strings.Contains(combined, want) {
			return fmt.Errorf("output does not contain required %q", want)
		}
	}
	for _, forbidden := range rules.OutputNotContains {
		if strings.Contains(combined, forbidden) {
			return fmt.Errorf("output contains forbidden %q", forbidden)
		}
	}
	return nil
}

// validationRules decodes the validation block stored with the step input.
func validationRules(step *models.ExecutionStep) *models.StepValidation {
	raw, ok := step.InputData["validation"].(map[string]any)
	if !ok {
		return nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var rules models.StepValidation
	if err := json.Unmarshal(encoded, &rules); err != nil {
		return nil
	}
	return &rules
}

func stepOutput(result *adapters.Result) models.JSONMap {
	if result == nil {
		return nil
	}
	output := models.JSONMap{}
	for k, v := range result.Output {
		output[k] = v
	}
	if result.Stdout != "" {
		output["stdout"] = result.Stdout
	}
	if result.Stderr != "" {
		output["stderr"] = result.Stderr
	}
	if result.ExitCode != nil {
		output["exit_code"] = *result.ExitCode
	}
	if len(output) == 0 {
		return nil
	}
	return output
}

func (e *Engine) publishProgress(ctx context.Context, execution *models.Execution, step *models.ExecutionStep) {
	if e.events == nil {
		return
	}
	e.events.PublishStepProgress(ctx, execution, step)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
