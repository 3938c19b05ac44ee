package rbac

import (
	"context"
	"log/slog"

	"github.com/runforge/execore/pkg/config"
	"github.com/runforge/execore/pkg/models"
)

// Validator runs permission checks over executions and steps.
type Validator struct {
	checker PermissionChecker
}

// NewValidator builds a validator over the static config-backed checker and
// logs the active mode, so a permissive deployment is always visible in the
// startup log.
func NewValidator(cfg *config.RBACConfig) *Validator {
	if cfg == nil {
		cfg = config.DefaultRBACConfig()
	}
	mode := "permissive"
	if cfg.Strict {
		mode = "strict"
	}
	slog.Info("RBAC validator initialized", "mode", mode, "rules", len(cfg.Rules))
	return &Validator{checker: &staticChecker{rules: cfg.Rules, strict: cfg.Strict}}
}

// NewValidatorWithChecker wires a custom checker implementation.
func NewValidatorWithChecker(checker PermissionChecker) *Validator {
	return &Validator{checker: checker}
}

// ValidateExecution checks each distinct permission tuple of the execution's
// steps before anything runs. The first denial fails the whole execution.
func (v *Validator) ValidateExecution(ctx context.Context, exec *models.Execution, steps []*models.ExecutionStep, environment string) error {
	seen := make(map[Request]bool)
	for _, step := range steps {
		req := stepRequest(exec, step, environment)
		if seen[req] {
			continue
		}
		seen[req] = true
		if err := v.checker.Check(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// ValidateStep re-checks a single step just before dispatch, covering
// targets expanded after the pre-run pass.
func (v *Validator) ValidateStep(ctx context.Context, exec *models.Execution, step *models.ExecutionStep, environment string) error {
	return v.checker.Check(ctx, stepRequest(exec, step, environment))
}

func stepRequest(exec *models.Execution, step *models.ExecutionStep, environment string) Request {
	asset := ""
	if step.TargetAssetID != nil {
		asset = *step.TargetAssetID
	}
	return Request{
		Actor:       exec.ActorID,
		Tenant:      exec.TenantID,
		Asset:       asset,
		Action:      string(step.ActionClass),
		Environment: environment,
	}
}
