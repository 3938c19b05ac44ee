package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/runforge/execore/pkg/models"
)

const stepColumns = `step_id, execution_id, step_index, name, step_type,
	action_class, target_asset_id, target_hostname, input_data, status,
	attempt, max_retries, critical, timeout_seconds, error_message,
	output_data, duration_ms, started_at, completed_at`

// CreateSteps inserts the full ordered step list of an execution in one
// transaction, so a plan is either fully expanded or not at all.
func (c *Client) CreateSteps(ctx context.Context, steps []*models.ExecutionStep) error {
	if len(steps) == 0 {
		return nil
	}
	return c.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, s := range steps {
			_, err := tx.NamedExecContext(ctx, `
				INSERT INTO execution_steps (
					step_id, execution_id, step_index, name, step_type,
					action_class, target_asset_id, target_hostname, input_data,
					status, attempt, max_retries, critical, timeout_seconds
				) VALUES (
					:step_id, :execution_id, :step_index, :name, :step_type,
					:action_class, :target_asset_id, :target_hostname, :input_data,
					:status, :attempt, :max_retries, :critical, :timeout_seconds
				)`, s)
			if err != nil {
				return fmt.Errorf("failed to insert step %d: %w", s.StepIndex, err)
			}
		}
		return nil
	})
}

// ListSteps returns the steps of an execution ordered by step_index.
func (c *Client) ListSteps(ctx context.Context, executionID string) ([]*models.ExecutionStep, error) {
	steps := []*models.ExecutionStep{}
	err := c.db.SelectContext(ctx, &steps,
		`SELECT `+stepColumns+` FROM execution_steps
		 WHERE execution_id = $1 ORDER BY step_index ASC`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	return steps, nil
}

// GetStep fetches one step by id.
func (c *Client) GetStep(ctx context.Context, stepID string) (*models.ExecutionStep, error) {
	var s models.ExecutionStep
	err := c.db.GetContext(ctx, &s,
		`SELECT `+stepColumns+` FROM execution_steps WHERE step_id = $1`, stepID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get step: %w", err)
	}
	return &s, nil
}

// UpdateStepStatus writes the outcome of a step attempt. Entering running
// stamps started_at; entering a terminal status stamps completed_at.
func (c *Client) UpdateStepStatus(ctx context.Context, stepID string, upd models.StepUpdate) error {
	now := time.Now().UTC()

	setClauses := []string{"status = :status", "attempt = :attempt"}
	args := map[string]any{
		"step_id": stepID,
		"status":  upd.Status,
		"attempt": upd.Attempt,
		"now":     now,
	}
	if upd.Status == models.StepRunning {
		setClauses = append(setClauses, "started_at = COALESCE(started_at, :now)")
	}
	if upd.Status.IsTerminal() {
		setClauses = append(setClauses, "completed_at = :now")
	}
	if upd.Output != nil {
		setClauses = append(setClauses, "output_data = :output")
		args["output"] = upd.Output
	}
	if upd.ErrorMessage != nil {
		setClauses = append(setClauses, "error_message = :error_message")
		args["error_message"] = *upd.ErrorMessage
	}
	if upd.DurationMS != nil {
		setClauses = append(setClauses, "duration_ms = :duration_ms")
		args["duration_ms"] = *upd.DurationMS
	}

	res, err := c.db.NamedExecContext(ctx,
		`UPDATE execution_steps SET `+strings.Join(setClauses, ", ")+
			` WHERE step_id = :step_id`, args)
	if err != nil {
		return fmt.Errorf("failed to update step status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
