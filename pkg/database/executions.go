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

const executionColumns = `execution_id, tenant_id, actor_id, idempotency_key,
	plan_snapshot, plan_hash, execution_mode, sla_class, priority,
	approval_level, status, previous_status, status_changed_at, created_at,
	started_at, completed_at, timeout_at, result, error_message, error_details,
	trace_id, parent_execution_id, tags, metadata`

// CreateExecution inserts a new execution row. Returns ErrDuplicate when the
// (tenant_id, idempotency_key) pair already exists, so the idempotency guard
// can retry as a lookup.
func (c *Client) CreateExecution(ctx context.Context, e *models.Execution) error {
	_, err := c.db.NamedExecContext(ctx, `
		INSERT INTO executions (
			execution_id, tenant_id, actor_id, idempotency_key,
			plan_snapshot, plan_hash, execution_mode, sla_class, priority,
			approval_level, status, status_changed_at, created_at, timeout_at,
			trace_id, parent_execution_id, tags, metadata
		) VALUES (
			:execution_id, :tenant_id, :actor_id, :idempotency_key,
			:plan_snapshot, :plan_hash, :execution_mode, :sla_class, :priority,
			:approval_level, :status, :status_changed_at, :created_at, :timeout_at,
			:trace_id, :parent_execution_id, :tags, :metadata
		)`, e)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

// GetExecution fetches one execution by id.
func (c *Client) GetExecution(ctx context.Context, executionID string) (*models.Execution, error) {
	var e models.Execution
	err := c.db.GetContext(ctx, &e,
		`SELECT `+executionColumns+` FROM executions WHERE execution_id = $1`,
		executionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return &e, nil
}

// GetExecutionByIdempotencyKey fetches the most recent execution matching
// (tenant, idempotency key) created after the given cutoff. Used by the
// idempotency guard; the deduplication window is applied here and a failed
// or cancelled prior never counts as a duplicate.
func (c *Client) GetExecutionByIdempotencyKey(ctx context.Context, tenantID, key string, createdAfter time.Time) (*models.Execution, error) {
	var e models.Execution
	err := c.db.GetContext(ctx, &e,
		`SELECT `+executionColumns+` FROM executions
		 WHERE tenant_id = $1 AND idempotency_key = $2 AND created_at >= $3
		   AND status NOT IN ('failed', 'cancelled')
		 ORDER BY created_at DESC
		 LIMIT 1`,
		tenantID, key, createdAfter)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	return &e, nil
}

// RetireIdempotencyKeys releases an idempotency key held by executions
// created before the cutoff, by rotating their key to a form no new
// submission can collide with. The partial unique index only covers live
// rows, so this is how an out-of-window holder stops blocking inserts.
func (c *Client) RetireIdempotencyKeys(ctx context.Context, tenantID, key string, createdBefore time.Time) (int, error) {
	res, err := c.db.ExecContext(ctx,
		`UPDATE executions
		 SET idempotency_key = idempotency_key || ':' || execution_id
		 WHERE tenant_id = $1 AND idempotency_key = $2 AND created_at < $3`,
		tenantID, key, createdBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to retire idempotency keys: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count retired keys: %w", err)
	}
	return int(n), nil
}

// StatusUpdate carries one transition through the execution state machine.
type StatusUpdate struct {
	ExecutionID  string
	To           models.ExecutionStatus
	ErrorMessage *string

	// Force skips the transition guard. Reserved for explicit operator
	// overrides (dead-letter requeue); never set on the normal path.
	Force bool
}

// StatusTransition reports the transition that was applied, for event
// publication by the caller.
type StatusTransition struct {
	ExecutionID string
	From        models.ExecutionStatus
	To          models.ExecutionStatus
	TenantID    string
	TraceID     *string
}

// UpdateExecutionStatus applies one guarded transition: the current status is
// read under a row lock, validated against the state machine, and the row is
// updated with previous_status, status_changed_at and the timing stamps
// (started_at on entering running, completed_at on entering a terminal
// state). Returns the applied transition so callers can publish the
// corresponding event.
func (c *Client) UpdateExecutionStatus(ctx context.Context, upd StatusUpdate) (*StatusTransition, error) {
	var tr StatusTransition
	err := c.withTx(ctx, func(tx *sqlx.Tx) error {
		var cur struct {
			Status   models.ExecutionStatus `db:"status"`
			TenantID string                 `db:"tenant_id"`
			TraceID  *string                `db:"trace_id"`
		}
		err := tx.GetContext(ctx, &cur,
			`SELECT status, tenant_id, trace_id FROM executions
			 WHERE execution_id = $1 FOR UPDATE`, upd.ExecutionID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock execution: %w", err)
		}

		if !upd.Force {
			if err := models.ValidateTransition(cur.Status, upd.To); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
			}
		}

		now := time.Now().UTC()
		setClauses := []string{
			"status = :to",
			"previous_status = :from",
			"status_changed_at = :now",
		}
		if upd.To == models.StatusRunning {
			setClauses = append(setClauses, "started_at = COALESCE(started_at, :now)")
		}
		if upd.To.IsTerminal() {
			setClauses = append(setClauses, "completed_at = :now")
		}
		if upd.ErrorMessage != nil {
			setClauses = append(setClauses, "error_message = :error_message")
		}

		_, err = tx.NamedExecContext(ctx,
			`UPDATE executions SET `+strings.Join(setClauses, ", ")+
				` WHERE execution_id = :execution_id`,
			map[string]any{
				"execution_id":  upd.ExecutionID,
				"to":            upd.To,
				"from":          string(cur.Status),
				"now":           now,
				"error_message": upd.ErrorMessage,
			})
		if err != nil {
			return fmt.Errorf("failed to update execution status: %w", err)
		}

		tr = StatusTransition{
			ExecutionID: upd.ExecutionID,
			From:        cur.Status,
			To:          upd.To,
			TenantID:    cur.TenantID,
			TraceID:     cur.TraceID,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &tr, nil
}

// UpdateExecutionResult writes the aggregated result payload and optional
// error details. Status is not touched here; terminal transitions go through
// UpdateExecutionStatus.
func (c *Client) UpdateExecutionResult(ctx context.Context, executionID string, result models.JSONMap, errorDetails models.JSONMap) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE executions SET result = $2, error_details = $3 WHERE execution_id = $1`,
		executionID, result, errorDetails)
	if err != nil {
		return fmt.Errorf("failed to update execution result: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListExecutions returns a filtered, paginated page of a tenant's executions
// ordered newest first, plus the total match count.
func (c *Client) ListExecutions(ctx context.Context, tenantID string, f models.ExecutionFilters) (*models.ExecutionList, error) {
	where := []string{"tenant_id = :tenant_id"}
	args := map[string]any{"tenant_id": tenantID}

	if len(f.Status) > 0 {
		statuses := make([]string, len(f.Status))
		for i, s := range f.Status {
			statuses[i] = string(s)
		}
		where = append(where, "status IN (:statuses)")
		args["statuses"] = statuses
	}
	if f.SLAClass != "" {
		where = append(where, "sla_class = :sla_class")
		args["sla_class"] = f.SLAClass
	}
	if f.CreatedAfter != nil {
		where = append(where, "created_at >= :created_after")
		args["created_after"] = *f.CreatedAfter
	}
	if f.CreatedBefore != nil {
		where = append(where, "created_at <= :created_before")
		args["created_before"] = *f.CreatedBefore
	}

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 25
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	args["limit"] = limit
	args["offset"] = offset

	whereSQL := strings.Join(where, " AND ")

	countQuery, countArgs, err := bindNamed(
		`SELECT COUNT(*) FROM executions WHERE `+whereSQL, args)
	if err != nil {
		return nil, err
	}
	var total int
	if err := c.db.GetContext(ctx, &total, c.db.Rebind(countQuery), countArgs...); err != nil {
		return nil, fmt.Errorf("failed to count executions: %w", err)
	}

	listQuery, listArgs, err := bindNamed(
		`SELECT `+executionColumns+` FROM executions WHERE `+whereSQL+
			` ORDER BY created_at DESC LIMIT :limit OFFSET :offset`, args)
	if err != nil {
		return nil, err
	}
	executions := []*models.Execution{}
	if err := c.db.SelectContext(ctx, &executions, c.db.Rebind(listQuery), listArgs...); err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}

	return &models.ExecutionList{
		Executions: executions,
		TotalCount: total,
		Limit:      limit,
		Offset:     offset,
	}, nil
}

// ListExpiredExecutions returns non-terminal executions whose timeout_at has
// passed. The maintenance sweep cancels these with reason timeout; the cap
// bounds one sweep's work.
func (c *Client) ListExpiredExecutions(ctx context.Context, now time.Time, limit int) ([]*models.Execution, error) {
	executions := []*models.Execution{}
	err := c.db.SelectContext(ctx, &executions,
		`SELECT `+executionColumns+` FROM executions
		 WHERE status IN ('approved', 'queued', 'running')
		   AND timeout_at IS NOT NULL AND timeout_at < $1
		 ORDER BY timeout_at ASC
		 LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired executions: %w", err)
	}
	return executions, nil
}

// PurgeTerminalExecutions deletes terminal executions that settled more than
// olderThanDays ago. Steps, events, queue items and locks cascade with the
// execution row. Returns how many executions were removed.
func (c *Client) PurgeTerminalExecutions(ctx context.Context, olderThanDays int) (int, error) {
	res, err := c.db.ExecContext(ctx, `
		DELETE FROM executions
		WHERE status IN ('completed', 'partial', 'failed', 'cancelled', 'timed_out')
		  AND status_changed_at < now() - make_interval(days => $1)`,
		olderThanDays)
	if err != nil {
		return 0, fmt.Errorf("failed to purge terminal executions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// bindNamed expands named parameters (including slices via IN expansion) into
// positional arguments.
func bindNamed(query string, args map[string]any) (string, []any, error) {
	q, a, err := sqlx.Named(query, args)
	if err != nil {
		return "", nil, fmt.Errorf("failed to bind query parameters: %w", err)
	}
	q, a, err = sqlx.In(q, a...)
	if err != nil {
		return "", nil, fmt.Errorf("failed to expand query parameters: %w", err)
	}
	return q, a, nil
}
