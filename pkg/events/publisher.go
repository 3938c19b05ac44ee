package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/runforge/execore/pkg/database"
	"github.com/runforge/execore/pkg/models"
)

// notifyLimit is the usable NOTIFY payload size. PostgreSQL caps payloads
// at 8000 bytes; a margin is kept for encoding overhead.
const notifyLimit = 7900

// Publisher writes audit events and broadcasts them. The queue, the engine
// and the service layer all publish through it; methods are best-effort
// where the caller cannot do anything useful with a delivery failure.
type Publisher struct {
	db *sql.DB
}

// NewPublisher wraps the database handle from database.Client.DB().
func NewPublisher(db *sql.DB) *Publisher {
	return &Publisher{db: db}
}

// PublishStatusChange records an execution status transition and broadcasts
// it to the execution channel plus a transient copy on the global channel.
// Best-effort: failures are logged, never returned, because the transition
// itself has already been committed.
func (p *Publisher) PublishStatusChange(ctx context.Context, tr *database.StatusTransition, errorMessage string) {
	e := &models.ExecutionEvent{
		EventID:     uuid.New().String(),
		ExecutionID: tr.ExecutionID,
		TenantID:    tr.TenantID,
		Channel:     ExecutionChannel(tr.ExecutionID),
		EventType:   models.EventTypeStatusChanged,
		FromStatus:  strPtr(string(tr.From)),
		ToStatus:    strPtr(string(tr.To)),
		ActorType:   models.ActorTypeWorker,
		TraceID:     tr.TraceID,
		CreatedAt:   time.Now().UTC(),
	}
	if errorMessage != "" {
		e.ErrorMessage = &errorMessage
	}
	if err := p.persistAndNotify(ctx, e, true); err != nil {
		slog.Error("Failed to publish status change",
			"execution_id", tr.ExecutionID, "to", tr.To, "error", err)
	}
}

// PublishCancelRequested records a cancellation request before the worker
// acts on it, so the audit trail shows who asked and when.
func (p *Publisher) PublishCancelRequested(ctx context.Context, execution *models.Execution, actorID, reason string) error {
	e := &models.ExecutionEvent{
		EventID:     uuid.New().String(),
		ExecutionID: execution.ExecutionID,
		TenantID:    execution.TenantID,
		Channel:     ExecutionChannel(execution.ExecutionID),
		EventType:   models.EventTypeCancelRequested,
		ActorID:     &actorID,
		ActorType:   models.ActorTypeUser,
		Details:     models.JSONMap{"reason": reason},
		TraceID:     execution.TraceID,
		CreatedAt:   time.Now().UTC(),
	}
	return p.persistAndNotify(ctx, e, false)
}

// PublishApprovalDecision records an approve/reject decision.
func (p *Publisher) PublishApprovalDecision(ctx context.Context, approval *models.Approval) error {
	e := &models.ExecutionEvent{
		EventID:     uuid.New().String(),
		ExecutionID: approval.ExecutionID,
		TenantID:    approval.TenantID,
		Channel:     ExecutionChannel(approval.ExecutionID),
		EventType:   models.EventTypeApprovalDecided,
		ActorID:     approval.ApproverID,
		ActorType:   models.ActorTypeUser,
		Details: models.JSONMap{
			"approval_id": approval.ApprovalID,
			"state":       string(approval.State),
		},
		CreatedAt: time.Now().UTC(),
	}
	return p.persistAndNotify(ctx, e, false)
}

// PublishStepProgress broadcasts a step snapshot on the execution channel.
// Transient: step state lives on the step row, so nothing is persisted and
// a missed frame costs nothing.
func (p *Publisher) PublishStepProgress(ctx context.Context, execution *models.Execution, step *models.ExecutionStep) {
	payload := map[string]any{
		"type":         models.EventTypeStepProgress,
		"execution_id": execution.ExecutionID,
		"tenant_id":    execution.TenantID,
		"step_id":      step.StepID,
		"step_index":   step.StepIndex,
		"name":         step.Name,
		"status":       string(step.Status),
		"attempt":      step.Attempt,
		"timestamp":    time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := p.notifyOnly(ctx, ExecutionChannel(execution.ExecutionID), payload); err != nil {
		slog.Warn("Failed to publish step progress",
			"execution_id", execution.ExecutionID, "step_id", step.StepID, "error", err)
	}
}

// PublishStepStarted records a step entering the running state. Unlike
// progress frames this lands in the audit trail.
func (p *Publisher) PublishStepStarted(ctx context.Context, execution *models.Execution, step *models.ExecutionStep) {
	p.stepLifecycle(ctx, execution, step, models.EventTypeStepStarted, nil)
}

// PublishStepFinished records a step's outcome, whatever it was; the step
// status and error land in the event so the trail reads without joining
// the steps table.
func (p *Publisher) PublishStepFinished(ctx context.Context, execution *models.Execution, step *models.ExecutionStep) {
	p.stepLifecycle(ctx, execution, step, models.EventTypeStepFinished, step.ErrorMessage)
}

// PublishStepCleanup records a compensation hook run. errorMessage is empty
// when the hook succeeded.
func (p *Publisher) PublishStepCleanup(ctx context.Context, execution *models.Execution, step *models.ExecutionStep, errorMessage string) {
	var errMsg *string
	if errorMessage != "" {
		errMsg = &errorMessage
	}
	p.stepLifecycle(ctx, execution, step, models.EventTypeStepCleanup, errMsg)
}

func (p *Publisher) stepLifecycle(ctx context.Context, execution *models.Execution, step *models.ExecutionStep, eventType string, errMsg *string) {
	e := &models.ExecutionEvent{
		EventID:     uuid.New().String(),
		ExecutionID: execution.ExecutionID,
		TenantID:    execution.TenantID,
		Channel:     ExecutionChannel(execution.ExecutionID),
		EventType:   eventType,
		ActorType:   models.ActorTypeWorker,
		Details: models.JSONMap{
			"step_id":    step.StepID,
			"step_index": step.StepIndex,
			"name":       step.Name,
			"status":     string(step.Status),
			"attempt":    step.Attempt,
		},
		ErrorMessage: errMsg,
		TraceID:      execution.TraceID,
		CreatedAt:    time.Now().UTC(),
	}
	if step.DurationMS != nil {
		e.Details["duration_ms"] = *step.DurationMS
	}
	if err := p.persistAndNotify(ctx, e, false); err != nil {
		slog.Error("Failed to publish step event",
			"execution_id", execution.ExecutionID, "step_id", step.StepID,
			"event_type", eventType, "error", err)
	}
}

// PublishRetrying records a failed attempt that re-pended the queue item.
func (p *Publisher) PublishRetrying(ctx context.Context, execution *models.Execution, attempt, maxAttempts int, cause string) {
	e := &models.ExecutionEvent{
		EventID:     uuid.New().String(),
		ExecutionID: execution.ExecutionID,
		TenantID:    execution.TenantID,
		Channel:     ExecutionChannel(execution.ExecutionID),
		EventType:   models.EventTypeRetrying,
		ActorType:   models.ActorTypeWorker,
		Details: models.JSONMap{
			"attempt":      attempt,
			"max_attempts": maxAttempts,
			"cause":        cause,
		},
		TraceID:   execution.TraceID,
		CreatedAt: time.Now().UTC(),
	}
	if err := p.persistAndNotify(ctx, e, true); err != nil {
		slog.Error("Failed to publish retry event",
			"execution_id", execution.ExecutionID, "attempt", attempt, "error", err)
	}
}

// SecretAccessed writes a secret access audit event (path only, never the
// value).
func (p *Publisher) SecretAccessed(ctx context.Context, executionID, path string) {
	p.secretAudit(ctx, executionID, path, models.EventTypeSecretAccessed)
}

// SecretResolutionFailed writes a failed secret resolution audit event.
func (p *Publisher) SecretResolutionFailed(ctx context.Context, executionID, path string) {
	p.secretAudit(ctx, executionID, path, models.EventTypeSecretFailed)
}

func (p *Publisher) secretAudit(ctx context.Context, executionID, path, eventType string) {
	e := &models.ExecutionEvent{
		EventID:     uuid.New().String(),
		ExecutionID: executionID,
		Channel:     ExecutionChannel(executionID),
		EventType:   eventType,
		ActorType:   models.ActorTypeSystem,
		Details:     models.JSONMap{"path": path},
		CreatedAt:   time.Now().UTC(),
	}
	if err := p.persistAndNotify(ctx, e, false); err != nil {
		slog.Error("Failed to write secret audit event",
			"execution_id", executionID, "event_type", eventType, "error", err)
	}
}

// persistAndNotify inserts the event row and fires pg_notify in one
// transaction, so the NOTIFY is held until COMMIT and subscribers never see
// an event that was not persisted. alsoGlobal additionally broadcasts a
// transient copy on the global channel after commit.
func (p *Publisher) persistAndNotify(ctx context.Context, e *models.ExecutionEvent, alsoGlobal bool) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin event transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx,
		`INSERT INTO execution_events
		 (event_id, execution_id, tenant_id, channel, event_type,
		  from_status, to_status, actor_id, actor_type, details,
		  error_message, trace_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 RETURNING id`,
		e.EventID, e.ExecutionID, e.TenantID, e.Channel, e.EventType,
		e.FromStatus, e.ToStatus, e.ActorID, e.ActorType, e.Details,
		e.ErrorMessage, e.TraceID, e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}

	payload, err := encodeNotify(WirePayload(e))
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", e.Channel, payload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event transaction: %w", err)
	}

	if alsoGlobal {
		if err := p.notifyOnly(ctx, GlobalChannel, WirePayload(e)); err != nil {
			slog.Warn("Failed to broadcast event on global channel",
				"execution_id", e.ExecutionID, "error", err)
		}
	}
	return nil
}

// notifyOnly broadcasts without persistence.
func (p *Publisher) notifyOnly(ctx context.Context, channel string, payload map[string]any) error {
	encoded, err := encodeNotify(payload)
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, encoded); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	return nil
}

// WirePayload is the JSON shape shared by live NOTIFY delivery and the
// catch-up query, so clients parse one format regardless of path.
func WirePayload(e *models.ExecutionEvent) map[string]any {
	payload := map[string]any{
		"type":         e.EventType,
		"event_id":     e.EventID,
		"execution_id": e.ExecutionID,
		"tenant_id":    e.TenantID,
		"actor_type":   e.ActorType,
		"timestamp":    e.CreatedAt.Format(time.RFC3339Nano),
	}
	if e.ID != 0 {
		payload["db_event_id"] = e.ID
	}
	if e.FromStatus != nil {
		payload["from_status"] = *e.FromStatus
	}
	if e.ToStatus != nil {
		payload["to_status"] = *e.ToStatus
	}
	if e.ActorID != nil {
		payload["actor_id"] = *e.ActorID
	}
	if e.Details != nil {
		payload["details"] = map[string]any(e.Details)
	}
	if e.ErrorMessage != nil {
		payload["error_message"] = *e.ErrorMessage
	}
	if e.TraceID != nil {
		payload["trace_id"] = *e.TraceID
	}
	return payload
}

// encodeNotify marshals a payload, replacing oversized ones with a minimal
// routing envelope the client uses to fetch the full event over REST.
func encodeNotify(payload map[string]any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event payload: %w", err)
	}
	if len(raw) <= notifyLimit {
		return string(raw), nil
	}

	envelope := map[string]any{"truncated": true}
	for _, key := range []string{"type", "event_id", "execution_id", "db_event_id"} {
		if v, ok := payload[key]; ok {
			envelope[key] = v
		}
	}
	raw, err = json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncation envelope: %w", err)
	}
	return string(raw), nil
}

func strPtr(s string) *string { return &s }
