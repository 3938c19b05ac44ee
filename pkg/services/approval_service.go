package services

import (
	"context"
	"errors"
	"log/slog"

	"github.com/runforge/execore/pkg/config"
	"github.com/runforge/execore/pkg/database"
	"github.com/runforge/execore/pkg/models"
)

// ApprovalService decides pending approval gates and routes approved
// executions onto the queue.
type ApprovalService struct {
	store   Store
	enqueue Enqueuer
	events  EventSink
	cfg     *config.Config
}

// NewApprovalService creates an ApprovalService.
func NewApprovalService(store Store, enqueue Enqueuer, events EventSink, cfg *config.Config) *ApprovalService {
	return &ApprovalService{
		store:   store,
		enqueue: enqueue,
		events:  events,
		cfg:     cfg,
	}
}

// Get returns a tenant's approval by ID.
func (s *ApprovalService) Get(ctx context.Context, tenantID, approvalID string) (*models.Approval, error) {
	approval, err := s.store.GetApproval(ctx, approvalID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if approval.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return approval, nil
}

// GetPendingByExecution returns the open approval gate of an execution, if
// any.
func (s *ApprovalService) GetPendingByExecution(ctx context.Context, tenantID, executionID string) (*models.Approval, error) {
	approval, err := s.store.GetPendingApprovalByExecution(ctx, executionID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if approval.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return approval, nil
}

// Respond decides a pending approval. An approved execution moves through
// approved onto the queue; a rejected one is cancelled. The decision is
// guarded against plan swaps: the stored plan hash must still match the
// execution's.
func (s *ApprovalService) Respond(ctx context.Context, tenantID, approvalID, approverID string, approve bool) (*models.Approval, error) {
	if _, err := s.Get(ctx, tenantID, approvalID); err != nil {
		return nil, err
	}

	approval, err := s.store.RespondApproval(ctx, approvalID, approverID, approve)
	if err != nil {
		switch {
		case errors.Is(err, database.ErrNotFound):
			return nil, ErrNotFound
		case errors.Is(err, database.ErrApprovalNotPending):
			return nil, ErrApprovalNotPending
		case errors.Is(err, database.ErrPlanHashMismatch):
			return nil, NewValidationError("plan_hash", "plan changed since approval was requested")
		default:
			return nil, err
		}
	}

	if err := s.events.PublishApprovalDecision(ctx, approval); err != nil {
		slog.Warn("Failed to record approval decision",
			"approval_id", approvalID, "error", err)
	}

	if approve {
		if err := s.routeApproved(ctx, approval); err != nil {
			return nil, err
		}
	} else {
		s.cancelRejected(ctx, approval, approverID)
	}
	return approval, nil
}

// routeApproved moves the execution pending_approval -> approved -> queued
// and places it on the durable queue in between, so a crash after the
// approved write leaves a claimable state rather than a lost decision.
func (s *ApprovalService) routeApproved(ctx context.Context, approval *models.Approval) error {
	tr, err := s.store.UpdateExecutionStatus(ctx, database.StatusUpdate{
		ExecutionID: approval.ExecutionID,
		To:          models.StatusApproved,
	})
	if err != nil {
		return err
	}
	s.events.PublishStatusChange(ctx, tr, "")

	execution, err := s.store.GetExecution(ctx, approval.ExecutionID)
	if err != nil {
		return err
	}
	maxAttempts := s.cfg.SLA.MaxAttemptsFor(string(execution.SLAClass))
	if _, err := s.enqueue.Enqueue(ctx, execution, maxAttempts); err != nil {
		return err
	}

	tr, err = s.store.UpdateExecutionStatus(ctx, database.StatusUpdate{
		ExecutionID: approval.ExecutionID,
		To:          models.StatusQueued,
	})
	if err != nil {
		// A fast worker may have claimed the item already.
		if errors.Is(err, database.ErrInvalidTransition) {
			return nil
		}
		return err
	}
	s.events.PublishStatusChange(ctx, tr, "")

	slog.Info("Approved execution queued",
		"execution_id", approval.ExecutionID, "approval_id", approval.ApprovalID)
	return nil
}

func (s *ApprovalService) cancelRejected(ctx context.Context, approval *models.Approval, approverID string) {
	reason := "approval rejected"
	tr, err := s.store.UpdateExecutionStatus(ctx, database.StatusUpdate{
		ExecutionID:  approval.ExecutionID,
		To:           models.StatusCancelled,
		ErrorMessage: &reason,
	})
	if err != nil {
		slog.Error("Failed to cancel rejected execution",
			"execution_id", approval.ExecutionID, "error", err)
		return
	}
	s.events.PublishStatusChange(ctx, tr, reason)

	slog.Info("Execution rejected at approval gate",
		"execution_id", approval.ExecutionID, "approver_id", approverID)
}
