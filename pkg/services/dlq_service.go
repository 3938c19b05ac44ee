package services

import (
	"context"
	"errors"
	"log/slog"

	"github.com/runforge/execore/pkg/database"
	"github.com/runforge/execore/pkg/models"
)

// DeadLetterService is the operator surface over the dead-letter queue:
// inspection, requeue, and archival.
type DeadLetterService struct {
	store  Store
	events EventSink
}

// NewDeadLetterService creates a DeadLetterService.
func NewDeadLetterService(store Store, events EventSink) *DeadLetterService {
	return &DeadLetterService{store: store, events: events}
}

// List returns dead-letter items for a tenant with the total count.
func (s *DeadLetterService) List(ctx context.Context, tenantID string, includeResolved bool, limit, offset int) ([]*models.DeadLetterItem, int, error) {
	return s.store.ListDeadLetters(ctx, database.DeadLetterFilter{
		TenantID:        tenantID,
		IncludeResolved: includeResolved,
		Limit:           limit,
		Offset:          offset,
	})
}

// Get returns a tenant's dead-letter item by ID.
func (s *DeadLetterService) Get(ctx context.Context, tenantID, dlqID string) (*models.DeadLetterItem, error) {
	item, err := s.store.GetDeadLetter(ctx, dlqID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if item.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return item, nil
}

// Requeue puts a dead-lettered execution back on the queue with a fresh
// attempt budget and forces its status back to queued.
func (s *DeadLetterService) Requeue(ctx context.Context, tenantID, dlqID string) (*models.DeadLetterItem, error) {
	if _, err := s.Get(ctx, tenantID, dlqID); err != nil {
		return nil, err
	}
	item, err := s.store.RequeueDeadLetter(ctx, dlqID)
	if err != nil {
		switch {
		case errors.Is(err, database.ErrNotFound):
			return nil, ErrNotFound
		case errors.Is(err, database.ErrDeadLetterResolved):
			return nil, ErrDeadLetterResolved
		default:
			return nil, err
		}
	}

	tr, err := s.store.UpdateExecutionStatus(ctx, database.StatusUpdate{
		ExecutionID: item.ExecutionID,
		To:          models.StatusQueued,
		Force:       true,
	})
	if err != nil {
		slog.Error("Failed to reset status of requeued execution",
			"execution_id", item.ExecutionID, "dlq_id", dlqID, "error", err)
		return item, nil
	}
	s.events.PublishStatusChange(ctx, tr, "")

	slog.Info("Dead-letter item requeued",
		"dlq_id", dlqID, "execution_id", item.ExecutionID)
	return item, nil
}

// Archive marks a dead-letter item as handled without rerunning it.
func (s *DeadLetterService) Archive(ctx context.Context, tenantID, dlqID string) (*models.DeadLetterItem, error) {
	if _, err := s.Get(ctx, tenantID, dlqID); err != nil {
		return nil, err
	}
	item, err := s.store.ArchiveDeadLetter(ctx, dlqID)
	if err != nil {
		switch {
		case errors.Is(err, database.ErrNotFound):
			return nil, ErrNotFound
		case errors.Is(err, database.ErrDeadLetterResolved):
			return nil, ErrDeadLetterResolved
		default:
			return nil, err
		}
	}
	slog.Info("Dead-letter item archived",
		"dlq_id", dlqID, "execution_id", item.ExecutionID)
	return item, nil
}
