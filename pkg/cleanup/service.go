// Package cleanup provides the data-retention background service.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/runforge/execore/pkg/config"
)

// Store is the slice of the database client the retention loop uses.
// *database.Client satisfies it.
type Store interface {
	PurgeTerminalExecutions(ctx context.Context, olderThanDays int) (int, error)
	DeleteArchivedDeadLetters(ctx context.Context, olderThanDays int) (int, error)
}

// Service periodically enforces retention policies:
//   - Purges terminal executions past the retention bound (steps, events,
//     queue items and locks cascade with the execution row)
//   - Removes archived dead-letter items past their own bound
//
// All operations are idempotent and safe to run from multiple replicas.
type Service struct {
	config *config.RetentionConfig
	store  Store

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new retention service.
func NewService(cfg *config.RetentionConfig, store Store) *Service {
	return &Service{
		config: cfg,
		store:  store,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Retention service started",
		"execution_retention_days", s.config.ExecutionRetentionDays,
		"dlq_retention_days", s.config.DLQRetentionDays,
		"interval", s.config.CleanupInterval())
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Retention service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.purgeExecutions(ctx)
	s.purgeDeadLetters(ctx)
}

func (s *Service) purgeExecutions(ctx context.Context) {
	count, err := s.store.PurgeTerminalExecutions(ctx, s.config.ExecutionRetentionDays)
	if err != nil {
		slog.Error("Retention: execution purge failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: purged terminal executions", "count", count)
	}
}

func (s *Service) purgeDeadLetters(ctx context.Context) {
	count, err := s.store.DeleteArchivedDeadLetters(ctx, s.config.DLQRetentionDays)
	if err != nil {
		slog.Error("Retention: dead-letter purge failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: deleted archived dead-letter items", "count", count)
	}
}
