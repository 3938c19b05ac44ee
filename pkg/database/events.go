package database

import (
	"context"
	"fmt"

	"github.com/runforge/execore/pkg/models"
)

const eventColumns = `id, event_id, execution_id, tenant_id, channel,
	event_type, from_status, to_status, actor_id, actor_type, details,
	error_message, trace_id, created_at`

// ListEvents returns the append-only audit trail of one execution in
// insertion order, paginated. The events table is written exclusively by the
// event publisher (insert + pg_notify in one transaction).
func (c *Client) ListEvents(ctx context.Context, executionID string, limit, offset int) ([]*models.ExecutionEvent, int, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := c.db.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM execution_events WHERE execution_id = $1`,
		executionID); err != nil {
		return nil, 0, fmt.Errorf("failed to count events: %w", err)
	}

	events := []*models.ExecutionEvent{}
	err := c.db.SelectContext(ctx, &events,
		`SELECT `+eventColumns+` FROM execution_events
		 WHERE execution_id = $1
		 ORDER BY id ASC
		 LIMIT $2 OFFSET $3`,
		executionID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list events: %w", err)
	}
	return events, total, nil
}

// GetEventsSince returns events on a channel with id greater than sinceID,
// oldest first, capped at limit. Feeds the WebSocket catchup mechanism.
func (c *Client) GetEventsSince(ctx context.Context, channel string, sinceID int64, limit int) ([]*models.ExecutionEvent, error) {
	events := []*models.ExecutionEvent{}
	err := c.db.SelectContext(ctx, &events,
		`SELECT `+eventColumns+` FROM execution_events
		 WHERE channel = $1 AND id > $2
		 ORDER BY id ASC
		 LIMIT $3`,
		channel, sinceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query catchup events: %w", err)
	}
	return events, nil
}
