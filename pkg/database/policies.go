package database

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/runforge/execore/pkg/models"
)

// policyCache holds the seeded timeout policy table in memory. The table is
// tiny and read-only at runtime, so one load at startup suffices.
type policyCache struct {
	mu       sync.RWMutex
	policies map[string]*models.TimeoutPolicy
}

func newPolicyCache() *policyCache {
	return &policyCache{policies: make(map[string]*models.TimeoutPolicy)}
}

func policyKey(sla models.SLAClass, action models.ActionClass) string {
	return string(sla) + "/" + string(action)
}

func (p *policyCache) load(ctx context.Context, db *sqlx.DB) error {
	rows := []*models.TimeoutPolicy{}
	err := db.SelectContext(ctx, &rows, `
		SELECT sla_class, action_class, execution_timeout_seconds,
		       step_timeout_seconds, lease_timeout_seconds,
		       approval_timeout_seconds, max_attempts
		FROM timeout_policies`)
	if err != nil {
		return fmt.Errorf("failed to load timeout policies: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.policies = make(map[string]*models.TimeoutPolicy, len(rows))
	for _, row := range rows {
		p.policies[policyKey(row.SLAClass, row.ActionClass)] = row
	}
	return nil
}

func (p *policyCache) get(sla models.SLAClass, action models.ActionClass) (*models.TimeoutPolicy, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	policy, ok := p.policies[policyKey(sla, action)]
	return policy, ok
}

// GetTimeoutPolicy returns the policy row for an (SLA class, action class)
// pair. Missing pairs fall back to the most conservative combination so an
// unseeded or partially seeded table never leaves executions without
// deadlines.
func (c *Client) GetTimeoutPolicy(sla models.SLAClass, action models.ActionClass) (*models.TimeoutPolicy, error) {
	if policy, ok := c.policies.get(sla, action); ok {
		return policy, nil
	}
	if policy, ok := c.policies.get(models.SLALong, models.ActionComplex); ok {
		return policy, nil
	}
	return nil, fmt.Errorf("no timeout policy for sla=%s action=%s", sla, action)
}

// ReloadTimeoutPolicies re-reads the policy table, for operators who edit the
// seeded rows in place.
func (c *Client) ReloadTimeoutPolicies(ctx context.Context) error {
	return c.policies.load(ctx, c.db)
}
