// Package rbac authorizes steps inside the worker, as defense in depth
// against an API-layer bypass. Every step is checked as an
// (actor, tenant, asset, action, environment) tuple.
package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/runforge/execore/pkg/config"
)

// ErrDenied is returned when a permission check fails. Callers fail the
// execution pre-run with this as the cause.
var ErrDenied = errors.New("permission denied")

// Request is one permission tuple.
type Request struct {
	Actor       string
	Tenant      string
	Asset       string
	Action      string
	Environment string
}

func (r Request) String() string {
	return fmt.Sprintf("actor=%s tenant=%s asset=%s action=%s env=%s",
		r.Actor, r.Tenant, r.Asset, r.Action, r.Environment)
}

// PermissionChecker decides one permission tuple. Implementations must be
// safe for concurrent use by all workers.
type PermissionChecker interface {
	// Check returns nil to allow and an ErrDenied-wrapping error to deny.
	Check(ctx context.Context, req Request) error
}

// staticChecker evaluates the ordered rule list from config: first matching
// rule wins, its effect decides; no match falls through to the mode default
// (strict denies, permissive allows).
type staticChecker struct {
	rules  []config.RBACRule
	strict bool
}

func (c *staticChecker) Check(_ context.Context, req Request) error {
	for i, rule := range c.rules {
		if !ruleMatches(rule, req) {
			continue
		}
		if rule.Effect == "deny" {
			return fmt.Errorf("%w: rule %d denies %s", ErrDenied, i, req)
		}
		return nil
	}
	if c.strict {
		return fmt.Errorf("%w: no rule allows %s", ErrDenied, req)
	}
	return nil
}

func ruleMatches(rule config.RBACRule, req Request) bool {
	return fieldMatches(rule.Actor, req.Actor) &&
		fieldMatches(rule.Tenant, req.Tenant) &&
		fieldMatches(rule.Asset, req.Asset) &&
		fieldMatches(rule.Action, req.Action) &&
		fieldMatches(rule.Environment, req.Environment)
}

// fieldMatches treats empty rule fields and "*" as wildcards.
func fieldMatches(pattern, value string) bool {
	return pattern == "" || pattern == "*" || pattern == value
}
