// Package timeout derives per-step and per-execution deadlines from the
// SLA x action-class policy matrix and enforces them with a watchdog.
package timeout

import (
	"strings"

	"github.com/runforge/execore/pkg/models"
)

// ClassifyAction buckets a step as read, write or complex. The heuristic is
// deterministic for a given step shape:
//
//  1. an explicit declared action wins;
//  2. inherently read-only step types are read;
//  3. HTTP steps follow their method (safe methods read, the rest write);
//  4. multi-asset fan-out and steps with cleanup input are complex;
//  5. everything else mutates something somewhere: write.
func ClassifyAction(step models.PlanStep) models.ActionClass {
	switch strings.ToLower(step.Action) {
	case "read":
		return models.ActionRead
	case "write":
		return models.ActionWrite
	case "complex":
		return models.ActionComplex
	}

	if len(step.TargetAssetIDs) > 1 {
		return models.ActionComplex
	}

	switch models.StepType(step.Type) {
	case models.StepTypeAssetQuery, models.StepTypeValidation:
		return models.ActionRead
	case models.StepTypeHTTP:
		method, _ := step.Input["method"].(string)
		switch strings.ToUpper(method) {
		case "", "GET", "HEAD", "OPTIONS":
			return models.ActionRead
		}
		return models.ActionWrite
	}

	if _, hasCleanup := step.Input["cleanup"]; hasCleanup {
		return models.ActionComplex
	}
	return models.ActionWrite
}
