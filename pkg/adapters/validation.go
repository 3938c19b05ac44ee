package adapters

import (
	"context"
	"fmt"
	"strings"

	"github.com/runforge/execore/pkg/models"
)

// ValidationAdapter evaluates assertion-only steps: no side effects, just
// checks over values the plan wired into the step input.
//
// Input contract: `checks` is a list of objects with `value`, `operator`
// (equals | not_equals | contains | not_contains | not_empty) and
// `expected`. All checks must pass.
type ValidationAdapter struct{}

// NewValidationAdapter creates the validation adapter.
func NewValidationAdapter() *ValidationAdapter { return &ValidationAdapter{} }

func (a *ValidationAdapter) Type() models.StepType { return models.StepTypeValidation }

func (a *ValidationAdapter) Execute(_ context.Context, req Request) (*Result, error) {
	rawChecks, ok := req.Input["checks"].([]any)
	if !ok || len(rawChecks) == 0 {
		return nil, fmt.Errorf("validation step requires a non-empty input.checks list")
	}

	verdicts := make([]any, 0, len(rawChecks))
	failures := 0
	for i, raw := range rawChecks {
		check, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("validation check %d is not an object", i)
		}
		passed, detail := evaluateCheck(check)
		if !passed {
			failures++
		}
		verdicts = append(verdicts, map[string]any{
			"index":  i,
			"passed": passed,
			"detail": detail,
		})
	}

	result := &Result{
		ExitCode: intPtr(0),
		Output: models.JSONMap{
			"checks":   verdicts,
			"failures": failures,
		},
	}
	if failures > 0 {
		result.ExitCode = intPtr(1)
		return result, fmt.Errorf("validation failed: %d of %d checks", failures, len(rawChecks))
	}
	return result, nil
}

func evaluateCheck(check map[string]any) (bool, string) {
	operator, _ := check["operator"].(string)
	value := fmt.Sprint(check["value"])
	expected := fmt.Sprint(check["expected"])

	switch operator {
	case "equals", "":
		if value == expected {
			return true, ""
		}
		return false, fmt.Sprintf("expected %q, got %q", expected, value)
	case "not_equals":
		if value != expected {
			return true, ""
		}
		return false, fmt.Sprintf("value must differ from %q", expected)
	case "contains":
		if strings.Contains(value, expected) {
			return true, ""
		}
		return false, fmt.Sprintf("value does not contain %q", expected)
	case "not_contains":
		if !strings.Contains(value, expected) {
			return true, ""
		}
		return false, fmt.Sprintf("value must not contain %q", expected)
	case "not_empty":
		if check["value"] != nil && value != "" {
			return true, ""
		}
		return false, "value is empty"
	default:
		return false, fmt.Sprintf("unknown operator %q", operator)
	}
}
