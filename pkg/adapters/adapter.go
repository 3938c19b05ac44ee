// Package adapters contains the side-effecting step adapters the execution
// engine dispatches to: SSH, WinRM, HTTP, asset queries, local commands and
// validation assertions. Each adapter honors the request context and returns
// a uniform Result; transport problems are errors, domain outcomes (exit
// codes, HTTP status) live in the result and are judged by the engine's
// validation layer.
package adapters

import (
	"context"
	"fmt"
	"time"

	"github.com/runforge/execore/pkg/models"
)

// Request is one adapter dispatch.
type Request struct {
	Step *models.ExecutionStep
	// Input is the step input with secret markers already resolved. Never
	// persist or log it unmasked.
	Input models.JSONMap
	// Hostname and OS describe the resolved target; empty for targetless
	// step types.
	Hostname string
	OS       string
	// Timeout is the per-attempt bound. Adapters must give up by then even
	// if the context has a later deadline.
	Timeout time.Duration
}

// Result is the uniform adapter outcome.
type Result struct {
	// ExitCode is set by the command-like adapters (ssh, winrm, local).
	ExitCode *int
	Stdout   string
	Stderr   string
	// Output carries structured results (HTTP responses, asset queries,
	// validation verdicts) and is persisted as the step's output_data.
	Output models.JSONMap
}

// Adapter executes one kind of step.
type Adapter interface {
	Type() models.StepType
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Registry maps step types to adapters.
type Registry struct {
	adapters map[models.StepType]Adapter
}

// NewRegistry builds a registry from the given adapters. Later duplicates
// win, which lets tests swap in fakes.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[models.StepType]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Type()] = a
	}
	return r
}

// For returns the adapter for a step type.
func (r *Registry) For(stepType models.StepType) (Adapter, error) {
	a, ok := r.adapters[stepType]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for step type %q", stepType)
	}
	return a, nil
}

// Input accessors. Step inputs are free-form JSON; these normalize the
// common scalar cases.

func inputString(input models.JSONMap, key string) string {
	if v, ok := input[key].(string); ok {
		return v
	}
	return ""
}

func inputStringDefault(input models.JSONMap, key, fallback string) string {
	if v := inputString(input, key); v != "" {
		return v
	}
	return fallback
}

func inputInt(input models.JSONMap, key string, fallback int) int {
	switch v := input[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return fallback
}

func inputBool(input models.JSONMap, key string) bool {
	v, _ := input[key].(bool)
	return v
}

func inputMap(input models.JSONMap, key string) map[string]any {
	if v, ok := input[key].(map[string]any); ok {
		return v
	}
	return nil
}

func inputStringSlice(input models.JSONMap, key string) []string {
	raw, ok := input[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func intPtr(n int) *int { return &n }
