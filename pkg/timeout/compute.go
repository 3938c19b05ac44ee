package timeout

import (
	"fmt"
	"time"

	"github.com/runforge/execore/pkg/models"
)

// PolicyLookup resolves one (SLA class, action class) policy row. Satisfied
// by the database client's in-memory policy cache.
type PolicyLookup interface {
	GetTimeoutPolicy(sla models.SLAClass, action models.ActionClass) (*models.TimeoutPolicy, error)
}

// Plan carries the derived deadlines for one execution.
type Plan struct {
	// StepTimeouts holds the per-step deadline for each step, by index.
	StepTimeouts []time.Duration

	// ExecutionTimeout is the whole-execution budget: the sum of step
	// timeouts padded by the buffer fraction, at least the class floor.
	ExecutionTimeout time.Duration

	// MaxAttempts is the queue attempt bound from the policy of the
	// heaviest step.
	MaxAttempts int

	// LeaseTimeout is the queue visibility window from the same policy.
	LeaseTimeout time.Duration

	// ApprovalTimeout bounds how long an approval gate stays open.
	ApprovalTimeout time.Duration
}

// executionFloors is the class-dependent minimum execution budget, so a
// single quick step still gets room for queue latency and retries.
var executionFloors = map[models.SLAClass]time.Duration{
	models.SLAFast:   2 * time.Minute,
	models.SLAMedium: 10 * time.Minute,
	models.SLALong:   30 * time.Minute,
}

// Compute derives the timeout plan for a plan's steps under an SLA class.
// Per-step timeouts come from the policy matrix unless the step declares its
// own; the execution budget is their sum times (1 + buffer), floored.
func Compute(lookup PolicyLookup, slaClass models.SLAClass, steps []models.PlanStep, bufferFraction float64) (*Plan, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("no steps to compute timeouts for")
	}
	if bufferFraction < 0 {
		bufferFraction = 0
	}

	result := &Plan{StepTimeouts: make([]time.Duration, len(steps))}
	var total time.Duration
	heaviest := models.ActionRead

	for i, step := range steps {
		action := ClassifyAction(step)
		if actionWeight(action) > actionWeight(heaviest) {
			heaviest = action
		}
		policy, err := lookup.GetTimeoutPolicy(slaClass, action)
		if err != nil {
			return nil, fmt.Errorf("failed to look up timeout policy: %w", err)
		}
		stepTimeout := policy.StepTimeout()
		if step.TimeoutSeconds > 0 {
			stepTimeout = time.Duration(step.TimeoutSeconds) * time.Second
		}
		result.StepTimeouts[i] = stepTimeout
		total += stepTimeout
	}

	policy, err := lookup.GetTimeoutPolicy(slaClass, heaviest)
	if err != nil {
		return nil, fmt.Errorf("failed to look up timeout policy: %w", err)
	}
	result.MaxAttempts = policy.MaxAttempts
	result.LeaseTimeout = policy.LeaseTimeout()
	result.ApprovalTimeout = policy.ApprovalTimeout()

	padded := time.Duration(float64(total) * (1 + bufferFraction))
	if floor := executionFloors[slaClass]; padded < floor {
		padded = floor
	}
	result.ExecutionTimeout = padded
	return result, nil
}

// TimeoutAt returns the wall-clock deadline stamped on the execution record.
func (p *Plan) TimeoutAt(from time.Time) time.Time {
	return from.Add(p.ExecutionTimeout)
}

func actionWeight(a models.ActionClass) int {
	switch a {
	case models.ActionComplex:
		return 2
	case models.ActionWrite:
		return 1
	default:
		return 0
	}
}
