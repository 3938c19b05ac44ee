package timeout

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runforge/execore/pkg/cancel"
	"github.com/runforge/execore/pkg/models"
)

// staticPolicies mirrors the seeded medium-class rows.
type staticPolicies map[models.ActionClass]*models.TimeoutPolicy

func (p staticPolicies) GetTimeoutPolicy(_ models.SLAClass, action models.ActionClass) (*models.TimeoutPolicy, error) {
	return p[action], nil
}

func testPolicies() staticPolicies {
	return staticPolicies{
		models.ActionRead: {
			ActionClass: models.ActionRead, StepTimeoutSeconds: 60,
			LeaseTimeoutSeconds: 300, ApprovalTimeoutSeconds: 3600, MaxAttempts: 3,
		},
		models.ActionWrite: {
			ActionClass: models.ActionWrite, StepTimeoutSeconds: 120,
			LeaseTimeoutSeconds: 300, ApprovalTimeoutSeconds: 3600, MaxAttempts: 3,
		},
		models.ActionComplex: {
			ActionClass: models.ActionComplex, StepTimeoutSeconds: 300,
			LeaseTimeoutSeconds: 600, ApprovalTimeoutSeconds: 3600, MaxAttempts: 3,
		},
	}
}

func TestClassifyAction(t *testing.T) {
	tests := []struct {
		name string
		step models.PlanStep
		want models.ActionClass
	}{
		{"explicit action wins", models.PlanStep{Action: "complex", Type: "asset_query"}, models.ActionComplex},
		{"asset query reads", models.PlanStep{Type: "asset_query"}, models.ActionRead},
		{"validation reads", models.PlanStep{Type: "validation"}, models.ActionRead},
		{"http get reads", models.PlanStep{Type: "http", Input: map[string]any{"method": "GET"}}, models.ActionRead},
		{"http post writes", models.PlanStep{Type: "http", Input: map[string]any{"method": "POST"}}, models.ActionWrite},
		{"multi asset is complex", models.PlanStep{Type: "remote_shell", TargetAssetIDs: []string{"a", "b"}}, models.ActionComplex},
		{"cleanup input is complex", models.PlanStep{Type: "remote_shell", Input: map[string]any{"cleanup": map[string]any{}}}, models.ActionComplex},
		{"shell defaults to write", models.PlanStep{Type: "remote_shell"}, models.ActionWrite},
		{"unknown type defaults to write", models.PlanStep{Type: "mystery"}, models.ActionWrite},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyAction(tt.step))
		})
	}
}

func TestComputeSumsAndBuffers(t *testing.T) {
	steps := []models.PlanStep{
		{Type: "asset_query"},              // read, 60s
		{Type: "remote_shell"},             // write, 120s
		{Type: "http", Input: map[string]any{"method": "DELETE"}}, // write, 120s
	}
	plan, err := Compute(testPolicies(), models.SLALong, steps, 0.10)
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{60 * time.Second, 120 * time.Second, 120 * time.Second}, plan.StepTimeouts)
	// Sum 300s × 1.1 = 330s, under the long-class floor of 30 minutes.
	assert.Equal(t, 30*time.Minute, plan.ExecutionTimeout)
	// Policy row of the heaviest action class (write).
	assert.Equal(t, 3, plan.MaxAttempts)
	assert.Equal(t, 5*time.Minute, plan.LeaseTimeout)
}

func TestComputeFloorNotApplied(t *testing.T) {
	steps := []models.PlanStep{
		{Type: "remote_shell", TargetAssetIDs: []string{"a", "b"}}, // complex, 300s
		{Type: "remote_shell"}, // write, 120s
	}
	plan, err := Compute(testPolicies(), models.SLAFast, steps, 0.10)
	require.NoError(t, err)

	// Sum 420s × 1.1 = 462s, above the fast-class floor of 2 minutes.
	padded := float64(420*time.Second) * 1.1
	assert.Equal(t, time.Duration(padded), plan.ExecutionTimeout)
	// Complex is the heaviest class present.
	assert.Equal(t, 10*time.Minute, plan.LeaseTimeout)

	at := plan.TimeoutAt(time.Unix(1000, 0))
	assert.Equal(t, time.Unix(1000, 0).Add(plan.ExecutionTimeout), at)
}

func TestComputeStepDeclaredTimeoutOverridesPolicy(t *testing.T) {
	steps := []models.PlanStep{
		{Type: "remote_shell", TimeoutSeconds: 600}, // write, would be 120s
		{Type: "asset_query"},                       // read, 60s from policy
	}
	plan, err := Compute(testPolicies(), models.SLALong, steps, 0)
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{600 * time.Second, 60 * time.Second}, plan.StepTimeouts)
	// The declared timeout counts toward the budget too; 660s is still
	// under the long-class floor.
	assert.Equal(t, 30*time.Minute, plan.ExecutionTimeout)
}

func TestComputeEmptyPlan(t *testing.T) {
	_, err := Compute(testPolicies(), models.SLAFast, nil, 0.10)
	assert.Error(t, err)
}

type recordingCanceller struct {
	mu     sync.Mutex
	calls  []string
	reason cancel.Reason
}

func (c *recordingCanceller) Cancel(executionID string, reason cancel.Reason, _ string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, executionID)
	c.reason = reason
	return true
}

func (c *recordingCanceller) cancelled() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func TestWatchdogFiresOnDeadline(t *testing.T) {
	canceller := &recordingCanceller{}
	w := NewWatchdog(canceller)
	defer w.Stop()

	w.Arm("exec-1", time.Now().Add(20*time.Millisecond))

	assert.Eventually(t, func() bool {
		return len(canceller.cancelled()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, cancel.ReasonTimeout, canceller.reason)
}

func TestWatchdogDisarm(t *testing.T) {
	canceller := &recordingCanceller{}
	w := NewWatchdog(canceller)
	defer w.Stop()

	w.Arm("exec-1", time.Now().Add(30*time.Millisecond))
	w.Disarm("exec-1")

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, canceller.cancelled())
}
