package monitoring

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runforge/execore/pkg/models"
)

func step(name string, status models.StepStatus) *models.ExecutionStep {
	return &models.ExecutionStep{Name: name, Status: status}
}

func TestDeriveProgressEmpty(t *testing.T) {
	p := DeriveProgress(nil)
	assert.Equal(t, 0, p.TotalSteps)
	assert.Zero(t, p.Percent)
	assert.Nil(t, p.CurrentStep)
}

func TestDeriveProgressCounts(t *testing.T) {
	p := DeriveProgress([]*models.ExecutionStep{
		step("a", models.StepCompleted),
		step("b", models.StepFailed),
		step("c", models.StepSkipped),
		step("d", models.StepRunning),
		step("e", models.StepPending),
	})

	assert.Equal(t, 5, p.TotalSteps)
	assert.Equal(t, 1, p.Completed)
	assert.Equal(t, 1, p.Failed)
	assert.Equal(t, 1, p.Skipped)
	assert.Equal(t, 1, p.Running)
	assert.InDelta(t, 60.0, p.Percent, 0.01)
	require.NotNil(t, p.CurrentStep)
	assert.Equal(t, "d", *p.CurrentStep)
}

func TestDeriveProgressAllSettled(t *testing.T) {
	p := DeriveProgress([]*models.ExecutionStep{
		step("a", models.StepCompleted),
		step("b", models.StepCompleted),
	})
	assert.InDelta(t, 100.0, p.Percent, 0.01)
	assert.Nil(t, p.CurrentStep)
}

func TestMetricsEndpointExposesCounters(t *testing.T) {
	m := NewMetrics()
	m.ExecutionStarted("tenant-a", models.SLAFast)
	m.ExecutionFinished("tenant-a", models.SLAFast, models.StatusCompleted, 3*time.Second)
	m.DeadLettered("tenant-a")
	m.ObserveQueueDepth(&models.QueueStats{Pending: 4, Processing: 2})
	m.SetActiveLocks(7)

	families, err := m.registry.Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	joined := strings.Join(names, ",")
	for _, want := range []string{
		"execore_executions_started_total",
		"execore_executions_finished_total",
		"execore_execution_duration_seconds",
		"execore_dead_letters_total",
		"execore_queue_depth",
		"execore_active_asset_locks",
	} {
		assert.Contains(t, joined, want)
	}
}
