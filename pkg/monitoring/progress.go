package monitoring

import "github.com/runforge/execore/pkg/models"

// Progress is a point-in-time summary of an execution's step state.
type Progress struct {
	TotalSteps  int     `json:"total_steps"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	Skipped     int     `json:"skipped"`
	Running     int     `json:"running"`
	Percent     float64 `json:"percent"`
	CurrentStep *string `json:"current_step,omitempty"`
}

// DeriveProgress computes progress from persisted steps. Percent counts
// settled steps (completed, failed or skipped) over the total; the current
// step is the first one still running.
func DeriveProgress(steps []*models.ExecutionStep) *Progress {
	p := &Progress{TotalSteps: len(steps)}
	for _, step := range steps {
		switch step.Status {
		case models.StepCompleted:
			p.Completed++
		case models.StepFailed:
			p.Failed++
		case models.StepSkipped:
			p.Skipped++
		case models.StepRunning:
			p.Running++
			if p.CurrentStep == nil {
				name := step.Name
				p.CurrentStep = &name
			}
		}
	}
	if p.TotalSteps > 0 {
		settled := p.Completed + p.Failed + p.Skipped
		p.Percent = float64(settled) / float64(p.TotalSteps) * 100
	}
	return p
}
