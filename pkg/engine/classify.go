package engine

import (
	"strings"

	"github.com/runforge/execore/pkg/models"
)

// knownStepTypes maps declared type strings (including the aliases older
// plans use) to adapter types.
var knownStepTypes = map[string]models.StepType{
	"remote_shell":      models.StepTypeRemoteShell,
	"ssh":               models.StepTypeRemoteShell,
	"shell":             models.StepTypeRemoteShell,
	"remote_powershell": models.StepTypeRemotePowershell,
	"powershell":        models.StepTypeRemotePowershell,
	"winrm":             models.StepTypeRemotePowershell,
	"http":              models.StepTypeHTTP,
	"rest":              models.StepTypeHTTP,
	"asset_query":       models.StepTypeAssetQuery,
	"validation":        models.StepTypeValidation,
	"local_command":     models.StepTypeLocalCommand,
	"local":             models.StepTypeLocalCommand,
	"file_op":           models.StepTypeFileOp,
	"file":              models.StepTypeFileOp,
}

// ResolveDeclaredType maps a declared step type string (or alias) to its
// adapter type. ok is false for unknown declarations, which submission
// validation rejects.
func ResolveDeclaredType(declared string) (models.StepType, bool) {
	t, ok := knownStepTypes[strings.ToLower(strings.TrimSpace(declared))]
	return t, ok
}

// ClassifyStepType resolves the adapter for a plan step. Precedence: the
// declared type, then the input shape, then the target OS. Anything still
// unresolved is treated as a local command; this fallback lives here and
// nowhere else.
func ClassifyStepType(step models.PlanStep, targetOS string) models.StepType {
	if t, ok := knownStepTypes[strings.ToLower(strings.TrimSpace(step.Type))]; ok {
		return t
	}

	if t, ok := classifyByInput(step.Input); ok {
		return t
	}

	// A command aimed at a Windows target runs over WinRM, anything else
	// with a remote target over SSH.
	if step.Input["command"] != nil || step.Input["script"] != nil {
		hasTarget := step.TargetAssetID != "" || step.TargetHostname != "" || len(step.TargetAssetIDs) > 0
		if hasTarget {
			if strings.Contains(strings.ToLower(targetOS), "windows") {
				return models.StepTypeRemotePowershell
			}
			return models.StepTypeRemoteShell
		}
	}

	return models.StepTypeLocalCommand
}

func classifyByInput(input map[string]any) (models.StepType, bool) {
	switch {
	case input == nil:
		return "", false
	case input["url"] != nil:
		return models.StepTypeHTTP, true
	case input["checks"] != nil:
		return models.StepTypeValidation, true
	case input["query"] != nil && input["command"] == nil:
		return models.StepTypeAssetQuery, true
	case input["path"] != nil && input["operation"] != nil:
		return models.StepTypeFileOp, true
	}
	return "", false
}
