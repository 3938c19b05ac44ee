package adapters

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/runforge/execore/pkg/models"
)

// LocalCommandAdapter runs commands on the worker host itself. It is also
// the fallback for unclassifiable steps.
//
// Input contract: `command` (required, run through the shell), optional
// `working_dir` and `env` (map of KEY → value).
type LocalCommandAdapter struct{}

// NewLocalCommandAdapter creates the local-command adapter.
func NewLocalCommandAdapter() *LocalCommandAdapter { return &LocalCommandAdapter{} }

func (a *LocalCommandAdapter) Type() models.StepType { return models.StepTypeLocalCommand }

func (a *LocalCommandAdapter) Execute(ctx context.Context, req Request) (*Result, error) {
	command := inputString(req.Input, "command")
	if command == "" {
		return nil, errors.New("local command step requires input.command")
	}

	ctx, cancelCtx := context.WithTimeout(ctx, req.Timeout)
	defer cancelCtx()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = inputString(req.Input, "working_dir")
	if env := inputMap(req.Input, "env"); len(env) > 0 {
		cmd.Env = cmd.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%v", k, v))
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &Result{
		ExitCode: intPtr(0),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("local command timed out after %v", req.Timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = intPtr(exitErr.ExitCode())
			return result, nil
		}
		return nil, fmt.Errorf("local command failed: %w", err)
	}
	return result, nil
}
