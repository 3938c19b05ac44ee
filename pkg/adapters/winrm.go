package adapters

import (
	"context"
	"errors"
	"fmt"

	"github.com/masterzen/winrm"

	"github.com/runforge/execore/pkg/models"
)

const (
	defaultWinRMPort  = 5985
	defaultWinRMPortS = 5986
)

// WinRMAdapter runs PowerShell scripts on remote Windows hosts.
//
// Input contract: `script` or `command` (required), `user` and `password`
// (required), optional `port`, `use_https`, `insecure`.
type WinRMAdapter struct{}

// NewWinRMAdapter creates the remote-PowerShell adapter.
func NewWinRMAdapter() *WinRMAdapter { return &WinRMAdapter{} }

func (a *WinRMAdapter) Type() models.StepType { return models.StepTypeRemotePowershell }

func (a *WinRMAdapter) Execute(ctx context.Context, req Request) (*Result, error) {
	script := inputStringDefault(req.Input, "script", inputString(req.Input, "command"))
	if script == "" {
		return nil, errors.New("winrm step requires input.script or input.command")
	}
	user := inputString(req.Input, "user")
	password := inputString(req.Input, "password")
	if user == "" || password == "" {
		return nil, errors.New("winrm step requires input.user and input.password")
	}
	host := inputStringDefault(req.Input, "host", req.Hostname)
	if host == "" {
		return nil, errors.New("winrm step has no target host")
	}

	useHTTPS := inputBool(req.Input, "use_https")
	port := defaultWinRMPort
	if useHTTPS {
		port = defaultWinRMPortS
	}
	port = inputInt(req.Input, "port", port)

	endpoint := winrm.NewEndpoint(host, port, useHTTPS,
		inputBool(req.Input, "insecure"), nil, nil, nil, req.Timeout)

	client, err := winrm.NewClient(endpoint, user, password)
	if err != nil {
		return nil, fmt.Errorf("winrm client for %s:%d failed: %w", host, port, err)
	}

	ctx, cancelCtx := context.WithTimeout(ctx, req.Timeout)
	defer cancelCtx()

	stdout, stderr, exitCode, err := client.RunWithContextWithString(ctx, winrm.Powershell(script), "")
	if err != nil {
		return nil, fmt.Errorf("winrm command failed: %w", err)
	}

	return &Result{
		ExitCode: intPtr(exitCode),
		Stdout:   stdout,
		Stderr:   stderr,
	}, nil
}
