package adapters

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/runforge/execore/pkg/models"
)

const defaultSSHPort = 22

// SSHAdapter runs shell commands on remote hosts over SSH.
//
// Input contract: `command` (required), `user` (required), `password` or
// `private_key` (one required), optional `port`.
type SSHAdapter struct{}

// NewSSHAdapter creates the remote-shell adapter.
func NewSSHAdapter() *SSHAdapter { return &SSHAdapter{} }

func (a *SSHAdapter) Type() models.StepType { return models.StepTypeRemoteShell }

func (a *SSHAdapter) Execute(ctx context.Context, req Request) (*Result, error) {
	command := inputString(req.Input, "command")
	if command == "" {
		return nil, errors.New("ssh step requires input.command")
	}
	user := inputString(req.Input, "user")
	if user == "" {
		return nil, errors.New("ssh step requires input.user")
	}
	host := inputStringDefault(req.Input, "host", req.Hostname)
	if host == "" {
		return nil, errors.New("ssh step has no target host")
	}

	auth, err := sshAuthMethods(req.Input)
	if err != nil {
		return nil, err
	}

	cfg := &ssh.ClientConfig{
		User: user,
		Auth: auth,
		// Targets come from the asset inventory; host keys are not
		// tracked there, so verification is delegated to network trust.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         req.Timeout,
	}

	addr := net.JoinHostPort(host, strconv.Itoa(inputInt(req.Input, "port", defaultSSHPort)))
	client, err := dialSSH(ctx, addr, cfg, req.Timeout)
	if err != nil {
		return nil, fmt.Errorf("ssh connect to %s failed: %w", addr, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("ssh session failed: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Start(command); err != nil {
		return nil, fmt.Errorf("ssh command start failed: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	timer := time.NewTimer(req.Timeout)
	defer timer.Stop()

	select {
	case err = <-done:
	case <-ctx.Done():
		client.Close()
		<-done
		return nil, ctx.Err()
	case <-timer.C:
		client.Close()
		<-done
		return nil, fmt.Errorf("ssh command timed out after %v", req.Timeout)
	}

	result := &Result{
		ExitCode: intPtr(0),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = intPtr(exitErr.ExitStatus())
			return result, nil
		}
		return nil, fmt.Errorf("ssh command failed: %w", err)
	}
	return result, nil
}

// sshAuthMethods builds the auth chain from the resolved input: password
// and/or private key, at least one required.
func sshAuthMethods(input models.JSONMap) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if key := inputString(input, "private_key"); key != "" {
		signer, err := ssh.ParsePrivateKey([]byte(key))
		if err != nil {
			return nil, fmt.Errorf("invalid ssh private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if password := inputString(input, "password"); password != "" {
		methods = append(methods, ssh.Password(password))
	}
	if len(methods) == 0 {
		return nil, errors.New("ssh step requires input.password or input.private_key")
	}
	return methods, nil
}

// dialSSH establishes the connection under the request context, which
// ssh.Dial alone cannot honor.
func dialSSH(ctx context.Context, addr string, cfg *ssh.ClientConfig, timeout time.Duration) (*ssh.Client, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(clientConn, chans, reqs), nil
}
