package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/iago/jobbroker/internal/domain"
)

const FieldCommand = "command"

// ShellHandler runs the job's "command" field with sh -c and streams its
// combined output.
type ShellHandler struct {
	Shell string
	Dir   string
}

func (h ShellHandler) Handle(ctx context.Context, job domain.Job, output io.Writer) (Result, error) {
	command, _ := job[FieldCommand].(string)
	if strings.TrimSpace(command) == "" {
		return Result{}, fmt.Errorf("%w: job has no %s", domain.ErrInvalidRequest, FieldCommand)
	}
	shell := h.Shell
	if shell == "" {
		shell = "sh"
	}

	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.Dir = h.Dir
	cmd.Stdout = output
	cmd.Stderr = output

	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return Result{Fields: map[string]any{"exit_code": 0}}, nil
	case errors.As(err, &exitErr):
		code := exitErr.ExitCode()
		return Result{Fields: map[string]any{"exit_code": code}}, fmt.Errorf("command exited with status %d", code)
	default:
		return Result{}, fmt.Errorf("run command: %w", err)
	}
}
