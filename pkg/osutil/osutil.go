// Package osutil wraps process handling for the external commands the
// pipeline shells out to.
package osutil

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// CommandError carries the combined output of a failed command.
type CommandError struct {
	Args   []string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return errors.Wrapf(e.Err, "%s", strings.Join(e.Args, " ")).Error()
	}
	return errors.Wrapf(e.Err, "%s: %s", strings.Join(e.Args, " "), out).Error()
}

func (e *CommandError) Unwrap() error { return e.Err }

// Run executes name with args in dir and returns its stdout. The process
// group is killed when ctx is done.
func Run(ctx context.Context, dir, name string, args ...string) (string, error) {
	return RunEnv(ctx, dir, nil, name, args...)
}

// RunEnv is Run with extra KEY=VALUE entries appended to the environment.
func RunEnv(ctx context.Context, dir string, env []string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	SetProcessGroup(cmd)
	SetProcessGroupKill(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return stdout.String(), &CommandError{
			Args:   append([]string{name}, args...),
			Output: stderr.String(),
			Err:    err,
		}
	}
	return stdout.String(), nil
}
