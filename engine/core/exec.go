package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

type cmdOptions struct {
	args    []string
	dir     string
	timeout time.Duration
}

type CmdOption func(*cmdOptions)

func WithArgs(args ...string) CmdOption {
	return func(o *cmdOptions) {
		o.args = append(o.args, args...)
	}
}

func WithDir(dir string) CmdOption {
	return func(o *cmdOptions) {
		o.dir = dir
	}
}

func WithTimeout(d time.Duration) CmdOption {
	return func(o *cmdOptions) {
		o.timeout = d
	}
}

// ExitError carries the combined output of a command that ran but failed.
type ExitError struct {
	Command string
	Output  string
	Err     error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("error executing %s: %s", e.Command, e.Err)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExecuteCmd runs a command and returns its combined stdout/stderr. A timeout
// surfaces as ErrCompilerTimeout, cancellation of ctx as ctx.Err().
func ExecuteCmd(ctx context.Context, command string, options ...CmdOption) (string, error) {
	opts := &cmdOptions{}
	for _, o := range options {
		o(opts)
	}

	runCtx := ctx
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	LogDebug("Executing: %s %s", command, strings.Join(opts.args, " "))
	cmd := exec.CommandContext(runCtx, command, opts.args...)
	if opts.dir != "" {
		cmd.Dir = opts.dir
	}
	// children that outlive a killed command keep the output pipe open
	cmd.WaitDelay = time.Second

	var b bytes.Buffer
	cmd.Stdout = &b
	cmd.Stderr = &b
	err := cmd.Run()
	if err == nil {
		return b.String(), nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return b.String(), ctxErr
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return b.String(), fmt.Errorf("%s after %s: %w", command, opts.timeout, ErrCompilerTimeout)
	}
	return b.String(), &ExitError{Command: command, Output: b.String(), Err: err}
}
