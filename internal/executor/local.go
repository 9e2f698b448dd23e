package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/shinji-kodama/pipeline-runner/internal/logging"
)

// waitDelay bounds how long Exec waits for output pipes after the shell
// was killed, so a background grandchild holding stdout cannot hang a
// cancelled step.
const waitDelay = 2 * time.Second

// Local runs steps directly on the host. It gives no isolation: steps see
// the host's tools and may modify the host. The run root is used as is.
type Local struct {
	layout  Layout
	environ []string
}

// NewLocal returns a host executor for the run root at hostRoot.
func NewLocal(hostRoot, workspace string) *Local {
	return &Local{layout: Layout{HostRoot: hostRoot, GuestRoot: hostRoot, Workspace: workspace}}
}

func (l *Local) Name() string { return TypeLocal }

func (l *Local) Layout() Layout { return l.layout }

func (l *Local) Environ() []string { return l.environ }

// Prepare creates the run root and snapshots the host environment.
func (l *Local) Prepare(ctx context.Context) error {
	if err := os.MkdirAll(l.layout.HostRoot, 0o755); err != nil {
		return fmt.Errorf("failed to create run root: %w", err)
	}
	l.environ = os.Environ()
	logging.FromContext(ctx).DebugContext(ctx, "local executor ready", logging.Path(l.layout.HostRoot))
	return nil
}

// Exec runs cmd with os/exec. Cancelling ctx kills the shell.
func (l *Local) Exec(ctx context.Context, cmd Command) (int, error) {
	argv, err := ShellArgv(cmd.Shell, cmd.Script)
	if err != nil {
		return -1, err
	}

	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	c.Dir = cmd.Dir
	c.Env = cmd.Env
	c.Stdout = cmd.Stdout
	c.Stderr = cmd.Stderr
	c.WaitDelay = waitDelay

	err = c.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return -1, ctxErr
	}
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("failed to run %s: %w", argv[0], err)
}

// Cleanup is a no-op; the run root belongs to the caller.
func (l *Local) Cleanup(context.Context) error { return nil }
