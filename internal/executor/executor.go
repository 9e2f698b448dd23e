// Package executor runs step commands on the machine a job is bound to.
//
// A job is bound to exactly one Executor for its whole lifetime: Prepare
// provisions the machine, Exec runs one shell script per step, and Cleanup
// tears the machine down. Two implementations exist: Local runs commands
// on the host with os/exec, Docker runs them inside a fresh container
// created from the job's image.
package executor

import (
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
)

// Executor types, as named in workflow files and on the command line.
const (
	TypeLocal  = "local"
	TypeDocker = "docker"
)

// Shells understood by ShellArgv.
const (
	ShellBash = "bash"
	ShellSh   = "sh"
)

// Executor is the machine a job runs on.
type Executor interface {
	// Name returns the executor type ("local" or "docker").
	Name() string

	// Prepare provisions the machine. It must be called before Exec.
	Prepare(ctx context.Context) error

	// Environ returns the machine's base environment as KEY=VALUE pairs.
	// Valid after Prepare.
	Environ() []string

	// Layout describes where the run root lives on the host and on the
	// machine.
	Layout() Layout

	// Exec runs cmd and returns its exit status. A non-nil error means the
	// command could not be run to completion (start failure, cancellation,
	// transport error); the exit code is then -1.
	Exec(ctx context.Context, cmd Command) (int, error)

	// Cleanup releases the machine. It is safe to call after a failed
	// Prepare.
	Cleanup(ctx context.Context) error
}

// Command is one step's shell script.
type Command struct {
	// Script is passed to the shell with -c.
	Script string

	// Shell is ShellBash or ShellSh. Empty means ShellBash.
	Shell string

	// Dir is the working directory as seen by the machine.
	Dir string

	// Env is the complete environment of the command.
	Env []string

	Stdout io.Writer
	Stderr io.Writer
}

// ShellArgv returns the argv that runs script under shell. Both shells
// stop at the first failing command; bash additionally fails a pipeline
// when any stage fails.
func ShellArgv(shell, script string) ([]string, error) {
	switch shell {
	case "", ShellBash:
		return []string{"bash", "--noprofile", "--norc", "-e", "-o", "pipefail", "-c", script}, nil
	case ShellSh:
		return []string{"sh", "-e", "-c", script}, nil
	default:
		return nil, fmt.Errorf("unsupported shell %q (valid: bash, sh)", shell)
	}
}

// GuestRootDocker is where the run root is mounted inside executor
// containers.
const GuestRootDocker = "/work"

// Layout maps the run root between the host and the executor machine.
//
// The run root holds the checkout directory (Workspace) and anything a job
// places next to it, such as an external toolkit cloned to "../pyne".
// The "_runner" directory inside it is reserved for per-step files.
type Layout struct {
	// HostRoot is the absolute run root on the host.
	HostRoot string

	// GuestRoot is the same directory as seen by commands. Equal to
	// HostRoot for the local executor.
	GuestRoot string

	// Workspace is the name of the checkout directory under the root.
	Workspace string
}

// RunnerDir is the reserved directory for environment files.
const RunnerDir = "_runner"

// HostPath joins rel (slash-separated, relative to the root) onto HostRoot.
func (l Layout) HostPath(rel string) string {
	return filepath.Join(l.HostRoot, filepath.FromSlash(rel))
}

// GuestPath joins rel (slash-separated, relative to the root) onto GuestRoot.
func (l Layout) GuestPath(rel string) string {
	return path.Join(l.GuestRoot, rel)
}

// Resolve interprets dir relative to the checkout directory and returns it
// relative to the run root. Empty means the checkout directory itself.
// Paths that escape the run root, or that are absolute, are rejected.
func (l Layout) Resolve(dir string) (string, error) {
	if path.IsAbs(dir) || filepath.IsAbs(dir) {
		return "", fmt.Errorf("directory %q must be relative to the checkout", dir)
	}
	rel := path.Clean(path.Join(l.Workspace, filepath.ToSlash(dir)))
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("directory %q is outside the run root", dir)
	}
	return rel, nil
}
