package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shinji-kodama/pipeline-runner/internal/docker"
	"github.com/shinji-kodama/pipeline-runner/internal/logging"
)

// DockerOptions configures a Docker executor.
type DockerOptions struct {
	// Image is the machine image every run starts from.
	Image string

	// Pull is the image pull policy: always, missing or never.
	Pull string

	// HostRoot is the run root on the host, mounted at GuestRootDocker.
	HostRoot string

	// Workspace is the checkout directory name under the run root.
	Workspace string

	// Labels identify the container for ps/clean.
	Labels docker.RunLabels

	// Keep leaves the container in place after the job for inspection.
	// A container whose step was cancelled or timed out is kept stopped.
	Keep bool

	// PullProgress receives the daemon's pull progress stream. May be nil.
	PullProgress io.Writer
}

// Docker runs every step of a job inside one fresh container. The
// container is created from a clean image at Prepare and removed at
// Cleanup, so nothing installed by a run leaks into the next one.
type Docker struct {
	cli         *docker.Client
	opts        DockerOptions
	containerID string
	environ     []string
}

// NewDocker returns a Docker executor using cli.
func NewDocker(cli *docker.Client, opts DockerOptions) *Docker {
	if opts.Pull == "" {
		opts.Pull = docker.PullMissing
	}
	return &Docker{cli: cli, opts: opts}
}

func (d *Docker) Name() string { return TypeDocker }

func (d *Docker) Layout() Layout {
	return Layout{HostRoot: d.opts.HostRoot, GuestRoot: GuestRootDocker, Workspace: d.opts.Workspace}
}

func (d *Docker) Environ() []string { return d.environ }

// ContainerID returns the executor container's ID, or "" before Prepare.
func (d *Docker) ContainerID() string { return d.containerID }

// Prepare checks the daemon, pulls the image per policy and starts the
// executor container with the run root mounted.
func (d *Docker) Prepare(ctx context.Context) error {
	logger := logging.FromContext(ctx)

	// Step 1: Fail early with a clear exit code when the daemon is down.
	if err := d.cli.Ping(ctx); err != nil {
		return err
	}

	// Step 2: Make sure the image exists locally.
	logger.InfoContext(ctx, "preparing image", logging.Image(d.opts.Image), "pull", d.opts.Pull)
	if err := docker.EnsureImage(ctx, d.cli, d.opts.Image, d.opts.Pull, d.opts.PullProgress); err != nil {
		return err
	}

	// Step 3: Create the long-lived container that every step execs into.
	if err := os.MkdirAll(d.opts.HostRoot, 0o755); err != nil {
		return fmt.Errorf("failed to create run root: %w", err)
	}
	id, err := docker.CreateContainer(ctx, d.cli, docker.ContainerSpec{
		Image:     d.opts.Image,
		Name:      docker.ContainerName(d.opts.Labels.Job, d.opts.Labels.RunID),
		Labels:    docker.BuildLabels(d.opts.Labels),
		HostRoot:  d.opts.HostRoot,
		GuestRoot: GuestRootDocker,
		Env:       []string{"CI=true"},
	})
	if err != nil {
		return err
	}
	d.containerID = id
	logger.DebugContext(ctx, "executor container started", logging.Container(id))

	// Step 4: Capture the image's environment (PATH, HOME, language
	// variables) as the base of the job environment.
	env, err := docker.ContainerEnv(ctx, d.cli, id)
	if err != nil {
		return err
	}
	d.environ = withDefaultHome(env)
	return nil
}

// withDefaultHome adds HOME=/root when the image does not set HOME. Exec
// does not run a login shell, so nothing else would set it, and steps
// installing into the user prefix depend on it.
func withDefaultHome(env []string) []string {
	for _, kv := range env {
		if strings.HasPrefix(kv, "HOME=") {
			return env
		}
	}
	return append(env, "HOME=/root")
}

// Exec runs cmd inside the executor container.
func (d *Docker) Exec(ctx context.Context, cmd Command) (int, error) {
	if d.containerID == "" {
		return -1, fmt.Errorf("docker executor is not prepared")
	}
	argv, err := ShellArgv(cmd.Shell, cmd.Script)
	if err != nil {
		return -1, err
	}
	code, err := docker.ExecCommand(ctx, d.cli, d.containerID, docker.ExecSpec{
		Cmd:        argv,
		Env:        cmd.Env,
		WorkingDir: cmd.Dir,
		Stdout:     cmd.Stdout,
		Stderr:     cmd.Stderr,
	})
	if err != nil && ctx.Err() != nil {
		// The command is still running inside the container. No later step
		// runs after a cancelled one, so stop the whole container; a kept
		// container stays around, stopped.
		if killErr := docker.KillContainer(context.WithoutCancel(ctx), d.cli, d.containerID); killErr != nil {
			logging.FromContext(ctx).WarnContext(ctx, "failed to stop executor container",
				logging.Container(d.containerID), logging.Error(killErr))
		}
	}
	return code, err
}

// Cleanup force-removes the executor container unless Keep is set.
func (d *Docker) Cleanup(ctx context.Context) error {
	if d.containerID == "" {
		return nil
	}
	logger := logging.FromContext(ctx)
	if d.opts.Keep {
		logger.InfoContext(ctx, "keeping executor container", logging.Container(d.containerID))
		return nil
	}
	if err := docker.RemoveContainer(ctx, d.cli, d.containerID, true); err != nil {
		return err
	}
	logger.DebugContext(ctx, "executor container removed", logging.Container(d.containerID))
	d.containerID = ""
	return nil
}
