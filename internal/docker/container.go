// container.go implements the executor container lifecycle: pulling the
// image, creating a labelled long-lived container, running step commands
// inside it with exec, and removing it again.
//
// The container's main process is `sleep infinity`; every step is a
// separate exec so that steps share the container filesystem the way
// steps of a CI job share one machine.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	// errdefs classifies daemon errors (not found, conflict, ...) without
	// string matching on the message.
	cerrdefs "github.com/containerd/errdefs"
	// container holds the request and response types of the container and
	// exec endpoints.
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	// stdcopy splits the multiplexed exec stream back into stdout and stderr.
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/shinji-kodama/pipeline-runner/internal/model"
)

// Pull policies accepted by EnsureImage.
const (
	PullAlways  = "always"
	PullMissing = "missing"
	PullNever   = "never"
)

// execPollInterval is how often ExecCommand re-inspects an exec whose
// output stream has closed but which the daemon still reports as running.
const execPollInterval = 50 * time.Millisecond

// EnsureImage makes imageRef available locally according to policy.
// Pull progress (a JSON message stream) is copied to progress when non-nil.
//
// The policies behave like their Kubernetes namesakes:
//   - always:  pull unconditionally, even when a local copy exists
//   - missing: pull only when ImageInspect reports the image as not found
//   - never:   fail when the image is absent; used for images built locally
//
// Any inspect error other than "not found" means the daemon itself is in
// trouble, so it is reported with ExitDockerNotRunning rather than
// attempting a pull that would fail the same way.
func EnsureImage(ctx context.Context, cli *Client, imageRef, policy string, progress io.Writer) error {
	if policy != PullAlways {
		// ImageInspect is a cheap local lookup; it never contacts a registry.
		_, err := cli.Inner().ImageInspect(ctx, imageRef)
		switch {
		case err == nil:
			return nil
		case !cerrdefs.IsNotFound(err):
			return model.WrapCLIError(model.ExitDockerNotRunning, fmt.Sprintf("failed to inspect image %q", imageRef), err)
		case policy == PullNever:
			return fmt.Errorf("image %q is not present locally and pull policy is %q", imageRef, PullNever)
		}
	}

	reader, err := cli.Inner().ImagePull(ctx, imageRef, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %q: %w", imageRef, err)
	}
	defer reader.Close()

	if progress == nil {
		progress = io.Discard
	}
	// The pull only completes once the stream has been drained.
	if _, err := io.Copy(progress, reader); err != nil {
		return fmt.Errorf("failed to pull image %q: %w", imageRef, err)
	}
	return nil
}

// ContainerSpec describes an executor container.
type ContainerSpec struct {
	Image  string
	Name   string
	Labels map[string]string

	// HostRoot is bind-mounted read-write at GuestRoot.
	HostRoot  string
	GuestRoot string

	// Env is set on the container itself and inherited by every exec.
	Env []string
}

// containerConfig builds the create request for spec. Kept separate from
// CreateContainer so it can be checked without a daemon.
func containerConfig(spec ContainerSpec) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image:      spec.Image,
		Cmd:        []string{"sleep", "infinity"},
		Env:        spec.Env,
		Labels:     spec.Labels,
		WorkingDir: spec.GuestRoot,
	}
	hostCfg := &container.HostConfig{
		Binds: []string{spec.HostRoot + ":" + spec.GuestRoot},
		// Reap processes orphaned by finished execs.
		Init: boolPtr(true),
	}
	return cfg, hostCfg
}

func boolPtr(b bool) *bool { return &b }

// CreateContainer creates and starts an executor container and returns its
// ID.
//
// Create and start are separate API calls. If start fails (a bad bind
// mount, a missing `sleep` binary in the image), the created container
// would otherwise be left behind in the "created" state with our labels
// on it, and show up in every later `ps`. It is therefore force-removed
// before the error is returned, using a context that survives
// cancellation of ctx.
func CreateContainer(ctx context.Context, cli *Client, spec ContainerSpec) (string, error) {
	cfg, hostCfg := containerConfig(spec)

	created, err := cli.Inner().ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %q from %s: %w", spec.Name, spec.Image, err)
	}

	if err := cli.Inner().ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = RemoveContainer(context.WithoutCancel(ctx), cli, created.ID, true)
		return "", fmt.Errorf("failed to start container %q: %w", spec.Name, err)
	}
	return created.ID, nil
}

// ContainerEnv returns the environment baked into the container's image and
// create request, as KEY=VALUE pairs.
func ContainerEnv(ctx context.Context, cli *Client, containerID string) ([]string, error) {
	inspect, err := cli.Inner().ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container %q: %w", containerID, err)
	}
	if inspect.Config == nil {
		return nil, nil
	}
	return inspect.Config.Env, nil
}

// ExecSpec is one command run inside a container.
type ExecSpec struct {
	Cmd        []string
	Env        []string
	WorkingDir string
	User       string
	Stdout     io.Writer
	Stderr     io.Writer
}

// ExecCommand runs spec inside the container and returns the command's exit
// code. Output is demultiplexed into spec.Stdout and spec.Stderr.
//
// The exec lifecycle takes three API calls:
//  1. ContainerExecCreate registers the command (nothing runs yet)
//  2. ContainerExecAttach starts it and hijacks the HTTP connection; the
//     daemon then streams stdout and stderr as stdcopy frames
//  3. ContainerExecInspect reports the exit code
//
// The stream closing does not mean the daemon has recorded the exit code
// yet, so step 3 polls every execPollInterval while the exec is still
// reported as running.
//
// If ctx is cancelled before the command finishes, the attached stream is
// closed and ctx.Err() is returned with exit code -1. The Docker API has
// no call to signal an exec, so the process keeps running inside the
// container; callers stop it with KillContainer.
func ExecCommand(ctx context.Context, cli *Client, containerID string, spec ExecSpec) (int, error) {
	created, err := cli.Inner().ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		WorkingDir:   spec.WorkingDir,
		User:         spec.User,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, fmt.Errorf("failed to create exec in container %q: %w", containerID, err)
	}

	attached, err := cli.Inner().ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return -1, fmt.Errorf("failed to attach to exec %q: %w", created.ID, err)
	}
	defer attached.Close()

	stdout, stderr := spec.Stdout, spec.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	// StdCopy blocks until the stream ends, so it runs in its own goroutine
	// and the select below can react to cancellation. The channel is
	// buffered so the goroutine never leaks when nobody receives.
	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attached.Reader)
		copied <- err
	}()

	select {
	case err := <-copied:
		if err != nil && !errors.Is(err, io.EOF) {
			return -1, fmt.Errorf("failed to read exec output: %w", err)
		}
	case <-ctx.Done():
		attached.Close()
		return -1, ctx.Err()
	}

	for {
		inspect, err := cli.Inner().ContainerExecInspect(ctx, created.ID)
		if err != nil {
			return -1, fmt.Errorf("failed to inspect exec %q: %w", created.ID, err)
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-time.After(execPollInterval):
		}
	}
}

// ListManagedContainers returns every container (running or not) carrying
// the pipeline-runner management label. A non-empty runID narrows the
// result to that run's container.
func ListManagedContainers(ctx context.Context, cli *Client, runID string) ([]model.ContainerInfo, error) {
	containers, err := cli.Inner().ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: ManagedFilter(runID),
	})
	if err != nil {
		return nil, model.WrapCLIError(model.ExitDockerNotRunning, "failed to list Docker containers", err)
	}

	result := make([]model.ContainerInfo, 0, len(containers))
	for _, c := range containers {
		result = append(result, containerToInfo(c))
	}
	return result, nil
}

// containerToInfo converts a Docker API container summary to ContainerInfo.
// Docker reports names with a leading "/", which is stripped.
func containerToInfo(c container.Summary) model.ContainerInfo {
	name := ""
	if len(c.Names) > 0 {
		name = strings.TrimPrefix(c.Names[0], "/")
	}
	return model.ContainerInfo{
		ContainerID:   c.ID,
		ContainerName: name,
		Image:         c.Image,
		Status:        string(c.State),
		Labels:        c.Labels,
	}
}

// KillContainer sends SIGKILL to the container's init process, which stops
// the container and every exec running inside it. The container itself is
// kept, so a kept container can still be inspected or restarted.
func KillContainer(ctx context.Context, cli *Client, containerID string) error {
	if err := cli.Inner().ContainerKill(ctx, containerID, "KILL"); err != nil {
		return model.WrapCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("failed to kill container %q", containerID),
			err,
		)
	}
	return nil
}

// RemoveContainer removes a container. With force, a running container is
// killed first.
//
// Design note: a failure is wrapped with ExitDockerNotRunning like every
// other daemon call here; `clean` continues past it and reports the count.
func RemoveContainer(ctx context.Context, cli *Client, containerID string, force bool) error {
	err := cli.Inner().ContainerRemove(ctx, containerID, container.RemoveOptions{Force: force})
	if err != nil {
		return model.WrapCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("failed to remove container %q", containerID),
			err,
		)
	}
	return nil
}
