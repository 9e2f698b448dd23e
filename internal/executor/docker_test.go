package executor

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/pipeline-runner/internal/docker"
	"github.com/shinji-kodama/pipeline-runner/internal/docker/dockertest"
	"github.com/shinji-kodama/pipeline-runner/internal/model"
)

const testImage = "registry.example.com/ci/python:3.11"

// newFakeDocker returns a Docker executor talking to a fake daemon.
func newFakeDocker(t *testing.T, opts DockerOptions) (*Docker, *dockertest.Daemon) {
	t.Helper()

	daemon := dockertest.New(t)
	t.Setenv("DOCKER_HOST", daemon.Host)
	cli, err := docker.NewClient()
	require.NoError(t, err)
	t.Cleanup(func() { _ = cli.Close() })

	if opts.Image == "" {
		opts.Image = testImage
	}
	if opts.HostRoot == "" {
		opts.HostRoot = filepath.Join(t.TempDir(), "run")
	}
	if opts.Workspace == "" {
		opts.Workspace = "ws"
	}
	opts.Labels = docker.RunLabels{
		RunID:     "3f2b6c1e-8d7a-4c4e-9a51-0d2c3b1e6f00",
		Job:       "build-and-test",
		Workflow:  "Test transition-scenarios",
		RunRoot:   opts.HostRoot,
		CreatedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	return NewDocker(cli, opts), daemon
}

func TestDocker_PrepareExecCleanup(t *testing.T) {
	d, daemon := newFakeDocker(t, DockerOptions{})
	daemon.SetImageEnv([]string{"PATH=/usr/local/bin:/usr/bin:/bin"})
	daemon.OnExec(func(cmd []string) dockertest.ExecResult {
		return dockertest.ExecResult{Stdout: "3.11.9\n", Stderr: "note\n", ExitCode: 0}
	})
	ctx := context.Background()

	require.NoError(t, d.Prepare(ctx))
	assert.DirExists(t, d.opts.HostRoot)
	assert.Equal(t, []string{testImage}, daemon.Pulled(), "missing is the default pull policy")

	created := daemon.Created()
	require.Len(t, created, 1)
	assert.Equal(t, created[0].ID, d.ContainerID())
	assert.Equal(t, "pipeline-build-and-test-3f2b6c1e", created[0].Name)
	assert.Equal(t, []string{d.opts.HostRoot + ":" + GuestRootDocker}, created[0].HostConfig.Binds)
	assert.Equal(t, []string{"sleep", "infinity"}, []string(created[0].Config.Cmd))
	assert.Equal(t, []string{"CI=true"}, created[0].Config.Env)
	assert.Equal(t, "3f2b6c1e-8d7a-4c4e-9a51-0d2c3b1e6f00", created[0].Config.Labels[docker.LabelRunID])

	assert.Equal(t, []string{"PATH=/usr/local/bin:/usr/bin:/bin", "HOME=/root"}, d.Environ(),
		"the image environment is the base, with HOME defaulted")

	var stdout, stderr bytes.Buffer
	code, err := d.Exec(ctx, Command{
		Script: "python3 --version",
		Dir:    "/work/ws",
		Env:    []string{"CI=true"},
		Stdout: &stdout,
		Stderr: &stderr,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "3.11.9\n", stdout.String())
	assert.Equal(t, "note\n", stderr.String())

	execs := daemon.Execs()
	require.Len(t, execs, 1)
	argv, err := ShellArgv(ShellBash, "python3 --version")
	require.NoError(t, err)
	assert.Equal(t, argv, []string(execs[0].Options.Cmd))
	assert.Equal(t, "/work/ws", execs[0].Options.WorkingDir)

	require.NoError(t, d.Cleanup(ctx))
	assert.Equal(t, []string{created[0].ID}, daemon.Removed())
	assert.Empty(t, d.ContainerID())
}

func TestDocker_ExecExitCode(t *testing.T) {
	d, daemon := newFakeDocker(t, DockerOptions{})
	daemon.AddImage(testImage)
	daemon.OnExec(func([]string) dockertest.ExecResult {
		return dockertest.ExecResult{Stderr: "E: Unable to locate package libhdf5-dev\n", ExitCode: 100}
	})
	require.NoError(t, d.Prepare(context.Background()))

	var stderr bytes.Buffer
	code, err := d.Exec(context.Background(), Command{Script: "apt-get install -y libhdf5-dev", Stderr: &stderr})
	require.NoError(t, err, "a non-zero exit is a result, not an error")
	assert.Equal(t, 100, code)
	assert.Contains(t, stderr.String(), "Unable to locate package")
	assert.Empty(t, daemon.Pulled(), "a present image is not pulled again")
}

func TestDocker_PrepareNeverPolicyMissingImage(t *testing.T) {
	d, daemon := newFakeDocker(t, DockerOptions{Pull: docker.PullNever})

	err := d.Prepare(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not present locally")
	assert.Empty(t, daemon.Pulled())
	assert.Empty(t, daemon.Created())
	assert.Empty(t, d.ContainerID())
}

func TestDocker_PrepareStartFailure(t *testing.T) {
	d, daemon := newFakeDocker(t, DockerOptions{})
	daemon.AddImage(testImage)
	daemon.FailStart("exec: \"sleep\": executable file not found in $PATH")

	require.Error(t, d.Prepare(context.Background()))
	assert.Empty(t, d.ContainerID())
	require.Len(t, daemon.Created(), 1)
	assert.Equal(t, []string{daemon.Created()[0].ID}, daemon.Removed())
	assert.NoError(t, d.Cleanup(context.Background()))
}

func TestDocker_ExecCancelledStopsContainer(t *testing.T) {
	d, daemon := newFakeDocker(t, DockerOptions{Keep: true})
	daemon.AddImage(testImage)
	daemon.OnExec(func([]string) dockertest.ExecResult {
		return dockertest.ExecResult{Stdout: "running tests\n", Hang: true}
	})
	require.NoError(t, d.Prepare(context.Background()))
	id := d.ContainerID()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	code, err := d.Exec(ctx, Command{Script: "pytest"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, -1, code)
	assert.Equal(t, []string{id}, daemon.Killed(), "the running command must not outlive the step")

	require.NoError(t, d.Cleanup(context.Background()))
	assert.Empty(t, daemon.Removed(), "a kept container is not removed")
}

func TestDocker_PrepareDaemonDown(t *testing.T) {
	t.Setenv("DOCKER_HOST", "tcp://127.0.0.1:1")
	cli, err := docker.NewClient()
	require.NoError(t, err)
	defer cli.Close()

	d := NewDocker(cli, DockerOptions{Image: testImage, HostRoot: t.TempDir(), Workspace: "ws"})
	err = d.Prepare(context.Background())
	require.Error(t, err)

	var cliErr *model.CLIError
	require.ErrorAs(t, err, &cliErr)
	assert.Equal(t, model.ExitDockerNotRunning, cliErr.Code)
}
