package docker

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	// client is the official Docker Engine SDK. It speaks the HTTP API over
	// a Unix socket, a named pipe or TCP, depending on the host URI.
	"github.com/docker/docker/client"

	"github.com/shinji-kodama/pipeline-runner/internal/model"
)

// defaultPingTimeout bounds the daemon health check performed before a
// docker job starts. Docker Desktop on macOS can take a few seconds to
// answer after waking up.
const defaultPingTimeout = 5 * time.Second

// Client wraps the Docker Engine SDK client used by the docker executor
// and by the ps/clean commands.
//
// Usage:
//
//	c, err := docker.NewClient()
//	if err != nil { /* handle */ }
//	defer c.Close()
//	if err := c.Ping(ctx); err != nil { /* Docker not running */ }
type Client struct {
	// inner is the underlying Docker SDK client. It is wrapped rather than
	// embedded so that the executor and the CLI only see the calls this
	// package chooses to expose.
	inner *client.Client

	// host is the daemon address the client was created for.
	host string
}

// NewClient creates a Docker client with automatic socket detection.
//
// The detection strategy follows this priority order:
//  1. DOCKER_HOST environment variable (if set, used as-is)
//  2. Platform-specific socket paths, see socketCandidates:
//     - Linux: /var/run/docker.sock, then rootless $XDG_RUNTIME_DIR/docker.sock
//     - macOS: /var/run/docker.sock, then ~/.docker/run/docker.sock
//     - Windows: npipe:////./pipe/docker_engine
//
// Returns a model.CLIError with ExitDockerNotRunning if no Docker socket
// is found or the client cannot be created.
func NewClient() (*Client, error) {
	if dockerHost := os.Getenv("DOCKER_HOST"); dockerHost != "" {
		return newClientWithHost(dockerHost)
	}

	host, err := detectDockerHost(runtime.GOOS)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitDockerNotRunning, "Docker socket not found", err)
	}
	return newClientWithHost(host)
}

// newClientWithHost creates a Docker client connected to host, e.g.
// "unix:///var/run/docker.sock". API version negotiation keeps the client
// compatible with older daemons.
func newClientWithHost(host string) (*Client, error) {
	c, err := client.NewClientWithOpts(
		client.WithHost(host),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, model.WrapCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("failed to create Docker client for host %q", host),
			err,
		)
	}
	return &Client{inner: c, host: host}, nil
}

// socketCandidates lists the Unix socket paths checked on goos, most
// preferred first. Windows uses a named pipe and has no candidates.
func socketCandidates(goos, home string) []string {
	switch goos {
	case "linux":
		paths := []string{"/var/run/docker.sock"}
		if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
			// rootless Docker
			paths = append(paths, filepath.Join(runtimeDir, "docker.sock"))
		}
		return paths
	case "darwin":
		paths := []string{"/var/run/docker.sock"}
		if home != "" {
			paths = append(paths, filepath.Join(home, ".docker", "run", "docker.sock"))
		}
		return paths
	default:
		return nil
	}
}

// detectDockerHost determines the Docker host URI for goos.
//
// Design note: only socket existence is checked here, not connectivity.
// Existence checks are fast and work without a running daemon; Ping is
// what verifies that the daemon actually answers, and it maps a failure to
// its own exit code.
func detectDockerHost(goos string) (string, error) {
	switch goos {
	case "linux", "darwin":
		home, _ := os.UserHomeDir()
		return detectUnixSocket(socketCandidates(goos, home))

	case "windows":
		// os.Stat does not work on named pipes, so try a dial instead.
		pipePath := `//./pipe/docker_engine`
		conn, err := net.DialTimeout("pipe", pipePath, 1*time.Second)
		if err == nil {
			conn.Close()
			return "npipe://" + pipePath, nil
		}
		return "", fmt.Errorf("Docker named pipe not found at %s: %w", pipePath, err)

	default:
		return "", fmt.Errorf("unsupported platform: %s", goos)
	}
}

// detectUnixSocket returns the host URI for the first path that exists.
func detectUnixSocket(paths []string) (string, error) {
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return "unix://" + path, nil
		}
	}
	return "", fmt.Errorf("Docker socket not found at any of %v; is Docker running?", paths)
}

// Ping verifies that the Docker daemon is reachable, waiting at most
// defaultPingTimeout. The docker executor calls it before pulling anything
// so that a stopped daemon is reported as such and not as a pull failure.
//
// Returns a model.CLIError with ExitDockerNotRunning if the daemon
// does not respond or returns an error.
func (c *Client) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	if _, err := c.inner.Ping(pingCtx); err != nil {
		return model.WrapCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("Docker daemon at %s is not responding; is Docker running?", c.host),
			err,
		)
	}
	return nil
}

// Host returns the daemon address this client talks to.
func (c *Client) Host() string {
	return c.host
}

// Close releases the client's resources. Safe to call more than once.
func (c *Client) Close() error {
	if c.inner != nil {
		return c.inner.Close()
	}
	return nil
}

// Inner returns the underlying Docker SDK client for operations not
// exposed through Client.
func (c *Client) Inner() *client.Client {
	return c.inner
}
