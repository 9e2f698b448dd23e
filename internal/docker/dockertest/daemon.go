// Package dockertest provides an in-process fake of the Docker Engine API
// for tests of the executor container lifecycle.
//
// The fake speaks just enough of the HTTP API for the calls the runner
// makes: ping, image inspect and pull, container create, start, inspect,
// kill and remove, and exec create, start (a hijacked connection carrying
// multiplexed stdout/stderr frames) and inspect. Point a client at it with
// DOCKER_HOST=<Daemon.Host>.
package dockertest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

// APIVersion is the API version the fake daemon advertises on /_ping.
const APIVersion = "1.47"

// versionPrefix matches the "/v1.47" prefix the SDK puts on every path
// once the API version is negotiated.
var versionPrefix = regexp.MustCompile(`^/v[0-9.]+`)

// ExecResult scripts the outcome of one exec.
type ExecResult struct {
	// Stdout and Stderr are written as multiplexed frames.
	Stdout string
	Stderr string

	// ExitCode is reported by exec inspect once the exec stops running.
	ExitCode int

	// RunningPolls is how many inspects still report the exec as running
	// after its output stream has closed.
	RunningPolls int

	// Hang keeps the output stream open until the client disconnects.
	Hang bool
}

// CreatedContainer records one container create request.
type CreatedContainer struct {
	ID         string
	Name       string
	Config     container.Config
	HostConfig container.HostConfig
}

// ExecRecord records one exec create request.
type ExecRecord struct {
	ContainerID string
	Options     container.ExecOptions
}

type execState struct {
	containerID string
	result      ExecResult
	polls       int
}

// Daemon is a fake Docker daemon backed by an httptest.Server.
type Daemon struct {
	// Host is the DOCKER_HOST value for this daemon ("tcp://127.0.0.1:port").
	Host string

	srv *httptest.Server

	mu       sync.Mutex
	images   map[string]bool
	env      []string
	startErr string
	onExec   func(cmd []string) ExecResult
	nextID   int
	pulled   []string
	created  []CreatedContainer
	removed  []string
	killed   []string
	execs    []ExecRecord
	inspects int
	states   map[string]*execState
}

// New starts a fake daemon that is shut down when the test ends. Every
// exec succeeds with no output until OnExec says otherwise.
func New(t testing.TB) *Daemon {
	t.Helper()

	d := &Daemon{
		images: map[string]bool{},
		states: map[string]*execState{},
		onExec: func([]string) ExecResult { return ExecResult{} },
	}
	d.srv = httptest.NewServer(http.HandlerFunc(d.serve))
	d.Host = "tcp://" + d.srv.Listener.Addr().String()
	t.Cleanup(d.srv.Close)
	return d
}

// AddImage makes ref present locally.
func (d *Daemon) AddImage(ref string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.images[ref] = true
}

// SetImageEnv sets the environment reported by container inspect.
func (d *Daemon) SetImageEnv(env []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.env = env
}

// FailStart makes every container start fail with message.
func (d *Daemon) FailStart(message string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.startErr = message
}

// OnExec scripts exec results by command line.
func (d *Daemon) OnExec(fn func(cmd []string) ExecResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onExec = fn
}

// Pulled returns the references pulled so far, as "name:tag".
func (d *Daemon) Pulled() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.pulled...)
}

// Created returns the container create requests received so far.
func (d *Daemon) Created() []CreatedContainer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]CreatedContainer(nil), d.created...)
}

// Removed returns the ids of removed containers.
func (d *Daemon) Removed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.removed...)
}

// Killed returns the ids of killed containers.
func (d *Daemon) Killed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.killed...)
}

// Execs returns the exec create requests received so far.
func (d *Daemon) Execs() []ExecRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]ExecRecord(nil), d.execs...)
}

// ExecInspects returns how many exec inspect calls were served.
func (d *Daemon) ExecInspects() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inspects
}

func (d *Daemon) serve(w http.ResponseWriter, r *http.Request) {
	path := versionPrefix.ReplaceAllString(r.URL.Path, "")

	switch {
	case path == "/_ping":
		w.Header().Set("Api-Version", APIVersion)
		w.Header().Set("Ostype", "linux")
		_, _ = io.WriteString(w, "OK")

	case r.Method == http.MethodGet && strings.HasPrefix(path, "/images/") && strings.HasSuffix(path, "/json"):
		d.imageInspect(w, strings.TrimSuffix(strings.TrimPrefix(path, "/images/"), "/json"))

	case r.Method == http.MethodPost && path == "/images/create":
		d.imagePull(w, r)

	case r.Method == http.MethodPost && path == "/containers/create":
		d.containerCreate(w, r)

	case strings.HasPrefix(path, "/containers/"):
		d.containerAction(w, r, strings.TrimPrefix(path, "/containers/"))

	case r.Method == http.MethodPost && strings.HasPrefix(path, "/exec/") && strings.HasSuffix(path, "/start"):
		d.execStart(w, strings.TrimSuffix(strings.TrimPrefix(path, "/exec/"), "/start"))

	case r.Method == http.MethodGet && strings.HasPrefix(path, "/exec/") && strings.HasSuffix(path, "/json"):
		d.execInspect(w, strings.TrimSuffix(strings.TrimPrefix(path, "/exec/"), "/json"))

	default:
		writeError(w, http.StatusNotFound, fmt.Sprintf("page not found: %s %s", r.Method, path))
	}
}

func (d *Daemon) imageInspect(w http.ResponseWriter, ref string) {
	d.mu.Lock()
	present := d.images[ref]
	d.mu.Unlock()

	if !present {
		writeError(w, http.StatusNotFound, "No such image: "+ref)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"Id": "sha256:" + strings.Repeat("0", 64), "RepoTags": []string{ref}})
}

func (d *Daemon) imagePull(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("fromImage")
	if tag := r.URL.Query().Get("tag"); tag != "" {
		ref += ":" + tag
	}

	d.mu.Lock()
	d.pulled = append(d.pulled, ref)
	d.images[ref] = true
	d.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "{\"status\":\"Pulling from %s\"}\n{\"status\":\"Download complete\"}\n", ref)
}

func (d *Daemon) containerCreate(w http.ResponseWriter, r *http.Request) {
	var req container.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	d.mu.Lock()
	d.nextID++
	id := fmt.Sprintf("container%04d", d.nextID)
	rec := CreatedContainer{ID: id, Name: r.URL.Query().Get("name")}
	if req.Config != nil {
		rec.Config = *req.Config
	}
	if req.HostConfig != nil {
		rec.HostConfig = *req.HostConfig
	}
	d.created = append(d.created, rec)
	d.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]any{"Id": id, "Warnings": []string{}})
}

// containerAction serves /containers/{id}[/action].
func (d *Daemon) containerAction(w http.ResponseWriter, r *http.Request, rest string) {
	id, action, _ := strings.Cut(rest, "/")

	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && action == "start":
		if d.startErr != "" {
			writeError(w, http.StatusInternalServerError, d.startErr)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodPost && action == "kill":
		d.killed = append(d.killed, id)
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodDelete && action == "":
		d.removed = append(d.removed, id)
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodGet && action == "json":
		writeJSON(w, http.StatusOK, map[string]any{
			"Id":     id,
			"State":  map[string]any{"Status": "running", "Running": true},
			"Config": map[string]any{"Env": d.env},
		})

	case r.Method == http.MethodPost && action == "exec":
		var opts container.ExecOptions
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		d.nextID++
		execID := fmt.Sprintf("exec%04d", d.nextID)
		d.execs = append(d.execs, ExecRecord{ContainerID: id, Options: opts})
		d.states[execID] = &execState{containerID: id, result: d.onExec(opts.Cmd)}
		writeJSON(w, http.StatusCreated, map[string]any{"Id": execID})

	default:
		writeError(w, http.StatusNotFound, fmt.Sprintf("page not found: %s /containers/%s", r.Method, rest))
	}
}

// execStart upgrades the connection like the real daemon does and writes
// the scripted output as stdcopy frames.
func (d *Daemon) execStart(w http.ResponseWriter, execID string) {
	d.mu.Lock()
	state, ok := d.states[execID]
	d.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "No such exec instance: "+execID)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		writeError(w, http.StatusInternalServerError, "connection cannot be hijacked")
		return
	}
	conn, buf, err := hijacker.Hijack()
	if err != nil {
		return
	}
	defer conn.Close()

	_, _ = io.WriteString(conn, "HTTP/1.1 101 UPGRADED\r\n"+
		"Content-Type: application/vnd.docker.multiplexed-stream\r\n"+
		"Connection: Upgrade\r\n"+
		"Upgrade: tcp\r\n\r\n")

	result := state.result
	if result.Stdout != "" {
		_, _ = stdcopy.NewStdWriter(conn, stdcopy.Stdout).Write([]byte(result.Stdout))
	}
	if result.Stderr != "" {
		_, _ = stdcopy.NewStdWriter(conn, stdcopy.Stderr).Write([]byte(result.Stderr))
	}
	if result.Hang {
		// Returns once the client closes its end.
		_, _ = io.Copy(io.Discard, buf)
	}
}

func (d *Daemon) execInspect(w http.ResponseWriter, execID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	state, ok := d.states[execID]
	if !ok {
		writeError(w, http.StatusNotFound, "No such exec instance: "+execID)
		return
	}
	d.inspects++

	running := state.polls < state.result.RunningPolls
	state.polls++
	exitCode := 0
	if !running {
		exitCode = state.result.ExitCode
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ID":          execID,
		"ContainerID": state.containerID,
		"Running":     running,
		"ExitCode":    exitCode,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
