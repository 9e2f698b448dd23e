package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/pipeline-runner/internal/history"
	"github.com/shinji-kodama/pipeline-runner/internal/model"
	"github.com/shinji-kodama/pipeline-runner/internal/pipeline"
)

// executeCommand runs the root command with args and returns its stdout,
// stderr and error.
func executeCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

// setupRepo creates a git repository with one commit and the given
// workflow at .pipeline/workflow.yml.
func setupRepo(t *testing.T, workflowYAML string) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	dir := filepath.Join(t.TempDir(), "project")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".pipeline"), 0o755))

	git := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=Test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=Test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	git("init", "-q", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# project\n"), 0o644))
	git("add", ".")
	git("commit", "-q", "-m", "initial")

	if workflowYAML != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, ".pipeline", "workflow.yml"), []byte(workflowYAML), 0o644))
	}
	return dir
}

const localWorkflow = `name: local
jobs:
  check:
    executor:
      type: local
    steps:
      - name: Checkout
        checkout: {}
      - name: Show readme
        shell: sh
        run: cat README.md
      - name: Export
        shell: sh
        run: echo "GREETING=hello" >> "$PIPELINE_ENV"
      - name: Use export
        shell: sh
        run: test "$GREETING" = hello
`

const failingWorkflow = `name: failing
jobs:
  check:
    executor:
      type: local
    steps:
      - name: Checkout
        checkout: {}
      - name: Break
        shell: sh
        run: exit 3
      - name: Never
        shell: sh
        run: touch never-ran
`

func TestExitCodeOf(t *testing.T) {
	assert.Equal(t, model.ExitJobNotFound, exitCodeOf(model.NewCLIError(model.ExitJobNotFound, "x")))
	assert.Equal(t, model.ExitDockerNotRunning,
		exitCodeOf(fmt.Errorf("wrapped: %w", model.NewCLIError(model.ExitDockerNotRunning, "x"))))
	assert.Equal(t, model.ExitGeneralError, exitCodeOf(errors.New("plain")))
}

func TestPrintError(t *testing.T) {
	t.Run("text", func(t *testing.T) {
		jsonOutput = false
		var buf bytes.Buffer
		printError(&buf, model.WrapCLIError(model.ExitGitError, "cannot read repo", errors.New("no HEAD")))
		assert.Equal(t, "Error: cannot read repo: no HEAD\n", buf.String())
	})

	t.Run("json", func(t *testing.T) {
		jsonOutput = true
		defer func() { jsonOutput = false }()

		var buf bytes.Buffer
		printError(&buf, model.NewCLIError(model.ExitJobNotFound, "job missing"))

		var out struct {
			Error struct {
				Message string `json:"message"`
				Code    int    `json:"code"`
				Detail  string `json:"detail"`
			} `json:"error"`
		}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
		assert.Equal(t, "job missing", out.Error.Message)
		assert.Equal(t, 6, out.Error.Code)
		assert.Empty(t, out.Error.Detail)
	})
}

func TestPrintJobResult(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	result := model.NewJobResult("3f2b6c1e-8d7a-4c4e-9a51-0d2c3b1e6f00", "wf", "build-and-test", "docker",
		[]string{"Checkout", "Build PyNE", "Test transition-scenarios"}, start)
	result.Steps[0].Status = model.StepSucceeded
	result.Steps[0].StartedAt = start
	result.Steps[0].FinishedAt = start.Add(800 * time.Millisecond)
	result.Steps[1].Status = model.StepFailed
	result.Steps[1].ExitCode = 1
	result.Steps[1].Error = "exit status 1"
	result.Steps[1].StartedAt = start.Add(time.Second)
	result.Steps[1].FinishedAt = start.Add(119 * time.Second)
	result.Steps[2].Status = model.StepSkipped
	require.NoError(t, result.Finish(model.JobFailed, start.Add(123*time.Second)))

	var buf bytes.Buffer
	printJobResult(&buf, result)
	out := buf.String()

	assert.Contains(t, out, "Job build-and-test failed in 2m03s (run 3f2b6c1e-8d7")
	assert.Contains(t, out, "Checkout")
	assert.Contains(t, out, "0.8s")
	assert.Contains(t, out, "exit status 1")
	assert.Regexp(t, `Test transition-scenarios\s+skipped\s+-`, out)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "-", formatDuration(0))
	assert.Equal(t, "1.5s", formatDuration(1500*time.Millisecond))
	assert.Equal(t, "1m05s", formatDuration(65*time.Second))
}

func TestInitValidateSteps(t *testing.T) {
	repo := setupRepo(t, "")

	stdout, _, err := executeCommand(t, "init", "--repo", repo)
	require.NoError(t, err)
	assert.Contains(t, stdout, filepath.Join(".pipeline", "workflow.yml"))

	_, _, err = executeCommand(t, "init", "--repo", repo)
	require.Error(t, err, "init must not overwrite without --force")

	_, _, err = executeCommand(t, "init", "--repo", repo, "--force")
	require.NoError(t, err)

	stdout, _, err = executeCommand(t, "validate", "--repo", repo)
	require.NoError(t, err)
	assert.Contains(t, stdout, "valid")
	assert.Contains(t, stdout, "build-and-test")

	stdout, _, err = executeCommand(t, "steps", "--repo", repo, "--json")
	require.NoError(t, err)
	var plans []pipeline.StepPlan
	require.NoError(t, json.Unmarshal([]byte(stdout), &plans))
	require.NotEmpty(t, plans)
	assert.Equal(t, "checkout", plans[0].Action)
	last := plans[len(plans)-1]
	assert.Equal(t, "scripts/tests", last.WorkingDirectory)
	assert.Contains(t, last.Command, "pytest")
}

func TestValidate_Invalid(t *testing.T) {
	repo := setupRepo(t, "name: broken\njobs:\n  check:\n    steps: []\n")

	_, _, err := executeCommand(t, "validate", "--repo", repo)
	require.Error(t, err)
	assert.Equal(t, model.ExitInvalidWorkflow, exitCodeOf(err))
}

func TestValidate_NotFound(t *testing.T) {
	_, _, err := executeCommand(t, "validate", "--repo", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, model.ExitWorkflowNotFound, exitCodeOf(err))
}

func TestSteps_UnknownJob(t *testing.T) {
	repo := setupRepo(t, localWorkflow)

	_, _, err := executeCommand(t, "steps", "--repo", repo, "deploy")
	require.Error(t, err)
	assert.Equal(t, model.ExitJobNotFound, exitCodeOf(err))
}

func TestRun_LocalSuccess(t *testing.T) {
	repo := setupRepo(t, localWorkflow)
	root := filepath.Join(t.TempDir(), "run")
	report := filepath.Join(t.TempDir(), "result.json")
	metricsFile := filepath.Join(t.TempDir(), "pipeline.prom")
	historyDB := filepath.Join(t.TempDir(), "history.db")

	stdout, _, err := executeCommand(t, "run", "--repo", repo,
		"--root", root, "--keep",
		"--report", report,
		"--metrics-file", metricsFile,
		"--history", historyDB,
	)
	require.NoError(t, err)
	assert.Contains(t, stdout, "# project")
	assert.Contains(t, stdout, "Job check succeeded")

	assert.FileExists(t, filepath.Join(root, "project", "README.md"))

	data, err := os.ReadFile(report)
	require.NoError(t, err)
	var result model.JobResult
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Equal(t, model.JobSucceeded, result.Status)
	assert.Equal(t, 4, result.CountByStatus(model.StepSucceeded))
	assert.NotEmpty(t, result.Commit)

	prom, err := os.ReadFile(metricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), "pipeline_runner_job_outcomes_total")

	store, err := history.Open(historyDB)
	require.NoError(t, err)
	defer store.Close()
	got, err := store.Get(t.Context(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.JobSucceeded, got.Status)
	assert.Len(t, got.Steps, 4)
}

func TestRun_LocalFailure(t *testing.T) {
	repo := setupRepo(t, failingWorkflow)
	root := filepath.Join(t.TempDir(), "run")

	stdout, _, err := executeCommand(t, "run", "--repo", repo, "--root", root, "--keep", "--no-history", "--json")
	require.Error(t, err)
	assert.Equal(t, model.ExitJobFailed, exitCodeOf(err))
	assert.Contains(t, err.Error(), `"Break"`)

	var result model.JobResult
	require.NoError(t, json.Unmarshal([]byte(stdout), &result))
	assert.Equal(t, model.JobFailed, result.Status)
	assert.Equal(t, model.StepFailed, result.Steps[1].Status)
	assert.Equal(t, 3, result.Steps[1].ExitCode)
	assert.Equal(t, model.StepSkipped, result.Steps[2].Status)
	assert.NoFileExists(t, filepath.Join(root, "project", "never-ran"))
}

func TestRun_RemovesRunRoot(t *testing.T) {
	repo := setupRepo(t, localWorkflow)
	root := filepath.Join(t.TempDir(), "run")

	_, _, err := executeCommand(t, "run", "--repo", repo, "--root", root, "--no-history")
	require.NoError(t, err)
	assert.NoDirExists(t, root)
}

func TestPrepareRunRoot(t *testing.T) {
	t.Run("temporary", func(t *testing.T) {
		root, remove, err := prepareRunRoot("")
		require.NoError(t, err)
		assert.DirExists(t, root)
		require.NoError(t, remove())
		assert.NoDirExists(t, root)
	})

	t.Run("created when missing", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "a", "b")
		root, _, err := prepareRunRoot(dir)
		require.NoError(t, err)
		assert.Equal(t, dir, root)
		assert.DirExists(t, dir)
	})

	t.Run("rejects non-empty", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "stale"), nil, 0o644))
		_, _, err := prepareRunRoot(dir)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not empty")
	})
}

func TestWorkspaceName(t *testing.T) {
	repo := setupRepo(t, localWorkflow)
	wf, err := (&workflowFlags{repo: repo}).load()
	require.NoError(t, err)
	job, err := selectJob(wf, nil)
	require.NoError(t, err)

	assert.Equal(t, "project", workspaceName(job, "project"))
	assert.Equal(t, "check", workspaceName(job, ""))
	job.Workspace = "src"
	assert.Equal(t, "src", workspaceName(job, "project"))
}

func TestRun_UnknownExecutor(t *testing.T) {
	repo := setupRepo(t, localWorkflow)

	_, _, err := executeCommand(t, "run", "--repo", repo, "--executor", "vm", "--no-history")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown executor "vm"`)
}

func TestHistoryCommand(t *testing.T) {
	historyDB := filepath.Join(t.TempDir(), "history.db")
	store, err := history.Open(historyDB)
	require.NoError(t, err)

	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, status := range []model.JobStatus{model.JobSucceeded, model.JobFailed} {
		r := model.NewJobResult(fmt.Sprintf("run-%d-0000-0000", i), "wf", "build-and-test", "docker",
			[]string{"Checkout"}, start.Add(time.Duration(i)*time.Hour))
		r.Commit = "0123456789abcdef"
		r.Steps[0].Status = model.StepSucceeded
		require.NoError(t, r.Finish(status, r.StartedAt.Add(time.Minute)))
		require.NoError(t, store.Record(t.Context(), r))
	}
	require.NoError(t, store.Close())

	stdout, _, err := executeCommand(t, "history", "--history", historyDB)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "failed", "newest run first")
	assert.Contains(t, lines[1], "0123456")

	stdout, _, err = executeCommand(t, "history", "--history", historyDB, "run-0-0000-0000")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Job build-and-test succeeded")

	_, _, err = executeCommand(t, "history", "--history", historyDB, "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestPromptConfirmation(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		got, err := promptConfirmation(strings.NewReader(tt.input), &out, 2)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "input %q", tt.input)
		assert.Contains(t, out.String(), "Remove 2 container(s)?")
	}
}

func TestToContainerRows(t *testing.T) {
	infos := []model.ContainerInfo{
		{
			ContainerID: "bbbbbbbbbbbbbbbb", ContainerName: "pipeline-check-22222222", Status: "running",
			Labels: map[string]string{
				"pipeline.managed-by": "pipeline-runner",
				"pipeline.run-id":     "22222222-aaaa",
				"pipeline.job":        "check",
				"pipeline.workflow":   "wf",
				"pipeline.created-at": "2025-03-01T13:00:00Z",
			},
		},
		{
			ContainerID: "aaaaaaaaaaaaaaaa", ContainerName: "pipeline-check-11111111", Status: "exited",
			Labels: map[string]string{
				"pipeline.managed-by": "pipeline-runner",
				"pipeline.run-id":     "11111111-aaaa",
				"pipeline.job":        "check",
				"pipeline.workflow":   "wf",
				"pipeline.run-root":   "/tmp/pipeline-run-1",
				"pipeline.created-at": "2025-03-01T12:00:00Z",
			},
		},
		{ContainerID: "cccccccccccccccc", ContainerName: "broken", Status: "created"},
	}

	rows := toContainerRows(infos)
	require.Len(t, rows, 3)
	assert.Equal(t, "broken", rows[0].ContainerName, "unlabelled containers sort first")
	assert.Equal(t, "11111111-aaaa", rows[1].RunID)
	assert.Equal(t, "/tmp/pipeline-run-1", rows[1].RunRoot)
	assert.Equal(t, "22222222-aaaa", rows[2].RunID)

	var buf bytes.Buffer
	printContainerTable(&buf, rows)
	assert.Contains(t, buf.String(), "CONTAINER")
	assert.Contains(t, buf.String(), "aaaaaaaaaaaa")
}
