package workflow

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/pipeline-runner/internal/model"
)

// writeWorkflow writes content to a temporary file with the given name
// and returns its path.
func writeWorkflow(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// fieldsOf collects the Field of each validation error for compact assertions.
func fieldsOf(errs []ValidationError) []string {
	fields := make([]string, 0, len(errs))
	for _, e := range errs {
		fields = append(fields, e.Field)
	}
	return fields
}

// TestStarterWorkflow verifies the embedded build-and-test workflow parses,
// validates and carries the five steps in the documented order.
func TestStarterWorkflow(t *testing.T) {
	wf, err := Parse(Starter(), ".yml")
	require.NoError(t, err)
	require.Empty(t, Validate(wf))

	job, err := wf.Job("")
	require.NoError(t, err)
	assert.Equal(t, "build-and-test", job.ID)
	assert.Equal(t, ExecutorDocker, job.Executor.Type)
	assert.Equal(t, PullMissing, job.Executor.Pull)
	assert.Equal(t, []string{
		"Checkout",
		"Install dependencies",
		"Build Environment",
		"Build PyNE",
		"Test transition-scenarios",
	}, job.StepNames())

	assert.Equal(t, "checkout", job.Steps[0].Action())
	assert.Equal(t, "dependencies", job.Steps[1].Action())
	assert.Equal(t, "requirements.txt", job.Steps[1].Dependencies.ManifestFile())
	assert.Equal(t, "packages", job.Steps[2].Action())
	assert.Contains(t, job.Steps[2].Packages.Names, "libhdf5-dev")
	assert.True(t, job.Steps[2].Packages.ShouldUpdate())
	assert.Equal(t, "clone", job.Steps[3].Action())
	assert.Equal(t, []string{"$HOME/.local/bin"}, job.Steps[3].Path)
	assert.Contains(t, job.Steps[3].EnvAppend, "PYTHONPATH")
	assert.Equal(t, "run", job.Steps[4].Action())
	assert.Equal(t, "scripts/tests", job.Steps[4].WorkingDirectory)
	assert.Equal(t, "bash", job.Steps[4].Shell)
}

func TestLoad_JSONC(t *testing.T) {
	wf, err := Load(filepath.Join("testdata", "minimal.jsonc"))
	require.NoError(t, err)

	job, err := wf.Job("check")
	require.NoError(t, err)
	assert.Equal(t, ExecutorLocal, job.Executor.Type)
	assert.Empty(t, job.Executor.Image, "local executor gets no default image")
	assert.Equal(t, []string{"hello", "bye"}, job.StepNames())
	assert.Equal(t, "sh", job.Steps[1].Shell)
}

func TestLoad_NotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	var cliErr *model.CLIError
	require.True(t, errors.As(err, &cliErr))
	assert.Equal(t, model.ExitWorkflowNotFound, cliErr.Code)
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	path := writeWorkflow(t, "wf.yml", `
name: typo
jobs:
  build:
    executor: {type: local}
    steps:
      - name: a
        runn: echo hi
`)
	_, err := Load(path)
	var cliErr *model.CLIError
	require.True(t, errors.As(err, &cliErr))
	assert.Equal(t, model.ExitInvalidWorkflow, cliErr.Code)
	assert.Contains(t, err.Error(), "runn")
}

func TestLoad_InvalidWorkflowListsProblems(t *testing.T) {
	path := writeWorkflow(t, "wf.yml", `
name: broken
jobs:
  build:
    executor: {type: local}
    steps:
      - name: a
      - name: a
        run: echo twice
`)
	_, err := Load(path)
	var cliErr *model.CLIError
	require.True(t, errors.As(err, &cliErr))
	assert.Equal(t, model.ExitInvalidWorkflow, cliErr.Code)
	assert.Contains(t, err.Error(), "needs a run script")
	assert.Contains(t, err.Error(), "duplicate step name")
}

func TestParse_Empty(t *testing.T) {
	_, err := Parse([]byte(""), ".yml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		doc    string
		fields []string
	}{
		{
			name:   "no jobs",
			doc:    "name: x\n",
			fields: []string{"jobs"},
		},
		{
			name: "no steps",
			doc: `
jobs:
  build:
    executor: {type: local}
    steps: []
`,
			fields: []string{"jobs.build.steps"},
		},
		{
			name: "unknown executor and pull policy",
			doc: `
jobs:
  build:
    executor: {type: vm}
    steps: [{name: a, run: "true"}]
  other:
    executor: {type: docker, pull: sometimes}
    steps: [{name: a, run: "true"}]
`,
			fields: []string{"jobs.build.executor.type", "jobs.other.executor.pull"},
		},
		{
			name: "two actions in one step",
			doc: `
jobs:
  build:
    executor: {type: local}
    steps:
      - name: both
        checkout: {}
        clone: {url: https://example.com/x.git}
`,
			fields: []string{"jobs.build.steps[0]"},
		},
		{
			name: "bad built-in fields",
			doc: `
jobs:
  build:
    executor: {type: local}
    steps:
      - name: deps
        dependencies: {manager: poetry}
      - name: pkgs
        packages: {manager: yum, names: []}
      - name: clone
        clone: {url: ""}
      - name: conda user
        dependencies: {manager: conda, user: true}
`,
			fields: []string{
				"jobs.build.steps[0].dependencies.manager",
				"jobs.build.steps[1].packages.manager",
				"jobs.build.steps[1].packages.names",
				"jobs.build.steps[2].clone.url",
				"jobs.build.steps[3].dependencies.user",
			},
		},
		{
			name: "package name with shell metacharacters",
			doc: `
jobs:
  build:
    executor: {type: local}
    steps:
      - name: pkgs
        packages: {names: ["gfortran; rm -rf /"]}
`,
			fields: []string{"jobs.build.steps[0].packages.names"},
		},
		{
			name: "negative timeouts and bad shell",
			doc: `
jobs:
  build:
    executor: {type: local}
    timeout-minutes: -1
    steps:
      - name: a
        run: "true"
        shell: zsh
        timeout-minutes: -5
`,
			fields: []string{
				"jobs.build.timeout-minutes",
				"jobs.build.steps[0].shell",
				"jobs.build.steps[0].timeout-minutes",
			},
		},
		{
			name: "PATH through env-append",
			doc: `
jobs:
  build:
    executor: {type: local}
    steps:
      - name: a
        run: "true"
        env-append: {PATH: /opt/bin}
`,
			fields: []string{"jobs.build.steps[0].env-append"},
		},
		{
			name: "workspace with separator",
			doc: `
jobs:
  build:
    executor: {type: local}
    workspace: a/b
    steps: [{name: a, run: "true"}]
`,
			fields: []string{"jobs.build.workspace"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf, err := Parse([]byte(tt.doc), ".yml")
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.fields, fieldsOf(Validate(wf)))
		})
	}
}

func TestWorkflow_Job(t *testing.T) {
	wf, err := Parse([]byte(`
name: two
jobs:
  lint: {executor: {type: local}, steps: [{name: a, run: "true"}]}
  test: {executor: {type: local}, steps: [{name: a, run: "true"}]}
`), ".yaml")
	require.NoError(t, err)

	assert.Equal(t, []string{"lint", "test"}, wf.JobIDs())

	_, err = wf.Job("")
	assert.Error(t, err, "ambiguous without an id")

	job, err := wf.Job("test")
	require.NoError(t, err)
	assert.Equal(t, "test", job.DisplayName())

	_, err = wf.Job("deploy")
	assert.Error(t, err)
}

func TestFind(t *testing.T) {
	root := t.TempDir()

	_, err := Find(root)
	var cliErr *model.CLIError
	require.True(t, errors.As(err, &cliErr))
	assert.Equal(t, model.ExitWorkflowNotFound, cliErr.Code)

	require.NoError(t, os.WriteFile(filepath.Join(root, "pipeline.yml"), []byte("name: x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".pipeline"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".pipeline", "workflow.yml"), []byte("name: y"), 0o644))

	found, err := Find(root)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, ".pipeline", "workflow.yml"), found, ".pipeline takes precedence")
}

func TestWriteStarter(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".pipeline", "workflow.yml")

	require.NoError(t, WriteStarter(path, false))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "build-and-test"))

	err = WriteStarter(path, false)
	assert.Error(t, err, "existing file is kept without force")
	assert.NoError(t, WriteStarter(path, true))
}

func TestPackagesSpec_ShouldUpdate(t *testing.T) {
	off := false
	assert.True(t, (&PackagesSpec{}).ShouldUpdate())
	assert.False(t, (&PackagesSpec{Update: &off}).ShouldUpdate())
}
