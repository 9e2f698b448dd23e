package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/shinji-kodama/pipeline-runner/internal/model"
)

// DefaultPaths are the locations searched, relative to the repository
// root, when no workflow file is given explicitly.
var DefaultPaths = []string{
	".pipeline/workflow.yml",
	".pipeline/workflow.yaml",
	".github/workflows/test.yml",
	"pipeline.yml",
	"pipeline.json",
}

// Find returns the first workflow file under root from DefaultPaths.
//
// Returns a CLIError with ExitWorkflowNotFound if none exists.
func Find(root string) (string, error) {
	for _, rel := range DefaultPaths {
		candidate := filepath.Join(root, rel)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", model.NewCLIError(
		model.ExitWorkflowNotFound,
		fmt.Sprintf("no workflow file found under %s (looked for %s)", root, strings.Join(DefaultPaths, ", ")),
	)
}

// Load reads, decodes, defaults and validates a workflow file.
//
// Returns a CLIError with ExitWorkflowNotFound when the file does not exist
// and ExitInvalidWorkflow when it cannot be decoded or fails validation.
func Load(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, model.WrapCLIError(
				model.ExitWorkflowNotFound,
				fmt.Sprintf("workflow file not found: %s", path),
				err,
			)
		}
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}

	wf, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, model.WrapCLIError(
			model.ExitInvalidWorkflow,
			fmt.Sprintf("failed to parse workflow %s", path),
			err,
		)
	}
	wf.Path = path

	if errs := Validate(wf); len(errs) > 0 {
		return nil, model.WrapCLIError(
			model.ExitInvalidWorkflow,
			fmt.Sprintf("workflow %s is invalid", path),
			joinValidationErrors(errs),
		)
	}
	return wf, nil
}

// Parse decodes a workflow document and applies defaults. ext selects the
// dialect: ".json" and ".jsonc" are treated as JSON with comments, anything
// else as YAML. Unknown fields are rejected so that typos surface early.
func Parse(data []byte, ext string) (*Workflow, error) {
	switch strings.ToLower(ext) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var wf Workflow
	if err := dec.Decode(&wf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("workflow document is empty")
		}
		return nil, err
	}

	applyDefaults(&wf)
	return &wf, nil
}

// applyDefaults fills in executor defaults and job ids.
func applyDefaults(wf *Workflow) {
	for id, job := range wf.Jobs {
		if job == nil {
			continue
		}
		job.ID = id
		if job.Executor.Type == "" {
			job.Executor.Type = ExecutorDocker
		}
		if job.Executor.Type == ExecutorDocker {
			if job.Executor.Image == "" {
				job.Executor.Image = DefaultImage
			}
			if job.Executor.Pull == "" {
				job.Executor.Pull = PullMissing
			}
		}
		for _, step := range job.Steps {
			if step == nil {
				continue
			}
			if step.Shell == "" {
				step.Shell = "bash"
			}
			if step.Packages != nil && step.Packages.Manager == "" {
				step.Packages.Manager = PackageManagerApt
			}
		}
	}
}
