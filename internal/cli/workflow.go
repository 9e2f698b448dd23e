package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/pipeline-runner/internal/model"
	"github.com/shinji-kodama/pipeline-runner/internal/workflow"
)

// workflowFlags locate the workflow file. Shared by run, validate and steps.
type workflowFlags struct {
	file string // -f/--workflow: explicit workflow path
	repo string // --repo: repository directory searched for a workflow
}

func (f *workflowFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.file, "workflow", "f", "", "Workflow file (default: discovered in the repository)")
	cmd.Flags().StringVar(&f.repo, "repo", ".", "Repository directory")
}

// load finds, parses and validates the workflow.
func (f *workflowFlags) load() (*workflow.Workflow, error) {
	path := f.file
	if path == "" {
		root, err := filepath.Abs(f.repo)
		if err != nil {
			return nil, model.WrapCLIError(model.ExitGeneralError, "failed to resolve repository path", err)
		}
		path, err = workflow.Find(root)
		if err != nil {
			return nil, err
		}
	}
	return workflow.Load(path)
}

// selectJob picks the job named by args, or the only job when args is
// empty.
func selectJob(wf *workflow.Workflow, args []string) (*workflow.Job, error) {
	id := ""
	if len(args) > 0 {
		id = args[0]
	}
	job, err := wf.Job(id)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitJobNotFound, "cannot select job", err)
	}
	return job, nil
}

// envOr returns the value of the environment variable key, or fallback
// when it is unset or empty. Used for flag defaults.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// defaultHistoryPath is where run history is kept unless configured.
// Empty when no per-user state directory can be determined.
func defaultHistoryPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "pipeline-runner", "history.db")
}

// shortID abbreviates container and run ids for tables.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// orDash renders empty table cells.
func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// formatDuration renders durations for tables, rounded for readability.
func formatDuration(d time.Duration) string {
	s := d.Seconds()
	switch {
	case s <= 0:
		return "-"
	case s < 60:
		return fmt.Sprintf("%.1fs", s)
	default:
		return fmt.Sprintf("%dm%02ds", int(s)/60, int(s)%60)
	}
}
