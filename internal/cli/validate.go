package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/pipeline-runner/internal/workflow"
)

// validateSummary is the JSON output of the validate command.
type validateSummary struct {
	Path  string         `json:"path"`
	Name  string         `json:"name"`
	Valid bool           `json:"valid"`
	Jobs  map[string]int `json:"jobs"`
}

// NewValidateCommand creates the "validate" cobra command.
func NewValidateCommand() *cobra.Command {
	flags := &workflowFlags{}

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check that the workflow file parses and is well-formed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := flags.load()
			if err != nil {
				return err
			}
			return printValidate(cmd.OutOrStdout(), wf)
		},
	}

	flags.register(cmd)
	return cmd
}

func printValidate(w io.Writer, wf *workflow.Workflow) error {
	summary := validateSummary{Path: wf.Path, Name: wf.Name, Valid: true, Jobs: map[string]int{}}
	for id, job := range wf.Jobs {
		summary.Jobs[id] = len(job.Steps)
	}

	if IsJSONOutput() {
		return printJSON(w, summary)
	}

	fmt.Fprintf(w, "%s: valid\n", wf.Path)
	for _, id := range wf.JobIDs() {
		fmt.Fprintf(w, "  %s (%d steps)\n", id, summary.Jobs[id])
	}
	return nil
}
