package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/pipeline-runner/internal/pipeline"
)

// NewStepsCommand creates the "steps" cobra command.
func NewStepsCommand() *cobra.Command {
	flags := &workflowFlags{}

	cmd := &cobra.Command{
		Use:   "steps [job]",
		Short: "Print the ordered step plan of a job without running it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := flags.load()
			if err != nil {
				return err
			}
			job, err := selectJob(wf, args)
			if err != nil {
				return err
			}

			plans := pipeline.Describe(job)
			if IsJSONOutput() {
				return printJSON(cmd.OutOrStdout(), plans)
			}
			printStepPlans(cmd.OutOrStdout(), job.DisplayName(), plans)
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}

// printStepPlans prints one block per step. Multi-line commands are
// indented under their step.
func printStepPlans(w io.Writer, job string, plans []pipeline.StepPlan) {
	fmt.Fprintf(w, "Job %s (%d steps)\n", job, len(plans))
	for _, p := range plans {
		fmt.Fprintf(w, "\n%d. %s [%s] in %s\n", p.Index, p.Name, p.Action, p.WorkingDirectory)
		for _, line := range strings.Split(strings.TrimRight(p.Command, "\n"), "\n") {
			fmt.Fprintf(w, "     %s\n", line)
		}
	}
}
