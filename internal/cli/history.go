package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/pipeline-runner/internal/history"
	"github.com/shinji-kodama/pipeline-runner/internal/model"
)

// historyFlags holds the flag values for the history command.
type historyFlags struct {
	path  string
	job   string
	limit int
}

// NewHistoryCommand creates the "history" cobra command.
func NewHistoryCommand() *cobra.Command {
	flags := &historyFlags{}

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show recorded run outcomes",
		Long: `List recorded job runs, newest first. With a run id, show that run's steps.

History is an audit trail only; it never influences a run.

Examples:
  pipeline-runner history
  pipeline-runner history --job build-and-test --limit 5
  pipeline-runner history 3f2b6c1e-8d7a-4c4e-9a51-0d2c3b1e6f00`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd.Context(), cmd.OutOrStdout(), args, flags)
		},
	}

	cmd.Flags().StringVar(&flags.path, "history", envOr("PIPELINE_RUNNER_HISTORY", defaultHistoryPath()), "Run history database")
	cmd.Flags().StringVar(&flags.job, "job", "", "Only show runs of this job")
	cmd.Flags().IntVar(&flags.limit, "limit", history.DefaultLimit, "Maximum number of runs to show")
	return cmd
}

func runHistory(ctx context.Context, w io.Writer, args []string, flags *historyFlags) error {
	if flags.path == "" {
		return model.NewCLIError(model.ExitGeneralError, "no history database configured (use --history)")
	}
	if flags.limit < 0 {
		return model.NewCLIError(model.ExitGeneralError, fmt.Sprintf("invalid --limit %d", flags.limit))
	}

	store, err := history.Open(flags.path)
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to open run history", err)
	}
	defer store.Close()

	if len(args) == 1 {
		run, err := store.Get(ctx, args[0])
		if errors.Is(err, history.ErrRunNotFound) {
			return model.NewCLIError(model.ExitGeneralError, fmt.Sprintf("run %q not found in history", args[0]))
		}
		if err != nil {
			return model.WrapCLIError(model.ExitGeneralError, "failed to read run history", err)
		}
		if IsJSONOutput() {
			return printJSON(w, run)
		}
		printJobResult(w, run)
		return nil
	}

	runs, err := store.List(ctx, history.Filter{Job: flags.job, Limit: flags.limit})
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to read run history", err)
	}
	if IsJSONOutput() {
		return printJSON(w, runs)
	}
	printHistoryTable(w, runs)
	return nil
}

func printHistoryTable(w io.Writer, runs []model.JobResult) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}
	fmt.Fprintf(w, "%-12s  %-20s  %-10s  %-19s  %-9s  %s\n", "RUN", "JOB", "STATUS", "STARTED", "DURATION", "COMMIT")
	for _, r := range runs {
		commit := r.Commit
		if len(commit) > 7 {
			commit = commit[:7]
		}
		fmt.Fprintf(w, "%-12s  %-20s  %-10s  %-19s  %-9s  %s\n",
			shortID(r.RunID), r.Job, r.Status, r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			formatDuration(r.Duration()), orDash(commit))
	}
}
