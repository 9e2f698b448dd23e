// clean.go implements the "pipeline-runner clean" command, which removes
// the executor containers listed by "ps". Run roots on the host are left
// alone; their paths are printed so they can be inspected or deleted.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/pipeline-runner/internal/docker"
	"github.com/shinji-kodama/pipeline-runner/internal/logging"
	"github.com/shinji-kodama/pipeline-runner/internal/model"
)

// cleanFlags holds the flag values for the clean command.
type cleanFlags struct {
	force bool   // --force: skip the confirmation prompt
	runID string // --run: only remove this run's container
}

// NewCleanCommand creates the "clean" cobra command.
func NewCleanCommand() *cobra.Command {
	flags := &cleanFlags{}

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove executor containers left behind by earlier runs",
		Long: `Force-remove every container labelled as a pipeline-runner executor.

Unless --force is specified, the command prompts for confirmation.

Examples:
  pipeline-runner clean
  pipeline-runner clean --force
  pipeline-runner clean --run 3f2b6c1e-8d7a-4c4e-9a51-0d2c3b1e6f00`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClean(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), flags)
		},
	}

	cmd.Flags().BoolVar(&flags.force, "force", false, "Remove without confirmation")
	cmd.Flags().StringVar(&flags.runID, "run", "", "Only remove the container of this run id")
	return cmd
}

// cleanResult is the JSON output of the clean command.
type cleanResult struct {
	Removed []containerRow `json:"removed"`
	Failed  []string       `json:"failed,omitempty"`
}

func runClean(ctx context.Context, in io.Reader, out io.Writer, flags *cleanFlags) error {
	logger := logging.FromContext(ctx)

	// Step 1: Find managed containers.
	cli, err := connectDocker(ctx)
	if err != nil {
		return err
	}
	defer cli.Close()

	infos, err := docker.ListManagedContainers(ctx, cli, flags.runID)
	if err != nil {
		return err
	}
	rows := toContainerRows(infos)
	if len(rows) == 0 {
		if IsJSONOutput() {
			return printJSON(out, cleanResult{Removed: []containerRow{}})
		}
		fmt.Fprintln(out, "No executor containers found.")
		return nil
	}

	// Step 2: Confirm.
	if !flags.force {
		printContainerTable(out, rows)
		confirmed, err := promptConfirmation(in, out, len(rows))
		if err != nil {
			return err
		}
		if !confirmed {
			return model.NewCLIError(model.ExitGeneralError, "operation cancelled by user")
		}
	}

	// Step 3: Remove each container, continuing past failures.
	result := cleanResult{Removed: []containerRow{}}
	for _, row := range rows {
		if err := docker.RemoveContainer(ctx, cli, row.ContainerID, true); err != nil {
			logger.WarnContext(ctx, "failed to remove container", logging.Container(row.ContainerName), logging.Error(err))
			result.Failed = append(result.Failed, row.ContainerID)
			continue
		}
		logger.DebugContext(ctx, "removed container", logging.Container(row.ContainerName), logging.RunID(row.RunID))
		result.Removed = append(result.Removed, row)
	}

	// Step 4: Report.
	if IsJSONOutput() {
		if err := printJSON(out, result); err != nil {
			return err
		}
	} else {
		for _, row := range result.Removed {
			fmt.Fprintf(out, "Removed %s (job %s, run %s)\n", row.ContainerName, orDash(row.Job), orDash(shortID(row.RunID)))
			if row.RunRoot != "" {
				fmt.Fprintf(out, "  run root left at %s\n", row.RunRoot)
			}
		}
	}
	if len(result.Failed) > 0 {
		return model.NewCLIError(model.ExitDockerNotRunning,
			fmt.Sprintf("failed to remove %d of %d containers", len(result.Failed), len(rows)))
	}
	return nil
}

// promptConfirmation asks the user to confirm the removal. Anything other
// than "y" or "yes" declines.
func promptConfirmation(in io.Reader, out io.Writer, count int) (bool, error) {
	fmt.Fprintf(out, "\nRemove %d container(s)? [y/N] ", count)

	scanner := bufio.NewScanner(in)
	if scanner.Scan() {
		answer := strings.TrimSpace(strings.ToLower(scanner.Text()))
		return answer == "y" || answer == "yes", nil
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("failed to read confirmation: %w", err)
	}
	return false, nil
}
