package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/pipeline-runner/internal/model"
	"github.com/shinji-kodama/pipeline-runner/internal/workflow"
)

// NewInitCommand creates the "init" cobra command.
func NewInitCommand() *cobra.Command {
	var (
		repo  string
		path  string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the starter build-and-test workflow into a repository",
		Long: `Write the starter workflow to .pipeline/workflow.yml.

The starter job checks out the repository, installs its Python dependencies,
installs the OS build packages, builds PyNE from source and runs pytest in
scripts/tests.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			target := path
			if target == "" {
				target = filepath.Join(repo, workflow.DefaultPaths[0])
			}
			if err := workflow.WriteStarter(target, force); err != nil {
				return model.WrapCLIError(model.ExitGeneralError, "failed to write workflow", err)
			}

			if IsJSONOutput() {
				return printJSON(cmd.OutOrStdout(), map[string]string{"path": target})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", target)
			return nil
		},
	}

	cmd.Flags().StringVar(&repo, "repo", ".", "Repository directory")
	cmd.Flags().StringVarP(&path, "output", "o", "", "Write to this path instead of .pipeline/workflow.yml")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing workflow file")
	return cmd
}
