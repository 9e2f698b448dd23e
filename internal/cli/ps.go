// ps.go implements the "pipeline-runner ps" command.
//
// Executor containers are removed when a job ends unless --keep was given.
// Containers left behind (kept on purpose, or after the runner was killed)
// are found through the "pipeline.managed-by=pipeline-runner" label.
package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/pipeline-runner/internal/docker"
	"github.com/shinji-kodama/pipeline-runner/internal/model"
)

// containerRow is one executor container as shown by ps and clean.
type containerRow struct {
	ContainerID   string    `json:"containerId"`
	ContainerName string    `json:"containerName"`
	Image         string    `json:"image"`
	Status        string    `json:"status"`
	RunID         string    `json:"runId"`
	Job           string    `json:"job"`
	Workflow      string    `json:"workflow"`
	RunRoot       string    `json:"runRoot,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// NewPsCommand creates the "ps" cobra command.
func NewPsCommand() *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   "ps",
		Short: "List executor containers left behind by earlier runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := listExecutorContainers(cmd.Context(), runID)
			if err != nil {
				return err
			}
			if IsJSONOutput() {
				return printJSON(cmd.OutOrStdout(), rows)
			}
			printContainerTable(cmd.OutOrStdout(), rows)
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "Only show the container of this run id")
	return cmd
}

// connectDocker creates a client and checks that the daemon answers.
func connectDocker(ctx context.Context) (*docker.Client, error) {
	cli, err := docker.NewClient()
	if err != nil {
		return nil, err
	}
	if err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, err
	}
	return cli, nil
}

// listExecutorContainers queries Docker for managed containers.
func listExecutorContainers(ctx context.Context, runID string) ([]containerRow, error) {
	cli, err := connectDocker(ctx)
	if err != nil {
		return nil, err
	}
	defer cli.Close()

	infos, err := docker.ListManagedContainers(ctx, cli, runID)
	if err != nil {
		return nil, err
	}
	return toContainerRows(infos), nil
}

// toContainerRows decodes run labels and orders rows oldest first.
// Containers with unreadable labels are still listed so clean can
// remove them.
func toContainerRows(infos []model.ContainerInfo) []containerRow {
	rows := make([]containerRow, 0, len(infos))
	for _, info := range infos {
		row := containerRow{
			ContainerID:   info.ContainerID,
			ContainerName: info.ContainerName,
			Image:         info.Image,
			Status:        info.Status,
		}
		if meta, err := docker.ParseLabels(info.Labels); err == nil {
			row.RunID = meta.RunID
			row.Job = meta.Job
			row.Workflow = meta.Workflow
			row.RunRoot = meta.RunRoot
			row.CreatedAt = meta.CreatedAt
		}
		rows = append(rows, row)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})
	return rows
}

func printContainerTable(w io.Writer, rows []containerRow) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No executor containers found.")
		return
	}
	fmt.Fprintf(w, "%-12s  %-20s  %-12s  %-10s  %-20s  %s\n", "CONTAINER", "JOB", "RUN", "STATUS", "CREATED", "IMAGE")
	for _, r := range rows {
		created := "-"
		if !r.CreatedAt.IsZero() {
			created = r.CreatedAt.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%-12s  %-20s  %-12s  %-10s  %-20s  %s\n",
			shortID(r.ContainerID), orDash(r.Job), orDash(shortID(r.RunID)), r.Status, created, r.Image)
	}
}
