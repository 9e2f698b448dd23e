// run.go implements the "pipeline-runner run" command.
//
// Orchestration steps:
//  1. Load and validate the workflow, select the job
//  2. Inspect the triggering repository (commit and branch)
//  3. Prepare the run root and choose the executor
//  4. Run the job's steps fail-fast
//  5. Write the report, metrics textfile and history record
//  6. Print the result and map it to the exit code
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/shinji-kodama/pipeline-runner/internal/devcontainer"
	"github.com/shinji-kodama/pipeline-runner/internal/docker"
	"github.com/shinji-kodama/pipeline-runner/internal/executor"
	"github.com/shinji-kodama/pipeline-runner/internal/gitrepo"
	"github.com/shinji-kodama/pipeline-runner/internal/history"
	"github.com/shinji-kodama/pipeline-runner/internal/logging"
	"github.com/shinji-kodama/pipeline-runner/internal/metrics"
	"github.com/shinji-kodama/pipeline-runner/internal/model"
	"github.com/shinji-kodama/pipeline-runner/internal/pipeline"
	"github.com/shinji-kodama/pipeline-runner/internal/workflow"
)

// runFlags holds the flag values for the run command.
type runFlags struct {
	workflowFlags

	executor    string        // --executor: override the job's executor type
	image       string        // --image: override the docker image
	root        string        // --root: run root directory (default: fresh temp dir)
	keep        bool          // --keep: keep the run root and executor container
	timeout     time.Duration // --timeout: job timeout, overrides timeout-minutes
	envFiles    []string      // --env-file: dotenv files merged into the job env
	report      string        // --report: write the JSON job result here
	metricsFile string        // --metrics-file: write a Prometheus textfile here
	historyPath string        // --history: run history database
	noHistory   bool          // --no-history: do not record the run
}

// NewRunCommand creates the "run" cobra command.
func NewRunCommand() *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run [job]",
		Short: "Run a job's steps in order, stopping at the first failure",
		Long: `Run one job of the workflow on a fresh executor.

The job may be omitted when the workflow has a single job. The exit code is
0 only if every step exited zero.

Examples:
  pipeline-runner run
  pipeline-runner run build-and-test
  pipeline-runner run --executor local --keep
  pipeline-runner run --report result.json --metrics-file /var/lib/node_exporter/pipeline.prom`,

		Args: cobra.MaximumNArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), args, flags)
		},
	}

	flags.workflowFlags.register(cmd)
	cmd.Flags().StringVar(&flags.executor, "executor", envOr("PIPELINE_RUNNER_EXECUTOR", ""), "Executor type: local or docker (default: from the workflow)")
	cmd.Flags().StringVar(&flags.image, "image", envOr("PIPELINE_RUNNER_IMAGE", ""), "Docker image (default: from the workflow)")
	cmd.Flags().StringVar(&flags.root, "root", "", "Run root directory; must be empty (default: a new temporary directory)")
	cmd.Flags().BoolVar(&flags.keep, "keep", false, "Keep the run root and executor container after the job (a container whose step was cancelled or timed out is kept stopped)")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 0, "Job timeout, e.g. 90m (default: timeout-minutes)")
	cmd.Flags().StringArrayVar(&flags.envFiles, "env-file", nil, "Dotenv file merged into the job environment (repeatable)")
	cmd.Flags().StringVar(&flags.report, "report", "", "Write the job result as JSON to this file")
	cmd.Flags().StringVar(&flags.metricsFile, "metrics-file", "", "Write Prometheus metrics in textfile format to this file")
	cmd.Flags().StringVar(&flags.historyPath, "history", envOr("PIPELINE_RUNNER_HISTORY", defaultHistoryPath()), "Run history database")
	cmd.Flags().BoolVar(&flags.noHistory, "no-history", false, "Do not record the run in the history database")

	return cmd
}

// runRun is the main orchestration function for the run command.
func runRun(ctx context.Context, stdout, stderr io.Writer, args []string, flags *runFlags) error {
	logger := logging.FromContext(ctx)

	// Step 1: Load the workflow and select the job.
	wf, err := flags.load()
	if err != nil {
		return err
	}
	job, err := selectJob(wf, args)
	if err != nil {
		return err
	}
	logger.DebugContext(ctx, "workflow loaded", logging.Path(wf.Path), logging.Job(job.ID))

	// Step 2: Identify the triggering repository state.
	source, repoName, err := inspectSource(ctx, flags.repo, job)
	if err != nil {
		return err
	}

	extraEnv, err := readEnvFiles(flags.envFiles)
	if err != nil {
		return err
	}

	// Step 3: Prepare the run root and the executor.
	root, removeRoot, err := prepareRunRoot(flags.root)
	if err != nil {
		return err
	}
	defer func() {
		if flags.keep {
			logger.InfoContext(ctx, "keeping run root", logging.Path(root))
			return
		}
		if err := removeRoot(); err != nil {
			logger.WarnContext(ctx, "failed to remove run root", logging.Path(root), logging.Error(err))
		}
	}()

	runID := pipeline.NewRunID()
	workspace := workspaceName(job, repoName)
	repoRoot := source.Repository
	if repoRoot == "" {
		repoRoot = flags.repo
	}
	exec, closeExec, err := newExecutor(job, flags, runID, wf.Name, repoRoot, root, workspace)
	if err != nil {
		return err
	}
	defer closeExec()

	var recorder metrics.Recorder = metrics.NoopRecorder{}
	var prom *metrics.PrometheusRecorder
	if flags.metricsFile != "" {
		prom = metrics.NewPrometheusRecorder(nil)
		recorder = prom
	}

	// Step 4: Run the job. In JSON mode stdout is reserved for the result.
	stepOut := stdout
	if IsJSONOutput() {
		stepOut = stderr
	}
	runner := pipeline.NewRunner(pipeline.Options{
		RunID:    runID,
		Executor: exec,
		Recorder: recorder,
		Source:   source,
		Env:      extraEnv,
		Timeout:  flags.timeout,
		Stdout:   stepOut,
		Stderr:   stderr,
	})
	result, runErr := runner.Run(ctx, wf, job)

	// Step 5: Persist the outcome. Failures here are logged, not fatal:
	// the job result stands on its own.
	if flags.report != "" {
		if err := writeReport(flags.report, result); err != nil {
			logger.WarnContext(ctx, "failed to write report", logging.Path(flags.report), logging.Error(err))
		}
	}
	if prom != nil {
		if err := prom.WriteTextfile(flags.metricsFile); err != nil {
			logger.WarnContext(ctx, "failed to write metrics", logging.Path(flags.metricsFile), logging.Error(err))
		}
	}
	if !flags.noHistory && flags.historyPath != "" {
		if err := recordHistory(ctx, flags.historyPath, result); err != nil {
			logger.WarnContext(ctx, "failed to record run history", logging.Path(flags.historyPath), logging.Error(err))
		}
	}

	// Step 6: Report.
	if runErr != nil {
		return runErr
	}
	if IsJSONOutput() {
		if err := printJSON(stdout, result); err != nil {
			return err
		}
	} else {
		printJobResult(stdout, result)
	}
	if !result.Succeeded() {
		msg := fmt.Sprintf("job %q failed", job.ID)
		if failed := result.FailedStep(); failed != nil {
			msg = fmt.Sprintf("job %q failed at step %d %q: %s", job.ID, failed.Index, failed.Name, failed.Error)
		}
		return model.NewCLIError(model.ExitJobFailed, msg)
	}
	return nil
}

// needsSource reports whether a step checks out the triggering repository.
func needsSource(job *workflow.Job) bool {
	for _, step := range job.Steps {
		if step.Checkout != nil && step.Checkout.Repository == "" {
			return true
		}
	}
	return false
}

// inspectSource reads the triggering repository's root, commit and branch.
// A repository is only required when a step checks it out.
func inspectSource(ctx context.Context, repo string, job *workflow.Job) (pipeline.Source, string, error) {
	info, err := gitrepo.Inspect(repo)
	if err != nil {
		if needsSource(job) {
			return pipeline.Source{}, "", err
		}
		logging.FromContext(ctx).DebugContext(ctx, "no triggering repository", logging.Error(err))
		return pipeline.Source{}, "", nil
	}
	return pipeline.Source{Repository: info.Root, Commit: info.Commit, Branch: info.Branch}, info.Name(), nil
}

// workspaceName picks the checkout directory name: the job's workspace,
// else the triggering repository's name, else the job id.
func workspaceName(job *workflow.Job, repoName string) string {
	switch {
	case job.Workspace != "":
		return job.Workspace
	case repoName != "":
		return repoName
	default:
		return job.ID
	}
}

// readEnvFiles merges dotenv files, later files overriding earlier ones.
func readEnvFiles(paths []string) (map[string]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	env, err := godotenv.Read(paths...)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitGeneralError, "failed to read --env-file", err)
	}
	return env, nil
}

// prepareRunRoot returns an absolute, empty run root and a function that
// removes it. A user-supplied root must be empty so that no state from an
// earlier run leaks in.
func prepareRunRoot(dir string) (string, func() error, error) {
	if dir == "" {
		tmp, err := os.MkdirTemp("", "pipeline-run-")
		if err != nil {
			return "", nil, model.WrapCLIError(model.ExitGeneralError, "failed to create run root", err)
		}
		return tmp, func() error { return os.RemoveAll(tmp) }, nil
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", nil, model.WrapCLIError(model.ExitGeneralError, "failed to resolve --root", err)
	}
	entries, err := os.ReadDir(abs)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return "", nil, model.WrapCLIError(model.ExitGeneralError, "failed to create run root", err)
		}
	case err != nil:
		return "", nil, model.WrapCLIError(model.ExitGeneralError, "failed to read --root", err)
	case len(entries) > 0:
		return "", nil, model.NewCLIError(model.ExitGeneralError,
			fmt.Sprintf("run root %s is not empty; every run starts from scratch", abs))
	}
	return abs, func() error { return os.RemoveAll(abs) }, nil
}

// newExecutor creates the executor for job, honoring --executor and
// --image. The returned close function releases the Docker client.
func newExecutor(job *workflow.Job, flags *runFlags, runID, workflowName, repoRoot, root, workspace string) (executor.Executor, func(), error) {
	kind := job.Executor.Type
	if flags.executor != "" {
		kind = flags.executor
	}

	switch kind {
	case executor.TypeLocal:
		return executor.NewLocal(root, workspace), func() {}, nil

	case executor.TypeDocker:
		image := job.Executor.Image
		if flags.image != "" {
			image = flags.image
		}
		switch image {
		case "":
			image = workflow.DefaultImage
		case workflow.ImageDevContainer:
			resolved, err := devcontainer.ResolveImage(repoRoot)
			if err != nil {
				return nil, nil, err
			}
			image = resolved
		}
		cli, err := docker.NewClient()
		if err != nil {
			return nil, nil, err
		}
		exec := executor.NewDocker(cli, executor.DockerOptions{
			Image:     image,
			Pull:      job.Executor.Pull,
			HostRoot:  root,
			Workspace: workspace,
			Keep:      flags.keep,
			Labels: docker.RunLabels{
				RunID:     runID,
				Job:       job.ID,
				Workflow:  workflowName,
				RunRoot:   root,
				CreatedAt: time.Now(),
			},
		})
		return exec, func() { _ = cli.Close() }, nil

	default:
		return nil, nil, model.NewCLIError(model.ExitGeneralError,
			fmt.Sprintf("unknown executor %q (valid: local, docker)", kind))
	}
}

// writeReport writes the job result as JSON.
func writeReport(path string, result *model.JobResult) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := printJSON(f, result); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// recordHistory appends the result to the history database.
func recordHistory(ctx context.Context, path string, result *model.JobResult) error {
	store, err := history.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Record(ctx, result)
}

// printJobResult prints a per-step summary of a finished job.
//
//	Job build-and-test failed in 2m03s (run 3f2b6c1e-8d7)
//	  #  STEP                            STATUS      DURATION  DETAIL
//	  1  Checkout                        succeeded   0.8s
//	  2  Build PyNE                      failed      1m58s     exit status 1
//	  3  Test transition-scenarios       skipped     -
func printJobResult(w io.Writer, result *model.JobResult) {
	fmt.Fprintf(w, "Job %s %s in %s (run %s)\n", result.Job, result.Status, formatDuration(result.Duration()), shortID(result.RunID))
	fmt.Fprintf(w, "  %-2s %-32s %-11s %-9s %s\n", "#", "STEP", "STATUS", "DURATION", "DETAIL")
	for _, step := range result.Steps {
		fmt.Fprintf(w, "  %-2d %-32s %-11s %-9s %s\n",
			step.Index, step.Name, step.Status, formatDuration(step.Duration()), step.Error)
	}
}
