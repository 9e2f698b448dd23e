package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shinji-kodama/pipeline-runner/internal/executor"
	"github.com/shinji-kodama/pipeline-runner/internal/gitrepo"
	"github.com/shinji-kodama/pipeline-runner/internal/logging"
	"github.com/shinji-kodama/pipeline-runner/internal/metrics"
	"github.com/shinji-kodama/pipeline-runner/internal/model"
	"github.com/shinji-kodama/pipeline-runner/internal/workflow"
)

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// Source identifies the repository state that triggered the job. The
// checkout step clones Repository and pins Commit.
type Source struct {
	// Repository is a local path or URL.
	Repository string

	Commit string
	Branch string
}

// Options configures a Runner.
type Options struct {
	// RunID identifies the run. Empty generates one.
	RunID string

	Executor executor.Executor

	// Recorder receives metrics. Nil means metrics.NoopRecorder.
	Recorder metrics.Recorder

	Source Source

	// Env is applied on top of the workflow and job env, e.g. from an
	// --env-file.
	Env map[string]string

	// Timeout overrides the job's timeout-minutes when positive.
	Timeout time.Duration

	// Stdout and Stderr receive step output. Nil discards it.
	Stdout io.Writer
	Stderr io.Writer

	// Now is the clock. Nil means time.Now.
	Now func() time.Time
}

// Runner executes jobs.
type Runner struct {
	opts     Options
	recorder metrics.Recorder
	now      func() time.Time
}

// NewRunner returns a Runner for opts.
func NewRunner(opts Options) *Runner {
	r := &Runner{opts: opts, recorder: opts.Recorder, now: opts.Now}
	if r.recorder == nil {
		r.recorder = metrics.NoopRecorder{}
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.opts.RunID == "" {
		r.opts.RunID = NewRunID()
	}
	if r.opts.Stdout == nil {
		r.opts.Stdout = io.Discard
	}
	if r.opts.Stderr == nil {
		r.opts.Stderr = io.Discard
	}
	return r
}

// RunID returns the identifier of the runs this Runner performs.
func (r *Runner) RunID() string {
	return r.opts.RunID
}

// jobState is the transient state of one job run.
type jobState struct {
	wf     *workflow.Workflow
	job    *workflow.Job
	layout executor.Layout
	env    *Env
	logger *slog.Logger
}

// Run executes job from wf and returns its result.
//
// A failed step is not an error: the result's status reports it. The
// returned error is non-nil only when the executor could not be prepared;
// the result is then failed with every step skipped.
func (r *Runner) Run(ctx context.Context, wf *workflow.Workflow, job *workflow.Job) (*model.JobResult, error) {
	exec := r.opts.Executor
	result := model.NewJobResult(r.opts.RunID, wf.Name, job.ID, exec.Name(), job.StepNames(), r.now())
	result.Commit = r.opts.Source.Commit
	result.Branch = r.opts.Source.Branch

	logger := logging.FromContext(ctx).With(
		logging.RunID(r.opts.RunID),
		logging.Job(job.ID),
	)
	ctx = logging.WithLogger(ctx, logger)

	timeout := job.Timeout()
	if r.opts.Timeout > 0 {
		timeout = r.opts.Timeout
	}
	jobCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	logger.InfoContext(ctx, "job started",
		logging.Workflow(wf.Name),
		logging.Executor(exec.Name()),
		"steps", len(job.Steps),
	)

	// Step 1: Provision the machine. Cleanup must run even when the job
	// context has expired.
	defer func() {
		if err := exec.Cleanup(context.WithoutCancel(ctx)); err != nil {
			logger.WarnContext(ctx, "executor cleanup failed", logging.Error(err))
		}
	}()
	if err := exec.Prepare(jobCtx); err != nil {
		logger.ErrorContext(ctx, "executor setup failed", logging.Error(err))
		r.skipFrom(result, job, 0)
		r.finish(ctx, result, model.JobFailed)
		return result, err
	}

	// Step 2: Build the job environment.
	state := &jobState{wf: wf, job: job, layout: exec.Layout(), logger: logger}
	state.env = r.jobEnv(state, exec.Environ())

	// Step 3: Run the steps in order, stopping at the first failure.
	for i, step := range job.Steps {
		if !r.runStep(ctx, jobCtx, state, result, i, step) {
			r.skipFrom(result, job, i+1)
			r.finish(ctx, result, model.JobFailed)
			return result, nil
		}
	}

	r.finish(ctx, result, model.JobSucceeded)
	return result, nil
}

// jobEnv builds the environment shared by all steps of the job.
func (r *Runner) jobEnv(state *jobState, base []string) *Env {
	env := NewEnv(base)
	env.Set("CI", "true")
	env.Set("PIPELINE_RUNNER", "true")
	env.Set("PIPELINE_RUN_ID", r.opts.RunID)
	env.Set("PIPELINE_WORKFLOW", state.wf.Name)
	env.Set("PIPELINE_JOB", state.job.ID)
	env.Set("PIPELINE_WORKSPACE", state.layout.GuestPath(state.layout.Workspace))
	if r.opts.Source.Commit != "" {
		env.Set("PIPELINE_SHA", r.opts.Source.Commit)
	}
	if r.opts.Source.Branch != "" {
		env.Set("PIPELINE_REF_NAME", r.opts.Source.Branch)
	}
	env.SetAll(state.wf.Env)
	env.SetAll(state.job.Env)
	env.SetAll(r.opts.Env)
	return env
}

// runStep executes step i and records its outcome. It reports whether the
// step succeeded.
func (r *Runner) runStep(ctx, jobCtx context.Context, state *jobState, result *model.JobResult, i int, step *workflow.Step) bool {
	sr := &result.Steps[i]
	logger := state.logger.With(logging.Step(step.Name), logging.StepIndex(sr.Index))

	sr.Status = model.StepRunning
	sr.StartedAt = r.now()
	logger.InfoContext(ctx, "step started", "action", step.Action())

	stepCtx := jobCtx
	if t := step.Timeout(); t > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(jobCtx, t)
		defer cancel()
	}

	code, err := r.execute(logging.WithLogger(stepCtx, logger), state, i, step)

	sr.FinishedAt = r.now()
	sr.ExitCode = code
	duration := sr.Duration()
	r.recorder.ObserveStepDuration(state.job.ID, step.Name, duration)

	if err == nil && code == 0 {
		sr.Status = model.StepSucceeded
		r.recorder.IncStepResult(state.job.ID, step.Name, metrics.ResultSucceeded)
		logger.InfoContext(ctx, "step succeeded", logging.Duration(duration))
		return true
	}

	sr.Status = model.StepFailed
	sr.Error = describeFailure(ctx, jobCtx, stepCtx, step, code, err)
	r.recorder.IncStepResult(state.job.ID, step.Name, metrics.ResultFailed)
	logger.ErrorContext(ctx, "step failed",
		logging.ExitCode(code),
		logging.Duration(duration),
		slog.String("reason", sr.Error),
	)
	return false
}

// describeFailure explains a failed step, naming the timeout that fired
// when a deadline was involved.
func describeFailure(ctx, jobCtx, stepCtx context.Context, step *workflow.Step, code int, err error) string {
	switch {
	case ctx.Err() != nil:
		return "cancelled"
	case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		return "job timed out"
	case errors.Is(stepCtx.Err(), context.DeadlineExceeded):
		return fmt.Sprintf("step timed out after %s", step.Timeout())
	case err != nil:
		return err.Error()
	default:
		return "exit status " + strconv.Itoa(code)
	}
}

// execute performs the step's built-in action and then its run script.
func (r *Runner) execute(ctx context.Context, state *jobState, i int, step *workflow.Step) (int, error) {
	layout := state.layout

	rel, err := layout.Resolve(step.WorkingDirectory)
	if err != nil {
		return -1, err
	}

	// Declared environment changes persist for all later steps.
	state.env.applyMutations(step.Path, step.EnvAppend)

	// Host-side actions write into the run root, which the executor sees.
	switch {
	case step.Checkout != nil:
		if err := r.checkout(ctx, state, step.Checkout); err != nil {
			return -1, err
		}
	case step.Clone != nil:
		if err := r.clone(ctx, state, step.Clone); err != nil {
			return -1, err
		}
	}

	script, extraEnv, err := r.script(ctx, state, step, rel)
	if err != nil {
		return -1, err
	}
	if script == "" {
		return 0, nil
	}

	if info, err := os.Stat(layout.HostPath(rel)); err != nil || !info.IsDir() {
		return -1, fmt.Errorf("working directory %s does not exist", step.WorkingDirectory)
	}

	envFile, pathFile, err := prepareEnvFiles(layout, i+1)
	if err != nil {
		return -1, err
	}

	cmdEnv := state.env.Clone()
	cmdEnv.SetAll(step.Env)
	cmdEnv.SetAll(extraEnv)
	cmdEnv.Set("PIPELINE_ENV", layout.GuestPath(envFile))
	cmdEnv.Set("PIPELINE_PATH", layout.GuestPath(pathFile))

	code, err := r.opts.Executor.Exec(ctx, executor.Command{
		Script: script,
		Shell:  step.Shell,
		Dir:    layout.GuestPath(rel),
		Env:    cmdEnv.Environ(),
		Stdout: r.opts.Stdout,
		Stderr: r.opts.Stderr,
	})
	if err != nil || code != 0 {
		return code, err
	}

	if err := state.env.applyEnvFiles(layout.HostPath(envFile), layout.HostPath(pathFile)); err != nil {
		return 0, err
	}
	return 0, nil
}

// script assembles the shell script of a step: the rendered built-in
// action, if it has one, followed by the step's run script.
func (r *Runner) script(ctx context.Context, state *jobState, step *workflow.Step, rel string) (string, map[string]string, error) {
	var (
		parts    []string
		extraEnv map[string]string
	)

	switch {
	case step.Dependencies != nil:
		file := step.Dependencies.ManifestFile()
		count, err := checkManifest(step.Dependencies, state.layout.HostPath(path.Join(rel, file)))
		if err != nil {
			return "", nil, err
		}
		logging.FromContext(ctx).DebugContext(ctx, "dependency manifest found",
			logging.Path(file), "dependencies", count)
		parts = append(parts, dependenciesScript(step.Dependencies, file))
	case step.Packages != nil:
		parts = append(parts, packagesScript(step.Packages))
		extraEnv = packagesEnv(step.Packages)
	}

	if strings.TrimSpace(step.Run) != "" {
		parts = append(parts, step.Run)
	}
	return strings.Join(parts, "\n"), extraEnv, nil
}

// checkout clones the triggering repository into the checkout directory.
// Without an explicit repository or ref the triggering commit is pinned.
func (r *Runner) checkout(ctx context.Context, state *jobState, spec *workflow.CheckoutSpec) error {
	opts := gitrepo.CloneOptions{
		URL:      spec.Repository,
		Dir:      state.layout.HostPath(state.layout.Workspace),
		Ref:      spec.Ref,
		Depth:    spec.Depth,
		Progress: r.opts.Stderr,
	}
	if opts.URL == "" {
		opts.URL = r.opts.Source.Repository
		if opts.Ref == "" {
			opts.Commit = r.opts.Source.Commit
		}
	}
	if opts.URL == "" {
		return errors.New("checkout: no repository to check out")
	}

	logging.FromContext(ctx).InfoContext(ctx, "checking out", logging.Repository(opts.URL), logging.Path(opts.Dir))
	commit, err := gitrepo.Clone(ctx, opts)
	if err != nil {
		return err
	}
	state.env.Set("PIPELINE_CHECKOUT_SHA", commit)
	return nil
}

// clone clones an external repository into the run root.
func (r *Runner) clone(ctx context.Context, state *jobState, spec *workflow.CloneSpec) error {
	dest := spec.Path
	if dest == "" {
		dest = defaultClonePath(spec.URL)
	}
	rel, err := state.layout.Resolve(dest)
	if err != nil {
		return fmt.Errorf("clone: %w", err)
	}

	dir := state.layout.HostPath(rel)
	logging.FromContext(ctx).InfoContext(ctx, "cloning", logging.Repository(spec.URL), logging.Path(dir))
	_, err = gitrepo.Clone(ctx, gitrepo.CloneOptions{
		URL:      spec.URL,
		Dir:      dir,
		Ref:      spec.Ref,
		Depth:    spec.Depth,
		Progress: r.opts.Stderr,
	})
	return err
}

// prepareEnvFiles creates the empty environment files of step n and
// returns their paths relative to the run root.
func prepareEnvFiles(layout executor.Layout, n int) (string, string, error) {
	dir := path.Join(executor.RunnerDir, fmt.Sprintf("step-%d", n))
	if err := os.MkdirAll(layout.HostPath(dir), 0o777); err != nil {
		return "", "", fmt.Errorf("create step directory: %w", err)
	}
	envFile := path.Join(dir, "env")
	pathFile := path.Join(dir, "path")
	for _, f := range []string{envFile, pathFile} {
		host := layout.HostPath(f)
		if err := os.WriteFile(host, nil, 0o666); err != nil {
			return "", "", fmt.Errorf("create %s: %w", f, err)
		}
		// World-writable so a non-root container user can append.
		if err := os.Chmod(host, 0o666); err != nil {
			return "", "", fmt.Errorf("chmod %s: %w", f, err)
		}
	}
	return envFile, pathFile, nil
}

// skipFrom marks every step from index from onwards as skipped.
func (r *Runner) skipFrom(result *model.JobResult, job *workflow.Job, from int) {
	for i := from; i < len(result.Steps); i++ {
		result.Steps[i].Status = model.StepSkipped
		r.recorder.IncStepResult(job.ID, result.Steps[i].Name, metrics.ResultSkipped)
	}
}

// finish moves the job to its terminal state and reports it.
func (r *Runner) finish(ctx context.Context, result *model.JobResult, status model.JobStatus) {
	logger := logging.FromContext(ctx)
	if err := result.Finish(status, r.now()); err != nil {
		logger.ErrorContext(ctx, "job result already final", logging.Error(err))
		return
	}
	r.recorder.ObserveJobDuration(result.Job, result.Duration())
	r.recorder.IncJobOutcome(result.Job, status.String())

	attrs := []any{logging.Status(status.String()), logging.Duration(result.Duration())}
	if failed := result.FailedStep(); failed != nil {
		attrs = append(attrs, slog.String("failed_step", failed.Name))
	}
	if status == model.JobSucceeded {
		logger.InfoContext(ctx, "job succeeded", attrs...)
	} else {
		logger.ErrorContext(ctx, "job failed", attrs...)
	}
}
