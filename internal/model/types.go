package model

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of a job run.
// The state machine is entered once at job start and left exactly once:
//
//	Running → Succeeded
//	Running → Failed
type JobStatus string

const (
	// JobRunning indicates the job has started and not yet finished.
	JobRunning JobStatus = "running"

	// JobSucceeded indicates every step of the job exited zero.
	JobSucceeded JobStatus = "succeeded"

	// JobFailed indicates a step exited non-zero (or could not be executed).
	JobFailed JobStatus = "failed"
)

// String returns the string representation of JobStatus.
func (s JobStatus) String() string {
	return string(s)
}

// IsValid checks whether the JobStatus value is one of the
// predefined valid states.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobRunning, JobSucceeded, JobFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is a final state.
func (s JobStatus) IsTerminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// ParseJobStatus converts a string to a JobStatus.
// Returns an error if the string does not match any valid status.
func ParseJobStatus(s string) (JobStatus, error) {
	status := JobStatus(strings.ToLower(s))
	if !status.IsValid() {
		return "", fmt.Errorf("invalid job status: %q (valid: running, succeeded, failed)", s)
	}
	return status, nil
}

// StepStatus represents the state of a single step within a job run.
//
//	Pending → Running → Succeeded | Failed
//	Pending → Skipped (an earlier step failed)
type StepStatus string

const (
	// StepPending indicates the step has not started yet.
	StepPending StepStatus = "pending"

	// StepRunning indicates the step's command is executing.
	StepRunning StepStatus = "running"

	// StepSucceeded indicates the step's command exited zero.
	StepSucceeded StepStatus = "succeeded"

	// StepFailed indicates the step's command exited non-zero or
	// could not be started.
	StepFailed StepStatus = "failed"

	// StepSkipped indicates the step never ran because an earlier
	// step failed.
	StepSkipped StepStatus = "skipped"
)

// String returns the string representation of StepStatus.
func (s StepStatus) String() string {
	return string(s)
}

// IsValid checks whether the StepStatus value is one of the
// predefined valid states.
func (s StepStatus) IsValid() bool {
	switch s {
	case StepPending, StepRunning, StepSucceeded, StepFailed, StepSkipped:
		return true
	default:
		return false
	}
}

// StepResult is the outcome of one step.
type StepResult struct {
	// Index is the 1-based position of the step in the job.
	Index int `json:"index"`

	// Name is the step's display name from the workflow.
	Name string `json:"name"`

	// Status is the final state of the step.
	Status StepStatus `json:"status"`

	// ExitCode is the exit status of the step's command.
	// It is -1 when the command could not be started or was cancelled,
	// and 0 for steps that never ran.
	ExitCode int `json:"exitCode"`

	// StartedAt and FinishedAt are zero for skipped steps.
	StartedAt  time.Time `json:"startedAt,omitempty"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`

	// Error is a human-readable description of why the step failed.
	Error string `json:"error,omitempty"`
}

// Duration returns how long the step ran. Zero for steps that never started.
func (r *StepResult) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// JobResult is the outcome of one job run.
type JobResult struct {
	// RunID uniquely identifies this run.
	RunID string `json:"runId"`

	// Workflow is the workflow's name.
	Workflow string `json:"workflow"`

	// Job is the id of the job within the workflow.
	Job string `json:"job"`

	// Executor is the executor type the job ran on ("local" or "docker").
	Executor string `json:"executor"`

	// Commit and Branch identify the triggering repository state.
	Commit string `json:"commit,omitempty"`
	Branch string `json:"branch,omitempty"`

	// Status is the job's lifecycle state.
	Status JobStatus `json:"status"`

	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`

	// Steps holds one result per workflow step, in order.
	Steps []StepResult `json:"steps"`
}

// NewJobResult creates a JobResult in the Running state with every
// step pending.
func NewJobResult(runID, workflow, job, executor string, stepNames []string, now time.Time) *JobResult {
	steps := make([]StepResult, 0, len(stepNames))
	for i, name := range stepNames {
		steps = append(steps, StepResult{Index: i + 1, Name: name, Status: StepPending})
	}
	return &JobResult{
		RunID:     runID,
		Workflow:  workflow,
		Job:       job,
		Executor:  executor,
		Status:    JobRunning,
		StartedAt: now,
		Steps:     steps,
	}
}

// Finish moves the job into a terminal state. A job leaves the running
// state exactly once; a second call returns an error and changes nothing.
func (r *JobResult) Finish(status JobStatus, now time.Time) error {
	if !status.IsTerminal() {
		return fmt.Errorf("job %s: %q is not a terminal status", r.Job, status)
	}
	if r.Status != JobRunning {
		return fmt.Errorf("job %s already finished with status %s", r.Job, r.Status)
	}
	r.Status = status
	r.FinishedAt = now
	return nil
}

// Duration returns the wall-clock time of the job, or zero while running.
func (r *JobResult) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Succeeded reports whether the job finished successfully.
func (r *JobResult) Succeeded() bool {
	return r.Status == JobSucceeded
}

// FailedStep returns the step that failed the job, or nil.
func (r *JobResult) FailedStep() *StepResult {
	for i := range r.Steps {
		if r.Steps[i].Status == StepFailed {
			return &r.Steps[i]
		}
	}
	return nil
}

// CountByStatus returns how many steps ended in the given status.
func (r *JobResult) CountByStatus(status StepStatus) int {
	n := 0
	for _, s := range r.Steps {
		if s.Status == status {
			n++
		}
	}
	return n
}

// ContainerInfo holds runtime information about an executor container.
// This data is fetched dynamically from the Docker API, not persisted.
type ContainerInfo struct {
	// ContainerID is the unique Docker container identifier.
	ContainerID string `json:"containerId"`

	// ContainerName is the human-readable Docker container name.
	ContainerName string `json:"containerName"`

	// Image is the image the container was created from.
	Image string `json:"image"`

	// Status is the Docker container state (e.g., "running", "exited").
	Status string `json:"status"`

	// Labels is the full set of Docker labels on the container.
	Labels map[string]string `json:"labels,omitempty"`
}

// ExitCode defines the process exit codes of the CLI.
// A job failure is reported with a single code regardless of which
// step failed; the failing tool's own output is the diagnostic.
type ExitCode int

const (
	// ExitSuccess indicates the command completed successfully.
	ExitSuccess ExitCode = 0

	// ExitGeneralError indicates an unspecified error, including a failed job.
	ExitGeneralError ExitCode = 1

	// ExitWorkflowNotFound indicates no workflow file could be located.
	ExitWorkflowNotFound ExitCode = 2

	// ExitDockerNotRunning indicates the Docker daemon is not accessible.
	ExitDockerNotRunning ExitCode = 3

	// ExitInvalidWorkflow indicates the workflow file failed to parse or validate.
	ExitInvalidWorkflow ExitCode = 4

	// ExitGitError indicates the triggering repository could not be inspected.
	ExitGitError ExitCode = 5

	// ExitJobNotFound indicates the requested job does not exist in the workflow.
	ExitJobNotFound ExitCode = 6
)

// ExitJobFailed is the code reported when a job ran and a step failed.
const ExitJobFailed = ExitGeneralError

// CLIError is a custom error type that carries an exit code.
// This allows the CLI layer to translate domain errors into
// appropriate process exit codes.
type CLIError struct {
	// Code is the exit code to return to the OS.
	Code ExitCode

	// Message is the human-readable error description.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error satisfies the error interface. It returns the human-readable
// error message, optionally including the underlying error.
func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewCLIError creates a new CLIError with the given exit code and message.
func NewCLIError(code ExitCode, message string) *CLIError {
	return &CLIError{Code: code, Message: message}
}

// WrapCLIError creates a new CLIError that wraps an existing error.
func WrapCLIError(code ExitCode, message string, err error) *CLIError {
	return &CLIError{Code: code, Message: message, Err: err}
}
