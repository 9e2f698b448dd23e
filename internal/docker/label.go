package docker

import (
	"fmt"
	"strings"
	"time"

	// filters builds the query arguments of the container list endpoint.
	"github.com/docker/docker/api/types/filters"
)

// Label keys recorded on every executor container. Docker labels are the
// only record of which containers belong to pipeline-runner, so `ps` and
// `clean` can find leftovers after the process that created them died.
//
// All keys share the "pipeline." prefix to avoid collisions with labels
// set by other tools.
const (
	// LabelPrefix is the common prefix for all pipeline-runner labels.
	LabelPrefix = "pipeline."

	// LabelManagedBy marks containers created by pipeline-runner.
	// Value: always ManagedByValue.
	LabelManagedBy = LabelPrefix + "managed-by"

	// LabelRunID stores the run id (a UUID) of the job run.
	LabelRunID = LabelPrefix + "run-id"

	// LabelJob stores the id of the job within its workflow.
	LabelJob = LabelPrefix + "job"

	// LabelWorkflow stores the workflow name.
	LabelWorkflow = LabelPrefix + "workflow"

	// LabelRunRoot stores the host directory mounted into the container.
	LabelRunRoot = LabelPrefix + "run-root"

	// LabelCreatedAt stores the container creation time in RFC3339 (UTC).
	LabelCreatedAt = LabelPrefix + "created-at"
)

// ManagedByValue is the value of LabelManagedBy on every container this
// CLI creates.
const ManagedByValue = "pipeline-runner"

// RunLabels is the metadata encoded into an executor container's labels.
// It is written once at container creation and never updated; Docker does
// not allow changing the labels of an existing container.
type RunLabels struct {
	// RunID identifies the job run, as recorded in the run history.
	RunID string

	// Job is the job id within the workflow.
	Job string

	// Workflow is the workflow's name.
	Workflow string

	// RunRoot is the host directory bind-mounted at /work. Optional,
	// because `clean` only prints it.
	RunRoot string

	// CreatedAt is stored in UTC and second precision (RFC3339).
	CreatedAt time.Time
}

// BuildLabels returns the Docker label map for an executor container.
func BuildLabels(meta RunLabels) map[string]string {
	return map[string]string{
		LabelManagedBy: ManagedByValue,
		LabelRunID:     meta.RunID,
		LabelJob:       meta.Job,
		LabelWorkflow:  meta.Workflow,
		LabelRunRoot:   meta.RunRoot,
		LabelCreatedAt: meta.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// ParseLabels is the inverse of BuildLabels. All keys written by
// BuildLabels except run-root are required, and missing ones are reported
// together.
//
// Design note: containers whose labels fail to parse are not hidden by the
// callers. `ps` lists them with empty columns and `clean` still removes
// them, since the managed-by filter already proved they are ours.
func ParseLabels(labels map[string]string) (RunLabels, error) {
	requiredKeys := []string{
		LabelManagedBy,
		LabelRunID,
		LabelJob,
		LabelWorkflow,
		LabelCreatedAt,
	}

	var missing []string
	for _, key := range requiredKeys {
		if _, ok := labels[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return RunLabels{}, fmt.Errorf("missing required Docker labels: %s", strings.Join(missing, ", "))
	}

	if labels[LabelManagedBy] != ManagedByValue {
		return RunLabels{}, fmt.Errorf(
			"label %s has unexpected value %q (expected %q)",
			LabelManagedBy, labels[LabelManagedBy], ManagedByValue,
		)
	}

	createdAt, err := time.Parse(time.RFC3339, labels[LabelCreatedAt])
	if err != nil {
		return RunLabels{}, fmt.Errorf("invalid label %s: %w", LabelCreatedAt, err)
	}

	return RunLabels{
		RunID:     labels[LabelRunID],
		Job:       labels[LabelJob],
		Workflow:  labels[LabelWorkflow],
		RunRoot:   labels[LabelRunRoot],
		CreatedAt: createdAt,
	}, nil
}

// ManagedFilter returns the Docker API filter selecting pipeline-runner
// containers. A non-empty runID narrows it to a single run.
func ManagedFilter(runID string) filters.Args {
	args := filters.NewArgs(filters.Arg("label", LabelManagedBy+"="+ManagedByValue))
	if runID != "" {
		args.Add("label", LabelRunID+"="+runID)
	}
	return args
}

// ContainerName returns the name given to the executor container of a run.
// Docker names allow [a-zA-Z0-9][a-zA-Z0-9_.-]; job ids already satisfy that.
//
// The first 8 characters of the run id keep names short enough to read in
// `docker ps` while staying unique across concurrent runs of one job.
func ContainerName(job, runID string) string {
	short := runID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("pipeline-%s-%s", job, short)
}
