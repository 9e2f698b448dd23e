package pipeline

import (
	"fmt"
	"path"

	"github.com/shinji-kodama/pipeline-runner/internal/workflow"
)

// StepPlan describes what a step will do, for display.
type StepPlan struct {
	Index            int    `json:"index"`
	Name             string `json:"name"`
	Action           string `json:"action"`
	WorkingDirectory string `json:"workingDirectory"`
	Command          string `json:"command"`
}

// Describe returns the ordered plan of job without running anything.
func Describe(job *workflow.Job) []StepPlan {
	plans := make([]StepPlan, 0, len(job.Steps))
	for i, step := range job.Steps {
		dir := step.WorkingDirectory
		if dir == "" {
			dir = "."
		}
		plans = append(plans, StepPlan{
			Index:            i + 1,
			Name:             step.Name,
			Action:           step.Action(),
			WorkingDirectory: dir,
			Command:          describeCommand(step),
		})
	}
	return plans
}

func describeCommand(step *workflow.Step) string {
	var head string
	switch {
	case step.Checkout != nil:
		repo := step.Checkout.Repository
		if repo == "" {
			repo = "<triggering repository>"
		}
		head = "git clone " + repo + " ."
		if step.Checkout.Ref != "" {
			head += " (ref " + step.Checkout.Ref + ")"
		}
	case step.Clone != nil:
		dest := step.Clone.Path
		if dest == "" {
			dest = defaultClonePath(step.Clone.URL)
		}
		head = fmt.Sprintf("git clone %s %s", step.Clone.URL, dest)
		if step.Clone.Ref != "" {
			head += " (ref " + step.Clone.Ref + ")"
		}
	case step.Dependencies != nil:
		head = dependenciesScript(step.Dependencies, path.Clean(step.Dependencies.ManifestFile()))
	case step.Packages != nil:
		head = packagesScript(step.Packages)
	}

	switch {
	case head == "":
		return step.Run
	case step.Run == "":
		return head
	default:
		return head + "\n" + step.Run
	}
}
