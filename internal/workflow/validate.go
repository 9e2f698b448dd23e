package workflow

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ValidationError represents a specific validation failure in a workflow.
type ValidationError struct {
	// Field is the path of the offending field (e.g., "jobs.build.steps[2].clone.url").
	Field string

	// Message describes what's wrong with the field value.
	Message string
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var jobIDRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// Validate checks a decoded workflow and returns every problem found
// (empty list = valid workflow).
//
// Checks performed:
//   - at least one job; job ids are identifier-like
//   - executor type, image and pull policy
//   - at least one step per job; step names present and unique
//   - every step has a built-in action or a run script, and at most one action
//   - built-in action fields (managers, package names, clone URL)
//   - timeouts are not negative
func Validate(wf *Workflow) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if len(wf.Jobs) == 0 {
		add("jobs", "at least one job is required")
	}

	for _, id := range wf.JobIDs() {
		job := wf.Jobs[id]
		prefix := "jobs." + id
		if job == nil {
			add(prefix, "job definition is empty")
			continue
		}
		if !jobIDRegex.MatchString(id) {
			add(prefix, "job id must start with a letter or underscore and contain only letters, digits, '-' and '_'")
		}
		if job.TimeoutMinutes < 0 {
			add(prefix+".timeout-minutes", "must not be negative")
		}

		switch job.Executor.Type {
		case ExecutorLocal:
			if job.Executor.Image != "" {
				add(prefix+".executor.image", "image is only used by the docker executor")
			}
		case ExecutorDocker:
			switch job.Executor.Pull {
			case PullMissing, PullAlways, PullNever:
			default:
				add(prefix+".executor.pull", "unknown pull policy %q (valid: missing, always, never)", job.Executor.Pull)
			}
		default:
			add(prefix+".executor.type", "unknown executor %q (valid: local, docker)", job.Executor.Type)
		}

		if strings.ContainsAny(job.Workspace, `/\`) || job.Workspace == "." || job.Workspace == ".." {
			add(prefix+".workspace", "must be a plain directory name")
		}

		if len(job.Steps) == 0 {
			add(prefix+".steps", "at least one step is required")
		}

		seen := make(map[string]int)
		for i, step := range job.Steps {
			field := fmt.Sprintf("%s.steps[%d]", prefix, i)
			if step == nil {
				add(field, "step definition is empty")
				continue
			}
			if strings.TrimSpace(step.Name) == "" {
				add(field+".name", "name is required")
			} else if prev, dup := seen[step.Name]; dup {
				add(field+".name", "duplicate step name %q (also steps[%d])", step.Name, prev)
			} else {
				seen[step.Name] = i
			}
			validateStep(step, field, add)
		}
	}

	return errs
}

func validateStep(step *Step, field string, add func(field, format string, args ...any)) {
	switch n := step.actionCount(); {
	case n == 0 && strings.TrimSpace(step.Run) == "":
		add(field, "step needs a run script or a built-in action (checkout, dependencies, packages, clone)")
	case n > 1:
		add(field, "step may declare only one built-in action, found %d", n)
	}

	switch step.Shell {
	case "bash", "sh":
	default:
		add(field+".shell", "unknown shell %q (valid: bash, sh)", step.Shell)
	}
	if step.TimeoutMinutes < 0 {
		add(field+".timeout-minutes", "must not be negative")
	}
	for _, p := range step.Path {
		if strings.TrimSpace(p) == "" {
			add(field+".path", "entries must not be empty")
		}
	}
	for k := range step.EnvAppend {
		if k == "PATH" {
			add(field+".env-append", "use path to modify PATH")
		}
	}

	if c := step.Checkout; c != nil && c.Depth < 0 {
		add(field+".checkout.depth", "must not be negative")
	}
	if d := step.Dependencies; d != nil {
		switch d.Manager {
		case ManagerPip, ManagerConda, ManagerMamba:
		default:
			add(field+".dependencies.manager", "unknown installer %q (valid: pip, conda, mamba)", d.Manager)
		}
		if d.User && d.Manager != ManagerPip {
			add(field+".dependencies.user", "user installs are only supported by pip")
		}
	}
	if p := step.Packages; p != nil {
		switch p.Manager {
		case PackageManagerApt, PackageManagerDnf, PackageManagerApk:
		default:
			add(field+".packages.manager", "unknown package manager %q (valid: apt-get, dnf, apk)", p.Manager)
		}
		if len(p.Names) == 0 {
			add(field+".packages.names", "at least one package is required")
		}
		for _, name := range p.Names {
			if strings.TrimSpace(name) == "" || strings.ContainsAny(name, " \t;&|$`") {
				add(field+".packages.names", "invalid package name %q", name)
			}
		}
	}
	if c := step.Clone; c != nil {
		if strings.TrimSpace(c.URL) == "" {
			add(field+".clone.url", "url is required")
		}
		if c.Depth < 0 {
			add(field+".clone.depth", "must not be negative")
		}
	}
}

// joinValidationErrors folds a list of validation errors into one error.
func joinValidationErrors(errs []ValidationError) error {
	joined := make([]error, 0, len(errs))
	for i := range errs {
		joined = append(joined, &errs[i])
	}
	return errors.Join(joined...)
}
