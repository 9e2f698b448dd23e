package workflow

import (
	"fmt"
	"sort"
	"time"
)

// Executor types.
const (
	ExecutorLocal  = "local"
	ExecutorDocker = "docker"
)

// Image pull policies for the docker executor.
const (
	PullMissing = "missing"
	PullAlways  = "always"
	PullNever   = "never"
)

// DefaultImage is the machine image used by the docker executor when a job
// does not name one.
const DefaultImage = "ubuntu:22.04"

// ImageDevContainer as an executor image means "the image named by the
// repository's devcontainer.json".
const ImageDevContainer = "devcontainer"

// Workflow is the top-level document. It schedules one or more jobs.
type Workflow struct {
	// Name is the display name of the workflow.
	Name string `yaml:"name"`

	// Env holds variables visible to every job.
	Env map[string]string `yaml:"env,omitempty"`

	// Jobs maps job ids to their definitions.
	Jobs map[string]*Job `yaml:"jobs"`

	// Path is the file the workflow was loaded from. Not part of the document.
	Path string `yaml:"-"`
}

// JobIDs returns the workflow's job ids in sorted order.
func (w *Workflow) JobIDs() []string {
	ids := make([]string, 0, len(w.Jobs))
	for id := range w.Jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Job returns the job with the given id. When id is empty and the workflow
// has exactly one job, that job is returned.
func (w *Workflow) Job(id string) (*Job, error) {
	if id == "" {
		if len(w.Jobs) == 1 {
			for _, j := range w.Jobs {
				return j, nil
			}
		}
		return nil, fmt.Errorf("workflow %q has %d jobs; name one of: %v", w.Name, len(w.Jobs), w.JobIDs())
	}
	j, ok := w.Jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %q not found in workflow %q (available: %v)", id, w.Name, w.JobIDs())
	}
	return j, nil
}

// Job is one execution of an ordered step list on one executor.
type Job struct {
	// ID is the key of the job in the workflow's jobs map.
	ID string `yaml:"-"`

	// Name is an optional display name. Defaults to ID.
	Name string `yaml:"name,omitempty"`

	// Executor selects the machine the job runs on.
	Executor ExecutorSpec `yaml:"executor"`

	// Workspace names the checkout directory under the run root.
	// Defaults to the triggering repository's directory name.
	Workspace string `yaml:"workspace,omitempty"`

	// Env holds job-level variables, layered over the workflow's.
	Env map[string]string `yaml:"env,omitempty"`

	// TimeoutMinutes bounds the whole job. Zero means no limit.
	TimeoutMinutes int `yaml:"timeout-minutes,omitempty"`

	// Steps run strictly in order.
	Steps []*Step `yaml:"steps"`
}

// DisplayName returns Name, falling back to ID.
func (j *Job) DisplayName() string {
	if j.Name != "" {
		return j.Name
	}
	return j.ID
}

// Timeout converts TimeoutMinutes into a duration.
func (j *Job) Timeout() time.Duration {
	return time.Duration(j.TimeoutMinutes) * time.Minute
}

// StepNames returns the names of the job's steps in order.
func (j *Job) StepNames() []string {
	names := make([]string, 0, len(j.Steps))
	for _, s := range j.Steps {
		names = append(names, s.Name)
	}
	return names
}

// ExecutorSpec describes the machine a job runs on.
type ExecutorSpec struct {
	// Type is "local" or "docker". Defaults to docker.
	Type string `yaml:"type,omitempty"`

	// Image is the docker image reference. Defaults to DefaultImage.
	Image string `yaml:"image,omitempty"`

	// Pull is the image pull policy: missing (default), always or never.
	Pull string `yaml:"pull,omitempty"`
}

// Step is a single named command or command block within a job.
type Step struct {
	// Name identifies the step in output and results.
	Name string `yaml:"name"`

	// Run is a shell script executed after the built-in action, if any.
	Run string `yaml:"run,omitempty"`

	// Shell is "bash" (default) or "sh".
	Shell string `yaml:"shell,omitempty"`

	// WorkingDirectory is relative to the checkout directory.
	WorkingDirectory string `yaml:"working-directory,omitempty"`

	// Env holds step-level variables, layered over the job environment.
	Env map[string]string `yaml:"env,omitempty"`

	// Path lists entries prepended to PATH for this and every later step.
	Path []string `yaml:"path,omitempty"`

	// EnvAppend appends ":"-separated values to variables for this and
	// every later step.
	EnvAppend map[string]string `yaml:"env-append,omitempty"`

	// TimeoutMinutes bounds this step. Zero means no limit.
	TimeoutMinutes int `yaml:"timeout-minutes,omitempty"`

	// At most one built-in action.
	Checkout     *CheckoutSpec     `yaml:"checkout,omitempty"`
	Dependencies *DependenciesSpec `yaml:"dependencies,omitempty"`
	Packages     *PackagesSpec     `yaml:"packages,omitempty"`
	Clone        *CloneSpec        `yaml:"clone,omitempty"`
}

// Timeout converts TimeoutMinutes into a duration.
func (s *Step) Timeout() time.Duration {
	return time.Duration(s.TimeoutMinutes) * time.Minute
}

// Action returns the name of the step's built-in action, or "run" when the
// step only has a script.
func (s *Step) Action() string {
	switch {
	case s.Checkout != nil:
		return "checkout"
	case s.Dependencies != nil:
		return "dependencies"
	case s.Packages != nil:
		return "packages"
	case s.Clone != nil:
		return "clone"
	default:
		return "run"
	}
}

func (s *Step) actionCount() int {
	n := 0
	for _, set := range []bool{s.Checkout != nil, s.Dependencies != nil, s.Packages != nil, s.Clone != nil} {
		if set {
			n++
		}
	}
	return n
}

// CheckoutSpec clones the triggering repository into the checkout directory.
type CheckoutSpec struct {
	// Repository overrides the triggering repository (URL or local path).
	Repository string `yaml:"repository,omitempty"`

	// Ref is a branch name or a full reference. Defaults to the remote HEAD.
	Ref string `yaml:"ref,omitempty"`

	// Depth limits history; zero fetches everything.
	Depth int `yaml:"depth,omitempty"`
}

// Dependency installers.
const (
	ManagerPip   = "pip"
	ManagerConda = "conda"
	ManagerMamba = "mamba"
)

// DependenciesSpec installs language dependencies from a manifest file.
type DependenciesSpec struct {
	// Manager is pip, conda or mamba.
	Manager string `yaml:"manager"`

	// File is the manifest, relative to the checkout directory.
	// Defaults to requirements.txt for pip and environment.yml otherwise.
	File string `yaml:"file,omitempty"`

	// Environment is the conda environment to update. Defaults to base.
	Environment string `yaml:"environment,omitempty"`

	// User installs into the user site (pip --user).
	User bool `yaml:"user,omitempty"`
}

// ManifestFile returns File or the manager's default manifest name.
func (d *DependenciesSpec) ManifestFile() string {
	if d.File != "" {
		return d.File
	}
	if d.Manager == ManagerPip {
		return "requirements.txt"
	}
	return "environment.yml"
}

// OS package managers.
const (
	PackageManagerApt = "apt-get"
	PackageManagerDnf = "dnf"
	PackageManagerApk = "apk"
)

// PackagesSpec installs a fixed list of named system packages.
type PackagesSpec struct {
	// Manager is apt-get (default), dnf or apk.
	Manager string `yaml:"manager,omitempty"`

	// Names lists the packages to install.
	Names []string `yaml:"names"`

	// Update refreshes the package index first. Defaults to true.
	Update *bool `yaml:"update,omitempty"`

	// Sudo prefixes the commands with sudo.
	Sudo bool `yaml:"sudo,omitempty"`
}

// ShouldUpdate reports whether the package index is refreshed first.
func (p *PackagesSpec) ShouldUpdate() bool {
	return p.Update == nil || *p.Update
}

// CloneSpec clones an external source repository.
type CloneSpec struct {
	// URL is the repository to clone.
	URL string `yaml:"url"`

	// Path is the destination relative to the checkout directory.
	// Defaults to a sibling named after the repository.
	Path string `yaml:"path,omitempty"`

	// Ref is a branch name or a full reference.
	Ref string `yaml:"ref,omitempty"`

	// Depth limits history; zero fetches everything.
	Depth int `yaml:"depth,omitempty"`
}
