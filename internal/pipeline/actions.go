package pipeline

import (
	"fmt"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shinji-kodama/pipeline-runner/internal/workflow"
)

// packagesScript renders the "Build Environment" command: refresh the
// package index, then install every named package. Any unavailable
// package fails the install; nothing is substituted.
func packagesScript(p *workflow.PackagesSpec) string {
	prefix := ""
	if p.Sudo {
		prefix = "sudo "
	}
	names := strings.Join(p.Names, " ")

	var lines []string
	switch p.Manager {
	case workflow.PackageManagerDnf:
		if p.ShouldUpdate() {
			lines = append(lines, prefix+"dnf makecache")
		}
		lines = append(lines, prefix+"dnf install -y "+names)
	case workflow.PackageManagerApk:
		if p.ShouldUpdate() {
			lines = append(lines, prefix+"apk update")
		}
		lines = append(lines, prefix+"apk add --no-progress "+names)
	default:
		if p.ShouldUpdate() {
			lines = append(lines, prefix+"apt-get update")
		}
		lines = append(lines, prefix+"apt-get install -y "+names)
	}
	return strings.Join(lines, "\n")
}

// packagesEnv is added to the command environment of a packages step.
func packagesEnv(p *workflow.PackagesSpec) map[string]string {
	if p.Manager == workflow.PackageManagerApt || p.Manager == "" {
		return map[string]string{"DEBIAN_FRONTEND": "noninteractive"}
	}
	return nil
}

// dependenciesScript renders the "Install language dependencies" command
// for the manifest at file (relative to the step's working directory).
func dependenciesScript(d *workflow.DependenciesSpec, file string) string {
	quoted := shellQuote(file)
	switch d.Manager {
	case workflow.ManagerConda, workflow.ManagerMamba:
		env := d.Environment
		if env == "" {
			env = "base"
		}
		return fmt.Sprintf("%s env update -n %s -f %s", d.Manager, shellQuote(env), quoted)
	default:
		user := ""
		if d.User {
			user = "--user "
		}
		return "python3 -m pip install " + user + "-r " + quoted
	}
}

// condaManifest is the part of an environment.yml the runner checks.
type condaManifest struct {
	Name         string `yaml:"name"`
	Dependencies []any  `yaml:"dependencies"`
}

// checkManifest verifies that the dependency manifest exists on the host
// before any installer runs, and that conda manifests are well-formed.
// It returns the number of declared dependencies, or -1 when unknown.
func checkManifest(d *workflow.DependenciesSpec, hostFile string) (int, error) {
	data, err := os.ReadFile(hostFile)
	if err != nil {
		if os.IsNotExist(err) {
			return -1, fmt.Errorf("dependency manifest %s not found", path.Base(hostFile))
		}
		return -1, fmt.Errorf("read dependency manifest: %w", err)
	}

	switch d.Manager {
	case workflow.ManagerConda, workflow.ManagerMamba:
		var m condaManifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			return -1, fmt.Errorf("parse %s: %w", path.Base(hostFile), err)
		}
		return len(m.Dependencies), nil
	default:
		n := 0
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line != "" && !strings.HasPrefix(line, "#") && !strings.HasPrefix(line, "-") {
				n++
			}
		}
		return n, nil
	}
}

// defaultClonePath is where a clone without an explicit path lands: a
// sibling of the checkout named after the repository.
func defaultClonePath(url string) string {
	name := strings.TrimSuffix(strings.TrimRight(url, "/"), ".git")
	if i := strings.LastIndexAny(name, "/:"); i >= 0 {
		name = name[i+1:]
	}
	return "../" + name
}

// shellQuote quotes s for a POSIX shell unless it is plainly safe.
func shellQuote(s string) string {
	if s != "" && strings.Trim(s, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-_./=:@+") == "" {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
