// Package gitrepo provides the Git operations the pipeline needs: inspecting
// the triggering repository and cloning sources into the run root.
//
// All operations go through github.com/go-git/go-git/v5, so the runner does
// not depend on a git binary on the host. Errors are wrapped in
// model.CLIError with ExitGitError where they surface to the CLI directly.
package gitrepo
