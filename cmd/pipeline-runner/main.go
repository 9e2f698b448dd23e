// Package main is the entry point for the pipeline-runner CLI.
//
// The binary runs one CI job of a workflow file as an ordered, fail-fast
// list of steps on a fresh executor. All functionality lives in the
// internal/cli package.
//
// Build-time variables (version, commit, date) are injected via ldflags.
package main

import (
	"github.com/shinji-kodama/pipeline-runner/internal/cli"
)

// version, commit, and date are set at build time via ldflags
// (-X main.version=...). They back the --version flag.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cli.Version = version
	cli.Commit = commit
	cli.Date = date

	cli.Execute(cli.NewRootCommand())
}
