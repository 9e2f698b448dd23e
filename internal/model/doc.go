// Package model defines the domain types and value objects for the
// pipeline-runner CLI.
//
// This package contains pure data structures with no external dependencies:
// job and step lifecycle states, per-step and per-job results, and the
// executor container summary used by the ps/clean commands.
//
// The package also defines exit codes (ExitCode) and a custom error type
// (CLIError) that carries exit codes for proper OS process exit handling.
package model
