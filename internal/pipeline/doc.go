// Package pipeline executes one workflow job as a fixed, ordered,
// fail-fast sequence of steps on an executor.
//
// Steps run strictly one after another. The first step that exits non-zero
// (or cannot be run, times out, or is cancelled) fails the job; every later
// step is recorded as skipped and never executed. Nothing is retried. The
// only state shared between steps is the job environment and the run root
// on disk.
package pipeline
