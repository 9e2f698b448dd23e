package logging

import (
	"log/slog"
	"time"
)

// Canonical log field names, shared by every package that logs.
const (
	KeyRunID      = "run_id"
	KeyWorkflow   = "workflow"
	KeyJob        = "job"
	KeyStep       = "step"
	KeyStepIndex  = "step_index"
	KeyStatus     = "status"
	KeyExitCode   = "exit_code"
	KeyDurationMS = "duration_ms"
	KeyExecutor   = "executor"
	KeyImage      = "image"
	KeyContainer  = "container"
	KeyRepository = "repository"
	KeyPath       = "path"
	KeyError      = "error"
)

func RunID(id string) slog.Attr       { return slog.String(KeyRunID, id) }
func Workflow(name string) slog.Attr  { return slog.String(KeyWorkflow, name) }
func Job(id string) slog.Attr         { return slog.String(KeyJob, id) }
func Step(name string) slog.Attr      { return slog.String(KeyStep, name) }
func StepIndex(i int) slog.Attr       { return slog.Int(KeyStepIndex, i) }
func Status(s string) slog.Attr       { return slog.String(KeyStatus, s) }
func ExitCode(c int) slog.Attr        { return slog.Int(KeyExitCode, c) }
func Executor(kind string) slog.Attr  { return slog.String(KeyExecutor, kind) }
func Image(ref string) slog.Attr      { return slog.String(KeyImage, ref) }
func Container(id string) slog.Attr   { return slog.String(KeyContainer, id) }
func Repository(url string) slog.Attr { return slog.String(KeyRepository, url) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(KeyDurationMS, d.Milliseconds())
}
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
