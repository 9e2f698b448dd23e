package metrics

import "time"

// ResultLabel is the outcome of a step as exported in metrics.
type ResultLabel string

const (
	ResultSucceeded ResultLabel = "succeeded"
	ResultFailed    ResultLabel = "failed"
	ResultSkipped   ResultLabel = "skipped"
)

// Recorder receives run measurements from the pipeline runner.
type Recorder interface {
	ObserveStepDuration(job, step string, d time.Duration)
	IncStepResult(job, step string, result ResultLabel)
	ObserveJobDuration(job string, d time.Duration)
	IncJobOutcome(job, outcome string) // outcome: succeeded|failed
}

// NoopRecorder is a Recorder that does nothing (default when metrics are
// not requested).
type NoopRecorder struct{}

func (NoopRecorder) ObserveStepDuration(string, string, time.Duration) {}
func (NoopRecorder) IncStepResult(string, string, ResultLabel)         {}
func (NoopRecorder) ObserveJobDuration(string, time.Duration)          {}
func (NoopRecorder) IncJobOutcome(string, string)                      {}
