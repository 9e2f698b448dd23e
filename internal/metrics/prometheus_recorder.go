package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

const namespace = "pipeline_runner"

// stepBuckets covers quick shell steps up to hour-long native builds.
var stepBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400, 3600}

// PrometheusRecorder implements Recorder using Prometheus collectors.
type PrometheusRecorder struct {
	registry     *prom.Registry
	stepDuration *prom.HistogramVec
	stepResults  *prom.CounterVec
	jobDuration  *prom.HistogramVec
	jobOutcomes  *prom.CounterVec
	lastRun      *prom.GaugeVec
}

// NewPrometheusRecorder constructs the collectors and registers them on reg.
// A nil reg gets a fresh registry.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		registry: reg,
		stepDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of executed steps",
			Buckets:   stepBuckets,
		}, []string{"job", "step"}),
		stepResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "step_results_total",
			Help:      "Step results by outcome",
		}, []string{"job", "step", "result"}),
		jobDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Total job duration",
			Buckets:   stepBuckets,
		}, []string{"job"}),
		jobOutcomes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "job_outcomes_total",
			Help:      "Job outcomes by final status",
		}, []string{"job", "outcome"}),
		lastRun: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "job_last_run_timestamp_seconds",
			Help:      "Unix time at which the job last finished",
		}, []string{"job"}),
	}
	reg.MustRegister(pr.stepDuration, pr.stepResults, pr.jobDuration, pr.jobOutcomes, pr.lastRun)
	return pr
}

// Registry returns the registry holding the recorder's collectors.
func (p *PrometheusRecorder) Registry() *prom.Registry {
	return p.registry
}

func (p *PrometheusRecorder) ObserveStepDuration(job, step string, d time.Duration) {
	if p == nil {
		return
	}
	p.stepDuration.WithLabelValues(job, step).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncStepResult(job, step string, result ResultLabel) {
	if p == nil {
		return
	}
	p.stepResults.WithLabelValues(job, step, string(result)).Inc()
}

func (p *PrometheusRecorder) ObserveJobDuration(job string, d time.Duration) {
	if p == nil {
		return
	}
	p.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncJobOutcome(job, outcome string) {
	if p == nil {
		return
	}
	p.jobOutcomes.WithLabelValues(job, outcome).Inc()
	p.lastRun.WithLabelValues(job).SetToCurrentTime()
}

// WriteTextfile writes every collected metric to path in the text
// exposition format. The file is written atomically, as textfile
// collectors require.
func (p *PrometheusRecorder) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}
	if err := prom.WriteToTextfile(path, p.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
