// Package metrics records job and step outcomes.
//
// The pipeline runner reports through the Recorder interface. NoopRecorder
// is the default. PrometheusRecorder keeps Prometheus collectors in its own
// registry, which WriteTextfile serializes in the text exposition format so
// a node-exporter textfile collector can pick it up after a run: a CI job
// is too short-lived to be scraped.
package metrics
