// Package docker provides Docker Engine API wrappers and container
// lifecycle management for the pipeline-runner CLI.
//
// This package handles:
//   - Docker client initialization with automatic socket detection
//     (Linux, macOS, Windows)
//   - Container labels identifying executor containers by run, job and
//     workflow, so leftovers from interrupted runs can be found again
//   - Image pulls according to a pull policy
//   - The executor container lifecycle: create, exec, inspect, remove
//
// The package uses github.com/docker/docker/client as the underlying
// Docker SDK, with version negotiation enabled for broad compatibility.
package docker
