// Package devcontainer reads the executor image from a repository's
// devcontainer.json, so a job can run on the same image its developers
// use. Only image-based configurations are supported; Dockerfile and
// Compose based ones are rejected.
package devcontainer
