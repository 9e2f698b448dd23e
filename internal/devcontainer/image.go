package devcontainer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"

	"github.com/shinji-kodama/pipeline-runner/internal/model"
)

// config holds the subset of devcontainer.json that decides the image.
type config struct {
	Image             string          `json:"image"`
	Build             json.RawMessage `json:"build"`
	DockerComposeFile json.RawMessage `json:"dockerComposeFile"`
}

// Find searches for devcontainer.json in the standard locations of a
// repository:
//  1. <repo>/.devcontainer/devcontainer.json
//  2. <repo>/.devcontainer.json
//
// Returns a CLIError with ExitInvalidWorkflow if neither exists.
func Find(repo string) (string, error) {
	candidates := []string{
		filepath.Join(repo, ".devcontainer", "devcontainer.json"),
		filepath.Join(repo, ".devcontainer.json"),
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", model.NewCLIError(
		model.ExitInvalidWorkflow,
		fmt.Sprintf("executor image is taken from devcontainer.json, but none was found in %s", repo),
	)
}

// Image returns the image named by the devcontainer.json at path.
// The file is JSONC: comments and trailing commas are stripped first.
func Image(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read devcontainer.json: %w", err)
	}

	var cfg config
	if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
		return "", model.WrapCLIError(model.ExitInvalidWorkflow,
			fmt.Sprintf("failed to parse %s", path), err)
	}

	switch {
	case cfg.Image != "":
		return cfg.Image, nil
	case len(cfg.DockerComposeFile) > 0:
		return "", model.NewCLIError(model.ExitInvalidWorkflow,
			fmt.Sprintf("%s uses Docker Compose; set executor.image explicitly", path))
	case len(cfg.Build) > 0:
		return "", model.NewCLIError(model.ExitInvalidWorkflow,
			fmt.Sprintf("%s builds its image from a Dockerfile; set executor.image explicitly", path))
	default:
		return "", model.NewCLIError(model.ExitInvalidWorkflow,
			fmt.Sprintf("%s does not name an image", path))
	}
}

// ResolveImage finds the repository's devcontainer.json and returns its image.
func ResolveImage(repo string) (string, error) {
	path, err := Find(repo)
	if err != nil {
		return "", err
	}
	return Image(path)
}
