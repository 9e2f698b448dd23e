package devcontainer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/pipeline-runner/internal/model"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestResolveImage(t *testing.T) {
	repo := t.TempDir()
	writeFile(t, filepath.Join(repo, ".devcontainer", "devcontainer.json"), `{
  // Python toolchain for PyNE
  "name": "pyne-dev",
  "image": "mcr.microsoft.com/devcontainers/python:3.11",
  "features": {},
}`)

	image, err := ResolveImage(repo)
	require.NoError(t, err)
	assert.Equal(t, "mcr.microsoft.com/devcontainers/python:3.11", image)
}

func TestFind_Priority(t *testing.T) {
	repo := t.TempDir()
	writeFile(t, filepath.Join(repo, ".devcontainer.json"), `{"image": "root"}`)

	path, err := Find(repo)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(repo, ".devcontainer.json"), path)

	writeFile(t, filepath.Join(repo, ".devcontainer", "devcontainer.json"), `{"image": "dir"}`)
	path, err = Find(repo)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(repo, ".devcontainer", "devcontainer.json"), path)
}

func TestFind_NotFound(t *testing.T) {
	_, err := Find(t.TempDir())
	require.Error(t, err)

	var cliErr *model.CLIError
	require.ErrorAs(t, err, &cliErr)
	assert.Equal(t, model.ExitInvalidWorkflow, cliErr.Code)
}

func TestImage_Unsupported(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"dockerfile", `{"build": {"dockerfile": "Dockerfile"}}`, "Dockerfile"},
		{"compose", `{"dockerComposeFile": "compose.yml", "service": "app"}`, "Docker Compose"},
		{"empty", `{"name": "nothing"}`, "does not name an image"},
		{"malformed", `{"image": `, "failed to parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "devcontainer.json")
			writeFile(t, path, tt.content)

			_, err := Image(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
