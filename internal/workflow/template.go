package workflow

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
)

// starterWorkflow is the build-and-test workflow written by "init".
//
//go:embed templates/transition-scenarios.yml
var starterWorkflow []byte

// Starter returns a copy of the starter workflow document.
func Starter() []byte {
	out := make([]byte, len(starterWorkflow))
	copy(out, starterWorkflow)
	return out
}

// WriteStarter writes the starter workflow to path, creating parent
// directories. An existing file is only replaced when force is set.
func WriteStarter(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create workflow directory: %w", err)
	}
	if err := os.WriteFile(path, starterWorkflow, 0o644); err != nil {
		return fmt.Errorf("write workflow: %w", err)
	}
	return nil
}
