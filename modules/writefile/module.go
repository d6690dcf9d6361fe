// Package writefile implements the 'writefile' step kind: it writes a
// file inside the stage workspace.
package writefile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/stagehand-ci/stagehand/internal/build"
	"github.com/stagehand-ci/stagehand/internal/registry"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// Register wires the step kind into the registry.
func (Module) Register(r *registry.Registry) {
	r.RegisterStep(&Step{})
}

// Step writes one file.
type Step struct{}

// Kind implements registry.StepRunner.
func (*Step) Kind() string { return "writefile" }

// ValidateArgs implements registry.StepRunner.
func (*Step) ValidateArgs(args map[string]string) error {
	for name := range args {
		switch name {
		case "path", "content":
		default:
			return fmt.Errorf("unsupported argument %q", name)
		}
	}
	if strings.TrimSpace(args["path"]) == "" {
		return errors.New("path is required")
	}
	return nil
}

// Run implements registry.StepRunner.
func (*Step) Run(_ context.Context, sc *registry.StepContext) (registry.StepResult, error) {
	target, err := resolve(sc.Workspace, sc.Args["path"])
	if err != nil {
		return registry.StepResult{}, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return registry.StepResult{}, err
	}
	content := []byte(sc.Args["content"])
	if err := os.WriteFile(target, content, 0o644); err != nil {
		return registry.StepResult{}, err
	}

	fmt.Fprintf(sc.Log, "wrote %d bytes to %s\n", len(content), sc.Args["path"])
	return registry.StepResult{
		Status:  build.StatusSuccess,
		Message: fmt.Sprintf("wrote %s", sc.Args["path"]),
	}, nil
}

// resolve keeps the target inside the workspace. Absolute paths and
// ..-escapes are refused, not cleaned into place.
func resolve(workspace, path string) (string, error) {
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("path %q must be workspace-relative", path)
	}
	target := filepath.Join(workspace, path)
	rel, err := filepath.Rel(workspace, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", path)
	}
	return target, nil
}
