// Package archive implements the 'archive' kind in both of its forms:
// as a step it stores workspace files matching a glob while the build
// runs, as a post action it does the same after the build finished.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/stagehand-ci/stagehand/internal/artifact"
	"github.com/stagehand-ci/stagehand/internal/build"
	"github.com/stagehand-ci/stagehand/internal/ctxlog"
	"github.com/stagehand-ci/stagehand/internal/registry"
)

// Module implements the registry.Module interface for this package.
type Module struct {
	store *artifact.Store
}

// NewModule binds the kind to an artifact store.
func NewModule(store *artifact.Store) *Module {
	return &Module{store: store}
}

// Register wires both the step and the action form.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterStep(&Step{store: m.store})
	r.RegisterAction(&Action{store: m.store})
}

func validateArgs(args map[string]string) error {
	for name := range args {
		switch name {
		case "pattern", "name":
		default:
			return fmt.Errorf("unsupported argument %q", name)
		}
	}
	pattern := args["pattern"]
	if strings.TrimSpace(pattern) == "" {
		return errors.New("pattern is required")
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return fmt.Errorf("invalid pattern %q", pattern)
	}
	return nil
}

// collect stores every workspace file matching the pattern and returns
// their refs. The name argument renames a single match; multiple
// matches keep their base names.
func collect(store *artifact.Store, workspace string, args map[string]string, log io.Writer) ([]artifact.Ref, error) {
	pattern := args["pattern"]
	matches, err := filepath.Glob(filepath.Join(workspace, pattern))
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	var files []string
	for _, match := range matches {
		rel, err := filepath.Rel(workspace, match)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, fmt.Errorf("pattern %q escapes the workspace", pattern)
		}
		info, err := os.Stat(match)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			continue
		}
		files = append(files, match)
	}

	refs := make([]artifact.Ref, 0, len(files))
	for _, path := range files {
		name := filepath.Base(path)
		if args["name"] != "" && len(files) == 1 {
			name = args["name"]
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		ref, err := store.Put(name, f)
		f.Close()
		if err != nil {
			return nil, err
		}
		rel, _ := filepath.Rel(workspace, path)
		fmt.Fprintf(log, "archived %s (%d bytes) as %s\n", rel, ref.Size, ref.ID)
		refs = append(refs, ref)
	}
	return refs, nil
}

// Step archives files mid-build.
type Step struct {
	store *artifact.Store
}

// Kind implements registry.StepRunner.
func (*Step) Kind() string { return "archive" }

// ValidateArgs implements registry.StepRunner.
func (*Step) ValidateArgs(args map[string]string) error { return validateArgs(args) }

// Run implements registry.StepRunner.
func (s *Step) Run(_ context.Context, sc *registry.StepContext) (registry.StepResult, error) {
	refs, err := collect(s.store, sc.Workspace, sc.Args, sc.Log)
	if err != nil {
		return registry.StepResult{}, err
	}
	if len(refs) == 0 {
		return registry.StepResult{
			Status:  build.StatusFailure,
			Message: fmt.Sprintf("no files matched pattern %q", sc.Args["pattern"]),
		}, nil
	}
	return registry.StepResult{
		Status:    build.StatusSuccess,
		Message:   fmt.Sprintf("archived %d artifact(s)", len(refs)),
		Artifacts: refs,
	}, nil
}

// Action archives files after the build finished, whatever its status.
type Action struct {
	store *artifact.Store
}

// Kind implements registry.ActionRunner.
func (*Action) Kind() string { return "archive" }

// ValidateArgs implements registry.ActionRunner.
func (*Action) ValidateArgs(args map[string]string) error { return validateArgs(args) }

// Run implements registry.ActionRunner.
func (a *Action) Run(ctx context.Context, ac *registry.ActionContext) error {
	refs, err := collect(a.store, ac.Workspace, ac.Args, io.Discard)
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		return fmt.Errorf("no files matched pattern %q", ac.Args["pattern"])
	}
	ctxlog.FromContext(ctx).Info("Archived artifacts after build.",
		"job", ac.Job, "number", ac.Number, "count", len(refs))
	return nil
}
