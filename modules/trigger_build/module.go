// Package trigger_build implements the 'build' post-action kind: it
// queues a downstream job once a build reaches a terminal status.
package trigger_build

import (
	"context"
	"errors"
	"fmt"

	"github.com/stagehand-ci/stagehand/internal/build"
	"github.com/stagehand-ci/stagehand/internal/ctxlog"
	"github.com/stagehand-ci/stagehand/internal/registry"
)

// Firer admits downstream build requests. The trigger subsystem
// implements it.
type Firer interface {
	FireDownstream(ctx context.Context, job, fromJob string, fromNumber int64, fromStatus build.Status) (int64, error)
}

// Module implements the registry.Module interface for this package.
type Module struct {
	firer Firer
}

// NewModule binds the kind to the trigger subsystem.
func NewModule(firer Firer) *Module {
	return &Module{firer: firer}
}

// Register wires the action kind into the registry.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterAction(&Action{firer: m.firer})
}

// Action queues one downstream build.
type Action struct {
	firer Firer
}

// Kind implements registry.ActionRunner.
func (*Action) Kind() string { return "build" }

// ValidateArgs implements registry.ActionRunner.
func (*Action) ValidateArgs(args map[string]string) error {
	for name := range args {
		switch name {
		case "job":
		default:
			return fmt.Errorf("unsupported argument %q", name)
		}
	}
	if args["job"] == "" {
		return errors.New("job is required")
	}
	return nil
}

// Run implements registry.ActionRunner.
func (a *Action) Run(ctx context.Context, ac *registry.ActionContext) error {
	job := ac.Args["job"]
	if job == ac.Job {
		return fmt.Errorf("job %q refuses to trigger itself", job)
	}

	number, err := a.firer.FireDownstream(ctx, job, ac.Job, ac.Number, ac.Status)
	if err != nil {
		return fmt.Errorf("triggering %s: %w", job, err)
	}
	ctxlog.FromContext(ctx).Info("Triggered downstream build.",
		"job", job, "number", number, "from", build.Ref(ac.Job, ac.Number))
	return nil
}
