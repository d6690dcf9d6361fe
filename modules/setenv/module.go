// Package setenv implements the 'setenv' step kind: it publishes an
// environment variable to the rest of the build.
package setenv

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/stagehand-ci/stagehand/internal/build"
	"github.com/stagehand-ci/stagehand/internal/registry"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// Register wires the step kind into the registry.
func (Module) Register(r *registry.Registry) {
	r.RegisterStep(&Step{})
}

var namePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Step sets one variable.
type Step struct{}

// Kind implements registry.StepRunner.
func (*Step) Kind() string { return "setenv" }

// ValidateArgs implements registry.StepRunner.
func (*Step) ValidateArgs(args map[string]string) error {
	for name := range args {
		switch name {
		case "name", "value":
		default:
			return fmt.Errorf("unsupported argument %q", name)
		}
	}
	if args["name"] == "" {
		return errors.New("name is required")
	}
	if !namePattern.MatchString(args["name"]) {
		return fmt.Errorf("name %q must match %s", args["name"], namePattern)
	}
	return nil
}

// Run implements registry.StepRunner.
func (*Step) Run(_ context.Context, sc *registry.StepContext) (registry.StepResult, error) {
	name, value := sc.Args["name"], sc.Args["value"]
	fmt.Fprintf(sc.Log, "set %s\n", name)
	return registry.StepResult{
		Status:     build.StatusSuccess,
		EnvUpdates: map[string]string{name: value},
	}, nil
}
