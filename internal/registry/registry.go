// Package registry maps the step and action kinds a definition may
// name to the Go code that runs them. Modules contribute kinds at
// startup; the definition validator checks kinds and arguments against
// the same registry the engine executes from.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
)

// Module is the interface all built-in modules implement to be
// registered.
type Module interface {
	Register(r *Registry)
}

// Registry holds the registered step and action runners for a single
// application instance.
type Registry struct {
	steps   map[string]StepRunner
	actions map[string]ActionRunner
}

// New creates a Registry and registers the given modules into it.
func New(modules ...Module) *Registry {
	r := &Registry{
		steps:   make(map[string]StepRunner),
		actions: make(map[string]ActionRunner),
	}
	for _, m := range modules {
		m.Register(r)
	}
	return r
}

// RegisterStep registers a step kind.
func (r *Registry) RegisterStep(runner StepRunner) {
	kind := runner.Kind()
	if _, exists := r.steps[kind]; exists {
		panic(fmt.Sprintf("step kind '%s' already registered", kind))
	}
	slog.Debug("Registering step kind.", "kind", kind)
	r.steps[kind] = runner
}

// RegisterAction registers a post-action kind.
func (r *Registry) RegisterAction(runner ActionRunner) {
	kind := runner.Kind()
	if _, exists := r.actions[kind]; exists {
		panic(fmt.Sprintf("action kind '%s' already registered", kind))
	}
	slog.Debug("Registering action kind.", "kind", kind)
	r.actions[kind] = runner
}

// Step returns the runner for a step kind.
func (r *Registry) Step(kind string) (StepRunner, bool) {
	runner, ok := r.steps[kind]
	return runner, ok
}

// Action returns the runner for an action kind.
func (r *Registry) Action(kind string) (ActionRunner, bool) {
	runner, ok := r.actions[kind]
	return runner, ok
}

// StepKinds lists the registered step kinds in sorted order.
func (r *Registry) StepKinds() []string {
	kinds := make([]string, 0, len(r.steps))
	for k := range r.steps {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// ActionKinds lists the registered action kinds in sorted order.
func (r *Registry) ActionKinds() []string {
	kinds := make([]string, 0, len(r.actions))
	for k := range r.actions {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// CheckStep reports whether a definition may use the given step kind
// with the given arguments. Part of the definition validation seam.
func (r *Registry) CheckStep(kind string, args map[string]string) error {
	runner, ok := r.steps[kind]
	if !ok {
		return fmt.Errorf("unknown step kind %q", kind)
	}
	if err := runner.ValidateArgs(args); err != nil {
		return fmt.Errorf("step kind %q: %w", kind, err)
	}
	return nil
}

// CheckAction reports whether a definition may use the given action
// kind with the given arguments.
func (r *Registry) CheckAction(kind string, args map[string]string) error {
	runner, ok := r.actions[kind]
	if !ok {
		return fmt.Errorf("unknown action kind %q", kind)
	}
	if err := runner.ValidateArgs(args); err != nil {
		return fmt.Errorf("action kind %q: %w", kind, err)
	}
	return nil
}
