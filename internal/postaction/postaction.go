// Package postaction runs the outcome-conditioned actions a
// definition declares, once per terminal build. Action failures are
// logged and recorded as dispatch outcomes; they never mutate the
// build itself.
package postaction

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stagehand-ci/stagehand/internal/artifact"
	"github.com/stagehand-ci/stagehand/internal/build"
	"github.com/stagehand-ci/stagehand/internal/buildstore"
	"github.com/stagehand-ci/stagehand/internal/ctxlog"
	"github.com/stagehand-ci/stagehand/internal/job"
	"github.com/stagehand-ci/stagehand/internal/registry"
	"github.com/stagehand-ci/stagehand/internal/schema"
	"github.com/stagehand-ci/stagehand/internal/vars"
)

// NotificationDeliveryError wraps a failed post action. It is the
// logged-only error class: the build stays terminal and untouched.
type NotificationDeliveryError struct {
	Action string
	Job    string
	Number int64
	Err    error
}

func (e *NotificationDeliveryError) Error() string {
	return fmt.Sprintf("post action %s for %s: %v", e.Action, build.Ref(e.Job, e.Number), e.Err)
}

func (e *NotificationDeliveryError) Unwrap() error { return e.Err }

const defaultActionTimeout = time.Minute

// Dispatcher runs declared post actions sequentially in declaration
// order, each under its own timeout.
type Dispatcher struct {
	reg       *registry.Registry
	jobs      *job.Store
	store     *buildstore.Store
	artifacts *artifact.Store
	timeout   time.Duration
}

// New wires a dispatcher. timeout bounds each single action; zero
// picks the default.
func New(reg *registry.Registry, jobs *job.Store, store *buildstore.Store, artifacts *artifact.Store, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = defaultActionTimeout
	}
	return &Dispatcher{reg: reg, jobs: jobs, store: store, artifacts: artifacts, timeout: timeout}
}

// Dispatch runs the post actions for one terminal build. The engine
// calls it exactly once per build, after build.finished. workspace is
// the build's workspace directory, still on disk.
func (d *Dispatcher) Dispatch(ctx context.Context, st *build.State, workspace string) {
	logger := ctxlog.FromContext(ctx).With("job", st.Job, "number", st.Number)

	j, err := d.jobs.Get(st.Job)
	if err != nil {
		logger.Error("Post actions skipped, job definition missing.", "error", err)
		return
	}

	for _, action := range j.Definition.Post {
		matched, err := d.conditionMet(action.Condition, st)
		if err != nil {
			logger.Error("Post action condition check failed.",
				"action", action.Kind, "condition", string(action.Condition), "error", err)
			d.record(ctx, st, action, false, err.Error())
			continue
		}
		if !matched {
			continue
		}
		d.runOne(ctx, st, workspace, action, logger)
	}
}

// conditionMet resolves the condition against the terminal status.
// 'changed' compares with the previous terminal build of the same job;
// a job's first build counts as changed.
func (d *Dispatcher) conditionMet(cond schema.Condition, st *build.State) (bool, error) {
	if cond == schema.OnChanged {
		prev, ok, err := d.store.PreviousTerminalStatus(st.Job, st.Number)
		if err != nil {
			return false, err
		}
		if !ok {
			return true, nil
		}
		return prev != st.Status, nil
	}
	return cond.Matches(st.Status), nil
}

func (d *Dispatcher) runOne(ctx context.Context, st *build.State, workspace string, action schema.PostAction, logger *slog.Logger) {
	runner, ok := d.reg.Action(action.Kind)
	if !ok {
		logger.Error("Post action kind not registered.", "action", action.Kind)
		d.record(ctx, st, action, false, fmt.Sprintf("unknown action kind %q", action.Kind))
		return
	}

	args, err := vars.ExpandAll(action.Args, vars.Scope(st.Params, st.Env))
	if err != nil {
		logger.Warn("Post action arguments failed to expand.", "action", action.Kind, "error", err)
		d.record(ctx, st, action, false, err.Error())
		return
	}

	actx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	err = runner.Run(actx, &registry.ActionContext{
		Job:       st.Job,
		Number:    st.Number,
		Status:    st.Status,
		Args:      args,
		Workspace: workspace,
		Artifacts: d.artifacts,
	})
	if err != nil {
		derr := &NotificationDeliveryError{Action: action.Kind, Job: st.Job, Number: st.Number, Err: err}
		logger.Warn("Post action failed.",
			"action", action.Kind, "condition", string(action.Condition), "error", derr)
		d.record(ctx, st, action, false, err.Error())
		return
	}
	d.record(ctx, st, action, true, "")
}

func (d *Dispatcher) record(ctx context.Context, st *build.State, action schema.PostAction, ok bool, detail string) {
	if err := d.store.RecordDispatch(st.Job, st.Number, action.Kind, string(action.Condition), ok, detail); err != nil {
		ctxlog.FromContext(ctx).Error("Recording dispatch outcome failed.",
			"job", st.Job, "number", st.Number, "action", action.Kind, "error", err)
	}
}
