package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/stagehand-ci/stagehand/internal/build"
	"github.com/stagehand-ci/stagehand/internal/buildlog"
	"github.com/stagehand-ci/stagehand/internal/ctxlog"
	"github.com/stagehand-ci/stagehand/internal/registry"
	"github.com/stagehand-ci/stagehand/internal/schema"
	"github.com/stagehand-ci/stagehand/internal/vars"
)

// run carries everything one build needs while it executes: the pinned
// definition, the resolved secrets, the growing public environment and
// the open build log.
type run struct {
	e          *Engine
	name       string
	number     int64
	cause      build.Cause
	def        *schema.Pipeline
	version    int
	params     map[string]string
	secretByID map[string]string
	env        *envState
	log        *buildlog.Log
	workspace  string

	noteMu sync.Mutex
	note   string
}

// newRun resolves everything a build needs before its first event:
// the definition, every secret the tree references, a workspace and a
// build log primed with the secret values to redact. Any failure here
// means the build finishes without having started.
func (e *Engine) newRun(ctx context.Context, st *build.State) (*run, error) {
	j, err := e.jobs.Get(st.Job)
	if err != nil {
		return nil, fmt.Errorf("resolve definition: %w", err)
	}
	if j.Version != st.DefinitionVersion {
		ctxlog.FromContext(ctx).Warn("Definition changed since admission, running current version.",
			"admitted", st.DefinitionVersion, "current", j.Version)
	}

	secretByID, err := e.fetchSecrets(ctx, j.Definition)
	if err != nil {
		return nil, err
	}
	values := make([]string, 0, len(secretByID))
	for _, v := range secretByID {
		values = append(values, v)
	}

	workspace := e.workspacePath(st.Job, st.Number)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	blog, err := e.logs.Create(st.Job, st.Number, values)
	if err != nil {
		return nil, fmt.Errorf("open build log: %w", err)
	}

	return &run{
		e:          e,
		name:       st.Job,
		number:     st.Number,
		cause:      st.Cause,
		def:        j.Definition,
		version:    j.Version,
		params:     st.Params,
		secretByID: secretByID,
		env:        newEnvState(),
		log:        blog,
		workspace:  workspace,
	}, nil
}

// fetchSecrets resolves every secret reference in the tree up front.
// The log redactor needs the complete value set before the first byte
// of output, and a dangling reference should fail the build before any
// step runs.
func (e *Engine) fetchSecrets(ctx context.Context, def *schema.Pipeline) (map[string]string, error) {
	ids := map[string]bool{}
	collect := func(env map[string]schema.EnvValue) {
		for _, v := range env {
			if v.IsSecret() {
				ids[v.SecretID] = true
			}
		}
	}
	collect(def.Env)
	var walk func(st *schema.Stage)
	walk = func(st *schema.Stage) {
		collect(st.Env)
		for _, child := range st.Parallel {
			walk(child)
		}
		for _, child := range st.Stages {
			walk(child)
		}
	}
	for _, st := range def.Stages {
		walk(st)
	}

	out := make(map[string]string, len(ids))
	for id := range ids {
		value, err := e.secrets.Fetch(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("resolve secret %q: %w", id, err)
		}
		out[id] = value
	}
	return out, nil
}

func (e *Engine) workspacePath(job string, number int64) string {
	safe := strings.NewReplacer("/", "_", string(filepath.Separator), "_").Replace(job)
	return filepath.Join(e.workRoot, safe, strconv.FormatInt(number, 10))
}

// finalizeEarly closes a build that never ran: definition or secret
// resolution failed, or it was cancelled while still queued. Post
// actions still fire so a broken build is as loud as a failed one.
func (e *Engine) finalizeEarly(ctx context.Context, st *build.State, status build.Status, note string) {
	ev := build.NewEvent(e.clk.Now().UTC(), build.EventFinished, map[string]string{
		build.KeyStatus:  string(status),
		build.KeyMessage: note,
	})
	if err := e.store.Append(st.Job, st.Number, ev); err != nil {
		ctxlog.FromContext(ctx).Error("Finalizing unstarted build failed.", "error", err)
		return
	}
	final, err := e.store.Get(st.Job, st.Number)
	if err != nil {
		ctxlog.FromContext(ctx).Error("Loading terminal state for dispatch failed.", "error", err)
		return
	}
	e.dispatcher.Dispatch(ctx, final, e.workspacePath(st.Job, st.Number))
}

// run drives the build from started to finished and dispatches its
// post actions exactly once. ctx is the worker's context; engine
// shutdown cancels it and the build winds down as aborted.
func (r *run) run(ctx context.Context) {
	logger := ctxlog.FromContext(ctx)
	ref := build.Ref(r.name, r.number)
	startedAt := r.e.clk.Now()

	bctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	unregister := r.e.registerRun(ref, cancel)
	defer unregister()

	// A cancel that landed between pickup and registration has no
	// handle to reach; honor its recorded intent now.
	if cur, err := r.e.store.Get(r.name, r.number); err == nil && cur.Cancelling {
		cancel(&CancelError{})
	}

	if r.def.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		bctx, cancelTimeout = context.WithTimeoutCause(bctx, r.def.Timeout,
			&TimeoutError{Scope: "pipeline " + r.def.Name, Limit: r.def.Timeout})
		defer cancelTimeout()
	}

	r.append(bctx, build.EventStarted, nil)
	logger.Info("▶️ Build started.", "cause", string(r.cause.Kind), "definition_version", r.version)

	// Pipeline-level literals enter the public environment up front so
	// guards and steps see them and the folded state lists them.
	base := map[string]string{}
	for name, v := range r.def.Env {
		if !v.IsSecret() {
			base[name] = v.Literal
		}
	}
	r.commitEnv(bctx, base)

	// Secret-backed values ride a side overlay instead; they must never
	// reach the event stream.
	overlay := map[string]string{}
	for name, v := range r.def.Env {
		if v.IsSecret() {
			overlay[name] = r.secretByID[v.SecretID]
		}
	}

	final := r.walkSequence(bctx, r.def.Stages, "", r.def.AgentLabel, overlay)
	if final == build.StatusSkipped {
		// Every stage was guarded off; an empty run is a clean one.
		final = build.StatusSuccess
	}

	// An abort request that raced the final stage still wins.
	if cur, err := r.e.store.Get(r.name, r.number); err == nil && cur.Cancelling {
		final = build.StatusAborted
	}
	note := r.failNote()
	if final == build.StatusAborted && note == "" {
		note = causeMessage(bctx)
		if note == "" {
			note = "aborted"
		}
	}

	data := map[string]string{build.KeyStatus: string(final)}
	if note != "" {
		data[build.KeyMessage] = note
	}
	r.append(bctx, build.EventFinished, data)
	logger.Info("🏁 Build finished.",
		"status", string(final), "duration", r.e.clk.Now().Sub(startedAt).String())

	if err := r.log.Close(); err != nil {
		logger.Warn("Closing build log failed.", "error", err)
	}
	r.e.dropGates(r.name, r.number)

	// Post actions run on the worker's context, not the build's: a
	// cancelled build still notifies.
	finalState, err := r.e.store.Get(r.name, r.number)
	if err != nil {
		logger.Error("Loading terminal state for dispatch failed.", "error", err)
		return
	}
	r.e.dispatcher.Dispatch(ctx, finalState, r.workspace)

	if err := os.RemoveAll(r.workspace); err != nil {
		logger.Warn("Workspace cleanup failed.", "workspace", r.workspace, "error", err)
	}
}

// walkSequence runs stages in order. Failure or abort halts the rest
// of the sequence unless the failing stage opts into continue-on-error;
// halted stages are recorded as skipped, and the worst status seen is
// the sequence's result.
func (r *run) walkSequence(ctx context.Context, stages []*schema.Stage, parent, label string, overlay map[string]string) build.Status {
	agg := build.StatusSkipped
	haltedBy := ""
	for _, st := range stages {
		if haltedBy != "" {
			r.skipTree(ctx, st, parent, "not run: stage "+haltedBy+" did not succeed")
			continue
		}
		status := r.walkStage(ctx, st, parent, label, overlay)
		agg = build.Worst(agg, status)
		if (status == build.StatusFailure || status == build.StatusAborted) && !st.ContinueOnError {
			haltedBy = schema.JoinPath(parent, st.Name)
		}
	}
	return agg
}

// walkStage runs one stage subtree and returns its status. Label and
// env overlay inherit from the enclosing scope unless the stage
// declares its own.
func (r *run) walkStage(ctx context.Context, st *schema.Stage, parent, label string, overlay map[string]string) build.Status {
	path := schema.JoinPath(parent, st.Name)

	// A build already being torn down does not start new stages.
	if ctx.Err() != nil {
		r.skipTree(ctx, st, parent, "not run: "+causeMessage(ctx))
		return build.StatusSkipped
	}

	if st.AgentLabel != "" {
		label = st.AgentLabel
	}
	overlay = r.mergeOverlay(overlay, st.Env)

	if st.Guard != nil {
		ok, err := st.Guard.Eval(r.effectiveEnv(overlay), r.params)
		if err != nil {
			r.noteFailure(path, err.Error())
			r.finishStage(ctx, path, build.StatusFailure, err.Error(), 0)
			return build.StatusFailure
		}
		if !ok {
			r.skipTree(ctx, st, parent, fmt.Sprintf("when %s is false", st.Guard.Source()))
			return build.StatusSkipped
		}
	}

	switch {
	case st.Input != nil:
		return r.waitGate(ctx, st, path)
	case len(st.Parallel) > 0:
		return r.runParallel(ctx, st, path, label, overlay)
	case len(st.Stages) > 0:
		return r.runGroup(ctx, st, path, label, overlay)
	default:
		return r.runLeaf(ctx, st, path, label, overlay)
	}
}

// runGroup runs a nested sequence stage.
func (r *run) runGroup(ctx context.Context, st *schema.Stage, path, label string, overlay map[string]string) build.Status {
	r.append(ctx, build.EventStageStarted, map[string]string{build.KeyStage: path})
	status := r.walkSequence(ctx, st.Stages, path, label, overlay)
	if status == build.StatusSkipped {
		status = build.StatusSuccess
	}
	r.finishStage(ctx, path, status, "", 0)
	return status
}

// runParallel fans the child branches out on their own goroutines and
// waits for all of them. The first branch to fail or abort cancels its
// siblings unless the group opts into continue-on-error.
func (r *run) runParallel(ctx context.Context, st *schema.Stage, path, label string, overlay map[string]string) build.Status {
	logger := ctxlog.FromContext(ctx)
	r.append(ctx, build.EventStageStarted, map[string]string{build.KeyStage: path})
	logger.Info("Fanning out parallel branches.", "stage", path, "branches", len(st.Parallel))

	bctx, cancelBranches := context.WithCancelCause(ctx)
	defer cancelBranches(nil)

	results := make([]build.Status, len(st.Parallel))
	var wg sync.WaitGroup
	for i, branch := range st.Parallel {
		wg.Add(1)
		go func(i int, branch *schema.Stage) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("💥 Branch panicked.", "stage", path, "panic", rec)
					results[i] = build.StatusFailure
					r.noteFailure(schema.JoinPath(path, branch.Name), fmt.Sprintf("panic: %v", rec))
				}
			}()
			status := r.walkStage(bctx, branch, path, label, overlay)
			results[i] = status
			if (status == build.StatusFailure || status == build.StatusAborted) && !st.ContinueOnError {
				cancelBranches(fmt.Errorf("branch %q %s",
					schema.JoinPath(path, branch.Name), strings.ToLower(string(status))))
			}
		}(i, branch)
	}
	wg.Wait()

	status := groupStatus(results)
	r.finishStage(ctx, path, status, "", 0)
	return status
}

// groupStatus folds parallel branch outcomes. A deliberate failure
// outranks the aborts it induced in its siblings, so the recorded
// result names the cause rather than the collateral.
func groupStatus(results []build.Status) build.Status {
	has := map[build.Status]bool{}
	for _, s := range results {
		has[s] = true
	}
	switch {
	case has[build.StatusFailure]:
		return build.StatusFailure
	case has[build.StatusAborted]:
		return build.StatusAborted
	case has[build.StatusUnstable]:
		return build.StatusUnstable
	default:
		return build.StatusSuccess
	}
}

// runLeaf acquires an agent and runs the stage's steps, retrying the
// whole step list on failure up to the declared budget. The lease is
// held across retries; the same agent runs every attempt.
func (r *run) runLeaf(ctx context.Context, st *schema.Stage, path, label string, overlay map[string]string) build.Status {
	logger := ctxlog.FromContext(ctx)

	lease, err := r.e.pool.Acquire(ctx, label)
	if err != nil {
		if ctx.Err() != nil {
			msg := causeMessage(ctx)
			r.noteFailure(path, msg)
			r.finishStage(ctx, path, build.StatusAborted, msg, 0)
			return build.StatusAborted
		}
		r.noteFailure(path, err.Error())
		r.finishStage(ctx, path, build.StatusFailure, err.Error(), 0)
		return build.StatusFailure
	}
	defer lease.Release()

	r.append(ctx, build.EventStageStarted, map[string]string{
		build.KeyStage: path,
		build.KeyAgent: lease.AgentID(),
	})
	logger.Info("▶️ Stage started.", "stage", path, "agent", lease.AgentID())

	attempts := st.Retry + 1
	var status build.Status
	var failedStep, message string
	attempt := 1
	for ; attempt <= attempts; attempt++ {
		status, failedStep, message = r.attempt(ctx, st, path, overlay)
		if status != build.StatusFailure {
			break
		}
		if attempt < attempts {
			logger.Warn("Stage attempt failed, retrying.",
				"stage", path, "attempt", attempt, "step", failedStep, "error", message)
		}
	}
	if attempt > attempts {
		attempt = attempts
	}

	if status == build.StatusFailure && failedStep != "" {
		message = (&StepExecutionError{
			Stage:    path,
			Step:     failedStep,
			Attempts: attempt,
			Err:      errors.New(message),
		}).Error()
	}
	if status == build.StatusFailure || status == build.StatusAborted {
		r.noteFailure(path, message)
	}
	r.finishStage(ctx, path, status, message, attempt)
	logger.Info("✅ Stage finished.", "stage", path, "status", string(status), "attempts", attempt)
	return status
}

// attempt runs the stage's step list once. Each attempt gets the
// declared timeout in full and stages its env writes; only an attempt
// that did not fail commits them. On failure the offending step's name
// comes back so the caller can report it once retries are spent.
func (r *run) attempt(ctx context.Context, st *schema.Stage, path string, overlay map[string]string) (build.Status, string, string) {
	if ctx.Err() != nil {
		return build.StatusAborted, "", causeMessage(ctx)
	}
	actx := ctx
	if st.Timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeoutCause(ctx, st.Timeout,
			&TimeoutError{Scope: "stage " + path, Limit: st.Timeout})
		defer cancel()
	}

	staged := map[string]string{}
	worst := build.StatusSuccess
	var note string
	for _, step := range st.Steps {
		env := r.effectiveEnv(overlay)
		for k, v := range staged {
			env[k] = v
		}
		status, msg := r.runStep(actx, path, step, env, staged)
		switch status {
		case build.StatusSuccess:
		case build.StatusUnstable:
			worst = build.StatusUnstable
			if note == "" {
				note = fmt.Sprintf("step %q: %s", step.Name, msg)
			}
		case build.StatusAborted:
			return build.StatusAborted, "", msg
		default:
			return build.StatusFailure, step.Name, msg
		}
	}
	r.commitEnv(ctx, staged)
	return worst, "", note
}

// runStep records the step's lifecycle events around its execution.
func (r *run) runStep(ctx context.Context, stagePath string, step *schema.Step, env, staged map[string]string) (build.Status, string) {
	logger := ctxlog.FromContext(ctx)
	r.append(ctx, build.EventStepStarted, map[string]string{
		build.KeyStage: stagePath,
		build.KeyStep:  step.Name,
		build.KeyKind:  step.Kind,
	})
	logger.Debug("▶️ Step started.", "stage", stagePath, "step", step.Name, "kind", step.Kind)

	status, msg := r.invoke(ctx, stagePath, step, env, staged)

	data := map[string]string{
		build.KeyStage:  stagePath,
		build.KeyStep:   step.Name,
		build.KeyStatus: string(status),
	}
	if msg != "" {
		data[build.KeyMessage] = msg
	}
	r.append(ctx, build.EventStepDone, data)
	logger.Debug("✅ Step finished.", "stage", stagePath, "step", step.Name, "status", string(status))
	return status, msg
}

// invoke runs one step through its registered runner. A panicking
// runner is a step failure, never an engine crash.
func (r *run) invoke(ctx context.Context, stagePath string, step *schema.Step, env, staged map[string]string) (status build.Status, msg string) {
	defer func() {
		if rec := recover(); rec != nil {
			status = build.StatusFailure
			msg = fmt.Sprintf("step panicked: %v", rec)
			ctxlog.FromContext(ctx).Error("💥 Step panicked.",
				"stage", stagePath, "step", step.Name, "panic", rec)
		}
	}()

	runner, ok := r.e.reg.Step(step.Kind)
	if !ok {
		return build.StatusFailure, fmt.Sprintf("unknown step kind %q", step.Kind)
	}

	scope := vars.Scope(r.params, env)
	args, err := vars.ExpandAll(step.Args, scope)
	if err != nil {
		return build.StatusFailure, err.Error()
	}

	out := r.log.Writer(stagePath)
	defer out.Close()

	result, err := runner.Run(ctx, &registry.StepContext{
		Job:       r.name,
		Number:    r.number,
		StagePath: stagePath,
		StepName:  step.Name,
		Args:      args,
		Env:       scope,
		Workspace: r.workspace,
		Artifacts: r.e.artifacts,
		Log:       out,
	})
	if err != nil {
		if ctx.Err() != nil {
			return build.StatusAborted, causeMessage(ctx)
		}
		return build.StatusFailure, err.Error()
	}

	for k, v := range result.EnvUpdates {
		staged[k] = v
	}
	for _, ref := range result.Artifacts {
		r.append(ctx, build.EventArtifact, map[string]string{
			build.KeyRef:  ref.ID,
			build.KeyName: ref.Name,
			build.KeySize: strconv.FormatInt(ref.Size, 10),
		})
	}

	switch result.Status {
	case "", build.StatusSuccess:
		return build.StatusSuccess, result.Message
	case build.StatusUnstable, build.StatusFailure:
		return result.Status, result.Message
	default:
		return build.StatusFailure, fmt.Sprintf("step reported invalid status %q", result.Status)
	}
}

// waitGate suspends the build on a human decision. No agent is held
// while waiting; the stage timeout bounds the wait.
func (r *run) waitGate(ctx context.Context, st *schema.Stage, path string) build.Status {
	logger := ctxlog.FromContext(ctx)
	token := uuid.NewString()
	decision := r.e.openGate(token, r.name, r.number, path)

	r.append(ctx, build.EventStageStarted, map[string]string{build.KeyStage: path})
	r.append(ctx, build.EventInputAsked, map[string]string{
		build.KeyStage:   path,
		build.KeyToken:   token,
		build.KeyMessage: st.Input.Message,
	})
	logger.Info("⏸️ Waiting for input.", "stage", path, "token", token)

	wctx := ctx
	if st.Timeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeoutCause(ctx, st.Timeout,
			&TimeoutError{Scope: "input " + path, Limit: st.Timeout})
		defer cancel()
	}

	select {
	case <-wctx.Done():
		r.e.settleGate(token)
		msg := causeMessage(wctx)
		r.noteFailure(path, msg)
		r.finishStage(ctx, path, build.StatusAborted, msg, 0)
		return build.StatusAborted

	case d := <-decision:
		r.append(ctx, build.EventInputDone, map[string]string{
			build.KeyToken:    token,
			build.KeyApproved: strconv.FormatBool(d.approved),
			build.KeyActor:    d.actor,
		})
		if d.approved {
			logger.Info("Input approved.", "stage", path, "actor", d.actor)
			r.finishStage(ctx, path, build.StatusSuccess, "approved by "+d.actor, 0)
			return build.StatusSuccess
		}
		msg := "rejected by " + d.actor
		r.noteFailure(path, msg)
		r.finishStage(ctx, path, build.StatusAborted, msg, 0)
		return build.StatusAborted
	}
}

// skipTree records a stage and all its descendants as skipped.
func (r *run) skipTree(ctx context.Context, st *schema.Stage, parent, reason string) {
	path := schema.JoinPath(parent, st.Name)
	r.append(ctx, build.EventStageSkipped, map[string]string{
		build.KeyStage:  path,
		build.KeyReason: reason,
	})
	for _, child := range st.Parallel {
		r.skipTree(ctx, child, path, reason)
	}
	for _, child := range st.Stages {
		r.skipTree(ctx, child, path, reason)
	}
}

// finishStage appends the stage.finished event.
func (r *run) finishStage(ctx context.Context, path string, status build.Status, message string, attempts int) {
	data := map[string]string{
		build.KeyStage:  path,
		build.KeyStatus: string(status),
	}
	if message != "" {
		data[build.KeyMessage] = message
	}
	if attempts > 0 {
		data[build.KeyAttempts] = strconv.Itoa(attempts)
	}
	r.append(ctx, build.EventStageDone, data)
}

// mergeOverlay layers a stage's env block over the inherited overlay.
// Overlays are scoped to the subtree and never recorded in events,
// which is what keeps secret-backed values out of the store.
func (r *run) mergeOverlay(parent map[string]string, env map[string]schema.EnvValue) map[string]string {
	if len(env) == 0 {
		return parent
	}
	out := make(map[string]string, len(parent)+len(env))
	for k, v := range parent {
		out[k] = v
	}
	for name, v := range env {
		if v.IsSecret() {
			out[name] = r.secretByID[v.SecretID]
		} else {
			out[name] = v.Literal
		}
	}
	return out
}

// effectiveEnv is the public environment plus the subtree overlay.
func (r *run) effectiveEnv(overlay map[string]string) map[string]string {
	env := r.env.snapshot()
	for k, v := range overlay {
		env[k] = v
	}
	return env
}

// commitEnv publishes staged env writes: the in-memory map feeds later
// stages, the events feed the folded state. Keys are ordered so a
// replayed stream folds identically.
func (r *run) commitEnv(ctx context.Context, updates map[string]string) {
	if len(updates) == 0 {
		return
	}
	r.env.set(updates)
	keys := make([]string, 0, len(updates))
	for k := range updates {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		r.append(ctx, build.EventEnvSet, map[string]string{
			build.KeyName:  k,
			build.KeyValue: updates[k],
		})
	}
}

// noteFailure keeps the first non-success stage note for the terminal
// build message. Parallel branches race for it; first wins.
func (r *run) noteFailure(path, msg string) {
	r.noteMu.Lock()
	if r.note == "" {
		if msg == "" {
			r.note = "stage " + path + " did not succeed"
		} else {
			r.note = fmt.Sprintf("stage %s: %s", path, msg)
		}
	}
	r.noteMu.Unlock()
}

func (r *run) failNote() string {
	r.noteMu.Lock()
	defer r.noteMu.Unlock()
	return r.note
}

// append records one event. A rejected append means the engine broke
// its own sequencing; that panics, and the worker's recover turns it
// into an abandoned build instead of a dead process.
func (r *run) append(ctx context.Context, typ string, data map[string]string) {
	ev := build.NewEvent(r.e.clk.Now().UTC(), typ, data)
	if err := r.e.store.Append(r.name, r.number, ev); err != nil {
		var tr *build.StateTransitionError
		if errors.As(err, &tr) {
			panic(err)
		}
		ctxlog.FromContext(ctx).Error("Appending build event failed.", "type", typ, "error", err)
	}
}

// causeMessage renders a context's cancellation cause for event
// messages. Plain shutdown cancellation reads poorly raw.
func causeMessage(ctx context.Context) string {
	cause := context.Cause(ctx)
	switch {
	case cause == nil:
		return ""
	case errors.Is(cause, context.Canceled):
		return "interrupted by shutdown"
	default:
		return cause.Error()
	}
}

// envState is the build-global mutable environment. Committed writes
// land here and in env.set events; stage overlays never do.
type envState struct {
	mu     sync.Mutex
	values map[string]string
}

func newEnvState() *envState {
	return &envState{values: map[string]string{}}
}

func (s *envState) snapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

func (s *envState) set(updates map[string]string) {
	s.mu.Lock()
	for k, v := range updates {
		s.values[k] = v
	}
	s.mu.Unlock()
}
