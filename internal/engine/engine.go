package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/stagehand-ci/stagehand/internal/agentpool"
	"github.com/stagehand-ci/stagehand/internal/artifact"
	"github.com/stagehand-ci/stagehand/internal/build"
	"github.com/stagehand-ci/stagehand/internal/buildlog"
	"github.com/stagehand-ci/stagehand/internal/buildstore"
	"github.com/stagehand-ci/stagehand/internal/clock"
	"github.com/stagehand-ci/stagehand/internal/ctxlog"
	"github.com/stagehand-ci/stagehand/internal/job"
	"github.com/stagehand-ci/stagehand/internal/postaction"
	"github.com/stagehand-ci/stagehand/internal/queue"
	"github.com/stagehand-ci/stagehand/internal/registry"
	"github.com/stagehand-ci/stagehand/internal/secret"
	"github.com/stagehand-ci/stagehand/internal/trigger"
)

// Options wires the engine to the rest of the system.
type Options struct {
	Jobs       *job.Store
	Store      *buildstore.Store
	Pool       *agentpool.Pool
	Registry   *registry.Registry
	Secrets    secret.Provider
	Logs       *buildlog.Manager
	Artifacts  *artifact.Store
	Dispatcher *postaction.Dispatcher
	Clock      clock.Clock
	Intake     *queue.Intake[trigger.QueuedBuild]

	// Workers bounds how many builds run concurrently.
	Workers int

	// WorkRoot is the directory build workspaces are created under.
	WorkRoot string
}

// Engine drains the intake queue and runs builds on a fixed pool of
// workers. Each build walks its pinned stage tree, appending every
// observable fact to the store as it happens, and hands the terminal
// state to the post-action dispatcher exactly once.
type Engine struct {
	jobs       *job.Store
	store      *buildstore.Store
	pool       *agentpool.Pool
	reg        *registry.Registry
	secrets    secret.Provider
	logs       *buildlog.Manager
	artifacts  *artifact.Store
	dispatcher *postaction.Dispatcher
	clk        clock.Clock
	intake     *queue.Intake[trigger.QueuedBuild]
	workers    int
	workRoot   string

	mu     sync.Mutex
	active map[string]*runHandle
	gates  map[string]*gateEntry
}

// runHandle tracks one in-flight build so Cancel can reach it.
type runHandle struct {
	cancel context.CancelCauseFunc
}

type gateDecision struct {
	approved bool
	actor    string
}

type gateEntry struct {
	job      string
	number   int64
	stage    string
	decision chan gateDecision
	settled  bool
}

// New assembles an engine. Workers defaults to 1 when unset.
func New(opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	return &Engine{
		jobs:       opts.Jobs,
		store:      opts.Store,
		pool:       opts.Pool,
		reg:        opts.Registry,
		secrets:    opts.Secrets,
		logs:       opts.Logs,
		artifacts:  opts.Artifacts,
		dispatcher: opts.Dispatcher,
		clk:        opts.Clock,
		intake:     opts.Intake,
		workers:    opts.Workers,
		workRoot:   opts.WorkRoot,
		active:     map[string]*runHandle{},
		gates:      map[string]*gateEntry{},
	}
}

// Run blocks, popping queued builds and executing them, until ctx is
// cancelled or the intake queue is closed and drained. In-flight builds
// observe the cancellation and finalize as aborted before Run returns.
func (e *Engine) Run(ctx context.Context) {
	logger := ctxlog.FromContext(ctx)
	logger.Info("🚀 Engine started.", "workers", e.workers)

	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			e.workerLoop(ctxlog.WithLogger(ctx, logger.With("worker", id)))
		}(i)
	}
	wg.Wait()
	logger.Info("🏁 Engine stopped.")
}

func (e *Engine) workerLoop(ctx context.Context) {
	for {
		item, err := e.intake.Pop(ctx)
		if err != nil {
			// Closed queue or cancelled context; either way we are done.
			return
		}
		e.execute(ctx, item.Job, item.Number)
	}
}

// execute runs one build to its terminal state. A panic anywhere in the
// build is a defect in this process, not in the pipeline; it is logged
// loudly and must not take down sibling builds or the worker.
func (e *Engine) execute(ctx context.Context, jobName string, number int64) {
	logger := ctxlog.FromContext(ctx).With("build", build.Ref(jobName, number))
	ctx = ctxlog.WithLogger(ctx, logger)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("💥 Build runner panicked, build abandoned.", "panic", r)
		}
	}()

	st, err := e.store.Get(jobName, number)
	if err != nil {
		logger.Error("Queued build not found in store.", "error", err)
		return
	}
	if st.Status.Terminal() {
		// Closed by crash recovery before a worker picked it up.
		logger.Debug("Skipping already-terminal build.")
		return
	}
	if st.Cancelling {
		e.finalizeEarly(ctx, st, build.StatusAborted, "cancelled before start")
		return
	}

	r, err := e.newRun(ctx, st)
	if err != nil {
		// The build cannot start (missing definition, unknown secret).
		// It still finishes and still dispatches its post actions.
		logger.Warn("Build failed before start.", "error", err)
		e.finalizeEarly(ctx, st, build.StatusFailure, err.Error())
		return
	}
	r.run(ctx)
}

// Cancel requests an abort of a queued or running build. The intent is
// recorded immediately; a running build observes the cancellation and
// winds down, a queued build is discarded when a worker picks it up.
func (e *Engine) Cancel(ctx context.Context, jobName string, number int64, actor string) error {
	st, err := e.store.Get(jobName, number)
	if err != nil {
		return err
	}
	if st.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyFinished, build.Ref(jobName, number), st.Status)
	}
	if !st.Cancelling {
		ev := build.NewEvent(e.clk.Now().UTC(), build.EventCancelling, map[string]string{
			build.KeyActor: actor,
		})
		if err := e.store.Append(jobName, number, ev); err != nil {
			var tr *build.StateTransitionError
			if errors.As(err, &tr) {
				// Lost the race against the build finishing.
				return fmt.Errorf("%w: %s", ErrAlreadyFinished, build.Ref(jobName, number))
			}
			return err
		}
	}

	e.mu.Lock()
	handle := e.active[build.Ref(jobName, number)]
	e.mu.Unlock()
	if handle != nil {
		handle.cancel(&CancelError{Actor: actor})
	}
	ctxlog.FromContext(ctx).Info("Cancellation requested.",
		"build", build.Ref(jobName, number), "actor", actor)
	return nil
}

// ResolveGate answers a pending input gate. The waiting build records
// the resolution and resumes; approval is a success, rejection aborts
// the stage.
func (e *Engine) ResolveGate(token string, approve bool, actor string) error {
	e.mu.Lock()
	entry, ok := e.gates[token]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownGate
	}
	if entry.settled {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrGateResolved, token)
	}
	entry.settled = true
	e.mu.Unlock()

	entry.decision <- gateDecision{approved: approve, actor: actor}
	return nil
}

// registerRun exposes a build's cancel function to Cancel. The returned
// func removes it again.
func (e *Engine) registerRun(ref string, cancel context.CancelCauseFunc) func() {
	e.mu.Lock()
	e.active[ref] = &runHandle{cancel: cancel}
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.active, ref)
		e.mu.Unlock()
	}
}

// openGate registers a token the engine will accept resolutions for.
// The decision channel is buffered so ResolveGate never blocks on a
// waiter that is concurrently timing out.
func (e *Engine) openGate(token, jobName string, number int64, stage string) <-chan gateDecision {
	entry := &gateEntry{
		job:      jobName,
		number:   number,
		stage:    stage,
		decision: make(chan gateDecision, 1),
	}
	e.mu.Lock()
	e.gates[token] = entry
	e.mu.Unlock()
	return entry.decision
}

// settleGate marks a token answered without removing it, so a second
// resolution reports "already resolved" rather than "unknown".
func (e *Engine) settleGate(token string) {
	e.mu.Lock()
	if entry, ok := e.gates[token]; ok {
		entry.settled = true
	}
	e.mu.Unlock()
}

// dropGates removes every token belonging to a finished build.
func (e *Engine) dropGates(jobName string, number int64) {
	e.mu.Lock()
	for token, entry := range e.gates {
		if entry.job == jobName && entry.number == number {
			delete(e.gates, token)
		}
	}
	e.mu.Unlock()
}
