// Package trigger admits build requests from every source a
// definition declares: manual asks, cron schedules, webhook
// deliveries, and upstream completions. Every admitted request is
// stamped by the build store first and then queued, so queue order
// equals numbering order per job.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stagehand-ci/stagehand/internal/build"
	"github.com/stagehand-ci/stagehand/internal/buildstore"
	"github.com/stagehand-ci/stagehand/internal/clock"
	"github.com/stagehand-ci/stagehand/internal/cron"
	"github.com/stagehand-ci/stagehand/internal/ctxlog"
	"github.com/stagehand-ci/stagehand/internal/job"
	"github.com/stagehand-ci/stagehand/internal/queue"
	"github.com/stagehand-ci/stagehand/internal/schema"
)

// ErrMissingParam reports a fire that left a required parameter
// without a value.
var ErrMissingParam = errors.New("required parameter not supplied")

// ErrNoWebhookTrigger reports a webhook delivery for a job whose
// definition never declared one.
var ErrNoWebhookTrigger = errors.New("job does not declare a webhook trigger")

// QueuedBuild is one admitted build waiting for an engine worker.
type QueuedBuild struct {
	Job    string
	Number int64
}

// idleWait bounds the scheduler sleep when no cron entry exists.
const idleWait = time.Hour

// Subsystem owns the intake and the goroutines feeding it.
type Subsystem struct {
	store  *buildstore.Store
	jobs   *job.Store
	clk    clock.Clock
	window time.Duration

	intake *queue.Intake[QueuedBuild]

	mu     sync.Mutex
	recent map[debounceKey]time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type debounceKey struct {
	job  string
	kind build.CauseKind
}

// New wires a subsystem. window is the debounce window for webhook and
// upstream fires; zero disables coalescing.
func New(store *buildstore.Store, jobs *job.Store, clk clock.Clock, window time.Duration) *Subsystem {
	return &Subsystem{
		store:  store,
		jobs:   jobs,
		clk:    clk,
		window: window,
		intake: queue.NewIntake[QueuedBuild](),
		recent: map[debounceKey]time.Time{},
		stop:   make(chan struct{}),
	}
}

// Intake returns the queue engine workers pop.
func (s *Subsystem) Intake() *queue.Intake[QueuedBuild] {
	return s.intake
}

// Start launches the cron scheduler and the upstream completion
// watcher. The completion feed is subscribed before Start returns, so
// a build finishing right after cannot slip past the watcher.
func (s *Subsystem) Start(ctx context.Context) {
	feed, cancel := s.store.Subscribe()
	s.wg.Add(2)
	go s.runScheduler(ctx)
	go s.runWatcher(ctx, feed, cancel)
}

// Stop halts the scheduler and watcher and closes the intake. Builds
// admitted to the store but not yet popped stay queued there; crash
// recovery closes them out on the next start.
func (s *Subsystem) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		s.intake.Close()
	})
}

// FireManual admits a user-requested build and returns its number.
func (s *Subsystem) FireManual(ctx context.Context, jobName string, params map[string]string, actor string) (int64, error) {
	j, err := s.jobs.Get(jobName)
	if err != nil {
		return 0, err
	}
	resolved, err := resolveParams(j.Definition, params)
	if err != nil {
		return 0, err
	}
	cause := build.Cause{ID: uuid.NewString(), Kind: build.CauseManual, Actor: actor}
	return s.admit(ctx, j, cause, resolved)
}

// FireWebhook admits a webhook delivery for a job that declares one.
// Payload values become parameters under WEBHOOK_ names. A delivery
// inside the debounce window coalesces into the already admitted
// request and returns number zero.
func (s *Subsystem) FireWebhook(ctx context.Context, jobName string, payload map[string]string) (int64, error) {
	j, err := s.jobs.Get(jobName)
	if err != nil {
		return 0, err
	}
	if !j.Definition.Triggers.Webhook {
		return 0, fmt.Errorf("%w: %s", ErrNoWebhookTrigger, jobName)
	}
	if s.debounced(jobName, build.CauseWebhook) {
		ctxlog.FromContext(ctx).Debug("Coalesced webhook delivery inside debounce window.", "job", jobName)
		return 0, nil
	}
	params, err := resolveParams(j.Definition, nil)
	if err != nil {
		return 0, err
	}
	for key, value := range payload {
		params[webhookParam(key)] = value
	}
	cause := build.Cause{ID: uuid.NewString(), Kind: build.CauseWebhook, Note: "webhook"}
	return s.admit(ctx, j, cause, params)
}

// FireDownstream admits a build caused by another build's completion.
// Both the upstream watcher and the 'build' post action come through
// here, sharing one debounce bucket per job.
func (s *Subsystem) FireDownstream(ctx context.Context, jobName, fromJob string, fromNumber int64, fromStatus build.Status) (int64, error) {
	j, err := s.jobs.Get(jobName)
	if err != nil {
		return 0, err
	}
	if s.debounced(jobName, build.CauseUpstream) {
		ctxlog.FromContext(ctx).Debug("Coalesced upstream fire inside debounce window.", "job", jobName)
		return 0, nil
	}
	params, err := resolveParams(j.Definition, nil)
	if err != nil {
		return 0, err
	}
	cause := build.Cause{
		ID:   uuid.NewString(),
		Kind: build.CauseUpstream,
		Note: fmt.Sprintf("upstream %s %s", build.Ref(fromJob, fromNumber), strings.ToLower(string(fromStatus))),
	}
	return s.admit(ctx, j, cause, params)
}

// admit stamps the request in the store and queues it for the engine.
func (s *Subsystem) admit(ctx context.Context, j *job.Job, cause build.Cause, params map[string]string) (int64, error) {
	st, err := s.store.Create(build.Request{
		Job:               j.Name,
		Cause:             cause,
		Params:            params,
		DefinitionVersion: j.Version,
	})
	if err != nil {
		return 0, err
	}
	if err := s.intake.Push(QueuedBuild{Job: st.Job, Number: st.Number}); err != nil {
		return 0, err
	}
	ctxlog.FromContext(ctx).Info("Admitted build request.",
		"job", st.Job, "number", st.Number, "cause", string(cause.Kind))
	return st.Number, nil
}

func (s *Subsystem) debounced(jobName string, kind build.CauseKind) bool {
	if s.window <= 0 {
		return false
	}
	now := s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	key := debounceKey{job: jobName, kind: kind}
	if last, ok := s.recent[key]; ok && now.Sub(last) < s.window {
		return true
	}
	s.recent[key] = now
	return false
}

type scheduleKey struct {
	job  string
	expr string
}

// runScheduler sleeps until the earliest cron deadline and fires every
// entry that has come due. The deadline table is rebuilt around
// whatever the job store currently holds, so re-registered definitions
// are picked up on the next wake.
func (s *Subsystem) runScheduler(ctx context.Context) {
	defer s.wg.Done()
	pending := map[scheduleKey]time.Time{}
	for {
		now := s.clk.Now()
		wait := idleWait
		seen := map[scheduleKey]bool{}

		for _, name := range s.jobs.Names() {
			j, err := s.jobs.Get(name)
			if err != nil {
				continue
			}
			for _, expr := range j.Definition.Triggers.Cron {
				key := scheduleKey{job: name, expr: expr}
				seen[key] = true
				next, ok := pending[key]
				if !ok {
					next, ok = nextRun(expr, name, now)
					if !ok {
						continue
					}
					pending[key] = next
				}
				if !next.After(now) {
					s.fireCron(ctx, j, expr)
					next, ok = nextRun(expr, name, now)
					if !ok {
						delete(pending, key)
						continue
					}
					pending[key] = next
				}
				if until := next.Sub(now); until < wait {
					wait = until
				}
			}
		}
		for key := range pending {
			if !seen[key] {
				delete(pending, key)
			}
		}

		if wait < time.Second {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-s.clk.After(wait):
		}
	}
}

func nextRun(expr, seed string, now time.Time) (time.Time, bool) {
	sched, err := cron.Parse(expr, seed)
	if err != nil {
		return time.Time{}, false
	}
	next, err := sched.Next(now)
	if err != nil {
		return time.Time{}, false
	}
	return next, true
}

func (s *Subsystem) fireCron(ctx context.Context, j *job.Job, expr string) {
	logger := ctxlog.FromContext(ctx)
	params, err := resolveParams(j.Definition, nil)
	if err != nil {
		logger.Warn("Cron fire skipped.", "job", j.Name, "error", err)
		return
	}
	cause := build.Cause{ID: uuid.NewString(), Kind: build.CauseCron, Note: expr}
	if _, err := s.admit(ctx, j, cause, params); err != nil && !errors.Is(err, queue.ErrClosed) {
		logger.Error("Cron admission failed.", "job", j.Name, "error", err)
	}
}

// runWatcher fans completed builds out to the jobs that declared an
// upstream trigger on them.
func (s *Subsystem) runWatcher(ctx context.Context, feed <-chan buildstore.Completion, cancel func()) {
	defer s.wg.Done()
	defer cancel()
	logger := ctxlog.FromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case c, ok := <-feed:
			if !ok {
				return
			}
			for _, name := range s.jobs.Names() {
				j, err := s.jobs.Get(name)
				if err != nil {
					continue
				}
				for _, up := range j.Definition.Triggers.Upstream {
					if up.Job != c.Job || up.OnStatus != c.Status {
						continue
					}
					if _, err := s.FireDownstream(ctx, name, c.Job, c.Number, c.Status); err != nil && !errors.Is(err, queue.ErrClosed) {
						logger.Error("Upstream fire failed.", "job", name, "upstream", build.Ref(c.Job, c.Number), "error", err)
					}
				}
			}
		}
	}
}

// resolveParams folds declared defaults under the supplied values and
// enforces required parameters.
func resolveParams(def *schema.Pipeline, supplied map[string]string) (map[string]string, error) {
	params := map[string]string{}
	for _, p := range def.Params {
		if !p.Required {
			params[p.Name] = p.Default
		}
	}
	for k, v := range supplied {
		params[k] = v
	}
	for _, p := range def.Params {
		if p.Required {
			if _, ok := params[p.Name]; !ok {
				return nil, fmt.Errorf("%w: %s", ErrMissingParam, p.Name)
			}
		}
	}
	return params, nil
}

var webhookKeyPattern = regexp.MustCompile(`[^A-Z0-9_]`)

// webhookParam maps a payload key to its parameter name: upper-cased,
// non-identifier characters folded to underscores, WEBHOOK_ prefix.
func webhookParam(key string) string {
	return "WEBHOOK_" + webhookKeyPattern.ReplaceAllString(strings.ToUpper(key), "_")
}
