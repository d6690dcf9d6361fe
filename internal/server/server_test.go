package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-ci/stagehand/internal/agentpool"
	"github.com/stagehand-ci/stagehand/internal/artifact"
	"github.com/stagehand-ci/stagehand/internal/build"
	"github.com/stagehand-ci/stagehand/internal/buildlog"
	"github.com/stagehand-ci/stagehand/internal/buildstore"
	"github.com/stagehand-ci/stagehand/internal/clock"
	"github.com/stagehand-ci/stagehand/internal/engine"
	"github.com/stagehand-ci/stagehand/internal/job"
	"github.com/stagehand-ci/stagehand/internal/postaction"
	"github.com/stagehand-ci/stagehand/internal/registry"
	"github.com/stagehand-ci/stagehand/internal/schema"
	"github.com/stagehand-ci/stagehand/internal/secret"
	"github.com/stagehand-ci/stagehand/internal/trigger"
)

const waitBudget = 5 * time.Second

type fakeStep struct {
	kind string
	run  func(ctx context.Context, sc *registry.StepContext) (registry.StepResult, error)
}

func (f *fakeStep) Kind() string                         { return f.kind }
func (f *fakeStep) ValidateArgs(map[string]string) error { return nil }
func (f *fakeStep) Run(ctx context.Context, sc *registry.StepContext) (registry.StepResult, error) {
	if f.run == nil {
		return registry.StepResult{}, nil
	}
	return f.run(ctx, sc)
}

type fixture struct {
	t           *testing.T
	handler     http.Handler
	jobs        *job.Store
	store       *buildstore.Store
	pool        *agentpool.Pool
	completions <-chan buildstore.Completion
}

func newFixture(t *testing.T, runners ...registry.StepRunner) *fixture {
	t.Helper()
	dir := t.TempDir()

	store, err := buildstore.Open(context.Background(), filepath.Join(dir, "builds.db"), clock.System())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := registry.New()
	for _, r := range runners {
		reg.RegisterStep(r)
	}

	jobs := job.NewStore(reg)

	pool := agentpool.New(clock.System(), 0)
	require.NoError(t, pool.Register(agentpool.Agent{ID: "local", Labels: []string{"linux"}, Executors: 4}, true))

	logs, err := buildlog.NewManager(filepath.Join(dir, "logs"))
	require.NoError(t, err)
	arts, err := artifact.NewStore(filepath.Join(dir, "artifacts"))
	require.NoError(t, err)

	triggers := trigger.New(store, jobs, clock.System(), 0)
	dispatcher := postaction.New(reg, jobs, store, arts, time.Second)

	eng := engine.New(engine.Options{
		Jobs:       jobs,
		Store:      store,
		Pool:       pool,
		Registry:   reg,
		Secrets:    secret.StaticProvider{},
		Logs:       logs,
		Artifacts:  arts,
		Dispatcher: dispatcher,
		Clock:      clock.System(),
		Intake:     triggers.Intake(),
		Workers:    2,
		WorkRoot:   filepath.Join(dir, "workspaces"),
	})

	srv := New(Options{
		Jobs:     jobs,
		Store:    store,
		Pool:     pool,
		Logs:     logs,
		Triggers: triggers,
		Engine:   eng,
		Logger:   slog.New(slog.DiscardHandler),
	})

	completions, unsubscribe := store.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		eng.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		triggers.Stop()
		select {
		case <-stopped:
		case <-time.After(waitBudget):
			t.Error("engine did not stop")
		}
		unsubscribe()
	})

	return &fixture{
		t:           t,
		handler:     srv.Handler(),
		jobs:        jobs,
		store:       store,
		pool:        pool,
		completions: completions,
	}
}

func (f *fixture) register(def *schema.Pipeline) {
	f.t.Helper()
	_, err := f.jobs.Register(def, def.Name+".yaml")
	require.NoError(f.t, err)
}

// do sends one request through the route tree. A non-nil body is sent
// as JSON.
func (f *fixture) do(method, target string, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) decode(rec *httptest.ResponseRecorder, v any) {
	f.t.Helper()
	require.Contains(f.t, rec.Header().Get("Content-Type"), "application/json")
	require.NoError(f.t, json.Unmarshal(rec.Body.Bytes(), v))
}

func (f *fixture) waitTerminal(jobName string, number int64) *build.State {
	f.t.Helper()
	deadline := time.After(waitBudget)
	for {
		select {
		case c := <-f.completions:
			if c.Job != jobName || c.Number != number {
				continue
			}
			st, err := f.store.Get(jobName, number)
			require.NoError(f.t, err)
			return st
		case <-deadline:
			f.t.Fatalf("build %s did not finish within %s", build.Ref(jobName, number), waitBudget)
			return nil
		}
	}
}

// waitGateToken polls the folded state until an input gate shows up.
func (f *fixture) waitGateToken(jobName string, number int64) string {
	f.t.Helper()
	deadline := time.Now().Add(waitBudget)
	for time.Now().Before(deadline) {
		st, err := f.store.Get(jobName, number)
		require.NoError(f.t, err)
		if len(st.Gates) > 0 {
			return st.Gates[0].Token
		}
		time.Sleep(10 * time.Millisecond)
	}
	f.t.Fatalf("build %s never requested input", build.Ref(jobName, number))
	return ""
}

func step(kind string) *schema.Step {
	return &schema.Step{Name: kind, Kind: kind}
}

func onePipeline(name string) *schema.Pipeline {
	return &schema.Pipeline{
		Name:       name,
		AgentLabel: "linux",
		Stages: []*schema.Stage{
			{Name: "Build", Steps: []*schema.Step{step("noop")}},
		},
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/healthz", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	f.decode(rec, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestListJobsReturnsSummaries(t *testing.T) {
	f := newFixture(t, &fakeStep{kind: "noop"})
	f.register(onePipeline("website"))
	f.register(&schema.Pipeline{
		Name:       "deploy",
		AgentLabel: "linux",
		Params: []schema.ParamDecl{
			{Name: "REGION", Default: "eu-west-1", Description: "target region"},
			{Name: "VERSION", Required: true},
		},
		Stages: []*schema.Stage{{Name: "Ship", Steps: []*schema.Step{step("noop")}}},
	})

	rec := f.do(http.MethodGet, "/api/v1/jobs", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var jobs []jobSummary
	f.decode(rec, &jobs)
	require.Len(t, jobs, 2)
	assert.Equal(t, "deploy", jobs[0].Name)
	assert.Equal(t, "website", jobs[1].Name)
	assert.Equal(t, 1, jobs[0].Version)
	require.Len(t, jobs[0].Params, 2)
	assert.Equal(t, "REGION", jobs[0].Params[0].Name)
	assert.Equal(t, "eu-west-1", jobs[0].Params[0].Default)
	assert.True(t, jobs[0].Params[1].Required)
}

func TestTriggerBuildRunsAndGetReturnsState(t *testing.T) {
	f := newFixture(t, &fakeStep{kind: "noop"})
	f.register(onePipeline("website"))

	rec := f.do(http.MethodPost, "/api/v1/jobs/website/builds",
		map[string]any{"params": map[string]string{}, "actor": "ada"})

	require.Equal(t, http.StatusCreated, rec.Code)
	var ref buildRef
	f.decode(rec, &ref)
	assert.Equal(t, "website", ref.Job)
	assert.Equal(t, int64(1), ref.Number)

	f.waitTerminal("website", 1)

	got := f.do(http.MethodGet, "/api/v1/jobs/website/builds/1", nil)
	require.Equal(t, http.StatusOK, got.Code)
	var st build.State
	f.decode(got, &st)
	assert.Equal(t, build.StatusSuccess, st.Status)
	assert.Equal(t, "ada", st.Cause.Actor)
	require.Len(t, st.Stages, 1)
	assert.Equal(t, "Build", st.Stages[0].Path)
}

func TestTriggerUnknownJobIsNotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/v1/jobs/ghost/builds", map[string]any{"actor": "ada"})

	require.Equal(t, http.StatusNotFound, rec.Code)
	var body map[string]string
	f.decode(rec, &body)
	assert.Contains(t, body["error"], "ghost")
}

func TestTriggerMissingRequiredParam(t *testing.T) {
	f := newFixture(t, &fakeStep{kind: "noop"})
	f.register(&schema.Pipeline{
		Name:       "deploy",
		AgentLabel: "linux",
		Params:     []schema.ParamDecl{{Name: "VERSION", Required: true}},
		Stages:     []*schema.Stage{{Name: "Ship", Steps: []*schema.Step{step("noop")}}},
	})

	rec := f.do(http.MethodPost, "/api/v1/jobs/deploy/builds", map[string]any{"actor": "ada"})

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var body map[string]string
	f.decode(rec, &body)
	assert.Contains(t, body["error"], "VERSION")
}

func TestTriggerRejectsMalformedBody(t *testing.T) {
	f := newFixture(t, &fakeStep{kind: "noop"})
	f.register(onePipeline("website"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/website/builds",
		strings.NewReader(`{"params": 5}`))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetBuildNotFound(t *testing.T) {
	f := newFixture(t, &fakeStep{kind: "noop"})
	f.register(onePipeline("website"))

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/v1/jobs/website/builds/7", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/v1/jobs/website/builds/latest", nil).Code)
}

func TestListBuildsNewestFirst(t *testing.T) {
	f := newFixture(t, &fakeStep{kind: "noop"})
	f.register(onePipeline("website"))

	for i := 0; i < 2; i++ {
		rec := f.do(http.MethodPost, "/api/v1/jobs/website/builds", map[string]any{"actor": "ada"})
		require.Equal(t, http.StatusCreated, rec.Code)
		var ref buildRef
		f.decode(rec, &ref)
		f.waitTerminal("website", ref.Number)
	}

	rec := f.do(http.MethodGet, "/api/v1/jobs/website/builds", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var states []*build.State
	f.decode(rec, &states)
	require.Len(t, states, 2)
	assert.Equal(t, int64(2), states[0].Number)
	assert.Equal(t, int64(1), states[1].Number)

	limited := f.do(http.MethodGet, "/api/v1/jobs/website/builds?limit=1", nil)
	f.decode(limited, &states)
	require.Len(t, states, 1)
	assert.Equal(t, int64(2), states[0].Number)

	paged := f.do(http.MethodGet, "/api/v1/jobs/website/builds?before=2", nil)
	f.decode(paged, &states)
	require.Len(t, states, 1)
	assert.Equal(t, int64(1), states[0].Number)
}

func TestListBuildsUnknownJob(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/api/v1/jobs/ghost/builds", nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListBuildsEmptyHistoryIsAnArray(t *testing.T) {
	f := newFixture(t, &fakeStep{kind: "noop"})
	f.register(onePipeline("website"))

	rec := f.do(http.MethodGet, "/api/v1/jobs/website/builds", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestRecentBuildsSpanJobs(t *testing.T) {
	f := newFixture(t, &fakeStep{kind: "noop"})
	f.register(onePipeline("website"))
	f.register(onePipeline("backend"))

	for _, name := range []string{"website", "backend"} {
		rec := f.do(http.MethodPost, "/api/v1/jobs/"+name+"/builds", map[string]any{"actor": "ada"})
		require.Equal(t, http.StatusCreated, rec.Code)
		f.waitTerminal(name, 1)
	}

	rec := f.do(http.MethodGet, "/api/v1/builds", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var states []*build.State
	f.decode(rec, &states)
	require.Len(t, states, 2)

	limited := f.do(http.MethodGet, "/api/v1/builds?limit=1", nil)
	f.decode(limited, &states)
	assert.Len(t, states, 1)
}

func TestCancelRunningBuild(t *testing.T) {
	started := make(chan struct{})
	blocker := &fakeStep{kind: "block", run: func(ctx context.Context, _ *registry.StepContext) (registry.StepResult, error) {
		close(started)
		<-ctx.Done()
		return registry.StepResult{Status: build.StatusAborted}, nil
	}}
	f := newFixture(t, blocker)
	f.register(&schema.Pipeline{
		Name:       "website",
		AgentLabel: "linux",
		Stages:     []*schema.Stage{{Name: "Build", Steps: []*schema.Step{step("block")}}},
	})

	rec := f.do(http.MethodPost, "/api/v1/jobs/website/builds", map[string]any{"actor": "ada"})
	require.Equal(t, http.StatusCreated, rec.Code)
	select {
	case <-started:
	case <-time.After(waitBudget):
		t.Fatal("build never started")
	}

	cancelled := f.do(http.MethodPost, "/api/v1/jobs/website/builds/1/cancel", map[string]any{"actor": "ada"})
	require.Equal(t, http.StatusAccepted, cancelled.Code)
	var body map[string]string
	f.decode(cancelled, &body)
	assert.Equal(t, "cancelling", body["status"])

	st := f.waitTerminal("website", 1)
	assert.Equal(t, build.StatusAborted, st.Status)
}

func TestCancelFinishedBuildConflicts(t *testing.T) {
	f := newFixture(t, &fakeStep{kind: "noop"})
	f.register(onePipeline("website"))

	require.Equal(t, http.StatusCreated,
		f.do(http.MethodPost, "/api/v1/jobs/website/builds", map[string]any{"actor": "ada"}).Code)
	f.waitTerminal("website", 1)

	rec := f.do(http.MethodPost, "/api/v1/jobs/website/builds/1/cancel", map[string]any{"actor": "ada"})

	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelUnknownBuildNotFound(t *testing.T) {
	f := newFixture(t, &fakeStep{kind: "noop"})
	f.register(onePipeline("website"))

	rec := f.do(http.MethodPost, "/api/v1/jobs/website/builds/9/cancel", map[string]any{"actor": "ada"})

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLogServedAfterCompletion(t *testing.T) {
	echo := &fakeStep{kind: "echo", run: func(_ context.Context, sc *registry.StepContext) (registry.StepResult, error) {
		fmt.Fprintln(sc.Log, "hello from the step")
		return registry.StepResult{}, nil
	}}
	f := newFixture(t, echo)
	f.register(&schema.Pipeline{
		Name:       "website",
		AgentLabel: "linux",
		Stages:     []*schema.Stage{{Name: "Build", Steps: []*schema.Step{step("echo")}}},
	})

	require.Equal(t, http.StatusCreated,
		f.do(http.MethodPost, "/api/v1/jobs/website/builds", map[string]any{"actor": "ada"}).Code)
	f.waitTerminal("website", 1)

	rec := f.do(http.MethodGet, "/api/v1/jobs/website/builds/1/log", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), "hello from the step")
	assert.Contains(t, rec.Body.String(), "[Build]")
}

func TestLogUnknownBuildNotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/api/v1/jobs/ghost/builds/1/log", nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAgentLifecycle(t *testing.T) {
	f := newFixture(t)

	created := f.do(http.MethodPost, "/api/v1/agents",
		agentpool.Agent{ID: "runner-1", Labels: []string{"docker"}, Executors: 2})
	require.Equal(t, http.StatusCreated, created.Code)

	list := f.do(http.MethodGet, "/api/v1/agents", nil)
	require.Equal(t, http.StatusOK, list.Code)
	var infos []agentpool.Info
	f.decode(list, &infos)
	ids := make([]string, 0, len(infos))
	for _, info := range infos {
		ids = append(ids, info.ID)
	}
	assert.Contains(t, ids, "runner-1")
	assert.Contains(t, ids, "local")

	require.Equal(t, http.StatusNoContent,
		f.do(http.MethodPost, "/api/v1/agents/runner-1/heartbeat", nil).Code)
	require.Equal(t, http.StatusNotFound,
		f.do(http.MethodPost, "/api/v1/agents/ghost/heartbeat", nil).Code)

	require.Equal(t, http.StatusNoContent,
		f.do(http.MethodDelete, "/api/v1/agents/runner-1", nil).Code)
	f.decode(f.do(http.MethodGet, "/api/v1/agents", nil), &infos)
	for _, info := range infos {
		assert.NotEqual(t, "runner-1", info.ID)
	}
}

func TestRegisterAgentRejectsBadEntry(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/v1/agents", agentpool.Agent{ID: "runner-1"})

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var body map[string]string
	f.decode(rec, &body)
	assert.Contains(t, body["error"], "executors")
}

func TestInputGateApproveViaAPI(t *testing.T) {
	f := newFixture(t, &fakeStep{kind: "noop"})
	f.register(&schema.Pipeline{
		Name:       "release",
		AgentLabel: "linux",
		Stages: []*schema.Stage{
			{Name: "Approve", Input: &schema.InputGate{Message: "ship it?"}},
			{Name: "Ship", Steps: []*schema.Step{step("noop")}},
		},
	})

	require.Equal(t, http.StatusCreated,
		f.do(http.MethodPost, "/api/v1/jobs/release/builds", map[string]any{"actor": "ada"}).Code)
	token := f.waitGateToken("release", 1)

	rec := f.do(http.MethodPost, "/api/v1/inputs/"+token,
		map[string]any{"approve": true, "actor": "bob"})
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	f.decode(rec, &body)
	assert.Equal(t, "resolved", body["status"])

	st := f.waitTerminal("release", 1)
	assert.Equal(t, build.StatusSuccess, st.Status)

	// The token is gone once the build is over.
	again := f.do(http.MethodPost, "/api/v1/inputs/"+token,
		map[string]any{"approve": true, "actor": "bob"})
	require.Equal(t, http.StatusNotFound, again.Code)
}

func TestInputGateRejectViaAPI(t *testing.T) {
	f := newFixture(t, &fakeStep{kind: "noop"})
	f.register(&schema.Pipeline{
		Name:       "release",
		AgentLabel: "linux",
		Stages: []*schema.Stage{
			{Name: "Approve", Input: &schema.InputGate{Message: "ship it?"}},
			{Name: "Ship", Steps: []*schema.Step{step("noop")}},
		},
	})

	require.Equal(t, http.StatusCreated,
		f.do(http.MethodPost, "/api/v1/jobs/release/builds", map[string]any{"actor": "ada"}).Code)
	token := f.waitGateToken("release", 1)

	rec := f.do(http.MethodPost, "/api/v1/inputs/"+token,
		map[string]any{"approve": false, "actor": "bob"})
	require.Equal(t, http.StatusOK, rec.Code)

	st := f.waitTerminal("release", 1)
	assert.Equal(t, build.StatusAborted, st.Status)
}

func TestInputRequiresApproveField(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/v1/inputs/sometoken", map[string]any{"actor": "bob"})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]string
	f.decode(rec, &body)
	assert.Contains(t, body["error"], "approve")
}

func TestInputUnknownTokenNotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/v1/inputs/nope", map[string]any{"approve": true})

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookTriggersBuild(t *testing.T) {
	f := newFixture(t, &fakeStep{kind: "noop"})
	f.register(&schema.Pipeline{
		Name:       "website",
		AgentLabel: "linux",
		Triggers:   schema.Triggers{Webhook: true},
		Stages:     []*schema.Stage{{Name: "Build", Steps: []*schema.Step{step("noop")}}},
	})

	rec := f.do(http.MethodPost, "/hooks/website",
		map[string]any{"ref": "main", "pr-number": 7, "force": true, "note": nil})

	require.Equal(t, http.StatusAccepted, rec.Code)
	var ref buildRef
	f.decode(rec, &ref)
	require.Equal(t, int64(1), ref.Number)

	st := f.waitTerminal("website", 1)
	assert.Equal(t, build.StatusSuccess, st.Status)
	assert.Equal(t, build.CauseWebhook, st.Cause.Kind)
	assert.Equal(t, "main", st.Params["WEBHOOK_REF"])
	assert.Equal(t, "7", st.Params["WEBHOOK_PR_NUMBER"])
	assert.Equal(t, "true", st.Params["WEBHOOK_FORCE"])
	assert.Equal(t, "", st.Params["WEBHOOK_NOTE"])
}

func TestWebhookWithoutTriggerRejected(t *testing.T) {
	f := newFixture(t, &fakeStep{kind: "noop"})
	f.register(onePipeline("website"))

	rec := f.do(http.MethodPost, "/hooks/website", map[string]any{"ref": "main"})

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestWebhookUnknownJobNotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/hooks/ghost", map[string]any{"ref": "main"})

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookNestedPayloadRejected(t *testing.T) {
	f := newFixture(t, &fakeStep{kind: "noop"})
	f.register(&schema.Pipeline{
		Name:       "website",
		AgentLabel: "linux",
		Triggers:   schema.Triggers{Webhook: true},
		Stages:     []*schema.Stage{{Name: "Build", Steps: []*schema.Step{step("noop")}}},
	})

	rec := f.do(http.MethodPost, "/hooks/website",
		map[string]any{"commit": map[string]any{"sha": "abc"}})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]string
	f.decode(rec, &body)
	assert.Contains(t, body["error"], "commit")
}

func TestWebhookPayloadTooLarge(t *testing.T) {
	f := newFixture(t, &fakeStep{kind: "noop"})
	f.register(&schema.Pipeline{
		Name:       "website",
		AgentLabel: "linux",
		Triggers:   schema.Triggers{Webhook: true},
		Stages:     []*schema.Stage{{Name: "Build", Steps: []*schema.Step{step("noop")}}},
	})

	huge := fmt.Sprintf(`{"blob": %q}`, strings.Repeat("x", webhookBodyLimit+1))
	req := httptest.NewRequest(http.MethodPost, "/hooks/website", strings.NewReader(huge))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestFlattenPayload(t *testing.T) {
	flat, err := flattenPayload(map[string]any{
		"branch": "main",
		"count":  json.Number("42"),
		"force":  false,
		"note":   nil,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"branch": "main",
		"count":  "42",
		"force":  "false",
		"note":   "",
	}, flat)

	_, err = flattenPayload(map[string]any{"items": []any{"a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "items")
}

func TestRecoverPanicMiddleware(t *testing.T) {
	srv := New(Options{Logger: slog.New(slog.DiscardHandler)})
	h := srv.requestLog(srv.recoverPanic(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/anything", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal error")
}
