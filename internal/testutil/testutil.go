// Package testutil provides the shared harness the integration test
// packages build on: it boots a full orchestrator over a temporary
// data directory from an in-memory set of definition files.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stagehand-ci/stagehand/internal/app"
	"github.com/stagehand-ci/stagehand/internal/build"
	"github.com/stagehand-ci/stagehand/internal/registry"
)

// WaitCeiling bounds every polling helper in this package.
const WaitCeiling = 10 * time.Second

// SafeBuffer is a thread-safe buffer for capturing log output in tests.
type SafeBuffer struct {
	b  bytes.Buffer
	mu sync.Mutex
}

// Write implements the io.Writer interface for SafeBuffer.
func (b *SafeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

// String implements the fmt.Stringer interface for SafeBuffer.
func (b *SafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

// Result holds the outcome of constructing an application from a set
// of definition files.
type Result struct {
	App  *app.App
	Err  error
	Logs *SafeBuffer
}

// BuildApp writes the given definition files into a temporary jobs
// directory and constructs an App over them at debug logging. A
// startup failure is returned in the Result rather than failing the
// test, so rejection cases can assert on it.
func BuildApp(t *testing.T, files map[string]string, modules ...registry.Module) *Result {
	t.Helper()

	tmpDir := t.TempDir()
	jobsDir := filepath.Join(tmpDir, "jobs")
	require.NoError(t, os.Mkdir(jobsDir, 0o755))
	for name, content := range files {
		path := filepath.Join(jobsDir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	cfg, err := app.NewConfig(app.Config{
		JobsDir:   jobsDir,
		DataDir:   filepath.Join(tmpDir, "data"),
		Listen:    "127.0.0.1:0",
		LogLevel:  "debug",
		LogFormat: "text",
		MaxBuilds: 4,
		Executors: 4,
	})
	require.NoError(t, err)

	logs := &SafeBuffer{}
	testApp, err := app.New(logs, cfg, modules...)

	t.Cleanup(func() {
		if os.Getenv("STAGEHAND_TEST_LOGS") == "true" {
			t.Logf("--- Full Log Output for %s ---\n%s", t.Name(), logs.String())
		}
	})

	return &Result{App: testApp, Err: err, Logs: logs}
}

// Harness is a running orchestrator plus the handles tests poke it
// with.
type Harness struct {
	T    *testing.T
	App  *app.App
	Logs *SafeBuffer
	API  http.Handler
}

// StartApp builds an App from the given files and runs it in the
// background until test cleanup. It returns once the orchestrator
// reports itself listening, so triggers fired right away are not
// racing startup. Startup failures fail the test.
func StartApp(t *testing.T, files map[string]string, modules ...registry.Module) *Harness {
	t.Helper()

	res := BuildApp(t, files, modules...)
	require.NoError(t, res.Err, "application failed to start")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = res.App.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(WaitCeiling):
			t.Error("application did not shut down")
		}
	})

	deadline := time.Now().Add(WaitCeiling)
	for !strings.Contains(res.Logs.String(), "API server listening") {
		if time.Now().After(deadline) {
			t.Fatal("orchestrator did not come up")
		}
		time.Sleep(5 * time.Millisecond)
	}

	return &Harness{
		T:    t,
		App:  res.App,
		Logs: res.Logs,
		API:  res.App.Handler(),
	}
}

// Trigger fires a manual build and returns its number.
func (h *Harness) Trigger(job string, params map[string]string) int64 {
	h.T.Helper()
	number, err := h.App.Triggers().FireManual(context.Background(), job, params, "testutil")
	require.NoError(h.T, err)
	return number
}

// WaitTerminal polls the store until the build reaches a terminal
// status and returns its folded state.
func (h *Harness) WaitTerminal(job string, number int64) *build.State {
	h.T.Helper()
	deadline := time.Now().Add(WaitCeiling)
	for time.Now().Before(deadline) {
		st, err := h.App.Store().Get(job, number)
		require.NoError(h.T, err)
		if st.Status.Terminal() {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	h.T.Fatalf("build %s did not finish within %s", build.Ref(job, number), WaitCeiling)
	return nil
}

// WaitFor polls cond until it returns true or the ceiling passes.
func (h *Harness) WaitFor(what string, cond func() bool) {
	h.T.Helper()
	deadline := time.Now().Add(WaitCeiling)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	h.T.Fatalf("timed out waiting for %s", what)
}

// Do sends one request through the API route tree. A non-nil body is
// sent as JSON.
func (h *Harness) Do(method, target string, body any) *httptest.ResponseRecorder {
	h.T.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.T, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.API.ServeHTTP(rec, req)
	return rec
}

// Decode unmarshals a JSON response body.
func (h *Harness) Decode(rec *httptest.ResponseRecorder, v any) {
	h.T.Helper()
	require.NoError(h.T, json.Unmarshal(rec.Body.Bytes(), v))
}
