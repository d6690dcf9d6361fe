package integration_tests

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-ci/stagehand/internal/build"
	"github.com/stagehand-ci/stagehand/internal/testutil"
)

type notifyPayload struct {
	Job     string `json:"job"`
	Number  int64  `json:"number"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// hookRecorder is an in-process webhook endpoint capturing every
// delivered notification.
type hookRecorder struct {
	mu       sync.Mutex
	payloads []notifyPayload
	status   int
}

func newHookRecorder(t *testing.T) (*hookRecorder, string) {
	t.Helper()
	rec := &hookRecorder{status: http.StatusOK}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p notifyPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rec.mu.Lock()
		rec.payloads = append(rec.payloads, p)
		status := rec.status
		rec.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(ts.Close)
	return rec, ts.URL
}

func (r *hookRecorder) snapshot() []notifyPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notifyPayload(nil), r.payloads...)
}

func (r *hookRecorder) respondWith(status int) {
	r.mu.Lock()
	r.status = status
	r.mu.Unlock()
}

// Test for: a matching post action delivers one JSON summary with the
// build's outcome and the expanded message.
func TestPostActions_NotifyDeliversBuildSummary(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	rec, url := newHookRecorder(t)
	files := map[string]string{
		"site.yaml": `
pipeline: site
agent: local
params:
  - name: TARGET
    default: staging
stages:
  - name: Build
    steps:
      - shell: echo built
post:
  - on: success
    notify:
      url: ` + url + `
      message: site went green on ${TARGET}
`,
	}
	h := testutil.StartApp(t, files)

	// --- Act ---
	number := h.Trigger("site", nil)
	require.Equal(t, build.StatusSuccess, h.WaitTerminal("site", number).Status)

	// --- Assert ---
	h.WaitFor("the notification to arrive", func() bool {
		return len(rec.snapshot()) == 1
	})
	got := rec.snapshot()[0]
	assert.Equal(t, "site", got.Job)
	assert.Equal(t, int64(1), got.Number)
	assert.Equal(t, "SUCCESS", got.Status)
	assert.Equal(t, "site went green on staging", got.Message)

	dispatches, err := h.App.Store().Dispatches("site", number)
	require.NoError(t, err)
	require.Len(t, dispatches, 1)
	assert.Equal(t, "notify", dispatches[0].Action)
	assert.Equal(t, "success", dispatches[0].Condition)
	assert.True(t, dispatches[0].OK)
}

// Test for: actions whose condition does not match the outcome are
// skipped without a dispatch record. Actions run in declaration order,
// so the later always-action arriving proves the earlier failure-action
// was considered and dropped.
func TestPostActions_UnmatchedConditionIsSkipped(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	rec, url := newHookRecorder(t)
	files := map[string]string{
		"site.yaml": `
pipeline: site
agent: local
stages:
  - name: Build
    steps:
      - shell: echo built
post:
  - on: failure
    notify:
      url: ` + url + `
      message: red
  - on: always
    notify:
      url: ` + url + `
      message: done
`,
	}
	h := testutil.StartApp(t, files)

	// --- Act ---
	number := h.Trigger("site", nil)
	require.Equal(t, build.StatusSuccess, h.WaitTerminal("site", number).Status)

	// --- Assert ---
	h.WaitFor("the always-notification to arrive", func() bool {
		return len(rec.snapshot()) >= 1
	})
	payloads := rec.snapshot()
	require.Len(t, payloads, 1, "only the matching action fired")
	assert.Equal(t, "done", payloads[0].Message)

	dispatches, err := h.App.Store().Dispatches("site", number)
	require.NoError(t, err)
	require.Len(t, dispatches, 1, "skipped actions leave no dispatch record")
}

// Test for: a failed delivery is recorded against the build and logged,
// but never changes the build's own outcome.
func TestPostActions_FailedDeliveryDoesNotTouchBuild(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	rec, url := newHookRecorder(t)
	rec.respondWith(http.StatusInternalServerError)
	files := map[string]string{
		"site.yaml": `
pipeline: site
agent: local
stages:
  - name: Build
    steps:
      - shell: echo built
post:
  - on: success
    notify:
      url: ` + url + `
      message: hello
`,
	}
	h := testutil.StartApp(t, files)

	// --- Act ---
	number := h.Trigger("site", nil)
	st := h.WaitTerminal("site", number)

	// --- Assert ---
	require.Equal(t, build.StatusSuccess, st.Status)
	h.WaitFor("the failed dispatch to be recorded", func() bool {
		dispatches, err := h.App.Store().Dispatches("site", number)
		return err == nil && len(dispatches) == 1
	})
	dispatches, err := h.App.Store().Dispatches("site", number)
	require.NoError(t, err)
	assert.False(t, dispatches[0].OK)
	assert.Contains(t, dispatches[0].Detail, "unexpected status")

	final, err := h.App.Store().Get("site", number)
	require.NoError(t, err)
	assert.Equal(t, build.StatusSuccess, final.Status, "the delivery failure stayed out of the build")
	assert.Contains(t, h.Logs.String(), "Post action failed.")
}
