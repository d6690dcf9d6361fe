package shell

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-ci/stagehand/internal/build"
	"github.com/stagehand-ci/stagehand/internal/registry"
)

func runStep(t *testing.T, ctx context.Context, args map[string]string, env map[string]string) (registry.StepResult, *bytes.Buffer, error) {
	t.Helper()
	var log bytes.Buffer
	sc := &registry.StepContext{
		Job:       "app",
		Number:    1,
		StagePath: "Build",
		Args:      args,
		Env:       env,
		Workspace: t.TempDir(),
		Log:       &log,
	}
	res, err := (&Step{}).Run(ctx, sc)
	return res, &log, err
}

func TestRunsPlainCommandDirectly(t *testing.T) {
	res, log, err := runStep(t, context.Background(), map[string]string{"command": "echo hello world"}, nil)
	require.NoError(t, err)
	assert.Equal(t, build.StatusSuccess, res.Status)
	assert.Contains(t, log.String(), "hello world")
}

func TestMetacharactersGoThroughTheShell(t *testing.T) {
	res, log, err := runStep(t, context.Background(), map[string]string{"command": "echo one && echo two"}, nil)
	require.NoError(t, err)
	assert.Equal(t, build.StatusSuccess, res.Status)
	assert.Contains(t, log.String(), "one")
	assert.Contains(t, log.String(), "two")
}

func TestNonZeroExitIsAFailureResult(t *testing.T) {
	res, _, err := runStep(t, context.Background(), map[string]string{"command": "(exit 3)"}, nil)
	require.NoError(t, err, "an exit status is a result, not a step error")
	assert.Equal(t, build.StatusFailure, res.Status)
	assert.Equal(t, "exit status 3", res.Message)
}

func TestUnstableExitCodes(t *testing.T) {
	res, _, err := runStep(t, context.Background(), map[string]string{
		"command":             "(exit 3)",
		"unstable_exit_codes": "3, 4",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, build.StatusUnstable, res.Status)
	assert.Contains(t, res.Message, "exit status 3")
}

func TestOutputVarCapturesTrimmedStdout(t *testing.T) {
	res, log, err := runStep(t, context.Background(), map[string]string{
		"command":    "echo v1.2.3",
		"output_var": "VERSION",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"VERSION": "v1.2.3"}, res.EnvUpdates)
	assert.Contains(t, log.String(), "v1.2.3", "captured output still reaches the log")
}

func TestEnvReachesTheProcess(t *testing.T) {
	res, log, err := runStep(t, context.Background(), map[string]string{"command": "echo tier=$TIER"},
		map[string]string{"TIER": "prod"})
	require.NoError(t, err)
	assert.Equal(t, build.StatusSuccess, res.Status)
	assert.Contains(t, log.String(), "tier=prod")
}

func TestCommandRunsInTheWorkspace(t *testing.T) {
	var log bytes.Buffer
	ws := t.TempDir()
	sc := &registry.StepContext{
		Args:      map[string]string{"command": "pwd", "output_var": "CWD"},
		Workspace: ws,
		Log:       &log,
	}
	res, err := (&Step{}).Run(context.Background(), sc)
	require.NoError(t, err)

	want, werr := filepath.EvalSymlinks(ws)
	require.NoError(t, werr)
	got, gerr := filepath.EvalSymlinks(res.EnvUpdates["CWD"])
	require.NoError(t, gerr)
	assert.Equal(t, want, got)
}

func TestMissingBinaryIsAStepError(t *testing.T) {
	_, _, err := runStep(t, context.Background(), map[string]string{"command": "no-such-binary-here"}, nil)
	require.Error(t, err)
}

func TestCancellationKillsTheProcessGroup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, _, err := runStep(t, ctx, map[string]string{"command": "sleep 30"}, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestValidateArgs(t *testing.T) {
	s := &Step{}

	require.NoError(t, s.ValidateArgs(map[string]string{"command": "make"}))
	require.NoError(t, s.ValidateArgs(map[string]string{
		"command":             "make",
		"unstable_exit_codes": "2,3",
		"output_var":          "OUT",
		"grace_period":        "30s",
	}))

	assert.Error(t, s.ValidateArgs(map[string]string{}), "command is required")
	assert.Error(t, s.ValidateArgs(map[string]string{"command": "   "}))
	assert.Error(t, s.ValidateArgs(map[string]string{"command": "make", "unstable_exit_codes": "two"}))
	assert.Error(t, s.ValidateArgs(map[string]string{"command": "make", "grace_period": "soon"}))
	assert.Error(t, s.ValidateArgs(map[string]string{"command": "make", "shell": "zsh"}))
}
