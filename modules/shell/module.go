// Package shell runs commands for the 'shell' step kind. A command
// containing shell metacharacters goes through `sh -c`; a plain
// command is split into an argv and executed directly.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/shlex"

	"github.com/stagehand-ci/stagehand/internal/build"
	"github.com/stagehand-ci/stagehand/internal/registry"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// Register wires the step kind into the registry.
func (Module) Register(r *registry.Registry) {
	r.RegisterStep(&Step{})
}

const defaultGracePeriod = 10 * time.Second

// shellMeta are the characters that force a command through sh -c
// instead of direct argv execution.
const shellMeta = "|&;<>()$`\\\"'*?[]{}#~\n"

// Step executes one command in the stage workspace.
type Step struct{}

// Kind implements registry.StepRunner.
func (*Step) Kind() string { return "shell" }

// ValidateArgs implements registry.StepRunner.
func (*Step) ValidateArgs(args map[string]string) error {
	for name := range args {
		switch name {
		case "command", "unstable_exit_codes", "output_var", "grace_period":
		default:
			return fmt.Errorf("unsupported argument %q", name)
		}
	}
	if strings.TrimSpace(args["command"]) == "" {
		return errors.New("command is required")
	}
	if _, err := parseExitCodes(args["unstable_exit_codes"]); err != nil {
		return err
	}
	if raw, ok := args["grace_period"]; ok {
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("invalid grace_period %q", raw)
		}
	}
	return nil
}

// Run implements registry.StepRunner.
func (*Step) Run(ctx context.Context, sc *registry.StepContext) (registry.StepResult, error) {
	unstable, err := parseExitCodes(sc.Args["unstable_exit_codes"])
	if err != nil {
		return registry.StepResult{}, err
	}
	grace := defaultGracePeriod
	if raw, ok := sc.Args["grace_period"]; ok {
		grace, err = time.ParseDuration(raw)
		if err != nil {
			return registry.StepResult{}, fmt.Errorf("invalid grace_period %q", raw)
		}
	}

	cmd := buildCommand(ctx, sc.Args["command"])
	cmd.Dir = sc.Workspace
	cmd.Env = mergedEnv(sc.Env)

	var captured *bytes.Buffer
	outputVar := sc.Args["output_var"]
	cmd.Stdout = sc.Log
	if outputVar != "" {
		captured = &bytes.Buffer{}
		cmd.Stdout = io.MultiWriter(sc.Log, captured)
	}
	cmd.Stderr = sc.Log

	configureKill(cmd, grace)

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return registry.StepResult{}, context.Cause(ctx)
	}
	if runErr == nil {
		res := registry.StepResult{Status: build.StatusSuccess}
		if outputVar != "" {
			res.EnvUpdates = map[string]string{outputVar: strings.TrimSpace(captured.String())}
		}
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		code := exitErr.ExitCode()
		if unstable[code] {
			return registry.StepResult{
				Status:  build.StatusUnstable,
				Message: fmt.Sprintf("exit status %d marked unstable", code),
			}, nil
		}
		return registry.StepResult{
			Status:  build.StatusFailure,
			Message: fmt.Sprintf("exit status %d", code),
		}, nil
	}

	// Not an exit status: command not found, workspace missing, etc.
	return registry.StepResult{}, runErr
}

func buildCommand(ctx context.Context, command string) *exec.Cmd {
	if strings.ContainsAny(command, shellMeta) {
		return exec.CommandContext(ctx, "sh", "-c", command)
	}
	argv, err := shlex.Split(command)
	if err != nil || len(argv) == 0 {
		// Let the shell make sense of it.
		return exec.CommandContext(ctx, "sh", "-c", command)
	}
	return exec.CommandContext(ctx, argv[0], argv[1:]...)
}

// configureKill puts the command in its own process group and installs
// a cancel function that signals the whole group. Without Setpgid only
// the immediate child gets the signal; its children survive and hold
// the log writer open.
func configureKill(cmd *exec.Cmd, grace time.Duration) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		pgid := -cmd.Process.Pid
		if grace <= 0 {
			return syscall.Kill(pgid, syscall.SIGKILL)
		}
		if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
			// The group is already gone or never signalable; escalate.
			return syscall.Kill(pgid, syscall.SIGKILL)
		}
		go func() {
			time.Sleep(grace)
			// ESRCH from an exited group is harmless.
			_ = syscall.Kill(pgid, syscall.SIGKILL)
		}()
		return nil
	}
}

func mergedEnv(env map[string]string) []string {
	merged := os.Environ()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		merged = append(merged, k+"="+env[k])
	}
	return merged
}

func parseExitCodes(raw string) (map[int]bool, error) {
	codes := map[int]bool{}
	if strings.TrimSpace(raw) == "" {
		return codes, nil
	}
	for _, part := range strings.Split(raw, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid unstable_exit_codes entry %q", part)
		}
		codes[n] = true
	}
	return codes, nil
}
