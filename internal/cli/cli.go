package cli

import (
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/stagehand-ci/stagehand/internal/app"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments. It returns a populated
// Config, a boolean indicating if the program should exit cleanly, or
// an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	flagSet := flag.NewFlagSet("stagehand", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
Stagehand - a pipeline orchestrator for build-test-deploy workflows.

Usage:
  stagehand [options] [JOBS_DIR]

Arguments:
  JOBS_DIR
    Directory containing pipeline definitions (.yaml or .hcl files).

Options:
`)
		flagSet.PrintDefaults()
	}

	jobsFlag := flagSet.String("jobs", "", "Directory containing pipeline definitions.")
	dataFlag := flagSet.String("data", "./stagehand-data", "Directory for build state, logs and artifacts.")
	listenFlag := flagSet.String("listen", ":8080", "Address the HTTP API listens on.")
	logFormatFlag := flagSet.String("log-format", "json", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	maxBuildsFlag := flagSet.Int("max-builds", 4, "Number of builds that may run concurrently.")
	executorsFlag := flagSet.Int("executors", 2, "Concurrent stage capacity of the built-in local agent.")
	agentsFileFlag := flagSet.String("agents-file", "", "YAML file listing remote agents to pre-register.")
	secretsFileFlag := flagSet.String("secrets-file", "", "YAML file of secret values (must be mode 0600).")
	debounceFlag := flagSet.Duration("debounce", 0, "Coalescing window for webhook and upstream triggers. 0 disables.")
	agentTTLFlag := flagSet.Duration("agent-ttl", time.Minute, "Heartbeat staleness after which an agent stops receiving work.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	jobsDir := *jobsFlag
	if jobsDir == "" && flagSet.NArg() > 0 {
		jobsDir = flagSet.Arg(0)
	}
	if jobsDir == "" {
		flagSet.Usage()
		return nil, true, nil
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}

	config, err := app.NewConfig(app.Config{
		JobsDir:     jobsDir,
		DataDir:     *dataFlag,
		Listen:      *listenFlag,
		LogFormat:   logFormat,
		LogLevel:    logLevel,
		MaxBuilds:   *maxBuildsFlag,
		Executors:   *executorsFlag,
		AgentsFile:  *agentsFileFlag,
		SecretsFile: *secretsFileFlag,
		Debounce:    *debounceFlag,
		AgentTTL:    *agentTTLFlag,
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	return config, false, nil
}
