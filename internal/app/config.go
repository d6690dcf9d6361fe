package app

import (
	"errors"
	"fmt"
	"time"
)

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	JobsDir string // pipeline definition files (.yaml/.yml/.hcl)
	DataDir string // sqlite store, build logs, artifacts, workspaces

	Listen    string
	LogFormat string
	LogLevel  string

	MaxBuilds int // concurrent builds
	Executors int // local agent capacity

	AgentsFile  string // optional YAML list of remote agents
	SecretsFile string // optional YAML id-to-value map, mode 0600

	Debounce time.Duration // trigger coalescing window, zero disables
	AgentTTL time.Duration // heartbeat staleness, zero disables
}

func NewConfig(cfg Config) (*Config, error) {
	if cfg.JobsDir == "" {
		return nil, errors.New("JobsDir is a required configuration field and cannot be empty")
	}
	if cfg.MaxBuilds < 1 {
		return nil, fmt.Errorf("MaxBuilds must be at least 1, got %d", cfg.MaxBuilds)
	}
	if cfg.Executors < 1 {
		return nil, fmt.Errorf("Executors must be at least 1, got %d", cfg.Executors)
	}
	return &cfg, nil
}
