package app

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/stagehand-ci/stagehand/internal/agentpool"
)

// loadAgentsFile reads a YAML list of agents to pre-register. Unlike
// the built-in local agent these are subject to heartbeat staleness,
// so a listed agent that never phones home stops receiving work once
// the TTL passes.
func loadAgentsFile(path string) ([]agentpool.Agent, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("agents file: %w", err)
	}
	var agents []agentpool.Agent
	if err := yaml.Unmarshal(raw, &agents); err != nil {
		return nil, fmt.Errorf("agents file %s: %w", path, err)
	}
	for _, a := range agents {
		if a.ID == LocalAgentID {
			return nil, fmt.Errorf("agents file %s: agent id %q is reserved", path, LocalAgentID)
		}
	}
	return agents, nil
}
