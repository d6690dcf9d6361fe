// Package schema holds the parsed form of a pipeline definition: the
// stage tree, its triggers, and its post actions. Both definition
// loaders (YAML and HCL) produce this model; everything downstream of
// parsing operates on it and never on the source text.
package schema

import (
	"fmt"
	"time"

	"github.com/stagehand-ci/stagehand/internal/build"
	"github.com/stagehand-ci/stagehand/internal/guard"
)

// Pipeline is one complete definition.
type Pipeline struct {
	Name       string
	AgentLabel string
	Env        map[string]EnvValue
	Params     []ParamDecl
	Triggers   Triggers
	Stages     []*Stage
	Post       []PostAction
	Timeout    time.Duration
}

// EnvValue is either a literal or a reference into the secret provider.
type EnvValue struct {
	Literal  string
	SecretID string
}

// IsSecret reports whether the value must be fetched and redacted.
func (v EnvValue) IsSecret() bool { return v.SecretID != "" }

// Literal constructs a plain env value.
func Literal(s string) EnvValue { return EnvValue{Literal: s} }

// SecretRef constructs a secret-backed env value.
func SecretRef(id string) EnvValue { return EnvValue{SecretID: id} }

// ParamDecl declares a build parameter and its default.
type ParamDecl struct {
	Name        string
	Default     string
	Required    bool
	Description string
}

// Triggers collects the automatic admission sources of a pipeline.
type Triggers struct {
	Cron     []string
	Webhook  bool
	Upstream []UpstreamTrigger
}

// UpstreamTrigger fires a build when another job completes with the
// given terminal status.
type UpstreamTrigger struct {
	Job      string
	OnStatus build.Status
}

// Stage is one node of the execution tree. Exactly one of Steps,
// Parallel, Stages, or Input is populated: a stage either runs steps on
// an agent, fans out concurrent branches, nests a sequence, or waits on
// human input.
type Stage struct {
	Name            string
	Guard           *guard.Guard
	AgentLabel      string
	Env             map[string]EnvValue
	Timeout         time.Duration
	Retry           int
	ContinueOnError bool
	Steps           []*Step
	Parallel        []*Stage
	Stages          []*Stage
	Input           *InputGate
}

// Step is a single executable operation, resolved against the step
// registry by Kind. Args are expanded (${NAME}) at run time.
type Step struct {
	Kind string
	Name string
	Args map[string]string
}

// InputGate suspends the build until a human approves or rejects.
type InputGate struct {
	Message   string
	Approvers []string
}

// Condition selects which terminal statuses a post action fires on.
type Condition string

const (
	OnAlways   Condition = "always"
	OnSuccess  Condition = "success"
	OnFailure  Condition = "failure"
	OnUnstable Condition = "unstable"
	OnAborted  Condition = "aborted"
	OnChanged  Condition = "changed"
)

// ParseCondition validates a condition keyword from a definition.
func ParseCondition(s string) (Condition, bool) {
	switch Condition(s) {
	case OnAlways, OnSuccess, OnFailure, OnUnstable, OnAborted, OnChanged:
		return Condition(s), true
	}
	return "", false
}

// Matches reports whether a terminal status satisfies the condition.
// OnChanged is resolved by the dispatcher, which knows the previous
// build's status; here it matches nothing.
func (c Condition) Matches(status build.Status) bool {
	switch c {
	case OnAlways:
		return true
	case OnSuccess:
		return status == build.StatusSuccess
	case OnFailure:
		return status == build.StatusFailure
	case OnUnstable:
		return status == build.StatusUnstable
	case OnAborted:
		return status == build.StatusAborted
	}
	return false
}

// PostAction is one dispatcher entry.
type PostAction struct {
	Condition Condition
	Kind      string
	Args      map[string]string
}

// ParseStatusKeyword maps a definition keyword ("success") to its build
// status. Definitions speak lowercase; only outcomes a finished build
// can carry are accepted.
func ParseStatusKeyword(s string) (build.Status, bool) {
	switch s {
	case "success":
		return build.StatusSuccess, true
	case "unstable":
		return build.StatusUnstable, true
	case "failure":
		return build.StatusFailure, true
	case "aborted":
		return build.StatusAborted, true
	}
	return "", false
}

// JoinPath extends a slash-joined stage path.
func JoinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

// Normalize fills derived fields after loading: unnamed steps take
// their kind as name, numbered when the kind repeats within a stage.
func (p *Pipeline) Normalize() {
	var walk func(st *Stage)
	walk = func(st *Stage) {
		seen := map[string]int{}
		for _, step := range st.Steps {
			if step.Name == "" {
				seen[step.Kind]++
				if n := seen[step.Kind]; n > 1 {
					step.Name = fmt.Sprintf("%s-%d", step.Kind, n)
				} else {
					step.Name = step.Kind
				}
			}
		}
		for _, child := range st.Parallel {
			walk(child)
		}
		for _, child := range st.Stages {
			walk(child)
		}
	}
	for _, st := range p.Stages {
		walk(st)
	}
}
