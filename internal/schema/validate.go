package schema

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/stagehand-ci/stagehand/internal/build"
	"github.com/stagehand-ci/stagehand/internal/cron"
)

// Issue is one validation finding. Subject locates it ("stage Test/Unit",
// "trigger cron[0]"), Message says what is wrong.
type Issue struct {
	Subject string
	Message string
}

func (i Issue) String() string { return i.Subject + ": " + i.Message }

// ParseError rejects a definition, carrying every issue found rather
// than only the first.
type ParseError struct {
	Source string
	Issues []Issue
}

func (e *ParseError) Error() string {
	lines := make([]string, 0, len(e.Issues)+1)
	lines = append(lines, fmt.Sprintf("invalid pipeline definition %s (%d issues)", e.Source, len(e.Issues)))
	for _, issue := range e.Issues {
		lines = append(lines, "  "+issue.String())
	}
	return strings.Join(lines, "\n")
}

// KindChecker inspects step and action kinds against the registry. A
// nil checker skips kind checks (used by loader unit tests).
type KindChecker interface {
	CheckStep(kind string, args map[string]string) error
	CheckAction(kind string, args map[string]string) error
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate runs every semantic check over a loaded pipeline and
// returns the accumulated issues; an empty slice means the definition
// is sound. Loaders call this after decoding; a non-empty result
// becomes a ParseError and the job is not registered.
func Validate(p *Pipeline, kinds KindChecker) []Issue {
	var issues []Issue
	add := func(subject, format string, args ...any) {
		issues = append(issues, Issue{Subject: subject, Message: fmt.Sprintf(format, args...)})
	}

	if p.Name == "" {
		add("pipeline", "name is required")
	}
	if len(p.Stages) == 0 {
		add("pipeline", "no stages defined")
	}
	if p.Timeout < 0 {
		add("pipeline", "timeout must not be negative")
	}

	declared := map[string]bool{}
	for i, param := range p.Params {
		subject := fmt.Sprintf("param[%d]", i)
		if param.Name == "" {
			add(subject, "name is required")
			continue
		}
		subject = "param " + param.Name
		if !identPattern.MatchString(param.Name) {
			add(subject, "name must match %s", identPattern)
		}
		if declared[param.Name] {
			add(subject, "declared more than once")
		}
		declared[param.Name] = true
		if param.Required && param.Default != "" {
			add(subject, "required parameter must not carry a default")
		}
	}

	validateEnvKeys(p.Env, "pipeline env", add)

	seen := map[string]bool{}
	for _, st := range p.Stages {
		validateStage(st, "", seen, declared, kinds, add)
	}

	for i, expr := range p.Triggers.Cron {
		if _, err := cron.Parse(expr, p.Name); err != nil {
			add(fmt.Sprintf("trigger cron[%d]", i), "%v", err)
		}
	}
	for i, up := range p.Triggers.Upstream {
		subject := fmt.Sprintf("trigger upstream[%d]", i)
		if up.Job == "" {
			add(subject, "job is required")
			continue
		}
		if up.Job == p.Name {
			add(subject, "a pipeline cannot trigger itself")
		}
		if !up.OnStatus.Terminal() || up.OnStatus == build.StatusSkipped {
			add(subject, "on must be a terminal build status, got %q", string(up.OnStatus))
		}
	}

	for i, action := range p.Post {
		subject := fmt.Sprintf("post[%d]", i)
		if _, ok := ParseCondition(string(action.Condition)); !ok {
			add(subject, "unknown condition %q", string(action.Condition))
		}
		if kinds != nil {
			if err := kinds.CheckAction(action.Kind, action.Args); err != nil {
				add(subject, "%v", err)
			}
		}
	}

	return issues
}

func validateStage(st *Stage, parent string, siblings map[string]bool, params map[string]bool, kinds KindChecker, add func(string, string, ...any)) {
	subject := "stage " + JoinPath(parent, st.Name)
	if st.Name == "" {
		add("stage under "+orRoot(parent), "name is required")
		return
	}
	if strings.Contains(st.Name, "/") {
		add(subject, "name must not contain %q", "/")
	}
	if siblings[st.Name] {
		add(subject, "duplicate stage name under %s", orRoot(parent))
	}
	siblings[st.Name] = true

	forms := 0
	if len(st.Steps) > 0 {
		forms++
	}
	if len(st.Parallel) > 0 {
		forms++
	}
	if len(st.Stages) > 0 {
		forms++
	}
	if st.Input != nil {
		forms++
	}
	switch {
	case forms == 0:
		add(subject, "stage has no steps, branches, nested stages, or input")
	case forms > 1:
		add(subject, "steps, parallel, stages, and input are mutually exclusive")
	}

	if st.Retry < 0 {
		add(subject, "retry must not be negative")
	}
	if st.Timeout < 0 {
		add(subject, "timeout must not be negative")
	}
	if st.Input != nil && st.AgentLabel != "" {
		add(subject, "an input stage does not run on an agent")
	}

	validateEnvKeys(st.Env, subject+" env", add)

	if st.Guard != nil {
		for _, ref := range st.Guard.Refs() {
			switch ref.Root {
			case "env":
				if ref.Attr == "" {
					add(subject, "guard references bare env")
				}
			case "params":
				if ref.Attr == "" {
					add(subject, "guard references bare params")
				} else if !params[ref.Attr] {
					add(subject, "guard references undeclared parameter %q", ref.Attr)
				}
			default:
				add(subject, "guard may only reference env.* and params.*, got %q", ref.String())
			}
		}
	}

	stepNames := map[string]bool{}
	for _, step := range st.Steps {
		stepSubject := subject + " step " + step.Name
		if step.Name != "" {
			if stepNames[step.Name] {
				add(stepSubject, "duplicate step name")
			}
			stepNames[step.Name] = true
		}
		if kinds != nil {
			if err := kinds.CheckStep(step.Kind, step.Args); err != nil {
				add(stepSubject, "%v", err)
			}
		}
	}

	childSeen := map[string]bool{}
	for _, child := range st.Parallel {
		validateStage(child, JoinPath(parent, st.Name), childSeen, params, kinds, add)
	}
	for _, child := range st.Stages {
		validateStage(child, JoinPath(parent, st.Name), childSeen, params, kinds, add)
	}
}

func validateEnvKeys(env map[string]EnvValue, subject string, add func(string, string, ...any)) {
	for key := range env {
		if !identPattern.MatchString(key) {
			add(subject, "key %q must match %s", key, identPattern)
		}
	}
}

func orRoot(parent string) string {
	if parent == "" {
		return "pipeline root"
	}
	return parent
}
