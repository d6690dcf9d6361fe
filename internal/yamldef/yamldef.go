// Package yamldef loads the declarative YAML form of a pipeline
// definition. It decodes strictly (unknown keys are errors), converts
// into the schema model, and reports every problem it can find as one
// ParseError instead of stopping at the first.
package yamldef

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stagehand-ci/stagehand/internal/guard"
	"github.com/stagehand-ci/stagehand/internal/schema"
)

// Load reads and parses one definition file.
func Load(path string) (*schema.Pipeline, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	return Parse(src, path)
}

// Parse decodes a definition from source text. source labels errors.
func Parse(src []byte, source string) (*schema.Pipeline, error) {
	var doc fileDef
	if err := decodeStrict(src, &doc); err != nil {
		return nil, &schema.ParseError{
			Source: source,
			Issues: []schema.Issue{{Subject: "yaml", Message: err.Error()}},
		}
	}

	pipeline, issues := convert(&doc, source)
	if len(issues) > 0 {
		return nil, &schema.ParseError{Source: source, Issues: issues}
	}
	pipeline.Normalize()
	return pipeline, nil
}

func decodeStrict(src []byte, out any) error {
	decoder := yaml.NewDecoder(bytes.NewReader(src))
	decoder.KnownFields(true)
	return decoder.Decode(out)
}

// file-level DTOs

type fileDef struct {
	Pipeline string            `yaml:"pipeline"`
	Agent    string            `yaml:"agent"`
	Timeout  string            `yaml:"timeout"`
	Params   []paramDef        `yaml:"params"`
	Env      map[string]envDef `yaml:"env"`
	Triggers *triggersDef      `yaml:"triggers"`
	Stages   []*stageDef       `yaml:"stages"`
	Post     []*postDef        `yaml:"post"`
}

type paramDef struct {
	Name        string `yaml:"name"`
	Default     string `yaml:"default"`
	Required    bool   `yaml:"required"`
	Description string `yaml:"description"`
}

// envDef accepts either a plain scalar or {secret: id}.
type envDef struct {
	Literal string
	Secret  string
}

func (e *envDef) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		e.Literal = node.Value
		return nil
	case yaml.MappingNode:
		var m map[string]string
		if err := node.Decode(&m); err != nil {
			return err
		}
		secret, ok := m["secret"]
		if !ok || len(m) != 1 {
			return fmt.Errorf("line %d: env mapping form must be exactly {secret: id}", node.Line)
		}
		e.Secret = secret
		return nil
	}
	return fmt.Errorf("line %d: env value must be a string or {secret: id}", node.Line)
}

type triggersDef struct {
	Cron     stringList    `yaml:"cron"`
	Webhook  bool          `yaml:"webhook"`
	Upstream []upstreamDef `yaml:"upstream"`
}

type upstreamDef struct {
	Job string `yaml:"job"`
	On  string `yaml:"on"`
}

// stringList accepts a single scalar or a sequence.
type stringList []string

func (l *stringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*l = stringList{node.Value}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	}
	return fmt.Errorf("line %d: expected a string or list of strings", node.Line)
}

type stageDef struct {
	Name            string            `yaml:"name"`
	When            string            `yaml:"when"`
	Agent           string            `yaml:"agent"`
	Timeout         string            `yaml:"timeout"`
	Retry           int               `yaml:"retry"`
	ContinueOnError bool              `yaml:"continue_on_error"`
	Env             map[string]envDef `yaml:"env"`
	Steps           []*stepDef        `yaml:"steps"`
	Parallel        []*stageDef       `yaml:"parallel"`
	Stages          []*stageDef       `yaml:"stages"`
	Input           *inputDef         `yaml:"input"`
}

type inputDef struct {
	Message   string   `yaml:"message"`
	Approvers []string `yaml:"approvers"`
}

// stepDef is a single-key mapping: the key is the step kind, the value
// its args. A scalar value is shorthand for the kind's primary arg
// ("shell: go build" means args {command: "go build"}).
type stepDef struct {
	Kind string
	Args map[string]string
	Line int
}

var primaryArg = map[string]string{
	"shell":   "command",
	"archive": "pattern",
}

func (s *stepDef) UnmarshalYAML(node *yaml.Node) error {
	s.Line = node.Line
	if node.Kind != yaml.MappingNode || len(node.Content) != 2 {
		return fmt.Errorf("line %d: a step must be a single-key mapping of kind to args", node.Line)
	}
	key, value := node.Content[0], node.Content[1]
	s.Kind = key.Value

	switch value.Kind {
	case yaml.ScalarNode:
		arg, ok := primaryArg[s.Kind]
		if !ok {
			return fmt.Errorf("line %d: step kind %q needs a mapping of args", node.Line, s.Kind)
		}
		s.Args = map[string]string{arg: value.Value}
	case yaml.MappingNode:
		args, err := decodeArgs(value)
		if err != nil {
			return err
		}
		s.Args = args
	default:
		return fmt.Errorf("line %d: step args must be a string or mapping", node.Line)
	}
	return nil
}

// postDef is {on: <condition>, <kind>: <args>}.
type postDef struct {
	On   string
	Kind string
	Args map[string]string
	Line int
}

func (p *postDef) UnmarshalYAML(node *yaml.Node) error {
	p.Line = node.Line
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: a post entry must be a mapping", node.Line)
	}
	for i := 0; i < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		if key.Value == "on" {
			p.On = value.Value
			continue
		}
		if p.Kind != "" {
			return fmt.Errorf("line %d: a post entry must name exactly one action", node.Line)
		}
		p.Kind = key.Value
		switch value.Kind {
		case yaml.ScalarNode:
			arg, ok := primaryArg[p.Kind]
			if !ok {
				return fmt.Errorf("line %d: action kind %q needs a mapping of args", node.Line, p.Kind)
			}
			p.Args = map[string]string{arg: value.Value}
		case yaml.MappingNode:
			args, err := decodeArgs(value)
			if err != nil {
				return err
			}
			p.Args = args
		default:
			return fmt.Errorf("line %d: action args must be a string or mapping", node.Line)
		}
	}
	if p.On == "" {
		return fmt.Errorf("line %d: post entry requires on", node.Line)
	}
	if p.Kind == "" {
		return fmt.Errorf("line %d: post entry names no action", node.Line)
	}
	return nil
}

// decodeArgs flattens an args mapping to strings; scalar ints and
// bools stringify rather than erroring.
func decodeArgs(node *yaml.Node) (map[string]string, error) {
	var raw map[string]any
	if err := node.Decode(&raw); err != nil {
		return nil, err
	}
	args := make(map[string]string, len(raw))
	for k, v := range raw {
		s, err := scalarString(v)
		if err != nil {
			return nil, fmt.Errorf("line %d: arg %q: %w", node.Line, k, err)
		}
		args[k] = s
	}
	return args, nil
}

func scalarString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), nil
	case nil:
		return "", nil
	}
	return "", fmt.Errorf("value must be a scalar, got %T", v)
}

// conversion into the schema model

func convert(doc *fileDef, source string) (*schema.Pipeline, []schema.Issue) {
	var issues []schema.Issue
	add := func(subject, format string, args ...any) {
		issues = append(issues, schema.Issue{Subject: subject, Message: fmt.Sprintf(format, args...)})
	}

	p := &schema.Pipeline{
		Name:       doc.Pipeline,
		AgentLabel: doc.Agent,
		Env:        convertEnv(doc.Env),
	}
	p.Timeout = parseTimeout(doc.Timeout, "pipeline", add)

	for _, param := range doc.Params {
		p.Params = append(p.Params, schema.ParamDecl(param))
	}

	if doc.Triggers != nil {
		p.Triggers.Cron = doc.Triggers.Cron
		p.Triggers.Webhook = doc.Triggers.Webhook
		for i, up := range doc.Triggers.Upstream {
			status, ok := schema.ParseStatusKeyword(up.On)
			if !ok {
				add(fmt.Sprintf("trigger upstream[%d]", i), "unknown status keyword %q", up.On)
			}
			p.Triggers.Upstream = append(p.Triggers.Upstream, schema.UpstreamTrigger{
				Job:      up.Job,
				OnStatus: status,
			})
		}
	}

	for _, sd := range doc.Stages {
		p.Stages = append(p.Stages, convertStage(sd, "", source, add))
	}

	for i, pd := range doc.Post {
		condition, ok := schema.ParseCondition(pd.On)
		if !ok {
			add(fmt.Sprintf("post[%d]", i), "unknown condition %q", pd.On)
		}
		p.Post = append(p.Post, schema.PostAction{
			Condition: condition,
			Kind:      pd.Kind,
			Args:      pd.Args,
		})
	}

	return p, issues
}

func convertStage(sd *stageDef, parent, source string, add func(string, string, ...any)) *schema.Stage {
	path := schema.JoinPath(parent, sd.Name)
	subject := "stage " + path

	st := &schema.Stage{
		Name:            sd.Name,
		AgentLabel:      sd.Agent,
		Retry:           sd.Retry,
		ContinueOnError: sd.ContinueOnError,
		Env:             convertEnv(sd.Env),
	}
	st.Timeout = parseTimeout(sd.Timeout, subject, add)

	if sd.When != "" {
		g, err := guard.Compile(sd.When, source)
		if err != nil {
			add(subject, "%v", err)
		} else {
			st.Guard = g
		}
	}

	for _, step := range sd.Steps {
		st.Steps = append(st.Steps, &schema.Step{Kind: step.Kind, Args: step.Args})
	}
	for _, child := range sd.Parallel {
		st.Parallel = append(st.Parallel, convertStage(child, path, source, add))
	}
	for _, child := range sd.Stages {
		st.Stages = append(st.Stages, convertStage(child, path, source, add))
	}
	if sd.Input != nil {
		st.Input = &schema.InputGate{Message: sd.Input.Message, Approvers: sd.Input.Approvers}
	}
	return st
}

func convertEnv(env map[string]envDef) map[string]schema.EnvValue {
	if len(env) == 0 {
		return nil
	}
	out := make(map[string]schema.EnvValue, len(env))
	for k, v := range env {
		if v.Secret != "" {
			out[k] = schema.SecretRef(v.Secret)
		} else {
			out[k] = schema.Literal(v.Literal)
		}
	}
	return out
}

func parseTimeout(s, subject string, add func(string, string, ...any)) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		add(subject, "invalid timeout %q", s)
		return 0
	}
	return d
}
