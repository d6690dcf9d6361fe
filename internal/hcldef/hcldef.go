// Package hcldef loads the scripted HCL form of a pipeline definition.
// A file holds one `pipeline "name" {}` block; stages, triggers, and
// post actions are nested blocks, and `when =` clauses stay unevaluated
// HCL expressions that become guards. Like the YAML loader it collects
// every problem into one ParseError instead of stopping at the first.
package hcldef

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/gocty"

	"github.com/stagehand-ci/stagehand/internal/guard"
	"github.com/stagehand-ci/stagehand/internal/schema"
)

// secretMark tags values produced by the secret() function so the env
// decoder can tell references apart from literals.
type secretMark struct{}

// secretFunc marks its argument; the marked string is the secret id,
// resolved by the secret provider at run time.
var secretFunc = function.New(&function.Spec{
	Params: []function.Parameter{{Name: "id", Type: cty.String}},
	Type:   function.StaticReturnType(cty.String),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		return args[0].Mark(secretMark{}), nil
	},
})

// Load reads and parses one definition file.
func Load(path string) (*schema.Pipeline, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	return Parse(src, path)
}

// Parse decodes a definition from source text. filename labels
// diagnostics.
func Parse(src []byte, filename string) (*schema.Pipeline, error) {
	file, diags := hclparse.NewParser().ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, &schema.ParseError{Source: filename, Issues: diagIssues(diags)}
	}
	body, ok := file.Body.(*hclsyntax.Body)
	if !ok {
		return nil, &schema.ParseError{
			Source: filename,
			Issues: []schema.Issue{{Subject: "hcl", Message: "file is not native HCL syntax"}},
		}
	}

	ld := &loader{
		src: src,
		ctx: &hcl.EvalContext{
			Functions: map[string]function.Function{"secret": secretFunc},
		},
	}
	pipeline := ld.file(body)
	if len(ld.issues) > 0 {
		return nil, &schema.ParseError{Source: filename, Issues: ld.issues}
	}
	pipeline.Normalize()
	return pipeline, nil
}

func diagIssues(diags hcl.Diagnostics) []schema.Issue {
	issues := make([]schema.Issue, 0, len(diags))
	for _, d := range diags {
		subject := "hcl"
		if d.Subject != nil {
			subject = d.Subject.String()
		}
		message := d.Summary
		if d.Detail != "" {
			message += "; " + d.Detail
		}
		issues = append(issues, schema.Issue{Subject: subject, Message: message})
	}
	return issues
}

type loader struct {
	src    []byte
	ctx    *hcl.EvalContext
	issues []schema.Issue
}

func (l *loader) add(subject, format string, args ...any) {
	l.issues = append(l.issues, schema.Issue{Subject: subject, Message: fmt.Sprintf(format, args...)})
}

// file expects exactly one pipeline block and nothing else at the top
// level.
func (l *loader) file(body *hclsyntax.Body) *schema.Pipeline {
	for _, name := range sortedAttrs(body.Attributes) {
		l.add("hcl", "unexpected top-level attribute %q", name)
	}

	p := &schema.Pipeline{}
	found := false
	for _, block := range body.Blocks {
		if block.Type != "pipeline" {
			l.add("hcl", "unexpected top-level block %q", block.Type)
			continue
		}
		if found {
			l.add("hcl", "a definition file holds exactly one pipeline block")
			continue
		}
		found = true
		l.pipeline(block, p)
	}
	if !found {
		l.add("hcl", "no pipeline block found")
	}
	return p
}

func (l *loader) pipeline(block *hclsyntax.Block, p *schema.Pipeline) {
	if len(block.Labels) != 1 {
		l.add("pipeline", "a pipeline block takes exactly one label, its name")
		return
	}
	p.Name = block.Labels[0]

	body := block.Body
	for _, name := range sortedAttrs(body.Attributes) {
		attr := body.Attributes[name]
		switch name {
		case "agent":
			p.AgentLabel = l.scalar(attr.Expr, "pipeline")
		case "timeout":
			p.Timeout = l.timeout(attr.Expr, "pipeline")
		case "env":
			p.Env = l.env(attr.Expr, "pipeline env")
		default:
			l.add("pipeline", "unsupported attribute %q", name)
		}
	}

	for _, b := range body.Blocks {
		switch b.Type {
		case "param":
			if decl, ok := l.param(b); ok {
				p.Params = append(p.Params, decl)
			}
		case "trigger":
			l.trigger(b, p)
		case "stage":
			p.Stages = append(p.Stages, l.stage(b, ""))
		case "post":
			l.post(b, p)
		default:
			l.add("pipeline", "unsupported block %q", b.Type)
		}
	}
}

func (l *loader) param(block *hclsyntax.Block) (schema.ParamDecl, bool) {
	if len(block.Labels) != 1 {
		l.add("param", "a param block takes exactly one label, the parameter name")
		return schema.ParamDecl{}, false
	}
	decl := schema.ParamDecl{Name: block.Labels[0]}
	subject := "param " + decl.Name

	for _, name := range sortedAttrs(block.Body.Attributes) {
		attr := block.Body.Attributes[name]
		switch name {
		case "default":
			decl.Default = l.scalar(attr.Expr, subject)
		case "required":
			decl.Required = l.boolean(attr.Expr, subject)
		case "description":
			decl.Description = l.scalar(attr.Expr, subject)
		default:
			l.add(subject, "unsupported attribute %q", name)
		}
	}
	for _, b := range block.Body.Blocks {
		l.add(subject, "unsupported block %q", b.Type)
	}
	return decl, true
}

func (l *loader) trigger(block *hclsyntax.Block, p *schema.Pipeline) {
	if len(block.Labels) != 0 {
		l.add("trigger", "a trigger block takes no labels")
		return
	}
	for _, name := range sortedAttrs(block.Body.Attributes) {
		attr := block.Body.Attributes[name]
		switch name {
		case "cron":
			p.Triggers.Cron = append(p.Triggers.Cron, l.stringList(attr.Expr, "trigger cron")...)
		case "webhook":
			p.Triggers.Webhook = l.boolean(attr.Expr, "trigger")
		default:
			l.add("trigger", "unsupported attribute %q", name)
		}
	}
	for _, b := range block.Body.Blocks {
		if b.Type != "upstream" {
			l.add("trigger", "unsupported block %q", b.Type)
			continue
		}
		l.upstream(b, p)
	}
}

func (l *loader) upstream(block *hclsyntax.Block, p *schema.Pipeline) {
	subject := fmt.Sprintf("trigger upstream[%d]", len(p.Triggers.Upstream))
	if len(block.Labels) != 0 {
		l.add(subject, "an upstream block takes no labels")
		return
	}
	var up schema.UpstreamTrigger
	for _, name := range sortedAttrs(block.Body.Attributes) {
		attr := block.Body.Attributes[name]
		switch name {
		case "job":
			up.Job = l.scalar(attr.Expr, subject)
		case "on":
			keyword := l.scalar(attr.Expr, subject)
			status, ok := schema.ParseStatusKeyword(keyword)
			if !ok {
				l.add(subject, "unknown status keyword %q", keyword)
			}
			up.OnStatus = status
		default:
			l.add(subject, "unsupported attribute %q", name)
		}
	}
	p.Triggers.Upstream = append(p.Triggers.Upstream, up)
}

func (l *loader) stage(block *hclsyntax.Block, parent string) *schema.Stage {
	if len(block.Labels) != 1 {
		l.add("stage under "+orRoot(parent), "a stage block takes exactly one label, its name")
		return &schema.Stage{}
	}
	name := block.Labels[0]
	path := schema.JoinPath(parent, name)
	subject := "stage " + path
	st := &schema.Stage{Name: name}

	for _, attrName := range sortedAttrs(block.Body.Attributes) {
		attr := block.Body.Attributes[attrName]
		switch attrName {
		case "when":
			rng := attr.Expr.Range()
			st.Guard = guard.FromExpression(attr.Expr, string(l.src[rng.Start.Byte:rng.End.Byte]))
		case "agent":
			st.AgentLabel = l.scalar(attr.Expr, subject)
		case "timeout":
			st.Timeout = l.timeout(attr.Expr, subject)
		case "retry":
			st.Retry = l.integer(attr.Expr, subject)
		case "continue_on_error":
			st.ContinueOnError = l.boolean(attr.Expr, subject)
		case "env":
			st.Env = l.env(attr.Expr, subject+" env")
		default:
			l.add(subject, "unsupported attribute %q", attrName)
		}
	}

	for _, b := range block.Body.Blocks {
		switch b.Type {
		case "step":
			if step, ok := l.step(b, subject); ok {
				st.Steps = append(st.Steps, step)
			}
		case "parallel":
			l.parallel(b, st, path, subject)
		case "stage":
			st.Stages = append(st.Stages, l.stage(b, path))
		case "input":
			st.Input = l.input(b, subject)
		default:
			l.add(subject, "unsupported block %q", b.Type)
		}
	}
	return st
}

func (l *loader) step(block *hclsyntax.Block, parentSubject string) (*schema.Step, bool) {
	if len(block.Labels) < 1 || len(block.Labels) > 2 {
		l.add(parentSubject, "a step block takes a kind label and an optional name label")
		return nil, false
	}
	step := &schema.Step{Kind: block.Labels[0]}
	if len(block.Labels) == 2 {
		step.Name = block.Labels[1]
	}
	subject := parentSubject + " step " + block.Labels[0]
	if step.Name != "" {
		subject = parentSubject + " step " + step.Name
	}
	step.Args = l.args(block.Body, subject)
	return step, true
}

// parallel fans out: its body holds only stage blocks, which become the
// concurrent branches of the surrounding stage.
func (l *loader) parallel(block *hclsyntax.Block, st *schema.Stage, path, subject string) {
	if len(block.Labels) != 0 {
		l.add(subject, "a parallel block takes no labels")
		return
	}
	for _, name := range sortedAttrs(block.Body.Attributes) {
		l.add(subject, "unsupported attribute %q in parallel block", name)
	}
	for _, b := range block.Body.Blocks {
		if b.Type != "stage" {
			l.add(subject, "a parallel block holds only stage blocks, got %q", b.Type)
			continue
		}
		st.Parallel = append(st.Parallel, l.stage(b, path))
	}
}

func (l *loader) input(block *hclsyntax.Block, subject string) *schema.InputGate {
	if len(block.Labels) != 0 {
		l.add(subject, "an input block takes no labels")
		return nil
	}
	gate := &schema.InputGate{}
	for _, name := range sortedAttrs(block.Body.Attributes) {
		attr := block.Body.Attributes[name]
		switch name {
		case "message":
			gate.Message = l.scalar(attr.Expr, subject)
		case "approvers":
			gate.Approvers = l.stringList(attr.Expr, subject)
		default:
			l.add(subject, "unsupported attribute %q", name)
		}
	}
	for _, b := range block.Body.Blocks {
		l.add(subject, "unsupported block %q", b.Type)
	}
	return gate
}

func (l *loader) post(block *hclsyntax.Block, p *schema.Pipeline) {
	subject := fmt.Sprintf("post[%d]", len(p.Post))
	if len(block.Labels) != 1 {
		l.add(subject, "a post block takes exactly one label, its condition")
		return
	}
	condition, ok := schema.ParseCondition(block.Labels[0])
	if !ok {
		l.add(subject, "unknown condition %q", block.Labels[0])
	}

	for _, name := range sortedAttrs(block.Body.Attributes) {
		l.add(subject, "unsupported attribute %q", name)
	}

	action := schema.PostAction{Condition: condition}
	for _, b := range block.Body.Blocks {
		if b.Type != "action" {
			l.add(subject, "unsupported block %q", b.Type)
			continue
		}
		if len(b.Labels) != 1 {
			l.add(subject, "an action block takes exactly one label, its kind")
			continue
		}
		if action.Kind != "" {
			l.add(subject, "a post block names exactly one action")
			continue
		}
		action.Kind = b.Labels[0]
		action.Args = l.args(b.Body, subject+" action "+action.Kind)
	}
	if action.Kind == "" {
		l.add(subject, "post block names no action")
		return
	}
	p.Post = append(p.Post, action)
}

// args flattens a body of attributes into string step arguments.
func (l *loader) args(body *hclsyntax.Body, subject string) map[string]string {
	for _, b := range body.Blocks {
		l.add(subject, "unsupported block %q", b.Type)
	}
	args := make(map[string]string, len(body.Attributes))
	for _, name := range sortedAttrs(body.Attributes) {
		args[name] = l.scalar(body.Attributes[name].Expr, subject+" arg "+name)
	}
	return args
}

// scalar evaluates an expression to a string; numbers and booleans
// coerce. secret() marks are rejected outside env values.
func (l *loader) scalar(expr hclsyntax.Expression, subject string) string {
	v, diags := expr.Value(l.ctx)
	if diags.HasErrors() {
		l.add(subject, "%s", diags.Error())
		return ""
	}
	if v.IsMarked() {
		l.add(subject, "secret() is only valid inside env values")
		return ""
	}
	if v.IsNull() {
		l.add(subject, "value must not be null")
		return ""
	}
	s, err := convert.Convert(v, cty.String)
	if err != nil {
		l.add(subject, "value must be a string: %v", err)
		return ""
	}
	return s.AsString()
}

func (l *loader) boolean(expr hclsyntax.Expression, subject string) bool {
	v, diags := expr.Value(l.ctx)
	if diags.HasErrors() {
		l.add(subject, "%s", diags.Error())
		return false
	}
	b, err := convert.Convert(v, cty.Bool)
	if err != nil || b.IsNull() {
		l.add(subject, "value must be a boolean")
		return false
	}
	return b.True()
}

func (l *loader) integer(expr hclsyntax.Expression, subject string) int {
	v, diags := expr.Value(l.ctx)
	if diags.HasErrors() {
		l.add(subject, "%s", diags.Error())
		return 0
	}
	var n int
	if err := gocty.FromCtyValue(v, &n); err != nil {
		l.add(subject, "value must be an integer: %v", err)
		return 0
	}
	return n
}

func (l *loader) timeout(expr hclsyntax.Expression, subject string) time.Duration {
	s := l.scalar(expr, subject)
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		l.add(subject, "invalid timeout %q", s)
		return 0
	}
	return d
}

func (l *loader) stringList(expr hclsyntax.Expression, subject string) []string {
	v, diags := expr.Value(l.ctx)
	if diags.HasErrors() {
		l.add(subject, "%s", diags.Error())
		return nil
	}
	converted, err := convert.Convert(v, cty.List(cty.String))
	if err != nil || converted.IsNull() {
		l.add(subject, "value must be a list of strings")
		return nil
	}
	var items []string
	for it := converted.ElementIterator(); it.Next(); {
		_, item := it.Element()
		items = append(items, item.AsString())
	}
	return items
}

// env decodes an env attribute. Values marked by secret() become secret
// references; everything else is a literal.
func (l *loader) env(expr hclsyntax.Expression, subject string) map[string]schema.EnvValue {
	v, diags := expr.Value(l.ctx)
	if diags.HasErrors() {
		l.add(subject, "%s", diags.Error())
		return nil
	}
	if v.IsNull() || !v.CanIterateElements() {
		l.add(subject, "env must be an object of string values")
		return nil
	}
	out := make(map[string]schema.EnvValue)
	for it := v.ElementIterator(); it.Next(); {
		key, value := it.Element()
		name := key.AsString()
		unmarked, marks := value.Unmark()
		if unmarked.IsNull() {
			l.add(subject, "key %q must not be null", name)
			continue
		}
		s, err := convert.Convert(unmarked, cty.String)
		if err != nil {
			l.add(subject, "key %q must be a string: %v", name, err)
			continue
		}
		if _, secret := marks[secretMark{}]; secret {
			out[name] = schema.SecretRef(s.AsString())
		} else {
			out[name] = schema.Literal(s.AsString())
		}
	}
	return out
}

func sortedAttrs(attrs hclsyntax.Attributes) []string {
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func orRoot(parent string) string {
	if parent == "" {
		return "pipeline root"
	}
	return parent
}
