// Package guard implements the conditional expression language used by
// stage `when` clauses. Guards are HCL expressions evaluated against
// two object variables, `env` and `params`; no functions are exposed,
// so the language stays declarative (comparisons, boolean operators,
// string templates) rather than a general script.
package guard

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// Guard is one compiled `when` expression.
type Guard struct {
	src  string
	expr hcl.Expression
}

// Ref is one root.attr variable reference inside a guard.
type Ref struct {
	Root string
	Attr string
}

func (r Ref) String() string {
	if r.Attr == "" {
		return r.Root
	}
	return r.Root + "." + r.Attr
}

// Compile parses an expression from its string form (the YAML path).
// filename only labels diagnostics.
func Compile(src, filename string) (*Guard, error) {
	expr, diags := hclsyntax.ParseExpression([]byte(src), filename, hcl.InitialPos)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse guard %q: %s", src, diags.Error())
	}
	return &Guard{src: src, expr: expr}, nil
}

// FromExpression wraps an expression already parsed by the HCL loader.
func FromExpression(expr hcl.Expression, src string) *Guard {
	return &Guard{src: src, expr: expr}
}

// Source returns the original expression text.
func (g *Guard) Source() string { return g.src }

// Refs lists the variable references the expression makes. The parser
// uses this to reject guards that reach outside env.* and params.*, and
// to reject params.* names that were never declared.
func (g *Guard) Refs() []Ref {
	var refs []Ref
	for _, traversal := range g.expr.Variables() {
		ref := Ref{Root: traversal.RootName()}
		if len(traversal) > 1 {
			if attr, ok := traversal[1].(hcl.TraverseAttr); ok {
				ref.Attr = attr.Name
			}
		}
		refs = append(refs, ref)
	}
	return refs
}

// Eval evaluates the guard against the current environment and build
// parameters. A reference to a key absent from its map is an error, not
// a false result.
func (g *Guard) Eval(env, params map[string]string) (bool, error) {
	ctx := &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env":    objectVal(env),
			"params": objectVal(params),
		},
	}
	val, diags := g.expr.Value(ctx)
	if diags.HasErrors() {
		return false, fmt.Errorf("evaluate guard %q: %s", g.src, diags.Error())
	}
	val, err := convert.Convert(val, cty.Bool)
	if err != nil {
		return false, fmt.Errorf("guard %q is not boolean: %w", g.src, err)
	}
	if val.IsNull() {
		return false, fmt.Errorf("guard %q evaluated to null", g.src)
	}
	return val.True(), nil
}

func objectVal(m map[string]string) cty.Value {
	if len(m) == 0 {
		return cty.EmptyObjectVal
	}
	attrs := make(map[string]cty.Value, len(m))
	for k, v := range m {
		attrs[k] = cty.StringVal(v)
	}
	return cty.ObjectVal(attrs)
}
