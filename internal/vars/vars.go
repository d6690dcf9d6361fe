// Package vars expands ${NAME} references in definition strings
// against a build's runtime scope.
package vars

import (
	"fmt"
	"regexp"
	"strings"
)

// pattern matches ${NAME} references. Only the braced form is
// recognized; bare $NAME is left for shell interpretation.
var pattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Expand replaces every ${NAME} reference with its value from scope.
// All unresolved references are reported together so a definition
// fails on the full list, not one name at a time.
func Expand(input string, scope map[string]string) (string, error) {
	var unresolved []string
	result := pattern.ReplaceAllStringFunc(input, func(match string) string {
		name := match[2 : len(match)-1]
		if value, ok := scope[name]; ok {
			return value
		}
		unresolved = append(unresolved, name)
		return match
	})
	if len(unresolved) > 0 {
		return "", fmt.Errorf("unresolved variables: %s", strings.Join(unresolved, ", "))
	}
	return result, nil
}

// ExpandAll expands every value of args, keeping the keys.
func ExpandAll(args, scope map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for key, value := range args {
		expanded, err := Expand(value, scope)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		out[key] = expanded
	}
	return out, nil
}

// Scope layers params under env: a name set by both resolves to the
// env value, since env is the layer builds mutate.
func Scope(params, env map[string]string) map[string]string {
	scope := make(map[string]string, len(params)+len(env))
	for k, v := range params {
		scope[k] = v
	}
	for k, v := range env {
		scope[k] = v
	}
	return scope
}
