package guard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileRejectsBrokenSyntax(t *testing.T) {
	_, err := Compile(`env.BRANCH ==`, "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse guard")
}

func TestRefs(t *testing.T) {
	g, err := Compile(`env.BRANCH == "main" && params.REGION != "dev" || env.TIER == params.TIER`, "test")
	require.NoError(t, err)

	var got []string
	for _, ref := range g.Refs() {
		got = append(got, ref.String())
	}
	assert.ElementsMatch(t, []string{"env.BRANCH", "params.REGION", "env.TIER", "params.TIER"}, got)
}

func TestEval(t *testing.T) {
	env := map[string]string{"BRANCH": "main", "TIER": "prod"}
	params := map[string]string{"REGION": "eu-west-1"}

	testCases := []struct {
		name string
		src  string
		want bool
	}{
		{"equality on env", `env.BRANCH == "main"`, true},
		{"inequality", `env.BRANCH != "main"`, false},
		{"conjunction across roots", `env.TIER == "prod" && params.REGION == "eu-west-1"`, true},
		{"disjunction", `env.BRANCH == "release" || params.REGION == "eu-west-1"`, true},
		{"negation", `!(env.TIER == "prod")`, false},
		{"string template", `"${env.BRANCH}-${env.TIER}" == "main-prod"`, true},
		{"conditional expression", `env.TIER == "prod" ? true : false`, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			g, err := Compile(tc.src, "test")
			require.NoError(t, err)
			got, err := g.Eval(env, params)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEvalMissingKeyIsLoud(t *testing.T) {
	g, err := Compile(`env.NOPE == "x"`, "test")
	require.NoError(t, err)

	_, err = g.Eval(map[string]string{"BRANCH": "main"}, nil)
	require.Error(t, err, "missing key must error, never silently skip")
	assert.Contains(t, err.Error(), "evaluate guard")
}

func TestEvalNonBooleanIsRejected(t *testing.T) {
	g, err := Compile(`env.BRANCH`, "test")
	require.NoError(t, err)

	_, err = g.Eval(map[string]string{"BRANCH": "main"}, nil)
	assert.Error(t, err)
}
