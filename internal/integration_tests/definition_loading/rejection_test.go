package integration_tests

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-ci/stagehand/internal/testutil"
)

// Test for: two files claiming the same pipeline name cannot both
// register; startup fails naming the first claimant.
func TestDefinitionLoading_DuplicateNameAcrossFilesIsRejected(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	site := `
pipeline: site
agent: local
stages:
  - name: Build
    steps:
      - shell: echo built
`
	files := map[string]string{"a.yaml": site, "b.yaml": site}

	// --- Act ---
	res := testutil.BuildApp(t, files)

	// --- Assert ---
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), `job "site" already defined in`)
	assert.Contains(t, res.Err.Error(), "a.yaml")
}

// Test for: the YAML decoder is strict, so a misspelled key is a load
// error naming the file instead of a silently dropped setting.
func TestDefinitionLoading_UnknownYAMLKeyIsRejected(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	files := map[string]string{
		"ci.yaml": `
pipeline: ci
agent: local
stages:
  - name: Build
    retrys: 2
    steps:
      - shell: echo built
`,
	}

	// --- Act ---
	res := testutil.BuildApp(t, files)

	// --- Assert ---
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "ci.yaml")
	assert.Contains(t, res.Err.Error(), "field retrys not found")
}

// Test for: secret() only mints env values. A secret reference in a
// step argument is rejected at load, before it could ever reach a
// process argv or a log.
func TestDefinitionLoading_SecretOutsideEnvIsRejected(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	files := map[string]string{
		"site.hcl": `
pipeline "site" {
  agent = "local"

  stage "Deploy" {
    step "shell" {
      command = secret("deploy-key")
    }
  }
}
`,
	}

	// --- Act ---
	res := testutil.BuildApp(t, files)

	// --- Assert ---
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "secret() is only valid inside env values")
}

// Test for: a step kind the registry does not carry fails registration,
// pointing at the stage and step.
func TestDefinitionLoading_UnknownStepKindIsRejected(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	files := map[string]string{
		"ci.yaml": `
pipeline: ci
agent: local
stages:
  - name: Build
    steps:
      - shellz:
          command: echo built
`,
	}

	// --- Act ---
	res := testutil.BuildApp(t, files)

	// --- Assert ---
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), `unknown step kind "shellz"`)
	assert.Contains(t, res.Err.Error(), "stage Build step shellz")
}

// Test for: a guard may only read parameters the pipeline declares;
// a reference to an undeclared one is a load error, not a runtime one.
func TestDefinitionLoading_GuardOnUndeclaredParamIsRejected(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	files := map[string]string{
		"ci.yaml": `
pipeline: ci
agent: local
params:
  - name: TARGET
    default: staging
stages:
  - name: Ship
    when: 'params.TARGTE == "production"'
    steps:
      - shell: echo shipped
`,
	}

	// --- Act ---
	res := testutil.BuildApp(t, files)

	// --- Assert ---
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), `guard references undeclared parameter "TARGTE"`)
}
