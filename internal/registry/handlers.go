package registry

import (
	"context"
	"io"

	"github.com/stagehand-ci/stagehand/internal/artifact"
	"github.com/stagehand-ci/stagehand/internal/build"
)

// StepRunner runs one step kind inside a stage.
type StepRunner interface {
	Kind() string
	ValidateArgs(args map[string]string) error
	Run(ctx context.Context, sc *StepContext) (StepResult, error)
}

// ActionRunner runs one post-action kind after a build reaches a
// terminal status.
type ActionRunner interface {
	Kind() string
	ValidateArgs(args map[string]string) error
	Run(ctx context.Context, ac *ActionContext) error
}

// StepContext carries everything a step sees at run time. Args arrive
// already expanded against the build environment.
type StepContext struct {
	Job       string
	Number    int64
	StagePath string
	StepName  string
	Args      map[string]string
	Env       map[string]string
	Workspace string
	Artifacts *artifact.Store
	Log       io.Writer
}

// StepResult reports how a step ended. EnvUpdates are staged by the
// engine and committed only when the stage attempt succeeds.
type StepResult struct {
	Status     build.Status
	Message    string
	EnvUpdates map[string]string
	Artifacts  []artifact.Ref
}

// ActionContext carries the terminal build a post action reacts to.
// The workspace is still on disk when actions run.
type ActionContext struct {
	Job       string
	Number    int64
	Status    build.Status
	Args      map[string]string
	Workspace string
	Artifacts *artifact.Store
}
