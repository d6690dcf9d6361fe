package engine

import (
	"errors"
	"fmt"
	"time"
)

// ErrAlreadyFinished is returned by Cancel when the build reached a
// terminal status before the request arrived.
var ErrAlreadyFinished = errors.New("build already finished")

// ErrUnknownGate is returned for input tokens no live build is waiting
// on. Tokens of finished builds fall back to this too.
var ErrUnknownGate = errors.New("unknown input token")

// ErrGateResolved is returned when an input token is answered a second
// time.
var ErrGateResolved = errors.New("input already resolved")

// StepExecutionError reports the step that made a stage fail once its
// retry budget was spent. Its message becomes the stage record's
// message; Stage is carried for programmatic callers and stays out of
// the string, since the record already names the stage.
type StepExecutionError struct {
	Stage    string
	Step     string
	Attempts int
	Err      error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %q failed after %d attempt(s): %v", e.Step, e.Attempts, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

// TimeoutError is the cancellation cause installed when a stage or
// pipeline deadline expires, so aborted work can say which limit hit.
type TimeoutError struct {
	Scope string
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s exceeded timeout of %s", e.Scope, e.Limit)
}

// CancelError is the cancellation cause installed by an external abort
// request.
type CancelError struct {
	Actor string
}

func (e *CancelError) Error() string {
	if e.Actor == "" {
		return "build cancelled"
	}
	return fmt.Sprintf("build cancelled by %s", e.Actor)
}
