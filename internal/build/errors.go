package build

import "fmt"

// StateTransitionError reports an event append that would violate the
// build lifecycle, most importantly any append after a terminal status.
// Callers receive it; it is never swallowed.
type StateTransitionError struct {
	Job    string
	Number int64
	From   Status
	Event  string
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("build %s: event %s not allowed in state %s",
		Ref(e.Job, e.Number), e.Event, e.From)
}
