package build

import "time"

// Event types, one per observable lifecycle fact. The full stream for a
// build replays to its State.
const (
	EventEnqueued     = "build.enqueued"
	EventStarted      = "build.started"
	EventStageStarted = "stage.started"
	EventStageDone    = "stage.finished"
	EventStageSkipped = "stage.skipped"
	EventStepStarted  = "step.started"
	EventStepDone     = "step.finished"
	EventEnvSet       = "env.set"
	EventArtifact     = "artifact.archived"
	EventInputAsked   = "input.requested"
	EventInputDone    = "input.resolved"
	EventCancelling   = "build.cancelling"
	EventFinished     = "build.finished"
)

// Well-known event data keys.
const (
	KeyStage    = "stage"
	KeyStep     = "step"
	KeyKind     = "kind"
	KeyStatus   = "status"
	KeyAgent    = "agent"
	KeyAttempts = "attempts"
	KeyMessage  = "message"
	KeyName     = "name"
	KeyValue    = "value"
	KeyRef      = "ref"
	KeySize     = "size"
	KeyToken    = "token"
	KeyActor    = "actor"
	KeyApproved = "approved"
	KeyReason   = "reason"
)

// Event is one appended fact about a build. Seq is assigned by the
// store in append order; Data is flat so it persists as plain JSON.
type Event struct {
	Seq  int64             `json:"seq"`
	Time time.Time         `json:"time"`
	Type string            `json:"type"`
	Data map[string]string `json:"data,omitempty"`
}

// NewEvent builds an unsequenced event; the store assigns Seq.
func NewEvent(t time.Time, typ string, data map[string]string) Event {
	return Event{Time: t, Type: typ, Data: data}
}

func (e Event) get(key string) string {
	if e.Data == nil {
		return ""
	}
	return e.Data[key]
}
