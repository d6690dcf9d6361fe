package build

import (
	"fmt"
	"time"
)

// CauseKind names the trigger class that admitted a build request.
type CauseKind string

const (
	CauseManual   CauseKind = "manual"
	CauseCron     CauseKind = "cron"
	CauseWebhook  CauseKind = "webhook"
	CauseUpstream CauseKind = "upstream"
)

// Cause records why a build was admitted.
type Cause struct {
	ID    string    `json:"id"`
	Kind  CauseKind `json:"kind"`
	Actor string    `json:"actor,omitempty"`
	Note  string    `json:"note,omitempty"`
}

// Request is an admitted ask for one build of a job. The store stamps
// it with a number and an enqueue time when it is accepted.
type Request struct {
	Job               string            `json:"job"`
	Cause             Cause             `json:"cause"`
	Params            map[string]string `json:"params,omitempty"`
	DefinitionVersion int               `json:"definition_version"`
	Queued            time.Time         `json:"queued"`
}

// Ref formats the conventional "job #number" display reference.
func Ref(job string, number int64) string {
	return fmt.Sprintf("%s #%d", job, number)
}
