package build

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// StageRecord is the folded view of one stage. Path is slash-joined
// from the root ("Test/Unit" for a parallel branch).
type StageRecord struct {
	Path     string        `json:"path"`
	Status   Status        `json:"status"`
	Agent    string        `json:"agent,omitempty"`
	Started  time.Time     `json:"started,omitzero"`
	Finished time.Time     `json:"finished,omitzero"`
	Attempts int           `json:"attempts,omitempty"`
	Message  string        `json:"message,omitempty"`
	Steps    []*StepRecord `json:"steps,omitempty"`
}

// StepRecord is the folded view of one step run inside a stage.
type StepRecord struct {
	Name     string    `json:"name"`
	Kind     string    `json:"kind"`
	Status   Status    `json:"status"`
	Started  time.Time `json:"started,omitzero"`
	Finished time.Time `json:"finished,omitzero"`
	Attempts int       `json:"attempts,omitempty"`
	Message  string    `json:"message,omitempty"`
}

// ArtifactRecord references one archived artifact.
type ArtifactRecord struct {
	Ref  string `json:"ref"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Gate is a pending or resolved human-input suspension point.
type Gate struct {
	Token     string    `json:"token"`
	Stage     string    `json:"stage"`
	Message   string    `json:"message,omitempty"`
	Requested time.Time `json:"requested"`
	Resolved  bool      `json:"resolved"`
	Approved  bool      `json:"approved"`
	Actor     string    `json:"actor,omitempty"`
}

// State is the fold of a build's event stream. All mutation goes
// through Apply.
type State struct {
	Job               string            `json:"job"`
	Number            int64             `json:"number"`
	Cause             Cause             `json:"cause"`
	Params            map[string]string `json:"params,omitempty"`
	DefinitionVersion int               `json:"definition_version"`
	Status            Status            `json:"status"`
	Queued            time.Time         `json:"queued,omitzero"`
	Started           time.Time         `json:"started,omitzero"`
	Finished          time.Time         `json:"finished,omitzero"`
	Stages            []*StageRecord    `json:"stages,omitempty"`
	Env               map[string]string `json:"env,omitempty"`
	Artifacts         []ArtifactRecord  `json:"artifacts,omitempty"`
	Gates             []*Gate           `json:"gates,omitempty"`
	Cancelling        bool              `json:"cancelling,omitempty"`
	LastSeq           int64             `json:"last_seq"`
}

// NewState returns the empty pre-enqueue state for a build. The first
// event applied must be build.enqueued.
func NewState(job string, number int64) *State {
	return &State{
		Job:    job,
		Number: number,
		Env:    map[string]string{},
	}
}

// EnqueueData flattens a request into build.enqueued event data.
func EnqueueData(req Request) map[string]string {
	data := map[string]string{
		"cause_id":   req.Cause.ID,
		"cause_kind": string(req.Cause.Kind),
		"defver":     strconv.Itoa(req.DefinitionVersion),
	}
	if req.Cause.Actor != "" {
		data["cause_actor"] = req.Cause.Actor
	}
	if req.Cause.Note != "" {
		data["cause_note"] = req.Cause.Note
	}
	for k, v := range req.Params {
		data["param."+k] = v
	}
	return data
}

// Apply folds one event into the state. Any event arriving after a
// terminal status, or out of lifecycle order, returns a
// *StateTransitionError and leaves the state unchanged.
func (s *State) Apply(ev Event) error {
	if s.Status.Terminal() {
		return s.transitionError(ev)
	}

	switch ev.Type {
	case EventEnqueued:
		if s.Status != "" {
			return s.transitionError(ev)
		}
		s.Status = StatusQueued
		s.Queued = ev.Time
		s.Cause = Cause{
			ID:    ev.get("cause_id"),
			Kind:  CauseKind(ev.get("cause_kind")),
			Actor: ev.get("cause_actor"),
			Note:  ev.get("cause_note"),
		}
		if v := ev.get("defver"); v != "" {
			s.DefinitionVersion, _ = strconv.Atoi(v)
		}
		for k, v := range ev.Data {
			if name, ok := strings.CutPrefix(k, "param."); ok {
				if s.Params == nil {
					s.Params = map[string]string{}
				}
				s.Params[name] = v
			}
		}

	case EventStarted:
		if s.Status != StatusQueued {
			return s.transitionError(ev)
		}
		s.Status = StatusRunning
		s.Started = ev.Time

	case EventStageStarted:
		rec := s.ensureStage(ev.get(KeyStage))
		rec.Status = StatusRunning
		rec.Agent = ev.get(KeyAgent)
		rec.Started = ev.Time

	case EventStageDone:
		rec := s.ensureStage(ev.get(KeyStage))
		status, ok := ParseStatus(ev.get(KeyStatus))
		if !ok {
			return fmt.Errorf("build %s: stage.finished with status %q", Ref(s.Job, s.Number), ev.get(KeyStatus))
		}
		rec.Status = status
		rec.Finished = ev.Time
		rec.Message = ev.get(KeyMessage)
		if n, err := strconv.Atoi(ev.get(KeyAttempts)); err == nil {
			rec.Attempts = n
		}

	case EventStageSkipped:
		rec := s.ensureStage(ev.get(KeyStage))
		rec.Status = StatusSkipped
		rec.Finished = ev.Time
		rec.Message = ev.get(KeyReason)

	case EventStepStarted:
		rec := s.ensureStage(ev.get(KeyStage))
		rec.Steps = append(rec.Steps, &StepRecord{
			Name:    ev.get(KeyStep),
			Kind:    ev.get(KeyKind),
			Status:  StatusRunning,
			Started: ev.Time,
		})

	case EventStepDone:
		step := s.openStep(ev.get(KeyStage), ev.get(KeyStep))
		if step == nil {
			return fmt.Errorf("build %s: step.finished for unknown step %q in stage %q",
				Ref(s.Job, s.Number), ev.get(KeyStep), ev.get(KeyStage))
		}
		status, ok := ParseStatus(ev.get(KeyStatus))
		if !ok {
			return fmt.Errorf("build %s: step.finished with status %q", Ref(s.Job, s.Number), ev.get(KeyStatus))
		}
		step.Status = status
		step.Finished = ev.Time
		step.Message = ev.get(KeyMessage)
		if n, err := strconv.Atoi(ev.get(KeyAttempts)); err == nil {
			step.Attempts = n
		}

	case EventEnvSet:
		if s.Env == nil {
			s.Env = map[string]string{}
		}
		s.Env[ev.get(KeyName)] = ev.get(KeyValue)

	case EventArtifact:
		size, _ := strconv.ParseInt(ev.get(KeySize), 10, 64)
		s.Artifacts = append(s.Artifacts, ArtifactRecord{
			Ref:  ev.get(KeyRef),
			Name: ev.get(KeyName),
			Size: size,
		})

	case EventInputAsked:
		s.Gates = append(s.Gates, &Gate{
			Token:     ev.get(KeyToken),
			Stage:     ev.get(KeyStage),
			Message:   ev.get(KeyMessage),
			Requested: ev.Time,
		})

	case EventInputDone:
		gate := s.gate(ev.get(KeyToken))
		if gate == nil {
			return fmt.Errorf("build %s: input.resolved for unknown token %q", Ref(s.Job, s.Number), ev.get(KeyToken))
		}
		gate.Resolved = true
		gate.Approved = ev.get(KeyApproved) == "true"
		gate.Actor = ev.get(KeyActor)

	case EventCancelling:
		s.Cancelling = true

	case EventFinished:
		status, ok := ParseStatus(ev.get(KeyStatus))
		if !ok || !status.Terminal() || status == StatusSkipped {
			return fmt.Errorf("build %s: build.finished with status %q", Ref(s.Job, s.Number), ev.get(KeyStatus))
		}
		s.Status = status
		s.Finished = ev.Time

	default:
		return fmt.Errorf("build %s: unknown event type %q", Ref(s.Job, s.Number), ev.Type)
	}

	s.LastSeq = ev.Seq
	return nil
}

// Replay folds a full event stream into a fresh state.
func Replay(job string, number int64, events []Event) (*State, error) {
	s := NewState(job, number)
	for _, ev := range events {
		if err := s.Apply(ev); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Stage returns the record at path, or nil.
func (s *State) Stage(path string) *StageRecord {
	for _, rec := range s.Stages {
		if rec.Path == path {
			return rec
		}
	}
	return nil
}

// PendingGate returns the unresolved gate with the token, or nil.
func (s *State) PendingGate(token string) *Gate {
	if g := s.gate(token); g != nil && !g.Resolved {
		return g
	}
	return nil
}

// Snapshot returns a deep copy safe to hand outside the store lock.
func (s *State) Snapshot() *State {
	cp := *s
	cp.Params = copyMap(s.Params)
	cp.Env = copyMap(s.Env)
	cp.Stages = make([]*StageRecord, len(s.Stages))
	for i, rec := range s.Stages {
		r := *rec
		r.Steps = make([]*StepRecord, len(rec.Steps))
		for j, st := range rec.Steps {
			c := *st
			r.Steps[j] = &c
		}
		cp.Stages[i] = &r
	}
	cp.Artifacts = append([]ArtifactRecord(nil), s.Artifacts...)
	cp.Gates = make([]*Gate, len(s.Gates))
	for i, g := range s.Gates {
		c := *g
		cp.Gates[i] = &c
	}
	return &cp
}

func (s *State) transitionError(ev Event) error {
	return &StateTransitionError{Job: s.Job, Number: s.Number, From: s.Status, Event: ev.Type}
}

func (s *State) ensureStage(path string) *StageRecord {
	if rec := s.Stage(path); rec != nil {
		return rec
	}
	rec := &StageRecord{Path: path, Status: StatusPending}
	s.Stages = append(s.Stages, rec)
	return rec
}

// openStep finds the most recent still-running record for a step, so
// retried steps fold into fresh records instead of overwriting.
func (s *State) openStep(stagePath, name string) *StepRecord {
	rec := s.Stage(stagePath)
	if rec == nil {
		return nil
	}
	for i := len(rec.Steps) - 1; i >= 0; i-- {
		if rec.Steps[i].Name == name && rec.Steps[i].Status == StatusRunning {
			return rec.Steps[i]
		}
	}
	return nil
}

func (s *State) gate(token string) *Gate {
	for _, g := range s.Gates {
		if g.Token == token {
			return g
		}
	}
	return nil
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
