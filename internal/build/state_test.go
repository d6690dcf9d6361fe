package build

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func enqueued(req Request) Event {
	return NewEvent(t0, EventEnqueued, EnqueueData(req))
}

func TestWorst(t *testing.T) {
	testCases := []struct {
		a, b, want Status
	}{
		{StatusSuccess, StatusSuccess, StatusSuccess},
		{StatusSuccess, StatusSkipped, StatusSuccess},
		{StatusSuccess, StatusUnstable, StatusUnstable},
		{StatusUnstable, StatusFailure, StatusFailure},
		{StatusFailure, StatusAborted, StatusAborted},
		{StatusAborted, StatusSuccess, StatusAborted},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, Worst(tc.a, tc.b), "Worst(%s, %s)", tc.a, tc.b)
		assert.Equal(t, tc.want, Worst(tc.b, tc.a), "Worst(%s, %s)", tc.b, tc.a)
	}
}

func TestStateLifecycle(t *testing.T) {
	t.Run("enqueue then start then finish", func(t *testing.T) {
		s := NewState("payments", 7)
		req := Request{
			Job:    "payments",
			Cause:  Cause{ID: "c1", Kind: CauseManual, Actor: "ada"},
			Params: map[string]string{"REGION": "eu-west-1"},
		}
		require.NoError(t, s.Apply(enqueued(req)))
		assert.Equal(t, StatusQueued, s.Status)
		assert.Equal(t, CauseManual, s.Cause.Kind)
		assert.Equal(t, "ada", s.Cause.Actor)
		assert.Equal(t, "eu-west-1", s.Params["REGION"])

		require.NoError(t, s.Apply(NewEvent(t0, EventStarted, nil)))
		assert.Equal(t, StatusRunning, s.Status)

		require.NoError(t, s.Apply(NewEvent(t0, EventFinished, map[string]string{
			KeyStatus: string(StatusSuccess),
		})))
		assert.Equal(t, StatusSuccess, s.Status)
	})

	t.Run("starting twice is rejected", func(t *testing.T) {
		s := NewState("payments", 1)
		require.NoError(t, s.Apply(enqueued(Request{Job: "payments"})))
		require.NoError(t, s.Apply(NewEvent(t0, EventStarted, nil)))

		err := s.Apply(NewEvent(t0, EventStarted, nil))
		var ste *StateTransitionError
		require.ErrorAs(t, err, &ste)
		assert.Equal(t, StatusRunning, ste.From)
	})

	t.Run("cancel while queued finishes aborted without starting", func(t *testing.T) {
		s := NewState("payments", 2)
		require.NoError(t, s.Apply(enqueued(Request{Job: "payments"})))
		require.NoError(t, s.Apply(NewEvent(t0, EventCancelling, map[string]string{KeyActor: "ada"})))
		require.NoError(t, s.Apply(NewEvent(t0, EventFinished, map[string]string{
			KeyStatus: string(StatusAborted),
		})))
		assert.Equal(t, StatusAborted, s.Status)
		assert.True(t, s.Cancelling)
	})
}

func TestTerminalStateIsImmutable(t *testing.T) {
	s := NewState("payments", 3)
	require.NoError(t, s.Apply(enqueued(Request{Job: "payments"})))
	require.NoError(t, s.Apply(NewEvent(t0, EventStarted, nil)))
	require.NoError(t, s.Apply(NewEvent(t0, EventFinished, map[string]string{
		KeyStatus: string(StatusFailure),
	})))

	events := []Event{
		NewEvent(t0, EventStarted, nil),
		NewEvent(t0, EventStageStarted, map[string]string{KeyStage: "Build"}),
		NewEvent(t0, EventEnvSet, map[string]string{KeyName: "A", KeyValue: "1"}),
		NewEvent(t0, EventFinished, map[string]string{KeyStatus: string(StatusSuccess)}),
	}
	for _, ev := range events {
		err := s.Apply(ev)
		var ste *StateTransitionError
		require.ErrorAs(t, err, &ste, "event %s must be rejected after terminal state", ev.Type)
		assert.Equal(t, StatusFailure, ste.From)
	}
	assert.Equal(t, StatusFailure, s.Status, "terminal status must not move")
	assert.Empty(t, s.Stages, "rejected events must leave no trace")
}

func TestFinishedRequiresTerminalStatus(t *testing.T) {
	s := NewState("payments", 4)
	require.NoError(t, s.Apply(enqueued(Request{Job: "payments"})))
	require.NoError(t, s.Apply(NewEvent(t0, EventStarted, nil)))

	for _, bad := range []string{"RUNNING", "QUEUED", "SKIPPED", "nonsense", ""} {
		err := s.Apply(NewEvent(t0, EventFinished, map[string]string{KeyStatus: bad}))
		assert.Error(t, err, "status %q must be rejected", bad)
	}
	assert.Equal(t, StatusRunning, s.Status)
}

func TestStageAndStepFold(t *testing.T) {
	s := NewState("payments", 5)
	require.NoError(t, s.Apply(enqueued(Request{Job: "payments"})))
	require.NoError(t, s.Apply(NewEvent(t0, EventStarted, nil)))

	require.NoError(t, s.Apply(NewEvent(t0, EventStageStarted, map[string]string{
		KeyStage: "Build", KeyAgent: "local",
	})))
	require.NoError(t, s.Apply(NewEvent(t0, EventStepStarted, map[string]string{
		KeyStage: "Build", KeyStep: "compile", KeyKind: "shell",
	})))
	require.NoError(t, s.Apply(NewEvent(t0, EventStepDone, map[string]string{
		KeyStage: "Build", KeyStep: "compile", KeyStatus: string(StatusSuccess), KeyAttempts: "1",
	})))
	require.NoError(t, s.Apply(NewEvent(t0, EventStageDone, map[string]string{
		KeyStage: "Build", KeyStatus: string(StatusSuccess), KeyAttempts: "1",
	})))
	require.NoError(t, s.Apply(NewEvent(t0, EventStageSkipped, map[string]string{
		KeyStage: "Deploy", KeyReason: "guard evaluated to false",
	})))

	rec := s.Stage("Build")
	require.NotNil(t, rec)
	assert.Equal(t, StatusSuccess, rec.Status)
	assert.Equal(t, "local", rec.Agent)
	require.Len(t, rec.Steps, 1)
	assert.Equal(t, "compile", rec.Steps[0].Name)
	assert.Equal(t, StatusSuccess, rec.Steps[0].Status)

	skipped := s.Stage("Deploy")
	require.NotNil(t, skipped)
	assert.Equal(t, StatusSkipped, skipped.Status)
	assert.Equal(t, "guard evaluated to false", skipped.Message)
}

func TestGateFold(t *testing.T) {
	s := NewState("payments", 6)
	require.NoError(t, s.Apply(enqueued(Request{Job: "payments"})))
	require.NoError(t, s.Apply(NewEvent(t0, EventStarted, nil)))
	require.NoError(t, s.Apply(NewEvent(t0, EventInputAsked, map[string]string{
		KeyStage: "Approve", KeyToken: "tok-1", KeyMessage: "ship it?",
	})))

	require.NotNil(t, s.PendingGate("tok-1"))
	assert.Nil(t, s.PendingGate("tok-2"))

	require.NoError(t, s.Apply(NewEvent(t0, EventInputDone, map[string]string{
		KeyToken: "tok-1", KeyApproved: "true", KeyActor: "ada",
	})))
	assert.Nil(t, s.PendingGate("tok-1"), "resolved gate is no longer pending")
	assert.True(t, s.Gates[0].Approved)
	assert.Equal(t, "ada", s.Gates[0].Actor)

	err := s.Apply(NewEvent(t0, EventInputDone, map[string]string{KeyToken: "ghost"}))
	assert.Error(t, err, "unknown token must be loud")
}

func TestReplayReproducesState(t *testing.T) {
	events := []Event{
		{Seq: 1, Time: t0, Type: EventEnqueued, Data: EnqueueData(Request{
			Job: "payments", Cause: Cause{Kind: CauseCron}, Params: map[string]string{"A": "1"},
		})},
		{Seq: 2, Time: t0, Type: EventStarted},
		{Seq: 3, Time: t0, Type: EventStageStarted, Data: map[string]string{KeyStage: "Build", KeyAgent: "local"}},
		{Seq: 4, Time: t0, Type: EventEnvSet, Data: map[string]string{KeyName: "OUT", KeyValue: "dist"}},
		{Seq: 5, Time: t0, Type: EventArtifact, Data: map[string]string{KeyRef: "art-ab", KeyName: "dist.tgz", KeySize: "512"}},
		{Seq: 6, Time: t0, Type: EventStageDone, Data: map[string]string{KeyStage: "Build", KeyStatus: "SUCCESS", KeyAttempts: "1"}},
		{Seq: 7, Time: t0, Type: EventFinished, Data: map[string]string{KeyStatus: "SUCCESS"}},
	}

	s, err := Replay("payments", 9, events)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, s.Status)
	assert.Equal(t, int64(7), s.LastSeq)
	assert.Equal(t, "dist", s.Env["OUT"])
	require.Len(t, s.Artifacts, 1)
	assert.Equal(t, int64(512), s.Artifacts[0].Size)

	again, err := Replay("payments", 9, events)
	require.NoError(t, err)
	assert.Equal(t, s, again, "replay must be deterministic")
}

func TestSnapshotIsIndependent(t *testing.T) {
	s := NewState("payments", 8)
	require.NoError(t, s.Apply(enqueued(Request{Job: "payments", Params: map[string]string{"A": "1"}})))
	require.NoError(t, s.Apply(NewEvent(t0, EventStarted, nil)))
	require.NoError(t, s.Apply(NewEvent(t0, EventStageStarted, map[string]string{KeyStage: "Build"})))

	snap := s.Snapshot()
	require.NoError(t, s.Apply(NewEvent(t0, EventEnvSet, map[string]string{KeyName: "K", KeyValue: "v"})))
	s.Stage("Build").Status = StatusFailure

	assert.NotContains(t, snap.Env, "K")
	assert.Equal(t, StatusRunning, snap.Stage("Build").Status)
}
