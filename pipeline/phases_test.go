package pipeline

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestManager_RegisterStartsAtIngest(t *testing.T) {
	m := NewManager()
	state := m.Register("inc-1", "run-1")
	require.Equal(t, PhaseIngest, state.Phase)
	require.False(t, state.Phase.IsTerminal())
}

func TestManager_TransitionTo_FollowsGraph(t *testing.T) {
	m := NewManager()
	m.Register("inc-1", "run-1")

	require.NoError(t, m.TransitionTo("inc-1", "run-1", PhaseCollect, "evidence collected"))
	state, ok := m.GetState("inc-1", "run-1")
	require.True(t, ok)
	require.Equal(t, PhaseCollect, state.Phase)
	require.Equal(t, PhaseIngest, state.PreviousPhase)
}

func TestManager_TransitionTo_RejectsSkip(t *testing.T) {
	m := NewManager()
	m.Register("inc-1", "run-1")

	err := m.TransitionTo("inc-1", "run-1", PhaseAnalyze, "skip ahead")
	require.Error(t, err)
}

func TestManager_TransitionTo_UnregisteredRun(t *testing.T) {
	m := NewManager()
	err := m.TransitionTo("inc-x", "run-x", PhaseCollect, "")
	require.Error(t, err)
}

func TestManager_Fail_FromAnyNonTerminalPhase(t *testing.T) {
	m := NewManager()
	m.Register("inc-1", "run-1")
	require.NoError(t, m.TransitionTo("inc-1", "run-1", PhaseCollect, ""))
	require.NoError(t, m.Fail("inc-1", "run-1", "collector timeout"))

	state, _ := m.GetState("inc-1", "run-1")
	require.Equal(t, PhaseFailed, state.Phase)
	require.True(t, state.Phase.IsTerminal())
}

func TestManager_Fail_AlreadyTerminalRejected(t *testing.T) {
	m := NewManager()
	m.Register("inc-1", "run-1")
	require.NoError(t, m.Fail("inc-1", "run-1", "bad ingest"))
	require.Error(t, m.Fail("inc-1", "run-1", "again"))
}

func TestManager_RegisterAt_ResumesFromPhase(t *testing.T) {
	m := NewManager()
	state := m.RegisterAt("inc-1", "run-1", PhaseAnalyze)
	require.Equal(t, PhaseAnalyze, state.Phase)
	require.Equal(t, "replay", state.Reason)

	require.NoError(t, m.TransitionTo("inc-1", "run-1", PhasePlan, ""))
}

func TestManager_OnPhaseChanged_Fires(t *testing.T) {
	m := NewManager()
	var mu sync.Mutex
	var seen []Phase
	done := make(chan struct{}, 1)
	m.OnPhaseChanged(func(s *RunState) {
		mu.Lock()
		seen = append(seen, s.Phase)
		mu.Unlock()
		done <- struct{}{}
	})

	m.Register("inc-1", "run-1")
	require.NoError(t, m.TransitionTo("inc-1", "run-1", PhaseCollect, ""))
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []Phase{PhaseCollect}, seen)
}

func TestManager_ActiveRuns_ExcludesTerminal(t *testing.T) {
	m := NewManager()
	m.Register("inc-1", "run-1")
	m.Register("inc-2", "run-2")
	require.NoError(t, m.Fail("inc-2", "run-2", "bad"))

	active := m.ActiveRuns()
	require.Len(t, active, 1)
	require.Equal(t, "inc-1", active[0].IncidentID)
}

func TestManager_Remove(t *testing.T) {
	m := NewManager()
	m.Register("inc-1", "run-1")
	m.Remove("inc-1", "run-1")
	_, ok := m.GetState("inc-1", "run-1")
	require.False(t, ok)
}
