// Package pipeline drives one incident run through its phase machine:
// Ingest -> Collect -> Snapshot -> Analyze -> Plan -> Act -> Persist. Each
// phase is durable, deduplicated, bounded, and independently replayable.
package pipeline

import (
	"fmt"
	"sync"
	"time"
)

// Phase is one step of an incident run.
type Phase string

const (
	PhaseIngest   Phase = "ingest"
	PhaseCollect  Phase = "collect"
	PhaseSnapshot Phase = "snapshot"
	PhaseAnalyze  Phase = "analyze"
	PhasePlan     Phase = "plan"
	PhaseAct      Phase = "act"
	PhasePersist  Phase = "persist"
	PhaseComplete Phase = "complete"
	PhaseFailed   Phase = "failed"
)

// ValidTransitions enumerates the phase graph: each phase either advances
// to the next stage or drops to failed.
var ValidTransitions = map[Phase][]Phase{
	PhaseIngest:   {PhaseCollect, PhaseFailed},
	PhaseCollect:  {PhaseSnapshot, PhaseFailed},
	PhaseSnapshot: {PhaseAnalyze, PhaseFailed},
	PhaseAnalyze:  {PhasePlan, PhaseFailed},
	PhasePlan:     {PhaseAct, PhaseFailed},
	PhaseAct:      {PhasePersist, PhaseFailed},
	PhasePersist:  {PhaseComplete, PhaseFailed},
}

// IsTerminal reports whether a run in this phase can make no further
// progress without an explicit replay.
func (p Phase) IsTerminal() bool {
	return p == PhaseComplete || p == PhaseFailed
}

// CanTransitionTo reports whether p -> target is a legal step.
func (p Phase) CanTransitionTo(target Phase) bool {
	for _, valid := range ValidTransitions[p] {
		if valid == target {
			return true
		}
	}
	return false
}

// RunState is one incident run's current position in the phase machine.
type RunState struct {
	IncidentID    string
	RunID         string
	Phase         Phase
	PreviousPhase Phase
	ChangedAt     time.Time
	Reason        string
}

// Manager tracks RunState in-process for the lifetime of a run, alongside
// the durable RunRecord a store.RecordStore persists after each
// transition. Replay re-registers a run and fast-forwards it
// past phases whose durable output already exists.
type Manager struct {
	mu             sync.RWMutex
	runs           map[string]*RunState
	onPhaseChanged func(state *RunState)
}

// NewManager creates an empty phase manager.
func NewManager() *Manager {
	return &Manager{runs: make(map[string]*RunState)}
}

// OnPhaseChanged registers a callback invoked (in a new goroutine) after
// every successful transition, used to persist RunRecord and publish
// domain events without blocking the pipeline.
func (m *Manager) OnPhaseChanged(fn func(state *RunState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPhaseChanged = fn
}

func runKey(incidentID, runID string) string { return incidentID + "/" + runID }

// Register starts tracking a new run at PhaseIngest.
func (m *Manager) Register(incidentID, runID string) *RunState {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := &RunState{
		IncidentID: incidentID,
		RunID:      runID,
		Phase:      PhaseIngest,
		ChangedAt:  time.Now().UTC(),
	}
	m.runs[runKey(incidentID, runID)] = state
	return state
}

// RegisterAt starts tracking a run already at phase (used by replay to
// resume past completed phases rather than re-running them).
func (m *Manager) RegisterAt(incidentID, runID string, phase Phase) *RunState {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := &RunState{
		IncidentID: incidentID,
		RunID:      runID,
		Phase:      phase,
		ChangedAt:  time.Now().UTC(),
		Reason:     "replay",
	}
	m.runs[runKey(incidentID, runID)] = state
	return state
}

// GetState returns a copy of the current run state.
func (m *Manager) GetState(incidentID, runID string) (*RunState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.runs[runKey(incidentID, runID)]
	if !ok {
		return nil, false
	}
	cp := *state
	return &cp, true
}

// TransitionTo advances a run to newPhase, rejecting illegal transitions.
func (m *Manager) TransitionTo(incidentID, runID string, newPhase Phase, reason string) error {
	m.mu.Lock()
	state, ok := m.runs[runKey(incidentID, runID)]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("run not registered: %s/%s", incidentID, runID)
	}
	if !state.Phase.CanTransitionTo(newPhase) {
		m.mu.Unlock()
		return fmt.Errorf("invalid transition %s -> %s for run %s/%s", state.Phase, newPhase, incidentID, runID)
	}
	state.PreviousPhase = state.Phase
	state.Phase = newPhase
	state.ChangedAt = time.Now().UTC()
	state.Reason = reason
	cp := *state
	callback := m.onPhaseChanged
	m.mu.Unlock()

	if callback != nil {
		go callback(&cp)
	}
	return nil
}

// Fail marks a run as failed from any non-terminal phase.
func (m *Manager) Fail(incidentID, runID, reason string) error {
	m.mu.Lock()
	state, ok := m.runs[runKey(incidentID, runID)]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("run not registered: %s/%s", incidentID, runID)
	}
	if state.Phase.IsTerminal() {
		m.mu.Unlock()
		return fmt.Errorf("run %s/%s already terminal at %s", incidentID, runID, state.Phase)
	}
	state.PreviousPhase = state.Phase
	state.Phase = PhaseFailed
	state.ChangedAt = time.Now().UTC()
	state.Reason = reason
	cp := *state
	callback := m.onPhaseChanged
	m.mu.Unlock()

	if callback != nil {
		go callback(&cp)
	}
	return nil
}

// Remove stops tracking a run, used once it reaches a terminal phase and
// has been durably persisted.
func (m *Manager) Remove(incidentID, runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, runKey(incidentID, runID))
}

// ActiveRuns returns every tracked run not yet in a terminal phase.
func (m *Manager) ActiveRuns() []*RunState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	active := make([]*RunState, 0, len(m.runs))
	for _, state := range m.runs {
		if !state.Phase.IsTerminal() {
			cp := *state
			active = append(active, &cp)
		}
	}
	return active
}
