package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rajawajahat/opsrunbook-copilot/actions"
	"github.com/rajawajahat/opsrunbook-copilot/contracts"
	"github.com/rajawajahat/opsrunbook-copilot/events"
	"github.com/rajawajahat/opsrunbook-copilot/reporesolve"
	"github.com/rajawajahat/opsrunbook-copilot/store"
)

// Resolver is the capability the orchestrator needs from the repo resolver —
// satisfied by *reporesolve.Resolver.
type Resolver interface {
	Resolve(packet contracts.IncidentPacket, signals reporesolve.Signals) contracts.RepoResolution
}

// Orchestrator drives one incident run end to end: collect, snapshot,
// analyze, plan, act, persist — recording phase transitions as it goes.
type Orchestrator struct {
	manager     *Manager
	fanout      *Fanout
	snapshots   *SnapshotPersister
	analyzer    *Analyzer
	resolver    Resolver
	ticket      *actions.TicketExecutor
	notify      *actions.NotifyExecutor
	pr          *actions.PRExecutor
	recordStore *store.RecordStore
	bus         *events.Bus
	log         *logrus.Entry
}

// NewOrchestrator wires the phase machine to the concrete phase
// implementations.
func NewOrchestrator(manager *Manager, fanout *Fanout, snapshots *SnapshotPersister, analyzer *Analyzer, resolver Resolver, ticket *actions.TicketExecutor, notify *actions.NotifyExecutor, pr *actions.PRExecutor, recordStore *store.RecordStore, bus *events.Bus, log *logrus.Entry) *Orchestrator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Orchestrator{manager: manager, fanout: fanout, snapshots: snapshots, analyzer: analyzer, resolver: resolver, ticket: ticket, notify: notify, pr: pr, recordStore: recordStore, bus: bus, log: log}
}

// Run executes one incident run synchronously. Callers that want to answer
// an HTTP request before the run finishes invoke this from a goroutine.
func (o *Orchestrator) Run(ctx context.Context, evt contracts.IncidentEvent, runID string) {
	log := o.log.WithField("incident_id", evt.IncidentID).WithField("run_id", runID)

	fail := func(phase, reason string) {
		o.manager.Fail(evt.IncidentID, runID, reason)
		o.putRun(ctx, evt.IncidentID, runID, string(PhaseFailed), reason)
		log.WithField("phase", phase).WithField("reason", reason).Warn("run failed")
	}

	o.manager.Register(evt.IncidentID, runID)
	o.putRun(ctx, evt.IncidentID, runID, string(PhaseIngest), "")

	o.transition(evt.IncidentID, runID, PhaseCollect, "")
	results := o.fanout.Run(ctx, evt, runID)

	o.transition(evt.IncidentID, runID, PhaseSnapshot, "")
	snapshot, err := o.snapshots.Persist(ctx, evt, runID, results)
	if err != nil {
		fail("snapshot", err.Error())
		return
	}

	o.transition(evt.IncidentID, runID, PhaseAnalyze, "")
	packet, err := o.analyzer.Analyze(ctx, evt, runID, snapshot)
	if err != nil {
		fail("analyze", err.Error())
		return
	}

	o.transition(evt.IncidentID, runID, PhasePlan, "")
	evidenceKeys := make([]string, 0, len(packet.AllEvidenceRefs))
	for _, ref := range packet.AllEvidenceRefs {
		evidenceKeys = append(evidenceKeys, ref.Key)
	}
	signals := reporesolve.ExtractSignals(evt.Service, evt.Hints.LogGroups, evt.Hints.WorkflowARNs, evidenceKeys)
	resolution := o.resolver.Resolve(packet, signals)
	plan := GeneratePlan(packet, resolution, time.Now().UTC())
	if err := o.recordStore.PutActionPlan(ctx, evt.IncidentID, runID, plan); err != nil {
		fail("plan", err.Error())
		return
	}

	o.transition(evt.IncidentID, runID, PhaseAct, "")
	results2 := o.runActions(ctx, evt.IncidentID, runID, plan, resolution)
	if err := o.recordStore.PutActionsLatest(ctx, evt.IncidentID, results2); err != nil {
		fail("act", err.Error())
		return
	}

	o.transition(evt.IncidentID, runID, PhasePersist, "")
	o.transition(evt.IncidentID, runID, PhaseComplete, "")
	o.putRun(ctx, evt.IncidentID, runID, string(PhaseComplete), "")
	o.manager.Remove(evt.IncidentID, runID)
}

// runActions executes the plan's actions in their fixed order, threading the
// ticket result into notify and pr the way the plan generator's ordering
// assumes.
func (o *Orchestrator) runActions(ctx context.Context, incidentID, runID string, plan contracts.ActionPlan, resolution contracts.RepoResolution) []contracts.ActionResult {
	var ticketResult *contracts.ActionResult
	results := make([]contracts.ActionResult, 0, len(plan.Actions))

	for _, action := range plan.Actions {
		switch action.ActionType {
		case contracts.ActionTicket:
			result, err := o.ticket.Execute(ctx, incidentID, runID, action)
			if err != nil {
				o.log.WithError(err).Warn("ticket action failed")
				continue
			}
			ticketResult = &result
			results = append(results, result)

		case contracts.ActionNotify:
			result, err := o.notify.Execute(ctx, incidentID, runID, action, ticketResult)
			if err != nil {
				o.log.WithError(err).Warn("notify action failed")
				continue
			}
			results = append(results, result)

		case contracts.ActionPR:
			result, err := o.pr.Execute(ctx, incidentID, runID, action, resolution, ticketResult)
			if err != nil {
				o.log.WithError(err).Warn("pr action failed")
				continue
			}
			results = append(results, result)
		}
	}
	return results
}

func (o *Orchestrator) transition(incidentID, runID string, phase Phase, reason string) {
	if err := o.manager.TransitionTo(incidentID, runID, phase, reason); err != nil {
		o.log.WithError(err).Warn("phase transition rejected")
	}
	o.putRun(context.Background(), incidentID, runID, string(phase), reason)
}

// putRun upserts a run's phase state, preserving the run's original
// StartedAt across transitions rather than resetting it on every phase
// change — StartedAt is the run's start time, not the phase's.
func (o *Orchestrator) putRun(ctx context.Context, incidentID, runID, phase, errMsg string) {
	startedAt := time.Now().UTC()
	if existing, err := o.recordStore.GetRun(ctx, incidentID, runID); err == nil {
		startedAt = existing.StartedAt
	}
	run := store.RunRecord{RunID: runID, Phase: phase, StartedAt: startedAt, UpdatedAt: time.Now().UTC(), Error: errMsg}
	if err := o.recordStore.PutRun(ctx, incidentID, run); err != nil {
		o.log.WithError(err).Warn(fmt.Sprintf("failed to persist run state at phase %s", phase))
	}
}
