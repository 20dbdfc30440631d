package collectors

import (
	"context"
	"time"

	"github.com/rajawajahat/opsrunbook-copilot/contracts"
	"github.com/rajawajahat/opsrunbook-copilot/events"
	"github.com/rajawajahat/opsrunbook-copilot/evidence"
	"github.com/rajawajahat/opsrunbook-copilot/obstrace"
	"github.com/rajawajahat/opsrunbook-copilot/store"
)

// ExecutionStatus mirrors the orchestrator's execution lifecycle states.
type ExecutionStatus string

const (
	ExecRunning   ExecutionStatus = "RUNNING"
	ExecSucceeded ExecutionStatus = "SUCCEEDED"
	ExecFailed    ExecutionStatus = "FAILED"
	ExecTimedOut  ExecutionStatus = "TIMED_OUT"
	ExecAborted   ExecutionStatus = "ABORTED"
)

// HistoryEvent is one execution-history entry.
type HistoryEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	StateName string    `json:"state_name,omitempty"`
	Input     string    `json:"input,omitempty"`
	Output    string    `json:"output,omitempty"`
	Error     string    `json:"error,omitempty"`
	Cause     string    `json:"cause,omitempty"`
}

// Execution describes one orchestrator run.
type Execution struct {
	ARN        string          `json:"arn"`
	Status     ExecutionStatus `json:"status"`
	StartDate  time.Time       `json:"start_date"`
	Error      string          `json:"error,omitempty"`
	Cause      string          `json:"cause,omitempty"`
	History    []HistoryEvent  `json:"history,omitempty"`
}

// WorkflowBackend is the narrow capability the workflow collector depends
// on: describe one execution with history, and page recent executions for
// a state machine filtered by status.
type WorkflowBackend interface {
	DescribeExecution(ctx context.Context, arn string, historyTail int) (Execution, error)
	ListExecutions(ctx context.Context, stateMachineARN string, statuses []ExecutionStatus, after time.Time) ([]Execution, error)
}

const historyTailCap = 50 // H
const failedExecutionsCap = 20 // M

// WorkflowCollector describes the orchestrator's own execution and lists
// recent failed peer executions.
type WorkflowCollector struct {
	backend     WorkflowBackend
	objectStore *store.ObjectStore
	bus         *events.Bus
	metrics     *obstrace.Metrics
	budget      evidence.Budget
}

// NewWorkflowCollector builds a WorkflowCollector.
func NewWorkflowCollector(backend WorkflowBackend, objectStore *store.ObjectStore, bus *events.Bus, metrics *obstrace.Metrics) *WorkflowCollector {
	return &WorkflowCollector{backend: backend, objectStore: objectStore, bus: bus, metrics: metrics, budget: evidence.DefaultBudget()}
}

// Type implements pipeline.Collector.
func (c *WorkflowCollector) Type() string { return "workflow" }

// Collect implements pipeline.Collector.
func (c *WorkflowCollector) Collect(ctx context.Context, evt contracts.IncidentEvent, collectorRunID string) contracts.CollectorResult {
	if len(evt.Hints.WorkflowARNs) == 0 {
		return skipped(c.Type())
	}

	ownARN := evt.Hints.WorkflowARNs[0]
	own, err := c.backend.DescribeExecution(ctx, ownARN, historyTailCap)
	if err != nil {
		return contracts.CollectorResult{CollectorType: c.Type(), Error: "describe execution failed", Cause: err.Error()}
	}

	blob := newBlob(c.Type(), evt, collectorRunID)
	blob.Sections = append(blob.Sections, orchestratorSection(own))

	peerARNs := evt.Hints.WorkflowARNs[1:]
	if len(peerARNs) > 0 {
		failed, err := c.collectFailedPeers(ctx, peerARNs, ownARN, evt.TimeWindow.Start)
		if err != nil {
			return contracts.CollectorResult{CollectorType: c.Type(), Error: "list executions failed", Cause: err.Error()}
		}
		blob.Sections = append(blob.Sections, failed)
	}

	if err := c.degradeUntilFits(blob); err != nil {
		return contracts.CollectorResult{CollectorType: c.Type(), Error: "failed to enforce size budget", Cause: err.Error()}
	}

	key := store.EvidenceKey(evt.IncidentID, collectorRunID, c.Type())
	return writeEvidence(ctx, c.objectStore, c.bus, c.metrics, blob, key, evt)
}

func orchestratorSection(exec Execution) contracts.EvidenceSection {
	rows := make([]interface{}, len(exec.History))
	for i, h := range exec.History {
		rows[i] = h
	}
	return contracts.EvidenceSection{
		Name: "orchestrator_execution",
		Rows: rows,
		Extra: map[string]interface{}{
			"arn":              exec.ARN,
			"status":           exec.Status,
			"error":            exec.Error,
			"cause":            exec.Cause,
			"last_failed_state": lastFailedState(exec.History),
		},
	}
}

// lastFailedState walks history newest-first for a TaskFailed-shaped event
// and attributes it to the most recent preceding TaskStateEntered event. In
// heavily nested state machines this may attribute to an enclosing state
// rather than the exact failing task — acceptable because the attribution
// only drives an analyst-facing Hypothesis, never a write-side action.
func lastFailedState(history []HistoryEvent) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Type != "TaskFailed" && history[i].Type != "ExecutionFailed" {
			continue
		}
		for j := i; j >= 0; j-- {
			if history[j].Type == "TaskStateEntered" {
				return history[j].StateName
			}
		}
	}
	return ""
}

func (c *WorkflowCollector) collectFailedPeers(ctx context.Context, peerARNs []string, ownARN string, windowStart time.Time) (contracts.EvidenceSection, error) {
	var all []Execution
	for _, arn := range peerARNs {
		if arn == ownARN {
			continue
		}
		execs, err := c.backend.ListExecutions(ctx, arn, []ExecutionStatus{ExecFailed, ExecTimedOut, ExecAborted}, windowStart)
		if err != nil {
			return contracts.EvidenceSection{}, err
		}
		for _, e := range execs {
			if e.ARN == ownARN || e.StartDate.Before(windowStart) {
				continue
			}
			all = append(all, e)
		}
	}

	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			if all[j].StartDate.After(all[i].StartDate) {
				all[i], all[j] = all[j], all[i]
			}
		}
	}
	if len(all) > failedExecutionsCap {
		all = all[:failedExecutionsCap]
	}

	rows := make([]interface{}, len(all))
	for i, e := range all {
		rows[i] = map[string]interface{}{
			"arn":               e.ARN,
			"status":            e.Status,
			"start_date":        e.StartDate,
			"error":             e.Error,
			"cause":             e.Cause,
			"last_failed_state": lastFailedState(e.History),
		}
	}
	return contracts.EvidenceSection{Name: "failed_executions", Rows: rows}, nil
}

// degradeUntilFits applies the workflow-specific three-stage degrade path:
// drop input/output and keep 5 history events, then drop history entirely,
// then truncate error/cause strings.
func (c *WorkflowCollector) degradeUntilFits(blob *contracts.EvidenceBlob) error {
	size, err := c.budget.Size(blob)
	if err != nil {
		return err
	}
	if size <= c.budget.MaxBytes {
		return nil
	}

	for i := range blob.Sections {
		if blob.Sections[i].Name != "orchestrator_execution" {
			continue
		}
		if len(blob.Sections[i].Rows) > 5 {
			blob.Sections[i].Rows = blob.Sections[i].Rows[:5]
		}
	}
	blob.Truncated = true
	if size, err = c.budget.Size(blob); err != nil {
		return err
	}
	if size <= c.budget.MaxBytes {
		return nil
	}

	for i := range blob.Sections {
		if blob.Sections[i].Name == "orchestrator_execution" {
			blob.Sections[i].Rows = nil
		}
	}
	if size, err = c.budget.Size(blob); err != nil {
		return err
	}
	if size <= c.budget.MaxBytes {
		return nil
	}

	for i := range blob.Sections {
		if extra, ok := blob.Sections[i].Extra.(map[string]interface{}); ok {
			if s, ok := extra["error"].(string); ok && len(s) > 200 {
				extra["error"] = s[:200]
			}
			if s, ok := extra["cause"].(string); ok && len(s) > 200 {
				extra["cause"] = s[:200]
			}
		}
	}
	return nil
}
