// Package actions implements the three action executors the plan generator
// schedules — ticket, notify, and pr — sharing one kill-switch/idempotency/
// dry-run preflight and one ACTION# persistence path.
package actions

import (
	"context"
	"errors"
	"fmt"

	"github.com/rajawajahat/opsrunbook-copilot/contracts"
	"github.com/rajawajahat/opsrunbook-copilot/events"
	"github.com/rajawajahat/opsrunbook-copilot/store"
)

// Config holds the executor-wide settings every action checks before it
// touches an external system.
type Config struct {
	AutomationEnabled    bool
	DryRun               bool
	PRConfidenceThreshold float64 // T in the confidence gate; default 0.7
}

// DefaultConfig returns automation enabled, live (non-dry-run), T=0.7.
func DefaultConfig() Config {
	return Config{AutomationEnabled: true, DryRun: false, PRConfidenceThreshold: 0.7}
}

func actionID(runID string, actionType contracts.ActionType) string {
	return fmt.Sprintf("%s-%s", runID, actionType)
}

// preflight applies the kill switch and idempotency checks shared by every
// action. It returns a non-nil result when the caller should short-circuit
// without touching any external system — either because automation is
// globally disabled, or because a prior successful run of this exact action
// already exists.
func preflight(ctx context.Context, recordStore *store.RecordStore, cfg Config, incidentID, runID string, actionType contracts.ActionType) (*contracts.ActionResult, error) {
	if !cfg.AutomationEnabled {
		return &contracts.ActionResult{
			SchemaVersion: "incident_action_result.v1",
			IncidentID:    incidentID,
			ActionType:    actionType,
			Status:        contracts.ActionStatusSkipped,
			Error:         "automation disabled",
		}, nil
	}

	existing, err := recordStore.GetActionResult(ctx, incidentID, actionID(runID, actionType))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("check action idempotency: %w", err)
	}
	if existing != nil && existing.Status == contracts.ActionStatusSuccess {
		return existing, nil
	}
	return nil, nil
}

// persist writes the action result under its deterministic ACTION# key and
// best-effort emits action.completed. It never fails the caller's flow.
func persist(ctx context.Context, recordStore *store.RecordStore, bus *events.Bus, incidentID, runID string, result contracts.ActionResult) error {
	if err := recordStore.PutActionResult(ctx, incidentID, actionID(runID, result.ActionType), result); err != nil {
		return fmt.Errorf("persist action result: %w", err)
	}
	bus.PublishBestEffort(events.Event{
		Type:       events.ActionCompleted,
		IncidentID: incidentID,
		RunID:      runID,
		Payload:    result,
	})
	return nil
}
