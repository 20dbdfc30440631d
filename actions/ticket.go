package actions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rajawajahat/opsrunbook-copilot/contracts"
	"github.com/rajawajahat/opsrunbook-copilot/events"
	"github.com/rajawajahat/opsrunbook-copilot/obstrace"
	"github.com/rajawajahat/opsrunbook-copilot/store"
)

const (
	ticketSummaryMaxLen     = 255
	ticketDescriptionMaxLen = 30000
)

// priorityLabels is the fixed priority -> provider label translation table.
var priorityLabels = map[contracts.Priority]string{
	contracts.PriorityP0: "urgent",
	contracts.PriorityP1: "high",
	contracts.PriorityP2: "normal",
}

// TicketInput is what TicketBackend needs to open one issue.
type TicketInput struct {
	Title         string
	Description   string
	PriorityLabel string
}

// TicketOutput is the provider's response to a successful create-issue call.
type TicketOutput struct {
	IssueKey string
	URL      string
}

// TicketBackend is the narrow capability the ticket executor depends on.
type TicketBackend interface {
	CreateIssue(ctx context.Context, in TicketInput) (TicketOutput, error)
}

// FakeTicketBackend is the in-memory dry-run fake: deterministic
// external_refs derived from the input, no network call.
type FakeTicketBackend struct{}

// CreateIssue implements TicketBackend.
func (FakeTicketBackend) CreateIssue(ctx context.Context, in TicketInput) (TicketOutput, error) {
	sum := sha256.Sum256([]byte(in.Title))
	key := fmt.Sprintf("DRYRUN-%s", hex.EncodeToString(sum[:])[:8])
	return TicketOutput{IssueKey: key, URL: "https://example.invalid/tickets/" + key}, nil
}

// TicketExecutor runs the ticket action.
type TicketExecutor struct {
	backend     TicketBackend
	recordStore *store.RecordStore
	bus         *events.Bus
	metrics     *obstrace.Metrics
	cfg         Config
}

// NewTicketExecutor builds a TicketExecutor.
func NewTicketExecutor(backend TicketBackend, recordStore *store.RecordStore, bus *events.Bus, metrics *obstrace.Metrics, cfg Config) *TicketExecutor {
	return &TicketExecutor{backend: backend, recordStore: recordStore, bus: bus, metrics: metrics, cfg: cfg}
}

// Execute runs the ticket action's pre-flight, create-issue call, and
// persistence.
func (e *TicketExecutor) Execute(ctx context.Context, incidentID, runID string, action contracts.PlannedAction) (contracts.ActionResult, error) {
	start := time.Now()
	if result, err := preflight(ctx, e.recordStore, e.cfg, incidentID, runID, contracts.ActionTicket); err != nil {
		return contracts.ActionResult{}, err
	} else if result != nil {
		return *result, nil
	}

	title := truncate(action.Title, ticketSummaryMaxLen)
	description := truncate(action.Description, ticketDescriptionMaxLen)
	label := priorityLabels[action.Priority]

	out, err := e.backend.CreateIssue(ctx, TicketInput{Title: title, Description: description, PriorityLabel: label})
	result := contracts.ActionResult{
		SchemaVersion: "incident_action_result.v1",
		IncidentID:    incidentID,
		ActionType:    contracts.ActionTicket,
		CreatedAt:     time.Now().UTC(),
	}
	if err != nil {
		result.Status = contracts.ActionStatusFailed
		result.Error = "create issue failed"
		result.Cause = err.Error()
	} else {
		result.Status = contracts.ActionStatusSuccess
		result.ExternalRefs = map[string]string{"issue_key": out.IssueKey, "url": out.URL}
	}

	e.metrics.RecordAction(string(contracts.ActionTicket), string(result.Status), time.Since(start))
	if perr := persist(ctx, e.recordStore, e.bus, incidentID, runID, result); perr != nil {
		return result, perr
	}
	return result, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
