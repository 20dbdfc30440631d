package actions

import (
	"context"
	"time"

	"github.com/rajawajahat/opsrunbook-copilot/contracts"
	"github.com/rajawajahat/opsrunbook-copilot/events"
	"github.com/rajawajahat/opsrunbook-copilot/obstrace"
	"github.com/rajawajahat/opsrunbook-copilot/store"
)

const maxNotifyLinks = 5

// NotifyInput is a chat-card payload: title, markdown body, and a bounded
// set of action links.
type NotifyInput struct {
	Title string
	Body  string
	Links []string
}

// NotifyOutput is the provider's response to a successful post.
type NotifyOutput struct {
	MessageID string
}

// NotifyBackend is the narrow capability the notify executor depends on.
type NotifyBackend interface {
	PostCard(ctx context.Context, in NotifyInput) (NotifyOutput, error)
}

// FakeNotifyBackend is the in-memory dry-run fake.
type FakeNotifyBackend struct{}

// PostCard implements NotifyBackend.
func (FakeNotifyBackend) PostCard(ctx context.Context, in NotifyInput) (NotifyOutput, error) {
	return NotifyOutput{MessageID: "dryrun-notify"}, nil
}

// NotifyExecutor runs the notify action, consuming the ticket action's
// external_refs for its link.
type NotifyExecutor struct {
	backend     NotifyBackend
	recordStore *store.RecordStore
	bus         *events.Bus
	metrics     *obstrace.Metrics
	cfg         Config
}

// NewNotifyExecutor builds a NotifyExecutor.
func NewNotifyExecutor(backend NotifyBackend, recordStore *store.RecordStore, bus *events.Bus, metrics *obstrace.Metrics, cfg Config) *NotifyExecutor {
	return &NotifyExecutor{backend: backend, recordStore: recordStore, bus: bus, metrics: metrics, cfg: cfg}
}

// Execute runs the notify action's pre-flight, card post, and persistence.
// ticketResult may be nil when the ticket action did not run or failed.
func (e *NotifyExecutor) Execute(ctx context.Context, incidentID, runID string, action contracts.PlannedAction, ticketResult *contracts.ActionResult) (contracts.ActionResult, error) {
	start := time.Now()
	if result, err := preflight(ctx, e.recordStore, e.cfg, incidentID, runID, contracts.ActionNotify); err != nil {
		return contracts.ActionResult{}, err
	} else if result != nil {
		return *result, nil
	}

	links := make([]string, 0, maxNotifyLinks)
	links = append(links, action.Links...)
	if ticketResult != nil && ticketResult.ExternalRefs != nil {
		if url, ok := ticketResult.ExternalRefs["url"]; ok {
			links = append(links, url)
		}
	}
	if len(links) > maxNotifyLinks {
		links = links[:maxNotifyLinks]
	}

	out, err := e.backend.PostCard(ctx, NotifyInput{Title: action.Title, Body: action.Description, Links: links})
	result := contracts.ActionResult{
		SchemaVersion: "incident_action_result.v1",
		IncidentID:    incidentID,
		ActionType:    contracts.ActionNotify,
		CreatedAt:     time.Now().UTC(),
	}
	if err != nil {
		result.Status = contracts.ActionStatusFailed
		result.Error = "post card failed"
		result.Cause = err.Error()
	} else {
		result.Status = contracts.ActionStatusSuccess
		result.ExternalRefs = map[string]string{"message_id": out.MessageID}
	}

	e.metrics.RecordAction(string(contracts.ActionNotify), string(result.Status), time.Since(start))
	if perr := persist(ctx, e.recordStore, e.bus, incidentID, runID, result); perr != nil {
		return result, perr
	}
	return result, nil
}
