package actions

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rajawajahat/opsrunbook-copilot/contracts"
	"github.com/rajawajahat/opsrunbook-copilot/events"
	"github.com/rajawajahat/opsrunbook-copilot/forge"
	"github.com/rajawajahat/opsrunbook-copilot/obstrace"
	"github.com/rajawajahat/opsrunbook-copilot/store"
)

// PRHost is the narrow capability the PR executor depends on — satisfied by
// *forge.Client in production and a fake in dry-run/tests.
type PRHost interface {
	GetRepo(repoFullName string) (*forge.Repository, error)
	GetRef(repoFullName, ref string) (string, error)
	CreateRef(repoFullName, branch, sha string) error
	GetFile(repoFullName, path, ref string) (*forge.FileContent, error)
	PutFile(repoFullName, path string, in forge.PutFileInput) (*forge.PutFileResult, error)
	CreatePullRequest(repoFullName string, in forge.PullRequestInput) (*forge.PullRequest, error)
	ListPullRequestsForHead(repoFullName, owner, branch string) ([]forge.PullRequest, error)
}

// FakePRHost is the in-memory dry-run fake.
type FakePRHost struct{}

func (FakePRHost) GetRepo(repoFullName string) (*forge.Repository, error) {
	return &forge.Repository{DefaultBranch: "main"}, nil
}
func (FakePRHost) GetRef(repoFullName, ref string) (string, error) { return "dryrun-sha", nil }
func (FakePRHost) CreateRef(repoFullName, branch, sha string) error { return nil }
func (FakePRHost) GetFile(repoFullName, path, ref string) (*forge.FileContent, error) {
	return nil, fmt.Errorf("HTTP 404: not found")
}
func (FakePRHost) PutFile(repoFullName, path string, in forge.PutFileInput) (*forge.PutFileResult, error) {
	return &forge.PutFileResult{}, nil
}
func (FakePRHost) CreatePullRequest(repoFullName string, in forge.PullRequestInput) (*forge.PullRequest, error) {
	return &forge.PullRequest{Number: 0, HTMLURL: "https://example.invalid/dryrun-pr", State: "open"}, nil
}
func (FakePRHost) ListPullRequestsForHead(repoFullName, owner, branch string) ([]forge.PullRequest, error) {
	return nil, nil
}

const prNotesPathTemplate = ".opsrunbook/pr-notes/%s.md"

// PRExecutor runs the pr action.
type PRExecutor struct {
	host        PRHost
	recordStore *store.RecordStore
	bus         *events.Bus
	metrics     *obstrace.Metrics
	cfg         Config
}

// NewPRExecutor builds a PRExecutor.
func NewPRExecutor(host PRHost, recordStore *store.RecordStore, bus *events.Bus, metrics *obstrace.Metrics, cfg Config) *PRExecutor {
	return &PRExecutor{host: host, recordStore: recordStore, bus: bus, metrics: metrics, cfg: cfg}
}

// Execute runs the PR action's confidence gate, branch/PR management, and
// persistence. ticketResult must be a successful ticket result — the PR
// action is skipped without it.
func (e *PRExecutor) Execute(ctx context.Context, incidentID, runID string, action contracts.PlannedAction, resolution contracts.RepoResolution, ticketResult *contracts.ActionResult) (contracts.ActionResult, error) {
	start := time.Now()
	if result, err := preflight(ctx, e.recordStore, e.cfg, incidentID, runID, contracts.ActionPR); err != nil {
		return contracts.ActionResult{}, err
	} else if result != nil {
		return *result, nil
	}

	result := contracts.ActionResult{
		SchemaVersion: "incident_action_result.v1",
		IncidentID:    incidentID,
		ActionType:    contracts.ActionPR,
		CreatedAt:     time.Now().UTC(),
		ExternalRefs: map[string]string{
			"repo":         resolution.RepoFullName,
			"confidence":   strconv.FormatFloat(resolution.Confidence, 'f', 2, 64),
			"verification": string(resolution.Verification),
		},
	}

	if resolution.RepoFullName == "" || resolution.Confidence < e.cfg.PRConfidenceThreshold {
		result.Status = contracts.ActionStatusSkipped
		result.Error = "repo resolution confidence below threshold"
		e.metrics.RecordAction(string(contracts.ActionPR), string(result.Status), time.Since(start))
		return result, persist(ctx, e.recordStore, e.bus, incidentID, runID, result)
	}

	if ticketResult == nil || ticketResult.Status != contracts.ActionStatusSuccess {
		result.Status = contracts.ActionStatusSkipped
		result.Error = "no successful ticket to derive a branch name from"
		e.metrics.RecordAction(string(contracts.ActionPR), string(result.Status), time.Since(start))
		return result, persist(ctx, e.recordStore, e.bus, incidentID, runID, result)
	}
	ticketKey := ticketResult.ExternalRefs["issue_key"]
	branch := "opsrunbook/" + ticketKey

	pr, err := e.openOrUpdate(resolution.RepoFullName, branch, ticketKey, action.Description)
	if err != nil {
		result.Status = contracts.ActionStatusFailed
		result.Error = "pull request action failed"
		result.Cause = err.Error()
		e.metrics.RecordAction(string(contracts.ActionPR), string(result.Status), time.Since(start))
		return result, persist(ctx, e.recordStore, e.bus, incidentID, runID, result)
	}

	result.Status = contracts.ActionStatusSuccess
	result.ExternalRefs["pr_number"] = strconv.Itoa(pr.Number)
	result.ExternalRefs["pr_url"] = pr.HTMLURL
	result.ExternalRefs["branch"] = branch

	e.metrics.RecordAction(string(contracts.ActionPR), string(result.Status), time.Since(start))
	if perr := persist(ctx, e.recordStore, e.bus, incidentID, runID, result); perr != nil {
		return result, perr
	}
	return result, nil
}

func (e *PRExecutor) openOrUpdate(repoFullName, branch, ticketKey, notes string) (*forge.PullRequest, error) {
	repo, err := e.host.GetRepo(repoFullName)
	if err != nil {
		return nil, fmt.Errorf("get repo: %w", err)
	}

	baseSHA, err := e.host.GetRef(repoFullName, "heads/"+repo.DefaultBranch)
	if err != nil {
		return nil, fmt.Errorf("get base ref: %w", err)
	}

	if err := e.host.CreateRef(repoFullName, branch, baseSHA); err != nil && err != forge.ErrRefAlreadyExists {
		return nil, fmt.Errorf("create branch: %w", err)
	}

	path := fmt.Sprintf(prNotesPathTemplate, ticketKey)
	var sha string
	if existing, err := e.host.GetFile(repoFullName, path, branch); err == nil {
		sha = existing.SHA
	}

	if _, err := e.host.PutFile(repoFullName, path, forge.PutFileInput{
		Message: fmt.Sprintf("opsrunbook notes for %s", ticketKey),
		Content: base64.StdEncoding.EncodeToString([]byte(notes)),
		Branch:  branch,
		SHA:     sha,
	}); err != nil {
		return nil, fmt.Errorf("write pr notes file: %w", err)
	}

	owner := repoFullName
	if idx := strings.Index(repoFullName, "/"); idx >= 0 {
		owner = repoFullName[:idx]
	}
	if existing, err := e.host.ListPullRequestsForHead(repoFullName, owner, branch); err == nil && len(existing) > 0 {
		return &existing[0], nil
	}

	pr, err := e.host.CreatePullRequest(repoFullName, forge.PullRequestInput{
		Title: fmt.Sprintf("opsrunbook notes: %s", ticketKey),
		Body:  notes,
		Head:  branch,
		Base:  repo.DefaultBranch,
	})
	if err != nil {
		return nil, fmt.Errorf("create pull request: %w", err)
	}
	return pr, nil
}
