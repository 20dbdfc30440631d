package actions

import (
	"context"
	"encoding/json"
	"fmt"

	httpx "github.com/rajawajahat/opsrunbook-copilot/http"
)

// RESTTicketBackend implements TicketBackend against a generic
// issue-tracker REST endpoint (e.g. Jira's /rest/api/2/issue): POST a
// summary/description/priority and read back the created key.
type RESTTicketBackend struct {
	BaseURL string
	Token   string
}

// NewRESTTicketBackend builds a RESTTicketBackend.
func NewRESTTicketBackend(baseURL, token string) *RESTTicketBackend {
	return &RESTTicketBackend{BaseURL: baseURL, Token: token}
}

type ticketCreateResponse struct {
	Key string `json:"key"`
	URL string `json:"self"`
}

// CreateIssue implements TicketBackend.
func (b *RESTTicketBackend) CreateIssue(ctx context.Context, in TicketInput) (TicketOutput, error) {
	body, err := json.Marshal(map[string]interface{}{
		"summary":     in.Title,
		"description": in.Description,
		"priority":    in.PriorityLabel,
	})
	if err != nil {
		return TicketOutput{}, fmt.Errorf("marshal ticket body: %w", err)
	}

	req := httpx.NewRequest("POST", b.BaseURL+"/issue")
	req.Headers["Authorization"] = "Bearer " + b.Token
	req.Headers["Content-Type"] = "application/json"
	req.JSONBody = string(body)

	resp, err := httpx.Execute(req)
	if err != nil {
		return TicketOutput{}, fmt.Errorf("create issue: %w", err)
	}
	if resp.IsClientError() || resp.IsServerError() {
		return TicketOutput{}, fmt.Errorf("create issue: HTTP %d: %s", resp.StatusCode, resp.BodyString)
	}

	var out ticketCreateResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return TicketOutput{}, fmt.Errorf("decode create issue response: %w", err)
	}
	return TicketOutput{IssueKey: out.Key, URL: out.URL}, nil
}

// WebhookNotifyBackend implements NotifyBackend against an incoming chat
// webhook (Slack/Teams-style): a JSON card POST with no response body to
// parse.
type WebhookNotifyBackend struct {
	URL string
}

// NewWebhookNotifyBackend builds a WebhookNotifyBackend.
func NewWebhookNotifyBackend(url string) *WebhookNotifyBackend {
	return &WebhookNotifyBackend{URL: url}
}

// PostCard implements NotifyBackend.
func (b *WebhookNotifyBackend) PostCard(ctx context.Context, in NotifyInput) (NotifyOutput, error) {
	body, err := json.Marshal(map[string]interface{}{
		"title": in.Title,
		"text":  in.Body,
		"links": in.Links,
	})
	if err != nil {
		return NotifyOutput{}, fmt.Errorf("marshal notify body: %w", err)
	}

	req := httpx.NewRequest("POST", b.URL)
	req.Headers["Content-Type"] = "application/json"
	req.JSONBody = string(body)

	resp, err := httpx.Execute(req)
	if err != nil {
		return NotifyOutput{}, fmt.Errorf("post card: %w", err)
	}
	if resp.IsClientError() || resp.IsServerError() {
		return NotifyOutput{}, fmt.Errorf("post card: HTTP %d: %s", resp.StatusCode, resp.BodyString)
	}
	return NotifyOutput{MessageID: resp.Headers["X-Message-Id"]}, nil
}
