package webhook

import (
	"encoding/json"
	"fmt"

	"github.com/rajawajahat/opsrunbook-copilot/contracts"
)

// acceptedEventTypes is the set of GitHub event types the review cycle
// reacts to; everything else is filtered out before normalization.
var acceptedEventTypes = map[string]bool{
	"issue_comment":               true,
	"pull_request_review":         true,
	"pull_request_review_comment": true,
	"pull_request":                true,
}

// ghPayload is the subset of GitHub's webhook payload shape shared across
// the four accepted event types.
type ghPayload struct {
	Action     string `json:"action"`
	Sender     struct {
		Login string `json:"login"`
	} `json:"sender"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Installation *struct {
		ID int64 `json:"id"`
	} `json:"installation,omitempty"`
	Issue *struct {
		Number      int             `json:"number"`
		PullRequest json.RawMessage `json:"pull_request,omitempty"`
	} `json:"issue,omitempty"`
	PullRequest *struct {
		Number  int    `json:"number"`
		Body    string `json:"body"`
		HTMLURL string `json:"html_url"`
		Head    struct {
			Ref string `json:"ref"`
		} `json:"head"`
	} `json:"pull_request,omitempty"`
	Comment *struct {
		Body             string `json:"body"`
		HTMLURL          string `json:"html_url"`
		Path             string `json:"path,omitempty"`
		Position         *int   `json:"position,omitempty"`
		OriginalPosition *int   `json:"original_position,omitempty"`
		Line             *int   `json:"line,omitempty"`
		OriginalLine     *int   `json:"original_line,omitempty"`
		Side             string `json:"side,omitempty"`
		DiffHunk         string `json:"diff_hunk,omitempty"`
	} `json:"comment,omitempty"`
	Review *struct {
		State string `json:"state"`
		Body  string `json:"body"`
	} `json:"review,omitempty"`
}

// errNotPRComment signals an issue_comment event not associated with a pull
// request — dropped per the ingress filter rather than treated as an error.
var errNotPRComment = fmt.Errorf("issue_comment is not associated with a pull request")

// normalize builds the github_pr_review_event.v1 contract from one raw
// GitHub delivery, truncating the comment body at maxCommentBytes.
func normalize(eventType, deliveryID string, body []byte, maxCommentBytes int) (contracts.GitHubPRReviewEvent, error) {
	var p ghPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return contracts.GitHubPRReviewEvent{}, fmt.Errorf("decode payload: %w", err)
	}

	event := contracts.GitHubPRReviewEvent{
		SchemaVersion: "github_pr_review_event.v1",
		DeliveryID:    deliveryID,
		EventType:     eventType,
		Action:        p.Action,
		RepoFullName:  p.Repository.FullName,
		SenderLogin:   p.Sender.Login,
	}
	if p.Installation != nil {
		event.InstallationID = p.Installation.ID
	}

	switch eventType {
	case "issue_comment":
		if p.Issue == nil || len(p.Issue.PullRequest) == 0 {
			return contracts.GitHubPRReviewEvent{}, errNotPRComment
		}
		event.PRNumber = p.Issue.Number
		if p.Comment != nil {
			event.CommentBody = p.Comment.Body
			event.CommentURL = p.Comment.HTMLURL
		}

	case "pull_request_review":
		if p.PullRequest != nil {
			event.PRNumber = p.PullRequest.Number
			event.PRURL = p.PullRequest.HTMLURL
		}
		if p.Review != nil {
			event.ReviewState = p.Review.State
			event.CommentBody = p.Review.Body
		}

	case "pull_request_review_comment":
		if p.PullRequest != nil {
			event.PRNumber = p.PullRequest.Number
			event.PRURL = p.PullRequest.HTMLURL
		}
		if p.Comment != nil {
			event.CommentBody = p.Comment.Body
			event.CommentURL = p.Comment.HTMLURL
			event.InlineContext = &contracts.InlineContext{
				Path:             p.Comment.Path,
				Position:         p.Comment.Position,
				OriginalPosition: p.Comment.OriginalPosition,
				Line:             p.Comment.Line,
				OriginalLine:     p.Comment.OriginalLine,
				Side:             p.Comment.Side,
				DiffHunk:         p.Comment.DiffHunk,
			}
		}

	case "pull_request":
		if p.PullRequest != nil {
			event.PRNumber = p.PullRequest.Number
			event.PRURL = p.PullRequest.HTMLURL
		}

	default:
		return contracts.GitHubPRReviewEvent{}, fmt.Errorf("unsupported event type %q", eventType)
	}

	if len(event.CommentBody) > maxCommentBytes {
		event.CommentBody = event.CommentBody[:maxCommentBytes]
	}
	return event, nil
}
