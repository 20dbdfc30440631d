// Package forge provides a client for the source code forge the pipeline
// acts against. No GitHub SDK is available in the dependency set this
// service is built from, so Client speaks the GitHub REST API directly over
// the shared opsrunbook-http client, the same way gitea.go wrapped a forge
// SDK's calls behind a small task-shaped function surface.
package forge

import (
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	httpx "github.com/rajawajahat/opsrunbook-copilot/http"
)

const apiBase = "https://api.github.com"

// AppCredentials authenticates as a GitHub App installation. Either a flat
// Token or AppID+InstallationID+PrivateKey must be set; Client mints and
// caches a short-lived installation token for the latter path.
type AppCredentials struct {
	Token            string
	AppID            string
	InstallationID   string
	PrivateKeyPEM    []byte
}

// Client is a minimal GitHub REST client covering the operations the
// pipeline needs: reading file contents, opening pull requests, listing
// and posting PR comments, and fetching installation tokens.
type Client struct {
	creds         AppCredentials
	baseURL       string
	installToken  string
	installExpiry time.Time
}

// NewClient builds a Client from the given credentials, targeting the
// public GitHub API.
func NewClient(creds AppCredentials) *Client {
	return &Client{creds: creds, baseURL: apiBase}
}

// NewClientWithBaseURL builds a Client against a custom API base, used by
// tests to point the client at an httptest.Server.
func NewClientWithBaseURL(creds AppCredentials, baseURL string) *Client {
	return &Client{creds: creds, baseURL: baseURL}
}

// token returns a usable bearer token, minting a fresh installation token
// via a GitHub App JWT when creds.Token is empty and the cached
// installation token has expired.
func (c *Client) token() (string, error) {
	if c.creds.Token != "" {
		return c.creds.Token, nil
	}
	if c.installToken != "" && time.Now().Before(c.installExpiry) {
		return c.installToken, nil
	}

	appJWT, err := c.mintAppJWT()
	if err != nil {
		return "", fmt.Errorf("mint app jwt: %w", err)
	}

	req := httpx.NewRequest("POST", fmt.Sprintf("%s/app/installations/%s/access_tokens", c.baseURL, c.creds.InstallationID))
	req.Headers["Authorization"] = "Bearer " + appJWT
	req.Headers["Accept"] = "application/vnd.github+json"
	req.RawBody = []byte{}

	resp, err := httpx.Execute(req)
	if err != nil {
		return "", fmt.Errorf("request installation token: %w", err)
	}

	var body struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return "", fmt.Errorf("decode installation token response: %w", err)
	}

	c.installToken = body.Token
	c.installExpiry = body.ExpiresAt.Add(-time.Minute)
	return c.installToken, nil
}

// mintAppJWT signs a short-lived RS256 JWT asserting the GitHub App's
// identity, per GitHub's app authentication flow.
func (c *Client) mintAppJWT() (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(c.creds.PrivateKeyPEM)
	if err != nil {
		return "", fmt.Errorf("parse app private key: %w", err)
	}
	return signAppJWT(key, c.creds.AppID)
}

func signAppJWT(key *rsa.PrivateKey, appID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    appID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-30 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(key)
}

func (c *Client) authedRequest(method, url string) (*httpx.Request, error) {
	tok, err := c.token()
	if err != nil {
		return nil, err
	}
	req := httpx.NewRequest(method, url)
	req.Headers["Authorization"] = "Bearer " + tok
	req.Headers["Accept"] = "application/vnd.github+json"
	return req, nil
}

// FileContent is the decoded contents of one repository file.
type FileContent struct {
	Path    string `json:"path"`
	SHA     string `json:"sha"`
	Content string `json:"content"` // base64-encoded, as returned by GitHub
}

// GetFile fetches a file's contents at ref (a branch, tag, or commit SHA).
func (c *Client) GetFile(repoFullName, path, ref string) (*FileContent, error) {
	req, err := c.authedRequest("GET", fmt.Sprintf("%s/repos/%s/contents/%s?ref=%s", c.baseURL, repoFullName, path, ref))
	if err != nil {
		return nil, err
	}
	resp, err := httpx.Execute(req)
	if err != nil {
		return nil, fmt.Errorf("get file %s@%s: %w", path, ref, err)
	}
	var file FileContent
	if err := json.Unmarshal(resp.Body, &file); err != nil {
		return nil, fmt.Errorf("decode file contents: %w", err)
	}
	return &file, nil
}

// PullRequestInput describes a pull request to open.
type PullRequestInput struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Head  string `json:"head"`
	Base  string `json:"base"`
}

// PullRequest is the subset of GitHub's PR response the pipeline persists.
type PullRequest struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
	State   string `json:"state"`
	Body    string `json:"body"`
	Head    struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	} `json:"head"`
	User struct {
		Login string `json:"login"`
	} `json:"user"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

// GetPullRequest fetches one pull request's metadata, used by the review
// cycle to resolve the head ref and check the guardrail marker.
func (c *Client) GetPullRequest(repoFullName string, prNumber int) (*PullRequest, error) {
	req, err := c.authedRequest("GET", fmt.Sprintf("%s/repos/%s/pulls/%d", c.baseURL, repoFullName, prNumber))
	if err != nil {
		return nil, err
	}
	resp, err := httpx.Execute(req)
	if err != nil {
		return nil, fmt.Errorf("get pull request %d: %w", prNumber, err)
	}
	var pr PullRequest
	if err := json.Unmarshal(resp.Body, &pr); err != nil {
		return nil, fmt.Errorf("decode pull request: %w", err)
	}
	return &pr, nil
}

// PullRequestFile is one changed file in a pull request's diff.
type PullRequestFile struct {
	Filename string `json:"filename"`
}

// ListPullRequestFiles lists the files changed by a pull request, capped by
// GitHub at 30 per page; the review cycle only ever consults the first
// page and truncates further per its own file-count limit.
func (c *Client) ListPullRequestFiles(repoFullName string, prNumber int) ([]PullRequestFile, error) {
	req, err := c.authedRequest("GET", fmt.Sprintf("%s/repos/%s/pulls/%d/files", c.baseURL, repoFullName, prNumber))
	if err != nil {
		return nil, err
	}
	resp, err := httpx.Execute(req)
	if err != nil {
		return nil, fmt.Errorf("list pull request files %d: %w", prNumber, err)
	}
	var files []PullRequestFile
	if err := json.Unmarshal(resp.Body, &files); err != nil {
		return nil, fmt.Errorf("decode pull request files: %w", err)
	}
	return files, nil
}

// CreatePullRequest opens a new pull request against repoFullName.
func (c *Client) CreatePullRequest(repoFullName string, in PullRequestInput) (*PullRequest, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode pull request input: %w", err)
	}
	req, err := c.authedRequest("POST", fmt.Sprintf("%s/repos/%s/pulls", c.baseURL, repoFullName))
	if err != nil {
		return nil, err
	}
	req.JSONBody = string(payload)

	resp, err := httpx.Execute(req)
	if err != nil {
		return nil, fmt.Errorf("create pull request: %w", err)
	}
	var pr PullRequest
	if err := json.Unmarshal(resp.Body, &pr); err != nil {
		return nil, fmt.Errorf("decode pull request response: %w", err)
	}
	return &pr, nil
}

// IssueComment is one comment on a pull request's conversation.
type IssueComment struct {
	ID   int64  `json:"id"`
	Body string `json:"body"`
	User struct {
		Login string `json:"login"`
	} `json:"user"`
}

// ListIssueComments lists the top-level conversation comments on a PR.
func (c *Client) ListIssueComments(repoFullName string, prNumber int) ([]IssueComment, error) {
	req, err := c.authedRequest("GET", fmt.Sprintf("%s/repos/%s/issues/%d/comments", c.baseURL, repoFullName, prNumber))
	if err != nil {
		return nil, err
	}
	resp, err := httpx.Execute(req)
	if err != nil {
		return nil, fmt.Errorf("list issue comments: %w", err)
	}
	var comments []IssueComment
	if err := json.Unmarshal(resp.Body, &comments); err != nil {
		return nil, fmt.Errorf("decode issue comments: %w", err)
	}
	return comments, nil
}

// Repository is the subset of GitHub's repo response the PR action needs.
type Repository struct {
	DefaultBranch string `json:"default_branch"`
}

// GetRepo fetches repository metadata, used to resolve the default branch
// a new branch and pull request should target.
func (c *Client) GetRepo(repoFullName string) (*Repository, error) {
	req, err := c.authedRequest("GET", fmt.Sprintf("%s/repos/%s", c.baseURL, repoFullName))
	if err != nil {
		return nil, err
	}
	resp, err := httpx.Execute(req)
	if err != nil {
		return nil, fmt.Errorf("get repo %s: %w", repoFullName, err)
	}
	var repo Repository
	if err := json.Unmarshal(resp.Body, &repo); err != nil {
		return nil, fmt.Errorf("decode repo: %w", err)
	}
	return &repo, nil
}

// GetRef fetches a git ref (e.g. "heads/main"), used to resolve the commit
// sha a new branch should be created from.
func (c *Client) GetRef(repoFullName, ref string) (sha string, err error) {
	req, err := c.authedRequest("GET", fmt.Sprintf("%s/repos/%s/git/ref/%s", c.baseURL, repoFullName, ref))
	if err != nil {
		return "", err
	}
	resp, err := httpx.Execute(req)
	if err != nil {
		return "", fmt.Errorf("get ref %s: %w", ref, err)
	}
	var body struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return "", fmt.Errorf("decode ref: %w", err)
	}
	return body.Object.SHA, nil
}

// ErrRefAlreadyExists is returned by CreateRef when GitHub responds 422
// because the branch already exists; callers treat this as success and fall
// through to the update path.
var ErrRefAlreadyExists = fmt.Errorf("ref already exists")

// CreateRef creates a new branch pointing at sha. A 422 response ("Reference
// already exists") returns ErrRefAlreadyExists rather than a generic error.
func (c *Client) CreateRef(repoFullName, branch, sha string) error {
	payload, err := json.Marshal(map[string]string{"ref": "refs/heads/" + branch, "sha": sha})
	if err != nil {
		return fmt.Errorf("encode create ref input: %w", err)
	}
	req, err := c.authedRequest("POST", fmt.Sprintf("%s/repos/%s/git/refs", c.baseURL, repoFullName))
	if err != nil {
		return err
	}
	req.JSONBody = string(payload)

	resp, execErr := httpx.Execute(req)
	if execErr != nil {
		if resp != nil && resp.StatusCode == 422 {
			return ErrRefAlreadyExists
		}
		return fmt.Errorf("create ref %s: %w", branch, execErr)
	}
	return nil
}

// PutFileInput describes a file create-or-update commit.
type PutFileInput struct {
	Message string `json:"message"`
	Content string `json:"content"` // base64-encoded
	Branch  string `json:"branch"`
	SHA     string `json:"sha,omitempty"` // required when updating an existing file
}

// PutFileResult carries the resulting commit sha.
type PutFileResult struct {
	Commit struct {
		SHA string `json:"sha"`
	} `json:"commit"`
}

// PutFile creates or updates a single file on branch in one commit.
func (c *Client) PutFile(repoFullName, path string, in PutFileInput) (*PutFileResult, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode put file input: %w", err)
	}
	req, err := c.authedRequest("PUT", fmt.Sprintf("%s/repos/%s/contents/%s", c.baseURL, repoFullName, path))
	if err != nil {
		return nil, err
	}
	req.JSONBody = string(payload)

	resp, err := httpx.Execute(req)
	if err != nil {
		return nil, fmt.Errorf("put file %s: %w", path, err)
	}
	var result PutFileResult
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return nil, fmt.Errorf("decode put file response: %w", err)
	}
	return &result, nil
}

// ListPullRequestsForHead finds open pull requests whose head is
// "<owner>:<branch>", used to detect an already-open PR before opening a
// duplicate.
func (c *Client) ListPullRequestsForHead(repoFullName, owner, branch string) ([]PullRequest, error) {
	head := fmt.Sprintf("%s:%s", owner, branch)
	req, err := c.authedRequest("GET", fmt.Sprintf("%s/repos/%s/pulls?state=open&head=%s", c.baseURL, repoFullName, head))
	if err != nil {
		return nil, err
	}
	resp, err := httpx.Execute(req)
	if err != nil {
		return nil, fmt.Errorf("list pull requests for head %s: %w", head, err)
	}
	var prs []PullRequest
	if err := json.Unmarshal(resp.Body, &prs); err != nil {
		return nil, fmt.Errorf("decode pull requests: %w", err)
	}
	return prs, nil
}

// PostIssueComment posts a new top-level comment on a pull request.
func (c *Client) PostIssueComment(repoFullName string, prNumber int, body string) (*IssueComment, error) {
	payload, err := json.Marshal(map[string]string{"body": body})
	if err != nil {
		return nil, fmt.Errorf("encode comment body: %w", err)
	}
	req, err := c.authedRequest("POST", fmt.Sprintf("%s/repos/%s/issues/%d/comments", c.baseURL, repoFullName, prNumber))
	if err != nil {
		return nil, err
	}
	req.JSONBody = string(payload)

	resp, err := httpx.Execute(req)
	if err != nil {
		return nil, fmt.Errorf("post issue comment: %w", err)
	}
	var comment IssueComment
	if err := json.Unmarshal(resp.Body, &comment); err != nil {
		return nil, fmt.Errorf("decode posted comment: %w", err)
	}
	return &comment, nil
}
