package review

import (
	"context"
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/rajawajahat/opsrunbook-copilot/config"
	"github.com/rajawajahat/opsrunbook-copilot/contracts"
	"github.com/rajawajahat/opsrunbook-copilot/events"
	"github.com/rajawajahat/opsrunbook-copilot/forge"
	"github.com/rajawajahat/opsrunbook-copilot/queue"
	"github.com/rajawajahat/opsrunbook-copilot/store"
)

type fakeHost struct {
	pr           *forge.PullRequest
	files        []forge.PullRequestFile
	fileContents map[string]string
	comments     []string
}

func (h *fakeHost) GetPullRequest(repoFullName string, prNumber int) (*forge.PullRequest, error) {
	return h.pr, nil
}

func (h *fakeHost) ListPullRequestFiles(repoFullName string, prNumber int) ([]forge.PullRequestFile, error) {
	return h.files, nil
}

func (h *fakeHost) GetFile(repoFullName, path, ref string) (*forge.FileContent, error) {
	content, ok := h.fileContents[path]
	if !ok {
		return nil, fmt.Errorf("404: %s not found", path)
	}
	return &forge.FileContent{Path: path, Content: base64.StdEncoding.EncodeToString([]byte(content))}, nil
}

func (h *fakeHost) PostIssueComment(repoFullName string, prNumber int, body string) (*forge.IssueComment, error) {
	h.comments = append(h.comments, body)
	return &forge.IssueComment{ID: 1, Body: body}, nil
}

type fakePatcher struct {
	result contracts.PatchResult
	called bool
}

func (p *fakePatcher) Apply(ctx context.Context, repoFullName, branch, commitMessage string, edits []contracts.ProposedEdit) contracts.PatchResult {
	p.called = true
	return p.result
}

func testCycleDeps(t *testing.T) (*store.ObjectStore, *store.RecordStore, sqlmock.Sqlmock, *events.Bus) {
	t.Helper()
	objectStore := store.NewObjectStore(store.NewMockS3Client(), "reviews")
	require.NoError(t, objectStore.EnsureBucket(context.Background()))

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mock.MatchExpectationsInOrder(false)
	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{})
	require.NoError(t, err)
	recordStore := store.NewRecordStoreFromDB(gdb)

	dialer, _, _ := queue.SetupMockDialerForTest()
	bus, err := events.NewBusWithDialer(events.Config{URL: "amqp://localhost"}, dialer)
	require.NoError(t, err)

	return objectStore, recordStore, mock, bus
}

func expectOutcomeUpsert(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "records"`).WillReturnRows(sqlmock.NewRows([]string{"pk"}))
	mock.ExpectCommit()
}

func testReviewConfig() config.ReviewConfig {
	return config.ReviewConfig{
		GuardrailMarker: "opsrunbook_copilot",
		MaxFiles:        20,
		MaxCodeContexts: 3,
		ContextWindow:   2,
		MaxCommentBytes: 4000,
		StopCommand:     "/copilot stop",
		ResumeCommand:   "/copilot resume",
	}
}

func basePR() *forge.PullRequest {
	pr := &forge.PullRequest{Number: 7, Body: "fixes #1\n\nopsrunbook_copilot"}
	pr.Head.Ref = "feature-branch"
	return pr
}

func TestCycle_Run_AbortsOnBotSender(t *testing.T) {
	objectStore, recordStore, mock, bus := testCycleDeps(t)
	expectOutcomeUpsert(mock)
	host := &fakeHost{pr: basePR()}
	patcher := &fakePatcher{}
	cycle := NewCycle(host, patcher, objectStore, recordStore, bus, nil, testReviewConfig(), "opsrunbook-copilot-bot", nil)

	event := contracts.GitHubPRReviewEvent{DeliveryID: "dlv-1", RepoFullName: "acme/widgets", PRNumber: 7, SenderLogin: "some-app[bot]"}
	outcome, err := cycle.Run(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "aborted", outcome.Status)
	require.False(t, patcher.called)
	require.Empty(t, host.comments)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCycle_Run_AbortsOnStopCommand(t *testing.T) {
	objectStore, recordStore, mock, bus := testCycleDeps(t)
	expectOutcomeUpsert(mock)
	host := &fakeHost{pr: basePR()}
	patcher := &fakePatcher{}
	cycle := NewCycle(host, patcher, objectStore, recordStore, bus, nil, testReviewConfig(), "opsrunbook-copilot-bot", nil)

	event := contracts.GitHubPRReviewEvent{DeliveryID: "dlv-1", RepoFullName: "acme/widgets", PRNumber: 7, SenderLogin: "human", CommentBody: "/copilot stop please"}
	outcome, err := cycle.Run(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "aborted", outcome.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCycle_Run_AbortsWithoutGuardrailMarker(t *testing.T) {
	objectStore, recordStore, mock, bus := testCycleDeps(t)
	expectOutcomeUpsert(mock)
	pr := &forge.PullRequest{Number: 7, Body: "no marker here"}
	host := &fakeHost{pr: pr}
	patcher := &fakePatcher{}
	cycle := NewCycle(host, patcher, objectStore, recordStore, bus, nil, testReviewConfig(), "opsrunbook-copilot-bot", nil)

	event := contracts.GitHubPRReviewEvent{DeliveryID: "dlv-1", RepoFullName: "acme/widgets", PRNumber: 7, SenderLogin: "human"}
	outcome, err := cycle.Run(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "aborted", outcome.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCycle_Run_AppliesLowRiskFixAndComments(t *testing.T) {
	objectStore, recordStore, mock, bus := testCycleDeps(t)
	expectOutcomeUpsert(mock)
	host := &fakeHost{
		pr:           basePR(),
		files:        []forge.PullRequestFile{{Filename: "src/main.go"}},
		fileContents: map[string]string{"src/main.go": "line1\nconst x = 1\nline3\n"},
	}
	patcher := &fakePatcher{result: contracts.PatchResult{Status: contracts.PatchSuccess, CommitSHA: "abc123", UpdatedFiles: []string{"src/main.go"}}}
	cycle := NewCycle(host, patcher, objectStore, recordStore, bus, nil, testReviewConfig(), "opsrunbook-copilot-bot", nil)

	line := 2
	event := contracts.GitHubPRReviewEvent{
		DeliveryID:   "dlv-1",
		RepoFullName: "acme/widgets",
		PRNumber:     7,
		SenderLogin:  "human",
		CommentBody:  `replace "const x = 1" with "const x = 2"`,
		InlineContext: &contracts.InlineContext{Path: "src/main.go", Line: &line},
	}
	outcome, err := cycle.Run(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "success", outcome.Status)
	require.True(t, patcher.called)
	require.Len(t, host.comments, 1)
	require.Contains(t, host.comments[0], "abc123")
	require.Contains(t, host.comments[0], "dlv-1")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCycle_Run_DefersWithoutCallingPatcherWhenNoCodeContext(t *testing.T) {
	objectStore, recordStore, mock, bus := testCycleDeps(t)
	expectOutcomeUpsert(mock)
	host := &fakeHost{pr: basePR(), files: []forge.PullRequestFile{{Filename: "src/main.go"}}}
	patcher := &fakePatcher{}
	cycle := NewCycle(host, patcher, objectStore, recordStore, bus, nil, testReviewConfig(), "opsrunbook-copilot-bot", nil)

	event := contracts.GitHubPRReviewEvent{
		DeliveryID:   "dlv-1",
		RepoFullName: "acme/widgets",
		PRNumber:     7,
		SenderLogin:  "human",
		CommentBody:  "please take a look at this",
	}
	outcome, err := cycle.Run(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "deferred", outcome.Status)
	require.False(t, patcher.called)
	require.Len(t, host.comments, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}
