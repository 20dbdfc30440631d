package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/rajawajahat/opsrunbook-copilot/config"
	"github.com/rajawajahat/opsrunbook-copilot/contracts"
	"github.com/rajawajahat/opsrunbook-copilot/review"
	"github.com/rajawajahat/opsrunbook-copilot/store"
)

const testSecret = "sharedsecret"

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

type fakeRunner struct {
	calls int
	err   error
}

func (f *fakeRunner) Run(ctx context.Context, event contracts.GitHubPRReviewEvent) (review.Outcome, error) {
	f.calls++
	return review.Outcome{Status: "success"}, f.err
}

func testIngressDeps(t *testing.T) (*store.RecordStore, sqlmock.Sqlmock, *store.ObjectStore, *store.Cache) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mock.MatchExpectationsInOrder(false)
	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{})
	require.NoError(t, err)
	recordStore := store.NewRecordStoreFromDB(gdb)

	objectStore := store.NewObjectStore(store.NewMockS3Client(), "webhooks")
	require.NoError(t, objectStore.EnsureBucket(context.Background()))

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	cache := store.NewCacheFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:")

	return recordStore, mock, objectStore, cache
}

func testReviewCfg() config.ReviewConfig {
	return config.ReviewConfig{MaxCommentBytes: 4000, StopCommand: "/copilot stop", ResumeCommand: "/copilot resume"}
}

// expectDeliveryInsert mocks the one-time PutWebhookDelivery dedupe write
// (a DoNothing upsert, so still a Begin/Query/Commit sequence).
func expectDeliveryInsert(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "records"`).WillReturnRows(sqlmock.NewRows([]string{"pk"}).AddRow("x"))
	mock.ExpectCommit()
}

func expectOutcomeMark(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "records"`).WillReturnRows(sqlmock.NewRows([]string{"pk"}))
	mock.ExpectCommit()
}

const prOpenedBody = `{
  "action": "opened",
  "sender": {"login": "human"},
  "repository": {"full_name": "acme/widgets"},
  "pull_request": {"number": 7, "body": "opsrunbook_copilot", "html_url": "https://x/7", "head": {"ref": "feature"}}
}`

func TestIngress_Handle_RejectsBadSignature(t *testing.T) {
	rs, _, os_, cache := testIngressDeps(t)
	runner := &fakeRunner{}
	in := NewIngress(rs, os_, cache, runner, testReviewCfg(), testSecret, "opsrunbook-copilot-bot", nil)

	body := []byte(prOpenedBody)
	_, err := in.Handle(context.Background(), Delivery{SignatureHeader: "sha256=deadbeef", EventType: "pull_request", DeliveryID: "d1", Body: body})
	require.Error(t, err)
	require.True(t, IsRejected(err))
}

func TestIngress_Handle_RejectsMissingHeaders(t *testing.T) {
	rs, _, os_, cache := testIngressDeps(t)
	runner := &fakeRunner{}
	in := NewIngress(rs, os_, cache, runner, testReviewCfg(), testSecret, "opsrunbook-copilot-bot", nil)

	body := []byte(prOpenedBody)
	_, err := in.Handle(context.Background(), Delivery{SignatureHeader: sign(body), EventType: "", DeliveryID: "d1", Body: body})
	require.Error(t, err)
	require.True(t, IsRejected(err))
}

func TestIngress_Handle_DedupesRepeatedDelivery(t *testing.T) {
	rs, mock, os_, cache := testIngressDeps(t)
	mock.ExpectQuery(`INSERT INTO "records"`).WillReturnRows(sqlmock.NewRows([]string{"pk"})) // RowsAffected 0 -> not new
	runner := &fakeRunner{}
	in := NewIngress(rs, os_, cache, runner, testReviewCfg(), testSecret, "opsrunbook-copilot-bot", nil)

	body := []byte(prOpenedBody)
	status, err := in.Handle(context.Background(), Delivery{SignatureHeader: sign(body), EventType: "pull_request", DeliveryID: "d1", Body: body})
	require.NoError(t, err)
	require.Equal(t, StatusAlreadyProcessed, status)
	require.Equal(t, 0, runner.calls)
}

func TestIngress_Handle_DropsSelfEvents(t *testing.T) {
	rs, mock, os_, cache := testIngressDeps(t)
	expectDeliveryInsert(mock)
	expectOutcomeMark(mock)
	runner := &fakeRunner{}
	in := NewIngress(rs, os_, cache, runner, testReviewCfg(), testSecret, "opsrunbook-copilot-bot", nil)

	body := []byte(`{"action":"opened","sender":{"login":"opsrunbook-copilot-bot[bot]"},"repository":{"full_name":"acme/widgets"},"pull_request":{"number":7,"body":"opsrunbook_copilot","html_url":"https://x/7","head":{"ref":"feature"}}}`)
	status, err := in.Handle(context.Background(), Delivery{SignatureHeader: sign(body), EventType: "pull_request", DeliveryID: "d2", Body: body})
	require.NoError(t, err)
	require.Equal(t, StatusSkipped, status)
	require.Equal(t, 0, runner.calls)
}

func TestIngress_Handle_StopCommandPausesAndSkipsDispatch(t *testing.T) {
	rs, mock, os_, cache := testIngressDeps(t)
	expectDeliveryInsert(mock)
	expectOutcomeMark(mock)
	runner := &fakeRunner{}
	in := NewIngress(rs, os_, cache, runner, testReviewCfg(), testSecret, "opsrunbook-copilot-bot", nil)

	body := []byte(`{
	  "action": "created",
	  "sender": {"login": "human"},
	  "repository": {"full_name": "acme/widgets"},
	  "issue": {"number": 7, "pull_request": {}},
	  "comment": {"body": "/copilot stop", "html_url": "https://x/c1"}
	}`)
	status, err := in.Handle(context.Background(), Delivery{SignatureHeader: sign(body), EventType: "issue_comment", DeliveryID: "d3", Body: body})
	require.NoError(t, err)
	require.Equal(t, StatusPaused, status)
	require.Equal(t, 0, runner.calls)

	paused, err := cache.IsPaused(context.Background(), "acme/widgets#7")
	require.NoError(t, err)
	require.True(t, paused)
}

func TestIngress_Handle_PauseGateSkipsDispatchUntilResumed(t *testing.T) {
	rs, mock, os_, cache := testIngressDeps(t)
	require.NoError(t, cache.SetPaused(context.Background(), "acme/widgets#7", true))
	expectDeliveryInsert(mock)
	expectOutcomeMark(mock)
	runner := &fakeRunner{}
	in := NewIngress(rs, os_, cache, runner, testReviewCfg(), testSecret, "opsrunbook-copilot-bot", nil)

	body := []byte(prOpenedBody)
	status, err := in.Handle(context.Background(), Delivery{SignatureHeader: sign(body), EventType: "pull_request", DeliveryID: "d4", Body: body})
	require.NoError(t, err)
	require.Equal(t, StatusSkipped, status)
	require.Equal(t, 0, runner.calls)
}

func TestIngress_Handle_DropsIssueCommentWithoutPR(t *testing.T) {
	rs, mock, os_, cache := testIngressDeps(t)
	expectDeliveryInsert(mock)
	expectOutcomeMark(mock)
	runner := &fakeRunner{}
	in := NewIngress(rs, os_, cache, runner, testReviewCfg(), testSecret, "opsrunbook-copilot-bot", nil)

	body := []byte(`{"action":"created","sender":{"login":"human"},"repository":{"full_name":"acme/widgets"},"issue":{"number":7},"comment":{"body":"hi"}}`)
	status, err := in.Handle(context.Background(), Delivery{SignatureHeader: sign(body), EventType: "issue_comment", DeliveryID: "d5", Body: body})
	require.NoError(t, err)
	require.Equal(t, StatusSkipped, status)
	require.Equal(t, 0, runner.calls)
}

func TestIngress_Handle_AcceptsAndDispatchesValidDelivery(t *testing.T) {
	rs, mock, os_, cache := testIngressDeps(t)
	expectDeliveryInsert(mock)
	expectOutcomeMark(mock)
	runner := &fakeRunner{}
	in := NewIngress(rs, os_, cache, runner, testReviewCfg(), testSecret, "opsrunbook-copilot-bot", nil)

	body := []byte(prOpenedBody)
	status, err := in.Handle(context.Background(), Delivery{SignatureHeader: sign(body), EventType: "pull_request", DeliveryID: "d6", Body: body})
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, status)
	require.Equal(t, 1, runner.calls)
}

func TestIngress_Handle_RejectsUnknownEventTypeInSignature(t *testing.T) {
	// An unsupported-but-signed event type is filtered, not rejected.
	rs, mock, os_, cache := testIngressDeps(t)
	expectDeliveryInsert(mock)
	expectOutcomeMark(mock)
	runner := &fakeRunner{}
	in := NewIngress(rs, os_, cache, runner, testReviewCfg(), testSecret, "opsrunbook-copilot-bot", nil)

	body := []byte(`{"action":"created","sender":{"login":"human"},"repository":{"full_name":"acme/widgets"}}`)
	status, err := in.Handle(context.Background(), Delivery{SignatureHeader: sign(body), EventType: "star", DeliveryID: "d7", Body: body})
	require.NoError(t, err)
	require.Equal(t, StatusSkipped, status)
	require.Equal(t, 0, runner.calls)
}
