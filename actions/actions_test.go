package actions

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/rajawajahat/opsrunbook-copilot/contracts"
	"github.com/rajawajahat/opsrunbook-copilot/events"
	"github.com/rajawajahat/opsrunbook-copilot/obstrace"
	"github.com/rajawajahat/opsrunbook-copilot/queue"
	"github.com/rajawajahat/opsrunbook-copilot/store"
)

func testRecordStore(t *testing.T) (*store.RecordStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{})
	require.NoError(t, err)
	return store.NewRecordStoreFromDB(gdb), mock
}

// expectActionUpsert sets up the one idempotency read (not found) and one
// upsert write every non-skipped, non-preflight-cached executor run makes.
func expectActionUpsert(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(`SELECT`).WillReturnError(gorm.ErrRecordNotFound)
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "records"`).WillReturnRows(sqlmock.NewRows([]string{"pk"}))
	mock.ExpectCommit()
}

// sharedTestMetrics is registered once for the whole test binary:
// promauto panics on a second registration of the same collector names.
var sharedTestMetrics = obstrace.NewMetrics("actions_test")

func noopMetrics() *obstrace.Metrics { return sharedTestMetrics }

func noopBus(t *testing.T) *events.Bus {
	t.Helper()
	dialer, _, _ := queue.SetupMockDialerForTest()
	bus, err := events.NewBusWithDialer(events.Config{URL: "amqp://localhost"}, dialer)
	require.NoError(t, err)
	return bus
}

type fakeFailingTicketBackend struct{}

func (fakeFailingTicketBackend) CreateIssue(ctx context.Context, in TicketInput) (TicketOutput, error) {
	return TicketOutput{}, context.DeadlineExceeded
}

func TestTicketExecutor_KillSwitch_SkipsWithoutCallingBackend(t *testing.T) {
	rs, mock := testRecordStore(t)
	mock.MatchExpectationsInOrder(false)
	cfg := DefaultConfig()
	cfg.AutomationEnabled = false
	exec := NewTicketExecutor(fakeFailingTicketBackend{}, rs, noopBus(t), noopMetrics(), cfg)

	result, err := exec.Execute(context.Background(), "inc-1", "run-1", contracts.PlannedAction{Title: "t"})
	require.NoError(t, err)
	require.Equal(t, contracts.ActionStatusSkipped, result.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTicketExecutor_DryRunFakeProducesDeterministicRefs(t *testing.T) {
	rs, mock := testRecordStore(t)
	expectActionUpsert(mock)

	exec := NewTicketExecutor(FakeTicketBackend{}, rs, noopBus(t), noopMetrics(), DefaultConfig())
	result, err := exec.Execute(context.Background(), "inc-1", "run-1", contracts.PlannedAction{Title: "incident t", Priority: contracts.PriorityP1})
	require.NoError(t, err)
	require.Equal(t, contracts.ActionStatusSuccess, result.Status)
	require.NotEmpty(t, result.ExternalRefs["issue_key"])
	require.NoError(t, mock.ExpectationsWereMet())

	result2, err := FakeTicketBackend{}.CreateIssue(context.Background(), TicketInput{Title: "incident t"})
	require.NoError(t, err)
	require.Equal(t, result.ExternalRefs["issue_key"], result2.IssueKey)
}

func TestTicketExecutor_IdempotentReuseSkipsBackendAndPersist(t *testing.T) {
	rs, mock := testRecordStore(t)
	existing := contracts.ActionResult{
		SchemaVersion: "incident_action_result.v1",
		IncidentID:    "inc-1",
		ActionType:    contracts.ActionTicket,
		Status:        contracts.ActionStatusSuccess,
		ExternalRefs:  map[string]string{"issue_key": "TICKET-9"},
	}
	body, err := json.Marshal(existing)
	require.NoError(t, err)
	mock.ExpectQuery(`SELECT`).WillReturnRows(sqlmock.NewRows([]string{"pk", "sk", "data"}).AddRow("INCIDENT#inc-1", "ACTION#run-1-ticket", body))

	exec := NewTicketExecutor(fakeFailingTicketBackend{}, rs, noopBus(t), noopMetrics(), DefaultConfig())
	result, err := exec.Execute(context.Background(), "inc-1", "run-1", contracts.PlannedAction{Title: "t"})
	require.NoError(t, err)
	require.Equal(t, "TICKET-9", result.ExternalRefs["issue_key"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "ab", truncate("abcdef", 2))
	require.Equal(t, "abcdef", truncate("abcdef", 10))
}

func TestPRExecutor_SkipsBelowConfidenceThreshold(t *testing.T) {
	rs, mock := testRecordStore(t)
	expectActionUpsert(mock)

	exec := NewPRExecutor(FakePRHost{}, rs, noopBus(t), noopMetrics(), DefaultConfig())
	resolution := contracts.RepoResolution{RepoFullName: "acme/widgets", Confidence: 0.5}
	result, err := exec.Execute(context.Background(), "inc-1", "run-1", contracts.PlannedAction{}, resolution, nil)
	require.NoError(t, err)
	require.Equal(t, contracts.ActionStatusSkipped, result.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPRExecutor_SkipsWithoutSuccessfulTicket(t *testing.T) {
	rs, mock := testRecordStore(t)
	expectActionUpsert(mock)

	exec := NewPRExecutor(FakePRHost{}, rs, noopBus(t), noopMetrics(), DefaultConfig())
	resolution := contracts.RepoResolution{RepoFullName: "acme/widgets", Confidence: 0.95}
	result, err := exec.Execute(context.Background(), "inc-1", "run-1", contracts.PlannedAction{}, resolution, nil)
	require.NoError(t, err)
	require.Equal(t, contracts.ActionStatusSkipped, result.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPRExecutor_OpensPullRequestWhenGated(t *testing.T) {
	rs, mock := testRecordStore(t)
	expectActionUpsert(mock)

	exec := NewPRExecutor(FakePRHost{}, rs, noopBus(t), noopMetrics(), DefaultConfig())
	resolution := contracts.RepoResolution{RepoFullName: "acme/widgets", Confidence: 0.95, Verification: contracts.VerificationMapping}
	ticket := &contracts.ActionResult{Status: contracts.ActionStatusSuccess, ExternalRefs: map[string]string{"issue_key": "TICKET-1", "url": "https://x/TICKET-1"}}

	result, err := exec.Execute(context.Background(), "inc-1", "run-1", contracts.PlannedAction{Description: "notes"}, resolution, ticket)
	require.NoError(t, err)
	require.Equal(t, contracts.ActionStatusSuccess, result.Status)
	require.Equal(t, "opsrunbook/TICKET-1", result.ExternalRefs["branch"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNotifyExecutor_AppendsTicketLinkAndCapsAtFive(t *testing.T) {
	rs, mock := testRecordStore(t)
	expectActionUpsert(mock)

	exec := NewNotifyExecutor(FakeNotifyBackend{}, rs, noopBus(t), noopMetrics(), DefaultConfig())
	ticket := &contracts.ActionResult{ExternalRefs: map[string]string{"url": "https://x/TICKET-1"}}
	action := contracts.PlannedAction{Title: "notify", Links: []string{"a", "b", "c", "d", "e"}}

	result, err := exec.Execute(context.Background(), "inc-1", "run-1", action, ticket)
	require.NoError(t, err)
	require.Equal(t, contracts.ActionStatusSuccess, result.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}
