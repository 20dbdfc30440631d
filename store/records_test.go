package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/rajawajahat/opsrunbook-copilot/contracts"
)

func newMockRecordStore(t *testing.T) (*RecordStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{})
	require.NoError(t, err)

	return NewRecordStoreFromDB(gdb), mock
}

func TestRecordStore_PutIncidentMeta_Upserts(t *testing.T) {
	store, mock := newMockRecordStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "records"`)).
		WillReturnRows(sqlmock.NewRows([]string{"pk"}))
	mock.ExpectCommit()

	evt := contracts.IncidentEvent{EventID: "evt-1", IncidentID: "inc-1", Service: "checkout"}
	err := store.PutIncidentMeta(ctx, "inc-1", evt)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStore_PutWebhookDelivery_SecondCallNotNew(t *testing.T) {
	store, mock := newMockRecordStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "records"`)).
		WillReturnRows(sqlmock.NewRows([]string{"pk"}).AddRow("WEBHOOK#DELIVERY"))
	mock.ExpectCommit()

	isNew, err := store.PutWebhookDelivery(ctx, "delivery-1")
	require.NoError(t, err)
	require.True(t, isNew)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStore_PutRun_RoundTripsJSON(t *testing.T) {
	store, mock := newMockRecordStore(t)
	ctx := context.Background()

	run := RunRecord{RunID: "run-1", Phase: "collect", StartedAt: time.Now().UTC()}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "records"`)).
		WillReturnRows(sqlmock.NewRows([]string{"pk"}))
	mock.ExpectCommit()

	require.NoError(t, store.PutRun(ctx, "inc-1", run))
	require.NoError(t, mock.ExpectationsWereMet())
}
