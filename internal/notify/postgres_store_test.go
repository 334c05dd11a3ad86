package notify

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgresStore_EnqueueInserted(t *testing.T) {
	store, mock := newMockStore(t)
	n := verified()
	n.ID = "ntf_1"
	n.CreatedAt = time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock(hashtext($1))")).
		WithArgs(n.dedupKey()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO notifications").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	inserted, err := store.Enqueue(context.Background(), &n, 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_EnqueueDuplicate(t *testing.T) {
	store, mock := newMockStore(t)
	n := verified()
	n.ID = "ntf_2"
	n.CreatedAt = time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO notifications").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	inserted, err := store.Enqueue(context.Background(), &n, 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Claim(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"id", "user_id", "type", "title", "message", "data", "admin", "status",
		"attempts", "last_error", "next_attempt_at", "created_at", "sent_at",
	}).AddRow("ntf_1", "usr_buyer", string(TypeCheckedIn), "Checked in", "msg",
		[]byte(`{"sessionId":"ses_1"}`), false, "PENDING", 1, "timeout", now, now, nil)

	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(now, now.Add(time.Minute), 10).
		WillReturnRows(rows)

	got, err := store.Claim(context.Background(), now, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, TypeCheckedIn, got[0].Type)
	assert.Equal(t, "ses_1", got[0].Data["sessionId"])
	assert.Equal(t, "timeout", got[0].LastError)
	assert.Nil(t, got[0].SentAt)
}

func TestPostgresStore_MarkRetryZeroNextFails(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("SET status = 'FAILED'").
		WithArgs("ntf_1", 8, "boom").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.MarkRetry(context.Background(), "ntf_1", 8, "boom", time.Time{}))
	require.NoError(t, mock.ExpectationsWereMet())
}
