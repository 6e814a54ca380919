package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStoreTest(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

func TestCreateInsertsQueuedJob(t *testing.T) {
	store, mock := setupStoreTest(t)

	job := New(&DeletePayload{MassAction{
		Entity:     "contacts",
		SearchMask: json.RawMessage(`{"status":{"$eq":"new"}}`),
	}})

	mock.ExpectExec(`INSERT INTO dal_jobs`).
		WithArgs(job.ID, job.Kind, job.Status, sqlmock.AnyArg(), "", job.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Create(context.Background(), nil, job))
	assert.NotNil(t, job.RawPayload)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateWithinTransaction(t *testing.T) {
	store, mock := setupStoreTest(t)

	job := New(&ExportPayload{MassAction: MassAction{Entity: "contacts", SearchMask: json.RawMessage(`{}`)}})

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO dal_jobs`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := store.db.Begin()
	require.NoError(t, err)
	require.NoError(t, store.Create(context.Background(), tx, job))
	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func jobRows(id uuid.UUID) *sqlmock.Rows {
	payload, _ := EncodePayload(&DeletePayload{MassAction{Entity: "contacts", SearchMask: json.RawMessage(`{}`)}})
	return sqlmock.NewRows([]string{
		"id", "kind", "status", "payload", "filename", "progress",
		"total_count", "processed_count", "succeeded_count", "failed_count",
		"skipped_count", "duplicate_count", "result_summary", "error_message",
		"created_at", "started_at", "completed_at",
	}).AddRow(
		id, "delete", "queued", []byte(payload), "", 0,
		0, 0, 0, 0, 0, 0, []byte(`{}`), "",
		time.Now(), nil, nil,
	)
}

func TestGetDecodesPayload(t *testing.T) {
	store, mock := setupStoreTest(t)
	id := uuid.New()

	mock.ExpectQuery(`SELECT .* FROM dal_jobs WHERE id`).
		WithArgs(id).
		WillReturnRows(jobRows(id))

	job, err := store.Get(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, KindDelete, job.Kind)
	assert.Equal(t, StatusQueued, job.Status)
	payload, ok := job.Payload.(*DeletePayload)
	require.True(t, ok, "payload decoded to %T", job.Payload)
	assert.Equal(t, "contacts", payload.Entity)
}

func TestGetNotFound(t *testing.T) {
	store, mock := setupStoreTest(t)
	id := uuid.New()

	mock.ExpectQuery(`SELECT .* FROM dal_jobs WHERE id`).
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	_, err := store.Get(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompleteGuardsTerminalStatus(t *testing.T) {
	store, mock := setupStoreTest(t)
	id := uuid.New()

	// First completion updates the row.
	mock.ExpectExec(`UPDATE dal_jobs`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Complete(context.Background(), id, StatusPartiallyFailed,
		Counts{Total: 10, Processed: 10, Succeeded: 8, Failed: 2}, ResultSummary{}, ""))

	// A second completion matches no rows (status already terminal) and
	// must not error.
	mock.ExpectExec(`UPDATE dal_jobs`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, store.Complete(context.Background(), id, StatusCompleted,
		Counts{}, ResultSummary{}, ""))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteRejectsNonTerminal(t *testing.T) {
	store, _ := setupStoreTest(t)
	err := store.Complete(context.Background(), uuid.New(), StatusActive, Counts{}, ResultSummary{}, "")
	assert.Error(t, err)
}

func TestSetProgressIsMonotonicSQL(t *testing.T) {
	store, mock := setupStoreTest(t)
	id := uuid.New()

	// 50 of 200 processed → 25 percent.
	mock.ExpectExec(`UPDATE dal_jobs`).
		WithArgs(id, 25, 200, 50, 48, 2, 0, 0).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.SetProgress(context.Background(), id, Counts{
		Total: 200, Processed: 50, Succeeded: 48, Failed: 2,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendFailedItemsUsesCopy(t *testing.T) {
	store, mock := setupStoreTest(t)
	id := uuid.New()

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`COPY "dal_job_failed_items"`)
	prep.ExpectExec().WithArgs(id, "a@example.com", "duplicate key", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WithArgs(id, "b@example.com", "store timeout", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := store.AppendFailedItems(context.Background(), id, []FailedItem{
		{Value: "a@example.com", Reason: "duplicate key"},
		{Value: "b@example.com", Reason: "store timeout"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendFailedItemsEmptyIsNoop(t *testing.T) {
	store, mock := setupStoreTest(t)
	require.NoError(t, store.AppendFailedItems(context.Background(), uuid.New(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}
