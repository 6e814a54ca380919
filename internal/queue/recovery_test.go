package queue

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nowcrm/dal/internal/jobs"
)

type fakeLock struct {
	held     bool
	acquired bool
}

func (l *fakeLock) Acquire(context.Context) (bool, error) {
	l.acquired = true
	return !l.held, nil
}

func (l *fakeLock) Release(context.Context) error { return nil }

func TestRecoveryRequeuesStaleAndDeadLetters(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	store := jobs.NewStore(db)
	lock := &fakeLock{}
	rec := NewRecovery(db, store, lock, time.Minute, 5*time.Minute, 3)

	deadID := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("SET status = 'queued'")).
		WithArgs("5m0s", 3).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectQuery(regexp.QuoteMeta("SET status = 'dead_letter'")).
		WithArgs("5m0s", 3).
		WillReturnRows(sqlmock.NewRows([]string{"job_id"}).AddRow(deadID))
	// The dead-lettered job is marked failed.
	mock.ExpectExec("UPDATE dal_jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec.runOnce(context.Background())

	assert.True(t, lock.acquired)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecoverySkipsWhenLockHeld(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	lock := &fakeLock{held: true}
	rec := NewRecovery(db, jobs.NewStore(db), lock, 0, 0, 0)

	rec.runOnce(context.Background())

	// No queries when another host holds the lock.
	assert.NoError(t, mock.ExpectationsWereMet())
}
