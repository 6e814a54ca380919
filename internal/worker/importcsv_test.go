package worker

import (
	"context"
	"regexp"
	"strings"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nowcrm/dal/internal/entitystore"
	"github.com/nowcrm/dal/internal/jobs"
)

func TestImportCSVAccountsForEveryRow(t *testing.T) {
	store, mock := newLooseStore(t)
	es := newFakeEntityStore()
	es.failOn["b@x.io"] = &entitystore.APIError{Status: 500, Message: "store unavailable"}
	h := NewImportCSV(store, es, nil, 100)

	csvText := strings.Join([]string{
		"email,name",
		"a@x.io,Ada",
		"A@x.io,Dup",
		",NoMail",
		"b@x.io,Bo",
		"c@x.io,Cy",
	}, "\n")

	job := jobs.New(&jobs.ImportCSVPayload{
		Filename:              "contacts.csv",
		Entity:                "contacts",
		CSV:                   csvText,
		Mapping:               map[string]string{"email": "email", "name": "first_name"},
		RequiredColumns:       []string{"email"},
		SelectedColumns:       []string{"email", "name"},
		DeduplicateByRequired: true,
	})

	// Skipped row report.
	mock.ExpectBegin()
	mock.ExpectPrepare(regexp.QuoteMeta(`COPY "dal_job_failed_items"`)).
		ExpectExec().
		WithArgs(job.ID, "row 3", "all required fields empty", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`COPY "dal_job_failed_items"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	// Failed row report.
	mock.ExpectBegin()
	mock.ExpectPrepare(regexp.QuoteMeta(`COPY "dal_job_failed_items"`)).
		ExpectExec().
		WithArgs(job.ID, "b@x.io", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`COPY "dal_job_failed_items"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	// One progress flush, then the terminal transition with the row
	// accounting: imported 2, skipped 1, duplicate 1, failed 1 of 5.
	mock.ExpectExec("UPDATE dal_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE dal_jobs").
		WithArgs(job.ID, jobs.StatusPartiallyFailed, 5, 3, 2, 1, 1, 1, sqlmock.AnyArg(), "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, h.Handle(context.Background(), job))
	assert.Equal(t, []string{"a@x.io", "c@x.io"}, es.created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestImportCSVInfersMappingWhenAbsent(t *testing.T) {
	store, mock := newLooseStore(t)
	es := newFakeEntityStore()
	h := NewImportCSV(store, es, nil, 100)

	job := jobs.New(&jobs.ImportCSVPayload{
		Filename:        "contacts.csv",
		Entity:          "contacts",
		CSV:             "E-Mail,First Name\na@x.io,Ada",
		RequiredColumns: []string{"email"},
	})

	mock.ExpectExec("UPDATE dal_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE dal_jobs").WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, h.Handle(context.Background(), job))
	assert.Equal(t, []string{"a@x.io"}, es.created)
}

func TestImportCSVRejectsConflictingMapping(t *testing.T) {
	store, _ := newLooseStore(t)
	h := NewImportCSV(store, newFakeEntityStore(), nil, 100)

	job := jobs.New(&jobs.ImportCSVPayload{
		Filename: "contacts.csv",
		Entity:   "contacts",
		CSV:      "email,mail\na@x.io,b@x.io",
		Mapping:  map[string]string{"email": "email", "mail": "email"},
	})

	err := h.Handle(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multiple headers")
}

func TestImportCSVAttachesListMembership(t *testing.T) {
	store, mock := newLooseStore(t)
	es := newFakeEntityStore()
	h := NewImportCSV(store, es, nil, 100)

	job := jobs.New(&jobs.ImportCSVPayload{
		Filename:        "contacts.csv",
		Entity:          "contacts",
		CSV:             "email\na@x.io",
		Mapping:         map[string]string{"email": "email"},
		RequiredColumns: []string{"email"},
		ListID:          42,
	})

	mock.ExpectExec("UPDATE dal_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE dal_jobs").WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, h.Handle(context.Background(), job))
	assert.Equal(t, int64(42), es.connected["doc-a@x.io"])
}
