package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nowcrm/dal/internal/entitystore"
	"github.com/nowcrm/dal/internal/jobs"
)

type captureArtifacts struct {
	key         string
	contentType string
	body        bytes.Buffer
}

func (c *captureArtifacts) Put(_ context.Context, key string, body io.Reader, contentType string) error {
	c.key = key
	c.contentType = contentType
	_, err := io.Copy(&c.body, body)
	return err
}

func TestExportStreamsAllPagesToArtifactStore(t *testing.T) {
	store, mock := newLooseStore(t)
	es := newFakeEntityStore(
		entitystore.Record{DocumentID: "d1", Attributes: map[string]any{"email": "a@x.io", "first_name": "Ada"}},
		entitystore.Record{DocumentID: "d2", Attributes: map[string]any{"email": "b@x.io", "first_name": "Bo"}},
		entitystore.Record{DocumentID: "d3", Attributes: map[string]any{"email": "c@x.io", "first_name": "Cy"}},
	)
	artifacts := &captureArtifacts{}
	e := NewExport(store, es, artifacts, 2)

	job := jobs.New(&jobs.ExportPayload{
		MassAction: jobs.MassAction{Entity: "contacts", SearchMask: json.RawMessage(`{"status":"active"}`)},
	})

	// Progress per page plus the completion.
	mock.ExpectExec("UPDATE dal_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE dal_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE dal_jobs").
		WithArgs(job.ID, jobs.StatusCompleted, 3, 3, 3, 0, 0, 0, sqlmock.AnyArg(), "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, e.Handle(context.Background(), job))

	assert.Equal(t, "text/csv", artifacts.contentType)
	assert.True(t, strings.HasPrefix(artifacts.key, "exports/contacts/"), artifacts.key)
	assert.True(t, strings.HasSuffix(artifacts.key, job.ID.String()+".csv"), artifacts.key)

	lines := strings.Split(strings.TrimSpace(artifacts.body.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "email,first_name", lines[0])
	assert.Equal(t, "a@x.io,Ada", lines[1])
	assert.Equal(t, "c@x.io,Cy", lines[3])
	assert.NoError(t, mock.ExpectationsWereMet())
}

// pagelessStore serves records without pagination metadata, like an
// entity store that omits the meta block.
type pagelessStore struct {
	*fakeEntityStore
}

func (p *pagelessStore) Resolve(ctx context.Context, entity string, mask json.RawMessage, page, pageSize int) (*entitystore.Page, error) {
	out, err := p.fakeEntityStore.Resolve(ctx, entity, mask, page, pageSize)
	if err != nil {
		return nil, err
	}
	out.PageCount = 0
	out.Total = 0
	return out, nil
}

func TestExportCountsRowsWithoutPaginationMetadata(t *testing.T) {
	store, mock := newLooseStore(t)
	es := &pagelessStore{newFakeEntityStore(
		entitystore.Record{DocumentID: "d1", Attributes: map[string]any{"email": "a@x.io"}},
		entitystore.Record{DocumentID: "d2", Attributes: map[string]any{"email": "b@x.io"}},
		entitystore.Record{DocumentID: "d3", Attributes: map[string]any{"email": "c@x.io"}},
	)}
	artifacts := &captureArtifacts{}
	e := NewExport(store, es, artifacts, 2)

	job := jobs.New(&jobs.ExportPayload{
		MassAction: jobs.MassAction{Entity: "contacts", SearchMask: json.RawMessage(`{}`)},
	})

	mock.ExpectExec("UPDATE dal_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE dal_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE dal_jobs").
		WithArgs(job.ID, jobs.StatusCompleted, 3, 3, 3, 0, 0, 0, sqlmock.AnyArg(), "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, e.Handle(context.Background(), job))

	lines := strings.Split(strings.TrimSpace(artifacts.body.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "c@x.io", lines[3])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExportMutatesNothing(t *testing.T) {
	store, mock := newLooseStore(t)
	es := newFakeEntityStore(
		entitystore.Record{DocumentID: "d1", Attributes: map[string]any{"email": "a@x.io"}},
	)
	e := NewExport(store, es, &captureArtifacts{}, 100)

	job := jobs.New(&jobs.ExportPayload{
		MassAction: jobs.MassAction{Entity: "contacts", SearchMask: json.RawMessage(`{}`)},
	})

	mock.ExpectExec("UPDATE dal_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE dal_jobs").WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, e.Handle(context.Background(), job))
	assert.Empty(t, es.updated)
	assert.Len(t, es.records, 1)
}
