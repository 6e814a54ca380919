package importer

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T) (*ProgressTracker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewProgressTracker(rdb, time.Hour), mr
}

func TestProgressRoundTrip(t *testing.T) {
	tracker, mr := newTestTracker(t)
	ctx := context.Background()
	jobID := uuid.New()

	require.NoError(t, tracker.Set(ctx, Progress{
		JobID:    jobID.String(),
		Status:   "active",
		Percent:  40,
		Total:    500,
		Imported: 180,
		Skipped:  15,
		Failed:   5,
	}))

	got, err := tracker.Get(ctx, jobID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 40, got.Percent)
	assert.Equal(t, 180, got.Imported)
	assert.False(t, got.UpdatedAt.IsZero())

	mr.FastForward(2 * time.Hour)
	got, err = tracker.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestProgressMissingJob(t *testing.T) {
	tracker, _ := newTestTracker(t)

	got, err := tracker.Get(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, got)
}
