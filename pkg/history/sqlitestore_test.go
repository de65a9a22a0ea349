package history

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mimir-aip/predict-client/pkg/models"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func record(id, apiName string, submitted time.Time, state models.JobState) *models.JobRecord {
	r := &models.JobRecord{
		ID:          id,
		APIName:     apiName,
		FnIndex:     0,
		SessionHash: "abc123",
		State:       state,
		OutputCount: 1,
		SubmittedAt: submitted,
		CompletedAt: submitted.Add(2 * time.Second),
	}
	switch state {
	case models.JobStateFinished:
		r.Code = models.StatusFinished
		r.Success = models.Ptr(true)
	case models.JobStateFailed:
		r.Code = models.StatusFinished
		r.Success = models.Ptr(false)
		r.Error = "prediction failed: boom"
	case models.JobStateCancelled:
		r.Code = models.StatusCancelled
		r.Error = "job cancelled"
	}
	r.Final = models.StatusUpdate{Code: r.Code, Time: r.CompletedAt, Success: r.Success}
	return r
}

func TestSaveAndGetRecord(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	want := record("job-1", "/predict", now, models.JobStateFailed)
	want.Final.ETA = models.Ptr(3 * time.Second)
	require.NoError(t, store.SaveRecord(ctx, want))

	got, err := store.GetRecord(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.APIName, got.APIName)
	assert.Equal(t, models.JobStateFailed, got.State)
	assert.Equal(t, models.StatusFinished, got.Code)
	require.NotNil(t, got.Success)
	assert.False(t, *got.Success)
	assert.Equal(t, "prediction failed: boom", got.Error)
	assert.True(t, want.SubmittedAt.Equal(got.SubmittedAt))
	assert.Equal(t, 2*time.Second, got.Duration())
	require.NotNil(t, got.Final.ETA)
	assert.Equal(t, 3*time.Second, *got.Final.ETA)

	// saving again replaces
	want.State = models.JobStateFinished
	want.Error = ""
	require.NoError(t, store.SaveRecord(ctx, want))
	got, err = store.GetRecord(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateFinished, got.State)

	_, err = store.GetRecord(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRecentAndByEndpoint(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Now()

	for i := range 5 {
		api := "/predict"
		if i%2 == 1 {
			api = "/count"
		}
		r := record(fmt.Sprintf("job-%d", i), api, base.Add(time.Duration(i)*time.Minute), models.JobStateFinished)
		require.NoError(t, store.SaveRecord(ctx, r))
	}

	recent, err := store.ListRecent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "job-4", recent[0].ID)
	assert.Equal(t, "job-3", recent[1].ID)
	assert.Equal(t, "job-2", recent[2].ID)

	all, err := store.ListRecent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	counts, err := store.ListByEndpoint(ctx, "/count", 10)
	require.NoError(t, err)
	require.Len(t, counts, 2)
	assert.Equal(t, "job-3", counts[0].ID)
	assert.Equal(t, "job-1", counts[1].ID)

	none, err := store.ListByEndpoint(ctx, "/nope", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDeleteBefore(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	require.NoError(t, store.SaveRecord(ctx, record("old", "/predict", base, models.JobStateFinished)))
	require.NoError(t, store.SaveRecord(ctx, record("new", "/predict", base.Add(50*time.Minute), models.JobStateFinished)))

	deleted, err := store.DeleteBefore(ctx, base.Add(30*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	_, err = store.GetRecord(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetRecord(ctx, "new")
	assert.NoError(t, err)
}

func TestScheduledRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Now()

	runs := []*models.ScheduledRun{
		{Schedule: "nightly", JobID: "a", StartedAt: base, CompletedAt: base.Add(time.Second), State: models.JobStateFinished},
		{Schedule: "hourly", JobID: "b", StartedAt: base.Add(time.Minute), CompletedAt: base.Add(2 * time.Minute), State: models.JobStateFailed, Error: "boom"},
		{Schedule: "nightly", JobID: "c", StartedAt: base.Add(2 * time.Minute), CompletedAt: base.Add(3 * time.Minute), State: models.JobStateCancelled},
	}
	for _, run := range runs {
		require.NoError(t, store.SaveRun(ctx, run))
	}

	nightly, err := store.ListRuns(ctx, "nightly", 10)
	require.NoError(t, err)
	require.Len(t, nightly, 2)
	assert.Equal(t, "c", nightly[0].JobID)
	assert.Equal(t, "a", nightly[1].JobID)

	all, err := store.ListRuns(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "c", all[0].JobID)
	assert.Equal(t, "b", all[1].JobID)
	assert.Equal(t, "boom", all[1].Error)
}

func TestConcurrentWrites(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- store.SaveRecord(ctx, record(fmt.Sprintf("job-%d", i), "/predict", time.Now(), models.JobStateFinished))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	all, err := store.ListRecent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 20)
}

func TestStoreImplementsInterface(t *testing.T) {
	var _ Store = setupTestStore(t)
}
