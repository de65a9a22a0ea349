package job

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/mimir-aip/predict-client/pkg/models"
)

// scripted returns a task that publishes messages in order with a pause
// between them, the way a worker relays server frames
func scripted(messages []models.StatusUpdate, pause time.Duration) Task {
	return func(ctx context.Context, comm *Communicator) (any, error) {
		for _, m := range messages {
			comm.Publish(m)
			time.Sleep(pause)
		}
		return "ok", nil
	}
}

// generator returns a task that publishes n ITERATING outputs and then
// either finishes or fails with failWith
func generator(n int, pause time.Duration, failWith error) Task {
	return func(ctx context.Context, comm *Communicator) (any, error) {
		comm.Publish(models.StatusUpdate{Code: models.StatusStarting})
		for i := 0; i < n; i++ {
			select {
			case <-comm.CancelRequested():
				return nil, ErrCancelled
			case <-time.After(pause):
			}
			comm.PublishOutput(models.StatusUpdate{Code: models.StatusIterating}, i)
		}
		if failWith != nil {
			return nil, failWith
		}
		return n - 1, nil
	}
}

func collectStatuses(t *testing.T, j *Job, every time.Duration) []models.StatusUpdate {
	t.Helper()
	var statuses []models.StatusUpdate
	deadline := time.Now().Add(5 * time.Second)
	for !j.Done() {
		require.True(t, time.Now().Before(deadline), "job did not finish")
		if s, ok := j.Status(); ok {
			statuses = append(statuses, s)
		}
		time.Sleep(every)
	}
	return statuses
}

func TestJobLifecycle(t *testing.T) {
	release := make(chan struct{})
	j := Start(context.Background(), func(ctx context.Context, comm *Communicator) (any, error) {
		<-release
		comm.Publish(models.StatusUpdate{Code: models.StatusStarting})
		return 42, nil
	})

	_, ok := j.Status()
	assert.False(t, ok, "no status before the worker publishes")
	assert.Equal(t, models.JobStatePending, j.State())
	assert.False(t, j.Done())
	assert.Empty(t, j.Outputs())

	close(release)
	result, err := j.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, result)

	status, ok := j.Status()
	require.True(t, ok)
	assert.Equal(t, models.StatusFinished, status.Code)
	require.NotNil(t, status.Success)
	assert.True(t, *status.Success)
	assert.Equal(t, models.JobStateFinished, j.State())
	assert.True(t, j.Done())
	assert.False(t, j.CompletedAt().IsZero())
}

func TestJobStatusesOrderedByTimeAndCode(t *testing.T) {
	now := time.Now()
	messages := []models.StatusUpdate{
		{Code: models.StatusStarting, Time: now},
		{Code: models.StatusSendingData, Time: now.Add(time.Second)},
		{Code: models.StatusInQueue, Time: now.Add(2 * time.Second), ETA: models.Ptr(3 * time.Second), Rank: models.Ptr(2), QueueSize: models.Ptr(2)},
		{Code: models.StatusInQueue, Time: now.Add(3 * time.Second), ETA: models.Ptr(2 * time.Second), Rank: models.Ptr(1), QueueSize: models.Ptr(1)},
		{Code: models.StatusIterating, Time: now.Add(3 * time.Second)},
		{Code: models.StatusFinished, Time: now.Add(4 * time.Second), Success: models.Ptr(true)},
	}

	j := Start(context.Background(), scripted(messages, 20*time.Millisecond))
	statuses := collectStatuses(t, j, 5*time.Millisecond)
	require.NotEmpty(t, statuses)

	for i := 1; i < len(statuses); i++ {
		assert.False(t, statuses[i].Time.Before(statuses[i-1].Time), "time went backwards at %d", i)
		assert.GreaterOrEqual(t, statuses[i].Code, statuses[i-1].Code, "code went backwards at %d", i)
	}
	for _, s := range statuses {
		assert.True(t, containsStatus(messages, s), "unexpected status %+v", s)
	}
}

func TestConcurrentJobsDoNotShareStatuses(t *testing.T) {
	now := time.Now()
	messages1 := []models.StatusUpdate{
		{Code: models.StatusStarting, Time: now},
		{Code: models.StatusFinished, Time: now.Add(4 * time.Second), Success: models.Ptr(true)},
	}
	messages2 := []models.StatusUpdate{
		{Code: models.StatusInQueue, Time: now.Add(2 * time.Second), Rank: models.Ptr(2), QueueSize: models.Ptr(2)},
		{Code: models.StatusInQueue, Time: now.Add(3 * time.Second), Rank: models.Ptr(1), QueueSize: models.Ptr(1)},
		{Code: models.StatusCancelled, Time: now.Add(5 * time.Second)},
	}

	j1 := Start(context.Background(), scripted(messages1, 30*time.Millisecond))
	j2 := Start(context.Background(), scripted(messages2, 30*time.Millisecond))

	var statuses1, statuses2 []models.StatusUpdate
	deadline := time.Now().Add(5 * time.Second)
	for !(j1.Done() && j2.Done()) {
		require.True(t, time.Now().Before(deadline))
		if s, ok := j1.Status(); ok {
			statuses1 = append(statuses1, s)
		}
		if s, ok := j2.Status(); ok {
			statuses2 = append(statuses2, s)
		}
		time.Sleep(5 * time.Millisecond)
	}

	for _, s := range statuses1 {
		assert.True(t, containsStatus(messages1, s), "job 1 saw %+v", s)
	}
	for _, s := range statuses2 {
		assert.True(t, containsStatus(messages2, s), "job 2 saw %+v", s)
	}
}

func TestCancelBeforeStartNeverRunsTask(t *testing.T) {
	sem := semaphore.NewWeighted(1)
	hold := make(chan struct{})
	defer close(hold)

	blocker := Start(context.Background(), func(ctx context.Context, comm *Communicator) (any, error) {
		comm.Publish(models.StatusUpdate{Code: models.StatusStarting})
		<-hold
		return nil, nil
	}, WithLimiter(sem))
	require.Eventually(t, func() bool {
		_, ok := blocker.Status()
		return ok
	}, time.Second, time.Millisecond)

	var calls atomic.Int32
	pending := Start(context.Background(), func(ctx context.Context, comm *Communicator) (any, error) {
		calls.Add(1)
		return "ran", nil
	}, WithLimiter(sem))

	assert.Equal(t, models.JobStatePending, pending.State())
	assert.True(t, pending.Cancel())

	_, err := pending.Result(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, int32(0), calls.Load())

	status, ok := pending.Status()
	require.True(t, ok)
	assert.Equal(t, models.StatusCancelled, status.Code)
	assert.Equal(t, models.JobStateCancelled, pending.State())
}

func TestCancelMidIteration(t *testing.T) {
	j := Start(context.Background(), generator(50, 10*time.Millisecond, nil))

	require.Eventually(t, func() bool {
		return len(j.Outputs()) >= 3
	}, 2*time.Second, time.Millisecond)
	j.Cancel()

	_, err := j.Result(context.Background())
	require.ErrorIs(t, err, ErrCancelled)

	atCancel := len(j.Outputs())
	assert.Less(t, atCancel, 50)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, atCancel, len(j.Outputs()), "outputs grew after cancel")

	status, _ := j.Status()
	assert.Equal(t, models.StatusCancelled, status.Code)
}

func TestCancelFreezesStatusAndOutputs(t *testing.T) {
	gate := make(chan struct{})
	j := Start(context.Background(), func(ctx context.Context, comm *Communicator) (any, error) {
		comm.PublishOutput(models.StatusUpdate{Code: models.StatusIterating}, 0)
		// Past its last checkpoint the task ignores the cancel request.
		<-gate
		comm.PublishOutput(models.StatusUpdate{Code: models.StatusIterating}, 1)
		comm.Publish(models.StatusUpdate{Code: models.StatusFinished, Success: models.Ptr(true)})
		return 1, nil
	})
	require.Eventually(t, func() bool {
		return len(j.Outputs()) == 1
	}, 2*time.Second, time.Millisecond)

	require.True(t, j.Cancel())
	status, ok := j.Status()
	require.True(t, ok)
	assert.Equal(t, models.StatusCancelled, status.Code)
	assert.Equal(t, models.JobStateCancelled, j.State())
	assert.True(t, j.Done())
	assert.Len(t, j.Outputs(), 1)
	assert.False(t, j.Cancel())

	close(gate)
	_, err := j.Result(context.Background())
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, []any{0}, j.Outputs())
	status, _ = j.Status()
	assert.Equal(t, models.StatusCancelled, status.Code)
}

func TestPublishAfterCancelIsDropped(t *testing.T) {
	comm := NewCommunicator()
	require.True(t, comm.Publish(models.StatusUpdate{Code: models.StatusInQueue}))
	before, _ := comm.LatestStatus()

	require.True(t, comm.RequestCancel())
	status, ok := comm.LatestStatus()
	require.True(t, ok)
	assert.Equal(t, models.StatusCancelled, status.Code)
	assert.False(t, status.Time.Before(before.Time))

	assert.False(t, comm.Publish(models.StatusUpdate{Code: models.StatusIterating}))
	assert.False(t, comm.PublishOutput(models.StatusUpdate{Code: models.StatusIterating}, "late"))
	assert.False(t, comm.Publish(models.StatusUpdate{Code: models.StatusFinished, Success: models.Ptr(true)}))
	assert.Empty(t, comm.Outputs())
	status, _ = comm.LatestStatus()
	assert.Equal(t, models.StatusCancelled, status.Code)

	finished := NewCommunicator()
	finished.Publish(models.StatusUpdate{Code: models.StatusFinished, Success: models.Ptr(true)})
	assert.False(t, finished.RequestCancel())
	assert.False(t, finished.ShouldCancel())
}

func TestCancelIsIdempotentAndNoopAfterFinish(t *testing.T) {
	j := Start(context.Background(), generator(1, time.Millisecond, nil))
	_, err := j.Result(context.Background())
	require.NoError(t, err)

	assert.False(t, j.Cancel())
	assert.False(t, j.Cancel())
	status, _ := j.Status()
	assert.Equal(t, models.StatusFinished, status.Code)

	comm := NewCommunicator()
	assert.True(t, comm.RequestCancel())
	assert.False(t, comm.RequestCancel())
	assert.True(t, comm.ShouldCancel())
	select {
	case <-comm.CancelRequested():
	default:
		t.Fatal("cancel channel not closed")
	}
}

func TestResultTimeoutDoesNotCancel(t *testing.T) {
	release := make(chan struct{})
	j := Start(context.Background(), func(ctx context.Context, comm *Communicator) (any, error) {
		comm.Publish(models.StatusUpdate{Code: models.StatusStarting})
		<-release
		return "late", nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := j.Result(ctx)
	require.ErrorIs(t, err, ErrTimeout)
	assert.False(t, j.Done())

	close(release)
	result, err := j.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "late", result)
	assert.Equal(t, models.JobStateFinished, j.State())
}

func TestIterationYieldsOutputsOnce(t *testing.T) {
	j := Start(context.Background(), generator(3, 5*time.Millisecond, nil))

	var outputs []any
	for out := range j.All() {
		outputs = append(outputs, out)
	}
	assert.Equal(t, []any{0, 1, 2}, outputs)
	assert.Equal(t, []any{0, 1, 2}, j.Outputs())

	var again []any
	for out := range j.All() {
		again = append(again, out)
	}
	assert.Empty(t, again, "iteration is not restartable")
}

func TestIterationStopsQuietlyOnFailure(t *testing.T) {
	boom := errors.New("boom")
	j := Start(context.Background(), generator(2, 5*time.Millisecond, boom))

	var outputs []any
	for out := range j.All() {
		outputs = append(outputs, out)
	}
	assert.Equal(t, []any{0, 1}, outputs)

	_, err := j.Result(context.Background())
	assert.ErrorIs(t, err, boom)
	status, _ := j.Status()
	assert.True(t, status.Failed())
	assert.Equal(t, "boom", status.Message)
}

func TestIterationEmptyWhenFailingBeforeOutput(t *testing.T) {
	j := Start(context.Background(), func(ctx context.Context, comm *Communicator) (any, error) {
		return nil, &PredictionError{Message: "bad input"}
	})

	var outputs []any
	for out := range j.All() {
		outputs = append(outputs, out)
	}
	assert.Empty(t, outputs)

	_, err := j.Result(context.Background())
	var predErr *PredictionError
	require.ErrorAs(t, err, &predErr)
	assert.Equal(t, "bad input", predErr.Message)
	assert.Equal(t, models.JobStateFailed, j.State())
}

func TestNextHonorsContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	j := Start(context.Background(), func(ctx context.Context, comm *Communicator) (any, error) {
		<-release
		return nil, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, ok := j.Next(ctx)
	assert.False(t, ok)
}

func TestPanickingTaskFailsJob(t *testing.T) {
	j := Start(context.Background(), func(ctx context.Context, comm *Communicator) (any, error) {
		panic("unexpected frame")
	})

	_, err := j.Result(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected frame")
	assert.Equal(t, models.JobStateFailed, j.State())
}

func TestParentContextCancelAbandonsJob(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	j := Start(ctx, func(ctx context.Context, comm *Communicator) (any, error) {
		comm.Publish(models.StatusUpdate{Code: models.StatusStarting})
		<-ctx.Done()
		return nil, ctx.Err()
	})

	cancel()
	_, err := j.Result(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, models.JobStateCancelled, j.State())
}

func TestOnFinishRunsOnceWithRecord(t *testing.T) {
	var mu sync.Mutex
	var records []*models.JobRecord
	j := Start(context.Background(), generator(2, time.Millisecond, nil),
		WithID("job-1"),
		WithOnFinish(func(j *Job) {
			mu.Lock()
			defer mu.Unlock()
			records = append(records, j.Record("/count", 0, "session"))
		}))

	_, err := j.Result(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, records, 1)
	assert.Equal(t, "job-1", records[0].ID)
	assert.Equal(t, "/count", records[0].APIName)
	assert.Equal(t, models.JobStateFinished, records[0].State)
	assert.Equal(t, 2, records[0].OutputCount)
	assert.Equal(t, models.StatusFinished, records[0].Code)
}

func TestPublishAfterTerminalIsDropped(t *testing.T) {
	comm := NewCommunicator()
	now := time.Now()

	assert.True(t, comm.Publish(models.StatusUpdate{Code: models.StatusStarting, Time: now}))
	assert.True(t, comm.Publish(models.StatusUpdate{Code: models.StatusSendingData, Time: now.Add(-time.Second)}))

	latest, _ := comm.LatestStatus()
	assert.True(t, latest.Time.Equal(now), "time must be clamped to stay non-decreasing")

	assert.True(t, comm.PublishOutput(models.StatusUpdate{Code: models.StatusIterating}, "a"))
	snapshot := comm.Outputs()
	assert.True(t, comm.Publish(models.StatusUpdate{Code: models.StatusCancelled}))
	assert.False(t, comm.PublishOutput(models.StatusUpdate{Code: models.StatusIterating}, "b"))

	assert.Equal(t, []any{"a"}, comm.Outputs())
	snapshot[0] = "mutated"
	assert.Equal(t, []any{"a"}, comm.Outputs())
	latest, _ = comm.LatestStatus()
	assert.Equal(t, models.StatusCancelled, latest.Code)
}

func containsStatus(messages []models.StatusUpdate, s models.StatusUpdate) bool {
	for _, m := range messages {
		if m.Equal(s) {
			return true
		}
	}
	return false
}
